package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"hookrelay/internal/logger"
	"hookrelay/pkg/domain"
)

// MessageType 桥上消息的类型标记
const MessageType = "hookrelay:capture"

var (
	// ErrMalformed 消息结构不合法
	ErrMalformed = errors.New("bridge: malformed message")
)

// Message 接收端还原后的消息
type Message struct {
	Envelope domain.Envelope
	Response domain.ResponseRecord
	// Repairs 接收端补齐的字段
	Repairs []string
	SentAt  int64
}

// Legacy 是否走了字段修补路径
func (m Message) Legacy() bool { return len(m.Repairs) > 0 }

// Handler 消息处理函数
type Handler func(Message)

type wireRequest struct {
	Kind       domain.HookKind `json:"kind"`
	Method     string          `json:"method"`
	URL        string          `json:"url"`
	Body       *string         `json:"body"`
	RequestID  string          `json:"requestId"`
	Context    *domain.Context `json:"context"`
	CapturedAt int64           `json:"capturedAt"`
}

type wireMessage struct {
	Type     string                `json:"type"`
	SentAt   int64                 `json:"sentAt"`
	Request  wireRequest           `json:"request"`
	Response domain.ResponseRecord `json:"response"`
}

// Bridge 把捕获的请求/响应序列化后送过传输层，并在接收端校验还原
type Bridge struct {
	transport Transport
	rev       int
	log       logger.Logger
	now       func() time.Time

	sent      atomic.Int64
	dropped   atomic.Int64
	malformed atomic.Int64
}

// Option 构造选项
type Option func(*Bridge)

// WithRev 覆盖修订号
func WithRev(rev int) Option { return func(b *Bridge) { b.rev = rev } }

// WithClock 注入时钟
func WithClock(now func() time.Time) Option { return func(b *Bridge) { b.now = now } }

// New 创建消息桥
func New(t Transport, l logger.Logger, opts ...Option) *Bridge {
	if l == nil {
		l = logger.NewNop()
	}
	b := &Bridge{transport: t, rev: domain.Rev, log: l, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Send 序列化并发送，发送失败只计数不重试
func (b *Bridge) Send(env domain.Envelope, res domain.ResponseRecord) error {
	payload, err := b.Encode(env, res)
	if err != nil {
		b.dropped.Add(1)
		return err
	}
	if err := b.transport.Post(payload); err != nil {
		b.dropped.Add(1)
		return fmt.Errorf("post message: %w", err)
	}
	b.sent.Add(1)
	return nil
}

// Encode 生成线上格式并打上当前修订号
func (b *Bridge) Encode(env domain.Envelope, res domain.ResponseRecord) ([]byte, error) {
	msg := wireMessage{
		Type:   MessageType,
		SentAt: b.now().UnixMilli(),
		Request: wireRequest{
			Kind:       env.Kind,
			Method:     env.Method,
			URL:        env.URL,
			Body:       env.Body,
			RequestID:  env.RequestID,
			Context:    env.Context,
			CapturedAt: env.CapturedAt,
		},
		Response: res,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if raw, err = sjson.SetBytes(raw, "rev", b.rev); err != nil {
		return nil, fmt.Errorf("stamp rev: %w", err)
	}
	if raw, err = sjson.SetBytes(raw, "request.hookRev", b.rev); err != nil {
		return nil, fmt.Errorf("stamp rev: %w", err)
	}
	return raw, nil
}

// OnReceive 注册接收处理，非法消息静默丢弃
func (b *Bridge) OnReceive(h Handler) (cancel func()) {
	return b.transport.Listen(func(payload []byte) {
		msg, err := b.Decode(payload)
		if err != nil {
			b.malformed.Add(1)
			b.log.Debug("丢弃非法消息", "error", err)
			return
		}
		h(msg)
	})
}

// Decode 校验并还原消息
func (b *Bridge) Decode(payload []byte) (Message, error) {
	if !gjson.ValidBytes(payload) {
		return Message{}, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	root := gjson.ParseBytes(payload)
	if root.Get("type").String() != MessageType {
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, root.Get("type").String())
	}
	req := root.Get("request")
	if !req.IsObject() {
		return Message{}, fmt.Errorf("%w: missing request", ErrMalformed)
	}
	url := req.Get("url")
	if url.Type != gjson.String || url.String() == "" {
		return Message{}, fmt.Errorf("%w: missing request.url", ErrMalformed)
	}
	status := root.Get("response.status")
	if status.Type != gjson.Number {
		return Message{}, fmt.Errorf("%w: missing response.status", ErrMalformed)
	}

	var msg Message
	msg.SentAt = root.Get("sentAt").Int()
	env := &msg.Envelope
	env.URL = url.String()
	env.Kind = domain.HookKind(req.Get("kind").String())
	env.CapturedAt = req.Get("capturedAt").Int()
	msg.Response = domain.ResponseRecord{
		Status: int(status.Int()),
		Body:   root.Get("response.body").String(),
	}

	rev := root.Get("rev")
	if !rev.Exists() || int(rev.Int()) != b.rev {
		msg.Repairs = append(msg.Repairs, "rev")
	}
	env.Rev = int(rev.Int())

	if m := req.Get("method"); m.Type == gjson.String && m.String() != "" {
		env.Method = strings.ToUpper(m.String())
	} else {
		env.Method = "GET"
		msg.Repairs = append(msg.Repairs, "method")
	}

	if id := req.Get("requestId"); id.Type == gjson.String && id.String() != "" {
		env.RequestID = id.String()
	} else {
		env.RequestID = uuid.NewString()
		msg.Repairs = append(msg.Repairs, "requestId")
	}

	if body := req.Get("body"); !body.Exists() {
		msg.Repairs = append(msg.Repairs, "body")
	} else if body.Type == gjson.String {
		s := body.String()
		env.Body = &s
	}

	if c := req.Get("context"); !c.Exists() {
		msg.Repairs = append(msg.Repairs, "context")
	} else if c.IsObject() {
		var ctx domain.Context
		if err := json.Unmarshal([]byte(c.Raw), &ctx); err == nil {
			env.Context = &ctx
		} else {
			msg.Repairs = append(msg.Repairs, "context")
		}
	}
	if env.CapturedAt == 0 {
		env.CapturedAt = msg.SentAt
	}
	env.Legacy = msg.Legacy()
	return msg, nil
}

// Counters 返回已发送、发送失败、接收端丢弃的数量
func (b *Bridge) Counters() (sent, dropped, malformed int64) {
	return b.sent.Load(), b.dropped.Load(), b.malformed.Load()
}
