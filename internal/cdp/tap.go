package cdp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/rpcc"

	"hookrelay/internal/hook"
	"hookrelay/internal/logger"
	"hookrelay/internal/resolver"
	"hookrelay/internal/rules"
	"hookrelay/pkg/domain"
)

// ErrNotAttached 尚未连接到目标
var ErrNotAttached = errors.New("cdp: not attached")

// TapConfig 配置选项
type TapConfig struct {
	DevToolsURL string
	// URLPattern Fetch.enable 的 URL 模式，为空时拦截全部
	URLPattern       string
	ProcessTimeoutMS int
	// Filter 为空时所有响应都会转发
	Filter    rules.Match
	Sender    hook.Sender
	Resolve   hook.ContextFunc
	Recognize func(url string) bool
	Logger    logger.Logger
	Now       func() time.Time
}

// Tap 通过 Fetch 域在响应阶段读取浏览器标签页的流量，并送入桥接
type Tap struct {
	cfg TapConfig
	log logger.Logger

	mu     sync.Mutex
	conn   *rpcc.Conn
	client *cdp.Client
	target string

	handled  atomic.Int64
	degraded atomic.Int64
	skipped  atomic.Int64
}

// NewTap 创建 Tap
func NewTap(cfg TapConfig) *Tap {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.URLPattern == "" {
		cfg.URLPattern = "*"
	}
	if cfg.ProcessTimeoutMS <= 0 {
		cfg.ProcessTimeoutMS = 3000
	}
	return &Tap{cfg: cfg, log: cfg.Logger}
}

// SelectTarget 选择目标：指定 ID 时精确匹配，否则取第一个页面
func SelectTarget(targets []*devtool.Target, id string) (*devtool.Target, error) {
	for _, t := range targets {
		if id != "" {
			if t.ID == id {
				return t, nil
			}
			continue
		}
		if t.Type == devtool.Page {
			return t, nil
		}
	}
	if id != "" {
		return nil, fmt.Errorf("cdp: target %s not found", id)
	}
	return nil, errors.New("cdp: no page target")
}

// Dial 连接到 DevTools 目标；targetID 为空时选择第一个页面
func Dial(ctx context.Context, devToolsURL, targetID string) (*cdp.Client, *rpcc.Conn, *devtool.Target, error) {
	dt := devtool.New(devToolsURL)
	targets, err := dt.List(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("list targets: %w", err)
	}
	sel, err := SelectTarget(targets, targetID)
	if err != nil {
		return nil, nil, nil, err
	}
	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dial %s: %w", sel.ID, err)
	}
	return cdp.NewClient(conn), conn, sel, nil
}

// Attach 连接到目标并在响应阶段启用拦截
func (t *Tap) Attach(ctx context.Context, targetID string) error {
	client, conn, sel, err := Dial(ctx, t.cfg.DevToolsURL, targetID)
	if err != nil {
		return err
	}

	p := t.cfg.URLPattern
	err = client.Fetch.Enable(ctx, &fetch.EnableArgs{Patterns: []fetch.RequestPattern{
		{URLPattern: &p, RequestStage: fetch.RequestStageResponse},
	}})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("enable fetch: %w", err)
	}

	t.mu.Lock()
	t.conn, t.client, t.target = conn, client, sel.ID
	t.mu.Unlock()
	t.log.Info("已连接目标", "target", sel.ID, "url", sel.URL)
	return nil
}

// Client 当前连接的客户端
func (t *Tap) Client() *cdp.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}

// Run 持续消费拦截事件，直到 ctx 取消或事件流中断
func (t *Tap) Run(ctx context.Context) error {
	client := t.Client()
	if client == nil {
		return ErrNotAttached
	}
	rp, err := client.Fetch.RequestPaused(ctx)
	if err != nil {
		return fmt.Errorf("subscribe requestPaused: %w", err)
	}
	defer rp.Close()

	t.log.Info("开始消费拦截事件流", "target", t.target)
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		ev, err := rp.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.log.Err(err, "接收拦截事件失败", "target", t.target)
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.handle(ctx, client, ev)
		}()
	}
}

// handle 读取响应体后立即放行，再把结果送入桥接
func (t *Tap) handle(ctx context.Context, client *cdp.Client, ev *fetch.RequestPausedReply) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(t.cfg.ProcessTimeoutMS)*time.Millisecond)
	defer cancel()

	if ev.ResponseStatusCode == nil {
		if err := client.Fetch.ContinueRequest(ctx, &fetch.ContinueRequestArgs{RequestID: ev.RequestID}); err != nil {
			t.log.Debug("放行请求失败", "requestID", string(ev.RequestID), "error", err.Error())
		}
		return
	}
	if !t.Wants(ev) {
		t.skipped.Add(1)
		t.continueResponse(ctx, client, ev)
		return
	}

	reply, err := client.Fetch.GetResponseBody(ctx, &fetch.GetResponseBodyArgs{RequestID: ev.RequestID})
	t.continueResponse(ctx, client, ev)
	if err != nil {
		t.degraded.Add(1)
		t.log.Warn("读取响应体失败，直接放行", "url", ev.Request.URL, "error", err.Error())
		return
	}
	body, err := DecodeBody(reply.Body, reply.Base64Encoded)
	if err != nil {
		t.degraded.Add(1)
		t.log.Warn("解码响应体失败", "url", ev.Request.URL, "error", err.Error())
		return
	}
	env, res := t.Process(ctx, ev, body)
	if err := t.cfg.Sender.Send(env, res); err != nil {
		t.degraded.Add(1)
		t.log.Debug("发送观测结果失败", "url", env.URL, "error", err.Error())
		return
	}
	t.handled.Add(1)
}

func (t *Tap) continueResponse(ctx context.Context, client *cdp.Client, ev *fetch.RequestPausedReply) {
	if err := client.Fetch.ContinueResponse(ctx, &fetch.ContinueResponseArgs{RequestID: ev.RequestID}); err != nil {
		t.log.Debug("放行响应失败", "requestID", string(ev.RequestID), "error", err.Error())
	}
}

// Wants 是否需要读取该响应
func (t *Tap) Wants(ev *fetch.RequestPausedReply) bool {
	ct := strings.ToLower(ResponseHeaders(ev).Get("content-type"))
	for _, prefix := range []string{"image/", "font/", "video/", "audio/"} {
		if strings.HasPrefix(ct, prefix) {
			return false
		}
	}
	if t.cfg.Filter.Empty() {
		return true
	}
	var body string
	if ev.Request.PostData != nil {
		body = *ev.Request.PostData
	}
	return t.cfg.Filter.Eval(rules.NewCtx(ev.Request.Method, ev.Request.URL, body))
}

// Process 构建信封与响应记录，可识别的 URL 会解析上下文
func (t *Tap) Process(ctx context.Context, ev *fetch.RequestPausedReply, body string) (domain.Envelope, domain.ResponseRecord) {
	env := ToEnvelope(ev, domain.Rev, t.cfg.Now().UnixMilli())
	if t.cfg.Resolve != nil && (t.cfg.Recognize == nil || t.cfg.Recognize(env.URL)) {
		req := resolver.Request{Method: env.Method, URL: env.URL, RequestID: env.RequestID}
		if env.Body != nil {
			req.Body = *env.Body
		}
		c := t.cfg.Resolve(ctx, req)
		env.Context = &c
	}
	return env, ToResponse(ev, body)
}

// Stats 已转发、降级、跳过的响应数
func (t *Tap) Stats() (handled, degraded, skipped int64) {
	return t.handled.Load(), t.degraded.Load(), t.skipped.Load()
}

// Close 断开连接
func (t *Tap) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn, t.client = nil, nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
