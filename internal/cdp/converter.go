package cdp

import (
	"encoding/base64"
	"encoding/json"

	"github.com/mafredri/cdp/protocol/fetch"

	"hookrelay/pkg/domain"
	"hookrelay/pkg/traffic"
)

// ToEnvelope 将暂停事件转换为信封
func ToEnvelope(ev *fetch.RequestPausedReply, rev int, capturedAt int64) domain.Envelope {
	env := domain.Envelope{
		Kind:       domain.KindCDP,
		Method:     ev.Request.Method,
		URL:        ev.Request.URL,
		RequestID:  string(ev.RequestID),
		Rev:        rev,
		CapturedAt: capturedAt,
	}
	if ev.Request.PostData != nil {
		body := *ev.Request.PostData
		env.Body = &body
	}
	return env
}

// ToResponse 将响应阶段事件与响应体转换为响应记录
func ToResponse(ev *fetch.RequestPausedReply, body string) domain.ResponseRecord {
	res := domain.ResponseRecord{Body: body}
	if ev.ResponseStatusCode != nil {
		res.Status = *ev.ResponseStatusCode
	}
	return res
}

// RequestHeaders 解析请求头
func RequestHeaders(ev *fetch.RequestPausedReply) traffic.Header {
	h := make(traffic.Header)
	if len(ev.Request.Headers) == 0 {
		return h
	}
	var raw map[string]string
	if err := json.Unmarshal(ev.Request.Headers, &raw); err == nil {
		for k, v := range raw {
			h.Set(k, v)
		}
	}
	return h
}

// ResponseHeaders 解析响应头
func ResponseHeaders(ev *fetch.RequestPausedReply) traffic.Header {
	h := make(traffic.Header, len(ev.ResponseHeaders))
	for _, e := range ev.ResponseHeaders {
		h.Set(e.Name, e.Value)
	}
	return h
}

// DecodeBody 按需解码 base64 响应体
func DecodeBody(body string, base64Encoded bool) (string, error) {
	if !base64Encoded {
		return body, nil
	}
	b, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
