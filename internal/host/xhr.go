package host

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"

	"hookrelay/pkg/traffic"
)

// LoadFunc 回调风格调用的完成事件
type LoadFunc func(status int, body string)

// XHR 回调风格调用：先 Open 再 Send，完成时触发 OnLoad
type XHR interface {
	Open(method, url string)
	SetRequestHeader(key, value string)
	Send(body []byte)
	OnLoad(fn LoadFunc)
}

// XHRFactory 创建回调风格调用对象
type XHRFactory interface {
	New() XHR
}

// HTTPXHRFactory 基于 net/http 的回调风格发起点
type HTTPXHRFactory struct {
	Client *http.Client
}

// New 创建一个新的调用对象
func (f *HTTPXHRFactory) New() XHR {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &httpXHR{client: client, headers: make(traffic.Header)}
}

type httpXHR struct {
	client  *http.Client
	method  string
	url     string
	headers traffic.Header

	mu        sync.Mutex
	listeners []LoadFunc
}

func (x *httpXHR) Open(method, url string) {
	x.method = method
	x.url = url
}

func (x *httpXHR) SetRequestHeader(key, value string) { x.headers.Set(key, value) }

func (x *httpXHR) OnLoad(fn LoadFunc) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.listeners = append(x.listeners, fn)
}

// Send 异步发送，完成后按注册顺序触发回调
func (x *httpXHR) Send(body []byte) {
	go func() {
		status, text := 0, ""
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(context.Background(), x.method, x.url, rd)
		if err == nil {
			for k, v := range x.headers {
				req.Header.Set(k, v)
			}
			if res, err := x.client.Do(req); err == nil {
				data, _ := io.ReadAll(res.Body)
				res.Body.Close()
				status, text = res.StatusCode, string(data)
			}
		}
		x.mu.Lock()
		listeners := append([]LoadFunc(nil), x.listeners...)
		x.mu.Unlock()
		for _, fn := range listeners {
			fn(status, text)
		}
	}()
}
