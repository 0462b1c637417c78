package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"hookrelay/pkg/domain"
	"hookrelay/pkg/traffic"
)

// ErrBodyUsed 响应体已被读取
var ErrBodyUsed = errors.New("host: body already used")

// FetchOptions promise 风格调用参数
type FetchOptions struct {
	Method  string
	Headers traffic.Header
	Body    []byte
	// Context 调用方随请求传入的上下文
	Context *domain.Context
}

// Fetcher promise 风格发起点
type Fetcher interface {
	Fetch(ctx context.Context, target string, opts *FetchOptions) (*Response, error)
}

// Response 可克隆的响应，每个实例的响应体只能读取一次
type Response struct {
	Status  int
	Headers traffic.Header

	mu   sync.Mutex
	body []byte
	used bool
}

// NewResponse 创建响应
func NewResponse(status int, headers traffic.Header, body []byte) *Response {
	if headers == nil {
		headers = make(traffic.Header)
	}
	return &Response{Status: status, Headers: headers, body: body}
}

// Clone 复制一份未读取的响应，原响应不受影响
func (r *Response) Clone() (*Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return nil, ErrBodyUsed
	}
	h := make(traffic.Header, len(r.Headers))
	for k, v := range r.Headers {
		h[k] = v
	}
	b := make([]byte, len(r.body))
	copy(b, r.body)
	return &Response{Status: r.Status, Headers: h, body: b}, nil
}

// Text 读取响应体
func (r *Response) Text() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return "", ErrBodyUsed
	}
	r.used = true
	return string(r.body), nil
}

// BodyUsed 响应体是否已被读取
func (r *Response) BodyUsed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}

// HTTPFetcher 基于 net/http 的真实发起点
type HTTPFetcher struct {
	Client *http.Client
}

// Fetch 发送请求并完整读取响应
func (f *HTTPFetcher) Fetch(ctx context.Context, target string, opts *FetchOptions) (*Response, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	method := http.MethodGet
	var body io.Reader
	if opts != nil {
		if opts.Method != "" {
			method = opts.Method
		}
		if opts.Body != nil {
			body = bytes.NewReader(opts.Body)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if opts != nil {
		for k, v := range opts.Headers {
			req.Header.Set(k, v)
		}
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	headers := make(traffic.Header, len(res.Header))
	for k := range res.Header {
		headers.Set(k, res.Header.Get(k))
	}
	return NewResponse(res.StatusCode, headers, data), nil
}
