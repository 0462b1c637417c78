package hook

import (
	"context"
	"fmt"

	"hookrelay/internal/host"
	"hookrelay/pkg/domain"
)

// fetchWrapper promise 风格发起点的包装器
type fetchWrapper struct {
	marker   string
	rev      int
	original host.Fetcher
	ins      *Installer
}

func (w *fetchWrapper) HookMarker() string { return w.marker }
func (w *fetchWrapper) HookRev() int { return w.rev }

// Unwrap 返回被包装的实现
func (w *fetchWrapper) Unwrap() host.Fetcher { return w.original }

// Fetch 原样调用原始实现，克隆响应后在后台读取
func (w *fetchWrapper) Fetch(ctx context.Context, target string, opts *host.FetchOptions) (*host.Response, error) {
	var (
		method string
		body   []byte
		passed *domain.Context
	)
	if opts != nil {
		method, body, passed = opts.Method, opts.Body, opts.Context
	}
	c := w.ins.begin(ctx, domain.KindFetch, method, target, body, passed)

	res, err := w.original.Fetch(ctx, target, opts)
	if err != nil || res == nil || c == nil {
		return res, err
	}
	if clone := w.cloneResponse(res); clone != nil {
		go w.observe(c, clone)
	}
	return res, err
}

func (w *fetchWrapper) cloneResponse(res *host.Response) (clone *host.Response) {
	defer func() {
		if r := recover(); r != nil {
			w.ins.log.Warn("克隆响应失败", "panic", fmt.Sprint(r))
			clone = nil
		}
	}()
	clone, err := res.Clone()
	if err != nil {
		w.ins.log.Debug("克隆响应失败", "error", err.Error())
		return nil
	}
	return clone
}

func (w *fetchWrapper) observe(c *call, clone *host.Response) {
	defer func() {
		if r := recover(); r != nil {
			w.ins.log.Warn("读取响应失败", "panic", fmt.Sprint(r))
		}
	}()
	text, err := clone.Text()
	if err != nil {
		w.ins.log.Debug("读取响应失败", "url", c.url, "error", err.Error())
		return
	}
	w.ins.complete(c, clone.Status, text)
}

func newFetchPatch(i *Installer) Patch {
	return &slotPatch[host.Fetcher]{
		ins:  i,
		kind: domain.KindFetch,
		get:  i.realm.Fetcher,
		set:  i.realm.SetFetcher,
		wrap: func(orig host.Fetcher) host.Fetcher {
			return &fetchWrapper{marker: Marker, rev: i.rev, original: orig, ins: i}
		},
		inner: func(f host.Fetcher) (host.Fetcher, bool) {
			u, ok := f.(interface{ Unwrap() host.Fetcher })
			if !ok {
				return nil, false
			}
			return u.Unwrap(), true
		},
	}
}
