package hook

import (
	"context"
	"fmt"
	"sync"

	"hookrelay/internal/host"
	"hookrelay/pkg/domain"
)

// xhrFactoryWrapper 回调风格发起点的包装器
type xhrFactoryWrapper struct {
	marker   string
	rev      int
	original host.XHRFactory
	ins      *Installer
}

func (w *xhrFactoryWrapper) HookMarker() string { return w.marker }
func (w *xhrFactoryWrapper) HookRev() int { return w.rev }

// Unwrap 返回被包装的实现
func (w *xhrFactoryWrapper) Unwrap() host.XHRFactory { return w.original }

func (w *xhrFactoryWrapper) New() host.XHR {
	return &xhrWrapper{inner: w.original.New(), ins: w.ins}
}

// xhrWrapper 记录 Open/Send 参数，在完成事件上挂观测回调
type xhrWrapper struct {
	inner host.XHR
	ins   *Installer

	mu     sync.Mutex
	method string
	url    string
}

func (x *xhrWrapper) Open(method, url string) {
	x.mu.Lock()
	x.method, x.url = method, url
	x.mu.Unlock()
	x.inner.Open(method, url)
}

func (x *xhrWrapper) SetRequestHeader(key, value string) { x.inner.SetRequestHeader(key, value) }

func (x *xhrWrapper) OnLoad(fn host.LoadFunc) { x.inner.OnLoad(fn) }

func (x *xhrWrapper) Send(body []byte) {
	x.mu.Lock()
	method, url := x.method, x.url
	x.mu.Unlock()

	if c := x.ins.begin(context.Background(), domain.KindXHR, method, url, body, nil); c != nil {
		x.attach(c)
	}
	x.inner.Send(body)
}

func (x *xhrWrapper) attach(c *call) {
	defer func() {
		if r := recover(); r != nil {
			x.ins.log.Warn("挂载完成回调失败", "panic", fmt.Sprint(r))
		}
	}()
	x.inner.OnLoad(func(status int, body string) {
		go x.ins.complete(c, status, body)
	})
}

func newXHRPatch(i *Installer) Patch {
	return &slotPatch[host.XHRFactory]{
		ins:  i,
		kind: domain.KindXHR,
		get:  i.realm.XHRFactory,
		set:  i.realm.SetXHRFactory,
		wrap: func(orig host.XHRFactory) host.XHRFactory {
			return &xhrFactoryWrapper{marker: Marker, rev: i.rev, original: orig, ins: i}
		},
		inner: func(f host.XHRFactory) (host.XHRFactory, bool) {
			u, ok := f.(interface{ Unwrap() host.XHRFactory })
			if !ok {
				return nil, false
			}
			return u.Unwrap(), true
		},
	}
}
