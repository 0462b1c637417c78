// Package host 描述被插桩程序所在的执行域：全局命名空间、可被替换的网络发起点、
// 小型持久化存储、广播通道以及页面状态来源。
package host

import (
	"errors"
	"fmt"
	"sync"

	"hookrelay/pkg/domain"
)

var (
	// ErrPatchRejected 宿主拒绝替换发起点
	ErrPatchRejected = errors.New("host: patch rejected")
)

// Realm 一个隔离的执行域
type Realm struct {
	name string

	mu      sync.RWMutex
	globals map[string]any
	fetch   Fetcher
	xhr     XHRFactory
	frozen  map[domain.HookKind]bool
	locks   map[string]*sync.Mutex

	storage   Storage
	broadcast Broadcaster
	page      PageSource
}

// Option 执行域构造选项
type Option func(*Realm)

// WithFetcher 设置 promise 风格发起点
func WithFetcher(f Fetcher) Option { return func(r *Realm) { r.fetch = f } }

// WithXHR 设置回调风格发起点
func WithXHR(f XHRFactory) Option { return func(r *Realm) { r.xhr = f } }

// WithStorage 设置持久化存储
func WithStorage(s Storage) Option { return func(r *Realm) { r.storage = s } }

// WithBroadcaster 设置广播通道，可为空
func WithBroadcaster(b Broadcaster) Option { return func(r *Realm) { r.broadcast = b } }

// WithPage 设置页面状态来源
func WithPage(p PageSource) Option { return func(r *Realm) { r.page = p } }

// NewRealm 创建执行域
func NewRealm(name string, opts ...Option) *Realm {
	r := &Realm{
		name:    name,
		globals: make(map[string]any),
		frozen:  make(map[domain.HookKind]bool),
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.storage == nil {
		r.storage = NewMemoryStorage()
	}
	if r.page == nil {
		r.page = NewStaticPage("")
	}
	return r
}

// Name 执行域名称
func (r *Realm) Name() string { return r.name }

// Global 读取全局命名空间
func (r *Realm) Global(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.globals[key]
	return v, ok
}

// SetGlobal 写入全局命名空间
func (r *Realm) SetGlobal(key string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.globals[key] = v
}

// DeleteGlobal 删除全局键
func (r *Realm) DeleteGlobal(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.globals, key)
}

// CompareAndDeleteGlobal 仅当当前值满足 match 时删除
func (r *Realm) CompareAndDeleteGlobal(key string, match func(any) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.globals[key]
	if !ok || !match(v) {
		return false
	}
	delete(r.globals, key)
	return true
}

// Lock 获取执行域内的具名互斥锁并返回解锁函数，同名调用方互斥
func (r *Realm) Lock(name string) (unlock func()) {
	r.mu.Lock()
	l, ok := r.locks[name]
	if !ok {
		l = &sync.Mutex{}
		r.locks[name] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Fetcher 当前的 promise 风格发起点
func (r *Realm) Fetcher() Fetcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fetch
}

// SetFetcher 替换 promise 风格发起点
func (r *Realm) SetFetcher(f Fetcher) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen[domain.KindFetch] {
		return fmt.Errorf("%w: %s", ErrPatchRejected, domain.KindFetch)
	}
	r.fetch = f
	return nil
}

// XHRFactory 当前的回调风格发起点
func (r *Realm) XHRFactory() XHRFactory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.xhr
}

// SetXHRFactory 替换回调风格发起点
func (r *Realm) SetXHRFactory(f XHRFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen[domain.KindXHR] {
		return fmt.Errorf("%w: %s", ErrPatchRejected, domain.KindXHR)
	}
	r.xhr = f
	return nil
}

// Freeze 模拟宿主锁定发起点，之后的替换都会被拒绝
func (r *Realm) Freeze(kind domain.HookKind, frozen bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen[kind] = frozen
}

// Storage 持久化存储
func (r *Realm) Storage() Storage { return r.storage }

// Broadcaster 广播通道，未配置时为 nil
func (r *Realm) Broadcaster() Broadcaster { return r.broadcast }

// Page 页面状态来源
func (r *Realm) Page() PageSource { return r.page }
