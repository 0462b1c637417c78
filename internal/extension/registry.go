package extension

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"hookrelay/internal/logger"
	"hookrelay/pkg/domain"
)

// InterceptFunc 消费者对一次调用的处理
type InterceptFunc func(env domain.Envelope, res domain.ResponseRecord, self Extension)

// Extension 消费者；Intercept 返回 nil 表示暂不处理调用，但消费者本身仍处于启用状态
type Extension interface {
	Name() string
	Intercept() InterceptFunc
	Dispose()
}

// Sink 记录输出
type Sink interface {
	Save(ctx context.Context, records []domain.Record) error
}

// Deps 构造消费者时可用的依赖
type Deps struct {
	Sink Sink
	Log  logger.Logger
}

// Constructor 消费者构造函数
type Constructor func(deps Deps) Extension

type entry struct {
	ctor     Constructor
	ext      Extension
	enabled  bool
	disposed bool
}

// Registry 消费者注册表
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	deps    Deps
	log     logger.Logger
	version int64
	subs    map[int]func(version int64)
	nextSub int
}

// NewRegistry 创建注册表
func NewRegistry(deps Deps, l logger.Logger) *Registry {
	if l == nil {
		l = logger.NewNop()
	}
	if deps.Log == nil {
		deps.Log = l
	}
	return &Registry{
		entries: make(map[string]*entry),
		deps:    deps,
		log:     l,
		subs:    make(map[int]func(int64)),
	}
}

// Register 实例化消费者，替换同名实例；替换时旧实例若已启用则先释放，启用状态保留
func (r *Registry) Register(ctor Constructor) (Extension, error) {
	ext, err := r.construct(ctor)
	if err != nil {
		return nil, err
	}
	name := ext.Name()

	r.mu.Lock()
	prev, replaced := r.entries[name]
	enabled := replaced && prev.enabled
	r.entries[name] = &entry{ctor: ctor, ext: ext, enabled: enabled}
	r.mu.Unlock()

	if enabled {
		r.dispose(prev.ext)
	}
	r.log.Info("注册消费者", "name", name, "replaced", replaced)
	return ext, nil
}

func (r *Registry) construct(ctor Constructor) (ext Extension, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("extension constructor panic: %v", p)
		}
	}()
	ext = ctor(r.deps)
	if ext == nil || ext.Name() == "" {
		return nil, fmt.Errorf("extension constructor returned no named extension")
	}
	return ext, nil
}

// Enable 启用消费者
func (r *Registry) Enable(name string) error {
	return r.setEnabled(name, true)
}

// Disable 停用消费者
func (r *Registry) Disable(name string) error {
	return r.setEnabled(name, false)
}

func (r *Registry) setEnabled(name string, on bool) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("extension %q not registered", name)
	}
	wasOn := e.enabled
	if on && e.disposed {
		ext, err := r.construct(e.ctor)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		e.ext, e.disposed = ext, false
	}
	e.enabled = on
	var toDispose Extension
	if wasOn && !on {
		toDispose, e.disposed = e.ext, true
	}
	r.version++
	v := r.version
	subs := make([]func(int64), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()

	if toDispose != nil {
		r.dispose(toDispose)
	}
	r.log.Info("消费者状态变更", "name", name, "enabled", on, "version", v)
	for _, fn := range subs {
		fn(v)
	}
	return nil
}

// Dispatch 依次调用已启用消费者，单个消费者的异常不影响其他消费者；返回失败的消费者数
func (r *Registry) Dispatch(env domain.Envelope, res domain.ResponseRecord) int {
	type target struct {
		name string
		ext  Extension
	}
	r.mu.RLock()
	targets := make([]target, 0, len(r.entries))
	for name, e := range r.entries {
		if e.enabled {
			targets = append(targets, target{name: name, ext: e.ext})
		}
	}
	r.mu.RUnlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].name < targets[j].name })

	failed := 0
	for _, t := range targets {
		if err := r.invoke(t.ext, env, res); err != nil {
			failed++
			r.log.Warn("消费者处理失败", "name", t.name, "failure", "consumer", "error", err.Error())
		}
	}
	return failed
}

func (r *Registry) invoke(ext Extension, env domain.Envelope, res domain.ResponseRecord) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	fn := ext.Intercept()
	if fn == nil {
		return nil
	}
	fn(env, res, ext)
	return nil
}

func (r *Registry) dispose(ext Extension) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Warn("释放消费者失败", "name", ext.Name(), "panic", fmt.Sprint(p))
		}
	}()
	ext.Dispose()
}

// Get 获取消费者
func (r *Registry) Get(name string) (Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.ext, true
}

// Enabled 消费者是否启用
func (r *Registry) Enabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return ok && e.enabled
}

// Names 已注册的消费者名，按字母序
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Version 启用/停用变更计数
func (r *Registry) Version() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Subscribe 监听启用/停用变更
func (r *Registry) Subscribe(fn func(version int64)) (cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

// Close 释放全部已启用消费者
func (r *Registry) Close() {
	r.mu.Lock()
	var enabled []Extension
	for _, e := range r.entries {
		if e.enabled {
			enabled = append(enabled, e.ext)
			e.enabled, e.disposed = false, true
		}
	}
	r.mu.Unlock()
	for _, ext := range enabled {
		r.dispose(ext)
	}
}

var builtins = map[string]Constructor{
	BookmarksName: NewBookmarks,
}

// Builtin 按名称查找内置消费者
func Builtin(name string) (Constructor, bool) {
	c, ok := builtins[name]
	return c, ok
}
