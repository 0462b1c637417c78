package hook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"hookrelay/internal/host"
	"hookrelay/internal/logger"
	"hookrelay/internal/resolver"
	"hookrelay/pkg/domain"
)

const (
	// Marker 本库包装器的身份标记
	Marker = "hookrelay.wrapper"
	// DefaultMaxUnwrapDepth 解包装链的最大深度
	DefaultMaxUnwrapDepth = 8
	// OriginalKeyPrefix 原始发起点在宿主全局命名空间中的存放键前缀
	OriginalKeyPrefix = "__hookrelay_original_"
)

// OriginalKey 某类发起点的原始实现存放键
func OriginalKey(kind domain.HookKind) string { return OriginalKeyPrefix + string(kind) }

// Kinds 可安装的发起点类型
var Kinds = []domain.HookKind{domain.KindFetch, domain.KindXHR}

// Wrapper 带身份标记的包装器
type Wrapper interface {
	HookMarker() string
	HookRev() int
}

// Sender 观测结果出口
type Sender interface {
	Send(env domain.Envelope, res domain.ResponseRecord) error
}

// ContextFunc 为调用解析上下文
type ContextFunc func(ctx context.Context, req resolver.Request) domain.Context

// Patch 单个发起点的安装/卸载
type Patch interface {
	Kind() domain.HookKind
	Install(force bool) error
	Uninstall() error
	IsInstalled() bool
	Callable() bool
}

// Installer 管理一个 realm 内所有发起点的包装
type Installer struct {
	realm     *host.Realm
	sender    Sender
	resolve   ContextFunc
	recognize func(url string) bool
	log       logger.Logger
	rev       int
	maxDepth  int
	newID     func() string
	now       func() time.Time

	mu      sync.Mutex
	patches map[domain.HookKind]Patch
}

// InstallerOption 安装器选项
type InstallerOption func(*Installer)

// WithRev 覆盖包装器修订号
func WithRev(rev int) InstallerOption { return func(i *Installer) { i.rev = rev } }

// WithResolver 对可识别的 URL 在发起时解析上下文
func WithResolver(fn ContextFunc, recognize func(url string) bool) InstallerOption {
	return func(i *Installer) {
		i.resolve = fn
		i.recognize = recognize
	}
}

// WithMaxUnwrapDepth 解包装深度上限
func WithMaxUnwrapDepth(n int) InstallerOption {
	return func(i *Installer) {
		if n > 0 {
			i.maxDepth = n
		}
	}
}

// WithIDFunc 请求 ID 生成函数
func WithIDFunc(fn func() string) InstallerOption { return func(i *Installer) { i.newID = fn } }

// WithInstallerClock 时钟
func WithInstallerClock(now func() time.Time) InstallerOption {
	return func(i *Installer) { i.now = now }
}

// NewInstaller 创建安装器
func NewInstaller(realm *host.Realm, sender Sender, l logger.Logger, opts ...InstallerOption) *Installer {
	if l == nil {
		l = logger.NewNop()
	}
	i := &Installer{
		realm:    realm,
		sender:   sender,
		log:      l,
		rev:      domain.Rev,
		maxDepth: DefaultMaxUnwrapDepth,
		newID:    uuid.NewString,
		now:      time.Now,
	}
	for _, o := range opts {
		o(i)
	}
	if i.recognize == nil {
		i.recognize = func(string) bool { return true }
	}
	i.patches = map[domain.HookKind]Patch{
		domain.KindFetch: newFetchPatch(i),
		domain.KindXHR:   newXHRPatch(i),
	}
	return i
}

// Rev 包装器修订号
func (i *Installer) Rev() int { return i.rev }

// Patch 获取某类发起点的补丁
func (i *Installer) Patch(kind domain.HookKind) (Patch, bool) {
	p, ok := i.patches[kind]
	return p, ok
}

// Install 安装包装器；force 时即使已安装也重新包装
func (i *Installer) Install(kind domain.HookKind, force bool) error {
	p, ok := i.patches[kind]
	if !ok {
		return &Failure{Kind: FailureInstall, Hook: kind, Err: ErrUnavailable}
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := p.Install(force); err != nil {
		return &Failure{Kind: FailureInstall, Hook: kind, Err: err}
	}
	return nil
}

// Uninstall 恢复原始发起点
func (i *Installer) Uninstall(kind domain.HookKind) error {
	p, ok := i.patches[kind]
	if !ok {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return p.Uninstall()
}

// UninstallAll 卸载全部包装器
func (i *Installer) UninstallAll() error {
	var errs []error
	for _, k := range Kinds {
		if err := i.Uninstall(k); err != nil {
			errs = append(errs, fmt.Errorf("uninstall %s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

// IsInstalled 当前发起点是否为本修订的包装器
func (i *Installer) IsInstalled(kind domain.HookKind) bool {
	p, ok := i.patches[kind]
	return ok && p.IsInstalled()
}

func (i *Installer) ours(v any) bool {
	w, ok := v.(Wrapper)
	return ok && w.HookMarker() == Marker && w.HookRev() == i.rev
}

// slotPatch 针对一个发起点槽位的通用补丁
type slotPatch[T any] struct {
	ins   *Installer
	kind  domain.HookKind
	get   func() T
	set   func(T) error
	wrap  func(orig T) T
	inner func(w T) (T, bool)
}

func (p *slotPatch[T]) Kind() domain.HookKind { return p.kind }

func isNil(v any) bool { return v == nil }

func (p *slotPatch[T]) Install(force bool) error {
	cur := p.get()
	if isNil(any(cur)) {
		return ErrUnavailable
	}
	if p.ins.ours(any(cur)) && !force {
		return nil
	}
	orig, err := p.original(cur)
	if err != nil {
		return err
	}
	if err := p.set(p.wrap(orig)); err != nil {
		return err
	}
	p.ins.realm.SetGlobal(OriginalKey(p.kind), orig)
	p.ins.log.Debug("安装包装器", "kind", p.kind, "rev", p.ins.rev, "force", force)
	return nil
}

// original 优先使用存放的原始实现，否则沿包装链向下找
func (p *slotPatch[T]) original(cur T) (T, error) {
	var zero T
	if v, ok := p.ins.realm.Global(OriginalKey(p.kind)); ok {
		if orig, ok := v.(T); ok && !isNil(any(orig)) {
			if _, wrapped := any(orig).(Wrapper); !wrapped {
				return orig, nil
			}
		}
	}
	for depth := 0; depth <= p.ins.maxDepth; depth++ {
		next, ok := p.inner(cur)
		if !ok {
			return cur, nil
		}
		if isNil(any(next)) {
			return zero, ErrNoOriginal
		}
		cur = next
	}
	return zero, fmt.Errorf("%w: depth > %d", ErrChainTooDeep, p.ins.maxDepth)
}

func (p *slotPatch[T]) Uninstall() error {
	key := OriginalKey(p.kind)
	v, ok := p.ins.realm.Global(key)
	if !ok {
		return nil
	}
	orig, _ := v.(T)
	if isNil(any(orig)) {
		p.ins.realm.DeleteGlobal(key)
		return ErrNoOriginal
	}
	if err := p.set(orig); err != nil {
		return err
	}
	p.ins.realm.DeleteGlobal(key)
	p.ins.log.Debug("卸载包装器", "kind", p.kind)
	return nil
}

func (p *slotPatch[T]) IsInstalled() bool { return p.ins.ours(any(p.get())) }

// Callable 槽位有实现，且若为包装器其内部实现也存在
func (p *slotPatch[T]) Callable() bool {
	cur := p.get()
	if isNil(any(cur)) {
		return false
	}
	if next, ok := p.inner(cur); ok {
		return !isNil(any(next))
	}
	return true
}

type call struct {
	kind      domain.HookKind
	method    string
	url       string
	body      *string
	requestID string
	context   *domain.Context
}

// begin 记录调用信息，失败时返回 nil 退化为直通
func (i *Installer) begin(ctx context.Context, kind domain.HookKind, method, url string, body []byte, passed *domain.Context) (c *call) {
	defer func() {
		if r := recover(); r != nil {
			i.log.Warn("记录调用失败，退化为直通", "kind", kind, "panic", fmt.Sprint(r))
			c = nil
		}
	}()
	if method == "" {
		method = "GET"
	}
	c = &call{kind: kind, method: method, url: url, requestID: i.newID()}
	if body != nil {
		s := string(body)
		c.body = &s
	}
	if passed != nil {
		cp := *passed
		c.context = &cp
	}
	if i.resolve != nil && i.recognize(url) {
		req := resolver.Request{Method: method, URL: url, Passed: passed, RequestID: c.requestID}
		if c.body != nil {
			req.Body = *c.body
		}
		res := i.resolve(ctx, req)
		c.context = &res
	}
	return c
}

// complete 组装信封并发送，任何失败都只记录日志
func (i *Installer) complete(c *call, status int, body string) {
	defer func() {
		if r := recover(); r != nil {
			i.log.Warn("发送观测结果失败", "kind", c.kind, "panic", fmt.Sprint(r))
		}
	}()
	env := domain.Envelope{
		Kind:       c.kind,
		Method:     c.method,
		URL:        c.url,
		Body:       c.body,
		RequestID:  c.requestID,
		Context:    c.context,
		Rev:        i.rev,
		CapturedAt: i.now().UnixMilli(),
	}
	if err := i.sender.Send(env, domain.ResponseRecord{Status: status, Body: body}); err != nil {
		i.log.Debug("发送观测结果失败", "kind", c.kind, "url", c.url, "error", err.Error())
	}
}
