// Package manager 把钩子、桥接、去重、统计、上下文解析和消费者串成一条流水线，
// 并以 realm 全局单例的形式发布。
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"hookrelay/internal/bridge"
	"hookrelay/internal/config"
	"hookrelay/internal/extension"
	"hookrelay/internal/hook"
	"hookrelay/internal/host"
	"hookrelay/internal/logger"
	"hookrelay/internal/modes"
	"hookrelay/internal/resolver"
	"hookrelay/pkg/domain"
)

const (
	// Signature 单例签名，不匹配的候选不会被复用
	Signature = "hookrelay.manager/v1"
	// GlobalKey 单例在 realm 全局命名空间中的键
	GlobalKey = "__hookrelay_manager__"
	// DiagnosticsKey 诊断信息在 realm 全局命名空间中的键
	DiagnosticsKey = "__hookrelay__"
	// CapturesKey 处理计数快照的存储键
	CapturesKey = "hookrelay.captures"
)

// ErrDisposed 管理器已释放
var ErrDisposed = errors.New("manager: disposed")

// Candidate 全局单例位置上可能存在的对象
type Candidate interface {
	Signature() string
	Rev() int
	Disposed() bool
	Dispose() error
}

// Deps 构造管理器的依赖，零值字段使用默认实现
type Deps struct {
	Config    *config.Config
	Logger    logger.Logger
	Transport bridge.Transport
	Sink      extension.Sink
	Scheduler hook.Scheduler
	Now       func() time.Time
}

// Manager 单个 realm 内的拦截流水线
type Manager struct {
	realm      *host.Realm
	cfg        *config.Config
	log        logger.Logger
	now        func() time.Time
	instanceID string

	bridge   *bridge.Bridge
	dedupe   *bridge.Deduper
	metrics  *bridge.Metrics
	resolver *resolver.Resolver
	modes    *modes.Store
	registry *extension.Registry
	ctrl     *hook.Controller
	diag     *Diagnostics

	mu       sync.Mutex
	disposed bool
	captures int64
	cancels  []func()
}

// Acquire 返回 realm 中可复用的管理器；签名或修订号不符、已释放的候选会先被拆除再替换。
// 查找、拆除、创建与发布在 realm 的具名锁下完成，并发调用只会得到同一个实例。
func Acquire(realm *host.Realm, deps Deps) (*Manager, error) {
	if realm == nil {
		return nil, errors.New("manager: nil realm")
	}
	unlock := realm.Lock(GlobalKey)
	defer unlock()

	l := deps.Logger
	if l == nil {
		l = logger.NewNop()
	}
	if v, ok := realm.Global(GlobalKey); ok {
		if m, ok := v.(*Manager); ok && compatible(m) {
			return m, nil
		}
		teardown(v, l)
		realm.DeleteGlobal(GlobalKey)
	}
	m, err := New(realm, deps)
	if err != nil {
		return nil, err
	}
	realm.SetGlobal(GlobalKey, m)
	return m, nil
}

func compatible(c Candidate) bool {
	return c.Signature() == Signature && c.Rev() == domain.Rev && !c.Disposed()
}

func teardown(v any, l logger.Logger) {
	c, ok := v.(Candidate)
	if !ok {
		l.Warn("丢弃无法识别的单例候选", "type", fmt.Sprintf("%T", v))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.Warn("拆除旧单例失败", "panic", fmt.Sprint(r))
		}
	}()
	l.Info("拆除不兼容的单例", "signature", c.Signature(), "rev", c.Rev(), "disposed", c.Disposed())
	if err := c.Dispose(); err != nil {
		l.Err(err, "拆除旧单例失败")
	}
}

// New 创建管理器并完成安装；安装失败时管理器处于安全模式，仍然返回
func New(realm *host.Realm, deps Deps) (*Manager, error) {
	if realm == nil {
		return nil, errors.New("manager: nil realm")
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.NewConfig()
	}
	l := deps.Logger
	if l == nil {
		l = logger.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	transport := deps.Transport
	if transport == nil {
		transport = bridge.NewLoopback()
	}
	sched := deps.Scheduler
	if sched == nil {
		sched = hook.RealScheduler{}
	}

	id := uuid.NewString()
	l = l.With("instance", id, "realm", realm.Name())
	m := &Manager{
		realm:      realm,
		cfg:        cfg,
		log:        l,
		now:        now,
		instanceID: id,
	}
	m.bridge = bridge.New(transport, l, bridge.WithClock(now))
	m.dedupe = bridge.NewDeduper(cfg.DedupeWindow(), cfg.Dedupe.Capacity, cfg.Dedupe.Exempt, now)
	m.metrics = bridge.NewMetrics(id, cfg.Metrics.MaxEndpoints, now)
	m.resolver = resolver.New(realm.Page(), resolver.Options{
		LockTTL:           cfg.LockTTL(),
		LastKnownTTL:      cfg.LastKnownTTL(),
		MinLockConfidence: cfg.Resolver.MinLockConfidence,
		MaxWalkDepth:      cfg.Resolver.MaxWalkDepth,
	}, l, now)

	defaults := domain.DefaultModes()
	if cfg.Hook.Mode != "" {
		defaults.HookMode = domain.HookMode(cfg.Hook.Mode)
	}
	if cfg.Hook.Repair != "" {
		defaults.RepairMode = domain.RepairMode(cfg.Hook.Repair)
	}
	m.modes = modes.New(id, realm.Storage(), realm.Broadcaster(), defaults, l, now)

	m.registry = extension.NewRegistry(extension.Deps{Sink: deps.Sink, Log: l}, l)
	for _, name := range cfg.Extensions {
		ctor, ok := extension.Builtin(name)
		if !ok {
			l.Warn("未知的消费者", "name", name)
			continue
		}
		if _, err := m.registry.Register(ctor); err != nil {
			l.Err(err, "注册消费者失败", "name", name)
			continue
		}
		if err := m.registry.Enable(name); err != nil {
			l.Err(err, "启用消费者失败", "name", name)
		}
	}

	ins := hook.NewInstaller(realm, m.bridge, l,
		hook.WithResolver(m.resolveForCall, resolver.Recognize),
		hook.WithMaxUnwrapDepth(cfg.Hook.MaxUnwrapDepth),
		hook.WithInstallerClock(now))
	m.ctrl = hook.NewController(ins, m.modes, sched, hook.RepairConfig{
		Base:         cfg.RepairBase(),
		Max:          cfg.RepairMax(),
		FailureLimit: cfg.Hook.RepairFailLimit,
	}, l)
	m.ctrl.OnSafeMode(func(reason string) {
		m.metrics.SetSafeMode(true)
	})
	m.ctrl.OnRepair(m.metrics.Repaired)

	m.cancels = append(m.cancels, m.bridge.OnReceive(m.onMessage))
	if page := realm.Page(); page != nil {
		m.cancels = append(m.cancels, page.Subscribe(m.resolver.OnNavigate))
	}

	if err := m.ctrl.Init(); err != nil {
		l.Err(err, "初始化失败，已进入安全模式")
	}
	m.cancels = append(m.cancels, m.modes.OnChange(func(rm domain.RuntimeModes) {
		m.ctrl.ApplyModes(rm)
		m.metrics.SetSafeMode(m.ctrl.SafeMode())
	}))

	m.diag = &Diagnostics{m: m}
	realm.SetGlobal(DiagnosticsKey, m.diag)
	l.Info("管理器已就绪", "rev", domain.Rev, "safeMode", m.ctrl.SafeMode())
	return m, nil
}

func (m *Manager) resolveForCall(ctx context.Context, req resolver.Request) domain.Context {
	return m.resolver.Resolve(ctx, req)
}

// onMessage 接收 → 去重 → 统计 → 补全上下文 → 分发
func (m *Manager) onMessage(msg bridge.Message) {
	if m.Disposed() {
		return
	}
	env, res := msg.Envelope, msg.Response
	key := bridge.EndpointKey(env.URL)

	m.metrics.Received(key, env.URL, res.Status, msg.Legacy())
	_, _, malformed := m.bridge.Counters()
	m.metrics.SetMalformed(malformed)

	if m.dedupe.Seen(env, res) {
		m.metrics.Duplicate(key)
		return
	}

	env.Context = m.normalizeContext(env)
	if resolver.Recognize(env.URL) && !env.Context.IsKnown() {
		m.metrics.MissingContext(key)
		m.log.Debug("上下文缺失", "failure", string(hook.FailureUnresolved), "url", env.URL)
	}

	if failed := m.registry.Dispatch(env, res); failed > 0 {
		m.log.Debug("部分消费者处理失败", "failure", string(hook.FailureConsumer), "count", failed)
	}
	m.metrics.Processed(key)
	m.publishCaptures()
}

// normalizeContext 已知上下文直接沿用；可识别但缺上下文的请求在接收端补解析；其余给出兜底上下文
func (m *Manager) normalizeContext(env domain.Envelope) *domain.Context {
	if env.Context.IsKnown() {
		c := *env.Context
		if c.Source == "" {
			c.Source = domain.SourcePassed
		}
		if c.RequestID == "" {
			c.RequestID = env.RequestID
		}
		return &c
	}
	if resolver.Recognize(env.URL) {
		req := resolver.Request{Method: env.Method, URL: env.URL, RequestID: env.RequestID}
		if env.Body != nil {
			req.Body = *env.Body
		}
		c := m.resolver.Resolve(context.Background(), req)
		return &c
	}
	if env.Context != nil {
		c := *env.Context
		return &c
	}
	return &domain.Context{
		FolderID:   domain.UnknownFolder,
		Source:     domain.SourceFallback,
		CapturedAt: m.now().UnixMilli(),
		RequestID:  env.RequestID,
	}
}

type capturesSnapshot struct {
	InstanceID string `json:"instanceId"`
	Count      int64  `json:"count"`
	UpdatedAt  int64  `json:"updatedAt"`
}

func (m *Manager) publishCaptures() {
	m.mu.Lock()
	m.captures++
	snap := capturesSnapshot{InstanceID: m.instanceID, Count: m.captures, UpdatedAt: m.now().UnixMilli()}
	m.mu.Unlock()

	storage := m.realm.Storage()
	if storage == nil {
		return
	}
	raw, _ := json.Marshal(snap)
	if err := storage.Set(CapturesKey, string(raw)); err != nil {
		m.log.Debug("写入处理计数失败", "error", err.Error())
	}
}

// Signature 单例签名
func (m *Manager) Signature() string { return Signature }

// Rev 代码修订号
func (m *Manager) Rev() int { return domain.Rev }

// InstanceID 实例标识
func (m *Manager) InstanceID() string { return m.instanceID }

// Disposed 是否已释放
func (m *Manager) Disposed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disposed
}

// Bridge 消息桥
func (m *Manager) Bridge() *bridge.Bridge { return m.bridge }

// Registry 消费者注册表
func (m *Manager) Registry() *extension.Registry { return m.registry }

// Resolver 上下文解析器
func (m *Manager) Resolver() *resolver.Resolver { return m.resolver }

// Controller 钩子控制器
func (m *Manager) Controller() *hook.Controller { return m.ctrl }

// Modes 当前运行时开关
func (m *Manager) Modes() domain.RuntimeModes { return m.modes.Get() }

// SetModes 修改运行时开关，变更会持久化并广播
func (m *Manager) SetModes(fn func(*domain.RuntimeModes)) (domain.RuntimeModes, error) {
	if m.Disposed() {
		return domain.RuntimeModes{}, ErrDisposed
	}
	return m.modes.Update(fn)
}

// Stats 统计快照
func (m *Manager) Stats() domain.HookStats {
	_, _, malformed := m.bridge.Counters()
	m.metrics.SetMalformed(malformed)
	m.metrics.SetSafeMode(m.ctrl.SafeMode())
	return m.metrics.Snapshot()
}

// Dispose 取消监听、停止修复循环、恢复原始发起点并撤下全局发布，可重复调用
func (m *Manager) Dispose() error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil
	}
	m.disposed = true
	cancels := m.cancels
	m.cancels = nil
	m.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	err := m.ctrl.Dispose()
	m.registry.Close()
	m.modes.Close()
	m.realm.CompareAndDeleteGlobal(GlobalKey, func(v any) bool { return v == any(m) })
	m.realm.CompareAndDeleteGlobal(DiagnosticsKey, func(v any) bool { return v == any(m.diag) })
	m.log.Info("管理器已释放")
	return err
}
