package hook

import (
	"fmt"
	"sync"
	"time"

	"hookrelay/internal/logger"
)

// RepairState 修复循环状态
type RepairState int

const (
	StateIdle RepairState = iota
	StateScheduled
	StateRunning
	StateFailed
	StateDisposed
)

func (s RepairState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("RepairState(%d)", int(s))
	}
}

// repairTransitions 合法的状态迁移
var repairTransitions = map[RepairState][]RepairState{
	StateIdle:      {StateScheduled, StateDisposed},
	StateScheduled: {StateRunning, StateIdle, StateDisposed},
	StateRunning:   {StateScheduled, StateIdle, StateFailed, StateDisposed},
	StateFailed:    {StateDisposed},
	StateDisposed:  {},
}

func canTransition(from, to RepairState) bool {
	for _, s := range repairTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

const (
	DefaultRepairBase     = 4 * time.Second
	DefaultRepairMax      = 60 * time.Second
	DefaultRepairFailures = 4
)

// RepairConfig 修复循环参数
type RepairConfig struct {
	Base         time.Duration
	Max          time.Duration
	FailureLimit int
}

// DefaultRepairConfig 默认参数
func DefaultRepairConfig() RepairConfig {
	return RepairConfig{Base: DefaultRepairBase, Max: DefaultRepairMax, FailureLimit: DefaultRepairFailures}
}

// RepairHooks 修复循环的外部依赖
type RepairHooks struct {
	// Run 执行一次修复，返回错误计为一次失败
	Run func() error
	// Enabled 为 false 时循环不启动，已启动的在下次触发时停止
	Enabled func() bool
	// OnSuccess 每次成功修复后调用
	OnSuccess func()
	// Escalate 连续失败达到上限
	Escalate func(err error)
}

// RepairLoop 带指数退避的周期性修复
type RepairLoop struct {
	cfg   RepairConfig
	sched Scheduler
	hooks RepairHooks
	log   logger.Logger

	mu       sync.Mutex
	state    RepairState
	delay    time.Duration
	failures int
	runs     int
	timer    Timer
}

// NewRepairLoop 创建修复循环
func NewRepairLoop(cfg RepairConfig, sched Scheduler, hooks RepairHooks, l logger.Logger) *RepairLoop {
	if cfg.Base <= 0 {
		cfg.Base = DefaultRepairBase
	}
	if cfg.Max < cfg.Base {
		cfg.Max = cfg.Base
	}
	if cfg.FailureLimit <= 0 {
		cfg.FailureLimit = DefaultRepairFailures
	}
	if sched == nil {
		sched = RealScheduler{}
	}
	if l == nil {
		l = logger.NewNop()
	}
	return &RepairLoop{cfg: cfg, sched: sched, hooks: hooks, log: l, state: StateIdle}
}

// transition 调用方需持有锁
func (r *RepairLoop) transition(to RepairState) bool {
	if !canTransition(r.state, to) {
		r.log.Debug("忽略非法状态迁移", "from", r.state.String(), "to", to.String())
		return false
	}
	r.state = to
	return true
}

func (r *RepairLoop) enabled() bool {
	return r.hooks.Enabled == nil || r.hooks.Enabled()
}

// Start 从空闲状态开始调度，重复调用无副作用
func (r *RepairLoop) Start() bool {
	if !r.enabled() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateIdle {
		return false
	}
	r.delay = r.cfg.Base
	return r.scheduleLocked(r.delay)
}

func (r *RepairLoop) scheduleLocked(d time.Duration) bool {
	if !r.transition(StateScheduled) {
		return false
	}
	r.timer = r.sched.AfterFunc(d, r.tick)
	return true
}

func (r *RepairLoop) tick() {
	if !r.enabled() {
		r.mu.Lock()
		if r.state == StateScheduled {
			r.timer = nil
			r.transition(StateIdle)
		}
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	if r.state != StateScheduled || !r.transition(StateRunning) {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.mu.Unlock()

	err := r.runOnce()

	r.mu.Lock()
	if r.state != StateRunning {
		// 运行期间被停止或释放
		r.mu.Unlock()
		return
	}
	r.runs++
	if err == nil {
		r.failures = 0
		r.delay = r.cfg.Base
		r.scheduleLocked(r.delay)
		r.mu.Unlock()
		if r.hooks.OnSuccess != nil {
			r.hooks.OnSuccess()
		}
		return
	}

	r.failures++
	failures := r.failures
	if failures >= r.cfg.FailureLimit {
		r.transition(StateFailed)
		r.mu.Unlock()
		r.log.Err(err, "修复连续失败，停止修复循环", "failures", failures)
		if r.hooks.Escalate != nil {
			r.hooks.Escalate(&Failure{Kind: FailureRepair, Err: err})
		}
		return
	}
	r.delay *= 2
	if r.delay > r.cfg.Max {
		r.delay = r.cfg.Max
	}
	next := r.delay
	r.scheduleLocked(next)
	r.mu.Unlock()
	r.log.Warn("修复失败，退避后重试", "failures", failures, "next", next.String(), "error", err.Error())
}

func (r *RepairLoop) runOnce() (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("repair panic: %v", p)
		}
	}()
	if r.hooks.Run == nil {
		return nil
	}
	return r.hooks.Run()
}

// Stop 取消待执行的修复，回到空闲状态
func (r *RepairLoop) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateScheduled && r.state != StateRunning {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.transition(StateIdle)
}

// Dispose 终止循环，之后不会再调度
func (r *RepairLoop) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateDisposed {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.transition(StateDisposed)
}

// State 当前状态
func (r *RepairLoop) State() RepairState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Failures 连续失败次数
func (r *RepairLoop) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

// Delay 当前退避间隔
func (r *RepairLoop) Delay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delay
}

// Runs 已完成的修复次数
func (r *RepairLoop) Runs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}
