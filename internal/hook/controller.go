package hook

import (
	"errors"
	"fmt"
	"sync"

	"hookrelay/internal/logger"
	"hookrelay/pkg/domain"
)

// ModeStore 运行时开关的读写
type ModeStore interface {
	Get() domain.RuntimeModes
	Update(fn func(m *domain.RuntimeModes)) (domain.RuntimeModes, error)
}

// Controller 负责安装、自检、修复循环与安全模式
type Controller struct {
	ins    *Installer
	modes  ModeStore
	repair *RepairLoop
	log    logger.Logger

	mu       sync.Mutex
	safe     bool
	disposed bool
	onSafe   []func(reason string)
	onRepair []func()
}

// NewController 创建控制器
func NewController(ins *Installer, modes ModeStore, sched Scheduler, cfg RepairConfig, l logger.Logger) *Controller {
	if l == nil {
		l = logger.NewNop()
	}
	c := &Controller{ins: ins, modes: modes, log: l}
	c.repair = NewRepairLoop(cfg, sched, RepairHooks{
		Run:       c.repairOnce,
		Enabled:   c.repairEnabled,
		OnSuccess: c.repaired,
		Escalate: func(err error) {
			c.EnableSafeMode("repair failure limit reached", err)
		},
	}, l)
	return c
}

// Installer 安装器
func (c *Controller) Installer() *Installer { return c.ins }

// Repair 修复循环
func (c *Controller) Repair() *RepairLoop { return c.repair }

// OnSafeMode 注册进入安全模式的回调
func (c *Controller) OnSafeMode(fn func(reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSafe = append(c.onSafe, fn)
}

// OnRepair 注册修复成功的回调
func (c *Controller) OnRepair(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRepair = append(c.onRepair, fn)
}

// SafeMode 是否处于安全模式
func (c *Controller) SafeMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.safe
}

// Init 清除持久化的安全模式，安装允许的发起点，自检通过后启动修复循环
func (c *Controller) Init() error {
	if c.modes.Get().SafeMode {
		if _, err := c.modes.Update(func(m *domain.RuntimeModes) {
			m.SafeMode = false
			m.Reason = ""
		}); err != nil {
			c.log.Err(err, "重置安全模式失败")
		}
	}
	m := c.modes.Get()
	kinds := EnabledKinds(m.HookMode)
	for _, k := range kinds {
		if err := c.ins.Install(k, false); err != nil {
			c.EnableSafeMode("install failure", err)
			return err
		}
	}
	if res := c.ins.SelfTest(kinds); !res.OK {
		err := &Failure{Kind: FailureSelfTest, Err: fmt.Errorf("%w: %s", ErrSelfTest, res.Reason)}
		c.EnableSafeMode("self-test failure", err)
		return err
	}
	c.log.Info("钩子已安装", "hookMode", string(m.HookMode), "rev", c.ins.Rev())
	if m.RepairMode != domain.RepairOff {
		c.repair.Start()
	}
	return nil
}

func (c *Controller) repairEnabled() bool {
	c.mu.Lock()
	safe, disposed := c.safe, c.disposed
	c.mu.Unlock()
	if safe || disposed {
		return false
	}
	m := c.modes.Get()
	return !m.SafeMode && m.RepairMode != domain.RepairOff
}

// repairOnce 强制重装允许的发起点并自检，卸载不再允许的发起点
func (c *Controller) repairOnce() error {
	m := c.modes.Get()
	kinds := EnabledKinds(m.HookMode)
	for _, k := range kinds {
		if err := c.ins.Install(k, true); err != nil {
			return err
		}
	}
	for _, k := range Kinds {
		if !m.HookMode.Allows(k) && c.ins.IsInstalled(k) {
			if err := c.ins.Uninstall(k); err != nil {
				return &Failure{Kind: FailureRepair, Hook: k, Err: err}
			}
		}
	}
	if res := c.ins.SelfTest(kinds); !res.OK {
		return &Failure{Kind: FailureSelfTest, Err: fmt.Errorf("%w: %s", ErrSelfTest, res.Reason)}
	}
	return nil
}

func (c *Controller) repaired() {
	c.mu.Lock()
	fns := append([]func(){}, c.onRepair...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// EnableSafeMode 进入安全模式：持久化并广播，卸载所有包装器，停止修复循环
func (c *Controller) EnableSafeMode(reason string, err error) {
	c.mu.Lock()
	if c.safe {
		c.mu.Unlock()
		return
	}
	c.safe = true
	fns := append([]func(string){}, c.onSafe...)
	c.mu.Unlock()

	if _, uerr := c.modes.Update(func(m *domain.RuntimeModes) {
		m.SafeMode = true
		m.Reason = reason
	}); uerr != nil {
		c.log.Err(uerr, "持久化安全模式失败")
	}
	if uerr := c.ins.UninstallAll(); uerr != nil {
		c.log.Err(uerr, "安全模式下卸载包装器失败")
	}
	c.repair.Dispose()

	kv := []any{"reason", reason}
	if kind, ok := KindOf(err); ok {
		kv = append(kv, "failure", string(kind))
	}
	if err != nil {
		c.log.Err(err, "进入安全模式", kv...)
	} else {
		c.log.Warn("进入安全模式", kv...)
	}
	for _, fn := range fns {
		fn(reason)
	}
}

// ApplyModes 响应其他上下文广播的开关变化
func (c *Controller) ApplyModes(m domain.RuntimeModes) {
	c.mu.Lock()
	safe, disposed := c.safe, c.disposed
	c.mu.Unlock()
	if safe || disposed {
		return
	}
	if m.SafeMode {
		c.EnableSafeMode(nonEmpty(m.Reason, "safe mode enabled elsewhere"), ErrSafeMode)
		return
	}
	for _, k := range Kinds {
		var err error
		if m.HookMode.Allows(k) {
			err = c.ins.Install(k, false)
		} else if c.ins.IsInstalled(k) {
			err = c.ins.Uninstall(k)
		}
		if err != nil {
			c.EnableSafeMode("install failure", err)
			return
		}
	}
	if m.RepairMode == domain.RepairOff {
		c.repair.Stop()
	} else {
		c.repair.Start()
	}
}

// Dispose 停止修复循环并恢复原始发起点
func (c *Controller) Dispose() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	c.mu.Unlock()
	c.repair.Dispose()
	err := c.ins.UninstallAll()
	if err != nil && !errors.Is(err, ErrNoOriginal) {
		return err
	}
	return nil
}

func nonEmpty(s, d string) string {
	if s == "" {
		return d
	}
	return s
}
