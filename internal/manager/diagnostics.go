package manager

import "hookrelay/pkg/domain"

// Diagnostics 发布到 realm 全局命名空间的诊断入口
type Diagnostics struct {
	m *Manager
}

// InstanceID 实例标识
func (d *Diagnostics) InstanceID() string { return d.m.instanceID }

// Stats 统计快照
func (d *Diagnostics) Stats() domain.HookStats { return d.m.Stats() }

// Modes 运行时开关
func (d *Diagnostics) Modes() domain.RuntimeModes { return d.m.Modes() }

// Uninstall 卸载全部钩子并释放管理器
func (d *Diagnostics) Uninstall() error { return d.m.Dispose() }

// Lookup 读取 realm 中发布的诊断入口
func Lookup(g interface{ Global(string) (any, bool) }) (*Diagnostics, bool) {
	v, ok := g.Global(DiagnosticsKey)
	if !ok {
		return nil, false
	}
	d, ok := v.(*Diagnostics)
	return d, ok
}
