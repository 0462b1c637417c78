package api

import (
	"hookrelay/internal/extension"
	"hookrelay/internal/host"
	"hookrelay/internal/manager"
	"hookrelay/pkg/domain"
)

// Service 嵌入方使用的服务接口
type Service interface {
	// Stats 获取统计快照
	Stats() domain.HookStats

	// Modes 获取运行时开关
	Modes() domain.RuntimeModes

	// SetHookMode 切换允许安装的发起点
	SetHookMode(mode domain.HookMode) error

	// SetRepairMode 开关修复循环
	SetRepairMode(mode domain.RepairMode) error

	// SafeMode 是否处于安全模式
	SafeMode() bool

	// RegisterExtension 注册消费者，同名时替换
	RegisterExtension(ctor extension.Constructor) (string, error)

	// EnableExtension 启用消费者
	EnableExtension(name string) error

	// DisableExtension 禁用消费者
	DisableExtension(name string) error

	// Extensions 已注册的消费者名称
	Extensions() []string

	// Close 卸载钩子并释放资源
	Close() error
}

// NewService 在 realm 上获取（或复用）管理器并返回服务接口实现
func NewService(realm *host.Realm, deps manager.Deps) (Service, error) {
	m, err := manager.Acquire(realm, deps)
	if err != nil {
		return nil, err
	}
	return &service{m: m}, nil
}

type service struct {
	m *manager.Manager
}

func (s *service) Stats() domain.HookStats { return s.m.Stats() }

func (s *service) Modes() domain.RuntimeModes { return s.m.Modes() }

func (s *service) SetHookMode(mode domain.HookMode) error {
	_, err := s.m.SetModes(func(m *domain.RuntimeModes) { m.HookMode = mode })
	return err
}

func (s *service) SetRepairMode(mode domain.RepairMode) error {
	_, err := s.m.SetModes(func(m *domain.RuntimeModes) { m.RepairMode = mode })
	return err
}

func (s *service) SafeMode() bool { return s.m.Controller().SafeMode() }

func (s *service) RegisterExtension(ctor extension.Constructor) (string, error) {
	ext, err := s.m.Registry().Register(ctor)
	if err != nil {
		return "", err
	}
	return ext.Name(), nil
}

func (s *service) EnableExtension(name string) error { return s.m.Registry().Enable(name) }

func (s *service) DisableExtension(name string) error { return s.m.Registry().Disable(name) }

func (s *service) Extensions() []string { return s.m.Registry().Names() }

func (s *service) Close() error { return s.m.Dispose() }
