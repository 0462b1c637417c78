package hook

import (
	"errors"
	"fmt"

	"hookrelay/pkg/domain"
)

var (
	// ErrUnavailable 宿主没有提供该发起点
	ErrUnavailable = errors.New("hook: origination point unavailable")
	// ErrNoOriginal 无法定位原始发起点
	ErrNoOriginal = errors.New("hook: original not found")
	// ErrChainTooDeep 包装链超过允许深度，视为损坏
	ErrChainTooDeep = errors.New("hook: wrapper chain too deep")
	// ErrSafeMode 已进入安全模式
	ErrSafeMode = errors.New("hook: safe mode")
	// ErrSelfTest 自检未通过
	ErrSelfTest = errors.New("hook: self-test failed")
)

// FailureKind 故障分类
type FailureKind string

const (
	FailureInstall    FailureKind = "install"
	FailureSelfTest   FailureKind = "self-test"
	FailureBridge     FailureKind = "bridge-malformed"
	FailureRepair     FailureKind = "repair"
	FailureConsumer   FailureKind = "consumer"
	FailureUnresolved FailureKind = "context-unresolved"
)

// Failure 带分类的错误
type Failure struct {
	Kind FailureKind
	Hook domain.HookKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Hook != "" {
		return fmt.Sprintf("%s(%s): %v", f.Kind, f.Hook, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// KindOf 提取错误的故障分类
func KindOf(err error) (FailureKind, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return "", false
}
