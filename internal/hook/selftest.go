package hook

import (
	"fmt"

	"hookrelay/pkg/domain"
)

// Result 自检结果
type Result struct {
	OK     bool
	Reason string
}

// SelfTest 检查给定发起点可调用且仍是本修订的包装器，不发起任何网络调用
func (i *Installer) SelfTest(kinds []domain.HookKind) Result {
	for _, k := range kinds {
		p, ok := i.patches[k]
		if !ok {
			return Result{Reason: fmt.Sprintf("%s: unknown hook kind", k)}
		}
		if !p.Callable() {
			return Result{Reason: fmt.Sprintf("%s: origination point not callable", k)}
		}
		if !p.IsInstalled() {
			return Result{Reason: fmt.Sprintf("%s: wrapper missing or stale", k)}
		}
	}
	return Result{OK: true}
}

// EnabledKinds hookMode 允许的发起点
func EnabledKinds(m domain.HookMode) []domain.HookKind {
	var out []domain.HookKind
	for _, k := range Kinds {
		if m.Allows(k) {
			out = append(out, k)
		}
	}
	return out
}
