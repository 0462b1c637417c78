package hook

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookrelay/internal/host"
	"hookrelay/internal/modes"
	"hookrelay/pkg/domain"
)

func TestRepairLoop_FailureLimitStops(t *testing.T) {
	sched := NewManualScheduler()
	var escalated atomic.Int32
	var lastErr error
	loop := NewRepairLoop(DefaultRepairConfig(), sched, RepairHooks{
		Run: func() error { return errors.New("still broken") },
		Escalate: func(err error) {
			escalated.Add(1)
			lastErr = err
		},
	}, nil)

	require.True(t, loop.Start())
	assert.False(t, loop.Start())

	var delays []time.Duration
	for sched.Pending() > 0 {
		d, _ := sched.NextDelay()
		delays = append(delays, d)
		require.True(t, sched.RunNext())
	}

	assert.Equal(t, []time.Duration{4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second}, delays)
	assert.Equal(t, StateFailed, loop.State())
	assert.Equal(t, int32(1), escalated.Load())
	kind, ok := KindOf(lastErr)
	require.True(t, ok)
	assert.Equal(t, FailureRepair, kind)
	assert.Equal(t, 0, sched.Pending())
	assert.False(t, loop.Start())
}

func TestRepairLoop_BackoffCappedAndReset(t *testing.T) {
	sched := NewManualScheduler()
	fail := true
	loop := NewRepairLoop(RepairConfig{Base: 4 * time.Second, Max: 60 * time.Second, FailureLimit: 10}, sched, RepairHooks{
		Run: func() error {
			if fail {
				return errors.New("broken")
			}
			return nil
		},
	}, nil)
	loop.Start()

	for i := 0; i < 5; i++ {
		sched.RunNext()
	}
	assert.Equal(t, 60*time.Second, loop.Delay())
	assert.Equal(t, 5, loop.Failures())

	fail = false
	sched.RunNext()
	assert.Equal(t, 4*time.Second, loop.Delay())
	assert.Equal(t, 0, loop.Failures())
	assert.Equal(t, StateScheduled, loop.State())
	loop.Dispose()
	assert.Equal(t, 0, sched.Pending())
}

func TestRepairLoop_DisabledAndStop(t *testing.T) {
	sched := NewManualScheduler()
	enabled := false
	var runs int
	loop := NewRepairLoop(DefaultRepairConfig(), sched, RepairHooks{
		Run:     func() error { runs++; return nil },
		Enabled: func() bool { return enabled },
	}, nil)

	assert.False(t, loop.Start())
	enabled = true
	require.True(t, loop.Start())

	enabled = false
	sched.RunNext()
	assert.Equal(t, 0, runs)
	assert.Equal(t, StateIdle, loop.State())

	enabled = true
	require.True(t, loop.Start())
	loop.Stop()
	loop.Stop()
	assert.Equal(t, StateIdle, loop.State())
	assert.Equal(t, 0, sched.Pending())

	loop.Dispose()
	loop.Dispose()
	assert.False(t, loop.Start())
	assert.Equal(t, StateDisposed, loop.State())
}

func TestRepairLoop_PanicCountsAsFailure(t *testing.T) {
	sched := NewManualScheduler()
	loop := NewRepairLoop(DefaultRepairConfig(), sched, RepairHooks{
		Run: func() error { panic("boom") },
	}, nil)
	loop.Start()
	sched.RunNext()
	assert.Equal(t, 1, loop.Failures())
	loop.Dispose()
}

func TestRepairLoop_RealScheduler(t *testing.T) {
	var runs atomic.Int32
	loop := NewRepairLoop(RepairConfig{Base: time.Millisecond, Max: time.Millisecond, FailureLimit: 1}, RealScheduler{}, RepairHooks{
		Run: func() error { runs.Add(1); return nil },
	}, nil)
	loop.Start()
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, time.Millisecond)
	loop.Dispose()
	assert.Equal(t, StateDisposed, loop.State())
}

func newTestController(t *testing.T, realm *host.Realm) (*Controller, *modes.Store, *ManualScheduler) {
	t.Helper()
	store := modes.New("test", realm.Storage(), nil, domain.DefaultModes(), nil, nil)
	t.Cleanup(store.Close)
	sched := NewManualScheduler()
	ins := NewInstaller(realm, &recordingSender{}, nil)
	return NewController(ins, store, sched, DefaultRepairConfig(), nil), store, sched
}

func TestController_InitInstallsAndStartsRepair(t *testing.T) {
	orig := &stubFetcher{}
	realm := newTestRealm(orig)
	c, _, sched := newTestController(t, realm)

	require.NoError(t, c.Init())
	assert.True(t, c.Installer().IsInstalled(domain.KindFetch))
	assert.True(t, c.Installer().IsInstalled(domain.KindXHR))
	assert.Equal(t, StateScheduled, c.Repair().State())

	// 外部覆盖后由修复循环恢复
	require.NoError(t, realm.SetFetcher(&foreignWrapper{inner: orig}))
	var repaired int
	c.OnRepair(func() { repaired++ })
	sched.RunNext()
	assert.True(t, c.Installer().IsInstalled(domain.KindFetch))
	assert.Equal(t, 1, repaired)

	require.NoError(t, c.Dispose())
	require.NoError(t, c.Dispose())
	assert.Same(t, orig, realm.Fetcher())
	assert.Equal(t, 0, sched.Pending())
}

func TestController_FrozenRealmEntersSafeMode(t *testing.T) {
	orig := &stubFetcher{}
	realm := newTestRealm(orig)
	realm.Freeze(domain.KindFetch, true)
	c, store, sched := newTestController(t, realm)

	var reasons []string
	c.OnSafeMode(func(r string) { reasons = append(reasons, r) })

	err := c.Init()
	require.Error(t, err)
	assert.ErrorIs(t, err, host.ErrPatchRejected)
	assert.True(t, c.SafeMode())
	assert.True(t, store.Get().SafeMode)
	assert.Equal(t, []string{"install failure"}, reasons)
	assert.Same(t, orig, realm.Fetcher())
	assert.False(t, c.Installer().IsInstalled(domain.KindXHR))
	assert.Equal(t, StateDisposed, c.Repair().State())
	assert.Equal(t, 0, sched.Pending())
}

func TestController_RepairLimitEntersSafeMode(t *testing.T) {
	realm := newTestRealm(&stubFetcher{})
	c, store, sched := newTestController(t, realm)
	require.NoError(t, c.Init())

	realm.Freeze(domain.KindFetch, true)
	for i := 0; i < DefaultRepairFailures; i++ {
		require.True(t, sched.RunNext())
	}

	assert.True(t, c.SafeMode())
	assert.True(t, store.Get().SafeMode)
	assert.Equal(t, "repair failure limit reached", store.Get().Reason)
	assert.Equal(t, StateDisposed, c.Repair().State())
	assert.Equal(t, 0, sched.Pending())
	assert.False(t, c.Installer().IsInstalled(domain.KindXHR))
}

func TestController_InitClearsPersistedSafeMode(t *testing.T) {
	realm := newTestRealm(&stubFetcher{})
	c, store, _ := newTestController(t, realm)
	_, err := store.Update(func(m *domain.RuntimeModes) {
		m.SafeMode = true
		m.Reason = "previous run"
	})
	require.NoError(t, err)

	require.NoError(t, c.Init())
	assert.False(t, store.Get().SafeMode)
	assert.False(t, c.SafeMode())
	require.NoError(t, c.Dispose())
}

func TestController_ApplyModes(t *testing.T) {
	realm := newTestRealm(&stubFetcher{})
	c, _, sched := newTestController(t, realm)
	require.NoError(t, c.Init())

	c.ApplyModes(domain.RuntimeModes{HookMode: domain.HookModeFetch, RepairMode: domain.RepairOff})
	assert.True(t, c.Installer().IsInstalled(domain.KindFetch))
	assert.False(t, c.Installer().IsInstalled(domain.KindXHR))
	assert.Equal(t, StateIdle, c.Repair().State())
	assert.Equal(t, 0, sched.Pending())

	c.ApplyModes(domain.RuntimeModes{SafeMode: true, HookMode: domain.HookModeBoth, RepairMode: domain.RepairWatchdog})
	assert.True(t, c.SafeMode())
	assert.False(t, c.Installer().IsInstalled(domain.KindFetch))
}
