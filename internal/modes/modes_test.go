package modes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookrelay/internal/host"
	"hookrelay/pkg/domain"
)

func clockAt(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func TestStore_DefaultsAndPersist(t *testing.T) {
	storage := host.NewMemoryStorage()
	s := New("a", storage, nil, domain.DefaultModes(), nil, clockAt(1000))
	defer s.Close()

	m := s.Get()
	assert.False(t, m.SafeMode)
	assert.Equal(t, domain.HookModeBoth, m.HookMode)
	assert.Equal(t, domain.RepairWatchdog, m.RepairMode)

	updated, err := s.Update(func(m *domain.RuntimeModes) { m.HookMode = domain.HookModeFetch })
	require.NoError(t, err)
	assert.Equal(t, int64(1000), updated.UpdatedAt)

	// 新实例从存储中加载
	s2 := New("b", storage, nil, domain.DefaultModes(), nil, clockAt(2000))
	defer s2.Close()
	assert.Equal(t, domain.HookModeFetch, s2.Get().HookMode)
}

func TestStore_BroadcastLastWriterWins(t *testing.T) {
	bus := host.NewChannel()
	a := New("a", nil, bus, domain.DefaultModes(), nil, clockAt(5000))
	b := New("b", nil, bus, domain.DefaultModes(), nil, clockAt(3000))
	defer a.Close()
	defer b.Close()

	var seen []domain.RuntimeModes
	b.OnChange(func(m domain.RuntimeModes) { seen = append(seen, m) })

	_, err := a.Update(func(m *domain.RuntimeModes) { m.SafeMode = true; m.Reason = "test" })
	require.NoError(t, err)
	assert.True(t, b.Get().SafeMode)
	require.Len(t, seen, 1)
	assert.Equal(t, "test", seen[0].Reason)

	// b 的写入时间戳更早，但 Update 会保证单调递增，因此仍然覆盖
	_, err = b.Update(func(m *domain.RuntimeModes) { m.RepairMode = domain.RepairOff })
	require.NoError(t, err)
	assert.Equal(t, domain.RepairOff, a.Get().RepairMode)
	assert.True(t, a.Get().SafeMode)
}

func TestStore_IgnoresPartialPayload(t *testing.T) {
	storage := host.NewMemoryStorage()
	s := New("a", storage, nil, domain.DefaultModes(), nil, clockAt(1))
	defer s.Close()

	require.NoError(t, storage.Set(StorageKey, `{"modes":{"safeMode":true}}`))
	require.NoError(t, storage.Set(StorageKey, `garbage`))
	assert.False(t, s.Get().SafeMode)
}

func TestReplica_Merge(t *testing.T) {
	r := NewReplica("a")
	r.Put("k", []byte("1"), 10)
	assert.False(t, r.Merge("k", Entry{Value: []byte("old"), UpdatedAt: 9, Origin: "z"}))
	assert.True(t, r.Merge("k", Entry{Value: []byte("tie"), UpdatedAt: 10, Origin: "b"}))
	assert.False(t, r.Merge("k", Entry{Value: []byte("tie2"), UpdatedAt: 10, Origin: "a"}))

	e, ok := r.Get("k")
	require.True(t, ok)
	assert.Equal(t, "tie", string(e.Value))
	assert.Equal(t, []string{"k", "k"}, r.Applied())
}
