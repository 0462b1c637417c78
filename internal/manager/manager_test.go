package manager

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"

	"hookrelay/internal/bridge"
	"hookrelay/internal/config"
	"hookrelay/internal/extension"
	"hookrelay/internal/hook"
	"hookrelay/internal/host"
	"hookrelay/pkg/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubFetcher struct {
	body string
}

func (f *stubFetcher) Fetch(_ context.Context, _ string, _ *host.FetchOptions) (*host.Response, error) {
	return host.NewResponse(200, nil, []byte(f.body)), nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// collector 记录分发到的调用
type collector struct {
	mu   sync.Mutex
	envs []domain.Envelope
}

func (c *collector) Name() string { return "collector" }

func (c *collector) Intercept() extension.InterceptFunc {
	return func(env domain.Envelope, _ domain.ResponseRecord, _ extension.Extension) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.envs = append(c.envs, env)
	}
}

func (c *collector) Dispose() {}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func (c *collector) last() domain.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.envs[len(c.envs)-1]
}

type fixture struct {
	realm     *host.Realm
	orig      *stubFetcher
	clock     *fakeClock
	sched     *hook.ManualScheduler
	transport *bridge.Loopback
	deps      Deps
}

func newFixture(opts ...host.Option) *fixture {
	orig := &stubFetcher{body: `{"data":{}}`}
	opts = append([]host.Option{
		host.WithFetcher(orig),
		host.WithXHR(&host.HTTPXHRFactory{}),
		host.WithBroadcaster(host.NewChannel()),
	}, opts...)
	f := &fixture{
		orig:      orig,
		realm:     host.NewRealm("page", opts...),
		clock:     &fakeClock{t: time.UnixMilli(1_700_000_000_000)},
		sched:     hook.NewManualScheduler(),
		transport: bridge.NewLoopback(),
	}
	cfg := config.NewConfig()
	cfg.Extensions = nil
	f.deps = Deps{Config: cfg, Transport: f.transport, Scheduler: f.sched, Now: f.clock.now}
	return f
}

func (f *fixture) acquire(t *testing.T) (*Manager, *collector) {
	t.Helper()
	m, err := Acquire(f.realm, f.deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Dispose() })
	c := &collector{}
	_, err = m.Registry().Register(func(extension.Deps) extension.Extension { return c })
	require.NoError(t, err)
	require.NoError(t, m.Registry().Enable("collector"))
	return m, c
}

func TestScenario_ContextFromRequestURL(t *testing.T) {
	f := newFixture()
	m, c := f.acquire(t)

	url := "https://x.com/i/api/graphql/ABC123/Bookmarks?variables=%7B%22bookmark_collection_id%22%3A%22555%22%7D"
	res, err := f.realm.Fetcher().Fetch(context.Background(), url, nil)
	require.NoError(t, err)
	_, err = res.Text()
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 5*time.Millisecond)
	env := c.last()
	require.NotNil(t, env.Context)
	assert.Equal(t, "555", env.Context.FolderID)
	assert.Equal(t, domain.SourceRequestURL, env.Context.Source)
	assert.Equal(t, domain.KindFetch, env.Kind)
	assert.False(t, env.Legacy)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.MessagesReceived)
	assert.Equal(t, int64(1), stats.ResponsesProcessed)
	assert.Equal(t, int64(0), stats.LegacyShape)
	require.Contains(t, stats.Endpoints, "graphql:Bookmarks")

	raw, ok := f.realm.Storage().Get(CapturesKey)
	require.True(t, ok)
	assert.Equal(t, int64(1), gjson.Get(raw, "count").Int())
}

func TestScenario_DedupeWindow(t *testing.T) {
	f := newFixture()
	m, c := f.acquire(t)

	env := domain.Envelope{Kind: domain.KindFetch, Method: "GET", URL: "https://x.com/i/api/graphql/abc/HomeTimeline", RequestID: "r1", Rev: domain.Rev}
	res := domain.ResponseRecord{Status: 200, Body: `{"same":true}`}

	require.NoError(t, m.Bridge().Send(env, res))
	f.clock.advance(500 * time.Millisecond)
	require.NoError(t, m.Bridge().Send(env, res))
	assert.Equal(t, 1, c.count())
	assert.Equal(t, int64(1), m.Stats().SkippedDuplicate)

	f.clock.advance(3000 * time.Millisecond)
	require.NoError(t, m.Bridge().Send(env, res))
	assert.Equal(t, 2, c.count())
	stats := m.Stats()
	assert.Equal(t, int64(2), stats.ResponsesProcessed)
	assert.Equal(t, int64(3), stats.MessagesReceived)

	// 非可识别端点拿到兜底上下文
	got := c.last()
	require.NotNil(t, got.Context)
	assert.Equal(t, domain.SourceFallback, got.Context.Source)
	assert.Equal(t, int64(0), stats.MissingContext)
}

func TestScenario_InstallUninstallInstall(t *testing.T) {
	f := newFixture()
	m, err := Acquire(f.realm, f.deps)
	require.NoError(t, err)
	require.NoError(t, m.Dispose())
	require.NoError(t, m.Dispose())
	assert.Same(t, f.orig, f.realm.Fetcher())
	_, ok := f.realm.Global(GlobalKey)
	assert.False(t, ok)
	_, ok = Lookup(f.realm)
	assert.False(t, ok)

	m2, err := Acquire(f.realm, f.deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m2.Dispose() })
	assert.NotSame(t, m, m2)

	w, ok := f.realm.Fetcher().(interface{ Unwrap() host.Fetcher })
	require.True(t, ok)
	assert.Same(t, f.orig, w.Unwrap())

	require.NoError(t, m2.Dispose())
	assert.Same(t, f.orig, f.realm.Fetcher())
}

func TestAcquire_ReusesLiveInstance(t *testing.T) {
	f := newFixture()
	m, _ := f.acquire(t)
	again, err := Acquire(f.realm, f.deps)
	require.NoError(t, err)
	assert.Same(t, m, again)

	d, ok := Lookup(f.realm)
	require.True(t, ok)
	assert.Equal(t, m.InstanceID(), d.InstanceID())
	assert.Equal(t, domain.Rev, d.Stats().Rev)
	assert.False(t, d.Modes().SafeMode)
}

type staleCandidate struct {
	rev      int
	sig      string
	disposed int
}

func (s *staleCandidate) Signature() string { return s.sig }
func (s *staleCandidate) Rev() int { return s.rev }
func (s *staleCandidate) Disposed() bool { return false }
func (s *staleCandidate) Dispose() error {
	s.disposed++
	return nil
}

func TestAcquire_ReplacesStaleCandidate(t *testing.T) {
	for _, stale := range []*staleCandidate{
		{sig: Signature, rev: domain.Rev - 1},
		{sig: "someone-else", rev: domain.Rev},
	} {
		f := newFixture()
		f.realm.SetGlobal(GlobalKey, stale)

		m, err := Acquire(f.realm, f.deps)
		require.NoError(t, err)
		assert.Equal(t, 1, stale.disposed)
		v, ok := f.realm.Global(GlobalKey)
		require.True(t, ok)
		assert.Same(t, m, v)
		require.NoError(t, m.Dispose())
	}

	// 无法识别的对象直接替换
	f := newFixture()
	f.realm.SetGlobal(GlobalKey, "garbage")
	m, err := Acquire(f.realm, f.deps)
	require.NoError(t, err)
	require.NoError(t, m.Dispose())
}

func TestAcquire_DisposedInstanceIsReplaced(t *testing.T) {
	f := newFixture()
	m, err := Acquire(f.realm, f.deps)
	require.NoError(t, err)
	require.NoError(t, m.Dispose())
	// 模拟释放后仍残留在全局命名空间
	f.realm.SetGlobal(GlobalKey, m)

	m2, err := Acquire(f.realm, f.deps)
	require.NoError(t, err)
	assert.NotSame(t, m, m2)
	require.NoError(t, m2.Dispose())
}

func TestManager_SafeModeOnFrozenRealm(t *testing.T) {
	f := newFixture()
	f.realm.Freeze(domain.KindFetch, true)
	m, c := f.acquire(t)

	assert.True(t, m.Controller().SafeMode())
	assert.True(t, m.Stats().SafeMode)
	assert.True(t, m.Modes().SafeMode)
	assert.Same(t, f.orig, f.realm.Fetcher())

	// 宿主调用不受影响
	res, err := f.realm.Fetcher().Fetch(context.Background(), "https://x.com/i/api/graphql/abc/Bookmarks", nil)
	require.NoError(t, err)
	text, err := res.Text()
	require.NoError(t, err)
	assert.Equal(t, `{"data":{}}`, text)
	assert.Equal(t, 0, c.count())
}

func TestManager_LegacyAndMalformedMessages(t *testing.T) {
	f := newFixture()
	m, c := f.acquire(t)
	lb := f.transport

	require.NoError(t, lb.Post([]byte(`not json`)))
	require.NoError(t, lb.Post([]byte(`{"type":"hookrelay:capture","request":{"url":"https://x.com/a"}}`)))
	require.NoError(t, lb.Post([]byte(`{"type":"hookrelay:capture","request":{"url":"https://x.com/i/api/graphql/abc/BookmarkFolderTimeline?variables=%7B%22folderId%22%3A%22777%22%7D"},"response":{"status":200,"body":"{}"}}`)))

	require.Equal(t, 1, c.count())
	env := c.last()
	assert.True(t, env.Legacy)
	require.NotNil(t, env.Context)
	assert.Equal(t, "777", env.Context.FolderID)

	stats := m.Stats()
	assert.Equal(t, int64(2), stats.Malformed)
	assert.Equal(t, int64(1), stats.LegacyShape)
}

func TestManager_SetModesAppliesHookMode(t *testing.T) {
	f := newFixture()
	m, _ := f.acquire(t)
	require.True(t, m.Controller().Installer().IsInstalled(domain.KindXHR))

	_, err := m.SetModes(func(rm *domain.RuntimeModes) { rm.HookMode = domain.HookModeFetch })
	require.NoError(t, err)
	assert.True(t, m.Controller().Installer().IsInstalled(domain.KindFetch))
	assert.False(t, m.Controller().Installer().IsInstalled(domain.KindXHR))

	require.NoError(t, m.Dispose())
	_, err = m.SetModes(func(rm *domain.RuntimeModes) {})
	assert.ErrorIs(t, err, ErrDisposed)
}

func TestManager_NavigationClearsLastKnown(t *testing.T) {
	page := host.NewStaticPage("https://x.com/i/bookmarks")
	f := newFixture(host.WithPage(page))
	m, _ := f.acquire(t)

	m.Resolver().Publish(domain.Context{FolderID: "555", Source: domain.SourcePassed})
	_, ok := m.Resolver().LastKnown()
	require.True(t, ok)

	page.Navigate("https://x.com/home", nil)
	_, ok = m.Resolver().LastKnown()
	assert.False(t, ok)
}

// yieldingPage 在快照与订阅时让出调度，放大并发获取的交错
type yieldingPage struct {
	*host.StaticPage
}

func (p yieldingPage) Snapshot(ctx context.Context) (host.PageSnapshot, error) {
	runtime.Gosched()
	return p.StaticPage.Snapshot(ctx)
}

func (p yieldingPage) Subscribe(fn func(host.PageEvent)) func() {
	runtime.Gosched()
	return p.StaticPage.Subscribe(fn)
}

func TestAcquire_ConcurrentCallersShareOneInstance(t *testing.T) {
	f := newFixture(host.WithPage(yieldingPage{host.NewStaticPage("https://x.com/home")}))

	const n = 4
	got := make([]*Manager, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := Acquire(f.realm, f.deps)
			assert.NoError(t, err)
			got[i] = m
		}(i)
	}
	wg.Wait()

	require.NotNil(t, got[0])
	t.Cleanup(func() { _ = got[0].Dispose() })
	for _, m := range got[1:] {
		assert.Same(t, got[0], m)
	}
	v, ok := f.realm.Global(GlobalKey)
	require.True(t, ok)
	assert.Same(t, got[0], v)

	res, err := f.realm.Fetcher().Fetch(context.Background(), "https://x.com/i/api/graphql/abc/HomeTimeline", nil)
	require.NoError(t, err)
	_, err = res.Text()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return got[0].Stats().MessagesReceived == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), got[0].Stats().MessagesReceived)
}
