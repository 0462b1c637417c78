package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookrelay/internal/host"
	"hookrelay/pkg/domain"
)

var t0 = time.UnixMilli(1_700_000_000_000)

func fullSignals() (Request, Signals) {
	req := Request{
		Method: "POST",
		URL:    "https://x.test/i/api/graphql/ABC123/Bookmarks?variables=%7B%22bookmark_collection_id%22%3A%22111%22%7D",
		Body:   `{"variables":{"folderId":"222"}}`,
		Passed: &domain.Context{FolderID: "333"},
	}
	sig := Signals{
		Now:       t0,
		LastKnown: &domain.Context{FolderID: "444", CapturedAt: t0.UnixMilli()},
		Lock: &Lock{
			Context:    domain.Context{FolderID: "555", Confidence: 0.9},
			Domain:     "bookmarks",
			CapturedAt: t0.Add(-time.Second),
		},
		Page: host.PageSnapshot{
			URL:               "https://x.test/i/bookmarks/999",
			Tabs:              []host.Tab{{ID: "666", Href: "/i/bookmarks/666", Selected: true, Visible: true}},
			HistoryState:      map[string]any{"state": map[string]any{"folderId": "777"}},
			NavigationEntries: []string{"https://x.test/i/bookmarks/888"},
			Globals:           map[string]any{"__STATE__": map[string]any{"bookmarks": map[string]any{"folder_id": "901"}}},
		},
		Options: DefaultOptions(),
	}
	return req, sig
}

func TestDecide_PriorityChain(t *testing.T) {
	req, sig := fullSignals()

	steps := []struct {
		wantID  string
		wantSrc domain.ContextSource
		drop    func(*Request, *Signals)
	}{
		{"111", domain.SourceRequestURL, func(r *Request, _ *Signals) { r.URL = "https://x.test/i/api/graphql/ABC123/Bookmarks" }},
		{"222", domain.SourceRequestBody, func(r *Request, _ *Signals) { r.Body = "" }},
		{"333", domain.SourcePassed, func(r *Request, _ *Signals) { r.Passed = nil }},
		{"444", domain.SourceLastKnown, func(_ *Request, s *Signals) { s.LastKnown = nil }},
		{"555", domain.SourceLock, func(_ *Request, s *Signals) { s.Lock = nil }},
		{"666", domain.SourceActiveTab, func(_ *Request, s *Signals) { s.Page.Tabs = nil }},
		{"777", domain.SourceHistory, func(_ *Request, s *Signals) { s.Page.HistoryState = nil }},
		{"888", domain.SourceNavigation, func(_ *Request, s *Signals) { s.Page.NavigationEntries = nil }},
		{"901", domain.SourcePageGlobals, func(_ *Request, s *Signals) { s.Page.Globals = nil }},
		{"999", domain.SourcePageURL, func(_ *Request, s *Signals) { s.Page.URL = "https://x.test/home" }},
		{domain.UnknownFolder, domain.SourceFallback, nil},
	}
	for _, st := range steps {
		got := Decide(req, sig)
		assert.Equal(t, st.wantID, got.FolderID, "source %s", st.wantSrc)
		assert.Equal(t, st.wantSrc, got.Source)
		// 同样的输入重复解析结果一致
		assert.Empty(t, cmp.Diff(got, Decide(req, sig)))
		if st.drop != nil {
			st.drop(&req, &sig)
		}
	}
}

func TestDecide_ScenarioBookmarksURL(t *testing.T) {
	req := Request{
		Method: "GET",
		URL:    "https://x.test/i/api/graphql/ABC123/Bookmarks?variables=%7B%22bookmark_collection_id%22%3A%22555%22%7D",
	}
	got := Decide(req, Signals{Now: t0, Page: host.PageSnapshot{URL: "https://x.test/i/bookmarks"}, Options: DefaultOptions()})

	want := domain.Context{FolderID: "555", Source: domain.SourceRequestURL, PageURL: "https://x.test/i/bookmarks"}
	assert.Empty(t, cmp.Diff(want, got, cmpopts.IgnoreFields(domain.Context{}, "CapturedAt", "Confidence")))
}

func TestDecide_LockRules(t *testing.T) {
	opts := DefaultOptions()
	lock := &Lock{Context: domain.Context{FolderID: "555", Confidence: 0.9}, Domain: "bookmarks", CapturedAt: t0}
	req := Request{URL: "https://x.test/i/api/graphql/A/Bookmarks"}

	fresh := Signals{Now: t0.Add(opts.LockTTL), Lock: lock, Options: opts, Page: host.PageSnapshot{URL: "https://x.test/i/bookmarks"}}
	assert.Equal(t, domain.SourceLock, Decide(req, fresh).Source)

	expired := fresh
	expired.Now = t0.Add(opts.LockTTL + time.Millisecond)
	assert.Equal(t, domain.SourceFallback, Decide(req, expired).Source)

	otherRoute := fresh
	otherRoute.Page.URL = "https://x.test/home"
	assert.Equal(t, domain.SourceFallback, Decide(req, otherRoute).Source)
}

func TestRankTabs_TieBreak(t *testing.T) {
	tabs := []host.Tab{
		{ID: "b", Href: "/i/bookmarks/b", ActiveClass: true, Depth: 1, Visible: true},
		{ID: "z", Href: "/i/bookmarks/z", ActiveClass: true, Depth: 3, Visible: false},
		{ID: "y", Href: "/i/bookmarks/y", ActiveClass: true, Depth: 3, Visible: true},
		{ID: "a", Href: "/i/bookmarks/a", ActiveClass: true, Depth: 3, Visible: true},
		{ID: "q", Href: "/i/bookmarks/q", Depth: 9, Visible: true},
		{ID: "n", Href: "/home", Selected: true},
	}
	ranked := rankTabs(tabs)
	ids := make([]string, 0, len(ranked))
	for _, c := range ranked {
		ids = append(ids, c.id)
	}
	assert.Equal(t, []string{"a", "y", "z", "b"}, ids)

	tabs = append(tabs, host.Tab{Href: "/i/bookmarks/sel", Selected: true})
	assert.Equal(t, "sel", rankTabs(tabs)[0].id)
}

func TestResolver_LockLifecycle(t *testing.T) {
	now := t0
	page := host.NewStaticPage("https://x.test/i/bookmarks")
	r := New(page, DefaultOptions(), nil, func() time.Time { return now })

	res := r.Resolve(context.Background(), Request{URL: "https://x.test/i/api/graphql/A/Bookmarks?variables=%7B%22folderId%22%3A%2242%22%7D"})
	require.Equal(t, "42", res.FolderID)

	l, ok := r.CurrentLock()
	require.True(t, ok)
	assert.Equal(t, "42", l.Context.FolderID)
	assert.Equal(t, "bookmarks", l.Domain)

	// 低置信度结果不覆盖已有的锁
	page.Update(func(s *host.PageSnapshot) {
		s.NavigationEntries = []string{"https://x.test/i/bookmarks/77"}
	})
	now = now.Add(40 * time.Second)
	res = r.Resolve(context.Background(), Request{URL: "https://x.test/i/api/graphql/A/Bookmarks"})
	assert.Equal(t, domain.SourceLock, res.Source)
	assert.Equal(t, "42", res.FolderID)

	now = now.Add(DefaultOptions().LockTTL)
	_, ok = r.CurrentLock()
	assert.False(t, ok, "expired lock must not be returned")

	res = r.Resolve(context.Background(), Request{URL: "https://x.test/i/api/graphql/A/Bookmarks"})
	assert.Equal(t, domain.SourceNavigation, res.Source)
	assert.Equal(t, "77", res.FolderID)
	_, ok = r.CurrentLock()
	assert.False(t, ok, "low confidence result must not create a lock")
}

func TestResolver_OnNavigate(t *testing.T) {
	now := t0
	r := New(nil, DefaultOptions(), nil, func() time.Time { return now })
	r.Publish(domain.Context{FolderID: "1"})
	_, ok := r.LastKnown()
	require.True(t, ok)

	r.OnNavigate(host.PageEvent{Type: host.EventNavigate, URL: "https://x.test/home"})
	_, ok = r.LastKnown()
	assert.False(t, ok)

	r.OnNavigate(host.PageEvent{Type: host.EventNavigate, URL: "https://x.test/i/bookmarks/9"})
	l, ok := r.CurrentLock()
	require.True(t, ok)
	assert.Equal(t, "9", l.Context.FolderID)
}

func TestResolver_LowConfidenceDoesNotShadowLock(t *testing.T) {
	now := t0
	page := host.NewStaticPage("https://x.test/i/bookmarks")
	r := New(page, DefaultOptions(), nil, func() time.Time { return now })

	res := r.Resolve(context.Background(), Request{URL: "https://x.test/i/api/graphql/A/Bookmarks?bookmark_collection_id=42"})
	require.Equal(t, "42", res.FolderID)

	// 离开收藏夹路由后只能从页面全局变量得到低置信度结果
	page.Update(func(s *host.PageSnapshot) {
		s.URL = "https://x.test/home"
		s.Globals = map[string]any{"folderId": "88"}
	})
	now = now.Add(40 * time.Second)
	res = r.Resolve(context.Background(), Request{URL: "https://x.test/i/api/graphql/A/Bookmarks"})
	require.Equal(t, domain.SourcePageGlobals, res.Source)
	require.Equal(t, "88", res.FolderID)
	lk, ok := r.LastKnown()
	require.True(t, ok)
	assert.Equal(t, "42", lk.FolderID)

	page.Update(func(s *host.PageSnapshot) { s.URL = "https://x.test/i/bookmarks" })
	now = now.Add(5 * time.Second)
	res = r.Resolve(context.Background(), Request{URL: "https://x.test/i/api/graphql/A/Bookmarks"})
	assert.Equal(t, domain.SourceLock, res.Source)
	assert.Equal(t, "42", res.FolderID)
}
