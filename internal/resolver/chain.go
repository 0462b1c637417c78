package resolver

import (
	"sort"
	"time"

	"hookrelay/internal/host"
	"hookrelay/pkg/domain"
)

// 各来源的置信度
const (
	confRequestURL  = 1.0
	confRequestBody = 0.95
	confPassed      = 0.9
	confLastKnown   = 0.65
	confTabSelected = 0.85
	confTabClass    = 0.75
	confHistory     = 0.75
	confNavigation  = 0.6
	confGlobals     = 0.6
	confPagePath    = 0.8
	confCanonical   = 0.7
)

// Request 待解析的请求
type Request struct {
	Method    string
	URL       string
	Body      string
	Passed    *domain.Context
	RequestID string
}

// Lock 粘性上下文锁
type Lock struct {
	Context    domain.Context
	Domain     string
	CapturedAt time.Time
}

// Valid 锁在 now 时刻是否仍有效
func (l *Lock) Valid(now time.Time, ttl time.Duration) bool {
	return l != nil && !l.CapturedAt.IsZero() && now.Sub(l.CapturedAt) <= ttl
}

// Options 解析参数
type Options struct {
	LockTTL           time.Duration
	LastKnownTTL      time.Duration
	MinLockConfidence float64
	MaxWalkDepth      int
}

// DefaultOptions 默认解析参数
func DefaultOptions() Options {
	return Options{
		LockTTL:           90 * time.Second,
		LastKnownTTL:      30 * time.Second,
		MinLockConfidence: 0.7,
		MaxWalkDepth:      6,
	}
}

// Signals 一次解析可用的全部信号，解析过程不修改它
type Signals struct {
	Now       time.Time
	Page      host.PageSnapshot
	LastKnown *domain.Context
	Lock      *Lock
	Options   Options
}

type step func(req Request, sig Signals) (domain.Context, bool)

// chain 严格优先级，命中即返回
var chain = []step{
	fromRequestURL,
	fromRequestBody,
	fromPassed,
	fromLastKnown,
	fromLock,
	fromActiveTab,
	fromHistoryState,
	fromNavigationEntry,
	fromPageGlobals,
	fromPageURL,
}

// Decide 纯函数：同样的请求与信号总是得到同样的结果
func Decide(req Request, sig Signals) domain.Context {
	for _, s := range chain {
		if c, ok := s(req, sig); ok {
			c.PageURL = sig.Page.URL
			if c.CapturedAt == 0 {
				c.CapturedAt = sig.Now.UnixMilli()
			}
			c.RequestID = req.RequestID
			return c
		}
	}
	return domain.Context{
		FolderID:   domain.UnknownFolder,
		PageURL:    sig.Page.URL,
		Source:     domain.SourceFallback,
		CapturedAt: sig.Now.UnixMilli(),
		RequestID:  req.RequestID,
	}
}

func found(id string, src domain.ContextSource, conf float64) (domain.Context, bool) {
	return domain.Context{FolderID: id, Source: src, Confidence: conf}, true
}

func fromRequestURL(req Request, _ Signals) (domain.Context, bool) {
	if id, ok := FolderFromURL(req.URL); ok {
		return found(id, domain.SourceRequestURL, confRequestURL)
	}
	return domain.Context{}, false
}

func fromRequestBody(req Request, sig Signals) (domain.Context, bool) {
	if id, ok := FolderFromBody(req.Body, sig.Options.MaxWalkDepth); ok {
		return found(id, domain.SourceRequestBody, confRequestBody)
	}
	return domain.Context{}, false
}

func fromPassed(req Request, _ Signals) (domain.Context, bool) {
	if req.Passed.IsKnown() && ValidID(req.Passed.FolderID) {
		return found(req.Passed.FolderID, domain.SourcePassed, confPassed)
	}
	return domain.Context{}, false
}

func fromLastKnown(_ Request, sig Signals) (domain.Context, bool) {
	lk := sig.LastKnown
	if !lk.IsKnown() {
		return domain.Context{}, false
	}
	if sig.Now.UnixMilli()-lk.CapturedAt > sig.Options.LastKnownTTL.Milliseconds() {
		return domain.Context{}, false
	}
	c, ok := found(lk.FolderID, domain.SourceLastKnown, confLastKnown)
	c.CapturedAt = lk.CapturedAt
	return c, ok
}

func fromLock(_ Request, sig Signals) (domain.Context, bool) {
	l := sig.Lock
	if !l.Valid(sig.Now, sig.Options.LockTTL) || !l.Context.IsKnown() {
		return domain.Context{}, false
	}
	if RouteDomain(sig.Page.URL) != l.Domain {
		return domain.Context{}, false
	}
	c, ok := found(l.Context.FolderID, domain.SourceLock, l.Context.Confidence)
	c.CapturedAt = l.CapturedAt.UnixMilli()
	return c, ok
}

type tabCandidate struct {
	id  string
	tab host.Tab
}

// rankTabs 激活信号优先，其次嵌套更深、可见，最后按标识字典序
func rankTabs(tabs []host.Tab) []tabCandidate {
	var out []tabCandidate
	for _, t := range tabs {
		if !t.LooksActive() {
			continue
		}
		id := t.ID
		if !ValidID(id) {
			var ok bool
			if id, ok = FolderFromPath(t.Href); !ok {
				continue
			}
		}
		if t.Href != "" && !IsFolderRoute(t.Href) {
			continue
		}
		out = append(out, tabCandidate{id: id, tab: t})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].tab, out[j].tab
		if a.Selected != b.Selected {
			return a.Selected
		}
		if a.Depth != b.Depth {
			return a.Depth > b.Depth
		}
		if a.Visible != b.Visible {
			return a.Visible
		}
		return out[i].id < out[j].id
	})
	return out
}

func fromActiveTab(_ Request, sig Signals) (domain.Context, bool) {
	ranked := rankTabs(sig.Page.Tabs)
	if len(ranked) == 0 {
		return domain.Context{}, false
	}
	best := ranked[0]
	conf := confTabClass
	if best.tab.Selected {
		conf = confTabSelected
	}
	return found(best.id, domain.SourceActiveTab, conf)
}

func fromHistoryState(_ Request, sig Signals) (domain.Context, bool) {
	if id, ok := FindID(sig.Page.HistoryState, sig.Options.MaxWalkDepth); ok {
		return found(id, domain.SourceHistory, confHistory)
	}
	return domain.Context{}, false
}

func fromNavigationEntry(_ Request, sig Signals) (domain.Context, bool) {
	entries := sig.Page.NavigationEntries
	if len(entries) == 0 {
		return domain.Context{}, false
	}
	if id, ok := FolderFromURL(entries[len(entries)-1]); ok {
		return found(id, domain.SourceNavigation, confNavigation)
	}
	return domain.Context{}, false
}

func fromPageGlobals(_ Request, sig Signals) (domain.Context, bool) {
	if len(sig.Page.Globals) == 0 {
		return domain.Context{}, false
	}
	if id, ok := FindID(map[string]any(sig.Page.Globals), sig.Options.MaxWalkDepth); ok {
		return found(id, domain.SourcePageGlobals, confGlobals)
	}
	return domain.Context{}, false
}

func fromPageURL(_ Request, sig Signals) (domain.Context, bool) {
	if id, ok := FolderFromURL(sig.Page.URL); ok {
		return found(id, domain.SourcePageURL, confPagePath)
	}
	for _, u := range []string{sig.Page.CanonicalURL, sig.Page.OGURL} {
		if u == "" {
			continue
		}
		if id, ok := FolderFromURL(u); ok {
			return found(id, domain.SourcePageURL, confCanonical)
		}
	}
	return domain.Context{}, false
}
