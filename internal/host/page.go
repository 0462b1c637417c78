package host

import (
	"context"
	"sync"
	"time"
)

// Tab 页面上的一个导航标签
type Tab struct {
	ID    string `json:"id"`
	Href  string `json:"href"`
	Label string `json:"label"`
	// Selected 显式的激活信号（aria-selected / aria-current）
	Selected bool `json:"selected"`
	// ActiveClass 类名中带有激活样式
	ActiveClass bool `json:"activeClass"`
	// Depth 容器嵌套深度
	Depth   int  `json:"depth"`
	Visible bool `json:"visible"`
}

// LooksActive 标签是否像是当前激活的
func (t Tab) LooksActive() bool { return t.Selected || t.ActiveClass }

// PageSnapshot 某一时刻的页面状态，只读
type PageSnapshot struct {
	URL               string         `json:"url"`
	Title             string         `json:"title"`
	HistoryState      any            `json:"historyState"`
	NavigationEntries []string       `json:"navigationEntries"`
	Tabs              []Tab          `json:"tabs"`
	CanonicalURL      string         `json:"canonicalUrl"`
	OGURL             string         `json:"ogUrl"`
	Globals           map[string]any `json:"globals"`
	TakenAt           int64          `json:"takenAt"`
}

// PageEventType 页面事件类型
type PageEventType string

const (
	EventNavigate PageEventType = "navigate"
	EventMutation PageEventType = "mutation"
)

// PageEvent 导航或 DOM 变更通知
type PageEvent struct {
	Type PageEventType
	URL  string
	At   int64
}

// PageSource 页面状态来源
type PageSource interface {
	Snapshot(ctx context.Context) (PageSnapshot, error)
	Subscribe(fn func(PageEvent)) (cancel func())
}

// StaticPage 可手动修改的页面状态
type StaticPage struct {
	mu   sync.RWMutex
	snap PageSnapshot
	subs map[int]func(PageEvent)
	seq  int
}

// NewStaticPage 创建页面
func NewStaticPage(url string) *StaticPage {
	return &StaticPage{snap: PageSnapshot{URL: url}, subs: make(map[int]func(PageEvent))}
}

// Snapshot 返回当前状态的副本
func (p *StaticPage) Snapshot(context.Context) (PageSnapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.snap
	s.Tabs = append([]Tab(nil), p.snap.Tabs...)
	s.NavigationEntries = append([]string(nil), p.snap.NavigationEntries...)
	s.TakenAt = time.Now().UnixMilli()
	return s, nil
}

// Navigate 切换页面地址（history push/replace）
func (p *StaticPage) Navigate(url string, state any) {
	p.mu.Lock()
	p.snap.URL = url
	p.snap.HistoryState = state
	p.snap.NavigationEntries = append(p.snap.NavigationEntries, url)
	p.mu.Unlock()
	p.emit(PageEvent{Type: EventNavigate, URL: url, At: time.Now().UnixMilli()})
}

// Update 修改页面状态并发出变更通知
func (p *StaticPage) Update(fn func(s *PageSnapshot)) {
	p.mu.Lock()
	fn(&p.snap)
	url := p.snap.URL
	p.mu.Unlock()
	p.emit(PageEvent{Type: EventMutation, URL: url, At: time.Now().UnixMilli()})
}

func (p *StaticPage) Subscribe(fn func(PageEvent)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := p.seq
	p.subs[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.subs, id)
		})
	}
}

func (p *StaticPage) emit(ev PageEvent) {
	p.mu.RLock()
	fns := make([]func(PageEvent), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
