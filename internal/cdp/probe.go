package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/protocol/runtime"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"hookrelay/internal/host"
	"hookrelay/internal/logger"
)

// snapshotScript 在页面内收集解析上下文所需的状态
const snapshotScript = `(() => {
  const meta = (sel, attr) => { const el = document.querySelector(sel); return el ? (el.getAttribute(attr) || '') : ''; };
  const depth = (el) => { let d = 0; for (let p = el.parentElement; p; p = p.parentElement) d++; return d; };
  const tabs = Array.from(document.querySelectorAll('[role="tab"], nav a[href*="/bookmarks/"]')).map((el) => ({
    id: el.getAttribute('data-folder-id') || '',
    href: el.getAttribute('href') || '',
    label: (el.textContent || '').trim().slice(0, 80),
    selected: el.getAttribute('aria-selected') === 'true' || el.getAttribute('aria-current') === 'page',
    activeClass: /(^|\s)(active|selected)(\s|$)/.test(el.className || ''),
    depth: depth(el),
    visible: !!(el.offsetWidth || el.offsetHeight || el.getClientRects().length),
  }));
  const nav = (performance.getEntriesByType ? performance.getEntriesByType('navigation') : []).map((e) => e.name);
  let globals = {};
  try { globals = JSON.parse(JSON.stringify(window.__INITIAL_STATE__ || window.__NEXT_DATA__ || {})); } catch (e) {}
  let state = null;
  try { state = JSON.parse(JSON.stringify(history.state)); } catch (e) {}
  return JSON.stringify({
    url: location.href,
    title: document.title,
    historyState: state,
    navigationEntries: nav,
    tabs: tabs,
    canonicalUrl: meta('link[rel="canonical"]', 'href'),
    ogUrl: meta('meta[property="og:url"]', 'content'),
    globals: globals,
  });
})()`

// DecodeSnapshot 解析页面脚本返回的 JSON
func DecodeSnapshot(raw string, takenAt int64) (host.PageSnapshot, error) {
	if !gjson.Valid(raw) {
		return host.PageSnapshot{}, errors.New("cdp: invalid snapshot payload")
	}
	r := gjson.Parse(raw)
	snap := host.PageSnapshot{
		URL:          r.Get("url").String(),
		Title:        r.Get("title").String(),
		CanonicalURL: r.Get("canonicalUrl").String(),
		OGURL:        r.Get("ogUrl").String(),
		TakenAt:      takenAt,
	}
	if hs := r.Get("historyState"); hs.Exists() && hs.Type != gjson.Null {
		snap.HistoryState = hs.Value()
	}
	for _, e := range r.Get("navigationEntries").Array() {
		snap.NavigationEntries = append(snap.NavigationEntries, e.String())
	}
	for _, t := range r.Get("tabs").Array() {
		snap.Tabs = append(snap.Tabs, host.Tab{
			ID:          t.Get("id").String(),
			Href:        t.Get("href").String(),
			Label:       t.Get("label").String(),
			Selected:    t.Get("selected").Bool(),
			ActiveClass: t.Get("activeClass").Bool(),
			Depth:       int(t.Get("depth").Int()),
			Visible:     t.Get("visible").Bool(),
		})
	}
	if g, ok := r.Get("globals").Value().(map[string]any); ok && len(g) > 0 {
		snap.Globals = g
	}
	return snap, nil
}

// PageProbe 通过 Runtime.evaluate 读取页面状态，通过 Page 域事件感知导航
type PageProbe struct {
	client *cdp.Client
	log    logger.Logger
	now    func() time.Time

	mu     sync.Mutex
	subs   map[int]func(host.PageEvent)
	nextID int
}

// NewPageProbe 创建页面探针
func NewPageProbe(client *cdp.Client, l logger.Logger) *PageProbe {
	if l == nil {
		l = logger.NewNop()
	}
	return &PageProbe{client: client, log: l, now: time.Now, subs: make(map[int]func(host.PageEvent))}
}

func (p *PageProbe) Snapshot(ctx context.Context) (host.PageSnapshot, error) {
	reply, err := p.client.Runtime.Evaluate(ctx, runtime.NewEvaluateArgs(snapshotScript).SetReturnByValue(true))
	if err != nil {
		return host.PageSnapshot{}, fmt.Errorf("evaluate snapshot: %w", err)
	}
	if reply.ExceptionDetails != nil {
		return host.PageSnapshot{}, fmt.Errorf("evaluate snapshot: %s", reply.ExceptionDetails.Text)
	}
	var raw string
	if err := json.Unmarshal(reply.Result.Value, &raw); err != nil {
		return host.PageSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return DecodeSnapshot(raw, p.now().UnixMilli())
}

func (p *PageProbe) Subscribe(fn func(host.PageEvent)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}
}

// Emit 通知订阅者
func (p *PageProbe) Emit(ev host.PageEvent) {
	p.mu.Lock()
	fns := make([]func(host.PageEvent), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Watch 监听主框架导航与同文档导航，直到 ctx 取消
func (p *PageProbe) Watch(ctx context.Context) error {
	if err := p.client.Page.Enable(ctx); err != nil {
		return fmt.Errorf("enable page: %w", err)
	}
	g, ctx := errgroup.WithContext(ctx)
	navigated, err := p.client.Page.FrameNavigated(ctx)
	if err != nil {
		return fmt.Errorf("subscribe frameNavigated: %w", err)
	}
	defer navigated.Close()
	within, err := p.client.Page.NavigatedWithinDocument(ctx)
	if err != nil {
		return fmt.Errorf("subscribe navigatedWithinDocument: %w", err)
	}
	defer within.Close()

	g.Go(func() error {
		for {
			ev, err := navigated.Recv()
			if err != nil {
				return streamErr(ctx, err)
			}
			if ev.Frame.ParentID != nil {
				continue
			}
			p.Emit(host.PageEvent{Type: host.EventNavigate, URL: ev.Frame.URL, At: p.now().UnixMilli()})
		}
	})
	g.Go(func() error {
		for {
			ev, err := within.Recv()
			if err != nil {
				return streamErr(ctx, err)
			}
			p.Emit(host.PageEvent{Type: host.EventNavigate, URL: ev.URL, At: p.now().UnixMilli()})
		}
	})
	return g.Wait()
}

func streamErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

var _ host.PageSource = (*PageProbe)(nil)
