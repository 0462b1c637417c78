// Package resolver 为每个请求推导分组上下文（例如请求属于哪个收藏夹）。
package resolver

import (
	"context"
	"sync"
	"time"

	"hookrelay/internal/host"
	"hookrelay/internal/logger"
	"hookrelay/pkg/domain"
)

// Resolver 在纯函数 Decide 之上维护最近上下文与粘性锁
type Resolver struct {
	mu        sync.Mutex
	lastKnown *domain.Context
	lock      *Lock

	page host.PageSource
	opts Options
	now  func() time.Time
	log  logger.Logger
}

// New 创建解析器，page 可为空
func New(page host.PageSource, opts Options, l logger.Logger, now func() time.Time) *Resolver {
	if l == nil {
		l = logger.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	d := DefaultOptions()
	if opts.LockTTL <= 0 {
		opts.LockTTL = d.LockTTL
	}
	if opts.LastKnownTTL <= 0 {
		opts.LastKnownTTL = d.LastKnownTTL
	}
	if opts.MaxWalkDepth <= 0 {
		opts.MaxWalkDepth = d.MaxWalkDepth
	}
	return &Resolver{page: page, opts: opts, now: now, log: l}
}

// Resolve 采集页面快照并解析上下文，解析成功后更新最近上下文与粘性锁
func (r *Resolver) Resolve(ctx context.Context, req Request) domain.Context {
	var snap host.PageSnapshot
	if r.page != nil {
		s, err := r.page.Snapshot(ctx)
		if err != nil {
			r.log.Debug("页面快照失败", "error", err)
		} else {
			snap = s
		}
	}
	return r.ResolveWith(req, snap)
}

// ResolveWith 基于给定快照解析
func (r *Resolver) ResolveWith(req Request, snap host.PageSnapshot) domain.Context {
	now := r.now()
	r.mu.Lock()
	sig := Signals{
		Now:       now,
		Page:      snap,
		LastKnown: r.lastKnown,
		Lock:      r.lock,
		Options:   r.opts,
	}
	r.mu.Unlock()

	res := Decide(req, sig)
	if res.IsKnown() {
		r.record(res, snap.URL, now)
	} else {
		r.log.Debug("上下文无法解析", "url", req.URL)
	}
	return res
}

func (r *Resolver) record(res domain.Context, pageURL string, now time.Time) {
	if res.Source == domain.SourceLastKnown || res.Source == domain.SourceLock {
		return
	}
	// 低置信度结果只能沿用，不覆盖最近上下文与锁
	if res.Confidence < r.opts.MinLockConfidence {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := res
	r.lastKnown = &cp
	r.lock = &Lock{Context: res, Domain: RouteDomain(pageURL), CapturedAt: now}
	r.log.Debug("更新粘性锁", "folderId", res.FolderID, "source", string(res.Source))
}

// Publish 发布其他位置解析得到的上下文，供后续请求延续
func (r *Resolver) Publish(c domain.Context) {
	if !c.IsKnown() {
		return
	}
	if c.CapturedAt == 0 {
		c.CapturedAt = r.now().UnixMilli()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastKnown = &c
}

// LastKnown 返回最近上下文的副本
func (r *Resolver) LastKnown() (domain.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastKnown == nil {
		return domain.Context{}, false
	}
	return *r.lastKnown, true
}

// CurrentLock 返回仍然有效的粘性锁；过期锁不会被返回
func (r *Resolver) CurrentLock() (Lock, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.lock.Valid(r.now(), r.opts.LockTTL) {
		return Lock{}, false
	}
	return *r.lock, true
}

// SetLock 直接写入粘性锁
func (r *Resolver) SetLock(l Lock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lock = &l
}

// OnNavigate 导航后最近上下文失效；新地址本身带有标识时直接作为新的解析结果
func (r *Resolver) OnNavigate(ev host.PageEvent) {
	if ev.Type != host.EventNavigate {
		return
	}
	r.mu.Lock()
	r.lastKnown = nil
	r.mu.Unlock()

	if id, ok := FolderFromURL(ev.URL); ok {
		now := r.now()
		r.record(domain.Context{
			FolderID:   id,
			PageURL:    ev.URL,
			Source:     domain.SourcePageURL,
			CapturedAt: now.UnixMilli(),
			Confidence: confPagePath,
		}, ev.URL, now)
	}
}
