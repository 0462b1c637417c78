package bridge

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strconv"
	"sync"
	"time"

	"hookrelay/internal/rules"
	"hookrelay/pkg/domain"
)

// Deduper 短窗口内的重复响应抑制
type Deduper struct {
	mu       sync.Mutex
	window   time.Duration
	capacity int
	exempt   rules.Match
	seen     map[string]time.Time
	now      func() time.Time
}

// NewDeduper 创建去重缓存
func NewDeduper(window time.Duration, capacity int, exempt rules.Match, now func() time.Time) *Deduper {
	if now == nil {
		now = time.Now
	}
	if capacity <= 0 {
		capacity = 400
	}
	return &Deduper{
		window:   window,
		capacity: capacity,
		exempt:   exempt,
		seen:     make(map[string]time.Time),
		now:      now,
	}
}

// Signature 计算 (method, url, status, bodyHash) 签名
func Signature(method, url string, status int, body string) string {
	bh := sha1.Sum([]byte(body))
	h := sha1.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(url))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(status)))
	h.Write([]byte{0})
	h.Write(bh[:])
	return hex.EncodeToString(h.Sum(nil))
}

// Exempt 请求是否不参与去重，条件可以引用 URL、方法、查询参数与请求体
func (d *Deduper) Exempt(env domain.Envelope) bool {
	var body string
	if env.Body != nil {
		body = *env.Body
	}
	return d.exempt.Eval(rules.NewCtx(env.Method, env.URL, body))
}

// Seen 若窗口内已出现相同签名则返回 true，否则记录签名
func (d *Deduper) Seen(env domain.Envelope, res domain.ResponseRecord) bool {
	if d.Exempt(env) {
		return false
	}
	sig := Signature(env.Method, env.URL, res.Status, res.Body)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if at, ok := d.seen[sig]; ok && now.Sub(at) < d.window {
		return true
	}
	if _, ok := d.seen[sig]; !ok && len(d.seen) >= d.capacity {
		d.evictLocked(now, len(d.seen)-d.capacity+1)
	}
	d.seen[sig] = now
	return false
}

// evictLocked 优先按时间从旧到新清理已过窗口的条目；仍超量时再淘汰最旧的未过期条目
func (d *Deduper) evictLocked(now time.Time, need int) {
	type entry struct {
		sig string
		at  time.Time
	}
	entries := make([]entry, 0, len(d.seen))
	for sig, at := range d.seen {
		entries = append(entries, entry{sig, at})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].at.Equal(entries[j].at) {
			return entries[i].sig < entries[j].sig
		}
		return entries[i].at.Before(entries[j].at)
	})

	for _, e := range entries {
		if now.Sub(e.at) >= d.window {
			delete(d.seen, e.sig)
		}
	}
	removed := len(entries) - len(d.seen)
	for _, e := range entries {
		if removed >= need {
			return
		}
		if _, ok := d.seen[e.sig]; ok {
			delete(d.seen, e.sig)
			removed++
		}
	}
}

// Len 当前条目数
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
