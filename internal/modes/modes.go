// Package modes 保存可由操作者切换的运行时开关，并在多个执行上下文之间同步。
package modes

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"hookrelay/internal/host"
	"hookrelay/internal/logger"
	"hookrelay/pkg/domain"
)

const (
	// StorageKey 持久化键
	StorageKey = "hookrelay.modes"
	// Topic 广播主题
	Topic = "hookrelay.modes"
)

type wireModes struct {
	Modes  domain.RuntimeModes `json:"modes"`
	Origin string              `json:"origin"`
}

// Store 运行时开关存储
type Store struct {
	mu      sync.Mutex
	replica *Replica
	storage host.Storage
	bus     host.Broadcaster
	log     logger.Logger
	now     func() time.Time

	subs    map[int]func(domain.RuntimeModes)
	seq     int
	cancels []func()
	closed  bool
}

// New 从持久化存储加载开关并开始监听其他上下文的变更；bus 可为空
func New(origin string, storage host.Storage, bus host.Broadcaster, defaults domain.RuntimeModes, l logger.Logger, now func() time.Time) *Store {
	if l == nil {
		l = logger.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	s := &Store{
		replica: NewReplica(origin),
		storage: storage,
		bus:     bus,
		log:     l,
		now:     now,
		subs:    make(map[int]func(domain.RuntimeModes)),
	}

	raw, _ := json.Marshal(defaults)
	s.replica.Merge(StorageKey, Entry{Value: raw, UpdatedAt: defaults.UpdatedAt})
	if storage != nil {
		if v, ok := storage.Get(StorageKey); ok {
			s.mergeWire([]byte(v))
		}
		s.cancels = append(s.cancels, storage.Watch(StorageKey, func(v string) { s.receive([]byte(v)) }))
	}
	if bus != nil {
		s.cancels = append(s.cancels, bus.Subscribe(Topic, s.receive))
	}
	return s
}

// Get 当前开关，解析失败的字段按默认值处理
func (s *Store) Get() domain.RuntimeModes {
	e, _ := s.replica.Get(StorageKey)
	m := domain.DefaultModes()
	_ = json.Unmarshal(e.Value, &m)
	if m.HookMode == "" {
		m.HookMode = domain.HookModeBoth
	}
	if m.RepairMode == "" {
		m.RepairMode = domain.RepairWatchdog
	}
	return m
}

// Update 修改开关并持久化、广播
func (s *Store) Update(fn func(m *domain.RuntimeModes)) (domain.RuntimeModes, error) {
	s.mu.Lock()
	cur := s.Get()
	fn(&cur)
	ts := s.now().UnixMilli()
	if ts <= cur.UpdatedAt {
		ts = cur.UpdatedAt + 1
	}
	cur.UpdatedAt = ts
	raw, err := json.Marshal(cur)
	if err != nil {
		s.mu.Unlock()
		return cur, fmt.Errorf("encode modes: %w", err)
	}
	s.replica.Put(StorageKey, raw, ts)
	wire, _ := json.Marshal(wireModes{Modes: cur, Origin: s.replica.Origin()})
	s.mu.Unlock()

	var perr error
	if s.storage != nil {
		if err := s.storage.Set(StorageKey, string(wire)); err != nil {
			perr = fmt.Errorf("persist modes: %w", err)
			s.log.Err(err, "持久化运行时开关失败")
		}
	}
	if s.bus != nil {
		s.bus.Publish(Topic, wire)
	}
	s.notify(cur)
	return cur, perr
}

func (s *Store) receive(payload []byte) {
	if s.mergeWire(payload) {
		s.notify(s.Get())
	}
}

// mergeWire 合并来自其他上下文的快照，格式不完整时忽略
func (s *Store) mergeWire(payload []byte) bool {
	var w wireModes
	if err := json.Unmarshal(payload, &w); err != nil || w.Modes.UpdatedAt == 0 {
		return false
	}
	if w.Origin == s.replica.Origin() {
		return false
	}
	raw, err := json.Marshal(w.Modes)
	if err != nil {
		return false
	}
	applied := s.replica.Merge(StorageKey, Entry{Value: raw, UpdatedAt: w.Modes.UpdatedAt, Origin: w.Origin})
	if applied {
		s.log.Debug("采纳外部运行时开关", "origin", w.Origin, "updatedAt", w.Modes.UpdatedAt)
	}
	return applied
}

// OnChange 订阅变更
func (s *Store) OnChange(fn func(domain.RuntimeModes)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := s.seq
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) notify(m domain.RuntimeModes) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	fns := make([]func(domain.RuntimeModes), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}

// Close 取消所有监听，可重复调用
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}
