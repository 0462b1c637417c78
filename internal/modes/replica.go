package modes

import "sync"

// Entry 复制键值的一次写入
type Entry struct {
	Value     []byte `json:"value"`
	UpdatedAt int64  `json:"updatedAt"`
	Origin    string `json:"origin"`
}

// newer 时间戳大者胜出，时间戳相同按来源字典序
func (e Entry) newer(than Entry) bool {
	if e.UpdatedAt != than.UpdatedAt {
		return e.UpdatedAt > than.UpdatedAt
	}
	return e.Origin > than.Origin
}

// Replica 一个命名空间的副本；只接受比现有值更新的写入
type Replica struct {
	mu     sync.RWMutex
	origin string
	data   map[string]Entry
	log    []string
	maxLog int
}

// NewReplica 创建副本
func NewReplica(origin string) *Replica {
	return &Replica{origin: origin, data: make(map[string]Entry), maxLog: 64}
}

// Origin 副本标识
func (r *Replica) Origin() string { return r.origin }

// Put 以本副本身份写入
func (r *Replica) Put(key string, value []byte, ts int64) Entry {
	e := Entry{Value: value, UpdatedAt: ts, Origin: r.origin}
	r.Merge(key, e)
	return e
}

// Merge 合并来自任意副本的写入，返回是否被采纳
func (r *Replica) Merge(key string, e Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.data[key]; ok && !e.newer(cur) {
		return false
	}
	r.data[key] = e
	r.log = append(r.log, key)
	if len(r.log) > r.maxLog {
		r.log = r.log[len(r.log)-r.maxLog:]
	}
	return true
}

// Get 读取当前值
func (r *Replica) Get(key string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.data[key]
	return e, ok
}

// Applied 最近被采纳的写入键，旧的在前
func (r *Replica) Applied() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.log...)
}
