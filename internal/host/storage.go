package host

import (
	"sync"
)

// Storage 按字符串键读写的小型持久化存储；其他执行上下文可通过 Watch 观察变更
type Storage interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Watch(key string, fn func(value string)) (cancel func())
}

// MemoryStorage 进程内存储，多个 Realm 共享同一实例即可模拟同源上下文
type MemoryStorage struct {
	mu       sync.RWMutex
	data     map[string]string
	watchers map[string]map[int]func(string)
	seq      int
}

// NewMemoryStorage 创建内存存储
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		data:     make(map[string]string),
		watchers: make(map[string]map[int]func(string)),
	}
}

func (s *MemoryStorage) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Set 写入并通知观察者，值未变化时不通知
func (s *MemoryStorage) Set(key, value string) error {
	s.mu.Lock()
	if old, ok := s.data[key]; ok && old == value {
		s.mu.Unlock()
		return nil
	}
	s.data[key] = value
	fns := make([]func(string), 0, len(s.watchers[key]))
	for _, fn := range s.watchers[key] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(value)
	}
	return nil
}

func (s *MemoryStorage) Watch(key string, fn func(value string)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := s.seq
	if s.watchers[key] == nil {
		s.watchers[key] = make(map[int]func(string))
	}
	s.watchers[key][id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.watchers[key], id)
		})
	}
}
