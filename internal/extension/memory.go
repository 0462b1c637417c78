package extension

import (
	"context"
	"sync"

	"hookrelay/pkg/domain"
)

// MemorySink 内存中的记录输出
type MemorySink struct {
	mu      sync.Mutex
	records []domain.Record
}

func (s *MemorySink) Save(_ context.Context, records []domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

// Records 已保存记录的副本
func (s *MemorySink) Records() []domain.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Record(nil), s.records...)
}
