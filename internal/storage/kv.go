package storage

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm/clause"
)

// KV 持久化的小型键值存储，同进程内的 Watch 在值变化时收到通知
type KV struct {
	store *Store

	mu       sync.Mutex
	watchers map[string]map[int]func(string)
	nextID   int
}

func newKV(s *Store) *KV {
	return &KV{store: s, watchers: make(map[string]map[int]func(string))}
}

func (k *KV) Get(key string) (string, bool) {
	var row kvEntry
	err := k.store.db.WithContext(withTrace(context.Background())).Where("name = ?", key).Take(&row).Error
	if err != nil {
		if !isNotFound(err) {
			k.store.log.Err(err, "读取键值失败", "key", key)
		}
		return "", false
	}
	return row.Value, true
}

func (k *KV) Set(key, value string) error {
	if prev, ok := k.Get(key); ok && prev == value {
		return nil
	}
	err := k.store.db.WithContext(withTrace(context.Background())).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&kvEntry{Name: key, Value: value, UpdatedAt: time.Now()}).Error
	if err != nil {
		return err
	}

	k.mu.Lock()
	fns := make([]func(string), 0, len(k.watchers[key]))
	for _, fn := range k.watchers[key] {
		fns = append(fns, fn)
	}
	k.mu.Unlock()
	for _, fn := range fns {
		fn(value)
	}
	return nil
}

func (k *KV) Watch(key string, fn func(value string)) func() {
	k.mu.Lock()
	defer k.mu.Unlock()
	id := k.nextID
	k.nextID++
	if k.watchers[key] == nil {
		k.watchers[key] = make(map[int]func(string))
	}
	k.watchers[key][id] = fn
	return func() {
		k.mu.Lock()
		defer k.mu.Unlock()
		delete(k.watchers[key], id)
	}
}
