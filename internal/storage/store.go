package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"hookrelay/internal/ctxkeys"
	"hookrelay/internal/logger"
	"hookrelay/pkg/domain"
)

// capture 记录表
type capture struct {
	ID         string    `gorm:"primaryKey;size:64"`
	Extension  string    `gorm:"primaryKey;size:64"`
	FolderID   string    `gorm:"index;size:64"`
	Text       string    `gorm:"type:text"`
	Author     string    `gorm:"size:128"`
	Raw        string    `gorm:"type:text"`
	CapturedAt time.Time `gorm:"index"`
}

// kvEntry 小型键值表
type kvEntry struct {
	Name      string `gorm:"primaryKey;size:128"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

// Store 基于 sqlite 的记录存储
type Store struct {
	db  *gorm.DB
	log logger.Logger
	kv  *KV
}

// Open 打开数据库并迁移表结构，prefix 为表名前缀
func Open(dsn, prefix string, l logger.Logger) (*Store, error) {
	if l == nil {
		l = logger.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         NewGormLogger(l).LogMode(gormlogger.Warn),
		NamingStrategy: schema.NamingStrategy{TablePrefix: prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(&capture{}, &kvEntry{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	s := &Store{db: db, log: l}
	s.kv = newKV(s)
	l.Info("打开存储", "dsn", dsn)
	return s, nil
}

func withTrace(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Value(ctxkeys.TraceIDKey{}) != nil {
		return ctx
	}
	return context.WithValue(ctx, ctxkeys.TraceIDKey{}, uuid.NewString())
}

// Save 按 (id, extension) 写入记录，已存在则更新
func (s *Store) Save(ctx context.Context, records []domain.Record) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]capture, 0, len(records))
	for _, r := range records {
		if r.ID == "" {
			continue
		}
		rows = append(rows, capture{
			ID:         r.ID,
			Extension:  r.Extension,
			FolderID:   r.FolderID,
			Text:       r.Text,
			Author:     r.Author,
			Raw:        r.Raw,
			CapturedAt: r.CapturedAt,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	err := s.db.WithContext(withTrace(ctx)).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}, {Name: "extension"}},
		DoUpdates: clause.AssignmentColumns([]string{"folder_id", "text", "author", "raw", "captured_at"}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("save records: %w", err)
	}
	return nil
}

// ListByFolder 按时间倒序列出某个分组的记录
func (s *Store) ListByFolder(ctx context.Context, folderID string, limit int) ([]domain.Record, error) {
	var rows []capture
	q := s.db.WithContext(withTrace(ctx)).Where("folder_id = ?", folderID).Order("captured_at DESC, id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	out := make([]domain.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Record{
			ID:         r.ID,
			Extension:  r.Extension,
			FolderID:   r.FolderID,
			Text:       r.Text,
			Author:     r.Author,
			Raw:        r.Raw,
			CapturedAt: r.CapturedAt,
		})
	}
	return out, nil
}

// Count 记录总数
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(withTrace(ctx)).Model(&capture{}).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

// CountByFolder 每个分组的记录数
func (s *Store) CountByFolder(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		FolderID string
		N        int64
	}
	err := s.db.WithContext(withTrace(ctx)).Model(&capture{}).
		Select("folder_id, count(*) AS n").Group("folder_id").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.FolderID] = r.N
	}
	return out, nil
}

// KV 键值存储视图
func (s *Store) KV() *KV { return s.kv }

// Close 关闭数据库
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isNotFound(err error) bool { return errors.Is(err, gorm.ErrRecordNotFound) }
