package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"cdpgateway/internal/logger"
	"cdpgateway/pkg/model"
)

const defaultListLimit = 100

// InterceptRecord 拦截记录表
type InterceptRecord struct {
	ID          string `gorm:"primaryKey;size:36"`
	Target      string `gorm:"index;not null"`
	SessionID   string
	RequestID   string
	OriginalURL string
	FinalURL    string
	Headers     string // 逗号分隔的注入头名称
	Resumed     bool
	Error       string
	CreatedAt   time.Time `gorm:"index"`
}

// Store 拦截记录存储
type Store struct {
	db  *gorm.DB
	log logger.Logger
}

// Open 打开 sqlite 数据库并迁移表结构
func Open(dsn, prefix string, l logger.Logger) (*Store, error) {
	if l == nil {
		l = logger.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         newSQLLogger(l, 0),
		NamingStrategy: schema.NamingStrategy{TablePrefix: prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(&InterceptRecord{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	l.Info("拦截记录存储已就绪", "dsn", dsn)
	return &Store{db: db, log: l}, nil
}

// RecordIntercept 写入一条拦截记录
func (s *Store) RecordIntercept(ctx context.Context, rec model.InterceptRecord) error {
	row := InterceptRecord{
		ID:          rec.ID,
		Target:      string(rec.Target),
		SessionID:   string(rec.SessionID),
		RequestID:   rec.RequestID,
		OriginalURL: rec.OriginalURL,
		FinalURL:    rec.FinalURL,
		Headers:     strings.Join(rec.Headers, ","),
		Resumed:     rec.Resumed,
		Error:       rec.Error,
		CreatedAt:   rec.Timestamp,
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// ListIntercepts 按时间倒序列出目标的拦截记录，target 为空时列出全部
func (s *Store) ListIntercepts(ctx context.Context, target model.TargetID, limit int) ([]model.InterceptRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	q := s.db.WithContext(ctx).Order("created_at desc").Limit(limit)
	if target != "" {
		q = q.Where("target = ?", string(target))
	}
	var rows []InterceptRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.InterceptRecord, 0, len(rows))
	for _, r := range rows {
		rec := model.InterceptRecord{
			ID:          r.ID,
			Target:      model.TargetID(r.Target),
			SessionID:   model.SessionID(r.SessionID),
			RequestID:   r.RequestID,
			OriginalURL: r.OriginalURL,
			FinalURL:    r.FinalURL,
			Resumed:     r.Resumed,
			Error:       r.Error,
			Timestamp:   r.CreatedAt,
		}
		if r.Headers != "" {
			rec.Headers = strings.Split(r.Headers, ",")
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close 关闭底层连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
