// Package store 是订单、会员、积分流水的持久化层（gorm + SQLite）。
package store

import (
	"errors"
	"fmt"
	"strings"

	"coffee_core/internal/apperr"
	"coffee_core/internal/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store 聚合所有表的读写。
type Store struct {
	db *gorm.DB
}

// New 基于已打开的连接创建 Store。
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB 暴露底层连接，仅供启动与测试使用。
func (s *Store) DB() *gorm.DB { return s.db }

// Open 打开 SQLite 并自动建表。
// SQLite 只允许单写者：连接池限制为 1，所有写入天然串行，事务内只能使用 tx。
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate 自动建表，逻辑结构与 orders / order_items / point_ledger / members 对齐。
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Order{},
		&model.OrderItem{},
		&model.Member{},
		&model.PointLedgerEntry{},
		&model.TransitionAudit{},
	); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}
	return nil
}

// wrapErr 将 gorm 错误转换为业务错误种类。
func wrapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound("%s not found", what)
	}
	return apperr.Upstream(err, "%s: storage unavailable", what)
}

// errorsLikeUnique 兜底识别唯一约束冲突（未被 TranslateError 翻译的驱动错误）。
func errorsLikeUnique(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique")
}

// pageBounds 把 1 起始的页码换算为 offset，并给 limit 设上下限。
func pageBounds(page, limit int) (offset, size int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}
	return (page - 1) * limit, limit
}
