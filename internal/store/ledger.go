package store

import (
	"context"
	"errors"
	"time"

	"coffee_core/internal/apperr"
	"coffee_core/internal/model"

	"gorm.io/gorm"
)

// ErrInsufficientBalance 扣减时余额不足。
var ErrInsufficientBalance = apperr.Validation("insufficient point balance")

// AppendEntry 追加一条积分流水。
// 带幂等键时，重复写入返回已存在的流水且 created=false，不会产生第二条记录。
func (s *Store) AppendEntry(ctx context.Context, e *model.PointLedgerEntry) (*model.PointLedgerEntry, bool, error) {
	var (
		out     *model.PointLedgerEntry
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, created, err = appendEntry(tx, e)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// AppendEntryIfBalance 在同一事务内校验余额 ≥ minBalance 后再追加（用于消耗积分）。
func (s *Store) AppendEntryIfBalance(ctx context.Context, e *model.PointLedgerEntry, minBalance int64) (*model.PointLedgerEntry, bool, error) {
	var (
		out     *model.PointLedgerEntry
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if e.IdempotencyKey != nil {
			if existing, err := findByKey(tx, *e.IdempotencyKey); err != nil {
				return err
			} else if existing != nil {
				out, created = existing, false
				return nil
			}
		}
		bal, err := sumAmount(tx, e.MemberID)
		if err != nil {
			return err
		}
		if bal < minBalance {
			return ErrInsufficientBalance
		}
		out, created, err = appendEntry(tx, e)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func appendEntry(tx *gorm.DB, e *model.PointLedgerEntry) (*model.PointLedgerEntry, bool, error) {
	if e.IdempotencyKey != nil {
		existing, err := findByKey(tx, *e.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if err := tx.Create(e).Error; err != nil {
		if e.IdempotencyKey != nil && errorsLikeUnique(err) {
			existing, ferr := findByKey(tx, *e.IdempotencyKey)
			if ferr == nil && existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, wrapErr(err, "append ledger entry")
	}
	return e, true, nil
}

func findByKey(tx *gorm.DB, key string) (*model.PointLedgerEntry, error) {
	var existing model.PointLedgerEntry
	err := tx.Where("idempotency_key = ?", key).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, wrapErr(err, "lookup ledger entry")
}

func sumAmount(tx *gorm.DB, memberID string) (int64, error) {
	var sum int64
	err := tx.Model(&model.PointLedgerEntry{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("member_id = ?", memberID).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapErr(err, "sum ledger")
	}
	return sum, nil
}

// SumAmount 余额 = 该会员全部流水之和。
func (s *Store) SumAmount(ctx context.Context, memberID string) (int64, error) {
	return sumAmount(s.db.WithContext(ctx), memberID)
}

// ListEntries 按时间倒序分页（created_at DESC, id DESC 保证同一时刻的稳定顺序）。
func (s *Store) ListEntries(ctx context.Context, memberID string, page, limit int) ([]model.PointLedgerEntry, int64, error) {
	offset, size := pageBounds(page, limit)
	db := s.db.WithContext(ctx)

	var total int64
	if err := db.Model(&model.PointLedgerEntry{}).Where("member_id = ?", memberID).Count(&total).Error; err != nil {
		return nil, 0, wrapErr(err, "count ledger")
	}
	var list []model.PointLedgerEntry
	err := db.Where("member_id = ?", memberID).
		Order("created_at DESC").Order("id DESC").
		Offset(offset).Limit(size).
		Find(&list).Error
	if err != nil {
		return nil, 0, wrapErr(err, "list ledger")
	}
	return list, total, nil
}
