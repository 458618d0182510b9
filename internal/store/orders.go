package store

import (
	"context"
	"fmt"
	"time"

	"coffee_core/internal/apperr"
	"coffee_core/internal/model"

	"gorm.io/gorm"
)

// OrderFilter 后台订单列表的筛选条件，零值表示不过滤。
type OrderFilter struct {
	MemberID string
	Status   model.OrderStatus
}

// GetOrder 查询订单及其订单行。
func (s *Store) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var o model.Order
	err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		First(&o, "id = ?", id).Error
	if err != nil {
		return nil, wrapErr(err, fmt.Sprintf("order %s", id))
	}
	return &o, nil
}

// CreateOrder 写入订单与订单行。
func (s *Store) CreateOrder(ctx context.Context, o *model.Order) error {
	if err := s.db.WithContext(ctx).Create(o).Error; err != nil {
		if errorsLikeUnique(err) {
			return apperr.Conflict("order %s already exists", o.ID)
		}
		return wrapErr(err, "create order")
	}
	return nil
}

// ListOrders 按创建时间倒序分页查询订单。
func (s *Store) ListOrders(ctx context.Context, f OrderFilter, page, limit int) ([]model.Order, int64, error) {
	offset, size := pageBounds(page, limit)
	// 每次查询重新构造链，避免 Count 污染后续 Find。
	scoped := func() *gorm.DB {
		q := s.db.WithContext(ctx).Model(&model.Order{})
		if f.MemberID != "" {
			q = q.Where("member_id = ?", f.MemberID)
		}
		if f.Status != "" {
			q = q.Where("status = ?", f.Status)
		}
		return q
	}

	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		return nil, 0, wrapErr(err, "count orders")
	}
	var list []model.Order
	err := scoped().Preload("Items").
		Order("created_at DESC").Order("id DESC").
		Offset(offset).Limit(size).
		Find(&list).Error
	if err != nil {
		return nil, 0, wrapErr(err, "list orders")
	}
	return list, total, nil
}

// CompareAndSetStatus 条件更新：仅当当前状态仍为 from 时写入 to。
// 返回 false 表示状态已被并发修改（或订单已不存在）。
func (s *Store) CompareAndSetStatus(ctx context.Context, id string, from, to model.OrderStatus) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&model.Order{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{
			"status":     to,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, wrapErr(res.Error, fmt.Sprintf("update order %s status", id))
	}
	return res.RowsAffected == 1, nil
}

// ReplaceItemPrices 在一个事务内更正订单行的单价/数量，并重算 total_price。
func (s *Store) ReplaceItemPrices(ctx context.Context, id string, edits []model.ItemEdit) (*model.Order, error) {
	var out model.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Preload("Items").First(&out, "id = ?", id).Error; err != nil {
			return wrapErr(err, fmt.Sprintf("order %s", id))
		}
		byID := make(map[uint]int, len(out.Items))
		for i, it := range out.Items {
			byID[it.ID] = i
		}
		for _, e := range edits {
			idx, ok := byID[e.ItemID]
			if !ok {
				return apperr.NotFound("order item %d not found in order %s", e.ItemID, id)
			}
			out.Items[idx].SalePrice = e.SalePrice
			out.Items[idx].Quantity = e.Quantity
		}
		for _, it := range out.Items {
			err := tx.Model(&model.OrderItem{}).Where("id = ?", it.ID).
				Updates(map[string]any{"sale_price": it.SalePrice, "quantity": it.Quantity}).Error
			if err != nil {
				return wrapErr(err, "update order item")
			}
		}
		total, err := model.ItemsTotal(out.Items)
		if err != nil {
			return apperr.Validation("order %s: %s", id, err.Error())
		}
		out.TotalPrice = total
		out.UpdatedAt = time.Now().UTC()
		err = tx.Model(&model.Order{}).Where("id = ?", id).
			Updates(map[string]any{"total_price": out.TotalPrice, "updated_at": out.UpdatedAt}).Error
		return wrapErr(err, "update order total")
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteOrder 物理删除订单及订单行，不可恢复。
func (s *Store) DeleteOrder(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("order_id = ?", id).Delete(&model.OrderItem{}).Error; err != nil {
			return wrapErr(err, "delete order items")
		}
		res := tx.Where("id = ?", id).Delete(&model.Order{})
		if res.Error != nil {
			return wrapErr(res.Error, "delete order")
		}
		if res.RowsAffected == 0 {
			return apperr.NotFound("order %s not found", id)
		}
		return nil
	})
}

// SumTotalPrice 单次聚合某会员所有不在 excluded 状态中的订单金额。
func (s *Store) SumTotalPrice(ctx context.Context, memberID string, excluded []model.OrderStatus) (int64, error) {
	var sum int64
	q := s.db.WithContext(ctx).Model(&model.Order{}).
		Select("COALESCE(SUM(total_price), 0)").
		Where("member_id = ?", memberID)
	if len(excluded) > 0 {
		q = q.Where("status NOT IN ?", excluded)
	}
	if err := q.Scan(&sum).Error; err != nil {
		return 0, wrapErr(err, "sum order totals")
	}
	return sum, nil
}

// AppendAudit 写入一条状态变更审计记录。
func (s *Store) AppendAudit(ctx context.Context, a *model.TransitionAudit) error {
	return wrapErr(s.db.WithContext(ctx).Create(a).Error, "append transition audit")
}

// ListAudits 查询某订单的审计记录，按时间正序。
func (s *Store) ListAudits(ctx context.Context, orderID string) ([]model.TransitionAudit, error) {
	var list []model.TransitionAudit
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id ASC").Find(&list).Error
	return list, wrapErr(err, "list transition audits")
}
