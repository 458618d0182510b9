package model

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Order 会员订单。TotalPrice 与 UsedPoint 单位均为整数货币单位（원）。
type Order struct {
	ID        string    `gorm:"size:64;primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	MemberID   string      `gorm:"size:64;not null;index" json:"member_id"`
	Status     OrderStatus `gorm:"size:32;not null;index" json:"status"`
	TotalPrice int64       `gorm:"not null" json:"total_price"`
	UsedPoint  int64       `gorm:"not null;default:0" json:"used_point"`
	Items      []OrderItem `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" json:"order_items"`
}

func (Order) TableName() string { return "orders" }

// OrderItem 订单行。SalePrice 为下单时的单价快照。
type OrderItem struct {
	ID        uint    `gorm:"primarykey" json:"id"`
	OrderID   string  `gorm:"size:64;not null;index" json:"order_id"`
	ProductID string  `gorm:"size:64;not null" json:"product_id"`
	OptionID  *string `gorm:"size:64" json:"option_id,omitempty"`
	SalePrice int64   `gorm:"not null" json:"sale_price"`
	Quantity  int     `gorm:"not null" json:"quantity"`
}

func (OrderItem) TableName() string { return "order_items" }

// ErrAmountOverflow 金额超出 int64 范围。
var ErrAmountOverflow = errors.New("amount overflows int64")

// ItemsTotal 按订单行计算应付总额；乘法或累加溢出时返回 ErrAmountOverflow。
func ItemsTotal(items []OrderItem) (int64, error) {
	var sum int64
	for i, it := range items {
		line, ok := mulAmount(it.SalePrice, int64(it.Quantity))
		if !ok {
			return 0, fmt.Errorf("order_items[%d]: %w", i, ErrAmountOverflow)
		}
		if sum > math.MaxInt64-line {
			return 0, fmt.Errorf("order_items total: %w", ErrAmountOverflow)
		}
		sum += line
	}
	return sum, nil
}

// mulAmount 非负金额相乘，溢出时 ok=false。
func mulAmount(a, b int64) (int64, bool) {
	if a < 0 || b < 0 {
		return 0, false
	}
	if a != 0 && b > math.MaxInt64/a {
		return 0, false
	}
	return a * b, true
}

// CheckTotal 校验 TotalPrice == Σ(SalePrice × Quantity)，与状态无关。
func (o *Order) CheckTotal() error {
	want, err := ItemsTotal(o.Items)
	if err != nil {
		return fmt.Errorf("order %s: %w", o.ID, err)
	}
	if want != o.TotalPrice {
		return fmt.Errorf("order %s total_price %d does not match items total %d", o.ID, o.TotalPrice, want)
	}
	return nil
}

// ValidateItems 校验订单行本身的字段约束。
func ValidateItems(items []OrderItem) error {
	if len(items) == 0 {
		return fmt.Errorf("order_items must not be empty")
	}
	for i, it := range items {
		if it.ProductID == "" {
			return fmt.Errorf("order_items[%d].product_id is required", i)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("order_items[%d].quantity must be > 0", i)
		}
		if it.SalePrice < 0 {
			return fmt.Errorf("order_items[%d].sale_price must be >= 0", i)
		}
	}
	_, err := ItemsTotal(items)
	return err
}

// ItemEdit 后台对单个订单行的价格/数量更正。
type ItemEdit struct {
	ItemID    uint  `json:"id" binding:"required,min=1"`
	SalePrice int64 `json:"sale_price" binding:"min=0"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

// Validate 做最小字段校验。
func (e ItemEdit) Validate() error {
	if e.ItemID == 0 {
		return fmt.Errorf("item id is required")
	}
	if e.Quantity <= 0 {
		return fmt.Errorf("quantity must be > 0")
	}
	if e.SalePrice < 0 {
		return fmt.Errorf("sale_price must be >= 0")
	}
	return nil
}
