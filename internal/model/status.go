package model

import (
	"fmt"
	"strings"
)

// OrderStatus 订单履约状态机中的状态。
type OrderStatus string

const (
	StatusPendingPayment    OrderStatus = "PENDING_PAYMENT"    // 待支付（结账方建单时的初始状态）
	StatusPaymentCompleted  OrderStatus = "PAYMENT_COMPLETED"  // 已支付
	StatusPreparing         OrderStatus = "PREPARING"          // 备货中
	StatusShipping          OrderStatus = "SHIPPING"           // 配送中
	StatusDelivered         OrderStatus = "DELIVERED"          // 已送达
	StatusPurchaseCompleted OrderStatus = "PURCHASE_COMPLETED" // 确认收货，触发积分发放
	StatusReturnRequested   OrderStatus = "RETURN_REQUESTED"   // 会员已申请退货，待后台处理
	StatusReturned          OrderStatus = "RETURNED"           // 已退货（终态）
	StatusCancelled         OrderStatus = "CANCELLED"          // 已取消（终态）
)

// AllStatuses 按履约顺序列出全部状态。
var AllStatuses = []OrderStatus{
	StatusPendingPayment,
	StatusPaymentCompleted,
	StatusPreparing,
	StatusShipping,
	StatusDelivered,
	StatusPurchaseCompleted,
	StatusReturnRequested,
	StatusReturned,
	StatusCancelled,
}

// rank 给出状态在正向流程中的位置，用于判断一次变更是否“前进”。
var rank = map[OrderStatus]int{
	StatusPendingPayment:    0,
	StatusPaymentCompleted:  1,
	StatusPreparing:         2,
	StatusShipping:          3,
	StatusDelivered:         4,
	StatusPurchaseCompleted: 5,
	StatusReturnRequested:   5,
	StatusReturned:          6,
	StatusCancelled:         6,
}

// Valid reports whether s is one of the defined statuses.
func (s OrderStatus) Valid() bool {
	_, ok := rank[s]
	return ok
}

// Terminal 终态：取消与退货之后不再流转。
func (s OrderStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusReturned
}

// IsForward 判断 from → to 是否沿正向流程推进（或进入终态）。
// 从终态离开、或倒退到更早的阶段，都属于非正向变更。
func IsForward(from, to OrderStatus) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	if to.Terminal() {
		return true
	}
	return rank[to] > rank[from]
}

// ParseOrderStatus 解析外部输入，大小写与首尾空白不敏感。
func ParseOrderStatus(v string) (OrderStatus, error) {
	s := OrderStatus(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown order status %q", v)
	}
	return s, nil
}
