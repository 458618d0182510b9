package loyalty

import (
	"context"
	"strings"

	"coffee_core/internal/apperr"
	"coffee_core/internal/model"
)

// excludedFromSpend 唯一的“无效消费”状态表，所有调用方共享。
var excludedFromSpend = []model.OrderStatus{
	model.StatusCancelled,
	model.StatusReturned,
}

// CountsTowardSpend 订单在该状态下是否计入有效消费。
func CountsTowardSpend(s model.OrderStatus) bool {
	for _, ex := range excludedFromSpend {
		if s == ex {
			return false
		}
	}
	return true
}

// ExcludedFromSpend 返回排除状态的副本，供存储层拼装查询。
func ExcludedFromSpend() []model.OrderStatus {
	out := make([]model.OrderStatus, len(excludedFromSpend))
	copy(out, excludedFromSpend)
	return out
}

// SumValidSpend 对内存中的订单列表按同一谓词求和。
func SumValidSpend(orders []model.Order) int64 {
	var sum int64
	for _, o := range orders {
		if CountsTowardSpend(o.Status) {
			sum += o.TotalPrice
		}
	}
	return sum
}

// SpendSource 订单存储提供的聚合能力。
type SpendSource interface {
	SumTotalPrice(ctx context.Context, memberID string, excluded []model.OrderStatus) (int64, error)
}

// Aggregator 计算会员的累计有效消费。
type Aggregator struct {
	src SpendSource
}

func NewAggregator(src SpendSource) *Aggregator {
	return &Aggregator{src: src}
}

// ComputeValidSpend 汇总会员所有非取消/非退货订单的 total_price。
func (a *Aggregator) ComputeValidSpend(ctx context.Context, memberID string) (int64, error) {
	if strings.TrimSpace(memberID) == "" {
		return 0, apperr.Validation("member id is required")
	}
	return a.src.SumTotalPrice(ctx, memberID, ExcludedFromSpend())
}
