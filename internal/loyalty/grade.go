// Package loyalty 实现会员等级与积分：有效消费汇总、等级对账、积分账本与奖励发放。
package loyalty

import (
	"fmt"
	"sort"

	"coffee_core/internal/model"
)

// Tier 一档等级及其最低有效消费额。
type Tier struct {
	Grade    model.Grade
	MinSpend int64
}

// Thresholds 等级门槛表，可通过配置替换。
type Thresholds []Tier

// DefaultThresholds: ≥300,000 VIP，≥100,000 GOLD，其余 SILVER。
func DefaultThresholds() Thresholds {
	return NewThresholds(100000, 300000)
}

// NewThresholds 由 GOLD/VIP 两个门槛构造三档表。
func NewThresholds(goldMin, vipMin int64) Thresholds {
	return Thresholds{
		{Grade: model.GradeSilver, MinSpend: 0},
		{Grade: model.GradeGold, MinSpend: goldMin},
		{Grade: model.GradeVIP, MinSpend: vipMin},
	}
}

// Validate 要求：存在 0 起点档位，门槛严格递增，等级不重复。
func (t Thresholds) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("grade thresholds must not be empty")
	}
	sorted := t.sorted()
	if sorted[0].MinSpend != 0 {
		return fmt.Errorf("lowest grade threshold must start at 0, got %d", sorted[0].MinSpend)
	}
	seen := make(map[model.Grade]bool, len(sorted))
	for i, tier := range sorted {
		if !tier.Grade.Valid() {
			return fmt.Errorf("unknown grade %q in thresholds", tier.Grade)
		}
		if seen[tier.Grade] {
			return fmt.Errorf("grade %s listed twice", tier.Grade)
		}
		seen[tier.Grade] = true
		if i > 0 && tier.MinSpend <= sorted[i-1].MinSpend {
			return fmt.Errorf("threshold for %s must be greater than %s", tier.Grade, sorted[i-1].Grade)
		}
	}
	return nil
}

func (t Thresholds) sorted() Thresholds {
	out := make(Thresholds, len(t))
	copy(out, t)
	sort.SliceStable(out, func(i, j int) bool { return out[i].MinSpend < out[j].MinSpend })
	return out
}

// GradeFor 返回消费额对应的等级，随 spend 单调不减。
func (t Thresholds) GradeFor(spend int64) model.Grade {
	sorted := t.sorted()
	grade := sorted[0].Grade
	for _, tier := range sorted {
		if spend >= tier.MinSpend {
			grade = tier.Grade
		}
	}
	return grade
}

// Next 返回高于当前消费额的下一档；已在最高档时 ok=false。
func (t Thresholds) Next(spend int64) (Tier, bool) {
	for _, tier := range t.sorted() {
		if tier.MinSpend > spend {
			return tier, true
		}
	}
	return Tier{}, false
}
