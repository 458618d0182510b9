package loyalty

import (
	"context"
	"fmt"
	"strings"

	"coffee_core/internal/apperr"
	"coffee_core/internal/metrics"
	"coffee_core/internal/model"

	"go.uber.org/zap"
)

// DefaultRewardRateBP 购买确认奖励比例，单位万分之一（100 = 1%）。
const DefaultRewardRateBP int64 = 100

// PurchaseRewardReason 购买确认奖励的流水原因。
const PurchaseRewardReason = "구매확정 적립"

// PurchaseRewardAmount = ceil(totalPrice × rateBP / 10000)，全程整数运算。
// 先按 10000 拆分 totalPrice，避免 totalPrice×rateBP 溢出；rateBP 上限为 10000。
func PurchaseRewardAmount(totalPrice, rateBP int64) int64 {
	if totalPrice <= 0 || rateBP <= 0 {
		return 0
	}
	if rateBP > 10000 {
		rateBP = 10000
	}
	q, r := totalPrice/10000, totalPrice%10000
	return q*rateBP + (r*rateBP+9999)/10000
}

// PurchaseRewardKey 每个订单唯一的奖励幂等键。
func PurchaseRewardKey(orderID string) string {
	return "purchase-confirm:" + orderID
}

func grantAllKey(campaignID, memberID string) string {
	return "grant-all:" + campaignID + ":" + memberID
}

// GrantFailure 单个会员的发放失败。
type GrantFailure struct {
	MemberID string      `json:"member_id"`
	Kind     apperr.Kind `json:"kind"`
	Error    string      `json:"error"`
}

// BulkGrantReport 全员发放结果。
type BulkGrantReport struct {
	SuccessCount   int            `json:"success_count"`
	AlreadyGranted int            `json:"already_granted"`
	Failures       []GrantFailure `json:"failures"`
}

// MemberLister 分页列出活跃会员。
type MemberLister interface {
	ListActiveMemberIDs(ctx context.Context, afterID string, limit int) ([]string, error)
}

// RewardIssuer 由状态变更或后台操作触发的积分发放。
type RewardIssuer struct {
	points  *Points
	members MemberLister
	rateBP  int64
	log     *zap.Logger

	pageSize int
}

func NewRewardIssuer(points *Points, members MemberLister, rateBP int64, log *zap.Logger) *RewardIssuer {
	if log == nil {
		log = zap.NewNop()
	}
	if rateBP <= 0 {
		rateBP = DefaultRewardRateBP
	}
	return &RewardIssuer{points: points, members: members, rateBP: rateBP, log: log, pageSize: 200}
}

// IssuePurchaseReward 为进入 PURCHASE_COMPLETED 的订单发放奖励。
// 幂等键保证每个订单至多一条奖励流水；重复调用返回已有流水且 created=false。
// 奖励为 0（例如 0 元订单）时不写流水，返回 nil。
func (r *RewardIssuer) IssuePurchaseReward(ctx context.Context, o *model.Order) (*model.PointLedgerEntry, bool, error) {
	amount := PurchaseRewardAmount(o.TotalPrice, r.rateBP)
	if amount <= 0 {
		return nil, false, nil
	}
	reason := fmt.Sprintf("%s (주문 %s)", PurchaseRewardReason, o.ID)
	e, created, err := r.points.appendKeyed(ctx, o.MemberID, amount, reason, PurchaseRewardKey(o.ID))
	if err != nil {
		return nil, false, err
	}
	if created {
		metrics.RecordPurchaseReward(amount)
		r.log.Info("purchase reward issued",
			zap.String("order_id", o.ID),
			zap.String("member_id", o.MemberID),
			zap.Int64("points", amount))
	}
	return e, created, nil
}

// GrantToAll 给每个活跃会员发放积分。单个会员失败只记录不中断；
// campaignID 非空时同一活动重复执行不会重复发放。
// ctx 取消后停止，已发放的不回滚，返回已有报告与 ctx 错误。
func (r *RewardIssuer) GrantToAll(ctx context.Context, amount int64, reason, campaignID string) (BulkGrantReport, error) {
	report := BulkGrantReport{Failures: []GrantFailure{}}
	if amount <= 0 {
		return report, apperr.Validation("grant amount must be > 0")
	}
	if strings.TrimSpace(reason) == "" {
		return report, apperr.Validation("reason is required")
	}
	campaignID = strings.TrimSpace(campaignID)

	var after string
	for {
		ids, err := r.members.ListActiveMemberIDs(ctx, after, r.pageSize)
		if err != nil {
			return report, err
		}
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			key := ""
			if campaignID != "" {
				key = grantAllKey(campaignID, id)
			}
			_, created, err := r.points.grant(ctx, id, amount, reason, key, "grant_all")
			switch {
			case err != nil:
				report.Failures = append(report.Failures, GrantFailure{
					MemberID: id,
					Kind:     apperr.KindOf(err),
					Error:    apperr.Message(err),
				})
				r.log.Warn("grant-all member failed", zap.String("member_id", id), zap.Error(err))
			case created:
				report.SuccessCount++
			default:
				report.AlreadyGranted++
			}
		}
		after = ids[len(ids)-1]
	}
	r.log.Info("grant-all finished",
		zap.Int("succeeded", report.SuccessCount),
		zap.Int("already_granted", report.AlreadyGranted),
		zap.Int("failed", len(report.Failures)),
		zap.Int64("amount", amount))
	return report, nil
}
