package loyalty

import (
	"context"

	"coffee_core/internal/apperr"
	"coffee_core/internal/metrics"
	"coffee_core/internal/model"

	"go.uber.org/zap"
)

// MemberRepo 会员存储。
type MemberRepo interface {
	GetMember(ctx context.Context, id string) (*model.Member, error)
	CompareAndSetGrade(ctx context.Context, id string, expected, next model.Grade) (bool, error)
	ListActiveMemberIDs(ctx context.Context, afterID string, limit int) ([]string, error)
}

// ReconcileResult 一次对账的结果。
type ReconcileResult struct {
	MemberID   string      `json:"member_id"`
	Previous   model.Grade `json:"previous_grade"`
	Grade      model.Grade `json:"grade"`
	ValidSpend int64       `json:"valid_spend"`
	Changed    bool        `json:"changed"`
}

// SweepReport 全量对账统计。
type SweepReport struct {
	Checked int `json:"checked"`
	Changed int `json:"changed"`
	Failed  int `json:"failed"`
}

// Reconciler 比较存储等级与有效消费推导出的等级，并以 CAS 方式纠正。
// 可以在任何时刻、任意并发地重复调用：已一致时不产生写入。
type Reconciler struct {
	members    MemberRepo
	spend      *Aggregator
	thresholds Thresholds
	log        *zap.Logger

	sweepPageSize int
}

func NewReconciler(members MemberRepo, spend *Aggregator, thresholds Thresholds, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		members:       members,
		spend:         spend,
		thresholds:    thresholds,
		log:           log,
		sweepPageSize: 200,
	}
}

// Thresholds 当前生效的门槛表。
func (r *Reconciler) Thresholds() Thresholds { return r.thresholds }

// Reconcile 计算期望等级，不一致时写一次；CAS 失败自动重读重试一次，仍失败返回 ConflictError。
func (r *Reconciler) Reconcile(ctx context.Context, memberID string) (ReconcileResult, error) {
	const attempts = 2
	for i := 0; i < attempts; i++ {
		m, err := r.members.GetMember(ctx, memberID)
		if err != nil {
			return ReconcileResult{}, err
		}
		spend, err := r.spend.ComputeValidSpend(ctx, memberID)
		if err != nil {
			return ReconcileResult{}, err
		}
		expected := r.thresholds.GradeFor(spend)
		res := ReconcileResult{
			MemberID:   memberID,
			Previous:   m.Grade,
			Grade:      m.Grade,
			ValidSpend: spend,
		}
		if m.Grade == expected {
			return res, nil
		}

		ok, err := r.members.CompareAndSetGrade(ctx, memberID, m.Grade, expected)
		if err != nil {
			return ReconcileResult{}, err
		}
		if ok {
			res.Grade = expected
			res.Changed = true
			metrics.RecordGradeChange(string(expected))
			r.log.Info("member grade reconciled",
				zap.String("member_id", memberID),
				zap.String("from", string(m.Grade)),
				zap.String("to", string(expected)),
				zap.Int64("valid_spend", spend))
			return res, nil
		}
		metrics.RecordReconcileConflict()
		r.log.Warn("grade compare-and-set lost a race",
			zap.String("member_id", memberID),
			zap.Int("attempt", i+1))
	}
	return ReconcileResult{}, apperr.Conflict("grade of member %s changed concurrently", memberID)
}

// ReconcileAll 分页遍历所有活跃会员逐一对账；单个会员失败不影响其余会员。
func (r *Reconciler) ReconcileAll(ctx context.Context) (SweepReport, error) {
	var (
		report SweepReport
		after  string
	)
	for {
		ids, err := r.members.ListActiveMemberIDs(ctx, after, r.sweepPageSize)
		if err != nil {
			return report, err
		}
		if len(ids) == 0 {
			return report, nil
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Checked++
			res, err := r.Reconcile(ctx, id)
			if err != nil {
				report.Failed++
				r.log.Warn("reconcile member failed", zap.String("member_id", id), zap.Error(err))
				continue
			}
			if res.Changed {
				report.Changed++
			}
		}
		after = ids[len(ids)-1]
	}
}

// BalanceReader 余额查询能力。
type BalanceReader interface {
	Balance(ctx context.Context, memberID string) (int64, error)
}

// MemberSummary 我的页面所需的会员概要。
type MemberSummary struct {
	MemberID    string       `json:"member_id"`
	Grade       model.Grade  `json:"grade"`
	ValidSpend  int64        `json:"valid_spend"`
	Balance     int64        `json:"point_balance"`
	NextGrade   *model.Grade `json:"next_grade,omitempty"`
	SpendToNext int64        `json:"spend_to_next_grade"`
}

// Summary 先对账再汇总等级、有效消费、积分余额与距下一档的差额。
func (r *Reconciler) Summary(ctx context.Context, memberID string, points BalanceReader) (MemberSummary, error) {
	res, err := r.Reconcile(ctx, memberID)
	if err != nil {
		return MemberSummary{}, err
	}
	bal, err := points.Balance(ctx, memberID)
	if err != nil {
		return MemberSummary{}, err
	}
	out := MemberSummary{
		MemberID:   memberID,
		Grade:      res.Grade,
		ValidSpend: res.ValidSpend,
		Balance:    bal,
	}
	if next, ok := r.thresholds.Next(res.ValidSpend); ok {
		g := next.Grade
		out.NextGrade = &g
		out.SpendToNext = next.MinSpend - res.ValidSpend
	}
	return out, nil
}
