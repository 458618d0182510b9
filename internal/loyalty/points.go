package loyalty

import (
	"context"
	"strings"

	"coffee_core/internal/apperr"
	"coffee_core/internal/metrics"
	"coffee_core/internal/model"

	"go.uber.org/zap"
)

// LedgerRepo 积分流水存储。
type LedgerRepo interface {
	AppendEntry(ctx context.Context, e *model.PointLedgerEntry) (*model.PointLedgerEntry, bool, error)
	AppendEntryIfBalance(ctx context.Context, e *model.PointLedgerEntry, minBalance int64) (*model.PointLedgerEntry, bool, error)
	SumAmount(ctx context.Context, memberID string) (int64, error)
	ListEntries(ctx context.Context, memberID string, page, limit int) ([]model.PointLedgerEntry, int64, error)
}

// MemberLookup 只读会员查询。
type MemberLookup interface {
	GetMember(ctx context.Context, id string) (*model.Member, error)
}

// Locker 会员级互斥锁（多实例部署时由 Redis 提供）。拿不到锁返回 ConflictError。
type Locker interface {
	Lock(ctx context.Context, memberID string) (unlock func(), err error)
}

// HistoryPage 积分流水分页结果。
type HistoryPage struct {
	Items []model.PointLedgerEntry `json:"items"`
	Page  int                      `json:"page"`
	Limit int                      `json:"limit"`
	Total int64                    `json:"total"`
}

const maxHistoryPageSize = 100

// Points 积分账本服务。余额只由流水求和得到。
type Points struct {
	ledger  LedgerRepo
	members MemberLookup
	locker  Locker
	log     *zap.Logger
}

// NewPoints locker 可为 nil（单实例部署时账本写入已由存储串行化）。
func NewPoints(ledger LedgerRepo, members MemberLookup, locker Locker, log *zap.Logger) *Points {
	if log == nil {
		log = zap.NewNop()
	}
	return &Points{ledger: ledger, members: members, locker: locker, log: log}
}

// Grant 显式发放积分：amount 必须 > 0，会员必须存在。
func (p *Points) Grant(ctx context.Context, memberID string, amount int64, reason string) (*model.PointLedgerEntry, error) {
	e, _, err := p.grant(ctx, memberID, amount, reason, "", "manual")
	return e, err
}

// grant 供 Grant / GrantToAll 共用；key 非空时按幂等键去重。
func (p *Points) grant(ctx context.Context, memberID string, amount int64, reason, key, source string) (*model.PointLedgerEntry, bool, error) {
	if err := validateEntry(memberID, amount, reason); err != nil {
		return nil, false, err
	}
	if amount <= 0 {
		return nil, false, apperr.Validation("grant amount must be > 0")
	}
	if _, err := p.members.GetMember(ctx, memberID); err != nil {
		return nil, false, err
	}
	e, created, err := p.append(ctx, newEntry(memberID, amount, reason, key), nil)
	if err != nil {
		return nil, false, err
	}
	if created {
		metrics.RecordGrant(source, amount)
	}
	return e, created, nil
}

// Redeem 消耗积分（结账抵扣等调用方使用），写入负数流水；余额不足返回 ValidationError。
func (p *Points) Redeem(ctx context.Context, memberID string, amount int64, reason, key string) (*model.PointLedgerEntry, error) {
	if err := validateEntry(memberID, amount, reason); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, apperr.Validation("redeem amount must be > 0")
	}
	need := amount
	e, _, err := p.append(ctx, newEntry(memberID, -amount, reason, key), &need)
	return e, err
}

// appendKeyed 直接按幂等键追加（购买确认奖励），不要求会员表中已有记录。
func (p *Points) appendKeyed(ctx context.Context, memberID string, amount int64, reason, key string) (*model.PointLedgerEntry, bool, error) {
	if err := validateEntry(memberID, amount, reason); err != nil {
		return nil, false, err
	}
	return p.append(ctx, newEntry(memberID, amount, reason, key), nil)
}

func (p *Points) append(ctx context.Context, e *model.PointLedgerEntry, minBalance *int64) (*model.PointLedgerEntry, bool, error) {
	if p.locker != nil {
		unlock, err := p.locker.Lock(ctx, e.MemberID)
		if err != nil {
			return nil, false, err
		}
		defer unlock()
	}
	if minBalance != nil {
		return p.ledger.AppendEntryIfBalance(ctx, e, *minBalance)
	}
	return p.ledger.AppendEntry(ctx, e)
}

// Balance 余额 = Σ amount。
func (p *Points) Balance(ctx context.Context, memberID string) (int64, error) {
	if strings.TrimSpace(memberID) == "" {
		return 0, apperr.Validation("member id is required")
	}
	return p.ledger.SumAmount(ctx, memberID)
}

// History 按时间倒序分页，page 从 1 开始。
func (p *Points) History(ctx context.Context, memberID string, page, pageSize int) (HistoryPage, error) {
	if strings.TrimSpace(memberID) == "" {
		return HistoryPage{}, apperr.Validation("member id is required")
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > maxHistoryPageSize {
		pageSize = maxHistoryPageSize
	}
	items, total, err := p.ledger.ListEntries(ctx, memberID, page, pageSize)
	if err != nil {
		return HistoryPage{}, err
	}
	if items == nil {
		items = []model.PointLedgerEntry{}
	}
	return HistoryPage{Items: items, Page: page, Limit: pageSize, Total: total}, nil
}

func validateEntry(memberID string, amount int64, reason string) error {
	if strings.TrimSpace(memberID) == "" {
		return apperr.Validation("member id is required")
	}
	if amount == 0 {
		return apperr.Validation("amount must be a nonzero integer")
	}
	if strings.TrimSpace(reason) == "" {
		return apperr.Validation("reason is required")
	}
	return nil
}

func newEntry(memberID string, amount int64, reason, key string) *model.PointLedgerEntry {
	e := &model.PointLedgerEntry{
		MemberID: memberID,
		Amount:   amount,
		Reason:   strings.TrimSpace(reason),
	}
	if key != "" {
		k := key
		e.IdempotencyKey = &k
	}
	return e
}
