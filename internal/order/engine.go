package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"coffee_core/internal/apperr"
	"coffee_core/internal/loyalty"
	"coffee_core/internal/metrics"
	"coffee_core/internal/model"
	"coffee_core/internal/queue"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store 订单状态机依赖的持久化能力。
type Store interface {
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	CreateOrder(ctx context.Context, o *model.Order) error
	CompareAndSetStatus(ctx context.Context, id string, from, to model.OrderStatus) (bool, error)
	ReplaceItemPrices(ctx context.Context, id string, edits []model.ItemEdit) (*model.Order, error)
	DeleteOrder(ctx context.Context, id string) error
	AppendAudit(ctx context.Context, a *model.TransitionAudit) error
	EnsureMember(ctx context.Context, id string) error
}

// RewardIssuer 购买确认奖励。
type RewardIssuer interface {
	IssuePurchaseReward(ctx context.Context, o *model.Order) (*model.PointLedgerEntry, bool, error)
}

// GradeReconciler 提交后的同步等级对账（可选）。
type GradeReconciler interface {
	Reconcile(ctx context.Context, memberID string) (loyalty.ReconcileResult, error)
}

// EventPublisher 订单事件出口（Redis Stream outbox）。
type EventPublisher interface {
	Publish(ctx context.Context, ev queue.OrderEvent) error
}

// TransitionResult 一次状态变更的结果。副作用失败不会回滚状态，只记录在 Warnings 中。
type TransitionResult struct {
	Order    *model.Order            `json:"order"`
	From     model.OrderStatus       `json:"from"`
	To       model.OrderStatus       `json:"to"`
	Changed  bool                    `json:"changed"`
	Reward   *model.PointLedgerEntry `json:"reward,omitempty"`
	Grade    *model.Grade            `json:"grade,omitempty"`
	Warnings []string                `json:"warnings,omitempty"`
}

// Engine 订单状态机。
type Engine struct {
	store   Store
	rewards RewardIssuer
	grades  GradeReconciler
	events  EventPublisher
	log     *zap.Logger
}

func NewEngine(st Store, rewards RewardIssuer, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: st, rewards: rewards, log: log}
}

// WithEvents 每次提交后把事件写入 outbox。
func (e *Engine) WithEvents(p EventPublisher) *Engine {
	e.events = p
	return e
}

// WithSyncReconcile 每次提交后立即对账会员等级。
func (e *Engine) WithSyncReconcile(r GradeReconciler) *Engine {
	e.grades = r
	return e
}

// Get 读取订单；会员只能读自己的订单。
func (e *Engine) Get(ctx context.Context, id string, actor model.Actor) (*model.Order, error) {
	o, err := e.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := CheckActor(o, actor); err != nil {
		return nil, err
	}
	return o, nil
}

// CheckTransition 只做校验不写入，供批量严格模式预检。
func (e *Engine) CheckTransition(ctx context.Context, id string, target model.OrderStatus, actor model.Actor) error {
	o, err := e.Get(ctx, id, actor)
	if err != nil {
		return err
	}
	if err := o.CheckTotal(); err != nil {
		return apperr.Validation("%s", err.Error())
	}
	return Guard(o.Status, target, actor)
}

// Transition 读取 → 守卫 → CAS 提交 → 副作用。
// 目标与当前状态相同时不写入，也不会重复发放奖励。
func (e *Engine) Transition(ctx context.Context, id string, target model.OrderStatus, actor model.Actor) (*TransitionResult, error) {
	if !target.Valid() {
		return nil, apperr.Validation("unknown order status %q", target)
	}
	o, err := e.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if err := o.CheckTotal(); err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}

	from := o.Status
	if from == target {
		return e.unchanged(ctx, o), nil
	}

	if err := Guard(from, target, actor); err != nil {
		return nil, err
	}

	ok, err := e.store.CompareAndSetStatus(ctx, id, from, target)
	if err != nil {
		return nil, err
	}
	if !ok {
		// 并发的同目标请求（如重复点击确认）先写成功时，本次视为同状态请求。
		cur, err := e.store.GetOrder(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.Status == target {
			return e.unchanged(ctx, cur), nil
		}
		return nil, apperr.Conflict("order %s changed concurrently, expected %s", id, from)
	}
	res := &TransitionResult{Order: o, From: from, To: target}
	o.Status = target
	res.Changed = true

	metrics.RecordTransition(string(from), string(target), string(actor.Role))
	e.log.Info("order status changed",
		zap.String("order_id", id),
		zap.String("member_id", o.MemberID),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
		zap.String("actor", actor.String()))

	if actor.IsAdmin() && !model.IsForward(from, target) {
		e.audit(ctx, o, from, actor, res)
	}
	if target == model.StatusPurchaseCompleted {
		e.issueReward(ctx, o, res)
	}
	e.publish(ctx, o, from, actor, res)
	e.reconcile(ctx, o, res)
	return res, nil
}

// unchanged 订单已处于目标状态：不写入；已确认收货时补发一次幂等奖励。
func (e *Engine) unchanged(ctx context.Context, o *model.Order) *TransitionResult {
	res := &TransitionResult{Order: o, From: o.Status, To: o.Status}
	if o.Status == model.StatusPurchaseCompleted {
		// 之前的奖励发放若失败，这里补发；已发放则只是读回同一条流水。
		e.issueReward(ctx, o, res)
	}
	return res
}

func (e *Engine) audit(ctx context.Context, o *model.Order, from model.OrderStatus, actor model.Actor, res *TransitionResult) {
	e.log.Warn("non-forward admin transition",
		zap.String("order_id", o.ID),
		zap.String("from", string(from)),
		zap.String("to", string(o.Status)),
		zap.String("actor", actor.String()))
	err := e.store.AppendAudit(ctx, &model.TransitionAudit{
		OrderID:    o.ID,
		FromStatus: from,
		ToStatus:   o.Status,
		Actor:      actor.String(),
	})
	if err != nil {
		e.warn(res, "audit", o, err)
	}
}

func (e *Engine) issueReward(ctx context.Context, o *model.Order, res *TransitionResult) {
	if e.rewards == nil {
		return
	}
	entry, _, err := e.rewards.IssuePurchaseReward(ctx, o)
	if err != nil {
		e.warn(res, "purchase reward", o, err)
		return
	}
	res.Reward = entry
}

func (e *Engine) publish(ctx context.Context, o *model.Order, from model.OrderStatus, actor model.Actor, res *TransitionResult) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(ctx, queue.NewOrderEvent(o, from, actor.String())); err != nil {
		e.warn(res, "publish order event", o, err)
	}
}

func (e *Engine) reconcile(ctx context.Context, o *model.Order, res *TransitionResult) {
	if e.grades == nil {
		return
	}
	rr, err := e.grades.Reconcile(ctx, o.MemberID)
	if err != nil {
		e.warn(res, "grade reconcile", o, err)
		return
	}
	g := rr.Grade
	res.Grade = &g
}

func (e *Engine) warn(res *TransitionResult, step string, o *model.Order, err error) {
	res.Warnings = append(res.Warnings, fmt.Sprintf("%s failed: %s", step, apperr.Message(err)))
	e.log.Warn("order side effect failed",
		zap.String("step", step),
		zap.String("order_id", o.ID),
		zap.String("member_id", o.MemberID),
		zap.Error(err))
}

// CheckEdit 只做校验不写入。
func (e *Engine) CheckEdit(ctx context.Context, id string, edits []model.ItemEdit, actor model.Actor) error {
	if !actor.IsAdmin() {
		return apperr.InvalidTransition("only admins can edit order items")
	}
	if err := validateEdits(edits); err != nil {
		return err
	}
	o, err := e.store.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	known := make(map[uint]bool, len(o.Items))
	for _, it := range o.Items {
		known[it.ID] = true
	}
	for _, ed := range edits {
		if !known[ed.ItemID] {
			return apperr.NotFound("order item %d not found in order %s", ed.ItemID, id)
		}
	}
	return nil
}

// EditItems 后台更正订单行单价/数量，并重新计算 total_price。
func (e *Engine) EditItems(ctx context.Context, id string, edits []model.ItemEdit, actor model.Actor) (*model.Order, error) {
	if !actor.IsAdmin() {
		return nil, apperr.InvalidTransition("only admins can edit order items")
	}
	if err := validateEdits(edits); err != nil {
		return nil, err
	}
	o, err := e.store.ReplaceItemPrices(ctx, id, edits)
	if err != nil {
		return nil, err
	}
	e.log.Info("order items edited",
		zap.String("order_id", id),
		zap.Int("items", len(edits)),
		zap.Int64("total_price", o.TotalPrice),
		zap.String("actor", actor.String()))
	if e.grades != nil && loyalty.CountsTowardSpend(o.Status) {
		if _, err := e.grades.Reconcile(ctx, o.MemberID); err != nil {
			e.log.Warn("grade reconcile after edit failed", zap.String("order_id", id), zap.Error(err))
		}
	}
	return o, nil
}

func validateEdits(edits []model.ItemEdit) error {
	if len(edits) == 0 {
		return apperr.Validation("at least one item edit is required")
	}
	seen := make(map[uint]bool, len(edits))
	for i, ed := range edits {
		if err := ed.Validate(); err != nil {
			return apperr.Validation("edits[%d]: %s", i, err.Error())
		}
		if seen[ed.ItemID] {
			return apperr.Validation("item %d edited twice", ed.ItemID)
		}
		seen[ed.ItemID] = true
	}
	return nil
}

// Delete 后台硬删除订单，不经过状态机。
func (e *Engine) Delete(ctx context.Context, id string, actor model.Actor) error {
	if !actor.IsAdmin() {
		return apperr.InvalidTransition("only admins can delete orders")
	}
	o, err := e.store.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if err := e.store.DeleteOrder(ctx, id); err != nil {
		return err
	}
	e.log.Warn("order deleted",
		zap.String("order_id", id),
		zap.String("member_id", o.MemberID),
		zap.String("status", string(o.Status)),
		zap.String("actor", actor.String()))
	if e.grades != nil {
		if _, err := e.grades.Reconcile(ctx, o.MemberID); err != nil {
			e.log.Warn("grade reconcile after delete failed", zap.String("order_id", id), zap.Error(err))
		}
	}
	return nil
}

// Create 结账方建单入口：状态固定为 PENDING_PAYMENT，total_price 必须等于订单行合计。
// 会员记录不存在时自动登记为 SILVER。
func (e *Engine) Create(ctx context.Context, o *model.Order) (*model.Order, error) {
	if strings.TrimSpace(o.MemberID) == "" {
		return nil, apperr.Validation("member_id is required")
	}
	if err := model.ValidateItems(o.Items); err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	if err := o.CheckTotal(); err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	if o.UsedPoint < 0 || o.UsedPoint > o.TotalPrice {
		return nil, apperr.Validation("used_point must be between 0 and total_price")
	}
	if strings.TrimSpace(o.ID) == "" {
		o.ID = uuid.NewString()
	}
	o.Status = model.StatusPendingPayment
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	for i := range o.Items {
		o.Items[i].ID = 0
		o.Items[i].OrderID = o.ID
	}

	if err := e.store.EnsureMember(ctx, o.MemberID); err != nil {
		return nil, err
	}
	if err := e.store.CreateOrder(ctx, o); err != nil {
		return nil, err
	}
	e.log.Info("order created",
		zap.String("order_id", o.ID),
		zap.String("member_id", o.MemberID),
		zap.Int64("total_price", o.TotalPrice))
	return o, nil
}
