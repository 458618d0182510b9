// Package bulk 对一组订单逐个执行同一操作，并汇总每个订单的成败。
package bulk

import (
	"context"
	"sort"
	"strings"

	"coffee_core/internal/apperr"
	"coffee_core/internal/metrics"
	"coffee_core/internal/model"
	"coffee_core/internal/order"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Executor 批量操作落到单个订单上的能力，由 order.Engine 实现。
type Executor interface {
	Transition(ctx context.Context, id string, target model.OrderStatus, actor model.Actor) (*order.TransitionResult, error)
	CheckTransition(ctx context.Context, id string, target model.OrderStatus, actor model.Actor) error
	EditItems(ctx context.Context, id string, edits []model.ItemEdit, actor model.Actor) (*model.Order, error)
	CheckEdit(ctx context.Context, id string, edits []model.ItemEdit, actor model.Actor) error
}

// Operation 可批量执行的操作。
type Operation interface {
	Name() string
	check(ctx context.Context, ex Executor, id string) error
	apply(ctx context.Context, ex Executor, id string) (warnings []string, err error)
}

// StatusOperation 批量改状态。
type StatusOperation struct {
	Target model.OrderStatus
	Actor  model.Actor
}

func (StatusOperation) Name() string { return "status" }

func (op StatusOperation) check(ctx context.Context, ex Executor, id string) error {
	return ex.CheckTransition(ctx, id, op.Target, op.Actor)
}

func (op StatusOperation) apply(ctx context.Context, ex Executor, id string) ([]string, error) {
	res, err := ex.Transition(ctx, id, op.Target, op.Actor)
	if err != nil {
		return nil, err
	}
	return res.Warnings, nil
}

// EditOperation 批量改价，Edits 以订单 id 为键。
type EditOperation struct {
	Edits map[string][]model.ItemEdit
	Actor model.Actor
}

func (EditOperation) Name() string { return "edit" }

// IDs 按订单 id 排好序的编辑目标，供调用方直接作为 Apply 的 ids。
func (op EditOperation) IDs() []string {
	ids := make([]string, 0, len(op.Edits))
	for id := range op.Edits {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (op EditOperation) edits(id string) ([]model.ItemEdit, error) {
	edits, ok := op.Edits[id]
	if !ok || len(edits) == 0 {
		return nil, apperr.Validation("no item edits supplied for order %s", id)
	}
	return edits, nil
}

func (op EditOperation) check(ctx context.Context, ex Executor, id string) error {
	edits, err := op.edits(id)
	if err != nil {
		return err
	}
	return ex.CheckEdit(ctx, id, edits, op.Actor)
}

func (op EditOperation) apply(ctx context.Context, ex Executor, id string) ([]string, error) {
	edits, err := op.edits(id)
	if err != nil {
		return nil, err
	}
	_, err = ex.EditItems(ctx, id, edits, op.Actor)
	return nil, err
}

// Options 批量执行模式。
type Options struct {
	// Strict 先预检全部订单，任一失败则一个都不写。
	// 预检与写入之间仍可能被并发修改，写入阶段的失败照常记入报告。
	Strict bool
	// Workers > 1 时并发执行，报告顺序与输入顺序一致。
	Workers int
}

// Failure 单个订单的失败原因。
type Failure struct {
	ID    string      `json:"id"`
	Kind  apperr.Kind `json:"kind"`
	Error string      `json:"error"`
}

// Report 批量执行结果。Skipped 为 ctx 取消后未尝试的订单。
type Report struct {
	Succeeded []string            `json:"succeeded"`
	Failed    []Failure           `json:"failed"`
	Skipped   []string            `json:"skipped"`
	Warnings  map[string][]string `json:"warnings,omitempty"`
	// Aborted 严格模式预检失败，未执行任何写入。
	Aborted bool `json:"aborted"`
}

// Coordinator 批量操作协调者。
type Coordinator struct {
	ex             Executor
	log            *zap.Logger
	defaultWorkers int
}

// NewCoordinator defaultWorkers 用于 Options.Workers 未指定的情况。
func NewCoordinator(ex Executor, defaultWorkers int, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	if defaultWorkers <= 0 {
		defaultWorkers = 1
	}
	return &Coordinator{ex: ex, log: log, defaultWorkers: defaultWorkers}
}

type outcome struct {
	attempted bool
	err       error
	warnings  []string
}

// Apply 对 ids 执行 op。单个订单失败不影响其他订单，也不做补偿。
func (c *Coordinator) Apply(ctx context.Context, ids []string, op Operation, opts Options) (Report, error) {
	report := Report{Succeeded: []string{}, Failed: []Failure{}, Skipped: []string{}}
	ids = dedupe(ids)
	if len(ids) == 0 {
		return report, apperr.Validation("at least one order id is required")
	}

	if opts.Strict {
		failed := c.precheck(ctx, ids, op)
		if len(failed) > 0 {
			report.Failed = failed
			report.Aborted = true
			c.log.Info("bulk strict precheck rejected batch",
				zap.String("operation", op.Name()),
				zap.Int("orders", len(ids)),
				zap.Int("failed", len(failed)))
			return report, nil
		}
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = c.defaultWorkers
	}
	outcomes := make([]outcome, len(ids))
	if workers == 1 {
		for i, id := range ids {
			if ctx.Err() != nil {
				break
			}
			outcomes[i] = c.applyOne(ctx, op, id)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(workers)
		for i, id := range ids {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				outcomes[i] = c.applyOne(ctx, op, id)
				return nil
			})
		}
		_ = g.Wait()
	}

	for i, id := range ids {
		out := outcomes[i]
		switch {
		case !out.attempted:
			report.Skipped = append(report.Skipped, id)
			metrics.RecordBulkItem(op.Name(), "skipped")
		case out.err != nil:
			report.Failed = append(report.Failed, toFailure(id, out.err))
			metrics.RecordBulkItem(op.Name(), "failed")
		default:
			report.Succeeded = append(report.Succeeded, id)
			metrics.RecordBulkItem(op.Name(), "succeeded")
			if len(out.warnings) > 0 {
				if report.Warnings == nil {
					report.Warnings = map[string][]string{}
				}
				report.Warnings[id] = out.warnings
			}
		}
	}

	c.log.Info("bulk operation finished",
		zap.String("operation", op.Name()),
		zap.Bool("strict", opts.Strict),
		zap.Int("workers", workers),
		zap.Int("succeeded", len(report.Succeeded)),
		zap.Int("failed", len(report.Failed)),
		zap.Int("skipped", len(report.Skipped)))
	return report, nil
}

func (c *Coordinator) applyOne(ctx context.Context, op Operation, id string) outcome {
	warnings, err := op.apply(ctx, c.ex, id)
	if err != nil {
		c.log.Warn("bulk item failed",
			zap.String("operation", op.Name()),
			zap.String("order_id", id),
			zap.Error(err))
	}
	return outcome{attempted: true, err: err, warnings: warnings}
}

func (c *Coordinator) precheck(ctx context.Context, ids []string, op Operation) []Failure {
	var failed []Failure
	for _, id := range ids {
		if err := op.check(ctx, c.ex, id); err != nil {
			failed = append(failed, toFailure(id, err))
		}
	}
	return failed
}

func toFailure(id string, err error) Failure {
	return Failure{ID: id, Kind: apperr.KindOf(err), Error: apperr.Message(err)}
}

// dedupe 去掉空白与重复 id，保留首次出现的顺序。
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
