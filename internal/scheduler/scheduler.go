// Package scheduler 定时全量对账会员等级，兜住事件丢失或处理失败的情况。
package scheduler

import (
	"context"
	"fmt"
	"time"

	"coffee_core/internal/loyalty"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper 全量对账。
type Sweeper interface {
	ReconcileAll(ctx context.Context) (loyalty.SweepReport, error)
}

// Scheduler 按 cron 表达式运行对账，上一轮未结束时跳过本轮。
type Scheduler struct {
	c       *cron.Cron
	sweeper Sweeper
	log     *zap.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// New spec 支持标准五段式与 @every/@hourly 等描述符。
func New(spec string, sweeper Sweeper, log *zap.Logger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "scheduler"))
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger{log.Sugar()}),
		cron.SkipIfStillRunning(cronLogger{log.Sugar()}),
	))
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{c: c, sweeper: sweeper, log: log, timeout: 30 * time.Minute, ctx: ctx, cancel: cancel}
	if _, err := c.AddFunc(spec, func() { s.RunOnce(s.ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid RECONCILE_CRON %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.c.Start()
	s.log.Info("reconcile scheduler started")
}

// Stop 取消正在运行的对账并等待其退出。
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.c.Stop().Done()
}

// RunOnce 执行一轮全量对账。
func (s *Scheduler) RunOnce(ctx context.Context) loyalty.SweepReport {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	report, err := s.sweeper.ReconcileAll(ctx)
	fields := []zap.Field{
		zap.Int("checked", report.Checked),
		zap.Int("changed", report.Changed),
		zap.Int("failed", report.Failed),
		zap.Duration("took", time.Since(start)),
	}
	if err != nil {
		s.log.Warn("reconcile sweep aborted", append(fields, zap.Error(err))...)
		return report
	}
	s.log.Info("reconcile sweep finished", fields...)
	return report
}

// cronLogger 把 cron 内部日志转到 zap。
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
