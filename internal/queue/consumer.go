package queue

import (
	"context"
	"encoding/json"
	"time"

	"coffee_core/internal/loyalty"
	rediskey "coffee_core/pkg/redis"

	rd "github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// GradeReconciler 消费事件后需要调用的对账能力。
type GradeReconciler interface {
	Reconcile(ctx context.Context, memberID string) (loyalty.ReconcileResult, error)
}

// Consumer 从 Kafka 读取订单事件并对账会员等级。
// 对账本身幂等，event_id 去重只用来省掉重复投递时的无用功。
type Consumer struct {
	r          *kafka.Reader
	rdb        *rd.Client
	reconciler GradeReconciler
	log        *zap.Logger
	markTTL    time.Duration
}

func NewConsumer(brokers []string, topic, groupID string, rdb *rd.Client, reconciler GradeReconciler, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	var reader *kafka.Reader
	if len(brokers) > 0 {
		reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		})
	}
	return &Consumer{
		r:          reader,
		rdb:        rdb,
		reconciler: reconciler,
		log:        log.With(zap.String("component", "consumer"), zap.String("topic", topic)),
		markTTL:    rediskey.DefaultMarkTTL,
	}
}

func (c *Consumer) Close() error {
	if c.r == nil {
		return nil
	}
	return c.r.Close()
}

// Run 阻塞运行直到 ctx 取消。处理成功（或确认为脏消息）后才提交 offset。
func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("consumer fetch", zap.Error(err))
			}
			return
		}

		var ev OrderEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			c.log.Warn("consumer unmarshal", zap.Error(err), zap.Int64("offset", m.Offset))
		} else if err := c.Handle(ctx, ev); err != nil {
			// 不提交 offset，消费者组重平衡或重启后会重新投递。
			c.log.Warn("consumer handle", zap.String("event_id", ev.EventID), zap.Error(err))
			sleepCtx(ctx, 500*time.Millisecond)
			continue
		}

		if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.log.Warn("consumer commit", zap.Error(err))
		}
	}
}

// Handle 处理单条事件：去重 → 对账；对账失败时撤销去重标记以便重试。
func (c *Consumer) Handle(ctx context.Context, ev OrderEvent) error {
	if err := ev.Validate(); err != nil {
		c.log.Warn("consumer drop invalid event", zap.Error(err))
		return nil
	}

	key := rediskey.EventSeenKey(ev.EventID)
	if c.rdb != nil {
		first, err := rediskey.MarkOnce(ctx, c.rdb, key, c.markTTL)
		if err != nil {
			// Redis 不可用时照常对账，重复对账无副作用。
			c.log.Warn("consumer dedupe unavailable", zap.Error(err))
		} else if !first {
			c.log.Debug("consumer skip duplicate event", zap.String("event_id", ev.EventID))
			return nil
		}
	}

	res, err := c.reconciler.Reconcile(ctx, ev.MemberID)
	if err != nil {
		if c.rdb != nil {
			_ = rediskey.Unmark(context.WithoutCancel(ctx), c.rdb, key)
		}
		return err
	}
	if res.Changed {
		c.log.Info("grade updated from order event",
			zap.String("event_id", ev.EventID),
			zap.String("order_id", ev.OrderID),
			zap.String("member_id", ev.MemberID),
			zap.String("grade", string(res.Grade)))
	}
	return nil
}
