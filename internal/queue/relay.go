package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventWriter 事件的下游写入方（生产环境为 Kafka Producer）。
type EventWriter interface {
	Publish(ctx context.Context, ev OrderEvent) error
}

// Relay 将 Redis Stream 事件异步转发到 Kafka。
// 语义：发布成功后才 ACK + 删除 Stream 消息，失败则保留等待重试。
type Relay struct {
	rdb    *rd.Client
	writer EventWriter
	log    *zap.Logger

	stream   string
	group    string
	consumer string
}

func NewRelay(rdb *rd.Client, writer EventWriter, stream, group, consumer string, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		rdb:      rdb,
		writer:   writer,
		log:      log.With(zap.String("component", "relay"), zap.String("stream", stream)),
		stream:   stream,
		group:    group,
		consumer: consumer,
	}
}

// Run 阻塞运行直到 ctx 取消。
func (r *Relay) Run(ctx context.Context) {
	if err := r.ensureGroup(ctx); err != nil {
		r.log.Error("relay ensure group", zap.Error(err))
		return
	}
	r.log.Info("relay started")

	for {
		if ctx.Err() != nil {
			return
		}

		// 先处理本消费者遗留的 pending，再阻塞读新消息。
		msgs, err := r.readGroup(ctx, "0", -1)
		if err == nil && len(msgs) == 0 {
			msgs, err = r.readGroup(ctx, ">", 2*time.Second)
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			r.log.Warn("relay read", zap.Error(err))
			sleepCtx(ctx, 300*time.Millisecond)
			continue
		}

		if _, err := r.forward(ctx, msgs); err != nil {
			r.log.Warn("relay forward", zap.Error(err))
			sleepCtx(ctx, 200*time.Millisecond)
		}
	}
}

// Flush 非阻塞地转发当前所有 pending 与新消息，返回成功转发的条数。
func (r *Relay) Flush(ctx context.Context) (int, error) {
	if err := r.ensureGroup(ctx); err != nil {
		return 0, err
	}
	total := 0
	for _, id := range []string{"0", ">"} {
		for {
			msgs, err := r.readGroup(ctx, id, -1)
			if err != nil {
				return total, err
			}
			if len(msgs) == 0 {
				break
			}
			n, err := r.forward(ctx, msgs)
			total += n
			if err != nil {
				return total, err
			}
			if id == "0" {
				// pending 列表已在 forward 中被 ACK，重新读直到清空。
				continue
			}
		}
	}
	return total, nil
}

// forward 按顺序处理一批消息；遇到发布失败即停止，保持同一会员事件的先后顺序。
func (r *Relay) forward(ctx context.Context, msgs []rd.XMessage) (int, error) {
	n := 0
	for _, xm := range msgs {
		published, err := r.processOne(ctx, xm)
		if err != nil {
			return n, fmt.Errorf("message %s: %w", xm.ID, err)
		}
		if published {
			n++
		}
	}
	return n, nil
}

func (r *Relay) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

// readGroup block < 0 表示不阻塞。
func (r *Relay) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	streams, err := r.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, streamID},
		Count:    16,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, 16)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (r *Relay) processOne(ctx context.Context, xm rd.XMessage) (bool, error) {
	ev, err := parseOrderEvent(xm.Values)
	if err != nil {
		// 脏消息直接 ACK 丢弃，避免阻塞队列。
		r.log.Warn("relay drop malformed event", zap.String("id", xm.ID), zap.Error(err))
		if ackErr := r.ackAndDelete(ctx, xm.ID); ackErr != nil {
			return false, fmt.Errorf("parse failed: %v, ack failed: %w", err, ackErr)
		}
		return false, nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.writer.Publish(pubCtx, ev); err != nil {
		return false, err
	}
	return true, r.ackAndDelete(ctx, xm.ID)
}

func (r *Relay) ackAndDelete(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.XAck(ctx, r.stream, r.group, id)
	pipe.XDel(ctx, r.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
