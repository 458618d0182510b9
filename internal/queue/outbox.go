package queue

import (
	"context"
	"fmt"

	rd "github.com/redis/go-redis/v9"
)

// streamMaxLen 近似裁剪上限，防止 Relay 长时间停摆时 Stream 无限增长。
const streamMaxLen = 100000

// StreamOutbox 把订单事件写入 Redis Stream，由 Relay 异步转发到 Kafka。
type StreamOutbox struct {
	rdb    *rd.Client
	stream string
}

func NewStreamOutbox(rdb *rd.Client, stream string) *StreamOutbox {
	return &StreamOutbox{rdb: rdb, stream: stream}
}

// Publish XADD 一条事件。
func (o *StreamOutbox) Publish(ctx context.Context, ev OrderEvent) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	return o.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: o.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: ev.streamValues(),
	}).Err()
}
