package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer 封装 Kafka 写入器。
type Producer struct {
	w *kafka.Writer
}

// ProducerOptions 写入器的重试与批量参数；零值字段使用默认值。
type ProducerOptions struct {
	MaxAttempts  int
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

func (o ProducerOptions) withDefaults() ProducerOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = 50 * time.Millisecond
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	return o
}

// NewProducer 以 member_id 作为 key、Hash 分区：同一会员的事件落到同一分区，保持先后顺序。
// 等待全部 ISR 副本确认后才算发布成功，Relay 才会 ACK 对应的 Stream 条目。
func NewProducer(brokers []string, topic string, opts ProducerOptions) *Producer {
	opts = opts.withDefaults()
	return &Producer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: false,
			MaxAttempts:            opts.MaxAttempts,
			BatchTimeout:           opts.BatchTimeout,
			WriteTimeout:           opts.WriteTimeout,
			ReadTimeout:            opts.WriteTimeout,
		},
	}
}

func (p *Producer) Close() error { return p.w.Close() }

// Publish 同步写入一条订单事件。
func (p *Producer) Publish(ctx context.Context, ev OrderEvent) error {
	msg, err := encodeMessage(ev)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, msg)
}

func encodeMessage(ev OrderEvent) (kafka.Message, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(ev.MemberID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(ev.EventID)},
		},
	}, nil
}
