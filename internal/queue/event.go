package queue

import (
	"fmt"
	"strconv"
	"time"

	"coffee_core/internal/model"

	"github.com/google/uuid"
)

// OrderEvent 订单状态变更事件，下游据此异步对账会员等级。
type OrderEvent struct {
	EventID    string            `json:"event_id"`
	OrderID    string            `json:"order_id"`
	MemberID   string            `json:"member_id"`
	From       model.OrderStatus `json:"from"`
	To         model.OrderStatus `json:"to"`
	Actor      string            `json:"actor"`
	TotalPrice int64             `json:"total_price"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// NewOrderEvent 以提交后的订单构造事件，event_id 作为全链路去重主键。
func NewOrderEvent(o *model.Order, from model.OrderStatus, actor string) OrderEvent {
	return OrderEvent{
		EventID:    uuid.NewString(),
		OrderID:    o.ID,
		MemberID:   o.MemberID,
		From:       from,
		To:         o.Status,
		Actor:      actor,
		TotalPrice: o.TotalPrice,
		OccurredAt: time.Now().UTC(),
	}
}

// Validate 做最小字段校验，防止消费者处理脏消息。
func (e OrderEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.OrderID == "" {
		return fmt.Errorf("order_id is required")
	}
	if e.MemberID == "" {
		return fmt.Errorf("member_id is required")
	}
	if !e.To.Valid() {
		return fmt.Errorf("invalid target status %q", e.To)
	}
	if e.From != "" && !e.From.Valid() {
		return fmt.Errorf("invalid source status %q", e.From)
	}
	if e.TotalPrice < 0 {
		return fmt.Errorf("total_price must be >= 0")
	}
	return nil
}

func (e OrderEvent) streamValues() map[string]any {
	return map[string]any{
		"event_id":    e.EventID,
		"order_id":    e.OrderID,
		"member_id":   e.MemberID,
		"from":        string(e.From),
		"to":          string(e.To),
		"actor":       e.Actor,
		"total_price": e.TotalPrice,
		"occurred_at": e.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}

func parseOrderEvent(values map[string]any) (OrderEvent, error) {
	var (
		ev  OrderEvent
		err error
	)
	if ev.EventID, err = getStreamString(values, "event_id"); err != nil {
		return OrderEvent{}, err
	}
	if ev.OrderID, err = getStreamString(values, "order_id"); err != nil {
		return OrderEvent{}, err
	}
	if ev.MemberID, err = getStreamString(values, "member_id"); err != nil {
		return OrderEvent{}, err
	}
	from, err := getStreamString(values, "from")
	if err != nil {
		return OrderEvent{}, err
	}
	to, err := getStreamString(values, "to")
	if err != nil {
		return OrderEvent{}, err
	}
	ev.From, ev.To = model.OrderStatus(from), model.OrderStatus(to)
	if ev.Actor, err = getStreamString(values, "actor"); err != nil {
		return OrderEvent{}, err
	}

	totalStr, err := getStreamString(values, "total_price")
	if err != nil {
		return OrderEvent{}, err
	}
	if ev.TotalPrice, err = strconv.ParseInt(totalStr, 10, 64); err != nil {
		return OrderEvent{}, fmt.Errorf("invalid total_price %q", totalStr)
	}
	atStr, err := getStreamString(values, "occurred_at")
	if err != nil {
		return OrderEvent{}, err
	}
	if ev.OccurredAt, err = time.Parse(time.RFC3339Nano, atStr); err != nil {
		return OrderEvent{}, fmt.Errorf("invalid occurred_at %q", atStr)
	}

	if err := ev.Validate(); err != nil {
		return OrderEvent{}, err
	}
	return ev, nil
}

func getStreamString(values map[string]any, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
