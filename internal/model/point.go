package model

import "time"

// PointLedgerEntry 积分流水，只追加、不修改、不删除。
// Amount 为正表示发放，为负表示消耗；余额永远由流水求和得到。
type PointLedgerEntry struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	MemberID string `gorm:"size:64;not null;index" json:"member_id"`
	Amount   int64  `gorm:"not null" json:"amount"`
	Reason   string `gorm:"size:255;not null" json:"reason"`
	// IdempotencyKey 非空时唯一，例如 purchase-confirm:{orderID}；重复写入会被账本识别。
	IdempotencyKey *string `gorm:"size:128;uniqueIndex" json:"-"`
}

func (PointLedgerEntry) TableName() string { return "point_ledger" }

// TransitionAudit 记录后台的非正向状态变更（倒退或从终态复活）。
type TransitionAudit struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	OrderID    string      `gorm:"size:64;not null;index" json:"order_id"`
	FromStatus OrderStatus `gorm:"size:32;not null" json:"from_status"`
	ToStatus   OrderStatus `gorm:"size:32;not null" json:"to_status"`
	Actor      string      `gorm:"size:96;not null" json:"actor"`
}

func (TransitionAudit) TableName() string { return "order_transition_audits" }
