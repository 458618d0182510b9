package model

import (
	"fmt"
	"strings"
	"time"
)

// Grade 会员等级。
type Grade string

const (
	GradeSilver Grade = "SILVER"
	GradeGold   Grade = "GOLD"
	GradeVIP    Grade = "VIP"
)

// Valid reports whether g is a known grade.
func (g Grade) Valid() bool {
	switch g {
	case GradeSilver, GradeGold, GradeVIP:
		return true
	}
	return false
}

// Member 会员。Grade 只是有效消费额的缓存，只有等级对账会写它。
type Member struct {
	ID        string    `gorm:"size:64;primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Grade  Grade `gorm:"size:16;not null;default:SILVER" json:"grade"`
	Active bool  `gorm:"not null;index" json:"active"`
}

func (Member) TableName() string { return "members" }

// Role 调用方角色，由外部身份服务提供。
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// Actor 发起操作的一方。
type Actor struct {
	Role     Role
	MemberID string
}

// Validate 只接受 member 与 admin 两种角色；会员必须带 member id。
func (a Actor) Validate() error {
	switch a.Role {
	case RoleAdmin:
		return nil
	case RoleMember:
		if strings.TrimSpace(a.MemberID) == "" {
			return fmt.Errorf("member actor requires a member id")
		}
		return nil
	}
	return fmt.Errorf("unknown actor role %q", a.Role)
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// String 用于日志与审计。
func (a Actor) String() string {
	if a.MemberID == "" {
		return string(a.Role)
	}
	return string(a.Role) + ":" + a.MemberID
}
