package store

import (
	"context"
	"fmt"
	"time"

	"coffee_core/internal/model"

	"gorm.io/gorm/clause"
)

// GetMember 查询会员。
func (s *Store) GetMember(ctx context.Context, id string) (*model.Member, error) {
	var m model.Member
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, wrapErr(err, fmt.Sprintf("member %s", id))
	}
	return &m, nil
}

// UpsertMember 登记会员；已存在时只更新 active，等级只允许对账写入。
func (s *Store) UpsertMember(ctx context.Context, m *model.Member) error {
	if !m.Grade.Valid() {
		m.Grade = model.GradeSilver
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"active", "updated_at"}),
	}).Create(m).Error
	return wrapErr(err, "upsert member")
}

// CompareAndSetGrade 仅当库中等级仍等于 expected 时写入 next。
func (s *Store) CompareAndSetGrade(ctx context.Context, id string, expected, next model.Grade) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&model.Member{}).
		Where("id = ? AND grade = ?", id, expected).
		Updates(map[string]any{
			"grade":      next,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, wrapErr(res.Error, fmt.Sprintf("update member %s grade", id))
	}
	return res.RowsAffected == 1, nil
}

// ListActiveMemberIDs 按 id 游标分页列出活跃会员，afterID 为空表示从头开始。
func (s *Store) ListActiveMemberIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []string
	err := s.db.WithContext(ctx).Model(&model.Member{}).
		Where("active = ? AND id > ?", true, afterID).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, wrapErr(err, "list active members")
	}
	return ids, nil
}

// EnsureMember 会员不存在时以 SILVER/active 登记，已存在则不做任何修改。
func (s *Store) EnsureMember(ctx context.Context, id string) error {
	m := &model.Member{ID: id, Grade: model.GradeSilver, Active: true}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(m).Error
	return wrapErr(err, "ensure member")
}
