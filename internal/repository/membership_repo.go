package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/qs3c/license_go_server/internal/model"
)

type MembershipRepository struct {
	db *gorm.DB
}

func NewMembershipRepository(db *gorm.DB) *MembershipRepository {
	return &MembershipRepository{db: db}
}

func (r *MembershipRepository) Create(ctx context.Context, m *model.Membership) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *MembershipRepository) Get(ctx context.Context, userID, serviceType string) (*model.Membership, error) {
	var m model.Membership
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND service_type = ?", userID, serviceType).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Ensure 不存在时插入 inactive 占位行，已存在则不做任何修改
//
// 随后的 GetForUpdate 总能锁到一行实际存在的记录，首次兑换之间也能串行化。
func (r *MembershipRepository) Ensure(ctx context.Context, userID, serviceType string) error {
	m := &model.Membership{
		UserID:      userID,
		ServiceType: serviceType,
		Status:      model.MembershipInactive,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(m).Error
}

// GetForUpdate 加行锁读取，防止并发兑换基于同一个 expires_at 重复叠加
func (r *MembershipRepository) GetForUpdate(ctx context.Context, userID, serviceType string) (*model.Membership, error) {
	var m model.Membership
	err := forUpdate(r.db.WithContext(ctx)).
		Where("user_id = ? AND service_type = ?", userID, serviceType).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MembershipRepository) Save(ctx context.Context, m *model.Membership) error {
	return r.db.WithContext(ctx).Model(m).
		Select("total_hours", "permanent", "started_at", "expires_at", "activation_count",
			"last_activation_at", "status").
		Updates(m).Error
}

func (r *MembershipRepository) ListByUser(ctx context.Context, userID string) ([]*model.Membership, error) {
	var ms []*model.Membership
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("service_type ASC").Find(&ms).Error
	return ms, err
}

// ListLapsed 返回时钟已走完但仍为 active 的会员
func (r *MembershipRepository) ListLapsed(ctx context.Context, now time.Time, limit int) ([]*model.Membership, error) {
	var ms []*model.Membership
	err := r.db.WithContext(ctx).
		Where("status = ? AND permanent = ? AND expires_at IS NOT NULL AND expires_at <= ?",
			model.MembershipActive, false, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&ms).Error
	return ms, err
}

// ExpireIfLapsed 带前置条件的状态切换，与并发兑换竞争同一行时最多一方生效
func (r *MembershipRepository) ExpireIfLapsed(ctx context.Context, id int64, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.Membership{}).
		Where("id = ? AND status = ? AND permanent = ? AND expires_at <= ?", id, model.MembershipActive, false, now).
		Update("status", model.MembershipExpired)
	return result.RowsAffected > 0, result.Error
}

func (r *MembershipRepository) CountLapsed(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Membership{}).
		Where("status = ? AND permanent = ? AND expires_at IS NOT NULL AND expires_at <= ?",
			model.MembershipActive, false, now).
		Count(&count).Error
	return count, err
}
