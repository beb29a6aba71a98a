package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/qs3c/license_go_server/internal/model"
)

// ActivationLogRepository 审计日志只提供追加和查询
type ActivationLogRepository struct {
	db *gorm.DB
}

func NewActivationLogRepository(db *gorm.DB) *ActivationLogRepository {
	return &ActivationLogRepository{db: db}
}

func (r *ActivationLogRepository) Append(ctx context.Context, entry *model.ActivationLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *ActivationLogRepository) ListByCode(ctx context.Context, code string, limit int) ([]*model.ActivationLog, error) {
	var logs []*model.ActivationLog
	query := r.db.WithContext(ctx).Where("code = ?", code).Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&logs).Error
	return logs, err
}

// CountRedeemed 统计某用户用该码成功兑换的次数，兑换流程据此保证一个码只给同一用户记一次会员时长
func (r *ActivationLogRepository) CountRedeemed(ctx context.Context, code, userID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.ActivationLog{}).
		Where("code = ? AND user_id = ? AND action = ? AND result = ?",
			code, userID, model.ActionRedeem, model.ResultSuccess).
		Count(&count).Error
	return count, err
}
