package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/license_go_server/internal/model"
)

type CodeRepository struct {
	db *gorm.DB
}

func NewCodeRepository(db *gorm.DB) *CodeRepository {
	return &CodeRepository{db: db}
}

func (r *CodeRepository) Create(ctx context.Context, code *model.ActivationCode) error {
	return r.db.WithContext(ctx).Create(code).Error
}

// CreateInBatches 批量插入，单条 INSERT 最多 500 行
func (r *CodeRepository) CreateInBatches(ctx context.Context, codes []*model.ActivationCode) error {
	return r.db.WithContext(ctx).CreateInBatches(codes, 500).Error
}

func (r *CodeRepository) GetByCode(ctx context.Context, code string) (*model.ActivationCode, error) {
	var c model.ActivationCode
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetByCodeForUpdate 加行锁读取，只能在事务内调用
func (r *CodeRepository) GetByCodeForUpdate(ctx context.Context, code string) (*model.ActivationCode, error) {
	var c model.ActivationCode
	err := forUpdate(r.db.WithContext(ctx)).Where("code = ?", code).First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ExistingCodes 返回 candidates 中已经存在的码
func (r *CodeRepository) ExistingCodes(ctx context.Context, candidates []string) ([]string, error) {
	var existing []string
	if len(candidates) == 0 {
		return existing, nil
	}
	err := r.db.WithContext(ctx).Model(&model.ActivationCode{}).
		Where("code IN ?", candidates).
		Pluck("code", &existing).Error
	return existing, err
}

// Save 只写回可变字段
func (r *CodeRepository) Save(ctx context.Context, code *model.ActivationCode) error {
	return r.db.WithContext(ctx).Model(code).
		Select("used_count", "status", "status_reason", "activated_at", "expires_at").
		Updates(code).Error
}

// ListExpired 返回计时已结束但状态仍在 statuses 中的码
func (r *CodeRepository) ListExpired(ctx context.Context, statuses []model.CodeStatus, now time.Time, limit int) ([]string, error) {
	var codes []string
	err := r.db.WithContext(ctx).Model(&model.ActivationCode{}).
		Where("status IN ? AND expires_at IS NOT NULL AND expires_at <= ?", statuses, now).
		Order("expires_at ASC").
		Limit(limit).
		Pluck("code", &codes).Error
	return codes, err
}

func (r *CodeRepository) CountExpired(ctx context.Context, statuses []model.CodeStatus, now time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.ActivationCode{}).
		Where("status IN ? AND expires_at IS NOT NULL AND expires_at <= ?", statuses, now).
		Count(&count).Error
	return count, err
}

// CountByStatus 按状态聚合统计
func (r *CodeRepository) CountByStatus(ctx context.Context) (map[model.CodeStatus]int64, error) {
	var rows []struct {
		Status model.CodeStatus
		Total  int64
	}
	err := r.db.WithContext(ctx).Model(&model.ActivationCode{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	result := make(map[model.CodeStatus]int64, len(rows))
	for _, row := range rows {
		result[row.Status] = row.Total
	}
	return result, nil
}

func (r *CodeRepository) ListByBatch(ctx context.Context, batchID string) ([]*model.ActivationCode, error) {
	var codes []*model.ActivationCode
	err := r.db.WithContext(ctx).Where("batch_id = ?", batchID).Order("id ASC").Find(&codes).Error
	return codes, err
}
