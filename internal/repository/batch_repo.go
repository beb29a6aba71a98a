package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/qs3c/license_go_server/internal/model"
)

type BatchRepository struct {
	db *gorm.DB
}

func NewBatchRepository(db *gorm.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

func (r *BatchRepository) Create(ctx context.Context, batch *model.Batch) error {
	return r.db.WithContext(ctx).Create(batch).Error
}

func (r *BatchRepository) GetByID(ctx context.Context, id string) (*model.Batch, error) {
	var batch model.Batch
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&batch).Error
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func (r *BatchRepository) IncrementActivated(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&model.Batch{}).Where("id = ?", id).
		Update("activated_count", gorm.Expr("activated_count + 1")).Error
}

func (r *BatchRepository) IncrementRevoked(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&model.Batch{}).Where("id = ?", id).
		Update("revoked_count", gorm.Expr("revoked_count + 1")).Error
}
