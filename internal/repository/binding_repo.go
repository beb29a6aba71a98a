package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/license_go_server/internal/model"
)

type BindingRepository struct {
	db *gorm.DB
}

func NewBindingRepository(db *gorm.DB) *BindingRepository {
	return &BindingRepository{db: db}
}

func (r *BindingRepository) Create(ctx context.Context, binding *model.DeviceBinding) error {
	return r.db.WithContext(ctx).Create(binding).Error
}

// GetByCodeAndDevice 获取 (code, device) 的绑定记录，不区分状态
func (r *BindingRepository) GetByCodeAndDevice(ctx context.Context, codeID int64, deviceID string) (*model.DeviceBinding, error) {
	var b model.DeviceBinding
	err := r.db.WithContext(ctx).
		Where("code_id = ? AND device_id = ?", codeID, deviceID).
		First(&b).Error
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// FindActiveElsewhere 查找设备在其它码上的有效绑定
func (r *BindingRepository) FindActiveElsewhere(ctx context.Context, deviceID string, codeID int64) (*model.DeviceBinding, error) {
	var b model.DeviceBinding
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND status = ? AND code_id <> ?", deviceID, model.BindingActive, codeID).
		First(&b).Error
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *BindingRepository) ListByCode(ctx context.Context, codeID int64) ([]*model.DeviceBinding, error) {
	var bindings []*model.DeviceBinding
	err := r.db.WithContext(ctx).Where("code_id = ?", codeID).Order("id ASC").Find(&bindings).Error
	return bindings, err
}

func (r *BindingRepository) ListByDevice(ctx context.Context, deviceID string) ([]*model.DeviceBinding, error) {
	var bindings []*model.DeviceBinding
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("id ASC").Find(&bindings).Error
	return bindings, err
}

func (r *BindingRepository) Save(ctx context.Context, binding *model.DeviceBinding) error {
	return r.db.WithContext(ctx).Model(binding).
		Select("user_id", "status", "activated_at", "expires_at", "license", "client_ip", "user_agent",
			"last_validated_at", "validation_count").
		Updates(binding).Error
}

// TransitionByCode 把某个码下 from 状态的绑定批量切到 to，返回影响行数
func (r *BindingRepository) TransitionByCode(ctx context.Context, codeID int64, from, to model.BindingStatus) (int64, error) {
	result := r.db.WithContext(ctx).Model(&model.DeviceBinding{}).
		Where("code_id = ? AND status = ?", codeID, from).
		Update("status", to)
	return result.RowsAffected, result.Error
}

// Touch 记录一次在线校验
func (r *BindingRepository) Touch(ctx context.Context, id int64, now time.Time) error {
	return r.db.WithContext(ctx).Model(&model.DeviceBinding{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"validation_count":  gorm.Expr("validation_count + 1"),
			"last_validated_at": now,
		}).Error
}
