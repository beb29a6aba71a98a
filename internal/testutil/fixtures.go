package testutil

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/qs3c/license_go_server/internal/model"
	"github.com/qs3c/license_go_server/internal/pkg/codegen"
)

var fixtureCodes = codegen.New(codegen.Options{})

// TestBatch 创建测试批次
func TestBatch(t *testing.T, db *gorm.DB, opts ...func(*model.Batch)) *model.Batch {
	t.Helper()

	hours := 24
	batch := &model.Batch{
		ID:            uuid.NewString(),
		Kind:          model.KindDaily,
		DurationHours: &hours,
		ServiceType:   "default",
		MaxDevices:    1,
		Description:   "test batch",
		CreatedBy:     "tester",
	}

	for _, opt := range opts {
		opt(batch)
	}

	if err := db.Create(batch).Error; err != nil {
		t.Fatalf("Failed to create test batch: %v", err)
	}

	return batch
}

// TestCode 创建测试激活码（会自动创建所属批次）
func TestCode(t *testing.T, db *gorm.DB, opts ...func(*model.ActivationCode)) *model.ActivationCode {
	t.Helper()

	batch := TestBatch(t, db)
	value, err := fixtureCodes.Random()
	if err != nil {
		t.Fatalf("Failed to generate test code: %v", err)
	}
	code := &model.ActivationCode{
		Code:          value,
		BatchID:       batch.ID,
		Kind:          batch.Kind,
		DurationHours: batch.DurationHours,
		ServiceType:   batch.ServiceType,
		MaxDevices:    1,
		Status:        model.CodeUnused,
	}

	for _, opt := range opts {
		opt(code)
	}

	if err := db.Create(code).Error; err != nil {
		t.Fatalf("Failed to create test code: %v", err)
	}

	return code
}

// WithCode 设置码值
func WithCode(value string) func(*model.ActivationCode) {
	return func(c *model.ActivationCode) {
		c.Code = value
	}
}

// WithMaxDevices 设置最大设备数
func WithMaxDevices(n int) func(*model.ActivationCode) {
	return func(c *model.ActivationCode) {
		c.MaxDevices = n
	}
}

// WithCodeStatus 设置状态
func WithCodeStatus(status model.CodeStatus) func(*model.ActivationCode) {
	return func(c *model.ActivationCode) {
		c.Status = status
	}
}

// WithDuration 设置时长，nil 为永久
func WithDuration(kind model.CodeKind, hours *int) func(*model.ActivationCode) {
	return func(c *model.ActivationCode) {
		c.Kind = kind
		c.DurationHours = hours
	}
}

// WithServiceType 设置服务类型
func WithServiceType(serviceType string) func(*model.ActivationCode) {
	return func(c *model.ActivationCode) {
		c.ServiceType = serviceType
	}
}

// WithActivated 设置为已激活，used 个设备已绑定
func WithActivated(at time.Time, used int) func(*model.ActivationCode) {
	return func(c *model.ActivationCode) {
		c.StartClock(at)
		c.UsedCount = used
		if used >= c.MaxDevices {
			c.Status = model.CodeUsed
		} else {
			c.Status = model.CodeActive
		}
	}
}

// TestBinding 创建测试绑定
func TestBinding(t *testing.T, db *gorm.DB, code *model.ActivationCode, deviceID string, status model.BindingStatus) *model.DeviceBinding {
	t.Helper()

	activatedAt := time.Now().UTC()
	if code.ActivatedAt != nil {
		activatedAt = *code.ActivatedAt
	}
	binding := &model.DeviceBinding{
		CodeID:      code.ID,
		Code:        code.Code,
		DeviceID:    deviceID,
		UserID:      "user-" + deviceID,
		Status:      status,
		ActivatedAt: activatedAt,
		ExpiresAt:   code.ExpiresAt,
	}

	if err := db.Create(binding).Error; err != nil {
		t.Fatalf("Failed to create test binding: %v", err)
	}

	return binding
}

// TestMembership 创建测试会员记录
func TestMembership(t *testing.T, db *gorm.DB, userID, serviceType string, startedAt time.Time, hours int) *model.Membership {
	t.Helper()

	expiresAt := startedAt.Add(time.Duration(hours) * time.Hour)
	m := &model.Membership{
		UserID:           userID,
		ServiceType:      serviceType,
		TotalHours:       hours,
		StartedAt:        &startedAt,
		ExpiresAt:        &expiresAt,
		ActivationCount:  1,
		LastActivationAt: &startedAt,
		Status:           model.MembershipActive,
	}

	if err := db.Create(m).Error; err != nil {
		t.Fatalf("Failed to create test membership: %v", err)
	}

	return m
}
