package dto

import (
	"time"

	"github.com/qs3c/license_go_server/internal/model"
)

// GenerateBatchRequest 批量生成请求
type GenerateBatchRequest struct {
	Kind          model.CodeKind `json:"kind" validate:"required,oneof=hourly daily weekly monthly quarterly yearly permanent custom"`
	DurationHours *int           `json:"duration_hours,omitempty" validate:"omitempty,min=1"`
	MaxDevices    int            `json:"max_devices" validate:"required,min=1,max=1000"`
	Count         int            `json:"count" validate:"required,min=1"`
	ServiceType   string         `json:"service_type,omitempty" validate:"omitempty,max=50"`
	Description   string         `json:"description,omitempty" validate:"max=500"`
	CreatedBy     string         `json:"created_by,omitempty" validate:"max=64"`
}

// GenerateBatchResponse 批量生成结果
type GenerateBatchResponse struct {
	BatchID string   `json:"batch_id"`
	Codes   []string `json:"codes"`
}

// RedeemRequest 兑换请求，UserID/DeviceID 由上游完成认证
type RedeemRequest struct {
	Code      string `json:"code"`
	DeviceID  string `json:"device_id" validate:"required,max=128"`
	UserID    string `json:"user_id" validate:"required,max=64"`
	ClientIP  string `json:"client_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// RedeemResult 兑换结果
type RedeemResult struct {
	License             string     `json:"license"`
	Code                string     `json:"code"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	RemainingSlots      int        `json:"remaining_slots"`
	Replayed            bool       `json:"replayed"`
	MembershipExpiresAt *time.Time `json:"membership_expires_at,omitempty"`
}

// VerifyResult 许可证校验结果
type VerifyResult struct {
	Valid     bool       `json:"valid"`
	Code      string     `json:"code,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// MembershipInfo 会员信息
type MembershipInfo struct {
	UserID          string                 `json:"user_id"`
	ServiceType     string                 `json:"service_type"`
	Status          model.MembershipStatus `json:"status"`
	Permanent       bool                   `json:"permanent"`
	TotalHours      int                    `json:"total_hours"`
	ElapsedHours    int                    `json:"elapsed_hours"`
	RemainingHours  int                    `json:"remaining_hours"`
	ActivationCount int                    `json:"activation_count"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	ExpiresAt       *time.Time             `json:"expires_at,omitempty"`
}

// CodeInfo 激活码状态页
type CodeInfo struct {
	Code           string           `json:"code"`
	BatchID        string           `json:"batch_id"`
	Kind           model.CodeKind   `json:"kind"`
	DurationHours  *int             `json:"duration_hours,omitempty"`
	ServiceType    string           `json:"service_type"`
	Status         model.CodeStatus `json:"status"`
	StatusReason   string           `json:"status_reason,omitempty"`
	MaxDevices     int              `json:"max_devices"`
	UsedCount      int              `json:"used_count"`
	RemainingSlots int              `json:"remaining_slots"`
	ActivatedAt    *time.Time       `json:"activated_at,omitempty"`
	ExpiresAt      *time.Time       `json:"expires_at,omitempty"`
}

// CodeStats 激活码聚合统计
type CodeStats struct {
	Total    int64                      `json:"total"`
	ByStatus map[model.CodeStatus]int64 `json:"by_status"`
}

// SweepResult 过期清扫结果
type SweepResult struct {
	Codes       int `json:"codes"`
	Bindings    int `json:"bindings"`
	Memberships int `json:"memberships"`
}
