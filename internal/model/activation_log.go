package model

import (
	"time"
)

const (
	ActionGenerate  = "generate"
	ActionRedeem    = "redeem"
	ActionReplay    = "replay"
	ActionRevoke    = "revoke"
	ActionExpire    = "expire"
	ActionUnbind    = "unbind"
	ActionSuspend   = "suspend"
	ActionReinstate = "reinstate"
	ActionDisable   = "disable"

	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// ActivationLog 只追加的审计记录
type ActivationLog struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	Code      string    `gorm:"size:64;not null;index" json:"code"`
	DeviceID  string    `gorm:"size:128;index" json:"device_id,omitempty"`
	UserID    string    `gorm:"size:64" json:"user_id,omitempty"`
	Action    string    `gorm:"size:20;not null" json:"action"`
	Result    string    `gorm:"size:10;not null" json:"result"`
	Message   string    `gorm:"size:255" json:"message"`
	ClientIP  string    `gorm:"size:64" json:"client_ip,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (ActivationLog) TableName() string {
	return "activation_logs"
}
