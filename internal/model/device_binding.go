package model

import (
	"time"
)

type DeviceBinding struct {
	ID              int64         `gorm:"primaryKey" json:"id"`
	CodeID          int64         `gorm:"not null;uniqueIndex:idx_bindings_code_device,priority:1" json:"code_id"`
	Code            string        `gorm:"size:64;not null;index" json:"code"`
	DeviceID        string        `gorm:"size:128;not null;uniqueIndex:idx_bindings_code_device,priority:2;index:idx_bindings_device_status,priority:1" json:"device_id"`
	UserID          string        `gorm:"size:64;not null;index" json:"user_id"`
	Status          BindingStatus `gorm:"size:20;not null;default:active;index:idx_bindings_device_status,priority:2" json:"status"`
	ActivatedAt     time.Time     `gorm:"not null" json:"activated_at"`
	ExpiresAt       *time.Time    `json:"expires_at,omitempty"`
	LastValidatedAt *time.Time    `json:"last_validated_at,omitempty"`
	ValidationCount int           `gorm:"not null;default:0" json:"validation_count"`
	License         string        `gorm:"type:text" json:"-"`
	ClientIP        string        `gorm:"size:64" json:"client_ip,omitempty"`
	UserAgent       string        `gorm:"size:255" json:"user_agent,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

func (DeviceBinding) TableName() string {
	return "device_bindings"
}

func (b *DeviceBinding) Fire(e CodeEvent) error {
	next, ok := bindingTransitions[b.Status][e]
	if !ok {
		return illegal("binding", b.Status, e)
	}
	b.Status = next
	return nil
}
