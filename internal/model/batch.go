package model

import (
	"time"
)

type Batch struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	Kind           CodeKind  `gorm:"size:20;not null" json:"kind"`
	DurationHours  *int      `json:"duration_hours,omitempty"`
	ServiceType    string    `gorm:"size:50;not null" json:"service_type"`
	MaxDevices     int       `gorm:"not null" json:"max_devices"`
	Description    string    `gorm:"size:500" json:"description"`
	CreatedBy      string    `gorm:"size:64" json:"created_by"`
	TotalCount     int       `gorm:"not null;default:0" json:"total_count"`
	ActivatedCount int       `gorm:"not null;default:0" json:"activated_count"`
	RevokedCount   int       `gorm:"not null;default:0" json:"revoked_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Batch) TableName() string {
	return "code_batches"
}
