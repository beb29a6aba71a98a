package model

import (
	"time"
)

type ActivationCode struct {
	ID            int64      `gorm:"primaryKey" json:"id"`
	Code          string     `gorm:"size:64;uniqueIndex;not null" json:"code"`
	BatchID       string     `gorm:"size:36;not null;index" json:"batch_id"`
	Kind          CodeKind   `gorm:"size:20;not null" json:"kind"`
	DurationHours *int       `json:"duration_hours,omitempty"` // nil 表示永久
	ServiceType   string     `gorm:"size:50;not null" json:"service_type"`
	MaxDevices    int        `gorm:"not null;default:1" json:"max_devices"`
	UsedCount     int        `gorm:"not null;default:0" json:"used_count"`
	Status        CodeStatus `gorm:"size:20;not null;default:unused;index:idx_codes_status_expires,priority:1" json:"status"`
	StatusReason  string     `gorm:"size:255" json:"status_reason,omitempty"`
	ActivatedAt   *time.Time `json:"activated_at,omitempty"`
	ExpiresAt     *time.Time `gorm:"index:idx_codes_status_expires,priority:2" json:"expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (ActivationCode) TableName() string {
	return "activation_codes"
}

func (c *ActivationCode) Permanent() bool {
	return c.DurationHours == nil
}

// RemainingSlots 剩余可绑定设备数
func (c *ActivationCode) RemainingSlots() int {
	if n := c.MaxDevices - c.UsedCount; n > 0 {
		return n
	}
	return 0
}

// Elapsed 自身计时是否已结束；未激活或永久码永不过期
func (c *ActivationCode) Elapsed(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// StartClock 首次激活时启动计时，只会生效一次
func (c *ActivationCode) StartClock(now time.Time) bool {
	if c.ActivatedAt != nil {
		return false
	}
	at := now
	c.ActivatedAt = &at
	if c.DurationHours != nil {
		exp := at.Add(time.Duration(*c.DurationHours) * time.Hour)
		c.ExpiresAt = &exp
	}
	return true
}

func (c *ActivationCode) occupancyStatus() CodeStatus {
	switch {
	case c.UsedCount >= c.MaxDevices:
		return CodeUsed
	case c.UsedCount == 0 && c.ActivatedAt == nil:
		return CodeUnused
	default:
		return CodeActive
	}
}

// Fire 按状态表执行事件，非法事件返回 ErrIllegalTransition
func (c *ActivationCode) Fire(e CodeEvent) error {
	next, ok := codeTransitions[c.Status][e]
	if !ok {
		return illegal("code", c.Status, e)
	}
	if next == byOccupancy {
		next = c.occupancyStatus()
	}
	c.Status = next
	return nil
}
