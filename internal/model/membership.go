package model

import (
	"time"
)

// Membership 按 (user, service_type) 聚合的滚动会员时钟
type Membership struct {
	ID               int64            `gorm:"primaryKey" json:"id"`
	UserID           string           `gorm:"size:64;not null;uniqueIndex:idx_memberships_user_service,priority:1" json:"user_id"`
	ServiceType      string           `gorm:"size:50;not null;uniqueIndex:idx_memberships_user_service,priority:2" json:"service_type"`
	TotalHours       int              `gorm:"not null;default:0" json:"total_hours"`
	Permanent        bool             `gorm:"not null;default:false" json:"permanent"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	ExpiresAt        *time.Time       `gorm:"index" json:"expires_at,omitempty"`
	ActivationCount  int              `gorm:"not null;default:0" json:"activation_count"`
	LastActivationAt *time.Time       `json:"last_activation_at,omitempty"`
	Status           MembershipStatus `gorm:"size:20;not null;default:inactive;index" json:"status"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func (Membership) TableName() string {
	return "memberships"
}

// Lapsed 时钟是否已走完（永久会员不会走完）
func (m *Membership) Lapsed(now time.Time) bool {
	if m.Permanent {
		return false
	}
	return m.ExpiresAt == nil || !now.Before(*m.ExpiresAt)
}

// RemainingHours 剩余小时数，向下取整
func (m *Membership) RemainingHours(now time.Time) int {
	if m.Permanent || m.Lapsed(now) {
		return 0
	}
	return int(m.ExpiresAt.Sub(now) / time.Hour)
}

// ElapsedHours 本轮计时已消耗的小时数
func (m *Membership) ElapsedHours(now time.Time) int {
	if m.StartedAt == nil || now.Before(*m.StartedAt) {
		return 0
	}
	end := now
	if !m.Permanent && m.ExpiresAt != nil && m.ExpiresAt.Before(end) {
		end = *m.ExpiresAt
	}
	return int(end.Sub(*m.StartedAt) / time.Hour)
}

func (m *Membership) Fire(e CodeEvent) error {
	from := m.Status
	if from == "" {
		from = MembershipInactive
	}
	next, ok := membershipTransitions[from][e]
	if !ok {
		return illegal("membership", from, e)
	}
	m.Status = next
	return nil
}
