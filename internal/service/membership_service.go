package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/qs3c/license_go_server/internal/model"
	"github.com/qs3c/license_go_server/internal/model/dto"
	"github.com/qs3c/license_go_server/internal/pkg/cache"
	"github.com/qs3c/license_go_server/internal/repository"
)

// MembershipService 把每次兑换折算进 (user, service_type) 的滚动会员时钟
type MembershipService struct {
	store  *repository.Store
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewMembershipService(store *repository.Store, c cache.Cache, ttl time.Duration, logger *slog.Logger, now func() time.Time) *MembershipService {
	if c == nil {
		c = cache.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = defaultClock
	}
	return &MembershipService{store: store, cache: c, ttl: ttl, logger: logger, now: now}
}

// Accumulate 在调用方的事务 tx 内累加会员时长
//
// 首次兑换或已过期时重置为 activatedAt + hours（过期后剩余时间作废）；
// 仍有效时在原到期时间上叠加。hours 为 nil 表示永久授权。
func (s *MembershipService) Accumulate(ctx context.Context, tx *repository.Store, userID, serviceType string, hours *int, activatedAt time.Time) (*model.Membership, error) {
	if err := tx.Memberships.Ensure(ctx, userID, serviceType); err != nil {
		return nil, err
	}
	m, err := tx.Memberships.GetForUpdate(ctx, userID, serviceType)
	if err != nil {
		return nil, err
	}

	switch {
	case hours == nil:
		if !m.Permanent {
			if m.Lapsed(activatedAt) {
				start := activatedAt
				m.StartedAt = &start
			}
			m.Permanent = true
			m.ExpiresAt = nil
		}
	case m.Permanent:
		m.TotalHours += *hours
	case m.Lapsed(activatedAt):
		start := activatedAt
		exp := activatedAt.Add(time.Duration(*hours) * time.Hour)
		m.StartedAt = &start
		m.ExpiresAt = &exp
		m.TotalHours = *hours
	default:
		exp := m.ExpiresAt.Add(time.Duration(*hours) * time.Hour)
		m.ExpiresAt = &exp
		m.TotalHours += *hours
	}

	if err := m.Fire(model.EventBind); err != nil {
		return nil, err
	}
	m.ActivationCount++
	last := activatedAt
	m.LastActivationAt = &last

	if err := tx.Memberships.Save(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetMembership 查询会员状态，从未兑换过返回 inactive
func (s *MembershipService) GetMembership(ctx context.Context, userID, serviceType string) (*dto.MembershipInfo, error) {
	key := cache.MembershipKey(userID, serviceType)

	var m model.Membership
	hit, err := s.cache.Get(ctx, key, &m)
	if err != nil {
		s.logger.Warn("membership cache get failed", "key", key, "error", err)
	}
	if !hit {
		found, err := s.store.Memberships.Get(ctx, userID, serviceType)
		switch {
		case notFound(err):
			return &dto.MembershipInfo{UserID: userID, ServiceType: serviceType, Status: model.MembershipInactive}, nil
		case err != nil:
			return nil, storeErr(err)
		}
		m = *found
		if err := s.cache.Set(ctx, key, &m, s.ttl); err != nil {
			s.logger.Warn("membership cache set failed", "key", key, "error", err)
		}
	}

	return s.info(&m), nil
}

// ListMemberships 用户在所有服务类型上的会员
func (s *MembershipService) ListMemberships(ctx context.Context, userID string) ([]*dto.MembershipInfo, error) {
	ms, err := s.store.Memberships.ListByUser(ctx, userID)
	if err != nil {
		return nil, storeErr(err)
	}
	infos := make([]*dto.MembershipInfo, 0, len(ms))
	for _, m := range ms {
		infos = append(infos, s.info(m))
	}
	return infos, nil
}

// Invalidate 提交后清除缓存，失败只记日志
func (s *MembershipService) Invalidate(ctx context.Context, userID, serviceType string) {
	if err := s.cache.Delete(ctx, cache.MembershipKey(userID, serviceType)); err != nil {
		s.logger.Warn("membership cache invalidate failed", "user_id", userID, "service_type", serviceType, "error", err)
	}
}

// info 剩余与已用时长在读取时按当前时间计算，状态以时钟为准
func (s *MembershipService) info(m *model.Membership) *dto.MembershipInfo {
	now := s.now()
	status := m.Status
	if status == model.MembershipActive && m.Lapsed(now) {
		status = model.MembershipExpired
	}
	return &dto.MembershipInfo{
		UserID:          m.UserID,
		ServiceType:     m.ServiceType,
		Status:          status,
		Permanent:       m.Permanent,
		TotalHours:      m.TotalHours,
		ElapsedHours:    m.ElapsedHours(now),
		RemainingHours:  m.RemainingHours(now),
		ActivationCount: m.ActivationCount,
		StartedAt:       m.StartedAt,
		ExpiresAt:       m.ExpiresAt,
	}
}
