package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/qs3c/license_go_server/internal/model"
	"github.com/qs3c/license_go_server/internal/model/dto"
	"github.com/qs3c/license_go_server/internal/pkg/cache"
	"github.com/qs3c/license_go_server/internal/pkg/metrics"
	"github.com/qs3c/license_go_server/internal/pkg/notify"
	"github.com/qs3c/license_go_server/internal/repository"
)

// 计时中、可被清扫的激活码状态
var sweepableStatuses = []model.CodeStatus{model.CodeActive, model.CodeUsed}

// SweepService 把计时已结束的激活码、绑定和会员转为 expired
//
// 每一行都在独立事务内加锁并复核前置条件，可以与兑换并发运行，也可以多实例同时运行。
type SweepService struct {
	store     *repository.Store
	cache     cache.Cache
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	logger    *slog.Logger
	batchSize int
	now       func() time.Time
}

func NewSweepService(store *repository.Store, c cache.Cache, n notify.Notifier, m *metrics.Metrics, logger *slog.Logger, batchSize int, now func() time.Time) *SweepService {
	if c == nil {
		c = cache.Noop{}
	}
	if n == nil {
		n = notify.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	if now == nil {
		now = defaultClock
	}
	return &SweepService{
		store:     store,
		cache:     c,
		notifier:  n,
		metrics:   m,
		logger:    logger,
		batchSize: batchSize,
		now:       now,
	}
}

// SweepExpired 执行一轮清扫，返回各类实体的转换数量
func (s *SweepService) SweepExpired(ctx context.Context) (*dto.SweepResult, error) {
	now := s.now()
	result := &dto.SweepResult{}

	if err := s.sweepCodes(ctx, now, result); err != nil {
		return result, err
	}
	if err := s.sweepMemberships(ctx, now, result); err != nil {
		return result, err
	}

	s.metrics.SweepTransitions("code", result.Codes)
	s.metrics.SweepTransitions("binding", result.Bindings)
	s.metrics.SweepTransitions("membership", result.Memberships)
	if result.Codes+result.Memberships > 0 {
		s.logger.Info("sweep completed",
			"codes", result.Codes,
			"bindings", result.Bindings,
			"memberships", result.Memberships,
		)
	}
	return result, nil
}

// CountExpired 只统计待清扫的数量，不做修改
func (s *SweepService) CountExpired(ctx context.Context) (*dto.SweepResult, error) {
	now := s.now()

	codes, err := s.store.Codes.CountExpired(ctx, sweepableStatuses, now)
	if err != nil {
		return nil, storeErr(err)
	}

	memberships, err := s.store.Memberships.CountLapsed(ctx, now)
	if err != nil {
		return nil, storeErr(err)
	}

	return &dto.SweepResult{Codes: int(codes), Memberships: int(memberships)}, nil
}

func (s *SweepService) sweepCodes(ctx context.Context, now time.Time, result *dto.SweepResult) error {
	for {
		values, err := s.store.Codes.ListExpired(ctx, sweepableStatuses, now, s.batchSize)
		if err != nil {
			return storeErr(err)
		}
		if len(values) == 0 {
			return nil
		}

		progressed := 0
		for _, value := range values {
			if err := ctx.Err(); err != nil {
				return err
			}
			code, bindings, err := s.expireOne(ctx, value, now)
			if err != nil {
				s.logger.Error("sweep code failed", "code", value, "error", err)
				continue
			}
			if code == nil {
				continue
			}
			progressed++
			result.Codes++
			result.Bindings += int(bindings)

			post := context.WithoutCancel(ctx)
			s.invalidateCode(post, value)
			event := notify.NewEvent(notify.EventExpired, value, now)
			event.ServiceType = code.ServiceType
			event.ExpiresAt = code.ExpiresAt
			event.Reason = "clock elapsed"
			if err := s.notifier.Notify(post, event); err != nil {
				s.logger.Warn("notify failed", "code", value, "error", err)
			}
		}

		if progressed == 0 || len(values) < s.batchSize {
			return nil
		}
	}
}

// expireOne 锁行后复核状态；前置条件已不成立时返回 nil
func (s *SweepService) expireOne(ctx context.Context, value string, now time.Time) (*model.ActivationCode, int64, error) {
	var (
		expired  *model.ActivationCode
		bindings int64
	)
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		code, err := tx.Codes.GetByCodeForUpdate(ctx, value)
		if err != nil {
			return err
		}
		if (code.Status != model.CodeActive && code.Status != model.CodeUsed) || !code.Elapsed(now) {
			return nil
		}
		bindings, err = expireCode(ctx, tx, code)
		if err != nil {
			return err
		}
		expired = code
		return nil
	})
	if err != nil {
		return nil, 0, storeErr(err)
	}
	return expired, bindings, nil
}

func (s *SweepService) sweepMemberships(ctx context.Context, now time.Time, result *dto.SweepResult) error {
	for {
		lapsed, err := s.store.Memberships.ListLapsed(ctx, now, s.batchSize)
		if err != nil {
			return storeErr(err)
		}
		if len(lapsed) == 0 {
			return nil
		}

		progressed := 0
		for _, m := range lapsed {
			ok, err := s.store.Memberships.ExpireIfLapsed(ctx, m.ID, now)
			if err != nil {
				s.logger.Error("sweep membership failed", "user_id", m.UserID, "service_type", m.ServiceType, "error", err)
				continue
			}
			if !ok {
				continue
			}
			progressed++
			result.Memberships++
			if err := s.cache.Delete(context.WithoutCancel(ctx), cache.MembershipKey(m.UserID, m.ServiceType)); err != nil {
				s.logger.Warn("cache invalidate failed", "user_id", m.UserID, "error", err)
			}
		}

		if progressed == 0 || len(lapsed) < s.batchSize {
			return nil
		}
	}
}

func (s *SweepService) invalidateCode(ctx context.Context, code string) {
	if err := s.cache.Delete(ctx, cache.CodeKey(code), cache.StatsKey()); err != nil {
		s.logger.Warn("cache invalidate failed", "code", code, "error", err)
	}
	if err := s.cache.DeletePrefix(ctx, cache.BindingPrefix(code)); err != nil {
		s.logger.Warn("cache invalidate failed", "code", code, "error", err)
	}
}

// expireCode 在事务 tx 内把码及其有效绑定转为 expired，返回转换的绑定数
func expireCode(ctx context.Context, tx *repository.Store, code *model.ActivationCode) (int64, error) {
	if err := code.Fire(model.EventExpire); err != nil {
		return 0, err
	}
	code.StatusReason = "clock elapsed"
	if err := tx.Codes.Save(ctx, code); err != nil {
		return 0, err
	}

	n, err := tx.Bindings.TransitionByCode(ctx, code.ID, model.BindingActive, model.BindingExpired)
	if err != nil {
		return 0, err
	}

	return n, tx.Logs.Append(ctx, &model.ActivationLog{
		Code:    code.Code,
		Action:  model.ActionExpire,
		Result:  model.ResultSuccess,
		Message: fmt.Sprintf("expired at %s, %d bindings", code.ExpiresAt.Format(time.RFC3339), n),
	})
}
