package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/qs3c/license_go_server/config"
	"github.com/qs3c/license_go_server/internal/model"
	"github.com/qs3c/license_go_server/internal/model/dto"
	"github.com/qs3c/license_go_server/internal/pkg/cache"
	"github.com/qs3c/license_go_server/internal/pkg/codegen"
	"github.com/qs3c/license_go_server/internal/pkg/license"
	"github.com/qs3c/license_go_server/internal/pkg/metrics"
	"github.com/qs3c/license_go_server/internal/pkg/notify"
	"github.com/qs3c/license_go_server/internal/repository"
)

func defaultClock() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// ActivationService 激活引擎：生成、兑换、校验、吊销
//
// 所有状态变化都在数据库事务内对激活码行加锁后完成，缓存只用于加速读取。
type ActivationService struct {
	store        *repository.Store
	cache        cache.Cache
	signer       *license.Signer
	verifier     *license.Verifier
	codes        *codegen.Generator
	membership   *MembershipService
	notifier     notify.Notifier
	metrics      *metrics.Metrics
	logger       *slog.Logger
	validate     *validator.Validate
	limiter      *deviceLimiter
	cfg          config.ActivationConfig
	ttl          config.CacheConfig
	queryTimeout time.Duration
	now          func() time.Time
	loads        singleflight.Group
}

type Option func(*ActivationService)

// WithClock 替换时钟，返回值应为 UTC
func WithClock(now func() time.Time) Option {
	return func(s *ActivationService) { s.now = now }
}

func WithCache(c cache.Cache) Option {
	return func(s *ActivationService) { s.cache = c }
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *ActivationService) { s.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *ActivationService) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *ActivationService) { s.logger = l }
}

// WithVerifier 使用独立加载的公钥校验，默认取签名私钥对应的公钥
func WithVerifier(v *license.Verifier) Option {
	return func(s *ActivationService) { s.verifier = v }
}

func NewActivationService(cfg *config.Config, store *repository.Store, signer *license.Signer, opts ...Option) *ActivationService {
	s := &ActivationService{
		store:        store,
		cache:        cache.Noop{},
		signer:       signer,
		notifier:     notify.Noop{},
		logger:       slog.Default(),
		validate:     validator.New(),
		limiter:      newDeviceLimiter(cfg.Activation.RedeemRatePerMinute, cfg.Activation.RedeemBurst),
		cfg:          cfg.Activation,
		ttl:          cfg.Cache,
		queryTimeout: cfg.Database.QueryTimeout,
		now:          defaultClock,
		codes: codegen.New(codegen.Options{
			Prefix:        cfg.Activation.CodePrefix,
			Segments:      cfg.Activation.Segments,
			SegmentLength: cfg.Activation.SegmentLength,
			MaxAttempts:   cfg.Activation.MaxGenerateAttempts,
		}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.verifier == nil && signer != nil {
		s.verifier = signer.Verifier()
	}
	s.membership = NewMembershipService(store, s.cache, s.ttl.MembershipTTL, s.logger, s.now)
	return s
}

// Membership 共享同一缓存与时钟的会员服务
func (s *ActivationService) Membership() *MembershipService {
	return s.membership
}

func (s *ActivationService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

// GenerateBatch 生成一批激活码，批次与码在同一个事务内写入
func (s *ActivationService) GenerateBatch(ctx context.Context, req *dto.GenerateBatchRequest) (*dto.GenerateBatchResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if s.cfg.MaxBatchSize > 0 && req.Count > s.cfg.MaxBatchSize {
		return nil, fmt.Errorf("%w: count %d exceeds max batch size %d", ErrInvalidRequest, req.Count, s.cfg.MaxBatchSize)
	}
	hours, err := req.Kind.ResolveDuration(req.DurationHours)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	serviceType := req.ServiceType
	if serviceType == "" {
		serviceType = s.cfg.DefaultServiceType
	}

	batch := &model.Batch{
		ID:            uuid.NewString(),
		Kind:          req.Kind,
		DurationHours: hours,
		ServiceType:   serviceType,
		MaxDevices:    req.MaxDevices,
		Description:   req.Description,
		CreatedBy:     req.CreatedBy,
		TotalCount:    req.Count,
	}

	var values []string
	for attempt := 0; ; attempt++ {
		values, err = s.generateTx(ctx, batch, req.Count)
		if errors.Is(err, ErrConcurrencyLost) && attempt == 0 {
			continue
		}
		break
	}
	if err != nil {
		s.logger.Error("generate batch failed", "batch_id", batch.ID, "count", req.Count, "error", err)
		return nil, err
	}

	s.metrics.CodesGenerated(len(values))
	s.invalidate(context.WithoutCancel(ctx), cache.StatsKey())
	s.logger.Info("batch generated",
		"batch_id", batch.ID,
		"kind", batch.Kind,
		"count", len(values),
		"service_type", serviceType,
		"created_by", req.CreatedBy,
	)

	return &dto.GenerateBatchResponse{BatchID: batch.ID, Codes: values}, nil
}

func (s *ActivationService) generateTx(ctx context.Context, batch *model.Batch, count int) ([]string, error) {
	var values []string
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		if err := tx.Batches.Create(ctx, batch); err != nil {
			return err
		}

		var err error
		values, err = s.codes.Generate(ctx, count, tx.Codes.ExistingCodes)
		if err != nil {
			return err
		}

		codes := make([]*model.ActivationCode, 0, len(values))
		for _, v := range values {
			codes = append(codes, &model.ActivationCode{
				Code:          v,
				BatchID:       batch.ID,
				Kind:          batch.Kind,
				DurationHours: batch.DurationHours,
				ServiceType:   batch.ServiceType,
				MaxDevices:    batch.MaxDevices,
				Status:        model.CodeUnused,
			})
		}
		if err := tx.Codes.CreateInBatches(ctx, codes); err != nil {
			return err
		}

		return tx.Logs.Append(ctx, &model.ActivationLog{
			Code:    batch.ID,
			UserID:  batch.CreatedBy,
			Action:  model.ActionGenerate,
			Result:  model.ResultSuccess,
			Message: fmt.Sprintf("generated %d %s codes", len(values), batch.Kind),
		})
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return values, nil
}

// Revoke 吊销激活码及其所有有效绑定，不可逆；重复吊销视为成功
func (s *ActivationService) Revoke(ctx context.Context, raw, reason string) error {
	_, err := s.changeStatus(ctx, raw, model.EventRevoke, model.ActionRevoke, reason)
	return err
}

// Suspend 暂停激活码，暂停期间不可兑换，在线校验视为吊销
func (s *ActivationService) Suspend(ctx context.Context, raw, reason string) (*dto.CodeInfo, error) {
	code, err := s.changeStatus(ctx, raw, model.EventSuspend, model.ActionSuspend, reason)
	if err != nil {
		return nil, err
	}
	return toCodeInfo(code), nil
}

// Reinstate 解除暂停，状态按已绑定设备数恢复
func (s *ActivationService) Reinstate(ctx context.Context, raw string) (*dto.CodeInfo, error) {
	code, err := s.changeStatus(ctx, raw, model.EventReinstate, model.ActionReinstate, "")
	if err != nil {
		return nil, err
	}
	return toCodeInfo(code), nil
}

// Disable 作废尚未使用的激活码
func (s *ActivationService) Disable(ctx context.Context, raw, reason string) (*dto.CodeInfo, error) {
	code, err := s.changeStatus(ctx, raw, model.EventDisable, model.ActionDisable, reason)
	if err != nil {
		return nil, err
	}
	return toCodeInfo(code), nil
}

func (s *ActivationService) changeStatus(ctx context.Context, raw string, e model.CodeEvent, action, reason string) (*model.ActivationCode, error) {
	value, err := s.codes.Normalize(raw)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		code    *model.ActivationCode
		changed bool
	)
	err = s.store.Transaction(ctx, func(tx *repository.Store) error {
		var err error
		code, err = tx.Codes.GetByCodeForUpdate(ctx, value)
		if notFound(err) {
			return ErrCodeNotFound
		}
		if err != nil {
			return err
		}

		if e == model.EventRevoke && code.Status == model.CodeRevoked {
			return nil
		}
		if !code.Status.CanFire(e) {
			return &CodeStateError{Status: code.Status}
		}
		if err := code.Fire(e); err != nil {
			return err
		}
		code.StatusReason = reason
		if err := tx.Codes.Save(ctx, code); err != nil {
			return err
		}

		if e == model.EventRevoke {
			for _, from := range []model.BindingStatus{model.BindingActive, model.BindingUnbound} {
				if _, err := tx.Bindings.TransitionByCode(ctx, code.ID, from, model.BindingRevoked); err != nil {
					return err
				}
			}
			if err := tx.Batches.IncrementRevoked(ctx, code.BatchID); err != nil {
				return err
			}
		}

		changed = true
		return tx.Logs.Append(ctx, &model.ActivationLog{
			Code:    code.Code,
			Action:  action,
			Result:  model.ResultSuccess,
			Message: fmt.Sprintf("status -> %s: %s", code.Status, reason),
		})
	})
	if err = storeErr(err); err != nil {
		s.logFailure(ctx, value, "", "", action, err)
		return nil, err
	}
	if !changed {
		return code, nil
	}

	post := context.WithoutCancel(ctx)
	s.invalidateCode(post, code.Code)
	s.logger.Info("code status changed", "code", code.Code, "status", code.Status, "action", action, "reason", reason)

	switch e {
	case model.EventRevoke:
		s.publish(post, notify.EventRevoked, code, "", "", reason)
	case model.EventSuspend:
		s.publish(post, notify.EventSuspended, code, "", "", reason)
	}
	return code, nil
}

// Unbind 释放某台设备占用的名额
//
// 激活码计时已结束时不归还名额：码与其绑定一起转为 expired 并返回 ErrCodeExpired；
// 否则绑定转为 unbound，used_count 减一，used 状态回到 active。
func (s *ActivationService) Unbind(ctx context.Context, raw, deviceID string) (*dto.CodeInfo, error) {
	value, err := s.codes.Normalize(raw)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		code    *model.ActivationCode
		binding *model.DeviceBinding
		expired bool
	)
	now := s.now()
	err = s.store.Transaction(ctx, func(tx *repository.Store) error {
		var err error
		code, err = tx.Codes.GetByCodeForUpdate(ctx, value)
		if notFound(err) {
			return ErrCodeNotFound
		}
		if err != nil {
			return err
		}

		binding, err = tx.Bindings.GetByCodeAndDevice(ctx, code.ID, deviceID)
		if notFound(err) || (err == nil && binding.Status != model.BindingActive) {
			return ErrBindingNotFound
		}
		if err != nil {
			return err
		}

		if code.Status != model.CodeActive && code.Status != model.CodeUsed {
			return &CodeStateError{Status: code.Status}
		}
		if code.Elapsed(now) {
			expired = true
			_, err := expireCode(ctx, tx, code)
			return err
		}

		if err := binding.Fire(model.EventRelease); err != nil {
			return err
		}
		if err := tx.Bindings.Save(ctx, binding); err != nil {
			return err
		}
		code.UsedCount--
		if err := code.Fire(model.EventRelease); err != nil {
			return err
		}
		if err := tx.Codes.Save(ctx, code); err != nil {
			return err
		}

		return tx.Logs.Append(ctx, &model.ActivationLog{
			Code:     code.Code,
			DeviceID: deviceID,
			UserID:   binding.UserID,
			Action:   model.ActionUnbind,
			Result:   model.ResultSuccess,
			Message:  fmt.Sprintf("slot released, %d/%d used", code.UsedCount, code.MaxDevices),
		})
	})
	if err = storeErr(err); err != nil {
		s.logFailure(ctx, value, deviceID, "", model.ActionUnbind, err)
		return nil, err
	}

	post := context.WithoutCancel(ctx)
	s.invalidateCode(post, code.Code)
	if expired {
		s.publish(post, notify.EventExpired, code, "", "", "clock elapsed")
		s.logFailure(ctx, value, deviceID, binding.UserID, model.ActionUnbind, ErrCodeExpired)
		return nil, ErrCodeExpired
	}

	s.publish(post, notify.EventUnbound, code, deviceID, binding.UserID, "")
	return toCodeInfo(code), nil
}

// GetCode 激活码状态页，优先读缓存
func (s *ActivationService) GetCode(ctx context.Context, raw string) (*dto.CodeInfo, error) {
	value, err := s.codes.Normalize(raw)
	if err != nil {
		return nil, err
	}
	code, err := s.lookupCode(ctx, value)
	if err != nil {
		return nil, err
	}
	return toCodeInfo(code), nil
}

func (s *ActivationService) ListBindings(ctx context.Context, raw string) ([]*model.DeviceBinding, error) {
	value, err := s.codes.Normalize(raw)
	if err != nil {
		return nil, err
	}
	code, err := s.store.Codes.GetByCode(ctx, value)
	if notFound(err) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}
	bindings, err := s.store.Bindings.ListByCode(ctx, code.ID)
	return bindings, storeErr(err)
}

// ListDeviceBindings 设备在所有激活码上的绑定记录
func (s *ActivationService) ListDeviceBindings(ctx context.Context, deviceID string) ([]*model.DeviceBinding, error) {
	bindings, err := s.store.Bindings.ListByDevice(ctx, deviceID)
	return bindings, storeErr(err)
}

func (s *ActivationService) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	batch, err := s.store.Batches.GetByID(ctx, id)
	if notFound(err) {
		return nil, ErrBatchNotFound
	}
	return batch, storeErr(err)
}

func (s *ActivationService) ListBatchCodes(ctx context.Context, id string) ([]*dto.CodeInfo, error) {
	if _, err := s.GetBatch(ctx, id); err != nil {
		return nil, err
	}
	codes, err := s.store.Codes.ListByBatch(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	infos := make([]*dto.CodeInfo, 0, len(codes))
	for _, c := range codes {
		infos = append(infos, toCodeInfo(c))
	}
	return infos, nil
}

// CodeStats 按状态聚合，结果短时缓存
func (s *ActivationService) CodeStats(ctx context.Context) (*dto.CodeStats, error) {
	var stats dto.CodeStats
	if s.cacheGet(ctx, cache.StatsKey(), &stats) {
		return &stats, nil
	}

	byStatus, err := s.store.Codes.CountByStatus(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	stats.ByStatus = byStatus
	for _, n := range byStatus {
		stats.Total += n
	}
	s.cacheSet(ctx, cache.StatsKey(), &stats, s.ttl.StatsTTL)
	return &stats, nil
}

// ListLogs 激活码的审计记录，最新的在前
func (s *ActivationService) ListLogs(ctx context.Context, raw string, limit int) ([]*model.ActivationLog, error) {
	value, err := s.codes.Normalize(raw)
	if err != nil {
		// 批次生成记录以批次 ID 作为 code
		if _, uerr := uuid.Parse(raw); uerr != nil {
			return nil, err
		}
		value = raw
	}
	logs, err := s.store.Logs.ListByCode(ctx, value, limit)
	return logs, storeErr(err)
}

// lookupCode 先读缓存，未命中时合并并发读库并回填
func (s *ActivationService) lookupCode(ctx context.Context, value string) (*model.ActivationCode, error) {
	var snap model.ActivationCode
	if s.cacheGet(ctx, cache.CodeKey(value), &snap) && snap.Status.Valid() {
		return &snap, nil
	}

	v, err, _ := s.loads.Do(value, func() (interface{}, error) {
		code, err := s.store.Codes.GetByCode(ctx, value)
		if notFound(err) {
			return nil, ErrCodeNotFound
		}
		if err != nil {
			return nil, storeErr(err)
		}
		s.cacheSet(ctx, cache.CodeKey(value), code, s.ttl.CodeTTL)
		return code, nil
	})
	if err != nil {
		return nil, err
	}
	code := *v.(*model.ActivationCode)
	return &code, nil
}

// cacheGet 缓存故障视为未命中
func (s *ActivationService) cacheGet(ctx context.Context, key string, dest interface{}) bool {
	hit, err := s.cache.Get(ctx, key, dest)
	switch {
	case err != nil:
		s.metrics.CacheRequest(metrics.CacheError)
		s.logger.Warn("cache get failed, falling back to store", "key", key, "error", err)
		return false
	case hit:
		s.metrics.CacheRequest(metrics.CacheHit)
	default:
		s.metrics.CacheRequest(metrics.CacheMiss)
	}
	return hit
}

func (s *ActivationService) cacheSet(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if err := s.cache.Set(ctx, key, value, ttl); err != nil {
		s.logger.Warn("cache set failed", "key", key, "error", err)
	}
}

func (s *ActivationService) invalidate(ctx context.Context, keys ...string) {
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.logger.Warn("cache invalidate failed", "keys", keys, "error", err)
	}
}

// invalidateCode 清除码快照、该码所有设备绑定快照与统计
func (s *ActivationService) invalidateCode(ctx context.Context, code string) {
	s.invalidate(ctx, cache.CodeKey(code), cache.StatsKey())
	if err := s.cache.DeletePrefix(ctx, cache.BindingPrefix(code)); err != nil {
		s.logger.Warn("cache invalidate failed", "prefix", cache.BindingPrefix(code), "error", err)
	}
}

// ApplyEvent 处理其它实例广播的事件，清除本地缓存中受影响的条目
func (s *ActivationService) ApplyEvent(ctx context.Context, event *notify.Event) {
	if event == nil {
		return
	}
	if !s.codes.Valid(event.Code) {
		s.logger.Warn("ignoring event with malformed code", "event_id", event.ID, "code", event.Code)
		return
	}
	s.invalidateCode(ctx, event.Code)
	if event.UserID != "" && event.ServiceType != "" {
		s.membership.Invalidate(ctx, event.UserID, event.ServiceType)
	}
}

func (s *ActivationService) publish(ctx context.Context, eventType string, code *model.ActivationCode, deviceID, userID, reason string) {
	event := notify.NewEvent(eventType, code.Code, s.now())
	event.DeviceID = deviceID
	event.UserID = userID
	event.ServiceType = code.ServiceType
	event.ExpiresAt = code.ExpiresAt
	event.Reason = reason
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.logger.Warn("notify failed", "type", eventType, "code", code.Code, "error", err)
	}
}

// logFailure 失败结果写入审计日志，不受调用方取消影响
func (s *ActivationService) logFailure(ctx context.Context, code, deviceID, userID, action string, cause error) {
	ctx = context.WithoutCancel(ctx)
	entry := &model.ActivationLog{
		Code:     truncate(code, 64),
		DeviceID: truncate(deviceID, 128),
		UserID:   truncate(userID, 64),
		Action:   action,
		Result:   model.ResultFailed,
		Message:  truncate(Reason(cause), 255),
	}
	if err := s.store.Logs.Append(ctx, entry); err != nil {
		s.logger.Error("append activation log failed", "code", code, "action", action, "error", err)
	}
}

// truncate 截断到不超过 n 字节，不拆开多字节字符
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func toCodeInfo(c *model.ActivationCode) *dto.CodeInfo {
	return &dto.CodeInfo{
		Code:           c.Code,
		BatchID:        c.BatchID,
		Kind:           c.Kind,
		DurationHours:  c.DurationHours,
		ServiceType:    c.ServiceType,
		Status:         c.Status,
		StatusReason:   c.StatusReason,
		MaxDevices:     c.MaxDevices,
		UsedCount:      c.UsedCount,
		RemainingSlots: c.RemainingSlots(),
		ActivatedAt:    c.ActivatedAt,
		ExpiresAt:      c.ExpiresAt,
	}
}
