package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qs3c/license_go_server/internal/model"
	"github.com/qs3c/license_go_server/internal/model/dto"
	"github.com/qs3c/license_go_server/internal/pkg/cache"
	"github.com/qs3c/license_go_server/internal/pkg/license"
	"github.com/qs3c/license_go_server/internal/pkg/notify"
	"github.com/qs3c/license_go_server/internal/repository"
)

type redeemOutcome struct {
	code       *model.ActivationCode
	binding    *model.DeviceBinding
	membership *model.Membership
	replayed   bool
	// rejected 非空表示事务提交了状态修正（过期、满员），但兑换本身失败
	rejected error
}

// Redeem 兑换激活码：绑定设备、启动计时、累加会员时长并签发许可证
//
// 同一设备重复兑换同一个码返回已签发的许可证，不占用新名额。
// 事务提交后调用方取消不会回滚，超时的调用方应按 (code, device) 重试以拿到幂等结果。
func (s *ActivationService) Redeem(ctx context.Context, req *dto.RedeemRequest) (*dto.RedeemResult, error) {
	started := time.Now()
	result, err := s.redeem(ctx, req)
	s.metrics.ObserveRedeem(Reason(err), time.Since(started))
	if err != nil {
		s.logger.Info("redeem rejected",
			"code", req.Code,
			"device_id", req.DeviceID,
			"user_id", req.UserID,
			"reason", Reason(err),
		)
	}
	return result, err
}

func (s *ActivationService) redeem(ctx context.Context, req *dto.RedeemRequest) (*dto.RedeemResult, error) {
	if err := s.validate.Struct(req); err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		s.logFailure(ctx, req.Code, req.DeviceID, req.UserID, model.ActionRedeem, err)
		return nil, err
	}

	value, err := s.codes.Normalize(req.Code)
	if err != nil {
		s.logFailure(ctx, req.Code, req.DeviceID, req.UserID, model.ActionRedeem, err)
		return nil, err
	}

	if !s.limiter.Allow(req.DeviceID, s.now()) {
		s.logFailure(ctx, value, req.DeviceID, req.UserID, model.ActionRedeem, ErrRateLimited)
		return nil, ErrRateLimited
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.precheck(ctx, value); err != nil {
		s.logFailure(ctx, value, req.DeviceID, req.UserID, model.ActionRedeem, err)
		return nil, err
	}

	var out *redeemOutcome
	for attempt := 0; ; attempt++ {
		out, err = s.redeemTx(ctx, value, req)
		if errors.Is(err, ErrConcurrencyLost) && attempt == 0 {
			s.logger.Warn("redeem lost race, retrying", "code", value, "device_id", req.DeviceID)
			continue
		}
		break
	}
	if err != nil {
		s.logFailure(ctx, value, req.DeviceID, req.UserID, model.ActionRedeem, err)
		return nil, err
	}

	post := context.WithoutCancel(ctx)
	if out.rejected != nil {
		s.invalidateCode(post, value)
		if errors.Is(out.rejected, ErrCodeExpired) {
			s.publish(post, notify.EventExpired, out.code, "", "", "clock elapsed")
		}
		s.logFailure(ctx, value, req.DeviceID, req.UserID, model.ActionRedeem, out.rejected)
		return nil, out.rejected
	}

	result := &dto.RedeemResult{
		License:        out.binding.License,
		Code:           out.code.Code,
		ExpiresAt:      out.binding.ExpiresAt,
		RemainingSlots: out.code.RemainingSlots(),
		Replayed:       out.replayed,
	}
	if out.membership != nil {
		result.MembershipExpiresAt = out.membership.ExpiresAt
	}
	if out.replayed {
		return result, nil
	}

	s.invalidateCode(post, value)
	s.membership.Invalidate(post, req.UserID, out.code.ServiceType)
	s.publish(post, notify.EventRedeemed, out.code, req.DeviceID, req.UserID, "")
	s.logger.Info("code redeemed",
		"code", value,
		"device_id", req.DeviceID,
		"user_id", req.UserID,
		"used_count", out.code.UsedCount,
		"max_devices", out.code.MaxDevices,
		"status", out.code.Status,
	)
	return result, nil
}

// precheck 用缓存快照快速拒绝不可兑换的码
//
// 快照给出的拒绝结论会先读库确认，避免过期缓存误拒。可兑换的结论不做判断，交给事务。
func (s *ActivationService) precheck(ctx context.Context, value string) error {
	snap, err := s.lookupCode(ctx, value)
	if err != nil {
		return err
	}
	if admissible(snap.Status) {
		return nil
	}

	fresh, err := s.store.Codes.GetByCode(ctx, value)
	if notFound(err) {
		return ErrCodeNotFound
	}
	if err != nil {
		return storeErr(err)
	}
	if !admissible(fresh.Status) {
		s.cacheSet(ctx, cache.CodeKey(value), fresh, s.ttl.CodeTTL)
		return &CodeStateError{Status: fresh.Status}
	}
	return nil
}

// admissible used 状态仍需进入事务：可能是同设备重放，也可能需要给出 DeviceLimitReached
func admissible(status model.CodeStatus) bool {
	return status.Redeemable() || status == model.CodeUsed
}

func (s *ActivationService) redeemTx(ctx context.Context, value string, req *dto.RedeemRequest) (*redeemOutcome, error) {
	now := s.now()
	out := &redeemOutcome{}

	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		code, err := tx.Codes.GetByCodeForUpdate(ctx, value)
		if notFound(err) {
			return ErrCodeNotFound
		}
		if err != nil {
			return err
		}
		out.code = code

		if (code.Status == model.CodeActive || code.Status == model.CodeUsed) && code.Elapsed(now) {
			if _, err := expireCode(ctx, tx, code); err != nil {
				return err
			}
			out.rejected = ErrCodeExpired
			return nil
		}
		if !admissible(code.Status) {
			return &CodeStateError{Status: code.Status}
		}

		binding, err := tx.Bindings.GetByCodeAndDevice(ctx, code.ID, req.DeviceID)
		if err != nil && !notFound(err) {
			return err
		}
		if binding != nil {
			switch binding.Status {
			case model.BindingActive:
				if binding.UserID != req.UserID {
					return ErrDeviceBoundElsewhere
				}
				return s.replay(ctx, tx, out, binding, req)
			case model.BindingUnbound:
			default:
				return &CodeStateError{Status: code.Status}
			}
		}

		if code.UsedCount >= code.MaxDevices {
			if code.Status != model.CodeUsed {
				code.Status = model.CodeUsed
				if err := tx.Codes.Save(ctx, code); err != nil {
					return err
				}
			}
			out.rejected = ErrDeviceLimitReached
			return nil
		}

		if s.cfg.ExclusiveDeviceBinding {
			_, err := tx.Bindings.FindActiveElsewhere(ctx, req.DeviceID, code.ID)
			if err == nil {
				return ErrDeviceBoundElsewhere
			}
			if !notFound(err) {
				return err
			}
		}

		firstActivation := code.StartClock(now)
		code.UsedCount++
		if err := code.Fire(model.EventBind); err != nil {
			return err
		}
		if err := tx.Codes.Save(ctx, code); err != nil {
			return err
		}
		if firstActivation {
			if err := tx.Batches.IncrementActivated(ctx, code.BatchID); err != nil {
				return err
			}
		}

		token, err := s.signer.Sign(license.Payload{
			DeviceID:    req.DeviceID,
			Code:        code.Code,
			Kind:        string(code.Kind),
			Identity:    req.UserID,
			ServiceType: code.ServiceType,
			IssuedAt:    now,
			ExpiresAt:   code.ExpiresAt,
		})
		if err != nil {
			return err
		}

		if binding == nil {
			binding = &model.DeviceBinding{
				CodeID:   code.ID,
				Code:     code.Code,
				DeviceID: req.DeviceID,
				Status:   model.BindingActive,
			}
		} else if err := binding.Fire(model.EventBind); err != nil {
			return err
		}
		binding.UserID = req.UserID
		binding.ActivatedAt = now
		binding.ExpiresAt = code.ExpiresAt
		binding.License = token
		binding.ClientIP = truncate(req.ClientIP, 64)
		binding.UserAgent = truncate(req.UserAgent, 255)
		if binding.ID == 0 {
			err = tx.Bindings.Create(ctx, binding)
		} else {
			err = tx.Bindings.Save(ctx, binding)
		}
		if err != nil {
			return err
		}
		out.binding = binding

		// 同一个码对同一用户只记一次会员时长，解绑后重新绑定不再累加
		message := fmt.Sprintf("bound %d/%d", code.UsedCount, code.MaxDevices)
		credited, err := tx.Logs.CountRedeemed(ctx, code.Code, req.UserID)
		if err != nil {
			return err
		}
		if credited > 0 {
			message += ", membership already credited"
			out.membership, err = tx.Memberships.Get(ctx, req.UserID, code.ServiceType)
			if err != nil && !notFound(err) {
				return err
			}
		} else {
			out.membership, err = s.membership.Accumulate(ctx, tx, req.UserID, code.ServiceType, code.DurationHours, now)
			if err != nil {
				return err
			}
		}

		return tx.Logs.Append(ctx, &model.ActivationLog{
			Code:     code.Code,
			DeviceID: req.DeviceID,
			UserID:   req.UserID,
			Action:   model.ActionRedeem,
			Result:   model.ResultSuccess,
			Message:  message,
			ClientIP: binding.ClientIP,
		})
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return out, nil
}

// replay 同设备重复兑换，返回已签发的许可证，不改变计数
func (s *ActivationService) replay(ctx context.Context, tx *repository.Store, out *redeemOutcome, binding *model.DeviceBinding, req *dto.RedeemRequest) error {
	out.binding = binding
	out.replayed = true

	m, err := tx.Memberships.Get(ctx, binding.UserID, out.code.ServiceType)
	if err != nil && !notFound(err) {
		return err
	}
	out.membership = m

	return tx.Logs.Append(ctx, &model.ActivationLog{
		Code:     out.code.Code,
		DeviceID: req.DeviceID,
		UserID:   req.UserID,
		Action:   model.ActionReplay,
		Result:   model.ResultSuccess,
		Message:  "existing binding returned",
		ClientIP: truncate(req.ClientIP, 64),
	})
}

// Verify 离线校验许可证：签名、设备、有效期，不访问数据库
//
// 已签发的许可证感知不到之后的吊销，需要吊销感知时使用 VerifyOnline。
func (s *ActivationService) Verify(token, deviceID string) (*dto.VerifyResult, error) {
	payload, err := s.verifier.Verify(token, deviceID, s.now())
	if err != nil {
		return nil, licenseError(err)
	}
	return &dto.VerifyResult{Valid: true, Code: payload.Code, ExpiresAt: payload.ExpiresAt}, nil
}

// bindingState 在线校验用的绑定快照
type bindingState struct {
	BindingID  int64               `json:"binding_id"`
	Binding    model.BindingStatus `json:"binding"`
	CodeStatus model.CodeStatus    `json:"code_status"`
}

// VerifyOnline 在离线校验基础上核对数据库中的绑定状态，并记录一次校验
func (s *ActivationService) VerifyOnline(ctx context.Context, token, deviceID string) (*dto.VerifyResult, error) {
	result, err := s.Verify(token, deviceID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	state, err := s.lookupBinding(ctx, result.Code, deviceID)
	if err != nil {
		return nil, err
	}

	switch {
	case state == nil || state.Binding == model.BindingRevoked || state.Binding == model.BindingUnbound:
		return nil, &LicenseError{Reason: LicenseRevoked}
	case state.Binding == model.BindingExpired || state.CodeStatus == model.CodeExpired:
		return nil, &LicenseError{Reason: LicenseExpired}
	case state.CodeStatus != model.CodeActive && state.CodeStatus != model.CodeUsed:
		return nil, &LicenseError{Reason: LicenseRevoked}
	}

	if err := s.store.Bindings.Touch(ctx, state.BindingID, s.now()); err != nil {
		s.logger.Warn("record validation failed", "code", result.Code, "device_id", deviceID, "error", err)
	}
	return result, nil
}

// lookupBinding 绑定不存在时返回 nil, nil
func (s *ActivationService) lookupBinding(ctx context.Context, code, deviceID string) (*bindingState, error) {
	key := cache.BindingKey(code, deviceID)

	var state bindingState
	if s.cacheGet(ctx, key, &state) {
		return &state, nil
	}

	c, err := s.store.Codes.GetByCode(ctx, code)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}
	b, err := s.store.Bindings.GetByCodeAndDevice(ctx, c.ID, deviceID)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}

	state = bindingState{BindingID: b.ID, Binding: b.Status, CodeStatus: c.Status}
	s.cacheSet(ctx, key, &state, s.ttl.BindingTTL)
	return &state, nil
}
