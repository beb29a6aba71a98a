package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/qs3c/license_go_server/internal/model"
	"github.com/qs3c/license_go_server/internal/pkg/cache"
	"github.com/qs3c/license_go_server/internal/pkg/codegen"
	"github.com/qs3c/license_go_server/internal/pkg/license"
)

var (
	ErrMalformedCode        = codegen.ErrMalformedCode
	ErrGenerationExhausted  = codegen.ErrGenerationExhausted
	ErrCacheUnavailable     = cache.ErrCacheUnavailable
	ErrCodeNotFound         = errors.New("激活码不存在")
	ErrCodeInvalidState     = errors.New("激活码当前状态不可用")
	ErrCodeExpired          = errors.New("激活码已过期")
	ErrDeviceLimitReached   = errors.New("激活码设备数已满")
	ErrDeviceBoundElsewhere = errors.New("设备已被其它激活码或用户占用")
	ErrBindingNotFound      = errors.New("设备绑定不存在")
	ErrBatchNotFound        = errors.New("批次不存在")
	ErrInvalidLicense       = errors.New("许可证无效")
	ErrStoreUnavailable     = errors.New("存储不可用")
	ErrConcurrencyLost      = errors.New("并发竞争失败")
	ErrRateLimited          = errors.New("请求过于频繁")
	ErrInvalidRequest       = errors.New("请求参数错误")
)

// 许可证无效的具体原因
const (
	LicenseBadSignature   = "bad_signature"
	LicenseDeviceMismatch = "device_mismatch"
	LicenseExpired        = "expired"
	LicenseRevoked        = "revoked"
)

// CodeStateError 激活码处于不可兑换的状态
type CodeStateError struct {
	Status model.CodeStatus
}

func (e *CodeStateError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCodeInvalidState.Error(), e.Status)
}

func (e *CodeStateError) Unwrap() error { return ErrCodeInvalidState }

// LicenseError 许可证校验失败
type LicenseError struct {
	Reason string
	Err    error
}

func (e *LicenseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrInvalidLicense.Error(), e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrInvalidLicense.Error(), e.Reason)
}

func (e *LicenseError) Unwrap() error { return ErrInvalidLicense }

func licenseError(err error) *LicenseError {
	switch {
	case errors.Is(err, license.ErrDeviceMismatch):
		return &LicenseError{Reason: LicenseDeviceMismatch}
	case errors.Is(err, license.ErrExpired):
		return &LicenseError{Reason: LicenseExpired}
	default:
		return &LicenseError{Reason: LicenseBadSignature, Err: err}
	}
}

// Reason 把任意错误映射为对外的原因字符串，nil 返回 "success"
func Reason(err error) string {
	var stateErr *CodeStateError
	var licErr *LicenseError

	switch {
	case err == nil:
		return "success"
	case errors.As(err, &stateErr):
		return "code_invalid_state:" + string(stateErr.Status)
	case errors.As(err, &licErr):
		return "invalid_license:" + licErr.Reason
	case errors.Is(err, ErrMalformedCode):
		return "malformed_code"
	case errors.Is(err, ErrCodeNotFound):
		return "code_not_found"
	case errors.Is(err, ErrCodeExpired):
		return "code_expired"
	case errors.Is(err, ErrDeviceLimitReached):
		return "device_limit_reached"
	case errors.Is(err, ErrDeviceBoundElsewhere):
		return "device_bound_elsewhere"
	case errors.Is(err, ErrGenerationExhausted):
		return "generation_exhausted"
	case errors.Is(err, ErrBindingNotFound):
		return "binding_not_found"
	case errors.Is(err, ErrBatchNotFound):
		return "batch_not_found"
	case errors.Is(err, ErrConcurrencyLost):
		return "concurrency_lost"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrCacheUnavailable):
		return "cache_unavailable"
	default:
		return "store_unavailable"
	}
}

// isBusiness 业务结果类错误，不属于基础设施故障
func isBusiness(err error) bool {
	return errors.Is(err, ErrCodeInvalidState) ||
		errors.Is(err, ErrCodeNotFound) ||
		errors.Is(err, ErrCodeExpired) ||
		errors.Is(err, ErrDeviceLimitReached) ||
		errors.Is(err, ErrDeviceBoundElsewhere) ||
		errors.Is(err, ErrBindingNotFound) ||
		errors.Is(err, ErrBatchNotFound) ||
		errors.Is(err, ErrMalformedCode) ||
		errors.Is(err, ErrGenerationExhausted) ||
		errors.Is(err, ErrInvalidLicense) ||
		errors.Is(err, ErrConcurrencyLost) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrInvalidRequest)
}

// storeErr 把数据库层错误归一：唯一键冲突、死锁、锁等待超时视为并发竞争，其余包成 ErrStoreUnavailable
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case isBusiness(err):
		return err
	case errors.Is(err, gorm.ErrDuplicatedKey), lockConflict(err):
		return fmt.Errorf("%w: %v", ErrConcurrencyLost, err)
	case errors.Is(err, model.ErrIllegalTransition):
		return err
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

// lockConflict MySQL 1213/1205，Postgres 40001/40P01
func lockConflict(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1213 || myErr.Number == 1205
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func notFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
