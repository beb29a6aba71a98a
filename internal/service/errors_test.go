package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"

	"github.com/qs3c/license_go_server/internal/model"
	"github.com/qs3c/license_go_server/internal/pkg/license"
)

func TestReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "success"},
		{"state", &CodeStateError{Status: model.CodeRevoked}, "code_invalid_state:revoked"},
		{"wrapped state", fmt.Errorf("tx: %w", &CodeStateError{Status: model.CodeSuspended}), "code_invalid_state:suspended"},
		{"license", &LicenseError{Reason: LicenseExpired}, "invalid_license:expired"},
		{"malformed", ErrMalformedCode, "malformed_code"},
		{"not found", ErrCodeNotFound, "code_not_found"},
		{"expired", ErrCodeExpired, "code_expired"},
		{"limit", ErrDeviceLimitReached, "device_limit_reached"},
		{"elsewhere", ErrDeviceBoundElsewhere, "device_bound_elsewhere"},
		{"exhausted", ErrGenerationExhausted, "generation_exhausted"},
		{"binding", ErrBindingNotFound, "binding_not_found"},
		{"batch", ErrBatchNotFound, "batch_not_found"},
		{"race", ErrConcurrencyLost, "concurrency_lost"},
		{"rate", ErrRateLimited, "rate_limited"},
		{"request", fmt.Errorf("%w: count", ErrInvalidRequest), "invalid_request"},
		{"cache", ErrCacheUnavailable, "cache_unavailable"},
		{"unknown", errors.New("connection reset"), "store_unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Reason(tt.err))
		})
	}
}

func TestLicenseError(t *testing.T) {
	assert.Equal(t, LicenseDeviceMismatch, licenseError(license.ErrDeviceMismatch).Reason)
	assert.Equal(t, LicenseExpired, licenseError(fmt.Errorf("x: %w", license.ErrExpired)).Reason)

	bad := licenseError(license.ErrBadSignature)
	assert.Equal(t, LicenseBadSignature, bad.Reason)
	assert.ErrorIs(t, bad, ErrInvalidLicense)
	assert.Contains(t, bad.Error(), "bad_signature")
}

func TestStoreErr(t *testing.T) {
	assert.NoError(t, storeErr(nil))

	business := &CodeStateError{Status: model.CodeUsed}
	assert.Same(t, business, storeErr(business))

	assert.ErrorIs(t, storeErr(fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey)), ErrConcurrencyLost)
	assert.ErrorIs(t, storeErr(model.ErrIllegalTransition), model.ErrIllegalTransition)
	assert.ErrorIs(t, storeErr(context.Canceled), context.Canceled)

	// 死锁与锁等待超时交给兑换流程的单次重试
	for _, err := range []error{
		&mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"},
		&mysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"},
		fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40P01"}),
		&pgconn.PgError{Code: "40001"},
	} {
		got := storeErr(err)
		assert.ErrorIs(t, got, ErrConcurrencyLost, "%v", err)
		assert.Equal(t, "concurrency_lost", Reason(got))
	}
	assert.ErrorIs(t, storeErr(&mysql.MySQLError{Number: 1045}), ErrStoreUnavailable)
	assert.ErrorIs(t, storeErr(&pgconn.PgError{Code: "08006"}), ErrStoreUnavailable)

	wrapped := storeErr(errors.New("dial tcp: refused"))
	assert.ErrorIs(t, wrapped, ErrStoreUnavailable)
	assert.Equal(t, "store_unavailable", Reason(wrapped))
}
