package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/license_go_server/internal/model"
	"github.com/qs3c/license_go_server/internal/pkg/notify"
	"github.com/qs3c/license_go_server/internal/repository"
	"github.com/qs3c/license_go_server/internal/testutil"
)

func setupSweepFixtures(t *testing.T, e *testEnv) (elapsed, running *model.ActivationCode) {
	t.Helper()

	elapsed = testutil.TestCode(t, e.db, testutil.WithMaxDevices(2), testutil.WithActivated(t0.Add(-25*time.Hour), 2))
	testutil.TestBinding(t, e.db, elapsed, "dev-a", model.BindingActive)
	testutil.TestBinding(t, e.db, elapsed, "dev-b", model.BindingActive)
	testutil.TestBinding(t, e.db, elapsed, "dev-c", model.BindingUnbound)

	running = testutil.TestCode(t, e.db, testutil.WithMaxDevices(2), testutil.WithActivated(t0.Add(-time.Hour), 1))
	testutil.TestBinding(t, e.db, running, "dev-d", model.BindingActive)

	testutil.TestCode(t, e.db)
	testutil.TestCode(t, e.db, testutil.WithDuration(model.KindPermanent, nil), testutil.WithActivated(t0.Add(-1000*time.Hour), 1))
	// 暂停中的码即使计时结束也不由清扫处理
	testutil.TestCode(t, e.db, testutil.WithActivated(t0.Add(-48*time.Hour), 1), testutil.WithCodeStatus(model.CodeSuspended))

	testutil.TestMembership(t, e.db, "user-lapsed", "default", t0.Add(-48*time.Hour), 24)
	testutil.TestMembership(t, e.db, "user-current", "default", t0.Add(-time.Hour), 24)
	return elapsed, running
}

func TestSweepExpired(t *testing.T) {
	e := setupActivationService(t, nil)
	ctx := context.Background()
	elapsed, running := setupSweepFixtures(t, e)

	var (
		mu     sync.Mutex
		events []*notify.Event
	)
	n := notify.NotifierFunc(func(_ context.Context, ev *notify.Event) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
		return nil
	})
	sweeper := NewSweepService(e.store, nil, n, nil, nil, 0, e.clock.Now)

	preview, err := sweeper.CountExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, preview.Codes)
	assert.Equal(t, 1, preview.Memberships)

	result, err := sweeper.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Codes)
	assert.Equal(t, 2, result.Bindings)
	assert.Equal(t, 1, result.Memberships)

	code := reloadCode(t, e.db, elapsed.Code)
	assert.Equal(t, model.CodeExpired, code.Status)
	assert.Equal(t, "clock elapsed", code.StatusReason)
	assert.Equal(t, 2, code.UsedCount, "expiry keeps the occupancy record")

	statuses := map[string]model.BindingStatus{}
	for _, b := range bindingsOf(t, e.db, elapsed.Code) {
		statuses[b.DeviceID] = b.Status
	}
	assert.Equal(t, map[string]model.BindingStatus{
		"dev-a": model.BindingExpired,
		"dev-b": model.BindingExpired,
		"dev-c": model.BindingUnbound,
	}, statuses)

	assert.Equal(t, model.CodeActive, reloadCode(t, e.db, running.Code).Status)
	assert.Equal(t, model.BindingActive, bindingsOf(t, e.db, running.Code)[0].Status)

	var suspended int64
	require.NoError(t, e.db.Model(&model.ActivationCode{}).Where("status = ?", model.CodeSuspended).Count(&suspended).Error)
	assert.Equal(t, int64(1), suspended)

	lapsed, err := e.store.Memberships.Get(ctx, "user-lapsed", "default")
	require.NoError(t, err)
	assert.Equal(t, model.MembershipExpired, lapsed.Status)
	current, err := e.store.Memberships.Get(ctx, "user-current", "default")
	require.NoError(t, err)
	assert.Equal(t, model.MembershipActive, current.Status)

	mu.Lock()
	require.Len(t, events, 1)
	assert.Equal(t, notify.EventExpired, events[0].Type)
	assert.Equal(t, elapsed.Code, events[0].Code)
	mu.Unlock()

	logs, err := e.svc.ListLogs(ctx, elapsed.Code, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.ActionExpire, logs[0].Action)

	// 第二轮没有可处理的记录
	again, err := sweeper.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, *again)

	preview, err = sweeper.CountExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, *preview)
}

func TestSweepExpired_Paginates(t *testing.T) {
	e := setupActivationService(t, nil)
	for i := 0; i < 7; i++ {
		testutil.TestCode(t, e.db, testutil.WithActivated(t0.Add(-time.Duration(30+i)*time.Hour), 1))
	}

	result, err := NewSweepService(e.store, nil, nil, nil, nil, 3, e.clock.Now).SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, result.Codes)

	var remaining int64
	require.NoError(t, e.db.Model(&model.ActivationCode{}).Where("status <> ?", model.CodeExpired).Count(&remaining).Error)
	assert.Zero(t, remaining)
}

func TestSweepExpired_ConcurrentSweepers(t *testing.T) {
	e := setupActivationService(t, nil)
	for i := 0; i < 10; i++ {
		code := testutil.TestCode(t, e.db, testutil.WithActivated(t0.Add(-30*time.Hour), 1))
		testutil.TestBinding(t, e.db, code, "dev-a", model.BindingActive)
	}

	var (
		wg              sync.WaitGroup
		mu              sync.Mutex
		codes, bindings int
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := NewSweepService(e.store, nil, nil, nil, nil, 4, e.clock.Now).SweepExpired(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			codes += result.Codes
			bindings += result.Bindings
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, codes, "each code expires exactly once")
	assert.Equal(t, 10, bindings)
}

func TestSweepExpired_SkipsRowChangedUnderneath(t *testing.T) {
	e := setupActivationService(t, nil)
	code := testutil.TestCode(t, e.db, testutil.WithActivated(t0.Add(-30*time.Hour), 1))

	// 清扫读到列表后，码已被管理员吊销
	require.NoError(t, e.db.Model(code).Update("status", model.CodeRevoked).Error)

	sweeper := NewSweepService(e.store, nil, nil, nil, nil, 0, e.clock.Now)
	got, n, err := sweeper.expireOne(context.Background(), code.Code, e.clock.Now())
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, n)
	assert.Equal(t, model.CodeRevoked, reloadCode(t, e.db, code.Code).Status)
}

func TestExpireCode_IllegalFromUnused(t *testing.T) {
	e := setupActivationService(t, nil)
	code := testutil.TestCode(t, e.db)

	err := e.store.Transaction(context.Background(), func(tx *repository.Store) error {
		_, err := expireCode(context.Background(), tx, code)
		return err
	})
	assert.ErrorIs(t, err, model.ErrIllegalTransition)
}
