package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/qs3c/license_go_server/internal/model"
	"github.com/qs3c/license_go_server/internal/testutil"
)

var now = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func setupStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.CleanupTestDB(t, db) })
	return NewStore(db), db
}

func TestCodeRepository_ExistingCodes(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()
	a := testutil.TestCode(t, db)
	b := testutil.TestCode(t, db)

	existing, err := store.Codes.ExistingCodes(ctx, []string{a.Code, "ZZZZ-ZZZZ-ZZZZ-ZZZZ", b.Code})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.Code, b.Code}, existing)

	existing, err = store.Codes.ExistingCodes(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, existing)
}

func TestCodeRepository_DuplicateCode(t *testing.T) {
	store, db := setupStore(t)
	a := testutil.TestCode(t, db)

	dup := &model.ActivationCode{
		Code:       a.Code,
		BatchID:    a.BatchID,
		Kind:       a.Kind,
		MaxDevices: 1,
		Status:     model.CodeUnused,
	}
	err := store.Codes.Create(context.Background(), dup)
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)
}

func TestCodeRepository_SaveWritesMutableFields(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()
	code := testutil.TestCode(t, db, testutil.WithMaxDevices(2))

	code.StartClock(now)
	code.UsedCount = 1
	require.NoError(t, code.Fire(model.EventBind))
	code.MaxDevices = 99
	require.NoError(t, store.Codes.Save(ctx, code))

	got, err := store.Codes.GetByCode(ctx, code.Code)
	require.NoError(t, err)
	assert.Equal(t, model.CodeActive, got.Status)
	assert.Equal(t, 1, got.UsedCount)
	assert.True(t, got.ActivatedAt.Equal(now))
	assert.True(t, got.ExpiresAt.Equal(now.Add(24*time.Hour)))
	assert.Equal(t, 2, got.MaxDevices, "immutable fields are not written")
}

func TestCodeRepository_ExpiredQueries(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()
	statuses := []model.CodeStatus{model.CodeActive, model.CodeUsed}

	old := testutil.TestCode(t, db, testutil.WithActivated(now.Add(-48*time.Hour), 1))
	boundary := testutil.TestCode(t, db, testutil.WithActivated(now.Add(-24*time.Hour), 1))
	testutil.TestCode(t, db, testutil.WithActivated(now.Add(-time.Hour), 1))
	testutil.TestCode(t, db)
	testutil.TestCode(t, db, testutil.WithActivated(now.Add(-48*time.Hour), 1), testutil.WithCodeStatus(model.CodeRevoked))

	codes, err := store.Codes.ListExpired(ctx, statuses, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{old.Code, boundary.Code}, codes)

	codes, err = store.Codes.ListExpired(ctx, statuses, now, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{old.Code}, codes)

	count, err := store.Codes.CountExpired(ctx, statuses, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestCodeRepository_CountByStatus(t *testing.T) {
	store, db := setupStore(t)
	testutil.TestCode(t, db)
	testutil.TestCode(t, db)
	testutil.TestCode(t, db, testutil.WithCodeStatus(model.CodeDisabled))

	byStatus, err := store.Codes.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[model.CodeStatus]int64{
		model.CodeUnused:   2,
		model.CodeDisabled: 1,
	}, byStatus)
}

func TestBindingRepository(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()

	first := testutil.TestCode(t, db, testutil.WithMaxDevices(3), testutil.WithActivated(now, 2))
	second := testutil.TestCode(t, db, testutil.WithActivated(now, 1))
	testutil.TestBinding(t, db, first, "dev-a", model.BindingActive)
	testutil.TestBinding(t, db, first, "dev-b", model.BindingActive)
	testutil.TestBinding(t, db, first, "dev-c", model.BindingUnbound)
	testutil.TestBinding(t, db, second, "dev-a", model.BindingActive)

	t.Run("get by code and device", func(t *testing.T) {
		b, err := store.Bindings.GetByCodeAndDevice(ctx, first.ID, "dev-c")
		require.NoError(t, err)
		assert.Equal(t, model.BindingUnbound, b.Status)

		_, err = store.Bindings.GetByCodeAndDevice(ctx, first.ID, "dev-x")
		assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
	})

	t.Run("active elsewhere", func(t *testing.T) {
		b, err := store.Bindings.FindActiveElsewhere(ctx, "dev-a", first.ID)
		require.NoError(t, err)
		assert.Equal(t, second.ID, b.CodeID)

		_, err = store.Bindings.FindActiveElsewhere(ctx, "dev-b", first.ID)
		assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	})

	t.Run("unique per code and device", func(t *testing.T) {
		err := store.Bindings.Create(ctx, &model.DeviceBinding{
			CodeID:      first.ID,
			Code:        first.Code,
			DeviceID:    "dev-a",
			UserID:      "user",
			Status:      model.BindingActive,
			ActivatedAt: now,
		})
		assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)
	})

	t.Run("list by device", func(t *testing.T) {
		bindings, err := store.Bindings.ListByDevice(ctx, "dev-a")
		require.NoError(t, err)
		assert.Len(t, bindings, 2)
	})

	t.Run("touch", func(t *testing.T) {
		b, err := store.Bindings.GetByCodeAndDevice(ctx, second.ID, "dev-a")
		require.NoError(t, err)
		require.NoError(t, store.Bindings.Touch(ctx, b.ID, now))
		require.NoError(t, store.Bindings.Touch(ctx, b.ID, now.Add(time.Minute)))

		b, err = store.Bindings.GetByCodeAndDevice(ctx, second.ID, "dev-a")
		require.NoError(t, err)
		assert.Equal(t, 2, b.ValidationCount)
		assert.True(t, b.LastValidatedAt.Equal(now.Add(time.Minute)))
	})

	t.Run("transition by code", func(t *testing.T) {
		n, err := store.Bindings.TransitionByCode(ctx, first.ID, model.BindingActive, model.BindingRevoked)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		bindings, err := store.Bindings.ListByCode(ctx, first.ID)
		require.NoError(t, err)
		require.Len(t, bindings, 3)
		assert.Equal(t, model.BindingRevoked, bindings[0].Status)
		assert.Equal(t, model.BindingRevoked, bindings[1].Status)
		assert.Equal(t, model.BindingUnbound, bindings[2].Status)
	})
}

func TestBatchRepository_Counters(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()
	batch := testutil.TestBatch(t, db)

	require.NoError(t, store.Batches.IncrementActivated(ctx, batch.ID))
	require.NoError(t, store.Batches.IncrementActivated(ctx, batch.ID))
	require.NoError(t, store.Batches.IncrementRevoked(ctx, batch.ID))

	got, err := store.Batches.GetByID(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ActivatedCount)
	assert.Equal(t, 1, got.RevokedCount)
}

func TestMembershipRepository_Lapsed(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()

	lapsed := testutil.TestMembership(t, db, "user-1", "vip", now.Add(-48*time.Hour), 24)
	testutil.TestMembership(t, db, "user-2", "vip", now.Add(-time.Hour), 24)
	forever := testutil.TestMembership(t, db, "user-3", "vip", now.Add(-48*time.Hour), 24)
	require.NoError(t, db.Model(forever).Updates(map[string]interface{}{"permanent": true, "expires_at": nil}).Error)

	ms, err := store.Memberships.ListLapsed(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, lapsed.ID, ms[0].ID)

	count, err := store.Memberships.CountLapsed(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	ok, err := store.Memberships.ExpireIfLapsed(ctx, lapsed.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)

	// 已处理过的记录前置条件不再成立
	ok, err = store.Memberships.ExpireIfLapsed(ctx, lapsed.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Memberships.Get(ctx, "user-1", "vip")
	require.NoError(t, err)
	assert.Equal(t, model.MembershipExpired, got.Status)
}

func TestMembershipRepository_Ensure(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()

	t.Run("inserts placeholder once", func(t *testing.T) {
		require.NoError(t, store.Memberships.Ensure(ctx, "user-1", "vip"))
		require.NoError(t, store.Memberships.Ensure(ctx, "user-1", "vip"))

		var count int64
		require.NoError(t, db.Model(&model.Membership{}).Where("user_id = ?", "user-1").Count(&count).Error)
		assert.Equal(t, int64(1), count)

		got, err := store.Memberships.GetForUpdate(ctx, "user-1", "vip")
		require.NoError(t, err)
		assert.Equal(t, model.MembershipInactive, got.Status)
		assert.Nil(t, got.ExpiresAt)
		assert.Equal(t, 0, got.ActivationCount)
	})

	t.Run("existing row untouched", func(t *testing.T) {
		existing := testutil.TestMembership(t, db, "user-2", "vip", now, 24)
		require.NoError(t, store.Memberships.Ensure(ctx, "user-2", "vip"))

		got, err := store.Memberships.Get(ctx, "user-2", "vip")
		require.NoError(t, err)
		assert.Equal(t, existing.ID, got.ID)
		assert.Equal(t, model.MembershipActive, got.Status)
		assert.Equal(t, 24, got.TotalHours)
	})
}

func TestStore_TransactionRollsBack(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()
	code := testutil.TestCode(t, db)

	boom := errors.New("boom")
	err := store.Transaction(ctx, func(tx *Store) error {
		locked, err := tx.Codes.GetByCodeForUpdate(ctx, code.Code)
		if err != nil {
			return err
		}
		locked.Status = model.CodeDisabled
		if err := tx.Codes.Save(ctx, locked); err != nil {
			return err
		}
		if err := tx.Logs.Append(ctx, &model.ActivationLog{Code: code.Code, Action: model.ActionDisable, Result: model.ResultSuccess}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.Codes.GetByCode(ctx, code.Code)
	require.NoError(t, err)
	assert.Equal(t, model.CodeUnused, got.Status)

	logs, err := store.Logs.ListByCode(ctx, code.Code, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestActivationLogRepository(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	entries := []*model.ActivationLog{
		{UserID: "user-1", Action: model.ActionRedeem, Result: model.ResultFailed},
		{UserID: "user-1", Action: model.ActionRedeem, Result: model.ResultSuccess},
		{UserID: "user-1", Action: model.ActionReplay, Result: model.ResultSuccess},
		{UserID: "user-2", Action: model.ActionRedeem, Result: model.ResultFailed},
	}
	for _, e := range entries {
		e.Code = "ABCD-EFGH-JKMN-PQRS"
		require.NoError(t, store.Logs.Append(ctx, e))
	}

	logs, err := store.Logs.ListByCode(ctx, "ABCD-EFGH-JKMN-PQRS", 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Greater(t, logs[0].ID, logs[1].ID)

	// 只有成功的 redeem 记录计入
	n, err := store.Logs.CountRedeemed(ctx, "ABCD-EFGH-JKMN-PQRS", "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.Logs.CountRedeemed(ctx, "ABCD-EFGH-JKMN-PQRS", "user-2")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = store.Logs.CountRedeemed(ctx, "ZZZZ-ZZZZ-ZZZZ-ZZZZ", "user-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}
