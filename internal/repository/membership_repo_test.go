package repository

import (
	"context"
	"testing"
	"time"

	"visabilling/internal/model"
	"visabilling/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestMembershipRepository_FindExtensionTarget(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewMembershipRepository(db)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	err := db.Transaction(func(tx *gorm.DB) error {
		m, err := repo.FindExtensionTargetForUpdate(ctx, tx, "U1", "P30", now)
		assert.Nil(t, m)
		return err
	})
	require.NoError(t, err)

	expired := &model.UserMembership{
		UserID: "U1", MembershipPlanID: "P30", Status: model.MembershipStatusActive,
		StartDate: now.AddDate(0, 0, -40), EndDate: now.AddDate(0, 0, -10),
	}
	require.NoError(t, repo.Create(ctx, nil, expired))

	err = db.Transaction(func(tx *gorm.DB) error {
		m, err := repo.FindExtensionTargetForUpdate(ctx, tx, "U1", "P30", now)
		assert.Nil(t, m, "已过期的记录不是续期目标")
		return err
	})
	require.NoError(t, err)

	require.NoError(t, repo.ReleaseSlot(ctx, db, "U1", "P30"))
	active := &model.UserMembership{
		UserID: "U1", MembershipPlanID: "P30", Status: model.MembershipStatusActive,
		StartDate: now, EndDate: now.AddDate(0, 0, 10),
	}
	require.NoError(t, repo.Create(ctx, nil, active))

	err = db.Transaction(func(tx *gorm.DB) error {
		m, err := repo.FindExtensionTargetForUpdate(ctx, tx, "U1", "P30", now)
		require.NotNil(t, m)
		assert.Equal(t, active.ID, m.ID)
		return err
	})
	require.NoError(t, err)
}

func TestMembershipRepository_SlotKeyIsUnique(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewMembershipRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	first := &model.UserMembership{UserID: "U1", MembershipPlanID: "P30", Status: model.MembershipStatusActive, StartDate: now, EndDate: now.AddDate(0, 0, 30)}
	second := &model.UserMembership{UserID: "U1", MembershipPlanID: "P30", Status: model.MembershipStatusActive, StartDate: now, EndDate: now.AddDate(0, 0, 30)}

	require.NoError(t, repo.Create(ctx, nil, first))
	assert.Error(t, repo.Create(ctx, nil, second), "同一 (user, plan) 只能有一个续期目标")

	require.NoError(t, repo.ReleaseSlot(ctx, db, "U1", "P30"))
	second.ID = 0
	assert.NoError(t, repo.Create(ctx, nil, second))

	other := &model.UserMembership{UserID: "U1", MembershipPlanID: "P365", Status: model.MembershipStatusActive, StartDate: now, EndDate: now.AddDate(1, 0, 0)}
	assert.NoError(t, repo.Create(ctx, nil, other), "不同套餐互不影响")

	// id 中带 ":" 的两组 (user, plan) 拼起来一样，也不能共用续期目标
	a := &model.UserMembership{UserID: "a", MembershipPlanID: "b:c", Status: model.MembershipStatusActive, StartDate: now, EndDate: now.AddDate(0, 0, 30)}
	b := &model.UserMembership{UserID: "a:b", MembershipPlanID: "c", Status: model.MembershipStatusActive, StartDate: now, EndDate: now.AddDate(0, 0, 30)}
	require.NoError(t, repo.Create(ctx, nil, a))
	assert.NoError(t, repo.Create(ctx, nil, b))
}

func TestMembershipRepository_ExtendEndDate(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewMembershipRepository(db)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	m := &model.UserMembership{UserID: "U1", MembershipPlanID: "P30", Status: model.MembershipStatusActive, StartDate: now, EndDate: now.AddDate(0, 0, 10)}
	require.NoError(t, repo.Create(ctx, nil, m))

	newEnd := now.AddDate(0, 0, 40)
	require.NoError(t, repo.ExtendEndDate(ctx, db, m.ID, newEnd))

	var got model.UserMembership
	require.NoError(t, db.First(&got, m.ID).Error)
	assert.True(t, newEnd.Equal(got.EndDate))

	require.NoError(t, db.Model(&model.UserMembership{}).Where("id = ?", m.ID).Update("status", model.MembershipStatusCancelled).Error)
	assert.ErrorIs(t, repo.ExtendEndDate(ctx, db, m.ID, newEnd.AddDate(0, 0, 1)), ErrMembershipConflict)
	assert.ErrorIs(t, repo.ExtendEndDate(ctx, db, 9999, newEnd), ErrMembershipConflict)
}

func TestMembershipRepository_ListActiveByUserID(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewMembershipRepository(db)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	rows := []*model.UserMembership{
		{UserID: "U1", MembershipPlanID: "P30", Status: model.MembershipStatusActive, StartDate: now, EndDate: now.AddDate(0, 0, 5)},
		{UserID: "U1", MembershipPlanID: "P90", Status: model.MembershipStatusActive, StartDate: now, EndDate: now.AddDate(0, 0, -1)},
		{UserID: "U1", MembershipPlanID: "P365", Status: model.MembershipStatusCancelled, StartDate: now, EndDate: now.AddDate(1, 0, 0)},
		{UserID: "U2", MembershipPlanID: "P30", Status: model.MembershipStatusActive, StartDate: now, EndDate: now.AddDate(0, 0, 5)},
	}
	for _, m := range rows {
		require.NoError(t, repo.Create(ctx, nil, m))
	}

	list, err := repo.ListActiveByUserID(ctx, "U1", now)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "P30", list[0].MembershipPlanID)
}
