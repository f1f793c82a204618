package config

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/mmdatafocus/booking_backend/appctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type guardedRow struct {
	ID       int    `gorm:"primary_key"`
	TenantId string `gorm:"size:64;not null"`
	Name     string
}

type unguardedRow struct {
	ID   int `gorm:"primary_key"`
	Name string
}

func openGuardTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenDatabase(DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&guardedRow{}, &unguardedRow{}))
	require.NoError(t, db.Create(&[]guardedRow{
		{TenantId: "t1", Name: "a"},
		{TenantId: "t1", Name: "b"},
		{TenantId: "t2", Name: "c"},
	}).Error)
	require.NoError(t, db.Create(&[]unguardedRow{{Name: "x"}, {Name: "y"}}).Error)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestTenantGuard_ScopesReadsToContextTenant(t *testing.T) {
	db := openGuardTestDB(t)
	ctx := appctx.SetTenantId(context.Background(), "t1")

	var rows []guardedRow
	require.NoError(t, db.WithContext(ctx).Find(&rows).Error)
	assert.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, "t1", r.TenantId)
	}

	// Tables without tenant_id are untouched.
	var others []unguardedRow
	require.NoError(t, db.WithContext(ctx).Find(&others).Error)
	assert.Len(t, others, 2)
}

func TestTenantGuard_ScopesWrites(t *testing.T) {
	db := openGuardTestDB(t)
	ctx := appctx.SetTenantId(context.Background(), "t2")

	res := db.WithContext(ctx).Model(&guardedRow{}).Where("name <> ?", "").Update("name", "renamed")
	require.NoError(t, res.Error)
	assert.Equal(t, int64(1), res.RowsAffected)

	var n int64
	require.NoError(t, db.Model(&guardedRow{}).Where("name = ?", "renamed").Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestTenantGuard_Bypass(t *testing.T) {
	db := openGuardTestDB(t)
	ctx := appctx.WithoutTenantScope(appctx.SetTenantId(context.Background(), "t1"))

	var rows []guardedRow
	require.NoError(t, db.WithContext(ctx).Find(&rows).Error)
	assert.Len(t, rows, 3)

	// No tenant in context means no scoping either.
	rows = nil
	require.NoError(t, db.WithContext(context.Background()).Find(&rows).Error)
	assert.Len(t, rows, 3)
}

func TestTenantGuard_ExplicitFilterIsNotDuplicated(t *testing.T) {
	db := openGuardTestDB(t)
	ctx := appctx.SetTenantId(context.Background(), "t1")

	// An explicit filter for another tenant wins over the context tenant.
	var rows []guardedRow
	require.NoError(t, db.WithContext(ctx).Where("tenant_id = ?", "t2").Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "c", rows[0].Name)
}
