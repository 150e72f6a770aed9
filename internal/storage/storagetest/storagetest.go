// Package storagetest opens throwaway databases for package tests.
package storagetest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/camuig/quant-trader/internal/model"
	"github.com/camuig/quant-trader/internal/storage"
)

// New opens a migrated SQLite database in a temp dir removed after the test.
func New(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := storage.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// Budget describes the allocation a seeded strategy draws from.
type Budget struct {
	Type  model.AllocationType
	Value float64
}

// SeedStrategy creates a RUNNING strategy with a static symbol pool and its
// own capital allocation.
func SeedStrategy(t testing.TB, db *gorm.DB, name string, budget Budget, symbols ...string) (*storage.Strategy, *storage.CapitalAllocation) {
	t.Helper()
	alloc := &storage.CapitalAllocation{
		Name:            name + "-budget",
		AllocationType:  budget.Type,
		AllocationValue: budget.Value,
	}
	require.NoError(t, db.Create(alloc).Error)

	strat := &storage.Strategy{
		Name:                name,
		Type:                "hold",
		Status:              model.StrategyRunning,
		CapitalAllocationID: &alloc.ID,
		SymbolPool:          storage.SymbolPool{Mode: storage.PoolStatic, Symbols: symbols},
	}
	require.NoError(t, db.Create(strat).Error)
	return strat, alloc
}

// Usage reloads an allocation's current usage.
func Usage(t testing.TB, db *gorm.DB, allocationID uint) float64 {
	t.Helper()
	var a storage.CapitalAllocation
	require.NoError(t, db.First(&a, allocationID).Error)
	return a.CurrentUsage
}
