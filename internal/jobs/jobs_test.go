package jobs

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/quant-trader/internal/backfill"
	"github.com/camuig/quant-trader/internal/logger"
	"github.com/camuig/quant-trader/internal/reconcile"
)

type fakeReconciler struct {
	err   error
	calls int
}

func (f *fakeReconciler) Run(context.Context) (*reconcile.Report, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &reconcile.Report{}, nil
}

type fakeBackfill struct{ calls int }

func (f *fakeBackfill) Run(context.Context) (*backfill.Result, error) {
	f.calls++
	return &backfill.Result{}, nil
}

type fakeCleaner struct{ removed int64 }

func (f fakeCleaner) CleanupStopped(context.Context) (int64, error) { return f.removed, nil }

var specs = Specs{Reconcile: "0 */5 * * * *", Backfill: "0 30 2 * * *", Cleanup: "0 0 3 * * *"}

func TestRegister(t *testing.T) {
	r := NewRunner(context.Background(), &fakeReconciler{}, &fakeBackfill{}, fakeCleaner{}, logger.Nop())
	require.NoError(t, r.Register(specs))
	assert.Len(t, r.cron.Entries(), 3)

	r = NewRunner(context.Background(), &fakeReconciler{}, nil, fakeCleaner{}, logger.Nop())
	require.NoError(t, r.Register(specs))
	assert.Len(t, r.cron.Entries(), 2, "backfill is optional")

	bad := specs
	bad.Reconcile = "every five minutes"
	r = NewRunner(context.Background(), &fakeReconciler{}, nil, fakeCleaner{}, logger.Nop())
	assert.Error(t, r.Register(bad))
}

func TestReconcileOverlapIsSkipped(t *testing.T) {
	var buf bytes.Buffer
	rec := &fakeReconciler{err: reconcile.ErrSyncInProgress}
	r := NewRunner(context.Background(), rec, nil, fakeCleaner{}, logger.NewWithWriter(&buf, "debug"))

	r.Reconcile()
	assert.Equal(t, 1, rec.calls)
	assert.Contains(t, buf.String(), "tick skipped")
	assert.NotContains(t, buf.String(), "reconciliation failed")

	buf.Reset()
	rec.err = errors.New("broker down")
	r.Reconcile()
	assert.Contains(t, buf.String(), "reconciliation failed")
}

func TestBackfillAndCleanup(t *testing.T) {
	var buf bytes.Buffer
	bf := &fakeBackfill{}
	r := NewRunner(context.Background(), &fakeReconciler{}, bf, fakeCleaner{removed: 2}, logger.NewWithWriter(&buf, "debug"))

	r.Backfill()
	r.Cleanup()
	assert.Equal(t, 1, bf.calls)
	assert.Contains(t, buf.String(), "idle instances of stopped strategies removed")
}
