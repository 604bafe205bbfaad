package registration_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/models"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/queue"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/registration"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/store"
)

func TestSweepOnceReEnqueuesOrphans(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	// Simulate a producer that crashed between the insert and the enqueue.
	rec, err := st.InsertAccount(ctx, store.NewAccountParams{
		WorkerID:    "w1",
		AccountType: "bank",
		Hash:        "h1",
		Meta:        models.AccountMeta{Name: "Test Worker"},
	})
	require.NoError(t, err)

	q := queue.NewMemory(time.Minute)
	sweeper := registration.NewReconciler(st, q, testLogger(), time.Minute, time.Nanosecond, 5)

	time.Sleep(5 * time.Millisecond)
	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs, err := st.JobsForRecord(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, registration.JobRegisterAccount, jobs[0].Name)
	assert.Equal(t, models.JobWaiting, jobs[0].State)

	depth, _ := q.Depth(ctx)
	assert.Equal(t, int64(1), depth)

	// The record now has a live job, so the next sweep skips it.
	n, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSweepOnceRespectsMinAge(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	_, err := st.InsertAccount(ctx, store.NewAccountParams{
		WorkerID:    "w1",
		AccountType: "bank",
		Hash:        "h1",
		Meta:        models.AccountMeta{Name: "Test Worker"},
	})
	require.NoError(t, err)

	q := queue.NewMemory(time.Minute)
	sweeper := registration.NewReconciler(st, q, testLogger(), time.Minute, time.Hour, 5)

	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a record younger than the grace window is not an orphan yet")
}

func TestSweepOnceQueueDownLeavesRecordOrphaned(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	_, err := st.InsertAccount(ctx, store.NewAccountParams{
		WorkerID:    "w1",
		AccountType: "bank",
		Hash:        "h1",
		Meta:        models.AccountMeta{Name: "Test Worker"},
	})
	require.NoError(t, err)

	q := queue.NewMemory(time.Minute)
	require.NoError(t, q.Close())
	sweeper := registration.NewReconciler(st, q, testLogger(), time.Minute, time.Nanosecond, 5)

	time.Sleep(5 * time.Millisecond)
	_, err = sweeper.SweepOnce(ctx)
	require.ErrorIs(t, err, queue.ErrUnavailable)

	// The failed job does not shield the record from the next sweep.
	time.Sleep(5 * time.Millisecond)
	orphans, err := st.OrphanedAccounts(ctx, time.Now())
	require.NoError(t, err)
	assert.Len(t, orphans, 1)
}
