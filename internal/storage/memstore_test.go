package storage_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/pubq/internal/domain"
	"github.com/you/pubq/internal/storage"
)

func newItem(id, projectID string, scheduledFor time.Time) domain.ScheduleItem {
	return domain.ScheduleItem{
		ID:           id,
		ContentID:    "content-" + id,
		ProjectID:    projectID,
		ScheduledFor: scheduledFor,
		QueueStatus:  domain.QueuePending,
		Status:       domain.StatusScheduled,
		MaxAttempts:  domain.DefaultMaxAttempts,
		CreatedAt:    scheduledFor,
		UpdatedAt:    scheduledFor,
	}
}

func TestMemStore_LeaseExclusivity(t *testing.T) {
	t.Parallel()

	store := storage.NewMemStore()
	store.PutItem(newItem("sched_1", "proj_1", time.Now().Add(-time.Minute)))

	const racers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.MarkProcessing(context.Background(), "sched_1")
			require.NoError(t, err)
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners, "exactly one concurrent lease attempt may win")

	it, found := store.ItemSnapshot("sched_1")
	require.True(t, found)
	assert.Equal(t, domain.QueueProcessing, it.QueueStatus)
	assert.Equal(t, 1, it.Attempts)
}

func TestMemStore_LeaseRespectsStickyTerminalStates(t *testing.T) {
	t.Parallel()

	for _, status := range []domain.QueueStatus{domain.QueueCompleted, domain.QueueCancelled} {
		store := storage.NewMemStore()
		it := newItem("sched_1", "proj_1", time.Now().Add(-time.Minute))
		it.QueueStatus = status
		store.PutItem(it)

		_, ok, err := store.MarkProcessing(context.Background(), "sched_1")
		require.NoError(t, err)
		assert.False(t, ok, "lease must be rejected for %s", status)

		after, _ := store.ItemSnapshot("sched_1")
		assert.Equal(t, status, after.QueueStatus)
	}
}

func TestMemStore_CancelThenLease(t *testing.T) {
	t.Parallel()

	store := storage.NewMemStore()
	store.PutItem(newItem("sched_1", "proj_1", time.Now().Add(-time.Minute)))

	ctx := context.Background()
	require.NoError(t, store.Cancel(ctx, "sched_1", "user_1", "changed my mind", time.Now()))

	_, ok, err := store.MarkProcessing(ctx, "sched_1")
	require.NoError(t, err)
	assert.False(t, ok, "cancelled item must not be leasable")

	it, _ := store.ItemSnapshot("sched_1")
	assert.Equal(t, domain.QueueCancelled, it.QueueStatus)
	assert.Equal(t, domain.StatusCancelled, it.Status)
	assert.Equal(t, "user_1", it.Metadata[domain.MetaCancelledBy])
	assert.Equal(t, "changed my mind", it.Metadata[domain.MetaCancelReason])
}

func TestMemStore_DequeueBatches(t *testing.T) {
	t.Parallel()

	store := storage.NewMemStore()
	due := time.Now().Add(-time.Minute)
	for i := 0; i < 25; i++ {
		store.PutItem(newItem(itemID(i), "proj_1", due))
	}

	ctx := context.Background()
	sizes := []int{}
	for i := 0; i < 4; i++ {
		batch, err := store.Dequeue(ctx, "proj_1", 10)
		require.NoError(t, err)
		sizes = append(sizes, len(batch))
	}
	assert.Equal(t, []int{10, 10, 5, 0}, sizes)
}

func itemID(i int) string {
	return string(rune('a'+i/10)) + string(rune('0'+i%10))
}

func TestMemStore_DequeueEligibility(t *testing.T) {
	t.Parallel()

	store := storage.NewMemStore()
	now := time.Now()
	store.PutItem(newItem("due", "proj_1", now.Add(-time.Minute)))
	store.PutItem(newItem("future", "proj_1", now.Add(time.Hour)))
	store.PutItem(newItem("other-project", "proj_2", now.Add(-time.Minute)))
	cancelled := newItem("cancelled", "proj_1", now.Add(-time.Minute))
	cancelled.QueueStatus = domain.QueueCancelled
	cancelled.Status = domain.StatusCancelled
	store.PutItem(cancelled)

	batch, err := store.Dequeue(context.Background(), "proj_1", 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "due", batch[0].ID)
	assert.Equal(t, domain.QueueQueued, batch[0].QueueStatus)
}

func TestMemStore_DueProjects(t *testing.T) {
	t.Parallel()

	store := storage.NewMemStore()
	now := time.Now()
	store.PutItem(newItem("a1", "proj_a", now.Add(-time.Minute)))
	store.PutItem(newItem("a2", "proj_a", now.Add(-2*time.Minute)))
	store.PutItem(newItem("b1", "proj_b", now.Add(-time.Minute)))
	store.PutItem(newItem("c1", "proj_c", now.Add(time.Hour)))

	projects, err := store.DueProjects(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, []string{"proj_a", "proj_b"}, projects)
}

func TestMemStore_MarkFailedRetryBudget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemStore()
	store.PutItem(newItem("sched_1", "proj_1", time.Now().Add(-time.Minute)))

	// First two attempts leave retry budget.
	for attempt := 1; attempt <= 2; attempt++ {
		got, ok, err := store.MarkProcessing(ctx, "sched_1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, attempt, got)

		willRetry, err := store.MarkFailed(ctx, "sched_1", "boom")
		require.NoError(t, err)
		assert.True(t, willRetry)

		it, _ := store.ItemSnapshot("sched_1")
		assert.Equal(t, domain.StatusScheduled, it.Status)
	}

	// Third attempt exhausts it.
	_, ok, err := store.MarkProcessing(ctx, "sched_1")
	require.NoError(t, err)
	require.True(t, ok)
	willRetry, err := store.MarkFailed(ctx, "sched_1", "boom")
	require.NoError(t, err)
	assert.False(t, willRetry)

	it, _ := store.ItemSnapshot("sched_1")
	assert.Equal(t, domain.QueueFailed, it.QueueStatus)
	assert.Equal(t, domain.StatusFailed, it.Status)
	assert.Equal(t, "boom", it.Metadata["lastError"])
}

func TestMemStore_ManualTriggerEligibility(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("pending item is queued immediately", func(t *testing.T) {
		t.Parallel()
		store := storage.NewMemStore()
		store.PutItem(newItem("sched_1", "proj_1", now.Add(time.Hour)))

		it, err := store.ManualTrigger(ctx, "sched_1", "user_1", now)
		require.NoError(t, err)
		assert.Equal(t, domain.QueueQueued, it.QueueStatus)
		assert.Equal(t, now, it.ScheduledFor)
		assert.Equal(t, true, it.Metadata[domain.MetaManualTrigger])
		assert.Equal(t, "user_1", it.Metadata[domain.MetaTriggeredBy])
	})

	t.Run("rejected while processing or settled", func(t *testing.T) {
		t.Parallel()
		for _, status := range []domain.QueueStatus{
			domain.QueueProcessing, domain.QueueCompleted, domain.QueueCancelled,
		} {
			store := storage.NewMemStore()
			it := newItem("sched_1", "proj_1", now)
			it.QueueStatus = status
			store.PutItem(it)

			_, err := store.ManualTrigger(ctx, "sched_1", "user_1", now)
			assert.ErrorIs(t, err, storage.ErrIneligible, "status %s", status)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		t.Parallel()
		store := storage.NewMemStore()
		_, err := store.ManualTrigger(ctx, "nope", "user_1", now)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestMemStore_Reschedule(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemStore()
	original := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	it := newItem("sched_1", "proj_1", original)
	it.QueueStatus = domain.QueueQueued
	store.PutItem(it)

	newTime := original.Add(48 * time.Hour)
	now := time.Now().UTC()
	require.NoError(t, store.Reschedule(ctx, "sched_1", newTime, "user_1", now))

	after, _ := store.ItemSnapshot("sched_1")
	assert.Equal(t, domain.QueuePending, after.QueueStatus)
	assert.Equal(t, newTime, after.ScheduledFor)
	assert.Equal(t, "user_1", after.Metadata[domain.MetaRescheduledBy])
	assert.Equal(t, original, after.Metadata[domain.MetaPreviousSchedule])

	// Settled items stay settled.
	done := newItem("sched_2", "proj_1", original)
	done.QueueStatus = domain.QueueCompleted
	store.PutItem(done)
	err := store.Reschedule(ctx, "sched_2", newTime, "user_1", now)
	assert.ErrorIs(t, err, storage.ErrIneligible)
}

func TestMemStore_RetentionScope(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemStore()
	now := time.Now().UTC()
	cutoff := now.Add(-30 * 24 * time.Hour)

	put := func(id string, age time.Duration, status domain.DLQStatus) {
		store.PutDeadLetter(domain.DeadLetterEntry{
			ID:          id,
			JobID:       "sched_" + id,
			Payload:     []byte(`{}`),
			MaxAttempts: domain.DefaultDLQMaxAttempts,
			Status:      status,
			CreatedAt:   now.Add(-age),
		})
	}
	put("old-failed", 45*24*time.Hour, domain.DLQFailed)
	put("recent-failed", 15*24*time.Hour, domain.DLQFailed)
	put("old-pending", 45*24*time.Hour, domain.DLQPending)

	purged, err := store.PurgeDeadLetters(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, found := store.DeadLetterSnapshot("old-failed")
	assert.False(t, found, "old terminal entry must be deleted")
	_, kept := store.DeadLetterSnapshot("recent-failed")
	assert.True(t, kept, "recent entry must survive")
	_, keptPending := store.DeadLetterSnapshot("old-pending")
	assert.True(t, keptPending, "non-terminal entry must never be deleted")
}

func TestMemStore_PurgeTerminalItemsScope(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemStore()
	now := time.Now().UTC()
	cutoff := now.Add(-30 * 24 * time.Hour)

	old := now.Add(-45 * 24 * time.Hour)
	completed := newItem("done", "proj_1", old)
	completed.QueueStatus = domain.QueueCompleted
	completed.UpdatedAt = old
	store.PutItem(completed)

	pending := newItem("waiting", "proj_1", old)
	pending.UpdatedAt = old
	store.PutItem(pending)

	purged, err := store.PurgeTerminalItems(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, kept := store.ItemSnapshot("waiting")
	assert.True(t, kept, "non-terminal item must never be deleted")
	_, found := store.ItemSnapshot("done")
	assert.False(t, found)
}

func TestMemStore_RequeueFromDeadLetter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemStore()

	failed := newItem("sched_1", "proj_1", time.Now().Add(-time.Hour))
	failed.QueueStatus = domain.QueueFailed
	failed.Attempts = 3
	store.PutItem(failed)

	ok, err := store.RequeueFromDeadLetter(ctx, "sched_1")
	require.NoError(t, err)
	require.True(t, ok)

	it, _ := store.ItemSnapshot("sched_1")
	assert.Equal(t, domain.QueueQueued, it.QueueStatus)
	assert.Equal(t, 0, it.Attempts, "re-submission starts a fresh retry cycle")

	// Anything not sitting in failed is left alone.
	ok, err = store.RequeueFromDeadLetter(ctx, "sched_1")
	require.NoError(t, err)
	assert.False(t, ok)
}
