package escalator_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/pubq/internal/bus"
	"github.com/you/pubq/internal/domain"
	"github.com/you/pubq/internal/escalator"
	"github.com/you/pubq/internal/metrics"
	"github.com/you/pubq/internal/storage"
)

const retention = 30 * 24 * time.Hour

type fixture struct {
	store *storage.MemStore
	bus   *bus.MemBus
	esc   *escalator.Escalator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemStore()
	mb := bus.NewMemBus()
	sink := metrics.NewStoreSink(store, zap.NewNop())
	return &fixture{
		store: store,
		bus:   mb,
		esc:   escalator.New(store, mb, sink, zap.NewNop(), retention),
	}
}

func payloadFor(t *testing.T, scheduleID string) []byte {
	t.Helper()
	b, err := json.Marshal(domain.ItemSignal{
		ScheduleID: scheduleID,
		ContentID:  "content_1",
		ProjectID:  "proj_a",
		Attempt:    1,
	})
	require.NoError(t, err)
	return b
}

func TestSweepDLQ_ResubmitsWithinBudget(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.PutItem(domain.ScheduleItem{
		ID: "sched_1", ContentID: "content_1", ProjectID: "proj_a",
		ScheduledFor: time.Now().UTC().Add(-time.Hour),
		QueueStatus:  domain.QueueFailed,
		Status:       domain.StatusScheduled,
		Attempts:     domain.DefaultMaxAttempts,
	})
	f.store.PutDeadLetter(domain.DeadLetterEntry{
		ID: "dlq_1", JobID: "sched_1",
		Payload:     payloadFor(t, "sched_1"),
		Status:      domain.DLQPending,
		Attempts:    0,
		MaxAttempts: domain.DefaultDLQMaxAttempts,
	})

	require.NoError(t, f.esc.SweepDLQ(context.Background()))

	sigs := f.bus.PendingItems()
	require.Len(t, sigs, 1)
	assert.Equal(t, "sched_1", sigs[0].ScheduleID)
	assert.Equal(t, 1, sigs[0].Attempt, "re-submission restarts the item retry cycle")
	assert.Equal(t, "dlq_1", sigs[0].DeadLetterID)

	entry, found := f.store.DeadLetterSnapshot("dlq_1")
	require.True(t, found)
	assert.Equal(t, domain.DLQRetried, entry.Status)
	assert.Equal(t, 1, entry.Attempts)

	item, found := f.store.ItemSnapshot("sched_1")
	require.True(t, found)
	assert.Equal(t, domain.QueueQueued, item.QueueStatus)
	assert.Zero(t, item.Attempts, "requeue resets the item attempt budget")

	execs := f.store.Executions()
	require.Len(t, execs, 1)
	assert.Equal(t, escalator.SweepJobName, execs[0].JobName)
	assert.Equal(t, 1, execs[0].Metadata["retried"])
	assert.Equal(t, 0, execs[0].Metadata["expired"])
}

func TestSweepDLQ_ExpiresOutOfBudgetEntries(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.PutDeadLetter(domain.DeadLetterEntry{
		ID: "dlq_1", JobID: "sched_1",
		Payload:     payloadFor(t, "sched_1"),
		Status:      domain.DLQRetried,
		Attempts:    domain.DefaultDLQMaxAttempts,
		MaxAttempts: domain.DefaultDLQMaxAttempts,
	})

	require.NoError(t, f.esc.SweepDLQ(context.Background()))

	assert.Empty(t, f.bus.PendingItems())
	entry, _ := f.store.DeadLetterSnapshot("dlq_1")
	assert.Equal(t, domain.DLQPermanentlyFailed, entry.Status)

	execs := f.store.Executions()
	require.Len(t, execs, 1)
	assert.Equal(t, 1, execs[0].Metadata["expired"])
}

func TestSweepDLQ_ClosesEntryWhenItemMovedOn(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	// Cancelled after escalation: the schedule is no longer in the
	// failed state the requeue expects.
	f.store.PutItem(domain.ScheduleItem{
		ID: "sched_1", ContentID: "content_1", ProjectID: "proj_a",
		ScheduledFor: time.Now().UTC().Add(-time.Hour),
		QueueStatus:  domain.QueueCancelled,
		Status:       domain.StatusCancelled,
	})
	f.store.PutDeadLetter(domain.DeadLetterEntry{
		ID: "dlq_1", JobID: "sched_1",
		Payload:     payloadFor(t, "sched_1"),
		Status:      domain.DLQPending,
		MaxAttempts: domain.DefaultDLQMaxAttempts,
	})

	require.NoError(t, f.esc.SweepDLQ(context.Background()))

	assert.Empty(t, f.bus.PendingItems())
	entry, _ := f.store.DeadLetterSnapshot("dlq_1")
	assert.Equal(t, domain.DLQFailed, entry.Status)
	assert.Contains(t, entry.LastError, "no longer retryable")

	item, _ := f.store.ItemSnapshot("sched_1")
	assert.Equal(t, domain.QueueCancelled, item.QueueStatus, "cancellation stays sticky")
}

func TestSweepDLQ_PoisonPayloadIsClosedNotRetried(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.PutDeadLetter(domain.DeadLetterEntry{
		ID: "dlq_1", JobID: "sched_1",
		Payload:     []byte("{not json"),
		Status:      domain.DLQPending,
		MaxAttempts: domain.DefaultDLQMaxAttempts,
	})

	require.NoError(t, f.esc.SweepDLQ(context.Background()))

	assert.Empty(t, f.bus.PendingItems())
	entry, _ := f.store.DeadLetterSnapshot("dlq_1")
	assert.Equal(t, domain.DLQFailed, entry.Status)
	assert.Contains(t, entry.LastError, "undecodable payload")
}

func TestResubmit_RejectsSettledEntries(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.PutDeadLetter(domain.DeadLetterEntry{
		ID: "dlq_1", JobID: "sched_1",
		Payload:     payloadFor(t, "sched_1"),
		Status:      domain.DLQSucceeded,
		MaxAttempts: domain.DefaultDLQMaxAttempts,
	})

	err := f.esc.Resubmit(context.Background(), "dlq_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already settled")
	assert.Empty(t, f.bus.PendingItems())
}

func TestResubmit_RequeuesOnDemand(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.PutItem(domain.ScheduleItem{
		ID: "sched_1", ContentID: "content_1", ProjectID: "proj_a",
		ScheduledFor: time.Now().UTC().Add(-time.Hour),
		QueueStatus:  domain.QueueFailed,
		Status:       domain.StatusScheduled,
		Attempts:     domain.DefaultMaxAttempts,
	})
	f.store.PutDeadLetter(domain.DeadLetterEntry{
		ID: "dlq_1", JobID: "sched_1",
		Payload:     payloadFor(t, "sched_1"),
		Status:      domain.DLQPending,
		MaxAttempts: domain.DefaultDLQMaxAttempts,
	})

	require.NoError(t, f.esc.Resubmit(context.Background(), "dlq_1"))

	sigs := f.bus.PendingItems()
	require.Len(t, sigs, 1)
	assert.Equal(t, "dlq_1", sigs[0].DeadLetterID)
}

func TestCleanup_PurgesOnlyTerminalRowsPastRetention(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	f.esc.SetClock(func() time.Time { return now })

	old := now.Add(-45 * 24 * time.Hour)
	recent := now.Add(-10 * 24 * time.Hour)

	f.store.PutDeadLetter(domain.DeadLetterEntry{
		ID: "dlq_old_done", Status: domain.DLQSucceeded, CreatedAt: old,
	})
	f.store.PutDeadLetter(domain.DeadLetterEntry{
		ID: "dlq_old_open", Status: domain.DLQPending, CreatedAt: old,
		Payload: []byte("{not json"), MaxAttempts: domain.DefaultDLQMaxAttempts,
	})
	f.store.PutDeadLetter(domain.DeadLetterEntry{
		ID: "dlq_recent_done", Status: domain.DLQSucceeded, CreatedAt: recent,
	})
	resolvedAt := old
	f.store.PutAlert(domain.Alert{
		ID: "alert_old", ScheduleID: "sched_1", Resolved: true,
		CreatedAt: old, ResolvedAt: &resolvedAt,
	})
	f.store.PutAlert(domain.Alert{
		ID: "alert_open", ScheduleID: "sched_2", CreatedAt: old,
	})
	f.store.PutItem(domain.ScheduleItem{
		ID: "sched_old_done", ContentID: "content_1", ProjectID: "proj_a",
		QueueStatus: domain.QueueCompleted, Status: domain.StatusPublished,
		ScheduledFor: old, UpdatedAt: old,
	})
	f.store.PutItem(domain.ScheduleItem{
		ID: "sched_old_pending", ContentID: "content_2", ProjectID: "proj_a",
		QueueStatus: domain.QueuePending, Status: domain.StatusScheduled,
		ScheduledFor: old, UpdatedAt: old,
	})

	require.NoError(t, f.esc.Cleanup(context.Background()))

	_, found := f.store.DeadLetterSnapshot("dlq_old_done")
	assert.False(t, found)
	_, found = f.store.DeadLetterSnapshot("dlq_old_open")
	assert.True(t, found, "non-terminal dead letters are never purged")
	_, found = f.store.DeadLetterSnapshot("dlq_recent_done")
	assert.True(t, found, "inside the retention window")

	alerts := f.store.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "alert_open", alerts[0].ID)

	_, found = f.store.ItemSnapshot("sched_old_done")
	assert.False(t, found)
	_, found = f.store.ItemSnapshot("sched_old_pending")
	assert.True(t, found, "pending items survive retention")

	execs := f.store.Executions()
	require.Len(t, execs, 1)
	assert.Equal(t, escalator.CleanupJobName, execs[0].JobName)
	assert.True(t, execs[0].Success)
	assert.Equal(t, int64(1), execs[0].Metadata["deadLetters"])
	assert.Equal(t, int64(1), execs[0].Metadata["alerts"])
	assert.Equal(t, int64(1), execs[0].Metadata["items"])
}
