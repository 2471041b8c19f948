// Package escalator runs the slow-cadence recovery jobs: the hourly
// dead-letter sweep that re-submits exhausted items within their DLQ
// retry budget, and the daily retention cleanup. Neither job retries
// itself; a failed run just waits for the next tick, and every entry is
// processed independently so partial progress sticks.
package escalator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/pubq/internal/bus"
	"github.com/you/pubq/internal/domain"
	"github.com/you/pubq/internal/metrics"
)

// Metrics identities of the two jobs.
const (
	SweepJobName   = "dlq-sweep"
	CleanupJobName = "retention-cleanup"
)

// Store is the recovery slice of the queue store.
type Store interface {
	DeadLetter(ctx context.Context, id string) (domain.DeadLetterEntry, error)
	SweepableDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error)
	RequeueFromDeadLetter(ctx context.Context, scheduleID string) (bool, error)
	MarkDeadLetterRetried(ctx context.Context, id string) error
	MarkDeadLetterFailed(ctx context.Context, id, lastError string) error
	MarkDeadLetterPermanentlyFailed(ctx context.Context, id string) error
	PurgeDeadLetters(ctx context.Context, olderThan time.Time) (int64, error)
	PurgeResolvedAlerts(ctx context.Context, olderThan time.Time) (int64, error)
	PurgeTerminalItems(ctx context.Context, olderThan time.Time) (int64, error)
}

type Escalator struct {
	store Store
	bus   bus.Bus
	sink  metrics.Sink
	log   *zap.Logger

	retention  time.Duration
	sweepBatch int
	now        func() time.Time
}

func New(store Store, b bus.Bus, sink metrics.Sink, log *zap.Logger, retention time.Duration) *Escalator {
	return &Escalator{
		store:      store,
		bus:        b,
		sink:       sink,
		log:        log,
		retention:  retention,
		sweepBatch: 100,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the wall clock (tests only).
func (e *Escalator) SetClock(now func() time.Time) { e.now = now }

// SweepDLQ processes the non-terminal dead-letter entries once. Entries
// with re-submission budget left go back onto the item signal path;
// entries without are marked permanently failed.
func (e *Escalator) SweepDLQ(ctx context.Context) error {
	start := e.now()
	entries, err := e.store.SweepableDeadLetters(ctx, e.sweepBatch)
	if err != nil {
		e.sink.RecordJobExecution(ctx, SweepJobName, false,
			e.now().Sub(start).Milliseconds(), map[string]any{"error": err.Error()})
		return err
	}

	retried, expired := 0, 0
	for _, entry := range entries {
		switch e.sweepOne(ctx, entry) {
		case sweepRetried:
			retried++
		case sweepExpired:
			expired++
		}
	}

	e.sink.RecordJobExecution(ctx, SweepJobName, true,
		e.now().Sub(start).Milliseconds(),
		map[string]any{"entries": len(entries), "retried": retried, "expired": expired})
	return nil
}

// Resubmit runs the sweep logic for one entry on demand (the manual
// DLQ retry surface). Terminal entries are rejected.
func (e *Escalator) Resubmit(ctx context.Context, id string) error {
	entry, err := e.store.DeadLetter(ctx, id)
	if err != nil {
		return err
	}
	if entry.Status.Terminal() {
		return errors.Errorf("dead letter %s already settled (%s)", id, entry.Status)
	}
	switch e.sweepOne(ctx, entry) {
	case sweepRetried:
		return nil
	case sweepExpired:
		return errors.Errorf("dead letter %s out of budget, marked permanently failed", id)
	default:
		return errors.Errorf("dead letter %s could not be re-submitted", id)
	}
}

type sweepOutcome int

const (
	sweepSkipped sweepOutcome = iota
	sweepRetried
	sweepExpired
)

func (e *Escalator) sweepOne(ctx context.Context, entry domain.DeadLetterEntry) sweepOutcome {
	log := e.log.With(zap.String("dead_letter_id", entry.ID))

	if entry.Attempts >= entry.MaxAttempts {
		if err := e.store.MarkDeadLetterPermanentlyFailed(ctx, entry.ID); err != nil {
			log.Error("mark permanently failed", zap.Error(err))
			return sweepSkipped
		}
		log.Warn("dead letter permanently failed",
			zap.Int("attempts", entry.Attempts))
		return sweepExpired
	}

	var sig domain.ItemSignal
	if err := json.Unmarshal(entry.Payload, &sig); err != nil {
		// Poison payload; no point re-sweeping it every hour.
		log.Error("undecodable dead letter payload", zap.Error(err))
		if merr := e.store.MarkDeadLetterFailed(ctx, entry.ID, "undecodable payload: "+err.Error()); merr != nil {
			log.Error("mark failed", zap.Error(merr))
		}
		return sweepSkipped
	}

	requeued, err := e.store.RequeueFromDeadLetter(ctx, sig.ScheduleID)
	if err != nil {
		log.Error("requeue from dead letter", zap.Error(err))
		return sweepSkipped
	}
	if !requeued {
		// The item moved on without us (cancelled, completed by a
		// manual trigger, or gone). Close the entry.
		if merr := e.store.MarkDeadLetterFailed(ctx, entry.ID, "schedule no longer retryable"); merr != nil {
			log.Error("mark failed", zap.Error(merr))
		}
		return sweepSkipped
	}

	sig.Attempt = 1
	sig.DeadLetterID = entry.ID
	if err := e.bus.EmitItem(ctx, sig); err != nil {
		log.Error("emit re-submission", zap.Error(err))
		return sweepSkipped
	}
	if err := e.store.MarkDeadLetterRetried(ctx, entry.ID); err != nil {
		log.Error("mark retried", zap.Error(err))
	}
	log.Info("dead letter re-submitted",
		zap.String("schedule_id", sig.ScheduleID),
		zap.Int("dlq_attempt", entry.Attempts+1))
	return sweepRetried
}

// Cleanup purges rows past the retention window: terminal dead letters,
// resolved alerts and terminal schedule items. Non-terminal rows are
// never deleted. The three purges are independent; one failing does not
// stop the others.
func (e *Escalator) Cleanup(ctx context.Context) error {
	start := e.now()
	cutoff := start.Add(-e.retention)
	meta := map[string]any{"cutoff": cutoff}
	var firstErr error

	record := func(key string, n int64, err error) {
		if err != nil {
			e.log.Error("retention purge", zap.String("scope", key), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		meta[key] = n
	}

	n, err := e.store.PurgeDeadLetters(ctx, cutoff)
	record("deadLetters", n, err)
	n, err = e.store.PurgeResolvedAlerts(ctx, cutoff)
	record("alerts", n, err)
	n, err = e.store.PurgeTerminalItems(ctx, cutoff)
	record("items", n, err)

	e.sink.RecordJobExecution(ctx, CleanupJobName, firstErr == nil,
		e.now().Sub(start).Milliseconds(), meta)
	return firstErr
}
