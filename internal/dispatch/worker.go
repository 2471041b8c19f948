package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/you/pubq/internal/bus"
	"github.com/you/pubq/internal/domain"
)

// Publisher is the per-item publish attempt (the orchestrator).
type Publisher interface {
	Publish(ctx context.Context, sig domain.ItemSignal) error
}

// EscalationStore is the failure-accounting slice of the queue store.
type EscalationStore interface {
	InsertDeadLetter(ctx context.Context, e *domain.DeadLetterEntry) error
	InsertAlert(ctx context.Context, scheduleID, message string) error
	MarkDeadLetterSucceeded(ctx context.Context, id string) error
	MarkDeadLetterFailed(ctx context.Context, id, lastError string) error
}

// Worker consumes the signal bus: project signals fan into drains,
// item signals fan into publish attempts under the global item
// concurrency limit. It also owns the item retry budget and the
// escalation to the dead-letter queue when that budget runs out.
type Worker struct {
	trigger *Trigger
	orch    Publisher
	store   EscalationStore
	bus     bus.Bus
	log     *zap.Logger

	sem            *semaphore.Weighted
	projectWorkers int
	maxAttempts    int
	pollBlock      time.Duration

	wg sync.WaitGroup
}

func NewWorker(trigger *Trigger, orch Publisher, store EscalationStore, b bus.Bus, log *zap.Logger, projectWorkers int, itemSlots int64, maxAttempts int) *Worker {
	return &Worker{
		trigger:        trigger,
		orch:           orch,
		store:          store,
		bus:            b,
		log:            log,
		sem:            semaphore.NewWeighted(itemSlots),
		projectWorkers: projectWorkers,
		maxAttempts:    maxAttempts,
		pollBlock:      2 * time.Second,
	}
}

// Run blocks until ctx is cancelled, then waits for in-flight publish
// attempts to finish.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.projectWorkers; i++ {
		g.Go(func() error { return w.projectLoop(ctx) })
	}
	g.Go(func() error { return w.itemLoop(ctx) })
	err := g.Wait()
	w.wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (w *Worker) projectLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		sig, err := w.bus.NextProject(ctx, w.pollBlock)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error("next project signal", zap.Error(err))
			continue
		}
		if sig == nil {
			continue
		}
		if _, err := w.trigger.DrainProject(ctx, sig.ProjectID); err != nil {
			w.log.Error("drain project",
				zap.String("project_id", sig.ProjectID), zap.Error(err))
		}
	}
}

func (w *Worker) itemLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		sig, err := w.bus.NextItem(ctx, w.pollBlock)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error("next item signal", zap.Error(err))
			continue
		}
		if sig == nil {
			continue
		}
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		w.wg.Add(1)
		go func(sig domain.ItemSignal) {
			defer w.wg.Done()
			defer w.sem.Release(1)
			w.HandleItem(ctx, sig)
		}(*sig)
	}
}

// HandleItem runs one publish attempt and applies the retry policy:
// permanent failures stop here, retryable failures re-emit the signal
// with the next attempt number, and an exhausted budget escalates to
// the dead-letter queue with an alert.
func (w *Worker) HandleItem(ctx context.Context, sig domain.ItemSignal) {
	log := w.log.With(
		zap.String("schedule_id", sig.ScheduleID),
		zap.Int("attempt", sig.Attempt))

	err := w.orch.Publish(ctx, sig)
	switch {
	case err == nil:
		if sig.DeadLetterID != "" {
			if derr := w.store.MarkDeadLetterSucceeded(ctx, sig.DeadLetterID); derr != nil {
				log.Error("close dead letter", zap.Error(derr))
			}
		}

	case domain.IsPermanent(err):
		log.Warn("permanent publish failure, not retrying", zap.Error(err))
		if sig.DeadLetterID != "" {
			if derr := w.store.MarkDeadLetterFailed(ctx, sig.DeadLetterID, err.Error()); derr != nil {
				log.Error("close dead letter", zap.Error(derr))
			}
		}

	case sig.Attempt < w.maxAttempts:
		next := sig
		next.Attempt++
		log.Info("retrying publish", zap.Int("next_attempt", next.Attempt), zap.Error(err))
		if berr := w.bus.EmitItem(ctx, next); berr != nil {
			// The signal is lost for now; a later drain re-discovers
			// the failed item through the redelivery window.
			log.Error("re-emit item signal", zap.Error(berr))
		}

	default:
		w.escalate(ctx, sig, err)
	}
}

func (w *Worker) escalate(ctx context.Context, sig domain.ItemSignal, cause error) {
	log := w.log.With(zap.String("schedule_id", sig.ScheduleID))

	if sig.DeadLetterID != "" {
		// A dead-letter re-submission failed its whole retry cycle
		// again: close the entry instead of creating a duplicate.
		if err := w.store.MarkDeadLetterFailed(ctx, sig.DeadLetterID, cause.Error()); err != nil {
			log.Error("close dead letter", zap.Error(err))
		}
		return
	}

	fresh := domain.ItemSignal{
		ScheduleID: sig.ScheduleID,
		ContentID:  sig.ContentID,
		ProjectID:  sig.ProjectID,
		Attempt:    1,
	}
	payload, err := json.Marshal(fresh)
	if err != nil {
		log.Error("encode dead letter payload", zap.Error(err))
		return
	}
	entry := &domain.DeadLetterEntry{
		JobID:     sig.ScheduleID,
		Payload:   payload,
		LastError: cause.Error(),
	}
	if err := w.store.InsertDeadLetter(ctx, entry); err != nil {
		log.Error("insert dead letter", zap.Error(err))
		return
	}
	msg := fmt.Sprintf("publish failed after %d attempts: %s", sig.Attempt, cause.Error())
	if err := w.store.InsertAlert(ctx, sig.ScheduleID, msg); err != nil {
		log.Error("insert alert", zap.Error(err))
	}
	log.Warn("schedule escalated to dead-letter queue",
		zap.String("dead_letter_id", entry.ID), zap.Error(cause))
}
