// Package orchestrator drives one schedule item through a publish
// attempt: lease, load, dispatch to every connected platform, aggregate
// the per-platform results and finalize the item. Retries re-run the
// whole attempt, including platforms that already succeeded — delivery
// is at-least-once per platform per attempt.
package orchestrator

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/pubq/internal/domain"
	"github.com/you/pubq/internal/metrics"
)

// JobName is the metrics identity of the per-item publish job.
const JobName = "item-scheduled-publish"

// Store is the slice of the queue store the orchestrator needs.
type Store interface {
	Item(ctx context.Context, id string) (domain.ScheduleItem, error)
	MarkProcessing(ctx context.Context, id string) (attempt int, ok bool, err error)
	Content(ctx context.Context, contentID string) (domain.Content, error)
	ConnectedPlatforms(ctx context.Context, contentID string) ([]domain.PlatformTarget, error)
	MarkCompleted(ctx context.Context, id string, completedAt time.Time, meta map[string]any) error
	MarkFailed(ctx context.Context, id string, errMsg string) (willRetry bool, err error)
	MarkPublished(ctx context.Context, contentID string, at time.Time) error
}

// Dispatcher fans one publish out to a set of platform targets.
type Dispatcher interface {
	Dispatch(ctx context.Context, content domain.Content, targets []domain.PlatformTarget) []domain.PublishResult
}

type Orchestrator struct {
	store Store
	reg   Dispatcher
	sink  metrics.Sink
	log   *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option adjusts orchestrator behavior, mainly for tests.
type Option func(*Orchestrator)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleeper overrides the publish-delay sleep.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

func New(store Store, reg Dispatcher, sink metrics.Sink, log *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store: store,
		reg:   reg,
		sink:  sink,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		sleep: sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish runs one publish attempt for the signalled item. A nil return
// means the item reached a settled state (published, partial-success
// final, or a benign no-op); a permanent error means the job runner
// must not retry; anything else is retryable. Every path, including the
// short-circuits, records a job execution to the metrics sink.
func (o *Orchestrator) Publish(ctx context.Context, sig domain.ItemSignal) (err error) {
	start := o.now()
	meta := map[string]any{
		"scheduleId": sig.ScheduleID,
		"projectId":  sig.ProjectID,
	}
	defer func() {
		if err != nil {
			meta["error"] = err.Error()
		}
		o.sink.RecordJobExecution(ctx, JobName, err == nil,
			o.now().Sub(start).Milliseconds(), meta)
	}()

	log := o.log.With(
		zap.String("schedule_id", sig.ScheduleID),
		zap.String("project_id", sig.ProjectID))

	// Leasing.
	item, err := o.store.Item(ctx, sig.ScheduleID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Permanentf("schedule not found: %s", sig.ScheduleID)
	}
	if err != nil {
		return err
	}
	if item.QueueStatus.Terminal() {
		// Duplicate or stale signal; another attempt already settled
		// the item, or it was cancelled before we got here.
		meta["skipped"] = string(item.QueueStatus)
		log.Info("skipping settled schedule", zap.String("queue_status", string(item.QueueStatus)))
		return nil
	}
	attempt, leased, err := o.store.MarkProcessing(ctx, sig.ScheduleID)
	if err != nil {
		return err
	}
	if !leased {
		meta["skipped"] = "lease-lost"
		log.Info("lease lost, another worker owns the item")
		return nil
	}
	meta["attempt"] = attempt
	log = log.With(zap.Int("attempt", attempt))

	// Loading.
	content, err := o.store.Content(ctx, item.ContentID)
	if errors.Is(err, domain.ErrNotFound) {
		return o.failPermanent(ctx, item.ID, meta,
			errors.Errorf("content not found: %s", item.ContentID))
	}
	if err != nil {
		return o.failRetryable(ctx, item.ID, err)
	}
	all, err := o.store.ConnectedPlatforms(ctx, item.ContentID)
	if err != nil {
		return o.failRetryable(ctx, item.ID, err)
	}
	targets := make([]domain.PlatformTarget, 0, len(all))
	for _, t := range all {
		if t.IsConnected {
			targets = append(targets, t)
		}
	}
	if len(targets) == 0 {
		return o.failPermanent(ctx, item.ID, meta,
			errors.New("no connected platforms to publish to"))
	}
	if item.PublishDelaySec > 0 {
		// The delay holds this item's publish slot for its whole
		// duration; acceptable at current volumes.
		log.Info("delaying dispatch", zap.Int("delay_sec", item.PublishDelaySec))
		if serr := o.sleep(ctx, time.Duration(item.PublishDelaySec)*time.Second); serr != nil {
			return o.failRetryable(ctx, item.ID, serr)
		}
	}

	// Dispatching.
	results := o.reg.Dispatch(ctx, content, targets)

	// Aggregating.
	succeeded, failures := 0, make([]domain.PublishResult, 0)
	for _, res := range results {
		if res.Success {
			succeeded++
		} else {
			failures = append(failures, res)
		}
	}
	meta["platforms"] = len(results)
	meta["succeeded"] = succeeded
	allSucceeded := succeeded == len(results)
	someSucceeded := succeeded > 0

	now := o.now()
	switch {
	case allSucceeded:
		if err := o.store.MarkCompleted(ctx, item.ID, now, nil); err != nil {
			return err
		}
		if err := o.store.MarkPublished(ctx, item.ContentID, now); err != nil {
			return err
		}
		log.Info("published to all platforms", zap.Int("platforms", len(results)))
		return nil

	case someSucceeded && attempt >= item.MaxAttempts:
		// Final attempt: accept the partial result rather than retry
		// forever against a permanently broken platform.
		meta["partialSuccess"] = true
		if err := o.store.MarkCompleted(ctx, item.ID, now, map[string]any{
			domain.MetaPartialSuccess: true,
			domain.MetaFailures:       failures,
		}); err != nil {
			return err
		}
		log.Warn("completed with partial success",
			zap.Int("succeeded", succeeded), zap.Int("failed", len(failures)))
		return nil

	default:
		msg := publishErrorMessage(succeeded, results, failures)
		willRetry, ferr := o.store.MarkFailed(ctx, item.ID, msg)
		if ferr != nil {
			return ferr
		}
		log.Warn("publish attempt failed",
			zap.Int("succeeded", succeeded),
			zap.Int("failed", len(failures)),
			zap.Bool("will_retry", willRetry))
		return errors.New(msg)
	}
}

func publishErrorMessage(succeeded int, results, failures []domain.PublishResult) string {
	first := failures[0]
	if succeeded > 0 {
		return errors.Errorf("published to %d of %d platforms; first failure (%s): %s",
			succeeded, len(results), first.PlatformType, first.Error).Error()
	}
	return errors.Errorf("all %d platforms failed; first failure (%s): %s",
		len(results), first.PlatformType, first.Error).Error()
}

// failPermanent records a final failure and marks the error
// non-retriable so the job runner stops here.
func (o *Orchestrator) failPermanent(ctx context.Context, id string, meta map[string]any, cause error) error {
	meta["permanent"] = true
	if _, err := o.store.MarkFailed(ctx, id, cause.Error()); err != nil {
		o.log.Error("mark failed", zap.String("schedule_id", id), zap.Error(err))
	}
	return domain.Permanent(cause)
}

// failRetryable releases the lease by recording the failure, then hands
// the infra error back to the job runner's retry machinery.
func (o *Orchestrator) failRetryable(ctx context.Context, id string, cause error) error {
	if _, err := o.store.MarkFailed(ctx, id, cause.Error()); err != nil {
		o.log.Error("mark failed", zap.String("schedule_id", id), zap.Error(err))
	}
	return cause
}
