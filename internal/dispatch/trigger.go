// Package dispatch connects the scheduling queue to the publish
// orchestrator: the minute-tick fan-out discovers projects with due
// work, the per-project drain hands out bounded batches, and the worker
// loops run publish attempts under the global concurrency limit.
package dispatch

import (
	"context"
	"time"

	"github.com/bsm/redislock"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/pubq/internal/bus"
	"github.com/you/pubq/internal/domain"
	"github.com/you/pubq/internal/metrics"
)

// FanOutJobName is the metrics identity of the minute tick.
const FanOutJobName = "scheduled-publish-fanout"

// QueueStore is the discovery slice of the queue store.
type QueueStore interface {
	DueProjects(ctx context.Context, now time.Time) ([]string, error)
	Dequeue(ctx context.Context, projectID string, limit int) ([]domain.ScheduleItem, error)
}

// ErrLockHeld reports that another worker is already draining the key.
var ErrLockHeld = errors.New("lock held elsewhere")

// Lock is a held distributed lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker hands out per-project drain locks. Implementations must return
// ErrLockHeld when the key is taken.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// RedisLocker backs Locker with redislock.
type RedisLocker struct{ c *redislock.Client }

func NewRedisLocker(rdb *r.Client) *RedisLocker {
	return &RedisLocker{c: redislock.New(rdb)}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	lock, err := l.c.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLockHeld
	}
	if err != nil {
		return nil, errors.Wrapf(err, "obtain %s", key)
	}
	return lock, nil
}

// Trigger owns fan-out and drain: the discovery half of dispatch.
// Neither operation leases items; that transition belongs to the
// orchestrator.
type Trigger struct {
	store  QueueStore
	bus    bus.Bus
	locker Locker
	sink   metrics.Sink
	log    *zap.Logger

	batchSize int
	lockTTL   time.Duration
	now       func() time.Time
}

func NewTrigger(store QueueStore, b bus.Bus, locker Locker, sink metrics.Sink, log *zap.Logger, batchSize int, lockTTL time.Duration) *Trigger {
	return &Trigger{
		store:     store,
		bus:       b,
		locker:    locker,
		sink:      sink,
		log:       log,
		batchSize: batchSize,
		lockTTL:   lockTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the wall clock (tests only).
func (t *Trigger) SetClock(now func() time.Time) { t.now = now }

// FanOut emits one project signal per distinct project with due work.
// It has no other side effects, so re-delivery is harmless: draining
// re-checks eligibility. A failed emit for one project never blocks the
// others. An empty result set is a no-op.
func (t *Trigger) FanOut(ctx context.Context) error {
	start := t.now()
	projects, err := t.store.DueProjects(ctx, start)
	if err != nil {
		t.sink.RecordJobExecution(ctx, FanOutJobName, false,
			t.now().Sub(start).Milliseconds(), map[string]any{"error": err.Error()})
		return err
	}

	emitted := 0
	for _, projectID := range projects {
		if err := t.bus.EmitProject(ctx, domain.ProjectSignal{ProjectID: projectID}); err != nil {
			t.log.Error("fan-out emit failed",
				zap.String("project_id", projectID), zap.Error(err))
			continue
		}
		emitted++
	}

	t.sink.RecordJobExecution(ctx, FanOutJobName, true,
		t.now().Sub(start).Milliseconds(),
		map[string]any{"projects": len(projects), "emitted": emitted})
	return nil
}

// DrainProject dequeues one bounded batch for the project and emits one
// item signal per dequeued item. The per-project lock keeps two workers
// from draining the same project at once; losing the lock is a no-op,
// not an error.
func (t *Trigger) DrainProject(ctx context.Context, projectID string) (int, error) {
	lock, err := t.locker.Obtain(ctx, "drain:"+projectID, t.lockTTL)
	if errors.Is(err, ErrLockHeld) {
		t.log.Debug("project drain already running", zap.String("project_id", projectID))
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer func() {
		if rerr := lock.Release(ctx); rerr != nil {
			t.log.Warn("release drain lock",
				zap.String("project_id", projectID), zap.Error(rerr))
		}
	}()

	items, err := t.store.Dequeue(ctx, projectID, t.batchSize)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	emitted := 0
	for _, it := range items {
		sig := domain.ItemSignal{
			ScheduleID: it.ID,
			ContentID:  it.ContentID,
			ProjectID:  it.ProjectID,
			Attempt:    it.Attempts + 1,
		}
		if err := t.bus.EmitItem(ctx, sig); err != nil {
			t.log.Error("item emit failed",
				zap.String("schedule_id", it.ID), zap.Error(err))
			continue
		}
		emitted++
	}
	t.log.Info("project drained",
		zap.String("project_id", projectID),
		zap.Int("dequeued", len(items)),
		zap.Int("emitted", emitted))
	return emitted, nil
}
