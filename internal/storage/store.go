package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/you/pubq/internal/domain"
)

// ErrIneligible is returned by the mutation operations when the item's
// current queue status forbids the transition (sticky terminal states,
// in-flight processing).
var ErrIneligible = errors.New("schedule not eligible for transition")

// redeliverAfter is how long a queued item may sit without a lease
// before a later drain hands it out again (covers lost signals).
const redeliverAfter = 5 * time.Minute

// Store is the Postgres-backed queue store (source of truth). All item
// mutations are serialized through conditional updates on queue_status.
type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

const itemCols = `id, content_id, project_id, scheduled_for, queue_status, status,
attempts, max_attempts, publish_delay_sec, metadata, job_id, created_at, updated_at`

const itemColsQualified = `s.id, s.content_id, s.project_id, s.scheduled_for, s.queue_status, s.status,
s.attempts, s.max_attempts, s.publish_delay_sec, s.metadata, s.job_id, s.created_at, s.updated_at`

func scanItem(row pgx.Row) (domain.ScheduleItem, error) {
	var it domain.ScheduleItem
	var meta []byte
	err := row.Scan(&it.ID, &it.ContentID, &it.ProjectID, &it.ScheduledFor,
		&it.QueueStatus, &it.Status, &it.Attempts, &it.MaxAttempts,
		&it.PublishDelaySec, &meta, &it.JobID, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return it, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &it.Metadata); err != nil {
			return it, errors.Wrap(err, "decode metadata")
		}
	}
	return it, nil
}

// Item loads one schedule item by id.
func (s *Store) Item(ctx context.Context, id string) (domain.ScheduleItem, error) {
	it, err := scanItem(s.db.QueryRow(ctx,
		`select `+itemCols+` from schedule_items where id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return it, domain.ErrNotFound
	}
	return it, errors.Wrap(err, "load item")
}

// DueProjects returns the distinct projects that have eligible work.
func (s *Store) DueProjects(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, `
select distinct project_id from schedule_items
 where scheduled_for <= $1
   and queue_status in ('pending','queued')
   and status = 'scheduled'`, now)
	if err != nil {
		return nil, errors.Wrap(err, "due projects")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Dequeue hands out up to limit eligible items for one project, marking
// them queued so the next batch does not re-fetch them. It never flips
// anything to processing: discovery and lease are separate operations.
func (s *Store) Dequeue(ctx context.Context, projectID string, limit int) ([]domain.ScheduleItem, error) {
	now := time.Now().UTC()
	rows, err := s.db.Query(ctx, `
with due as (
  select id from schedule_items
   where project_id = $1
     and status = 'scheduled'
     and scheduled_for <= $2
     and (queue_status = 'pending'
          or (queue_status = 'queued' and updated_at <= $3))
   limit $4
   for update skip locked
)
update schedule_items s
   set queue_status = 'queued', updated_at = $2
  from due
 where s.id = due.id
returning `+itemColsQualified, projectID, now, now.Add(-redeliverAfter), limit)
	if err != nil {
		return nil, errors.Wrap(err, "dequeue")
	}
	defer rows.Close()
	var out []domain.ScheduleItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// MarkProcessing is the lease acquisition: a single compare-and-swap
// into processing. Failed items stay leasable so a retry attempt can
// re-enter from step one; terminal and already-processing items are
// not. Returns the attempt number this lease opens, or ok=false when
// the race is lost or the item is not leasable.
func (s *Store) MarkProcessing(ctx context.Context, id string) (attempt int, ok bool, err error) {
	err = s.db.QueryRow(ctx, `
update schedule_items
   set queue_status = 'processing', attempts = attempts + 1, updated_at = now()
 where id = $1 and queue_status in ('pending','queued','failed')
returning attempts`, id).Scan(&attempt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "mark processing")
	}
	return attempt, true, nil
}

// MarkCompleted finalizes a leased item. Metadata (if any) is merged
// into the existing bag. A cancel that raced in after the lease wins:
// the conditional update is then a no-op.
func (s *Store) MarkCompleted(ctx context.Context, id string, completedAt time.Time, meta map[string]any) error {
	mj, err := marshalMeta(meta)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
update schedule_items
   set queue_status = 'completed', metadata = metadata || $2::jsonb, updated_at = $3
 where id = $1 and queue_status = 'processing'`, id, mj, completedAt)
	return errors.Wrap(err, "mark completed")
}

// MarkFailed records a failed attempt and reports whether the job
// runner will retry (attempts < max_attempts). The content-facing
// status flips to failed only once the attempts are used up.
func (s *Store) MarkFailed(ctx context.Context, id string, errMsg string) (willRetry bool, err error) {
	err = s.db.QueryRow(ctx, `
update schedule_items
   set queue_status = 'failed',
       status = case when attempts >= max_attempts then 'failed' else status end,
       metadata = metadata || jsonb_build_object('lastError', $2::text),
       updated_at = now()
 where id = $1 and queue_status = 'processing'
returning attempts < max_attempts`, id, errMsg).Scan(&willRetry)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return willRetry, errors.Wrap(err, "mark failed")
}

// Content loads the minimal content projection.
func (s *Store) Content(ctx context.Context, contentID string) (domain.Content, error) {
	var c domain.Content
	err := s.db.QueryRow(ctx,
		`select id, project_id, status, published_at from contents where id = $1`,
		contentID).Scan(&c.ID, &c.ProjectID, &c.Status, &c.PublishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, domain.ErrNotFound
	}
	return c, errors.Wrap(err, "load content")
}

// ConnectedPlatforms returns the content's configured platform targets
// in configuration order; connectivity filtering is the caller's job.
func (s *Store) ConnectedPlatforms(ctx context.Context, contentID string) ([]domain.PlatformTarget, error) {
	rows, err := s.db.Query(ctx, `
select platform_id, platform_type, is_connected
  from content_platforms
 where content_id = $1
 order by position`, contentID)
	if err != nil {
		return nil, errors.Wrap(err, "load platforms")
	}
	defer rows.Close()
	var out []domain.PlatformTarget
	for rows.Next() {
		var t domain.PlatformTarget
		if err := rows.Scan(&t.PlatformID, &t.Type, &t.IsConnected); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkPublished flips the content record once every platform succeeded.
func (s *Store) MarkPublished(ctx context.Context, contentID string, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`update contents set status = 'published', published_at = $2 where id = $1`,
		contentID, at)
	return errors.Wrap(err, "mark published")
}

// ManualTrigger queues the item for immediate publish. Rejected while
// processing and in the sticky terminal states.
func (s *Store) ManualTrigger(ctx context.Context, id, userID string, now time.Time) (domain.ScheduleItem, error) {
	it, err := scanItem(s.db.QueryRow(ctx, `
update schedule_items
   set queue_status = 'queued', scheduled_for = $2,
       metadata = metadata || jsonb_build_object(
           'manualTrigger', true, 'triggeredBy', $3::text, 'triggeredAt', $2::timestamptz),
       updated_at = $2
 where id = $1 and queue_status not in ('completed','processing','cancelled')
returning `+itemCols, id, now, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return it, s.ineligible(ctx, id)
	}
	return it, errors.Wrap(err, "manual trigger")
}

// Cancel flips the item to cancelled. Cooperative only: an in-flight
// lease is not interrupted; the next lease attempt observes the state.
func (s *Store) Cancel(ctx context.Context, id, userID, reason string, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
update schedule_items
   set queue_status = 'cancelled', status = 'cancelled',
       metadata = metadata || jsonb_build_object(
           'cancelledBy', $2::text, 'cancelledAt', $3::timestamptz, 'reason', $4::text),
       updated_at = $3
 where id = $1 and queue_status <> 'completed'`, id, userID, now, reason)
	if err != nil {
		return errors.Wrap(err, "cancel")
	}
	if tag.RowsAffected() == 0 {
		return s.ineligible(ctx, id)
	}
	return nil
}

// Reschedule moves the item to a new publish time and back to pending.
func (s *Store) Reschedule(ctx context.Context, id string, newTime time.Time, userID string, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
update schedule_items
   set metadata = metadata || jsonb_build_object(
           'rescheduledBy', $3::text, 'rescheduledAt', $4::timestamptz,
           'previousSchedule', scheduled_for),
       scheduled_for = $2, queue_status = 'pending', updated_at = $4
 where id = $1 and queue_status not in ('completed','cancelled','processing')`,
		id, newTime, userID, now)
	if err != nil {
		return errors.Wrap(err, "reschedule")
	}
	if tag.RowsAffected() == 0 {
		return s.ineligible(ctx, id)
	}
	return nil
}

func (s *Store) ineligible(ctx context.Context, id string) error {
	if _, err := s.Item(ctx, id); errors.Is(err, domain.ErrNotFound) {
		return domain.ErrNotFound
	}
	return ErrIneligible
}

// RequeueFromDeadLetter puts an exhausted item back in line for a fresh
// retry cycle. Only failed items qualify; the sticky terminal states
// stay untouched.
func (s *Store) RequeueFromDeadLetter(ctx context.Context, scheduleID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
update schedule_items
   set queue_status = 'queued', attempts = 0, updated_at = now()
 where id = $1 and queue_status = 'failed'`, scheduleID)
	if err != nil {
		return false, errors.Wrap(err, "requeue from dlq")
	}
	return tag.RowsAffected() > 0, nil
}

// InsertDeadLetter records an item that exhausted its publish retries.
func (s *Store) InsertDeadLetter(ctx context.Context, e *domain.DeadLetterEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.MaxAttempts == 0 {
		e.MaxAttempts = domain.DefaultDLQMaxAttempts
	}
	_, err := s.db.Exec(ctx, `
insert into dead_letters (id, job_id, payload, attempts, max_attempts, status, last_error)
values ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.JobID, e.Payload, e.Attempts, e.MaxAttempts, domain.DLQPending, e.LastError)
	return errors.Wrap(err, "insert dead letter")
}

// DeadLetter loads one entry by id.
func (s *Store) DeadLetter(ctx context.Context, id string) (domain.DeadLetterEntry, error) {
	var e domain.DeadLetterEntry
	err := s.db.QueryRow(ctx, `
select id, job_id, payload, attempts, max_attempts, status, last_error, created_at, updated_at
  from dead_letters where id = $1`, id).
		Scan(&e.ID, &e.JobID, &e.Payload, &e.Attempts, &e.MaxAttempts,
			&e.Status, &e.LastError, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return e, domain.ErrNotFound
	}
	return e, errors.Wrap(err, "load dead letter")
}

// SweepableDeadLetters returns the non-terminal entries, oldest first.
func (s *Store) SweepableDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error) {
	rows, err := s.db.Query(ctx, `
select id, job_id, payload, attempts, max_attempts, status, last_error, created_at, updated_at
  from dead_letters
 where status in ('pending','retried')
 order by created_at
 limit $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sweepable dead letters")
	}
	defer rows.Close()
	var out []domain.DeadLetterEntry
	for rows.Next() {
		var e domain.DeadLetterEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.Payload, &e.Attempts, &e.MaxAttempts,
			&e.Status, &e.LastError, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) setDeadLetterStatus(ctx context.Context, id string, status domain.DLQStatus, bumpAttempts bool) error {
	q := `update dead_letters set status = $2, updated_at = now() where id = $1`
	if bumpAttempts {
		q = `update dead_letters set status = $2, attempts = attempts + 1, updated_at = now() where id = $1`
	}
	_, err := s.db.Exec(ctx, q, id, status)
	return errors.Wrapf(err, "dead letter -> %s", status)
}

// MarkDeadLetterRetried counts one re-submission.
func (s *Store) MarkDeadLetterRetried(ctx context.Context, id string) error {
	return s.setDeadLetterStatus(ctx, id, domain.DLQRetried, true)
}

// MarkDeadLetterSucceeded closes the entry after its re-submission
// published.
func (s *Store) MarkDeadLetterSucceeded(ctx context.Context, id string) error {
	return s.setDeadLetterStatus(ctx, id, domain.DLQSucceeded, false)
}

// MarkDeadLetterFailed closes the entry after its re-submission ran out
// of item retries again.
func (s *Store) MarkDeadLetterFailed(ctx context.Context, id, lastError string) error {
	_, err := s.db.Exec(ctx, `
update dead_letters set status = 'failed', last_error = $2, updated_at = now()
 where id = $1`, id, lastError)
	return errors.Wrap(err, "dead letter -> failed")
}

// MarkDeadLetterPermanentlyFailed ends the sweep cycle for an entry
// that used up its re-submission budget.
func (s *Store) MarkDeadLetterPermanentlyFailed(ctx context.Context, id string) error {
	return s.setDeadLetterStatus(ctx, id, domain.DLQPermanentlyFailed, false)
}

// PurgeDeadLetters deletes terminal entries older than the cutoff.
// Non-terminal entries are never touched.
func (s *Store) PurgeDeadLetters(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
delete from dead_letters
 where created_at < $1
   and status in ('succeeded','failed','permanently_failed')`, olderThan)
	return tag.RowsAffected(), errors.Wrap(err, "purge dead letters")
}

// InsertAlert raises a permanent-failure notification.
func (s *Store) InsertAlert(ctx context.Context, scheduleID, message string) error {
	_, err := s.db.Exec(ctx,
		`insert into alerts (id, schedule_id, message) values ($1, $2, $3)`,
		uuid.NewString(), scheduleID, message)
	return errors.Wrap(err, "insert alert")
}

// ResolveAlert marks an alert handled.
func (s *Store) ResolveAlert(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx,
		`update alerts set resolved = true, resolved_at = now() where id = $1`, id)
	return errors.Wrap(err, "resolve alert")
}

// PurgeResolvedAlerts deletes resolved alerts older than the cutoff.
func (s *Store) PurgeResolvedAlerts(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`delete from alerts where resolved and created_at < $1`, olderThan)
	return tag.RowsAffected(), errors.Wrap(err, "purge alerts")
}

// PurgeTerminalItems deletes schedule items that have sat in a terminal
// queue state past the retention window.
func (s *Store) PurgeTerminalItems(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
delete from schedule_items
 where updated_at < $1
   and queue_status in ('completed','failed','cancelled')`, olderThan)
	return tag.RowsAffected(), errors.Wrap(err, "purge items")
}

// InsertJobExecution appends one row to the execution log consumed by
// the metrics sink.
func (s *Store) InsertJobExecution(ctx context.Context, jobName string, success bool, durationMs int64, meta map[string]any) error {
	mj, err := marshalMeta(meta)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
insert into job_executions (id, job_name, success, duration_ms, metadata)
values ($1, $2, $3, $4, $5)`,
		uuid.NewString(), jobName, success, durationMs, mj)
	return errors.Wrap(err, "insert job execution")
}

func marshalMeta(meta map[string]any) ([]byte, error) {
	if meta == nil {
		return []byte(`{}`), nil
	}
	b, err := json.Marshal(meta)
	return b, errors.Wrap(err, "encode metadata")
}
