package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/you/pubq/internal/domain"
)

// MemStore is the in-memory twin of Store, used in tests and local
// development. It mirrors the conditional-update semantics of the SQL
// store under one mutex, so lease races behave the same way.
type MemStore struct {
	mu         sync.Mutex
	items      map[string]*domain.ScheduleItem
	contents   map[string]*domain.Content
	platforms  map[string][]domain.PlatformTarget
	deadLetter map[string]*domain.DeadLetterEntry
	alerts     map[string]*domain.Alert
	execs      []JobExecution

	now func() time.Time
}

// JobExecution is one recorded metrics row.
type JobExecution struct {
	JobName    string
	Success    bool
	DurationMs int64
	Metadata   map[string]any
}

func NewMemStore() *MemStore {
	return &MemStore{
		items:      make(map[string]*domain.ScheduleItem),
		contents:   make(map[string]*domain.Content),
		platforms:  make(map[string][]domain.PlatformTarget),
		deadLetter: make(map[string]*domain.DeadLetterEntry),
		alerts:     make(map[string]*domain.Alert),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store clock.
func (m *MemStore) SetClock(now func() time.Time) { m.now = now }

// PutItem seeds or replaces a schedule item.
func (m *MemStore) PutItem(it domain.ScheduleItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it.MaxAttempts == 0 {
		it.MaxAttempts = domain.DefaultMaxAttempts
	}
	cp := it
	m.items[it.ID] = &cp
}

// PutContent seeds a content projection.
func (m *MemStore) PutContent(c domain.Content) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := c
	m.contents[c.ID] = &cp
}

// PutPlatforms seeds the platform bindings for a content id.
func (m *MemStore) PutPlatforms(contentID string, targets ...domain.PlatformTarget) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.platforms[contentID] = append([]domain.PlatformTarget(nil), targets...)
}

// PutDeadLetter seeds a dead-letter entry.
func (m *MemStore) PutDeadLetter(e domain.DeadLetterEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := e
	m.deadLetter[e.ID] = &cp
}

// ItemSnapshot returns a copy of the current item state.
func (m *MemStore) ItemSnapshot(id string) (domain.ScheduleItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return domain.ScheduleItem{}, false
	}
	return *it, true
}

// DeadLetterSnapshot returns a copy of one dead-letter entry.
func (m *MemStore) DeadLetterSnapshot(id string) (domain.DeadLetterEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.deadLetter[id]
	if !ok {
		return domain.DeadLetterEntry{}, false
	}
	return *e, true
}

// DeadLetters returns copies of all entries.
func (m *MemStore) DeadLetters() []domain.DeadLetterEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DeadLetterEntry, 0, len(m.deadLetter))
	for _, e := range m.deadLetter {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Alerts returns copies of all alerts.
func (m *MemStore) Alerts() []domain.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, *a)
	}
	return out
}

// Executions returns the recorded job execution rows.
func (m *MemStore) Executions() []JobExecution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]JobExecution(nil), m.execs...)
}

func (m *MemStore) Item(_ context.Context, id string) (domain.ScheduleItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return domain.ScheduleItem{}, domain.ErrNotFound
	}
	return *it, nil
}

func (m *MemStore) DueProjects(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, it := range m.items {
		if eligible(it, now) && !seen[it.ProjectID] {
			seen[it.ProjectID] = true
			out = append(out, it.ProjectID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func eligible(it *domain.ScheduleItem, now time.Time) bool {
	return it.Status == domain.StatusScheduled &&
		!it.ScheduledFor.After(now) &&
		(it.QueueStatus == domain.QueuePending || it.QueueStatus == domain.QueueQueued)
}

func (m *MemStore) Dequeue(_ context.Context, projectID string, limit int) ([]domain.ScheduleItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var candidates []*domain.ScheduleItem
	for _, it := range m.items {
		if it.ProjectID != projectID || it.Status != domain.StatusScheduled || it.ScheduledFor.After(now) {
			continue
		}
		switch it.QueueStatus {
		case domain.QueuePending:
			candidates = append(candidates, it)
		case domain.QueueQueued:
			if !it.UpdatedAt.After(now.Add(-redeliverAfter)) {
				candidates = append(candidates, it)
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]domain.ScheduleItem, 0, len(candidates))
	for _, it := range candidates {
		it.QueueStatus = domain.QueueQueued
		it.UpdatedAt = now
		out = append(out, *it)
	}
	return out, nil
}

func (m *MemStore) MarkProcessing(_ context.Context, id string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return 0, false, nil
	}
	switch it.QueueStatus {
	case domain.QueuePending, domain.QueueQueued, domain.QueueFailed:
	default:
		return 0, false, nil
	}
	it.QueueStatus = domain.QueueProcessing
	it.Attempts++
	it.UpdatedAt = m.now()
	return it.Attempts, true, nil
}

func (m *MemStore) MarkCompleted(_ context.Context, id string, completedAt time.Time, meta map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok || it.QueueStatus != domain.QueueProcessing {
		return nil
	}
	it.QueueStatus = domain.QueueCompleted
	mergeMeta(it, meta)
	it.UpdatedAt = completedAt
	return nil
}

func (m *MemStore) MarkFailed(_ context.Context, id string, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok || it.QueueStatus != domain.QueueProcessing {
		return false, nil
	}
	it.QueueStatus = domain.QueueFailed
	if it.Attempts >= it.MaxAttempts {
		it.Status = domain.StatusFailed
	}
	mergeMeta(it, map[string]any{"lastError": errMsg})
	it.UpdatedAt = m.now()
	return it.Attempts < it.MaxAttempts, nil
}

func (m *MemStore) Content(_ context.Context, contentID string) (domain.Content, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contents[contentID]
	if !ok {
		return domain.Content{}, domain.ErrNotFound
	}
	return *c, nil
}

func (m *MemStore) ConnectedPlatforms(_ context.Context, contentID string) ([]domain.PlatformTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.PlatformTarget(nil), m.platforms[contentID]...), nil
}

func (m *MemStore) MarkPublished(_ context.Context, contentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contents[contentID]
	if !ok {
		return domain.ErrNotFound
	}
	c.Status = domain.StatusPublished
	c.PublishedAt = &at
	return nil
}

func (m *MemStore) ManualTrigger(ctx context.Context, id, userID string, now time.Time) (domain.ScheduleItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return domain.ScheduleItem{}, domain.ErrNotFound
	}
	switch it.QueueStatus {
	case domain.QueueCompleted, domain.QueueProcessing, domain.QueueCancelled:
		return domain.ScheduleItem{}, ErrIneligible
	}
	it.QueueStatus = domain.QueueQueued
	it.ScheduledFor = now
	mergeMeta(it, map[string]any{
		domain.MetaManualTrigger: true,
		domain.MetaTriggeredBy:   userID,
		domain.MetaTriggeredAt:   now,
	})
	it.UpdatedAt = now
	return *it, nil
}

func (m *MemStore) Cancel(_ context.Context, id, userID, reason string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	if it.QueueStatus == domain.QueueCompleted {
		return ErrIneligible
	}
	it.QueueStatus = domain.QueueCancelled
	it.Status = domain.StatusCancelled
	mergeMeta(it, map[string]any{
		domain.MetaCancelledBy:  userID,
		domain.MetaCancelledAt:  now,
		domain.MetaCancelReason: reason,
	})
	it.UpdatedAt = now
	return nil
}

func (m *MemStore) Reschedule(_ context.Context, id string, newTime time.Time, userID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	switch it.QueueStatus {
	case domain.QueueCompleted, domain.QueueCancelled, domain.QueueProcessing:
		return ErrIneligible
	}
	mergeMeta(it, map[string]any{
		domain.MetaRescheduledBy:    userID,
		domain.MetaRescheduledAt:    now,
		domain.MetaPreviousSchedule: it.ScheduledFor,
	})
	it.ScheduledFor = newTime
	it.QueueStatus = domain.QueuePending
	it.UpdatedAt = now
	return nil
}

func (m *MemStore) RequeueFromDeadLetter(_ context.Context, scheduleID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[scheduleID]
	if !ok || it.QueueStatus != domain.QueueFailed {
		return false, nil
	}
	it.QueueStatus = domain.QueueQueued
	it.Attempts = 0
	it.UpdatedAt = m.now()
	return true, nil
}

func (m *MemStore) InsertDeadLetter(_ context.Context, e *domain.DeadLetterEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.MaxAttempts == 0 {
		e.MaxAttempts = domain.DefaultDLQMaxAttempts
	}
	e.Status = domain.DLQPending
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	e.UpdatedAt = m.now()
	cp := *e
	m.deadLetter[e.ID] = &cp
	return nil
}

func (m *MemStore) DeadLetter(_ context.Context, id string) (domain.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.deadLetter[id]
	if !ok {
		return domain.DeadLetterEntry{}, domain.ErrNotFound
	}
	return *e, nil
}

func (m *MemStore) SweepableDeadLetters(_ context.Context, limit int) ([]domain.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DeadLetterEntry
	for _, e := range m.deadLetter {
		if e.Status == domain.DLQPending || e.Status == domain.DLQRetried {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) setDLQ(id string, status domain.DLQStatus, bump bool, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.deadLetter[id]
	if !ok {
		return errors.Wrap(domain.ErrNotFound, fmt.Sprintf("dead letter %s", id))
	}
	e.Status = status
	if bump {
		e.Attempts++
	}
	if lastError != "" {
		e.LastError = lastError
	}
	e.UpdatedAt = m.now()
	return nil
}

func (m *MemStore) MarkDeadLetterRetried(_ context.Context, id string) error {
	return m.setDLQ(id, domain.DLQRetried, true, "")
}

func (m *MemStore) MarkDeadLetterSucceeded(_ context.Context, id string) error {
	return m.setDLQ(id, domain.DLQSucceeded, false, "")
}

func (m *MemStore) MarkDeadLetterFailed(_ context.Context, id, lastError string) error {
	return m.setDLQ(id, domain.DLQFailed, false, lastError)
}

func (m *MemStore) MarkDeadLetterPermanentlyFailed(_ context.Context, id string) error {
	return m.setDLQ(id, domain.DLQPermanentlyFailed, false, "")
}

func (m *MemStore) PurgeDeadLetters(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.deadLetter {
		if e.Status.Terminal() && e.CreatedAt.Before(olderThan) {
			delete(m.deadLetter, id)
			n++
		}
	}
	return n, nil
}

func (m *MemStore) InsertAlert(_ context.Context, scheduleID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.alerts[id] = &domain.Alert{
		ID: id, ScheduleID: scheduleID, Message: message, CreatedAt: m.now(),
	}
	return nil
}

func (m *MemStore) ResolveAlert(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := m.now()
	a.Resolved = true
	a.ResolvedAt = &now
	return nil
}

// PutAlert seeds an alert (tests only).
func (m *MemStore) PutAlert(a domain.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := a
	m.alerts[a.ID] = &cp
}

func (m *MemStore) PurgeResolvedAlerts(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, a := range m.alerts {
		if a.Resolved && a.CreatedAt.Before(olderThan) {
			delete(m.alerts, id)
			n++
		}
	}
	return n, nil
}

func (m *MemStore) PurgeTerminalItems(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, it := range m.items {
		switch it.QueueStatus {
		case domain.QueueCompleted, domain.QueueFailed, domain.QueueCancelled:
			if it.UpdatedAt.Before(olderThan) {
				delete(m.items, id)
				n++
			}
		}
	}
	return n, nil
}

func (m *MemStore) InsertJobExecution(_ context.Context, jobName string, success bool, durationMs int64, meta map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs = append(m.execs, JobExecution{
		JobName: jobName, Success: success, DurationMs: durationMs, Metadata: meta,
	})
	return nil
}

func mergeMeta(it *domain.ScheduleItem, meta map[string]any) {
	if len(meta) == 0 {
		return
	}
	if it.Metadata == nil {
		it.Metadata = make(map[string]any, len(meta))
	}
	for k, v := range meta {
		it.Metadata[k] = v
	}
}
