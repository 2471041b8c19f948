// Package metrics receives execution records from every job in the
// system: per-item publishes, fan-out ticks, DLQ sweeps and cleanups.
package metrics

import (
	"context"

	"go.uber.org/zap"
)

// Sink records one job execution. Implementations must be safe for
// concurrent use.
type Sink interface {
	RecordJobExecution(ctx context.Context, jobName string, success bool, durationMs int64, metadata map[string]any)
}

// ExecutionStore is the persistence half of the store-backed sink.
type ExecutionStore interface {
	InsertJobExecution(ctx context.Context, jobName string, success bool, durationMs int64, metadata map[string]any) error
}

// StoreSink persists execution records. Recording is best effort: a
// failed insert is logged, never propagated into the job outcome.
type StoreSink struct {
	store ExecutionStore
	log   *zap.Logger
}

func NewStoreSink(store ExecutionStore, log *zap.Logger) *StoreSink {
	return &StoreSink{store: store, log: log}
}

func (s *StoreSink) RecordJobExecution(ctx context.Context, jobName string, success bool, durationMs int64, metadata map[string]any) {
	if err := s.store.InsertJobExecution(ctx, jobName, success, durationMs, metadata); err != nil {
		s.log.Warn("record job execution",
			zap.String("job", jobName), zap.Error(err))
	}
}

// LogSink writes execution records to the structured log.
type LogSink struct{ log *zap.Logger }

func NewLogSink(log *zap.Logger) *LogSink { return &LogSink{log} }

func (s *LogSink) RecordJobExecution(_ context.Context, jobName string, success bool, durationMs int64, metadata map[string]any) {
	s.log.Info("job execution",
		zap.String("job", jobName),
		zap.Bool("success", success),
		zap.Int64("duration_ms", durationMs),
		zap.Any("metadata", metadata))
}

// Multi fans one record out to several sinks.
type Multi []Sink

func (m Multi) RecordJobExecution(ctx context.Context, jobName string, success bool, durationMs int64, metadata map[string]any) {
	for _, s := range m {
		s.RecordJobExecution(ctx, jobName, success, durationMs, metadata)
	}
}
