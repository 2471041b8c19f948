// Package publisher resolves platform types to publish capabilities.
// Adapters for concrete platforms live behind the Publisher interface;
// their wire formats are not this system's concern.
package publisher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/you/pubq/internal/domain"
)

// Publisher publishes one piece of content to one platform target.
// Ordinary platform errors (rate limits, API rejections) must come back
// as a failed PublishResult, never as a panic or a Go error.
type Publisher interface {
	Publish(ctx context.Context, content domain.Content, target domain.PlatformTarget) domain.PublishResult
}

// Func adapts a plain function to the Publisher interface.
type Func func(ctx context.Context, content domain.Content, target domain.PlatformTarget) domain.PublishResult

func (f Func) Publish(ctx context.Context, content domain.Content, target domain.PlatformTarget) domain.PublishResult {
	return f(ctx, content, target)
}

// Registry maps platform types to their adapters. Registration happens
// at startup; Dispatch is safe for concurrent use afterwards.
type Registry struct {
	adapters map[domain.PlatformType]Publisher
	log      *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		adapters: make(map[domain.PlatformType]Publisher),
		log:      log,
	}
}

// Register binds an adapter to a platform type, replacing any previous
// binding.
func (r *Registry) Register(t domain.PlatformType, p Publisher) {
	r.adapters[t] = p
}

// Resolve returns the adapter for a platform type.
func (r *Registry) Resolve(t domain.PlatformType) (Publisher, bool) {
	p, ok := r.adapters[t]
	return p, ok
}

// Dispatch publishes to every target in order and collects one result
// per target. A failure on one platform never aborts the remaining
// platforms: unknown types and panicking adapters are converted into
// failed results in place.
func (r *Registry) Dispatch(ctx context.Context, content domain.Content, targets []domain.PlatformTarget) []domain.PublishResult {
	results := make([]domain.PublishResult, 0, len(targets))
	for _, target := range targets {
		results = append(results, r.publishOne(ctx, content, target))
	}
	return results
}

func (r *Registry) publishOne(ctx context.Context, content domain.Content, target domain.PlatformTarget) (res domain.PublishResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("publisher panicked",
				zap.String("platform_id", target.PlatformID),
				zap.String("platform_type", string(target.Type)),
				zap.Any("panic", rec))
			res = failed(target, fmt.Sprintf("publisher panicked: %v", rec))
		}
	}()

	p, ok := r.adapters[target.Type]
	if !ok {
		return failed(target, fmt.Sprintf("no publisher registered for platform type %q", target.Type))
	}
	return p.Publish(ctx, content, target)
}

func failed(target domain.PlatformTarget, msg string) domain.PublishResult {
	return domain.PublishResult{
		PlatformID:   target.PlatformID,
		PlatformType: target.Type,
		Success:      false,
		Error:        msg,
	}
}
