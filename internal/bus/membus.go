package bus

import (
	"context"
	"time"

	"github.com/you/pubq/internal/domain"
)

// MemBus is the channel-backed Bus used in tests and local development.
type MemBus struct {
	projects chan domain.ProjectSignal
	items    chan domain.ItemSignal
}

func NewMemBus() *MemBus {
	return &MemBus{
		projects: make(chan domain.ProjectSignal, 1024),
		items:    make(chan domain.ItemSignal, 1024),
	}
}

func (b *MemBus) EmitProject(_ context.Context, sig domain.ProjectSignal) error {
	b.projects <- sig
	return nil
}

func (b *MemBus) EmitItem(_ context.Context, sig domain.ItemSignal) error {
	b.items <- sig
	return nil
}

func (b *MemBus) NextProject(ctx context.Context, block time.Duration) (*domain.ProjectSignal, error) {
	t := time.NewTimer(block)
	defer t.Stop()
	select {
	case sig := <-b.projects:
		return &sig, nil
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *MemBus) NextItem(ctx context.Context, block time.Duration) (*domain.ItemSignal, error) {
	t := time.NewTimer(block)
	defer t.Stop()
	select {
	case sig := <-b.items:
		return &sig, nil
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PendingItems drains and returns all buffered item signals without
// blocking (tests only).
func (b *MemBus) PendingItems() []domain.ItemSignal {
	var out []domain.ItemSignal
	for {
		select {
		case sig := <-b.items:
			out = append(out, sig)
		default:
			return out
		}
	}
}

// PendingProjects drains and returns all buffered project signals
// without blocking (tests only).
func (b *MemBus) PendingProjects() []domain.ProjectSignal {
	var out []domain.ProjectSignal
	for {
		select {
		case sig := <-b.projects:
			out = append(out, sig)
		default:
			return out
		}
	}
}
