// Package bus carries the publish signals between the fan-out trigger,
// the project drainer and the item workers. Redis lists are the
// transport: one list per signal name, LPUSH to emit, BRPOP to consume.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/you/pubq/internal/domain"
)

// Bus is the signal transport consumed by the dispatch workers.
type Bus interface {
	EmitProject(ctx context.Context, sig domain.ProjectSignal) error
	EmitItem(ctx context.Context, sig domain.ItemSignal) error
	// NextProject and NextItem block up to the given duration and
	// return (nil, nil) when no signal arrived in time.
	NextProject(ctx context.Context, block time.Duration) (*domain.ProjectSignal, error)
	NextItem(ctx context.Context, block time.Duration) (*domain.ItemSignal, error)
}

type RedisBus struct{ rdb *r.Client }

func New(rdb *r.Client) *RedisBus { return &RedisBus{rdb} }

func (b *RedisBus) emit(ctx context.Context, name string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "encode %s", name)
	}
	return errors.Wrapf(b.rdb.LPush(ctx, "sig:"+name, raw).Err(), "emit %s", name)
}

func (b *RedisBus) next(ctx context.Context, name string, block time.Duration, out any) (bool, error) {
	res, err := b.rdb.BRPop(ctx, block, "sig:"+name).Result()
	if errors.Is(err, r.Nil) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "pop %s", name)
	}
	if len(res) != 2 {
		return false, nil
	}
	if err := json.Unmarshal([]byte(res[1]), out); err != nil {
		return false, errors.Wrapf(err, "decode %s", name)
	}
	return true, nil
}

func (b *RedisBus) EmitProject(ctx context.Context, sig domain.ProjectSignal) error {
	return b.emit(ctx, domain.SignalProject, sig)
}

func (b *RedisBus) EmitItem(ctx context.Context, sig domain.ItemSignal) error {
	return b.emit(ctx, domain.SignalItem, sig)
}

func (b *RedisBus) NextProject(ctx context.Context, block time.Duration) (*domain.ProjectSignal, error) {
	var sig domain.ProjectSignal
	ok, err := b.next(ctx, domain.SignalProject, block, &sig)
	if !ok || err != nil {
		return nil, err
	}
	return &sig, nil
}

func (b *RedisBus) NextItem(ctx context.Context, block time.Duration) (*domain.ItemSignal, error) {
	var sig domain.ItemSignal
	ok, err := b.next(ctx, domain.SignalItem, block, &sig)
	if !ok || err != nil {
		return nil, err
	}
	return &sig, nil
}
