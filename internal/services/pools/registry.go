// Package pools implements the registry of mixing tiers: lookup, admission
// control and capacity accounting.
package pools

import (
	"context"
	"errors"
	"fmt"

	"github.com/Leepey/Mixton-sub002/internal/domain/pool"
	"github.com/Leepey/Mixton-sub002/internal/storage"
	"github.com/Leepey/Mixton-sub002/pkg/logger"
)

// Errors
var (
	ErrPoolNotFound     = errors.New("pool not found")
	ErrPoolInactive     = errors.New("pool is not accepting transactions")
	ErrPoolFull         = errors.New("pool is at capacity")
	ErrAmountOutOfRange = errors.New("amount outside pool bounds")
)

// Registry manages the set of mixing pools.
type Registry struct {
	store storage.PoolStore
	log   *logger.Logger
}

// New constructs a pool registry.
func New(store storage.PoolStore, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.NewDefault("pools")
	}
	return &Registry{store: store, log: log}
}

// FindPool returns a pool by identifier.
func (r *Registry) FindPool(ctx context.Context, id string) (pool.Pool, error) {
	p, err := r.store.GetPool(ctx, id)
	if err != nil {
		return pool.Pool{}, ErrPoolNotFound
	}
	return p, nil
}

// ListPools returns every configured pool.
func (r *Registry) ListPools(ctx context.Context) ([]pool.Pool, error) {
	return r.store.ListPools(ctx)
}

// AcceptTransaction admits a deposit of the given amount into the pool and
// claims one capacity slot. Checks run in a fixed order so error reporting
// is deterministic when several conditions fail at once: existence, status,
// capacity, amount bounds.
func (r *Registry) AcceptTransaction(ctx context.Context, poolID string, amount int64) (pool.Pool, error) {
	p, err := r.store.GetPool(ctx, poolID)
	if err != nil {
		return pool.Pool{}, ErrPoolNotFound
	}
	if p.Status != pool.StatusActive {
		return pool.Pool{}, ErrPoolInactive
	}
	if p.CurrentParticipants >= p.Capacity {
		return pool.Pool{}, ErrPoolFull
	}
	if amount < p.MinAmount || amount > p.MaxAmount {
		return pool.Pool{}, fmt.Errorf("%w: amount %d not in [%d, %d]", ErrAmountOutOfRange, amount, p.MinAmount, p.MaxAmount)
	}

	// The snapshot check above can race with other accepts; the store
	// re-checks capacity under its own serialization.
	p, err = r.store.AcceptPoolSlot(ctx, poolID)
	if err != nil {
		return pool.Pool{}, ErrPoolFull
	}

	r.log.WithField("pool_id", p.ID).
		WithField("participants", p.CurrentParticipants).
		Debug("pool slot claimed")
	return p, nil
}

// ReleaseSlot returns a capacity slot claimed by AcceptTransaction. Callers
// guarantee at-most-once semantics per transaction.
func (r *Registry) ReleaseSlot(ctx context.Context, poolID string) error {
	p, err := r.store.ReleasePoolSlot(ctx, poolID)
	if err != nil {
		return fmt.Errorf("release pool slot: %w", err)
	}
	r.log.WithField("pool_id", p.ID).
		WithField("participants", p.CurrentParticipants).
		Debug("pool slot released")
	return nil
}
