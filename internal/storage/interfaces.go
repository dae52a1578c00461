package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Leepey/Mixton-sub002/internal/domain/admin"
	"github.com/Leepey/Mixton-sub002/internal/domain/mix"
	"github.com/Leepey/Mixton-sub002/internal/domain/pool"
)

// ErrLegsClaimed reports that a transaction's legs could not be cancelled
// because at least one of them already left the scheduled state.
var ErrLegsClaimed = errors.New("transaction has claimed legs")

// PoolStore persists mixing pools and their capacity counters.
type PoolStore interface {
	CreatePool(ctx context.Context, p pool.Pool) (pool.Pool, error)
	UpdatePool(ctx context.Context, p pool.Pool) (pool.Pool, error)
	GetPool(ctx context.Context, id string) (pool.Pool, error)
	ListPools(ctx context.Context) ([]pool.Pool, error)

	// AcceptPoolSlot atomically increments the pool's participant count,
	// failing when the pool is already at capacity. ReleasePoolSlot is the
	// matching decrement; it never drops the count below zero.
	AcceptPoolSlot(ctx context.Context, id string) (pool.Pool, error)
	ReleasePoolSlot(ctx context.Context, id string) (pool.Pool, error)

	// ReplacePools swaps the full pool set in one step. Capacity counters
	// of surviving pools are preserved.
	ReplacePools(ctx context.Context, pools []pool.Pool) error
}

// MixStore persists mix transactions and their payout legs.
type MixStore interface {
	// CreateTransaction stores the transaction and all its legs atomically.
	CreateTransaction(ctx context.Context, tx mix.Transaction) (mix.Transaction, error)
	UpdateTransaction(ctx context.Context, tx mix.Transaction) (mix.Transaction, error)
	// GetTransaction returns the transaction with its legs populated in
	// Seq order.
	GetTransaction(ctx context.Context, id string) (mix.Transaction, error)
	ListTransactions(ctx context.Context, poolID string, status mix.Status, limit int) ([]mix.Transaction, error)

	UpdateLeg(ctx context.Context, leg mix.PayoutLeg) (mix.PayoutLeg, error)
	GetLeg(ctx context.Context, id string) (mix.PayoutLeg, error)
	ListLegs(ctx context.Context, transactionID string) ([]mix.PayoutLeg, error)

	// ClaimDueLegs atomically moves every scheduled leg with
	// release_at <= now into the releasing state and returns the claimed
	// legs ordered by release time, with ties resolved in enqueue order.
	// A leg claimed here is owned by the caller until it is marked
	// released, failed, rescheduled, or returned.
	ClaimDueLegs(ctx context.Context, now time.Time, limit int) ([]mix.PayoutLeg, error)

	// CancelScheduledLegs marks every still-scheduled leg of the
	// transaction cancelled and reports how many were affected.
	CancelScheduledLegs(ctx context.Context, transactionID string) (int, error)

	// CancelTransactionLegs cancels all legs of the transaction in one
	// atomic step, but only while every leg is still scheduled. When any
	// leg has already been claimed or resolved it fails with
	// ErrLegsClaimed and leaves every leg untouched, so a cancel can never
	// interleave with a concurrent claim.
	CancelTransactionLegs(ctx context.Context, transactionID string) (int, error)

	// CountScheduledLegs reports how many legs are awaiting release.
	CountScheduledLegs(ctx context.Context) (int, error)

	Stats(ctx context.Context) (mix.Stats, error)
}

// SettingsStore persists the last applied contract settings document.
type SettingsStore interface {
	SaveSettings(ctx context.Context, settings admin.ContractSettings) (admin.ContractSettings, error)
	LoadSettings(ctx context.Context) (admin.ContractSettings, error)
}
