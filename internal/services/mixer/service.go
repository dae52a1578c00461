// Package mixer implements the mixing-transaction orchestration engine:
// fee computation, recipient splitting, the transaction lifecycle and the
// timed release of payout legs.
package mixer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Leepey/Mixton-sub002/internal/chain"
	"github.com/Leepey/Mixton-sub002/internal/domain/mix"
	"github.com/Leepey/Mixton-sub002/internal/metrics"
	"github.com/Leepey/Mixton-sub002/internal/services/pools"
	"github.com/Leepey/Mixton-sub002/internal/storage"
	"github.com/Leepey/Mixton-sub002/pkg/logger"
)

// Errors
var (
	ErrTransactionNotFound = errors.New("mix transaction not found")
	ErrNotCancellable      = errors.New("transaction is no longer cancellable")
	ErrNotRefundable       = errors.New("transaction is not refundable")
	ErrNothingToRefund     = errors.New("no undistributed funds to refund")
)

// MixRequest describes a deposit to be mixed. Either explicit Recipients or
// a WithdrawAddress must be supplied; Mixed selects the multi-leg quick-mix
// partition for the latter.
type MixRequest struct {
	PoolID          string          `json:"pool_id"`
	DepositAddress  string          `json:"deposit_address"`
	Amount          int64           `json:"amount"`
	Recipients      []RecipientSpec `json:"recipients,omitempty"`
	WithdrawAddress string          `json:"withdraw_address,omitempty"`
	Mixed           bool            `json:"mixed,omitempty"`
}

// Service orchestrates mix transactions from admission to payout.
type Service struct {
	registry *pools.Registry
	store    storage.MixStore
	ledger   chain.Ledger
	splitter *Splitter
	log      *logger.Logger

	// Transaction status is recomputed from leg states; the recomputation
	// is serialized per transaction because two legs of one transaction
	// may finish concurrently on different workers. Entries are refcounted
	// and removed once the last holder releases, so the map stays bounded
	// by the number of transactions currently being worked on.
	locksMu sync.Mutex
	locks   map[string]*txLock
}

type txLock struct {
	mu   sync.Mutex
	refs int
}

// New constructs a mixer service.
func New(registry *pools.Registry, store storage.MixStore, ledger chain.Ledger, splitter *Splitter, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("mixer")
	}
	if splitter == nil {
		splitter = NewSplitter()
	}
	return &Service{
		registry: registry,
		store:    store,
		ledger:   ledger,
		splitter: splitter,
		log:      log,
		locks:    make(map[string]*txLock),
	}
}

func (s *Service) lockTransaction(id string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &txLock{}
		s.locks[id] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.locksMu.Unlock()
	}
}

// CreateMixTransaction validates a deposit against its pool, computes the
// fee, splits the remainder into payout legs and stores the transaction in
// the pending state with every leg scheduled.
func (s *Service) CreateMixTransaction(ctx context.Context, req MixRequest) (mix.Transaction, error) {
	if req.Amount <= 0 {
		return mix.Transaction{}, ErrInvalidAmount
	}
	if !validAddress(req.DepositAddress) {
		return mix.Transaction{}, fmt.Errorf("%w: malformed deposit address", ErrInvalidRecipient)
	}

	p, err := s.registry.AcceptTransaction(ctx, req.PoolID, req.Amount)
	if err != nil {
		return mix.Transaction{}, err
	}

	fee, err := ComputeFee(req.Amount, p)
	if err != nil {
		s.returnSlot(ctx, p.ID)
		return mix.Transaction{}, err
	}
	net := req.Amount - fee

	var legs []mix.PayoutLeg
	if len(req.Recipients) > 0 {
		legs, err = s.splitter.Split(net, req.Recipients, p)
	} else {
		legs, err = s.splitter.QuickMix(net, req.WithdrawAddress, req.Mixed, p)
	}
	if err != nil {
		s.returnSlot(ctx, p.ID)
		return mix.Transaction{}, err
	}

	now := time.Now().UTC()
	for i := range legs {
		if legs[i].Delay < 0 {
			s.returnSlot(ctx, p.ID)
			return mix.Transaction{}, ErrInvalidDelay
		}
		legs[i].ReleaseAt = now.Add(legs[i].Delay)
	}

	tx := mix.Transaction{
		ID:             uuid.NewString(),
		PoolID:         p.ID,
		DepositAddress: req.DepositAddress,
		InputAmount:    req.Amount,
		Fee:            fee,
		NetAmount:      net,
		Status:         mix.StatusPending,
		Recipients:     legs,
	}

	created, err := s.store.CreateTransaction(ctx, tx)
	if err != nil {
		s.returnSlot(ctx, p.ID)
		return mix.Transaction{}, fmt.Errorf("create mix transaction: %w", err)
	}

	metrics.RecordTransactionAccepted(p.ID)
	s.log.Info("mix transaction created",
		"transaction_id", created.ID,
		"pool_id", created.PoolID,
		"amount", created.InputAmount,
		"fee", created.Fee,
		"legs", len(created.Recipients),
	)
	return created, nil
}

func (s *Service) returnSlot(ctx context.Context, poolID string) {
	if err := s.registry.ReleaseSlot(ctx, poolID); err != nil {
		s.log.WithError(err).WithField("pool_id", poolID).Warn("failed to return pool slot")
	}
}

// GetTransaction returns a transaction with its legs.
func (s *Service) GetTransaction(ctx context.Context, id string) (mix.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return mix.Transaction{}, ErrTransactionNotFound
	}
	return tx, nil
}

// ListTransactions lists transactions filtered by pool and status.
func (s *Service) ListTransactions(ctx context.Context, poolID string, status mix.Status, limit int) ([]mix.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListTransactions(ctx, poolID, status, limit)
}

// Stats returns aggregate mixing statistics.
func (s *Service) Stats(ctx context.Context) (mix.Stats, error) {
	return s.store.Stats(ctx)
}

// Cancel aborts a transaction that has not started releasing. Every leg is
// cancelled and no ledger call occurs. Once any leg has left the scheduled
// state the transaction is no longer cancellable.
func (s *Service) Cancel(ctx context.Context, id string) (mix.Transaction, error) {
	unlock := s.lockTransaction(id)
	defer unlock()

	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return mix.Transaction{}, ErrTransactionNotFound
	}
	if tx.Status != mix.StatusPending {
		return mix.Transaction{}, ErrNotCancellable
	}

	// The store cancels all legs in one atomic step only while every leg
	// is still scheduled, so a claim that slips in concurrently either
	// happens wholly before (cancel refused) or wholly after (nothing
	// left to claim).
	if _, err := s.store.CancelTransactionLegs(ctx, id); err != nil {
		if errors.Is(err, storage.ErrLegsClaimed) {
			return mix.Transaction{}, ErrNotCancellable
		}
		return mix.Transaction{}, fmt.Errorf("cancel legs: %w", err)
	}

	tx.Status = mix.StatusCancelled
	tx.CompletedAt = time.Now().UTC()
	updated, err := s.store.UpdateTransaction(ctx, tx)
	if err != nil {
		return mix.Transaction{}, fmt.Errorf("update transaction: %w", err)
	}
	updated, err = s.releaseSlotOnce(ctx, updated)
	if err != nil {
		s.log.WithError(err).WithField("transaction_id", id).Warn("release pool slot after cancel failed")
	}

	s.log.Info("mix transaction cancelled", "transaction_id", id)
	return updated, nil
}

// Refund transfers the undistributed remainder of a failed transaction back
// to the depositor. A refund failure leaves the transaction failed so the
// refund can be retried.
func (s *Service) Refund(ctx context.Context, id string) (mix.Transaction, error) {
	unlock := s.lockTransaction(id)
	defer unlock()

	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return mix.Transaction{}, ErrTransactionNotFound
	}
	if tx.Status != mix.StatusFailed {
		return mix.Transaction{}, ErrNotRefundable
	}

	var released int64
	for _, leg := range tx.Recipients {
		if leg.Status == mix.LegReleased {
			released += leg.Amount
		}
	}
	refundable := tx.NetAmount - released
	if refundable <= 0 {
		return mix.Transaction{}, ErrNothingToRefund
	}

	receipt, err := s.ledger.Transfer(ctx, tx.DepositAddress, refundable, "refund "+tx.ID)
	if err != nil {
		return mix.Transaction{}, fmt.Errorf("refund transfer: %w", err)
	}

	tx.Status = mix.StatusRefunded
	tx.RefundTx = receipt.TxHash
	updated, err := s.store.UpdateTransaction(ctx, tx)
	if err != nil {
		return mix.Transaction{}, fmt.Errorf("update transaction: %w", err)
	}

	s.log.Info("mix transaction refunded",
		"transaction_id", id,
		"amount", refundable,
		"refund_tx", receipt.TxHash,
	)
	return updated, nil
}

// CompleteLeg marks a claimed leg released and folds the outcome into the
// owning transaction's status.
func (s *Service) CompleteLeg(ctx context.Context, leg mix.PayoutLeg, transferTx string) error {
	unlock := s.lockTransaction(leg.TransactionID)
	defer unlock()

	leg.Status = mix.LegReleased
	leg.TransferTx = transferTx
	leg.LastError = ""
	if _, err := s.store.UpdateLeg(ctx, leg); err != nil {
		return fmt.Errorf("update leg: %w", err)
	}
	return s.recomputeLocked(ctx, leg.TransactionID)
}

// FailLeg marks a claimed leg permanently failed. Still-scheduled sibling
// legs are cancelled so a partially-paid mix is never left half pending.
func (s *Service) FailLeg(ctx context.Context, leg mix.PayoutLeg, cause error) error {
	unlock := s.lockTransaction(leg.TransactionID)
	defer unlock()

	leg.Status = mix.LegFailed
	if cause != nil {
		leg.LastError = cause.Error()
	}
	if _, err := s.store.UpdateLeg(ctx, leg); err != nil {
		return fmt.Errorf("update leg: %w", err)
	}
	if _, err := s.store.CancelScheduledLegs(ctx, leg.TransactionID); err != nil {
		return fmt.Errorf("cancel sibling legs: %w", err)
	}
	return s.recomputeLocked(ctx, leg.TransactionID)
}

// ReturnLeg puts a claimed leg back in the queue unchanged. Unlike
// RescheduleLeg it does not consume a retry attempt; it is for claims
// abandoned before any transfer was issued, such as a shutdown mid-batch.
func (s *Service) ReturnLeg(ctx context.Context, leg mix.PayoutLeg) error {
	unlock := s.lockTransaction(leg.TransactionID)
	defer unlock()

	leg.Status = mix.LegScheduled
	if _, err := s.store.UpdateLeg(ctx, leg); err != nil {
		return fmt.Errorf("update leg: %w", err)
	}
	return nil
}

// RescheduleLeg returns a claimed leg to the queue for a later retry.
func (s *Service) RescheduleLeg(ctx context.Context, leg mix.PayoutLeg, releaseAt time.Time, cause error) error {
	unlock := s.lockTransaction(leg.TransactionID)
	defer unlock()

	leg.Status = mix.LegScheduled
	leg.Attempts++
	leg.ReleaseAt = releaseAt
	if cause != nil {
		leg.LastError = cause.Error()
	}
	if _, err := s.store.UpdateLeg(ctx, leg); err != nil {
		return fmt.Errorf("update leg: %w", err)
	}
	return s.recomputeLocked(ctx, leg.TransactionID)
}

// recomputeLocked derives the transaction status from its legs. Transitions
// are monotonic: once terminal the transaction never changes again, and the
// pool slot is released exactly once.
func (s *Service) recomputeLocked(ctx context.Context, id string) error {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return fmt.Errorf("get transaction: %w", err)
	}
	if tx.Status.Terminal() {
		return nil
	}

	derived := mix.DeriveStatus(tx.Recipients)
	if derived == mix.StatusPending && tx.Status == mix.StatusProcessing {
		// A rescheduled retry leaves every leg scheduled again; the
		// transaction stays processing rather than regressing.
		derived = mix.StatusProcessing
	}
	if derived == tx.Status {
		return nil
	}

	tx.Status = derived
	if derived.Terminal() {
		tx.CompletedAt = time.Now().UTC()
	}
	tx, err = s.store.UpdateTransaction(ctx, tx)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}

	if derived.Terminal() {
		if _, err := s.releaseSlotOnce(ctx, tx); err != nil {
			s.log.WithError(err).WithField("transaction_id", id).Warn("release pool slot failed")
		}
		s.log.Info("mix transaction finished",
			"transaction_id", id,
			"status", string(derived),
		)
	}
	return nil
}

func (s *Service) releaseSlotOnce(ctx context.Context, tx mix.Transaction) (mix.Transaction, error) {
	if tx.SlotReleased {
		return tx, nil
	}
	if err := s.registry.ReleaseSlot(ctx, tx.PoolID); err != nil {
		return tx, err
	}
	tx.SlotReleased = true
	return s.store.UpdateTransaction(ctx, tx)
}
