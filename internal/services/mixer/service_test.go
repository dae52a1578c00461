package mixer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Leepey/Mixton-sub002/internal/chain"
	"github.com/Leepey/Mixton-sub002/internal/domain/mix"
	"github.com/Leepey/Mixton-sub002/internal/domain/pool"
	poolsvc "github.com/Leepey/Mixton-sub002/internal/services/pools"
	"github.com/Leepey/Mixton-sub002/internal/storage/memory"
)

// stubLedger is a scriptable in-memory ledger.
type stubLedger struct {
	mu        sync.Mutex
	transfers []chain.TransferReceipt
	failNext  int
	err       error
}

func (l *stubLedger) Transfer(_ context.Context, destination string, amount int64, _ string) (chain.TransferReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext > 0 {
		l.failNext--
		err := l.err
		if err == nil {
			err = errors.New("ledger unavailable")
		}
		return chain.TransferReceipt{}, err
	}
	receipt := chain.TransferReceipt{
		TxHash:      fmt.Sprintf("tx-%d", len(l.transfers)+1),
		Destination: destination,
		Amount:      amount,
	}
	l.transfers = append(l.transfers, receipt)
	return receipt, nil
}

func (l *stubLedger) GetBalance(context.Context, string) (int64, error) { return 0, nil }

func (l *stubLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.transfers)
}

type fixture struct {
	store   *memory.Store
	ledger  *stubLedger
	service *Service
	pool    pool.Pool
}

func newFixture(t *testing.T, p pool.Pool) *fixture {
	t.Helper()
	store := memory.New()
	created, err := store.CreatePool(context.Background(), p)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	ledger := &stubLedger{}
	registry := poolsvc.New(store, nil)
	service := New(registry, store, ledger, newTestSplitter(), nil)
	return &fixture{store: store, ledger: ledger, service: service, pool: created}
}

func immediatePool() pool.Pool {
	p := testPool()
	p.ID = "pool-immediate"
	p.MinDelay = 0
	p.MaxDelay = 0
	return p
}

func TestCreateMixTransactionFeeAndLegsSumToInput(t *testing.T) {
	f := newFixture(t, testPool())
	ctx := context.Background()

	tx, err := f.service.CreateMixTransaction(ctx, MixRequest{
		PoolID:         f.pool.ID,
		DepositAddress: "deposit-addr-1",
		Amount:         10,
		Recipients: []RecipientSpec{
			{Address: "addr-one-aaaa", Weight: 2},
			{Address: "addr-two-bbbb", Weight: 1},
		},
	})
	if err != nil {
		t.Fatalf("CreateMixTransaction: %v", err)
	}

	if tx.Fee != 1 {
		t.Fatalf("fee = %d, want 1", tx.Fee)
	}
	if tx.NetAmount != 9 {
		t.Fatalf("net = %d, want 9", tx.NetAmount)
	}
	if got := tx.Fee + legSum(tx.Recipients); got != tx.InputAmount {
		t.Fatalf("fee + legs = %d, want input %d", got, tx.InputAmount)
	}
	if tx.Status != mix.StatusPending {
		t.Fatalf("status = %s, want pending", tx.Status)
	}
	for _, leg := range tx.Recipients {
		if leg.Status != mix.LegScheduled {
			t.Fatalf("leg status = %s, want scheduled", leg.Status)
		}
		if leg.ReleaseAt.IsZero() {
			t.Fatal("leg release time not set")
		}
	}

	p, err := f.store.GetPool(ctx, f.pool.ID)
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if p.CurrentParticipants != 1 {
		t.Fatalf("participants = %d, want 1", p.CurrentParticipants)
	}
}

func TestCreateMixTransactionRejectsNonPositiveAmount(t *testing.T) {
	f := newFixture(t, testPool())
	ctx := context.Background()

	for _, amount := range []int64{0, -1} {
		_, err := f.service.CreateMixTransaction(ctx, MixRequest{
			PoolID:          f.pool.ID,
			DepositAddress:  "deposit-addr-1",
			Amount:          amount,
			WithdrawAddress: "withdraw-addr-1",
		})
		if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %d: err = %v, want ErrInvalidAmount", amount, err)
		}
	}

	// Rejected before pool admission, so no slot was consumed.
	p, _ := f.store.GetPool(ctx, f.pool.ID)
	if p.CurrentParticipants != 0 {
		t.Fatalf("participants = %d, want 0", p.CurrentParticipants)
	}
}

func TestCreateMixTransactionPoolFull(t *testing.T) {
	p := testPool()
	p.Capacity = 1
	f := newFixture(t, p)
	ctx := context.Background()

	req := MixRequest{
		PoolID:          f.pool.ID,
		DepositAddress:  "deposit-addr-1",
		Amount:          100,
		WithdrawAddress: "withdraw-addr-1",
	}
	if _, err := f.service.CreateMixTransaction(ctx, req); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := f.service.CreateMixTransaction(ctx, req); !errors.Is(err, poolsvc.ErrPoolFull) {
		t.Fatalf("err = %v, want ErrPoolFull", err)
	}
}

func TestCreateMixTransactionReturnsSlotOnSplitFailure(t *testing.T) {
	f := newFixture(t, testPool())
	ctx := context.Background()

	_, err := f.service.CreateMixTransaction(ctx, MixRequest{
		PoolID:         f.pool.ID,
		DepositAddress: "deposit-addr-1",
		Amount:         100,
		Recipients: []RecipientSpec{
			{Address: "bad", Weight: 1},
		},
	})
	if !errors.Is(err, ErrInvalidRecipient) {
		t.Fatalf("err = %v, want ErrInvalidRecipient", err)
	}

	p, _ := f.store.GetPool(ctx, f.pool.ID)
	if p.CurrentParticipants != 0 {
		t.Fatalf("participants = %d, want 0 after failed create", p.CurrentParticipants)
	}
}

func TestCompleteAllLegsCompletesTransaction(t *testing.T) {
	f := newFixture(t, immediatePool())
	ctx := context.Background()

	tx, err := f.service.CreateMixTransaction(ctx, MixRequest{
		PoolID:         f.pool.ID,
		DepositAddress: "deposit-addr-1",
		Amount:         10,
		Recipients: []RecipientSpec{
			{Address: "addr-one-aaaa", Weight: 2},
			{Address: "addr-two-bbbb", Weight: 1},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := f.store.ClaimDueLegs(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d legs, want 2", len(claimed))
	}

	for i, leg := range claimed {
		if err := f.service.CompleteLeg(ctx, leg, fmt.Sprintf("transfer-%d", i)); err != nil {
			t.Fatalf("complete leg: %v", err)
		}
	}

	got, err := f.service.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != mix.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.CompletedAt.IsZero() {
		t.Fatal("completed_at not set")
	}

	p, _ := f.store.GetPool(ctx, f.pool.ID)
	if p.CurrentParticipants != 0 {
		t.Fatalf("participants = %d, want 0 after completion", p.CurrentParticipants)
	}
}

func TestPartialReleaseIsProcessing(t *testing.T) {
	f := newFixture(t, immediatePool())
	ctx := context.Background()

	tx, err := f.service.CreateMixTransaction(ctx, MixRequest{
		PoolID:         f.pool.ID,
		DepositAddress: "deposit-addr-1",
		Amount:         100,
		Recipients: []RecipientSpec{
			{Address: "addr-one-aaaa", Weight: 1},
			{Address: "addr-two-bbbb", Weight: 1},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, _ := f.store.ClaimDueLegs(ctx, time.Now().UTC(), 10)
	if err := f.service.CompleteLeg(ctx, claimed[0], "transfer-1"); err != nil {
		t.Fatalf("complete leg: %v", err)
	}

	got, _ := f.service.GetTransaction(ctx, tx.ID)
	if got.Status != mix.StatusProcessing {
		t.Fatalf("status = %s, want processing", got.Status)
	}
}

func TestFailLegCancelsSiblingsAndReleasesSlotOnce(t *testing.T) {
	f := newFixture(t, immediatePool())
	ctx := context.Background()

	tx, err := f.service.CreateMixTransaction(ctx, MixRequest{
		PoolID:         f.pool.ID,
		DepositAddress: "deposit-addr-1",
		Amount:         100,
		Recipients: []RecipientSpec{
			{Address: "addr-one-aaaa", Weight: 1},
			{Address: "addr-two-bbbb", Weight: 1},
			{Address: "addr-three-cc", Weight: 1},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, _ := f.store.ClaimDueLegs(ctx, time.Now().UTC(), 1)
	if len(claimed) != 1 {
		t.Fatalf("claimed %d legs, want 1", len(claimed))
	}
	if err := f.service.FailLeg(ctx, claimed[0], errors.New("destination rejected")); err != nil {
		t.Fatalf("fail leg: %v", err)
	}

	got, _ := f.service.GetTransaction(ctx, tx.ID)
	if got.Status != mix.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	cancelled := 0
	for _, leg := range got.Recipients {
		if leg.Status == mix.LegCancelled {
			cancelled++
		}
	}
	if cancelled != 2 {
		t.Fatalf("cancelled %d sibling legs, want 2", cancelled)
	}

	p, _ := f.store.GetPool(ctx, f.pool.ID)
	if p.CurrentParticipants != 0 {
		t.Fatalf("participants = %d, want 0 after failure", p.CurrentParticipants)
	}

	// A second recomputation must not release the slot again.
	if err := f.service.CompleteLeg(ctx, claimed[0], "late-transfer"); err != nil {
		t.Fatalf("late complete: %v", err)
	}
	got, _ = f.service.GetTransaction(ctx, tx.ID)
	if got.Status != mix.StatusFailed {
		t.Fatalf("terminal status changed to %s", got.Status)
	}
	p, _ = f.store.GetPool(ctx, f.pool.ID)
	if p.CurrentParticipants != 0 {
		t.Fatalf("participants = %d, want 0 after replayed callback", p.CurrentParticipants)
	}
}

func TestCancelPendingTransaction(t *testing.T) {
	f := newFixture(t, testPool())
	ctx := context.Background()

	tx, err := f.service.CreateMixTransaction(ctx, MixRequest{
		PoolID:          f.pool.ID,
		DepositAddress:  "deposit-addr-1",
		Amount:          100,
		WithdrawAddress: "withdraw-addr-1",
		Mixed:           true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cancelled, err := f.service.Cancel(ctx, tx.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != mix.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
	for _, leg := range cancelled.Recipients {
		if leg.Status != mix.LegCancelled {
			t.Fatalf("leg status = %s, want cancelled", leg.Status)
		}
	}
	if f.ledger.count() != 0 {
		t.Fatalf("cancel made %d ledger calls, want 0", f.ledger.count())
	}

	p, _ := f.store.GetPool(ctx, f.pool.ID)
	if p.CurrentParticipants != 0 {
		t.Fatalf("participants = %d, want 0 after cancel", p.CurrentParticipants)
	}

	// Cancelled is terminal.
	if _, err := f.service.Cancel(ctx, tx.ID); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("second cancel: err = %v, want ErrNotCancellable", err)
	}
}

func TestCancelRejectedOnceReleasing(t *testing.T) {
	f := newFixture(t, immediatePool())
	ctx := context.Background()

	tx, err := f.service.CreateMixTransaction(ctx, MixRequest{
		PoolID:         f.pool.ID,
		DepositAddress: "deposit-addr-1",
		Amount:         100,
		Recipients: []RecipientSpec{
			{Address: "addr-one-aaaa", Weight: 1},
			{Address: "addr-two-bbbb", Weight: 1},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// A claim beats the cancel to the first leg.
	claimed, err := f.store.ClaimDueLegs(ctx, time.Now().UTC(), 1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d legs, want 1", len(claimed))
	}

	if _, err := f.service.Cancel(ctx, tx.ID); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("err = %v, want ErrNotCancellable", err)
	}

	// The refused cancel is all-or-nothing: the transaction is not marked
	// cancelled and the sibling leg stays scheduled.
	got, _ := f.service.GetTransaction(ctx, tx.ID)
	if got.Status == mix.StatusCancelled {
		t.Fatal("transaction marked cancelled while a leg was claimed")
	}
	scheduled := 0
	for _, leg := range got.Recipients {
		if leg.Status == mix.LegCancelled {
			t.Fatalf("leg %s cancelled behind the claim", leg.ID)
		}
		if leg.Status == mix.LegScheduled {
			scheduled++
		}
	}
	if scheduled != 1 {
		t.Fatalf("scheduled legs = %d, want 1", scheduled)
	}

	// The claimed leg proceeds normally.
	if err := f.service.CompleteLeg(ctx, claimed[0], "transfer-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ = f.service.GetTransaction(ctx, tx.ID)
	if got.Status != mix.StatusProcessing {
		t.Fatalf("status = %s, want processing", got.Status)
	}
}

func TestRefundFailedTransaction(t *testing.T) {
	f := newFixture(t, immediatePool())
	ctx := context.Background()

	tx, err := f.service.CreateMixTransaction(ctx, MixRequest{
		PoolID:         f.pool.ID,
		DepositAddress: "deposit-addr-1",
		Amount:         100,
		Recipients: []RecipientSpec{
			{Address: "addr-one-aaaa", Weight: 1},
			{Address: "addr-two-bbbb", Weight: 1},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// First leg pays out, second fails permanently.
	claimed, _ := f.store.ClaimDueLegs(ctx, time.Now().UTC(), 10)
	if err := f.service.CompleteLeg(ctx, claimed[0], "transfer-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := f.service.FailLeg(ctx, claimed[1], errors.New("destination rejected")); err != nil {
		t.Fatalf("fail: %v", err)
	}

	refunded, err := f.service.Refund(ctx, tx.ID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != mix.StatusRefunded {
		t.Fatalf("status = %s, want refunded", refunded.Status)
	}
	if refunded.RefundTx == "" {
		t.Fatal("refund tx hash not recorded")
	}

	// Only the unreleased remainder goes back to the depositor.
	last := f.ledger.transfers[len(f.ledger.transfers)-1]
	if last.Destination != "deposit-addr-1" {
		t.Fatalf("refund destination = %s", last.Destination)
	}
	want := refunded.NetAmount - claimed[0].Amount
	if last.Amount != want {
		t.Fatalf("refund amount = %d, want %d", last.Amount, want)
	}

	// A refunded transaction cannot be refunded again.
	if _, err := f.service.Refund(ctx, tx.ID); !errors.Is(err, ErrNotRefundable) {
		t.Fatalf("second refund: err = %v, want ErrNotRefundable", err)
	}
}

func TestRefundRequiresFailedStatus(t *testing.T) {
	f := newFixture(t, testPool())
	ctx := context.Background()

	tx, err := f.service.CreateMixTransaction(ctx, MixRequest{
		PoolID:          f.pool.ID,
		DepositAddress:  "deposit-addr-1",
		Amount:          100,
		WithdrawAddress: "withdraw-addr-1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := f.service.Refund(ctx, tx.ID); !errors.Is(err, ErrNotRefundable) {
		t.Fatalf("err = %v, want ErrNotRefundable", err)
	}
}

func TestGetTransactionNotFound(t *testing.T) {
	f := newFixture(t, testPool())
	if _, err := f.service.GetTransaction(context.Background(), "missing"); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("err = %v, want ErrTransactionNotFound", err)
	}
}

func TestRescheduleKeepsTransactionProcessing(t *testing.T) {
	f := newFixture(t, immediatePool())
	ctx := context.Background()

	tx, err := f.service.CreateMixTransaction(ctx, MixRequest{
		PoolID:         f.pool.ID,
		DepositAddress: "deposit-addr-1",
		Amount:         100,
		Recipients: []RecipientSpec{
			{Address: "addr-one-aaaa", Weight: 1},
			{Address: "addr-two-bbbb", Weight: 1},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, _ := f.store.ClaimDueLegs(ctx, time.Now().UTC(), 10)
	if err := f.service.CompleteLeg(ctx, claimed[0], "transfer-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// Retry sends the second leg back to scheduled; the transaction must not
	// regress to pending.
	if err := f.service.RescheduleLeg(ctx, claimed[1], time.Now().Add(time.Minute), errors.New("timeout")); err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	got, _ := f.service.GetTransaction(ctx, tx.ID)
	if got.Status != mix.StatusProcessing {
		t.Fatalf("status = %s, want processing", got.Status)
	}
	leg, _ := f.store.GetLeg(ctx, claimed[1].ID)
	if leg.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", leg.Attempts)
	}
	if leg.Status != mix.LegScheduled {
		t.Fatalf("leg status = %s, want scheduled", leg.Status)
	}
}

func TestReturnLegKeepsAttemptBudget(t *testing.T) {
	f := newFixture(t, immediatePool())
	ctx := context.Background()

	tx, err := f.service.CreateMixTransaction(ctx, MixRequest{
		PoolID:          f.pool.ID,
		DepositAddress:  "deposit-addr-1",
		Amount:          100,
		WithdrawAddress: "withdraw-addr-1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, _ := f.store.ClaimDueLegs(ctx, time.Now().UTC(), 10)
	if len(claimed) != 1 {
		t.Fatalf("claimed %d legs, want 1", len(claimed))
	}

	// An abandoned claim goes back without a transfer having been issued,
	// so no retry attempt is spent.
	if err := f.service.ReturnLeg(ctx, claimed[0]); err != nil {
		t.Fatalf("return: %v", err)
	}
	leg, _ := f.store.GetLeg(ctx, claimed[0].ID)
	if leg.Status != mix.LegScheduled {
		t.Fatalf("leg status = %s, want scheduled", leg.Status)
	}
	if leg.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0", leg.Attempts)
	}

	// The leg is claimable again and completes normally.
	again, _ := f.store.ClaimDueLegs(ctx, time.Now().UTC(), 10)
	if len(again) != 1 {
		t.Fatalf("re-claimed %d legs, want 1", len(again))
	}
	if err := f.service.CompleteLeg(ctx, again[0], "transfer-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ := f.service.GetTransaction(ctx, tx.ID)
	if got.Status != mix.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
}

func TestTransactionLocksDoNotAccumulate(t *testing.T) {
	f := newFixture(t, immediatePool())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tx, err := f.service.CreateMixTransaction(ctx, MixRequest{
			PoolID:          f.pool.ID,
			DepositAddress:  "deposit-addr-1",
			Amount:          100,
			WithdrawAddress: "withdraw-addr-1",
		})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		claimed, _ := f.store.ClaimDueLegs(ctx, time.Now().UTC(), 10)
		for _, leg := range claimed {
			if err := f.service.CompleteLeg(ctx, leg, "transfer-1"); err != nil {
				t.Fatalf("complete: %v", err)
			}
		}
		got, _ := f.service.GetTransaction(ctx, tx.ID)
		if got.Status != mix.StatusCompleted {
			t.Fatalf("status = %s, want completed", got.Status)
		}
	}

	f.service.locksMu.Lock()
	held := len(f.service.locks)
	f.service.locksMu.Unlock()
	if held != 0 {
		t.Fatalf("lock map holds %d entries after all work finished, want 0", held)
	}
}
