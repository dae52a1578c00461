// Package mix defines mixing transactions, their payout legs and the
// lifecycle rules tying the two together.
package mix

import "time"

// Status is the transaction-level lifecycle state. It is derived from the
// states of the transaction's legs except for cancelled and refunded, which
// are set by explicit operations.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// Terminal reports whether no further transition may occur.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// LegStatus is the lifecycle state of one payout leg. A leg is claimed
// (scheduled -> releasing) before its transfer is attempted so that
// concurrent ticks never release it twice.
type LegStatus string

const (
	LegScheduled LegStatus = "scheduled"
	LegReleasing LegStatus = "releasing"
	LegReleased  LegStatus = "released"
	LegFailed    LegStatus = "failed"
	LegCancelled LegStatus = "cancelled"
)

// Terminal reports whether the leg has finished its lifecycle.
func (s LegStatus) Terminal() bool {
	switch s {
	case LegReleased, LegFailed, LegCancelled:
		return true
	}
	return false
}

// PayoutLeg is one scheduled release to one destination address. Legs are
// owned exclusively by their transaction and ordered by Seq for FIFO
// release when release times collide.
type PayoutLeg struct {
	ID            string        `json:"id" db:"id"`
	TransactionID string        `json:"transaction_id" db:"transaction_id"`
	Seq           int           `json:"seq" db:"seq"`
	Address       string        `json:"address" db:"address"`
	Amount        int64         `json:"amount" db:"amount"`
	Delay         time.Duration `json:"delay" db:"delay"`
	ReleaseAt     time.Time     `json:"release_at" db:"release_at"`
	Status        LegStatus     `json:"status" db:"status"`
	Attempts      int           `json:"attempts" db:"attempts"`
	LastError     string        `json:"last_error,omitempty" db:"last_error"`
	TransferTx    string        `json:"transfer_tx,omitempty" db:"transfer_tx"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// Transaction is one deposit-to-payout unit of work. InputAmount, Fee and
// leg amounts are base units and satisfy Fee + sum(leg.Amount) == InputAmount.
type Transaction struct {
	ID             string      `json:"id" db:"id"`
	PoolID         string      `json:"pool_id" db:"pool_id"`
	DepositAddress string      `json:"deposit_address" db:"deposit_address"`
	InputAmount    int64       `json:"input_amount" db:"input_amount"`
	Fee            int64       `json:"fee" db:"fee"`
	NetAmount      int64       `json:"net_amount" db:"net_amount"`
	Status         Status      `json:"status" db:"status"`
	SlotReleased   bool        `json:"slot_released" db:"slot_released"`
	RefundTx       string      `json:"refund_tx,omitempty" db:"refund_tx"`
	Recipients     []PayoutLeg `json:"recipients" db:"-"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
	CompletedAt    time.Time   `json:"completed_at,omitempty" db:"completed_at"`
}

// Stats aggregates mixing activity for reporting.
type Stats struct {
	TotalTransactions int64            `json:"total_transactions"`
	TotalVolume       int64            `json:"total_volume"`
	TotalFees         int64            `json:"total_fees"`
	ByStatus          map[Status]int64 `json:"by_status"`
}

// DeriveStatus computes the transaction-level status from leg states.
// The mapping is:
//
//	all scheduled                 -> pending
//	all released                  -> completed
//	any failed                    -> failed
//	all cancelled                 -> cancelled
//	anything else in flight       -> processing
//
// Refunded is never derived; it is reachable only through an explicit
// refund of a failed transaction.
func DeriveStatus(legs []PayoutLeg) Status {
	if len(legs) == 0 {
		return StatusPending
	}

	var scheduled, released, failed, cancelled int
	for _, leg := range legs {
		switch leg.Status {
		case LegScheduled:
			scheduled++
		case LegReleased:
			released++
		case LegFailed:
			failed++
		case LegCancelled:
			cancelled++
		}
	}

	switch {
	case failed > 0:
		return StatusFailed
	case cancelled == len(legs):
		return StatusCancelled
	case released == len(legs):
		return StatusCompleted
	case scheduled == len(legs):
		return StatusPending
	default:
		return StatusProcessing
	}
}
