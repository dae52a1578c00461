// Package pool defines mixing pool tiers and their admin-configured
// parameters.
package pool

import "time"

// Status describes whether a pool accepts new transactions.
type Status string

const (
	StatusActive      Status = "active"
	StatusMaintenance Status = "maintenance"
	StatusFull        Status = "full"
	StatusInactive    Status = "inactive"
)

// Pool is a mixing tier. Amounts are expressed in base units (nano
// denomination); delays bound the randomized release offset assigned to
// each payout leg.
type Pool struct {
	ID                  string        `json:"id" db:"id"`
	Name                string        `json:"name" db:"name"`
	Status              Status        `json:"status" db:"status"`
	FeeRate             float64       `json:"fee_rate" db:"fee_rate"`
	MinAmount           int64         `json:"min_amount" db:"min_amount"`
	MaxAmount           int64         `json:"max_amount" db:"max_amount"`
	MinDelay            time.Duration `json:"min_delay" db:"min_delay"`
	MaxDelay            time.Duration `json:"max_delay" db:"max_delay"`
	Capacity            int           `json:"capacity" db:"capacity"`
	CurrentParticipants int           `json:"current_participants" db:"current_participants"`
	AnonymityLevel      int           `json:"anonymity_level" db:"anonymity_level"`
	MaxRecipients       int           `json:"max_recipients" db:"max_recipients"`
	CreatedAt           time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at" db:"updated_at"`
}

// Accepting reports whether the pool may take on a new transaction.
func (p Pool) Accepting() bool {
	return p.Status == StatusActive && p.CurrentParticipants < p.Capacity
}

// DefaultRecipientCount derives how many payout legs a quick mix should
// generate from the pool's anonymity level, capped by MaxRecipients.
func (p Pool) DefaultRecipientCount() int {
	n := p.AnonymityLevel
	if n < 1 {
		n = 1
	}
	if p.MaxRecipients > 0 && n > p.MaxRecipients {
		n = p.MaxRecipients
	}
	return n
}
