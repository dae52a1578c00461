// Package admin defines the operator-tunable contract settings gating what
// the pool registry may contain.
package admin

import (
	"fmt"
	"strings"
	"time"

	"github.com/Leepey/Mixton-sub002/internal/domain/pool"
)

// PoolSettings is the proposed configuration for one mixing tier.
type PoolSettings struct {
	PoolID         string        `json:"pool_id" yaml:"pool_id"`
	Name           string        `json:"name" yaml:"name"`
	Status         pool.Status   `json:"status" yaml:"status"`
	FeeRate        float64       `json:"fee_rate" yaml:"fee_rate"`
	MinAmount      int64         `json:"min_amount" yaml:"min_amount"`
	MaxAmount      int64         `json:"max_amount" yaml:"max_amount"`
	MinDelay       time.Duration `json:"min_delay" yaml:"min_delay"`
	MaxDelay       time.Duration `json:"max_delay" yaml:"max_delay"`
	Capacity       int           `json:"capacity" yaml:"capacity"`
	MaxRecipients  int           `json:"max_recipients" yaml:"max_recipients"`
	AnonymityLevel int           `json:"anonymity_level" yaml:"anonymity_level"`
}

// ContractSettings is a full proposed configuration: global bounds plus the
// per-tier parameters. It is applied all-or-nothing after validation.
type ContractSettings struct {
	MaxFeeRate float64        `json:"max_fee_rate" yaml:"max_fee_rate"`
	MaxDelay   time.Duration  `json:"max_delay" yaml:"max_delay"`
	Pools      []PoolSettings `json:"pools" yaml:"pools"`
	UpdatedAt  time.Time      `json:"updated_at" yaml:"-"`
	UpdatedBy  string         `json:"updated_by,omitempty" yaml:"-"`
}

// ValidationError describes one violated rule in a proposed configuration.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every violated rule so the caller can present a
// complete correction list.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return strings.Join(msgs, "; ")
}
