package mixer

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/Leepey/Mixton-sub002/internal/domain/mix"
	"github.com/Leepey/Mixton-sub002/internal/domain/pool"
)

// RecipientSpec is a caller-supplied payout destination with a relative
// weight used for proportional allocation.
type RecipientSpec struct {
	Address string `json:"address"`
	Weight  int64  `json:"weight"`
}

// Splitter partitions a net amount across payout legs and assigns each leg
// an independent randomized release delay within the pool's bounds.
type Splitter struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSplitter creates a splitter with a time-seeded random source.
func NewSplitter() *Splitter {
	return NewSplitterWithSource(rand.NewSource(time.Now().UnixNano()))
}

// NewSplitterWithSource creates a splitter with a caller-controlled random
// source. Tests use this for deterministic partitions.
func NewSplitterWithSource(src rand.Source) *Splitter {
	return &Splitter{rng: rand.New(src)}
}

// Split allocates netAmount proportionally across the supplied recipients.
// Allocation rounds each share down to a base unit with the excess assigned
// to the last leg, so leg amounts always sum to netAmount exactly.
func (s *Splitter) Split(netAmount int64, specs []RecipientSpec, p pool.Pool) ([]mix.PayoutLeg, error) {
	if netAmount <= 0 {
		return nil, ErrInvalidAmount
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient required", ErrInvalidRecipient)
	}
	if p.MaxRecipients > 0 && len(specs) > p.MaxRecipients {
		return nil, fmt.Errorf("%w: pool allows at most %d recipients", ErrInvalidRecipient, p.MaxRecipients)
	}

	var totalWeight int64
	for _, spec := range specs {
		if !validAddress(spec.Address) {
			return nil, fmt.Errorf("%w: malformed address %q", ErrInvalidRecipient, spec.Address)
		}
		if spec.Weight <= 0 {
			return nil, fmt.Errorf("%w: weight must be positive for %s", ErrInvalidRecipient, spec.Address)
		}
		totalWeight += spec.Weight
	}

	legs := make([]mix.PayoutLeg, len(specs))
	var allocated int64
	for i, spec := range specs {
		amount := netAmount * spec.Weight / totalWeight
		if i == len(specs)-1 {
			amount = netAmount - allocated
		}
		if amount <= 0 {
			return nil, fmt.Errorf("%w: allocation for %s would be zero", ErrInvalidRecipient, spec.Address)
		}
		allocated += amount

		delay := s.randomDelay(p)
		legs[i] = mix.PayoutLeg{
			Seq:     i,
			Address: strings.TrimSpace(spec.Address),
			Amount:  amount,
			Delay:   delay,
			Status:  mix.LegScheduled,
		}
	}
	return legs, nil
}

// QuickMix builds legs for the single-amount path. Without mixing the sole
// destination gets one leg with zero delay, eligible for immediate release;
// with mixing the amount is partitioned pseudo-randomly across up to the
// pool's default recipient count, each leg drawing its own delay.
func (s *Splitter) QuickMix(netAmount int64, withdrawAddress string, mixed bool, p pool.Pool) ([]mix.PayoutLeg, error) {
	if netAmount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !validAddress(withdrawAddress) {
		return nil, fmt.Errorf("%w: malformed address %q", ErrInvalidRecipient, withdrawAddress)
	}

	address := strings.TrimSpace(withdrawAddress)
	if !mixed {
		return []mix.PayoutLeg{{
			Address: address,
			Amount:  netAmount,
			Delay:   0,
			Status:  mix.LegScheduled,
		}}, nil
	}

	n := s.legCount(netAmount, p)
	parts := s.partition(netAmount, n)

	legs := make([]mix.PayoutLeg, n)
	for i, amount := range parts {
		legs[i] = mix.PayoutLeg{
			Seq:     i,
			Address: address,
			Amount:  amount,
			Delay:   s.randomDelay(p),
			Status:  mix.LegScheduled,
		}
	}
	return legs, nil
}

func (s *Splitter) legCount(netAmount int64, p pool.Pool) int {
	max := p.DefaultRecipientCount()
	if int64(max) > netAmount {
		max = int(netAmount)
	}
	if max <= 1 {
		return 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return 1 + s.rng.Intn(max)
}

// partition splits amount into n positive parts summing exactly to amount.
// Every part starts at one base unit; the remainder is spread by random
// weights with the rounding excess going to the last part.
func (s *Splitter) partition(amount int64, n int) []int64 {
	parts := make([]int64, n)
	for i := range parts {
		parts[i] = 1
	}
	rest := amount - int64(n)
	if rest <= 0 {
		return parts
	}

	s.mu.Lock()
	weights := make([]int64, n)
	var total int64
	for i := range weights {
		weights[i] = 1 + s.rng.Int63n(1000)
		total += weights[i]
	}
	s.mu.Unlock()

	var given int64
	for i := range parts {
		share := rest * weights[i] / total
		if i == n-1 {
			share = rest - given
		}
		parts[i] += share
		given += share
	}
	return parts
}

func (s *Splitter) randomDelay(p pool.Pool) time.Duration {
	if p.MaxDelay <= p.MinDelay {
		return p.MinDelay
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	span := int64(p.MaxDelay - p.MinDelay)
	return p.MinDelay + time.Duration(s.rng.Int63n(span+1))
}

func validAddress(address string) bool {
	address = strings.TrimSpace(address)
	if len(address) < 8 || len(address) > 128 {
		return false
	}
	for _, r := range address {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == ':' || r == '=':
		default:
			return false
		}
	}
	return true
}
