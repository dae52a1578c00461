package mixer

import (
	"errors"
	"math/big"
	"strconv"

	"github.com/Leepey/Mixton-sub002/internal/domain/pool"
)

// Errors
var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrInvalidRecipient = errors.New("invalid recipient")
	ErrInvalidDelay     = errors.New("invalid delay")
)

// ComputeFee derives the fee owed for an amount in base units. The raw fee
// is amount * feeRate rounded up to the next base unit, so any rounding
// residual accrues to the fee and never to a recipient:
// amount == fee + netAmount holds exactly.
func ComputeFee(amount int64, p pool.Pool) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	// The rate goes through its shortest decimal form so a configured 0.1
	// means exactly 1/10 rather than the nearest binary float.
	rate, ok := new(big.Rat).SetString(strconv.FormatFloat(p.FeeRate, 'f', -1, 64))
	if !ok || rate.Sign() < 0 {
		return 0, errors.New("invalid pool fee rate")
	}

	raw := new(big.Rat).Mul(new(big.Rat).SetInt64(amount), rate)
	fee := new(big.Int).Quo(raw.Num(), raw.Denom())
	if new(big.Int).Rem(raw.Num(), raw.Denom()).Sign() != 0 {
		fee.Add(fee, big.NewInt(1))
	}

	if !fee.IsInt64() || fee.Int64() > amount {
		return amount, nil
	}
	return fee.Int64(), nil
}
