// Package admin gates runtime changes to the pool registry: proposed
// contract settings are validated as a whole and applied all-or-nothing.
package admin

import (
	"context"
	"fmt"

	"github.com/Leepey/Mixton-sub002/internal/domain/admin"
	"github.com/Leepey/Mixton-sub002/internal/domain/pool"
	"github.com/Leepey/Mixton-sub002/internal/storage"
	"github.com/Leepey/Mixton-sub002/pkg/logger"
)

// Validator checks and applies contract settings.
type Validator struct {
	pools    storage.PoolStore
	settings storage.SettingsStore
	log      *logger.Logger
}

// New constructs a settings validator.
func New(pools storage.PoolStore, settings storage.SettingsStore, log *logger.Logger) *Validator {
	if log == nil {
		log = logger.NewDefault("admin")
	}
	return &Validator{pools: pools, settings: settings, log: log}
}

// Validate checks a proposed configuration and returns every violated rule,
// not just the first, so the caller can present a complete correction list.
func (v *Validator) Validate(settings admin.ContractSettings) admin.ValidationErrors {
	var errs admin.ValidationErrors

	if settings.MaxFeeRate < 0 || settings.MaxFeeRate > 1 {
		errs = append(errs, admin.ValidationError{
			Field:   "max_fee_rate",
			Message: "must be a fraction between 0 and 1",
		})
	}
	if settings.MaxDelay < 0 {
		errs = append(errs, admin.ValidationError{
			Field:   "max_delay",
			Message: "must not be negative",
		})
	}
	if len(settings.Pools) == 0 {
		errs = append(errs, admin.ValidationError{
			Field:   "pools",
			Message: "at least one pool tier is required",
		})
	}

	seen := make(map[string]bool, len(settings.Pools))
	for i, p := range settings.Pools {
		prefix := fmt.Sprintf("pools[%d]", i)
		if p.PoolID != "" {
			if seen[p.PoolID] {
				errs = append(errs, admin.ValidationError{
					Field:   prefix + ".pool_id",
					Message: fmt.Sprintf("duplicate pool id %q", p.PoolID),
				})
			}
			seen[p.PoolID] = true
		}
		errs = append(errs, v.validatePool(prefix, p, settings)...)
	}

	return errs
}

func (v *Validator) validatePool(prefix string, p admin.PoolSettings, global admin.ContractSettings) admin.ValidationErrors {
	var errs admin.ValidationErrors

	if p.FeeRate < 0 || p.FeeRate > global.MaxFeeRate {
		errs = append(errs, admin.ValidationError{
			Field:   prefix + ".fee_rate",
			Message: fmt.Sprintf("must be between 0 and %g", global.MaxFeeRate),
		})
	}
	if p.MinAmount <= 0 {
		errs = append(errs, admin.ValidationError{
			Field:   prefix + ".min_amount",
			Message: "must be positive",
		})
	}
	if p.MinAmount >= p.MaxAmount {
		errs = append(errs, admin.ValidationError{
			Field:   prefix + ".max_amount",
			Message: "must be greater than min_amount",
		})
	}
	if p.MinDelay < 0 {
		errs = append(errs, admin.ValidationError{
			Field:   prefix + ".min_delay",
			Message: "must not be negative",
		})
	}
	if p.MinDelay > p.MaxDelay {
		errs = append(errs, admin.ValidationError{
			Field:   prefix + ".max_delay",
			Message: "must be greater than or equal to min_delay",
		})
	}
	if p.MaxDelay > global.MaxDelay {
		errs = append(errs, admin.ValidationError{
			Field:   prefix + ".max_delay",
			Message: fmt.Sprintf("must not exceed the global maximum of %s", global.MaxDelay),
		})
	}
	if p.Capacity < 1 {
		errs = append(errs, admin.ValidationError{
			Field:   prefix + ".capacity",
			Message: "must be at least 1",
		})
	}
	if p.MaxRecipients < 1 {
		errs = append(errs, admin.ValidationError{
			Field:   prefix + ".max_recipients",
			Message: "must be at least 1",
		})
	}
	if p.AnonymityLevel < 1 || p.AnonymityLevel > 5 {
		errs = append(errs, admin.ValidationError{
			Field:   prefix + ".anonymity_level",
			Message: "must be between 1 and 5",
		})
	}
	switch p.Status {
	case pool.StatusActive, pool.StatusMaintenance, pool.StatusFull, pool.StatusInactive:
	default:
		errs = append(errs, admin.ValidationError{
			Field:   prefix + ".status",
			Message: fmt.Sprintf("unknown status %q", p.Status),
		})
	}

	return errs
}

// Apply validates the proposed settings and, when clean, swaps the live pool
// set in one step. A rejected change leaves the registry untouched.
func (v *Validator) Apply(ctx context.Context, settings admin.ContractSettings) (admin.ContractSettings, error) {
	if errs := v.Validate(settings); len(errs) > 0 {
		return admin.ContractSettings{}, errs
	}

	pools := make([]pool.Pool, 0, len(settings.Pools))
	for _, p := range settings.Pools {
		pools = append(pools, pool.Pool{
			ID:             p.PoolID,
			Name:           p.Name,
			Status:         p.Status,
			FeeRate:        p.FeeRate,
			MinAmount:      p.MinAmount,
			MaxAmount:      p.MaxAmount,
			MinDelay:       p.MinDelay,
			MaxDelay:       p.MaxDelay,
			Capacity:       p.Capacity,
			AnonymityLevel: p.AnonymityLevel,
			MaxRecipients:  p.MaxRecipients,
		})
	}

	if err := v.pools.ReplacePools(ctx, pools); err != nil {
		return admin.ContractSettings{}, fmt.Errorf("replace pools: %w", err)
	}

	saved, err := v.settings.SaveSettings(ctx, settings)
	if err != nil {
		return admin.ContractSettings{}, fmt.Errorf("save settings: %w", err)
	}

	v.log.WithField("pools", len(saved.Pools)).
		WithField("updated_by", saved.UpdatedBy).
		Info("contract settings applied")
	return saved, nil
}

// Current returns the last applied settings.
func (v *Validator) Current(ctx context.Context) (admin.ContractSettings, error) {
	return v.settings.LoadSettings(ctx)
}
