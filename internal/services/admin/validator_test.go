package admin

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/Leepey/Mixton-sub002/internal/domain/admin"
	"github.com/Leepey/Mixton-sub002/internal/domain/pool"
	"github.com/Leepey/Mixton-sub002/internal/storage/memory"
)

func validSettings() domain.ContractSettings {
	return domain.ContractSettings{
		MaxFeeRate: 0.1,
		MaxDelay:   72 * time.Hour,
		UpdatedBy:  "operator",
		Pools: []domain.PoolSettings{
			{
				PoolID:         "tier-basic",
				Name:           "Basic",
				Status:         pool.StatusActive,
				FeeRate:        0.01,
				MinAmount:      10,
				MaxAmount:      10_000,
				MinDelay:       time.Minute,
				MaxDelay:       time.Hour,
				Capacity:       100,
				MaxRecipients:  3,
				AnonymityLevel: 2,
			},
			{
				PoolID:         "tier-premium",
				Name:           "Premium",
				Status:         pool.StatusActive,
				FeeRate:        0.05,
				MinAmount:      10_000,
				MaxAmount:      1_000_000,
				MinDelay:       time.Hour,
				MaxDelay:       48 * time.Hour,
				Capacity:       20,
				MaxRecipients:  8,
				AnonymityLevel: 5,
			},
		},
	}
}

func TestValidateAcceptsCleanSettings(t *testing.T) {
	store := memory.New()
	v := New(store, store, nil)
	if errs := v.Validate(validSettings()); len(errs) != 0 {
		t.Fatalf("unexpected violations: %v", errs)
	}
}

func TestValidateCollectsAllViolations(t *testing.T) {
	store := memory.New()
	v := New(store, store, nil)

	settings := validSettings()
	settings.MaxFeeRate = 1.5                             // global rate out of range
	settings.Pools[0].MinAmount = 0                       // non-positive minimum
	settings.Pools[0].Capacity = 0                        // capacity below 1
	settings.Pools[1].MaxDelay = 100 * time.Hour          // above global maximum
	settings.Pools[1].AnonymityLevel = 9                  // outside 1..5
	settings.Pools[1].Status = pool.Status("hibernating") // unknown status

	errs := v.Validate(settings)
	if len(errs) != 6 {
		t.Fatalf("got %d violations, want 6: %v", len(errs), errs)
	}

	wantFields := []string{
		"max_fee_rate",
		"pools[0].min_amount",
		"pools[0].capacity",
		"pools[1].max_delay",
		"pools[1].anonymity_level",
		"pools[1].status",
	}
	for _, field := range wantFields {
		found := false
		for _, e := range errs {
			if e.Field == field {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("no violation reported for %s in %v", field, errs)
		}
	}
}

func TestValidateRejectsDuplicatePoolIDs(t *testing.T) {
	store := memory.New()
	v := New(store, store, nil)

	settings := validSettings()
	settings.Pools[1].PoolID = settings.Pools[0].PoolID

	errs := v.Validate(settings)
	found := false
	for _, e := range errs {
		if strings.Contains(e.Message, "duplicate") {
			found = true
		}
	}
	if !found {
		t.Fatalf("duplicate pool id not reported: %v", errs)
	}
}

func TestValidateRequiresAtLeastOnePool(t *testing.T) {
	store := memory.New()
	v := New(store, store, nil)

	settings := validSettings()
	settings.Pools = nil

	errs := v.Validate(settings)
	if len(errs) == 0 {
		t.Fatal("empty pool set accepted")
	}
}

func TestApplyRejectsInvalidSettingsUntouched(t *testing.T) {
	store := memory.New()
	v := New(store, store, nil)
	ctx := context.Background()

	if _, err := v.Apply(ctx, validSettings()); err != nil {
		t.Fatalf("apply valid: %v", err)
	}
	before, err := store.ListPools(ctx)
	if err != nil {
		t.Fatalf("list pools: %v", err)
	}

	bad := validSettings()
	bad.Pools[0].FeeRate = 0.5 // above the global maximum
	bad.Pools[1].Capacity = 0
	_, err = v.Apply(ctx, bad)

	var verrs domain.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("err = %v, want ValidationErrors", err)
	}
	if len(verrs) != 2 {
		t.Fatalf("got %d violations, want 2: %v", len(verrs), verrs)
	}

	// All-or-nothing: the registry still holds the previous configuration.
	after, err := store.ListPools(ctx)
	if err != nil {
		t.Fatalf("list pools: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("pool count changed from %d to %d", len(before), len(after))
	}
	for i := range after {
		if after[i].FeeRate != before[i].FeeRate || after[i].Capacity != before[i].Capacity {
			t.Fatalf("pool %s changed by rejected apply", after[i].ID)
		}
	}
}

func TestApplyPreservesParticipantCounters(t *testing.T) {
	store := memory.New()
	v := New(store, store, nil)
	ctx := context.Background()

	if _, err := v.Apply(ctx, validSettings()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := store.AcceptPoolSlot(ctx, "tier-basic"); err != nil {
		t.Fatalf("accept slot: %v", err)
	}

	update := validSettings()
	update.Pools[0].Capacity = 200
	if _, err := v.Apply(ctx, update); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	p, err := store.GetPool(ctx, "tier-basic")
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if p.Capacity != 200 {
		t.Fatalf("capacity = %d, want 200", p.Capacity)
	}
	if p.CurrentParticipants != 1 {
		t.Fatalf("participants = %d, want 1 preserved across apply", p.CurrentParticipants)
	}
}

func TestCurrentReturnsLastApplied(t *testing.T) {
	store := memory.New()
	v := New(store, store, nil)
	ctx := context.Background()

	if _, err := v.Current(ctx); err == nil {
		t.Fatal("expected error before any apply")
	}

	applied, err := v.Apply(ctx, validSettings())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, err := v.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if len(got.Pools) != len(applied.Pools) {
		t.Fatalf("got %d pools, want %d", len(got.Pools), len(applied.Pools))
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("updated_at not stamped")
	}
}
