package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Leepey/Mixton-sub002/internal/domain/admin"
	"github.com/Leepey/Mixton-sub002/internal/domain/mix"
	"github.com/Leepey/Mixton-sub002/internal/domain/pool"
	"github.com/Leepey/Mixton-sub002/internal/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu           sync.RWMutex
	nextID       int64
	pools        map[string]pool.Pool
	transactions map[string]mix.Transaction
	legs         map[string]mix.PayoutLeg
	legsByTx     map[string][]string
	settings     *admin.ContractSettings
}

var _ storage.PoolStore = (*Store)(nil)
var _ storage.MixStore = (*Store)(nil)
var _ storage.SettingsStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:       1,
		pools:        make(map[string]pool.Pool),
		transactions: make(map[string]mix.Transaction),
		legs:         make(map[string]mix.PayoutLeg),
		legsByTx:     make(map[string][]string),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// PoolStore implementation ---------------------------------------------------

func (s *Store) CreatePool(_ context.Context, p pool.Pool) (pool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = s.nextIDLocked()
	} else if _, exists := s.pools[p.ID]; exists {
		return pool.Pool{}, fmt.Errorf("pool %s already exists", p.ID)
	}

	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	s.pools[p.ID] = p
	return p, nil
}

func (s *Store) UpdatePool(_ context.Context, p pool.Pool) (pool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.pools[p.ID]
	if !ok {
		return pool.Pool{}, fmt.Errorf("pool %s not found", p.ID)
	}

	p.CreatedAt = original.CreatedAt
	p.UpdatedAt = time.Now().UTC()

	s.pools[p.ID] = p
	return p, nil
}

func (s *Store) GetPool(_ context.Context, id string) (pool.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[id]
	if !ok {
		return pool.Pool{}, fmt.Errorf("pool %s not found", id)
	}
	return p, nil
}

func (s *Store) ListPools(_ context.Context) ([]pool.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]pool.Pool, 0, len(s.pools))
	for _, p := range s.pools {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) AcceptPoolSlot(_ context.Context, id string) (pool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[id]
	if !ok {
		return pool.Pool{}, fmt.Errorf("pool %s not found", id)
	}
	if p.CurrentParticipants >= p.Capacity {
		return pool.Pool{}, fmt.Errorf("pool %s is at capacity", id)
	}

	p.CurrentParticipants++
	p.UpdatedAt = time.Now().UTC()
	s.pools[id] = p
	return p, nil
}

func (s *Store) ReleasePoolSlot(_ context.Context, id string) (pool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[id]
	if !ok {
		return pool.Pool{}, fmt.Errorf("pool %s not found", id)
	}
	if p.CurrentParticipants > 0 {
		p.CurrentParticipants--
	}
	p.UpdatedAt = time.Now().UTC()
	s.pools[id] = p
	return p, nil
}

func (s *Store) ReplacePools(_ context.Context, pools []pool.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	replaced := make(map[string]pool.Pool, len(pools))
	for _, p := range pools {
		if p.ID == "" {
			p.ID = s.nextIDLocked()
		}
		if original, ok := s.pools[p.ID]; ok {
			p.CurrentParticipants = original.CurrentParticipants
			p.CreatedAt = original.CreatedAt
		} else {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		replaced[p.ID] = p
	}

	s.pools = replaced
	return nil
}

// MixStore implementation ----------------------------------------------------

func (s *Store) CreateTransaction(_ context.Context, tx mix.Transaction) (mix.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ID == "" {
		tx.ID = s.nextIDLocked()
	} else if _, exists := s.transactions[tx.ID]; exists {
		return mix.Transaction{}, fmt.Errorf("transaction %s already exists", tx.ID)
	}

	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now

	legs := tx.Recipients
	tx.Recipients = nil
	ids := make([]string, 0, len(legs))
	for i := range legs {
		leg := legs[i]
		if leg.ID == "" {
			leg.ID = s.nextIDLocked()
		}
		leg.TransactionID = tx.ID
		leg.Seq = i
		leg.CreatedAt = now
		leg.UpdatedAt = now
		s.legs[leg.ID] = leg
		ids = append(ids, leg.ID)
	}
	s.legsByTx[tx.ID] = ids
	s.transactions[tx.ID] = tx

	tx.Recipients = s.legsForTxLocked(tx.ID)
	return tx, nil
}

func (s *Store) UpdateTransaction(_ context.Context, tx mix.Transaction) (mix.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.transactions[tx.ID]
	if !ok {
		return mix.Transaction{}, fmt.Errorf("transaction %s not found", tx.ID)
	}

	tx.CreatedAt = original.CreatedAt
	if tx.CompletedAt.IsZero() {
		tx.CompletedAt = original.CompletedAt
	}
	tx.UpdatedAt = time.Now().UTC()
	tx.Recipients = nil

	s.transactions[tx.ID] = tx
	tx.Recipients = s.legsForTxLocked(tx.ID)
	return tx, nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (mix.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return mix.Transaction{}, fmt.Errorf("transaction %s not found", id)
	}
	tx.Recipients = s.legsForTxLocked(id)
	return tx, nil
}

func (s *Store) ListTransactions(_ context.Context, poolID string, status mix.Status, limit int) ([]mix.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]mix.Transaction, 0)
	for id, tx := range s.transactions {
		if poolID != "" && tx.PoolID != poolID {
			continue
		}
		if status != "" && tx.Status != status {
			continue
		}
		tx.Recipients = s.legsForTxLocked(id)
		result = append(result, tx)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) UpdateLeg(_ context.Context, leg mix.PayoutLeg) (mix.PayoutLeg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.legs[leg.ID]
	if !ok {
		return mix.PayoutLeg{}, fmt.Errorf("payout leg %s not found", leg.ID)
	}

	leg.TransactionID = original.TransactionID
	leg.Seq = original.Seq
	leg.CreatedAt = original.CreatedAt
	leg.UpdatedAt = time.Now().UTC()

	s.legs[leg.ID] = leg
	return leg, nil
}

func (s *Store) GetLeg(_ context.Context, id string) (mix.PayoutLeg, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	leg, ok := s.legs[id]
	if !ok {
		return mix.PayoutLeg{}, fmt.Errorf("payout leg %s not found", id)
	}
	return leg, nil
}

func (s *Store) ListLegs(_ context.Context, transactionID string) ([]mix.PayoutLeg, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.transactions[transactionID]; !ok {
		return nil, fmt.Errorf("transaction %s not found", transactionID)
	}
	return s.legsForTxLocked(transactionID), nil
}

func (s *Store) ClaimDueLegs(_ context.Context, now time.Time, limit int) ([]mix.PayoutLeg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]mix.PayoutLeg, 0)
	for _, leg := range s.legs {
		if leg.Status == mix.LegScheduled && !leg.ReleaseAt.After(now) {
			due = append(due, leg)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ReleaseAt.Equal(due[j].ReleaseAt) {
			return due[i].ReleaseAt.Before(due[j].ReleaseAt)
		}
		// Equal release times resolve in enqueue order.
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		if due[i].TransactionID != due[j].TransactionID {
			return due[i].TransactionID < due[j].TransactionID
		}
		return due[i].Seq < due[j].Seq
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	stamp := time.Now().UTC()
	for i := range due {
		due[i].Status = mix.LegReleasing
		due[i].UpdatedAt = stamp
		s.legs[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *Store) CancelScheduledLegs(_ context.Context, transactionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[transactionID]; !ok {
		return 0, fmt.Errorf("transaction %s not found", transactionID)
	}

	cancelled := 0
	stamp := time.Now().UTC()
	for _, id := range s.legsByTx[transactionID] {
		leg := s.legs[id]
		if leg.Status != mix.LegScheduled {
			continue
		}
		leg.Status = mix.LegCancelled
		leg.UpdatedAt = stamp
		s.legs[id] = leg
		cancelled++
	}
	return cancelled, nil
}

func (s *Store) CancelTransactionLegs(_ context.Context, transactionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[transactionID]; !ok {
		return 0, fmt.Errorf("transaction %s not found", transactionID)
	}

	ids := s.legsByTx[transactionID]
	for _, id := range ids {
		if s.legs[id].Status != mix.LegScheduled {
			return 0, storage.ErrLegsClaimed
		}
	}

	stamp := time.Now().UTC()
	for _, id := range ids {
		leg := s.legs[id]
		leg.Status = mix.LegCancelled
		leg.UpdatedAt = stamp
		s.legs[id] = leg
	}
	return len(ids), nil
}

func (s *Store) CountScheduledLegs(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, leg := range s.legs {
		if leg.Status == mix.LegScheduled {
			n++
		}
	}
	return n, nil
}

func (s *Store) Stats(_ context.Context) (mix.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := mix.Stats{ByStatus: make(map[mix.Status]int64)}
	for _, tx := range s.transactions {
		stats.TotalTransactions++
		stats.TotalVolume += tx.InputAmount
		stats.TotalFees += tx.Fee
		stats.ByStatus[tx.Status]++
	}
	return stats, nil
}

// SettingsStore implementation -----------------------------------------------

func (s *Store) SaveSettings(_ context.Context, settings admin.ContractSettings) (admin.ContractSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings.UpdatedAt = time.Now().UTC()
	settings.Pools = append([]admin.PoolSettings(nil), settings.Pools...)
	s.settings = &settings
	return settings, nil
}

func (s *Store) LoadSettings(_ context.Context) (admin.ContractSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.settings == nil {
		return admin.ContractSettings{}, fmt.Errorf("contract settings not found")
	}
	settings := *s.settings
	settings.Pools = append([]admin.PoolSettings(nil), settings.Pools...)
	return settings, nil
}

// Helpers --------------------------------------------------------------------

func (s *Store) legsForTxLocked(transactionID string) []mix.PayoutLeg {
	ids := s.legsByTx[transactionID]
	legs := make([]mix.PayoutLeg, 0, len(ids))
	for _, id := range ids {
		legs = append(legs, s.legs[id])
	}
	sort.Slice(legs, func(i, j int) bool { return legs[i].Seq < legs[j].Seq })
	return legs
}
