// Package postgres implements the storage interfaces backed by PostgreSQL.
// The expected schema ships in schema.sql.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Leepey/Mixton-sub002/internal/domain/admin"
	"github.com/Leepey/Mixton-sub002/internal/domain/mix"
	"github.com/Leepey/Mixton-sub002/internal/domain/pool"
	"github.com/Leepey/Mixton-sub002/internal/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.PoolStore = (*Store)(nil)
var _ storage.MixStore = (*Store)(nil)
var _ storage.SettingsStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

const poolColumns = `id, name, status, fee_rate, min_amount, max_amount, min_delay, max_delay,
	capacity, current_participants, anonymity_level, max_recipients, created_at, updated_at`

const legColumns = `id, transaction_id, seq, address, amount, delay, release_at, status,
	attempts, last_error, transfer_tx, created_at, updated_at`

const txColumns = `id, pool_id, deposit_address, input_amount, fee, net_amount, status,
	slot_released, refund_tx, created_at, updated_at, completed_at`

// --- PoolStore --------------------------------------------------------------

func (s *Store) CreatePool(ctx context.Context, p pool.Pool) (pool.Pool, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mix_pools (`+poolColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, p.ID, p.Name, p.Status, p.FeeRate, p.MinAmount, p.MaxAmount, p.MinDelay, p.MaxDelay,
		p.Capacity, p.CurrentParticipants, p.AnonymityLevel, p.MaxRecipients, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return pool.Pool{}, err
	}
	return p, nil
}

func (s *Store) UpdatePool(ctx context.Context, p pool.Pool) (pool.Pool, error) {
	existing, err := s.GetPool(ctx, p.ID)
	if err != nil {
		return pool.Pool{}, err
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE mix_pools
		SET name = $2, status = $3, fee_rate = $4, min_amount = $5, max_amount = $6,
			min_delay = $7, max_delay = $8, capacity = $9, current_participants = $10,
			anonymity_level = $11, max_recipients = $12, updated_at = $13
		WHERE id = $1
	`, p.ID, p.Name, p.Status, p.FeeRate, p.MinAmount, p.MaxAmount, p.MinDelay, p.MaxDelay,
		p.Capacity, p.CurrentParticipants, p.AnonymityLevel, p.MaxRecipients, p.UpdatedAt)
	if err != nil {
		return pool.Pool{}, err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return pool.Pool{}, fmt.Errorf("pool %s not found", p.ID)
	}
	return p, nil
}

func (s *Store) GetPool(ctx context.Context, id string) (pool.Pool, error) {
	var p pool.Pool
	err := s.db.GetContext(ctx, &p, `SELECT `+poolColumns+` FROM mix_pools WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return pool.Pool{}, fmt.Errorf("pool %s not found", id)
	}
	if err != nil {
		return pool.Pool{}, err
	}
	return p, nil
}

func (s *Store) ListPools(ctx context.Context) ([]pool.Pool, error) {
	pools := make([]pool.Pool, 0)
	err := s.db.SelectContext(ctx, &pools, `SELECT `+poolColumns+` FROM mix_pools ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pools, nil
}

func (s *Store) AcceptPoolSlot(ctx context.Context, id string) (pool.Pool, error) {
	var p pool.Pool
	err := s.db.GetContext(ctx, &p, `
		UPDATE mix_pools
		SET current_participants = current_participants + 1, updated_at = $2
		WHERE id = $1 AND current_participants < capacity
		RETURNING `+poolColumns+`
	`, id, time.Now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetPool(ctx, id); getErr != nil {
			return pool.Pool{}, getErr
		}
		return pool.Pool{}, fmt.Errorf("pool %s is at capacity", id)
	}
	if err != nil {
		return pool.Pool{}, err
	}
	return p, nil
}

func (s *Store) ReleasePoolSlot(ctx context.Context, id string) (pool.Pool, error) {
	var p pool.Pool
	err := s.db.GetContext(ctx, &p, `
		UPDATE mix_pools
		SET current_participants = GREATEST(current_participants - 1, 0), updated_at = $2
		WHERE id = $1
		RETURNING `+poolColumns+`
	`, id, time.Now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return pool.Pool{}, fmt.Errorf("pool %s not found", id)
	}
	if err != nil {
		return pool.Pool{}, err
	}
	return p, nil
}

func (s *Store) ReplacePools(ctx context.Context, pools []pool.Pool) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	keep := make([]string, 0, len(pools))
	for _, p := range pools {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		keep = append(keep, p.ID)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO mix_pools (`+poolColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11, $12, $12)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name, status = EXCLUDED.status, fee_rate = EXCLUDED.fee_rate,
				min_amount = EXCLUDED.min_amount, max_amount = EXCLUDED.max_amount,
				min_delay = EXCLUDED.min_delay, max_delay = EXCLUDED.max_delay,
				capacity = EXCLUDED.capacity, anonymity_level = EXCLUDED.anonymity_level,
				max_recipients = EXCLUDED.max_recipients, updated_at = EXCLUDED.updated_at
		`, p.ID, p.Name, p.Status, p.FeeRate, p.MinAmount, p.MaxAmount, p.MinDelay, p.MaxDelay,
			p.Capacity, p.AnonymityLevel, p.MaxRecipients, now)
		if err != nil {
			return err
		}
	}

	query, args, err := sqlx.In(`DELETE FROM mix_pools WHERE id NOT IN (?)`, keep)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return err
	}

	return tx.Commit()
}

// --- MixStore ---------------------------------------------------------------

func (s *Store) CreateTransaction(ctx context.Context, t mix.Transaction) (mix.Transaction, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mix.Transaction{}, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO mix_transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, t.ID, t.PoolID, t.DepositAddress, t.InputAmount, t.Fee, t.NetAmount, t.Status,
		t.SlotReleased, t.RefundTx, t.CreatedAt, t.UpdatedAt, nullTime(t.CompletedAt))
	if err != nil {
		return mix.Transaction{}, err
	}

	for i := range t.Recipients {
		leg := &t.Recipients[i]
		if leg.ID == "" {
			leg.ID = uuid.NewString()
		}
		leg.TransactionID = t.ID
		leg.Seq = i
		leg.CreatedAt = now
		leg.UpdatedAt = now
		_, err = tx.ExecContext(ctx, `
			INSERT INTO mix_payout_legs (`+legColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, leg.ID, leg.TransactionID, leg.Seq, leg.Address, leg.Amount, leg.Delay,
			leg.ReleaseAt, leg.Status, leg.Attempts, leg.LastError, leg.TransferTx,
			leg.CreatedAt, leg.UpdatedAt)
		if err != nil {
			return mix.Transaction{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return mix.Transaction{}, err
	}
	return t, nil
}

func (s *Store) UpdateTransaction(ctx context.Context, t mix.Transaction) (mix.Transaction, error) {
	existing, err := s.getTransactionRow(ctx, t.ID)
	if err != nil {
		return mix.Transaction{}, err
	}
	t.CreatedAt = existing.CreatedAt
	if t.CompletedAt.IsZero() {
		t.CompletedAt = existing.CompletedAt
	}
	t.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		UPDATE mix_transactions
		SET status = $2, slot_released = $3, refund_tx = $4, updated_at = $5, completed_at = $6
		WHERE id = $1
	`, t.ID, t.Status, t.SlotReleased, t.RefundTx, t.UpdatedAt, nullTime(t.CompletedAt))
	if err != nil {
		return mix.Transaction{}, err
	}

	t.Recipients, err = s.ListLegs(ctx, t.ID)
	if err != nil {
		return mix.Transaction{}, err
	}
	return t, nil
}

type txRow struct {
	mix.Transaction
	Completed sql.NullTime `db:"completed_at"`
}

func (r txRow) toTransaction() mix.Transaction {
	t := r.Transaction
	if r.Completed.Valid {
		t.CompletedAt = r.Completed.Time
	}
	return t
}

func (s *Store) getTransactionRow(ctx context.Context, id string) (mix.Transaction, error) {
	var row txRow
	err := s.db.GetContext(ctx, &row, `SELECT `+txColumns+` FROM mix_transactions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return mix.Transaction{}, fmt.Errorf("transaction %s not found", id)
	}
	if err != nil {
		return mix.Transaction{}, err
	}
	return row.toTransaction(), nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (mix.Transaction, error) {
	t, err := s.getTransactionRow(ctx, id)
	if err != nil {
		return mix.Transaction{}, err
	}
	t.Recipients, err = s.ListLegs(ctx, id)
	if err != nil {
		return mix.Transaction{}, err
	}
	return t, nil
}

func (s *Store) ListTransactions(ctx context.Context, poolID string, status mix.Status, limit int) ([]mix.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + txColumns + ` FROM mix_transactions WHERE 1=1`
	args := []any{}
	if poolID != "" {
		args = append(args, poolID)
		query += fmt.Sprintf(" AND pool_id = $%d", len(args))
	}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at LIMIT $%d", len(args))

	rows := make([]txRow, 0)
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	result := make([]mix.Transaction, 0, len(rows))
	for _, row := range rows {
		t := row.toTransaction()
		legs, err := s.ListLegs(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		t.Recipients = legs
		result = append(result, t)
	}
	return result, nil
}

func (s *Store) UpdateLeg(ctx context.Context, leg mix.PayoutLeg) (mix.PayoutLeg, error) {
	leg.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE mix_payout_legs
		SET status = $2, release_at = $3, attempts = $4, last_error = $5, transfer_tx = $6, updated_at = $7
		WHERE id = $1
	`, leg.ID, leg.Status, leg.ReleaseAt, leg.Attempts, leg.LastError, leg.TransferTx, leg.UpdatedAt)
	if err != nil {
		return mix.PayoutLeg{}, err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return mix.PayoutLeg{}, fmt.Errorf("payout leg %s not found", leg.ID)
	}
	return leg, nil
}

func (s *Store) GetLeg(ctx context.Context, id string) (mix.PayoutLeg, error) {
	var leg mix.PayoutLeg
	err := s.db.GetContext(ctx, &leg, `SELECT `+legColumns+` FROM mix_payout_legs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return mix.PayoutLeg{}, fmt.Errorf("payout leg %s not found", id)
	}
	if err != nil {
		return mix.PayoutLeg{}, err
	}
	return leg, nil
}

func (s *Store) ListLegs(ctx context.Context, transactionID string) ([]mix.PayoutLeg, error) {
	legs := make([]mix.PayoutLeg, 0)
	err := s.db.SelectContext(ctx, &legs, `
		SELECT `+legColumns+` FROM mix_payout_legs WHERE transaction_id = $1 ORDER BY seq
	`, transactionID)
	if err != nil {
		return nil, err
	}
	return legs, nil
}

func (s *Store) ClaimDueLegs(ctx context.Context, now time.Time, limit int) ([]mix.PayoutLeg, error) {
	if limit <= 0 {
		limit = 256
	}
	legs := make([]mix.PayoutLeg, 0)
	err := s.db.SelectContext(ctx, &legs, `
		UPDATE mix_payout_legs
		SET status = $1, updated_at = $2
		WHERE id IN (
			SELECT id FROM mix_payout_legs
			WHERE status = $3 AND release_at <= $4
			ORDER BY release_at, created_at, transaction_id, seq
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+legColumns+`
	`, mix.LegReleasing, time.Now().UTC(), mix.LegScheduled, now, limit)
	if err != nil {
		return nil, err
	}
	return legs, nil
}

func (s *Store) CancelScheduledLegs(ctx context.Context, transactionID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE mix_payout_legs
		SET status = $1, updated_at = $2
		WHERE transaction_id = $3 AND status = $4
	`, mix.LegCancelled, time.Now().UTC(), transactionID, mix.LegScheduled)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (s *Store) CancelTransactionLegs(ctx context.Context, transactionID string) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	// Locking the legs first serializes against ClaimDueLegs: its SKIP
	// LOCKED claim steps around rows we hold, and a claim that committed
	// earlier is visible here as a non-scheduled status.
	statuses := make([]string, 0)
	err = tx.SelectContext(ctx, &statuses, `
		SELECT status FROM mix_payout_legs WHERE transaction_id = $1 ORDER BY seq FOR UPDATE
	`, transactionID)
	if err != nil {
		return 0, err
	}
	if len(statuses) == 0 {
		return 0, fmt.Errorf("transaction %s not found", transactionID)
	}
	for _, status := range statuses {
		if status != string(mix.LegScheduled) {
			return 0, storage.ErrLegsClaimed
		}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE mix_payout_legs
		SET status = $1, updated_at = $2
		WHERE transaction_id = $3
	`, mix.LegCancelled, time.Now().UTC(), transactionID)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) CountScheduledLegs(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM mix_payout_legs WHERE status = $1`, mix.LegScheduled)
	return n, err
}

func (s *Store) Stats(ctx context.Context) (mix.Stats, error) {
	stats := mix.Stats{ByStatus: make(map[mix.Status]int64)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(input_amount), 0), COALESCE(SUM(fee), 0)
		FROM mix_transactions GROUP BY status
	`)
	if err != nil {
		return mix.Stats{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var status mix.Status
		var count, volume, fees int64
		if err := rows.Scan(&status, &count, &volume, &fees); err != nil {
			return mix.Stats{}, err
		}
		stats.ByStatus[status] = count
		stats.TotalTransactions += count
		stats.TotalVolume += volume
		stats.TotalFees += fees
	}
	return stats, rows.Err()
}

// --- SettingsStore ----------------------------------------------------------

func (s *Store) SaveSettings(ctx context.Context, settings admin.ContractSettings) (admin.ContractSettings, error) {
	settings.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(settings)
	if err != nil {
		return admin.ContractSettings{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mix_contract_settings (id, document, updated_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, updated_at = EXCLUDED.updated_at
	`, doc, settings.UpdatedAt)
	if err != nil {
		return admin.ContractSettings{}, err
	}
	return settings, nil
}

func (s *Store) LoadSettings(ctx context.Context) (admin.ContractSettings, error) {
	var doc []byte
	err := s.db.GetContext(ctx, &doc, `SELECT document FROM mix_contract_settings WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return admin.ContractSettings{}, fmt.Errorf("contract settings not found")
	}
	if err != nil {
		return admin.ContractSettings{}, err
	}

	var settings admin.ContractSettings
	if err := json.Unmarshal(doc, &settings); err != nil {
		return admin.ContractSettings{}, err
	}
	return settings, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
