package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/custodia-network/spendledger/internal/app/domain/cashback"
	"github.com/custodia-network/spendledger/internal/app/domain/safe"
	"github.com/custodia-network/spendledger/internal/app/storage"
)

//go:embed schema.sql
var schemaSQL string

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.SafeStore = (*Store)(nil)
var _ storage.TransactionStore = (*Store)(nil)
var _ storage.CashbackStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the ledger tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

// safeColumns packs the variable-shape parts of a Safe into JSON, following
// the metadata-column convention used across the ledger tables.
type safeColumns struct {
	limitsJSON     []byte
	withdrawalJSON []byte
	clearedJSON    []byte
	balancesJSON   []byte
}

func packSafe(rec safe.Safe) (safeColumns, error) {
	var cols safeColumns
	var err error
	if cols.limitsJSON, err = json.Marshal(rec.Limit); err != nil {
		return cols, err
	}
	if rec.PendingWithdrawal != nil {
		if cols.withdrawalJSON, err = json.Marshal(rec.PendingWithdrawal); err != nil {
			return cols, err
		}
	}
	if cols.clearedJSON, err = json.Marshal(rec.ClearedTransactions); err != nil {
		return cols, err
	}
	if cols.balancesJSON, err = json.Marshal(rec.Balances); err != nil {
		return cols, err
	}
	return cols, nil
}

// --- SafeStore --------------------------------------------------------------

func (s *Store) CreateSafe(ctx context.Context, rec safe.Safe) (safe.Safe, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	cols, err := packSafe(rec)
	if err != nil {
		return safe.Safe{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO spend_safes (
			id, owner, tier, mode, incoming_mode, incoming_mode_start,
			limits, pending_withdrawal, cleared_transactions, balances,
			split_to_safe_bps, total_cashback_earned, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, rec.ID, rec.Owner, string(rec.Tier), string(rec.Mode), string(rec.IncomingMode),
		rec.IncomingModeStartTime, cols.limitsJSON, cols.withdrawalJSON,
		cols.clearedJSON, cols.balancesJSON, rec.SplitToSafeBps,
		rec.TotalCashbackEarned, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return safe.Safe{}, err
	}
	return rec, nil
}

func (s *Store) UpdateSafe(ctx context.Context, rec safe.Safe) (safe.Safe, error) {
	existing, err := s.GetSafe(ctx, rec.ID)
	if err != nil {
		return safe.Safe{}, err
	}

	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = time.Now().UTC()

	cols, err := packSafe(rec)
	if err != nil {
		return safe.Safe{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE spend_safes
		SET owner = $2, tier = $3, mode = $4, incoming_mode = $5,
			incoming_mode_start = $6, limits = $7, pending_withdrawal = $8,
			cleared_transactions = $9, balances = $10, split_to_safe_bps = $11,
			total_cashback_earned = $12, updated_at = $13
		WHERE id = $1
	`, rec.ID, rec.Owner, string(rec.Tier), string(rec.Mode), string(rec.IncomingMode),
		rec.IncomingModeStartTime, cols.limitsJSON, cols.withdrawalJSON,
		cols.clearedJSON, cols.balancesJSON, rec.SplitToSafeBps,
		rec.TotalCashbackEarned, rec.UpdatedAt)
	if err != nil {
		return safe.Safe{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return safe.Safe{}, storage.ErrNotFound
	}
	return rec, nil
}

func (s *Store) GetSafe(ctx context.Context, id string) (safe.Safe, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, tier, mode, incoming_mode, incoming_mode_start,
			limits, pending_withdrawal, cleared_transactions, balances,
			split_to_safe_bps, total_cashback_earned, created_at, updated_at
		FROM spend_safes
		WHERE id = $1
	`, id)
	return scanSafe(row)
}

func (s *Store) ListSafes(ctx context.Context) ([]safe.Safe, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, tier, mode, incoming_mode, incoming_mode_start,
			limits, pending_withdrawal, cleared_transactions, balances,
			split_to_safe_bps, total_cashback_earned, created_at, updated_at
		FROM spend_safes
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []safe.Safe
	for rows.Next() {
		rec, err := scanSafe(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSafe(row rowScanner) (safe.Safe, error) {
	var (
		rec           safe.Safe
		tier, mode    string
		incomingMode  string
		limitsRaw     []byte
		withdrawalRaw []byte
		clearedRaw    []byte
		balancesRaw   []byte
	)

	err := row.Scan(&rec.ID, &rec.Owner, &tier, &mode, &incomingMode,
		&rec.IncomingModeStartTime, &limitsRaw, &withdrawalRaw, &clearedRaw,
		&balancesRaw, &rec.SplitToSafeBps, &rec.TotalCashbackEarned,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return safe.Safe{}, storage.ErrNotFound
		}
		return safe.Safe{}, err
	}

	rec.Tier = safe.Tier(tier)
	rec.Mode = safe.Mode(mode)
	rec.IncomingMode = safe.Mode(incomingMode)

	if len(limitsRaw) > 0 {
		if err := json.Unmarshal(limitsRaw, &rec.Limit); err != nil {
			return safe.Safe{}, err
		}
	}
	if len(withdrawalRaw) > 0 {
		var req safe.WithdrawalRequest
		if err := json.Unmarshal(withdrawalRaw, &req); err != nil {
			return safe.Safe{}, err
		}
		rec.PendingWithdrawal = &req
	}
	rec.ClearedTransactions = make(map[string]bool)
	if len(clearedRaw) > 0 {
		_ = json.Unmarshal(clearedRaw, &rec.ClearedTransactions)
	}
	rec.Balances = make(map[string]int64)
	if len(balancesRaw) > 0 {
		_ = json.Unmarshal(balancesRaw, &rec.Balances)
	}
	return rec, nil
}

// --- TransactionStore -------------------------------------------------------

func (s *Store) AppendTransaction(ctx context.Context, tx safe.Transaction) (safe.Transaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	tokensJSON, err := json.Marshal(tx.Tokens)
	if err != nil {
		return safe.Transaction{}, err
	}
	amountsJSON, err := json.Marshal(tx.Amounts)
	if err != nil {
		return safe.Transaction{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO spend_transactions (
			id, safe_id, type, external_id, mode, sponsor, tokens, amounts,
			total_usd, recipient, cashback_paid_usd, cashback_deferred_usd, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, tx.ID, tx.SafeID, string(tx.Type), tx.ExternalID, string(tx.Mode), tx.Sponsor,
		tokensJSON, amountsJSON, tx.TotalUSD, tx.Recipient, tx.CashbackPaidUSD,
		tx.CashbackDeferredUSD, tx.CreatedAt)
	if err != nil {
		return safe.Transaction{}, err
	}
	return tx, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (safe.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, safe_id, type, external_id, mode, sponsor, tokens, amounts,
			total_usd, recipient, cashback_paid_usd, cashback_deferred_usd, created_at
		FROM spend_transactions
		WHERE id = $1
	`, id)
	return scanTransaction(row)
}

func (s *Store) ListTransactions(ctx context.Context, safeID string) ([]safe.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, safe_id, type, external_id, mode, sponsor, tokens, amounts,
			total_usd, recipient, cashback_paid_usd, cashback_deferred_usd, created_at
		FROM spend_transactions
		WHERE safe_id = $1
		ORDER BY created_at
	`, safeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []safe.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func scanTransaction(row rowScanner) (safe.Transaction, error) {
	var (
		tx           safe.Transaction
		txType, mode string
		tokensRaw    []byte
		amountsRaw   []byte
	)

	err := row.Scan(&tx.ID, &tx.SafeID, &txType, &tx.ExternalID, &mode, &tx.Sponsor,
		&tokensRaw, &amountsRaw, &tx.TotalUSD, &tx.Recipient, &tx.CashbackPaidUSD,
		&tx.CashbackDeferredUSD, &tx.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return safe.Transaction{}, storage.ErrNotFound
		}
		return safe.Transaction{}, err
	}

	tx.Type = safe.TransactionType(txType)
	tx.Mode = safe.Mode(mode)
	if len(tokensRaw) > 0 {
		_ = json.Unmarshal(tokensRaw, &tx.Tokens)
	}
	if len(amountsRaw) > 0 {
		_ = json.Unmarshal(amountsRaw, &tx.Amounts)
	}
	return tx, nil
}

// --- CashbackStore ----------------------------------------------------------

func (s *Store) UpsertPendingCashback(ctx context.Context, p cashback.Pending) (cashback.Pending, error) {
	p.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_cashback (recipient, token, amount_usd, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (recipient, token)
		DO UPDATE SET amount_usd = EXCLUDED.amount_usd, updated_at = EXCLUDED.updated_at
	`, p.Recipient, p.Token, p.AmountUSD, p.UpdatedAt)
	if err != nil {
		return cashback.Pending{}, err
	}
	return p, nil
}

func (s *Store) GetPendingCashback(ctx context.Context, recipient, token string) (cashback.Pending, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT recipient, token, amount_usd, updated_at
		FROM pending_cashback
		WHERE recipient = $1 AND token = $2
	`, recipient, token)

	var p cashback.Pending
	if err := row.Scan(&p.Recipient, &p.Token, &p.AmountUSD, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cashback.Pending{}, storage.ErrNotFound
		}
		return cashback.Pending{}, err
	}
	return p, nil
}

func (s *Store) DeletePendingCashback(ctx context.Context, recipient, token string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_cashback WHERE recipient = $1 AND token = $2
	`, recipient, token)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListPendingCashback(ctx context.Context, recipient string) ([]cashback.Pending, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT recipient, token, amount_usd, updated_at
		FROM pending_cashback
		WHERE recipient = $1
		ORDER BY token
	`, recipient)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPending(rows)
}

func (s *Store) ListAllPendingCashback(ctx context.Context) ([]cashback.Pending, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT recipient, token, amount_usd, updated_at
		FROM pending_cashback
		ORDER BY recipient, token
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPending(rows)
}

func collectPending(rows *sql.Rows) ([]cashback.Pending, error) {
	var result []cashback.Pending
	for rows.Next() {
		var p cashback.Pending
		if err := rows.Scan(&p.Recipient, &p.Token, &p.AmountUSD, &p.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) GetTierRates(ctx context.Context) (cashback.TierRates, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tier, rate_bps FROM cashback_tier_rates
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rates := make(cashback.TierRates)
	for rows.Next() {
		var tier string
		var rate int64
		if err := rows.Scan(&tier, &rate); err != nil {
			return nil, err
		}
		rates[safe.Tier(tier)] = rate
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(rates) == 0 {
		return cashback.DefaultTierRates(), nil
	}
	return rates, nil
}

func (s *Store) SetTierRates(ctx context.Context, rates cashback.TierRates) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cashback_tier_rates`); err != nil {
		return err
	}
	for tier, rate := range rates {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cashback_tier_rates (tier, rate_bps) VALUES ($1, $2)
		`, string(tier), rate); err != nil {
			return err
		}
	}
	return tx.Commit()
}
