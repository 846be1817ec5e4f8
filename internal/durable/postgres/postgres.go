package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/datapool/datapool-gateway/internal/durable"
)

// Store implements durable.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed store using the provided DSN and connection
// pool settings.
func New(dsn string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS credit_balances (
	user_id BIGINT PRIMARY KEY,
	credits BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS api_tokens (
	user_id BIGINT PRIMARY KEY,
	token_hash TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS transactions (
	id BIGSERIAL PRIMARY KEY,
	uuid UUID NOT NULL,
	user_id BIGINT NOT NULL,
	amount BIGINT NOT NULL,
	description TEXT,
	data_ref TEXT[],
	timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_transactions_user_ts ON transactions(user_id, timestamp DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Balance returns the last-reconciled balance row.
func (s *Store) Balance(ctx context.Context, userID int64) (*durable.BalanceRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id, credits, updated_at FROM credit_balances WHERE user_id = $1`, userID)
	var rec durable.BalanceRecord
	if err := row.Scan(&rec.UserID, &rec.Credits, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, durable.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// UpsertBalance overwrites the stored balance, creating the row if absent.
func (s *Store) UpsertBalance(ctx context.Context, userID int64, credits int64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO credit_balances(user_id, credits, updated_at) VALUES($1, $2, NOW())
ON CONFLICT(user_id) DO UPDATE SET credits = EXCLUDED.credits, updated_at = NOW()`,
		userID, credits)
	return err
}

// AllBalances returns every stored balance keyed by user.
func (s *Store) AllBalances(ctx context.Context) (map[int64]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, credits FROM credit_balances`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]int64)
	for rows.Next() {
		var userID, credits int64
		if err := rows.Scan(&userID, &credits); err != nil {
			return nil, err
		}
		out[userID] = credits
	}
	return out, rows.Err()
}

// UpsertToken replaces the user's token hash, creating the row if absent.
func (s *Store) UpsertToken(ctx context.Context, userID int64, tokenHash string) error {
	if tokenHash == "" {
		return errors.New("token hash required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO api_tokens(user_id, token_hash, updated_at) VALUES($1, $2, NOW())
ON CONFLICT(user_id) DO UPDATE SET token_hash = EXCLUDED.token_hash, updated_at = NOW()`,
		userID, tokenHash)
	return err
}

// UserByTokenHash resolves a token hash to its owner.
func (s *Store) UserByTokenHash(ctx context.Context, hash string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id FROM api_tokens WHERE token_hash = $1`, hash)
	var userID int64
	if err := row.Scan(&userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, durable.ErrNotFound
		}
		return 0, err
	}
	return userID, nil
}

// TokenByUser returns the user's token row.
func (s *Store) TokenByUser(ctx context.Context, userID int64) (*durable.TokenRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id, token_hash, created_at, updated_at FROM api_tokens WHERE user_id = $1`, userID)
	var rec durable.TokenRecord
	if err := row.Scan(&rec.UserID, &rec.TokenHash, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, durable.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// AllTokens returns every stored token hash keyed by user.
func (s *Store) AllTokens(ctx context.Context) (map[int64]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, token_hash FROM api_tokens`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]string)
	for rows.Next() {
		var userID int64
		var hash string
		if err := rows.Scan(&userID, &hash); err != nil {
			return nil, err
		}
		out[userID] = hash
	}
	return out, rows.Err()
}

// RecordTransaction appends one immutable ledger row.
func (s *Store) RecordTransaction(ctx context.Context, tx durable.Transaction) error {
	if tx.UserID == 0 {
		return errors.New("transaction requires user id")
	}
	id := tx.UUID
	if id == "" {
		id = uuid.NewString()
	}
	ts := tx.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO transactions(uuid, user_id, amount, description, data_ref, timestamp)
VALUES($1, $2, $3, $4, $5, $6)`,
		id, tx.UserID, tx.Amount, tx.Description, pq.Array(tx.DataRef), ts)
	return err
}

// ListTransactions returns one page of the user's history, newest first,
// along with the total row count for the filter.
func (s *Store) ListTransactions(ctx context.Context, userID int64, f durable.Filter) ([]durable.Transaction, int, error) {
	page := f.Page
	if page < 1 {
		page = 1
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}

	where := `WHERE user_id = $1`
	args := []interface{}{userID}

	var signs []string
	for _, kind := range f.Kinds {
		switch kind {
		case "purchase":
			signs = append(signs, `amount < 0`)
		case "deposit":
			signs = append(signs, `amount > 0`)
		}
	}
	if len(signs) == 1 {
		where += ` AND ` + signs[0]
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT id, uuid, user_id, amount, description, data_ref, timestamp FROM transactions %s
ORDER BY timestamp DESC, id DESC LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, (page-1)*limit)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []durable.Transaction
	for rows.Next() {
		var tx durable.Transaction
		var description sql.NullString
		if err := rows.Scan(&tx.ID, &tx.UUID, &tx.UserID, &tx.Amount, &description, pq.Array(&tx.DataRef), &tx.Timestamp); err != nil {
			return nil, 0, err
		}
		tx.Description = description.String
		out = append(out, tx)
	}
	return out, total, rows.Err()
}
