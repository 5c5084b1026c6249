package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fractiverse/router/app/models"
)

// sqlExecutor is satisfied by both *sql.DB and *sql.Tx.
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresRepository talks to the hosted Postgres platform directly. Balance
// increments go through the update_token_balance stored function.
type PostgresRepository struct {
	db *sql.DB
	q  sqlExecutor
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, q: db}
}

func (r *PostgresRepository) WithinTransaction(ctx context.Context, fn func(Ledger) error) error {
	if r.db == nil {
		// Already inside a transaction.
		return fn(r)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&PostgresRepository{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (r *PostgresRepository) InsertTransaction(ctx context.Context, t *models.TokenTransaction) (bool, *models.TokenTransaction, error) {
	const insert = `
        INSERT INTO fractitoken_transactions (id, user_id, amount, transaction_type, description, stripe_session_id, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, NOW())
        ON CONFLICT (stripe_session_id) DO NOTHING;
    `
	res, err := r.q.ExecContext(ctx, insert, t.ID, t.UserID, t.Amount, t.TransactionType, t.Description, t.StripeSessionID)
	if err != nil {
		return false, nil, fmt.Errorf("failed to insert token transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, err
	}

	const query = `
        SELECT id, user_id, amount, transaction_type, description, stripe_session_id, applied_at, created_at
        FROM fractitoken_transactions
        WHERE stripe_session_id = $1;
    `
	stored, err := scanTransaction(r.q.QueryRowContext(ctx, query, t.StripeSessionID))
	if err != nil {
		return false, nil, fmt.Errorf("failed to load token transaction: %w", err)
	}
	return n > 0, stored, nil
}

func (r *PostgresRepository) IncrementBalance(ctx context.Context, userID string, delta int64) error {
	if _, err := r.q.ExecContext(ctx, `SELECT update_token_balance($1, $2);`, userID, delta); err != nil {
		return fmt.Errorf("update_token_balance: %w", err)
	}
	return nil
}

func (r *PostgresRepository) MarkApplied(ctx context.Context, transactionID string, at time.Time) (bool, error) {
	const query = `
        UPDATE fractitoken_transactions SET applied_at = $2
        WHERE id = $1 AND applied_at IS NULL;
    `
	res, err := r.q.ExecContext(ctx, query, transactionID, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark transaction applied: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresRepository) GetBalance(ctx context.Context, userID string) (*models.TokenBalance, error) {
	const query = `
        SELECT balance, last_updated FROM fractitoken_balances WHERE user_id = $1;
    `
	b := &models.TokenBalance{UserID: userID}
	err := r.q.QueryRowContext(ctx, query, userID).Scan(&b.Balance, &b.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token balance: %w", err)
	}
	return b, nil
}

func (r *PostgresRepository) ListUnapplied(ctx context.Context, createdBefore time.Time, limit int) ([]models.TokenTransaction, error) {
	const query = `
        SELECT id, user_id, amount, transaction_type, description, stripe_session_id, applied_at, created_at
        FROM fractitoken_transactions
        WHERE applied_at IS NULL AND created_at < $1
        ORDER BY created_at ASC
        LIMIT $2;
    `
	rows, err := r.q.QueryContext(ctx, query, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unapplied transactions: %w", err)
	}
	defer rows.Close()

	var out []models.TokenTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	const insert = `
        INSERT INTO billing_webhook_events (provider, provider_event_id, event_type, payload_json, signature_valid, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
        ON CONFLICT (provider, provider_event_id) DO NOTHING;
    `
	res, err := r.q.ExecContext(ctx, insert, event.Provider, event.ProviderEventID, event.EventType, event.PayloadJSON, event.SignatureValid)
	if err != nil {
		return false, nil, fmt.Errorf("failed to insert webhook event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, err
	}

	const query = `
        SELECT id, provider, provider_event_id, event_type, payload_json, signature_valid,
               processed_at, COALESCE(processing_error, ''), created_at, updated_at
        FROM billing_webhook_events
        WHERE provider = $1 AND provider_event_id = $2;
    `
	var (
		stored      models.BillingWebhookEvent
		processedAt sql.NullTime
	)
	err = r.q.QueryRowContext(ctx, query, event.Provider, event.ProviderEventID).Scan(
		&stored.ID, &stored.Provider, &stored.ProviderEventID, &stored.EventType, &stored.PayloadJSON,
		&stored.SignatureValid, &processedAt, &stored.ProcessingError, &stored.CreatedAt, &stored.UpdatedAt,
	)
	if err != nil {
		return false, nil, fmt.Errorf("failed to load webhook event: %w", err)
	}
	if processedAt.Valid {
		stored.ProcessedAt = &processedAt.Time
	}
	return n > 0, &stored, nil
}

func (r *PostgresRepository) MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error {
	const query = `
        UPDATE billing_webhook_events
        SET processed_at = NOW(), processing_error = $2, updated_at = NOW()
        WHERE id = $1;
    `
	if _, err := r.q.ExecContext(ctx, query, id, processingError); err != nil {
		return fmt.Errorf("failed to mark webhook event processed: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.TokenTransaction, error) {
	var (
		t         models.TokenTransaction
		appliedAt sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.Amount, &t.TransactionType, &t.Description,
		&t.StripeSessionID, &appliedAt, &t.CreatedAt); err != nil {
		return nil, err
	}
	if appliedAt.Valid {
		t.AppliedAt = &appliedAt.Time
	}
	return &t, nil
}

var _ Repository = (*PostgresRepository)(nil)
