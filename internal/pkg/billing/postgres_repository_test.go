package billing

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/fractiverse/router/app/models"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestPostgres needs TEST_DATABASE_URL pointing at a disposable database.
func newTestPostgres(t *testing.T) *PostgresRepository {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping Postgres ledger tests")
	}

	m, err := migrate.New("file://../../../migrations/postgres", url)
	require.NoError(t, err)
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("apply migrations: %v", err)
	}
	_, _ = m.Close()

	db, err := sql.Open("postgres", url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`TRUNCATE fractitoken_transactions, fractitoken_balances, billing_webhook_events`)
	require.NoError(t, err)
	return NewPostgresRepository(db)
}

func TestPostgresRepositoryCreditFlow(t *testing.T) {
	repo := newTestPostgres(t)
	r := NewReconciler(DefaultCatalog(), &fakeProvider{priceID: price500}, repo)
	ctx := context.Background()

	res, err := r.HandleCheckoutCompleted(ctx, checkoutEvent("cs_pg_1", "u1"))
	require.NoError(t, err)
	assert.Equal(t, int64(500), res.Tokens)

	_, err = r.HandleCheckoutCompleted(ctx, checkoutEvent("cs_pg_1", "u1"))
	assert.ErrorIs(t, err, ErrAlreadyProcessed)

	bal, err := repo.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal.Balance)
}

func TestPostgresRepositoryRollback(t *testing.T) {
	repo := newTestPostgres(t)
	ctx := context.Background()

	err := repo.WithinTransaction(ctx, func(l Ledger) error {
		if _, _, err := l.InsertTransaction(ctx, models.NewCreditTransaction("u2", 100, "cs_pg_rb")); err != nil {
			return err
		}
		return errStore
	})
	assert.ErrorIs(t, err, errStore)

	pending, err := repo.ListUnapplied(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPostgresRepositoryWebhookEvents(t *testing.T) {
	repo := newTestPostgres(t)
	ctx := context.Background()

	event := &models.BillingWebhookEvent{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: "evt_pg",
		EventType:       EventCheckoutSessionCompleted,
		PayloadJSON:     `{}`,
		SignatureValid:  true,
	}
	created, stored, err := repo.CreateWebhookEventIfNotExists(ctx, event)
	require.NoError(t, err)
	assert.True(t, created)

	require.NoError(t, repo.MarkWebhookProcessed(ctx, stored.ID, ""))
	created, again, err := repo.CreateWebhookEventIfNotExists(ctx, event)
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, again.ProcessedSuccessfully())
}
