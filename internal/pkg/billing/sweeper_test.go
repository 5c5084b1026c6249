package billing

import (
	"context"
	"testing"
	"time"

	"github.com/fractiverse/router/app/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedUnapplied(t *testing.T, l Ledger, userID, sessionID string, amount int64) {
	t.Helper()
	_, _, err := l.InsertTransaction(context.Background(), models.NewCreditTransaction(userID, amount, sessionID))
	require.NoError(t, err)
}

func TestSweeperAppliesPendingCredits(t *testing.T) {
	ledger := newMemLedger()
	seedUnapplied(t, ledger, "u1", "cs_1", 100)
	seedUnapplied(t, ledger, "u1", "cs_2", 500)
	seedUnapplied(t, ledger, "u2", "cs_3", 1000)

	s := NewSweeper(ledger, SweeperConfig{Grace: 0, Now: func() time.Time { return time.Now().Add(time.Second) }})
	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Applied: 3}, res)
	assert.Equal(t, int64(600), ledger.balance("u1"))
	assert.Equal(t, int64(1000), ledger.balance("u2"))

	res, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res, "second pass finds nothing")
	assert.Equal(t, int64(600), ledger.balance("u1"))
}

func TestSweeperRespectsGracePeriod(t *testing.T) {
	ledger := newMemLedger()
	seedUnapplied(t, ledger, "u1", "cs_new", 100)

	s := NewSweeper(ledger, SweeperConfig{Grace: time.Hour})
	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Applied)
	assert.Equal(t, int64(0), ledger.balance("u1"))
}

func TestSweeperCountsFailuresAndStops(t *testing.T) {
	ledger := newMemLedger()
	seedUnapplied(t, ledger, "u1", "cs_1", 100)
	seedUnapplied(t, ledger, "u1", "cs_2", 100)
	ledger.setIncrementErr(errStore)

	s := NewSweeper(ledger, SweeperConfig{BatchSize: 1, Now: func() time.Time { return time.Now().Add(time.Second) }})
	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Applied)
	assert.Equal(t, 2, res.Failed, "each failing row is counted once")
}

func TestSweeperTriesEachRowOncePerPass(t *testing.T) {
	ledger := newMemLedger()
	seedUnapplied(t, ledger, "u_bad", "cs_bad", 100)
	for _, sid := range []string{"cs_1", "cs_2", "cs_3", "cs_4"} {
		seedUnapplied(t, ledger, "u1", sid, 100)
	}
	ledger.failIncrementsFor("u_bad")

	s := NewSweeper(ledger, SweeperConfig{BatchSize: 2, Now: func() time.Time { return time.Now().Add(time.Second) }})
	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Applied: 4, Failed: 1}, res)
	assert.Equal(t, int64(400), ledger.balance("u1"))
	assert.Equal(t, int64(0), ledger.balance("u_bad"))
}

func TestSweeperMarkFailureDoesNotDoubleCredit(t *testing.T) {
	ledger := newMemLedger()
	seedUnapplied(t, ledger, "u1", "cs_mark", 100)
	ledger.setMarkErr(errStore)

	s := NewSweeper(ledger, SweeperConfig{Now: func() time.Time { return time.Now().Add(time.Second) }})
	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Failed: 1}, res)
	assert.Equal(t, int64(0), ledger.balance("u1"))

	ledger.setMarkErr(nil)
	res, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Applied: 1}, res)
	assert.Equal(t, int64(100), ledger.balance("u1"))

	res, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
	assert.Equal(t, int64(100), ledger.balance("u1"))
}

func TestSweeperPagesThroughBatches(t *testing.T) {
	ledger := newMemLedger()
	for _, sid := range []string{"cs_1", "cs_2", "cs_3", "cs_4", "cs_5"} {
		seedUnapplied(t, ledger, "u1", sid, 100)
	}

	s := NewSweeper(ledger, SweeperConfig{BatchSize: 2, Now: func() time.Time { return time.Now().Add(time.Second) }})
	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Applied)
	assert.Equal(t, int64(500), ledger.balance("u1"))
}

func TestSweeperSkipsLockedSessions(t *testing.T) {
	ledger := newMemLedger()
	seedUnapplied(t, ledger, "u1", "cs_locked", 100)
	locker := newFakeLocker()
	locker.hold("billing:credit:cs_locked")

	s := NewSweeper(ledger, SweeperConfig{Locker: locker, Now: func() time.Time { return time.Now().Add(time.Second) }})
	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
	assert.Equal(t, int64(0), ledger.balance("u1"))
}

func TestSweeperRepairsPartialWebhookFailure(t *testing.T) {
	ledger := newMemLedger()
	ledger.setIncrementErr(errStore)
	r := NewReconciler(DefaultCatalog(), &fakeProvider{priceID: price100}, ledger)

	_, err := r.HandleCheckoutCompleted(context.Background(), checkoutEvent("cs_repair", "u1"))
	require.ErrorIs(t, err, ErrBalanceUpdateFailed)
	ledger.setIncrementErr(nil)

	s := NewSweeper(ledger, SweeperConfig{Now: func() time.Time { return time.Now().Add(time.Second) }})
	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, int64(100), ledger.balance("u1"))

	_, err = r.HandleCheckoutCompleted(context.Background(), checkoutEvent("cs_repair", "u1"))
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.Equal(t, int64(100), ledger.balance("u1"))
}

func TestSweeperWithGormLedger(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	seedUnapplied(t, repo, "u1", "cs_g1", 100)
	seedUnapplied(t, repo, "u1", "cs_g2", 1000)

	s := NewSweeper(repo, SweeperConfig{Now: func() time.Time { return time.Now().Add(time.Minute) }})
	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)

	bal, err := repo.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1100), bal.Balance)
}

func TestSweeperStartStop(t *testing.T) {
	ledger := newMemLedger()
	seedUnapplied(t, ledger, "u1", "cs_tick", 100)

	s := NewSweeper(ledger, SweeperConfig{Interval: 10 * time.Millisecond, Now: func() time.Time { return time.Now().Add(time.Second) }})
	s.Start()
	s.Start()

	assert.Eventually(t, func() bool { return ledger.balance("u1") == 100 }, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()

	// Restart after stop works.
	s.Start()
	s.Stop()
}
