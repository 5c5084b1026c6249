package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fractiverse/router/app/models"
	"github.com/fractiverse/router/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
)

const defaultSweepBatchSize = 100

// Sweeper applies transactions whose credit never committed, for example after
// a crash between the row insert and the balance update.
type Sweeper struct {
	ledger    TxLedger
	locker    CreditLocker
	lockTTL   time.Duration
	metrics   *metrics.Metrics
	interval  time.Duration
	grace     time.Duration
	batchSize int
	now       func() time.Time

	ticker  *time.Ticker
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	// sweepMu keeps the ticker and manual triggers from overlapping.
	sweepMu sync.Mutex
}

type SweeperConfig struct {
	Interval  time.Duration
	Grace     time.Duration
	BatchSize int
	Locker    CreditLocker
	LockTTL   time.Duration
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

func NewSweeper(ledger TxLedger, cfg SweeperConfig) *Sweeper {
	s := &Sweeper{
		ledger:    ledger,
		locker:    cfg.Locker,
		lockTTL:   cfg.LockTTL,
		metrics:   cfg.Metrics,
		interval:  cfg.Interval,
		grace:     cfg.Grace,
		batchSize: cfg.BatchSize,
		now:       cfg.Now,
	}
	if s.locker == nil {
		s.locker = noLocker{}
	}
	if s.lockTTL <= 0 {
		s.lockTTL = defaultCreditLockTTL
	}
	if s.interval <= 0 {
		s.interval = 5 * time.Minute
	}
	if s.grace < 0 {
		s.grace = 0
	}
	if s.batchSize <= 0 {
		s.batchSize = defaultSweepBatchSize
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Start launches the background worker. Calling Start twice is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	s.stopCh = make(chan struct{})
	s.ticker = time.NewTicker(s.interval)
	s.running = true
	s.wg.Add(1)
	go s.worker(s.ticker, s.stopCh)
	log.Infof("[Sweeper] Started (interval: %s, grace: %s)", s.interval, s.grace)
}

// Stop signals the worker and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	s.ticker.Stop()
	close(s.stopCh)
	s.stopCh = nil
	s.running = false
	s.wg.Wait()
	log.Info("[Sweeper] Stopped")
}

func (s *Sweeper) worker(ticker *time.Ticker, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			res, err := s.RunOnce(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Errorf("[Sweeper] Sweep failed: %v", err)
				continue
			}
			if res.Applied > 0 || res.Failed > 0 {
				log.Infof("[Sweeper] Applied %d pending credits, %d failed", res.Applied, res.Failed)
			}
		}
	}
}

// RunOnce applies every unapplied transaction older than the grace period.
// Each row is tried at most once per pass; per-row failures are counted and
// do not stop the pass.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	var res SweepResult
	cutoff := s.now().Add(-s.grace)
	tried := make(map[string]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		// Rows tried earlier in this pass stay unapplied and are listed
		// again, so widen the page by their count.
		limit := s.batchSize + len(tried)
		batch, err := s.ledger.ListUnapplied(ctx, cutoff, limit)
		if err != nil {
			return res, err
		}

		fresh := 0
		for i := range batch {
			t := &batch[i]
			if _, seen := tried[t.ID]; seen {
				continue
			}
			tried[t.ID] = struct{}{}
			fresh++

			ok, err := s.applyOne(ctx, t)
			switch {
			case err != nil:
				res.Failed++
				s.metrics.IncSweep("failed")
				log.Errorf("[Sweeper] Could not apply transaction %s (session %s): %v", t.ID, t.StripeSessionID, err)
			case ok:
				res.Applied++
				s.metrics.IncSweep("applied")
				s.metrics.AddTokensCredited(t.Amount)
			default:
				s.metrics.IncSweep("skipped")
			}
		}

		if len(batch) < limit || fresh == 0 {
			return res, nil
		}
	}
}

// applyOne reports false when the row was applied or locked by someone else.
func (s *Sweeper) applyOne(ctx context.Context, t *models.TokenTransaction) (bool, error) {
	unlock, ok, err := s.locker.TryLock(ctx, creditLockPrefix+t.StripeSessionID, s.lockTTL)
	switch {
	case err != nil:
		log.Warnf("[Sweeper] Credit lock unavailable for session %s, continuing without it: %v", t.StripeSessionID, err)
	case !ok:
		return false, nil
	default:
		defer unlock()
	}

	_, err = creditTransaction(ctx, s.ledger, t, s.now())
	if errors.Is(err, ErrAlreadyProcessed) {
		return false, nil
	}
	return err == nil, err
}
