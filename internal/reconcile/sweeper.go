// AngelaMos | 2026
// sweeper.go

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/carterperez-dev/varylite/internal/config"
	"github.com/carterperez-dev/varylite/internal/credit"
)

type Ledger interface {
	ListStale(
		ctx context.Context,
		olderThan time.Duration,
		limit int,
	) ([]credit.Generation, error)
	Refund(ctx context.Context, generationID string) (*credit.RefundResult, error)
	Reconcile(ctx context.Context, userID string) (*credit.ReconcileResult, error)
}

type Result struct {
	Stale      int
	Refunded   int
	Failed     int
	Reconciled int
	Repaired   int
}

// Sweeper refunds generations stuck in the charged state and then checks
// the balances of the users it touched against their ledgers.
type Sweeper struct {
	ledger     Ledger
	staleAfter time.Duration
	batchSize  int
	schedule   string
	logger     *slog.Logger
	cron       *cron.Cron
}

func NewSweeper(
	ledger Ledger,
	cfg config.ReconcileConfig,
	logger *slog.Logger,
) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("reconcile.schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.StaleAfter <= 0 {
		return nil, fmt.Errorf("reconcile.stale_after must be positive")
	}

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}

	return &Sweeper{
		ledger:     ledger,
		staleAfter: cfg.StaleAfter,
		batchSize:  batch,
		schedule:   cfg.Schedule,
		logger:     logger,
	}, nil
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (*Result, error) {
	stale, err := s.ledger.ListStale(ctx, s.staleAfter, s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("list stale generations: %w", err)
	}

	res := &Result{Stale: len(stale)}
	touched := make(map[string]struct{})

	for _, gen := range stale {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		_, err := s.ledger.Refund(ctx, gen.ID)
		switch {
		case err == nil:
			res.Refunded++
			touched[gen.UserID] = struct{}{}
		case errors.Is(err, credit.ErrAlreadyRefunded),
			errors.Is(err, credit.ErrNotRefundable):
		default:
			res.Failed++
			s.logger.Error("stale generation refund failed",
				"generation_id", gen.ID,
				"user_id", gen.UserID,
				"error", err,
			)
		}
	}

	users := make([]string, 0, len(touched))
	for id := range touched {
		users = append(users, id)
	}
	sort.Strings(users)

	for _, userID := range users {
		rec, err := s.ledger.Reconcile(ctx, userID)
		if err != nil {
			s.logger.Error("balance reconcile failed",
				"user_id", userID,
				"error", err,
			)
			continue
		}
		res.Reconciled++
		if rec.Repaired {
			res.Repaired++
		}
	}

	return res, nil
}

// Start schedules the sweep. Overlapping runs are skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	logger := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(
			cron.Recover(logger),
			cron.SkipIfStillRunning(logger),
		),
	)

	_, err := s.cron.AddFunc(s.schedule, func() {
		res, err := s.RunOnce(ctx)
		if err != nil {
			s.logger.Error("reconcile sweep failed", "error", err)
			return
		}
		if res.Stale > 0 || res.Repaired > 0 {
			s.logger.Info("reconcile sweep finished",
				"stale", res.Stale,
				"refunded", res.Refunded,
				"failed", res.Failed,
				"repaired", res.Repaired,
			)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info("reconcile sweep scheduled",
		"schedule", s.schedule,
		"stale_after", s.staleAfter,
	)

	return nil
}

// Stop waits for a running sweep to finish or ctx to expire.
func (s *Sweeper) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}

	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
