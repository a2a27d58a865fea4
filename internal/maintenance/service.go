// Package maintenance provides scheduled standings reconciliation for tally.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/tally/pkg/models"
)

// Service runs the reconciler on a fixed interval over the live periods.
type Service struct {
	log             zerolog.Logger
	lastRunTime     time.Time
	lastErr         error
	reconciler      *Reconciler
	periods         []models.PeriodKind
	stopCh          chan struct{}
	doneCh          chan struct{}
	interval        time.Duration
	lastRunDuration time.Duration
	totalRuns       int64
	totalRepaired   int64
	totalAhead      int64
	mu              sync.Mutex
	runMu           sync.Mutex
	running         bool
}

// NewService creates a maintenance service. A non-positive interval keeps
// the scheduler off; RunNow still works.
func NewService(reconciler *Reconciler, periods []models.PeriodKind, interval time.Duration, log zerolog.Logger) *Service {
	return &Service{
		reconciler: reconciler,
		periods:    periods,
		interval:   interval,
		log:        log.With().Str("component", "maintenance").Logger(),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start runs the maintenance loop until ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(s.doneCh)
	}()

	if s.interval <= 0 {
		s.log.Info().Msg("Reconciliation disabled, not starting scheduler")
		return
	}

	s.log.Info().Dur("interval", s.interval).Msg("Starting reconciliation scheduler")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Maintenance shutting down due to context cancellation")
			return
		case <-s.stopCh:
			s.log.Info().Msg("Maintenance shutting down due to stop signal")
			return
		case <-ticker.C:
			if _, err := s.RunNow(ctx, false); err != nil {
				s.log.Error().Err(err).Msg("Reconciliation run failed")
			}
		}
	}
}

// Stop signals the maintenance loop to stop.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Wait waits for the maintenance loop to finish. It must follow Start.
func (s *Service) Wait() {
	<-s.doneCh
}

// RunNow reconciles the live periods immediately. Runs are serialized.
func (s *Service) RunNow(ctx context.Context, dryRun bool) ([]Report, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := time.Now()
	reports, err := s.reconciler.Reconcile(ctx, CurrentPeriods(s.periods, start), dryRun)

	var repaired, ahead int64
	for _, r := range reports {
		repaired += int64(r.Repaired())
		for _, d := range r.Drifts {
			if d.Ahead {
				ahead++
			}
		}
	}

	s.mu.Lock()
	s.lastRunTime = time.Now()
	s.lastRunDuration = time.Since(start)
	s.lastErr = err
	s.totalRuns++
	s.totalRepaired += repaired
	s.totalAhead += ahead
	s.mu.Unlock()

	s.log.Info().
		Dur("duration", time.Since(start)).
		Int64("repaired", repaired).
		Int64("ahead", ahead).
		Bool("dry_run", dryRun).
		Msg("Reconciliation run completed")

	return reports, err
}

// Stats returns maintenance statistics.
func (s *Service) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	lastErr := ""
	if s.lastErr != nil {
		lastErr = s.lastErr.Error()
	}
	return map[string]any{
		"enabled":          s.interval > 0,
		"interval_seconds": s.interval.Seconds(),
		"settle_seconds":   s.reconciler.settle.Seconds(),
		"last_run":         s.lastRunTime,
		"last_duration_ms": s.lastRunDuration.Milliseconds(),
		"last_error":       lastErr,
		"total_runs":       s.totalRuns,
		"total_repaired":   s.totalRepaired,
		"total_ahead":      s.totalAhead,
		"running":          s.running,
	}
}
