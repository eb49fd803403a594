package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"basnya/ingestion/internal/config"
	"basnya/ingestion/internal/ingest"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Jobs is the work the scheduler triggers
type Jobs interface {
	TrackDates(ctx context.Context, lastNDays int) (int64, error)
	ProcessPending(ctx context.Context) (ingest.Summary, error)
}

// Scheduler runs date tracking and pending-date processing on cron schedules.
// Mirrors the daily deployments: track at 08:25, process at 09:25.
type Scheduler struct {
	cfg      *config.Config
	jobs     Jobs
	cron     *cron.Cron
	stopChan chan struct{}
	wg       sync.WaitGroup

	// runMu keeps at most one job touching the ledger at a time
	runMu sync.Mutex
}

// NewScheduler creates a new scheduler instance
func NewScheduler(cfg *config.Config, jobs Jobs) *Scheduler {
	logger := cronLogger{}
	return &Scheduler{
		cfg:  cfg,
		jobs: jobs,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		stopChan: make(chan struct{}),
	}
}

// Start registers the cron jobs and starts the scheduler
func (s *Scheduler) Start(ctx context.Context) error {
	log.Info().Msg("Scheduler starting...")

	if _, err := s.cron.AddFunc(s.cfg.TrackDatesCron, func() { s.runTrack(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule date tracking: %w", err)
	}
	if _, err := s.cron.AddFunc(s.cfg.ProcessPendingCron, func() { s.runProcess(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule pending date processing: %w", err)
	}

	s.cron.Start()
	log.Info().
		Str("track_schedule", s.cfg.TrackDatesCron).
		Str("process_schedule", s.cfg.ProcessPendingCron).
		Int("last_n_days", s.cfg.LastNDays).
		Msg("Ingestion jobs scheduled")

	if s.cfg.RunOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			log.Info().Msg("Running initial track and process...")
			s.runTrack(ctx)
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			default:
			}
			s.runProcess(ctx)
		}()
	}

	return nil
}

// Stop stops the scheduler and waits for running jobs to finish
func (s *Scheduler) Stop() {
	log.Info().Msg("Stopping scheduler...")

	close(s.stopChan)
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()

	log.Info().Msg("Scheduler stopped")
}

// Entries returns the next run time of every scheduled job
func (s *Scheduler) Entries() []time.Time {
	entries := s.cron.Entries()
	next := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		next = append(next, e.Next)
	}
	return next
}

func (s *Scheduler) runTrack(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	log.Info().Int("last_n_days", s.cfg.LastNDays).Msg("Running date tracking...")
	if _, err := s.jobs.TrackDates(ctx, s.cfg.LastNDays); err != nil {
		log.Error().Err(err).Msg("Date tracking failed")
	}
}

func (s *Scheduler) runProcess(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	log.Info().Msg("Processing pending dates...")
	summary, err := s.jobs.ProcessPending(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Pending date processing stopped")
		return
	}
	for _, dateErr := range summary.Errors {
		log.Warn().Err(dateErr).Msg("Date left pending")
	}
}

// cronLogger routes cron's own messages through zerolog
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
