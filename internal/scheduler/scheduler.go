// Package scheduler runs background jobs on cron schedules, used by the
// serve command for periodic validation sweeps.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/iceberg-data/remediation/internal/domain"
	"github.com/iceberg-data/remediation/internal/engine"
)

// Job represents a scheduled job
type Job interface {
	Run() error
	Name() string
}

// Scheduler manages background jobs
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New creates a new scheduler
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a job with a cron schedule ("@daily", "0 2 * * *", ...)
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.log.Debug().Str("job", job.Name()).Msg("Running job")
		if err := job.Run(); err != nil {
			s.log.Error().Err(err).Str("job", job.Name()).Msg("Job failed")
			return
		}
		s.log.Debug().Str("job", job.Name()).Msg("Job completed")
	})
	if err != nil {
		return fmt.Errorf("adding job %s: %w", job.Name(), err)
	}
	s.log.Info().Str("job", job.Name()).Str("schedule", schedule).Msg("Job registered")
	return nil
}

// ValidationJob sweeps the most recent trading days of each configured
// symbol and logs discrepancy counts. It never writes.
type ValidationJob struct {
	validator *engine.Validator
	symbols   []string
	lookback  int // days
	log       zerolog.Logger
}

func NewValidationJob(validator *engine.Validator, symbols []string, lookbackDays int, log zerolog.Logger) *ValidationJob {
	return &ValidationJob{
		validator: validator,
		symbols:   symbols,
		lookback:  lookbackDays,
		log:       log.With().Str("component", "validation_job").Logger(),
	}
}

func (j *ValidationJob) Name() string { return "scheduled_validation" }

func (j *ValidationJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
	defer cancel()

	to := time.Now().AddDate(0, 0, -1)
	from := to.AddDate(0, 0, -j.lookback)

	for _, symbol := range j.symbols {
		reports, err := j.validator.ValidateRange(ctx, symbol, domain.ModeCurrent, from, to)
		if err != nil {
			return fmt.Errorf("validating %s: %w", symbol, err)
		}
		total := 0
		for _, r := range reports {
			total += len(r.Discrepancies)
		}
		j.log.Info().
			Str("symbol", symbol).
			Int("days", len(reports)).
			Int("discrepancies", total).
			Msg("scheduled validation sweep finished")
	}
	return nil
}
