// Package scheduler runs the engine's periodic jobs: the trailing-stop
// sweep against fresh broker quotes and signal-log retention pruning.
// Jobs only act on the leader; followers keep the cron warm but no-op.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/quantarch/pyramid/internal/broker"
	"github.com/quantarch/pyramid/internal/domain"
	"github.com/quantarch/pyramid/internal/engine"
	"github.com/quantarch/pyramid/internal/persistence"
)

// StopSweeper is the slice of the engine the sweep job needs.
type StopSweeper interface {
	UpdateTrailingStops(ctx context.Context, marks map[domain.Instrument]engine.Mark) int
}

// Book lists the open legs whose instruments need quotes.
type Book interface {
	OpenPositions() []domain.Position
}

// Leadership gates job execution to the active instance.
type Leadership interface {
	IsLeader() bool
}

// Config holds the cron expressions and retention window.
type Config struct {
	// StopSweepSchedule drives the trailing-stop job. Default every minute.
	StopSweepSchedule string `yaml:"stop_sweep_schedule"`

	// PruneSchedule drives signal-log pruning. Default 03:30 UTC daily.
	PruneSchedule string `yaml:"prune_schedule"`

	LogRetention time.Duration `yaml:"log_retention"`
}

// DefaultConfig returns production schedules.
func DefaultConfig() Config {
	return Config{
		StopSweepSchedule: "* * * * *",
		PruneSchedule:     "30 3 * * *",
		LogRetention:      30 * 24 * time.Hour,
	}
}

// Scheduler owns the cron instance and the job closures.
type Scheduler struct {
	cfg    Config
	cron   *cron.Cron
	engine StopSweeper
	book   Book
	quotes broker.Client
	log    persistence.SignalLog
	leader Leadership
	logger zerolog.Logger
}

// New wires the scheduler; Start registers and launches the jobs.
func New(cfg Config, eng StopSweeper, book Book, quotes broker.Client,
	signalLog persistence.SignalLog, leader Leadership, logger zerolog.Logger) *Scheduler {

	if cfg.StopSweepSchedule == "" {
		cfg.StopSweepSchedule = "* * * * *"
	}
	if cfg.PruneSchedule == "" {
		cfg.PruneSchedule = "30 3 * * *"
	}
	if cfg.LogRetention <= 0 {
		cfg.LogRetention = 30 * 24 * time.Hour
	}

	return &Scheduler{
		cfg:    cfg,
		cron:   cron.New(cron.WithLocation(time.UTC)),
		engine: eng,
		book:   book,
		quotes: quotes,
		log:    signalLog,
		leader: leader,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers the jobs and launches the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.StopSweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.SweepTrailingStops(ctx)
	}); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc(s.cfg.PruneSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		s.PruneSignalLog(ctx)
	}); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info().
		Str("stop_sweep", s.cfg.StopSweepSchedule).
		Str("prune", s.cfg.PruneSchedule).
		Msg("scheduler started")
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// SweepTrailingStops quotes every instrument with open legs and feeds the
// closes into the trailing ratchet. ATR is left to each leg's entry ATR.
func (s *Scheduler) SweepTrailingStops(ctx context.Context) int {
	if !s.leader.IsLeader() {
		return 0
	}

	instruments := make(map[domain.Instrument]struct{})
	for _, p := range s.book.OpenPositions() {
		instruments[p.Instrument] = struct{}{}
	}
	if len(instruments) == 0 {
		return 0
	}

	marks := make(map[domain.Instrument]engine.Mark, len(instruments))
	for instrument := range instruments {
		quote, err := s.quotes.GetQuote(ctx, instrument)
		if err != nil {
			s.logger.Warn().Err(err).
				Str("instrument", string(instrument)).
				Msg("quote fetch failed, skipping instrument this sweep")
			continue
		}
		marks[instrument] = engine.Mark{Close: quote.Price}
	}
	if len(marks) == 0 {
		return 0
	}

	advanced := s.engine.UpdateTrailingStops(ctx, marks)
	if advanced > 0 {
		s.logger.Info().Int("advanced", advanced).Msg("trailing stops advanced")
	}
	return advanced
}

// PruneSignalLog deletes audit rows past the retention window.
func (s *Scheduler) PruneSignalLog(ctx context.Context) {
	if !s.leader.IsLeader() {
		return
	}

	deleted, err := s.log.PruneSignalLog(ctx, s.cfg.LogRetention)
	if err != nil {
		s.logger.Warn().Err(err).Msg("signal log prune failed")
		return
	}
	if deleted > 0 {
		s.logger.Info().Int64("deleted", deleted).Msg("signal log pruned")
	}
}
