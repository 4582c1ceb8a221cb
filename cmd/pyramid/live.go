package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quantarch/pyramid/internal/broker"
	"github.com/quantarch/pyramid/internal/clock"
	"github.com/quantarch/pyramid/internal/config"
	"github.com/quantarch/pyramid/internal/engine"
	"github.com/quantarch/pyramid/internal/execution"
	"github.com/quantarch/pyramid/internal/ha"
	"github.com/quantarch/pyramid/internal/log"
	"github.com/quantarch/pyramid/internal/metrics"
	"github.com/quantarch/pyramid/internal/persistence/postgres"
	"github.com/quantarch/pyramid/internal/pipeline"
	"github.com/quantarch/pyramid/internal/portfolio"
	"github.com/quantarch/pyramid/internal/recovery"
	"github.com/quantarch/pyramid/internal/scheduler"
	"github.com/quantarch/pyramid/internal/validation"
)

// soloLeader stands in for the coordinator when HA is disabled: a single
// instance is always its own leader.
type soloLeader struct{}

func (soloLeader) IsLeader() bool     { return true }
func (soloLeader) InstanceID() string { return "solo" }
func (soloLeader) LeaderInfo(context.Context) (ha.LeaderInfo, error) {
	return ha.LeaderInfo{LeaseHolder: "solo", DBLeader: "solo", InstanceID: "solo", IsSelf: true, IsLeader: true}, nil
}

func runLive(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := log.Setup(cfg.Logging)
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	clk := clock.System{}

	db, err := postgres.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		return err
	}
	store := postgres.New(db, cfg.Database.StatementTimeout, logger)
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	state := portfolio.NewState(cfg.Portfolio.InitialCapital, cfg.InstrumentSpecs())
	loader := recovery.NewLoader(store, cfg.InstrumentSpecs(), logger)
	loader.DegradedStart = cfg.Database.AllowDegradedStart
	if err := loader.LoadState(ctx, state, cfg.Portfolio.InitialCapital); err != nil {
		return err
	}

	var (
		leadership     engine.Leadership
		leaderReporter pipeline.LeaderReporter
		coordinator    *ha.Coordinator
	)
	if cfg.HA.Enabled {
		coordinator, err = ha.NewCoordinator(rdb, store, cfg.HA, clk, m, logger)
		if err != nil {
			return err
		}
		coordinator.Start(ctx)
		leadership = coordinator
		leaderReporter = coordinator
	} else {
		logger.Warn().Msg("ha disabled, running as a standing leader")
		leadership = soloLeader{}
		leaderReporter = soloLeader{}
	}

	gateway := broker.NewHTTPClient(cfg.Broker.BaseURL, cfg.Broker.APIKey, cfg.Broker.QuoteTimeout, logger)
	executor, err := execution.New(cfg.Execution.Strategy, gateway, execution.Config{
		FillTimeout:             cfg.Execution.FillTimeout,
		PollInterval:            cfg.Broker.PollInterval,
		PartialFillPolicy:       execution.PartialFillPolicy(cfg.Execution.PartialFillPolicy),
		PartialFillWaitTimeout:  cfg.Execution.PartialFillWaitTimeout,
		TighteningInterval:      cfg.Execution.TighteningInterval,
		TighteningStep:          cfg.Execution.TighteningStep,
		MaxAttempts:             cfg.Execution.MaxAttempts,
		ReattemptSlippagePct:    cfg.Execution.ReattemptSlippagePct,
		MaxReattemptSlippagePct: cfg.Execution.MaxReattemptSlippagePct,
	}, logger)
	if err != nil {
		return err
	}

	validator := validation.New(gateway, cfg.Validation, clk, m, logger)
	eng := engine.New(cfg, state, store, validator, executor, leadership, clk, m, logger)

	jobs := scheduler.New(scheduler.Config{LogRetention: cfg.Pipeline.LogRetention},
		eng, state, gateway, store, leadership, logger)
	if err := jobs.Start(); err != nil {
		return err
	}

	server := pipeline.NewServer(cfg, eng, store, rdb, leaderReporter, clk, m, registry, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info().Str("mode", "live").Msg("portfolio manager running")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Shutdown order: stop intake, stop jobs, then release the lease so a
	// standby can take over only after this instance stopped trading.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	jobs.Stop()
	if coordinator != nil {
		coordinator.Stop(shutdownCtx)
	}
	logger.Info().Msg("portfolio manager stopped")
	return nil
}
