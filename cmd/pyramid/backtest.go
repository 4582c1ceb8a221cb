package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/quantarch/pyramid/internal/backtest"
	"github.com/quantarch/pyramid/internal/config"
	"github.com/quantarch/pyramid/internal/log"
)

func runBacktest(ctx context.Context, cfg *config.Config, streamPath string, slippage float64) error {
	logger := log.Setup(cfg.Logging)

	stream, err := backtest.OpenStream(streamPath)
	if err != nil {
		return err
	}
	defer stream.Close()

	runner := backtest.NewRunner(cfg, slippage, logger)
	report, err := runner.Run(ctx, stream)
	if err != nil {
		return err
	}

	logger.Info().
		Int("signals", report.Signals).
		Int("parse_errors", report.ParseErrors).
		Float64("final_equity", report.FinalEquity).
		Int("open_legs", report.OpenLegs).
		Msg("backtest finished")

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
