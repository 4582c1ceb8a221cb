package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/quantarch/pyramid/internal/broker"
	"github.com/quantarch/pyramid/internal/config"
	"github.com/quantarch/pyramid/internal/domain"
	"github.com/quantarch/pyramid/internal/log"
	"github.com/quantarch/pyramid/internal/persistence/postgres"
)

// runHealth probes each dependency once and reports per-dependency
// status. Exit code is non-zero when any required dependency is down.
func runHealth(ctx context.Context, cfg *config.Config) error {
	logger := log.Setup(cfg.Logging)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	failures := 0

	db, err := postgres.Open(cfg.Database.DSN, 1, 1, time.Minute)
	if err != nil {
		fmt.Printf("database: DOWN (%v)\n", err)
		failures++
	} else {
		store := postgres.New(db, cfg.Database.StatementTimeout, logger)
		if err := store.Ping(ctx); err != nil {
			fmt.Printf("database: DOWN (%v)\n", err)
			failures++
		} else {
			fmt.Println("database: ok")
		}
		store.Close()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		fmt.Printf("redis: DOWN (%v)\n", err)
		failures++
	} else {
		fmt.Println("redis: ok")
	}
	rdb.Close()

	// Broker reachability is advisory: the engine degrades to validation
	// bypass without it.
	if cfg.Broker.BaseURL != "" {
		gateway := broker.NewHTTPClient(cfg.Broker.BaseURL, cfg.Broker.APIKey, cfg.Broker.QuoteTimeout, logger)
		if _, err := gateway.GetQuote(ctx, domain.BankNifty); err != nil {
			fmt.Printf("broker: degraded (%v)\n", err)
		} else {
			fmt.Println("broker: ok")
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d dependencies down", failures)
	}
	return nil
}
