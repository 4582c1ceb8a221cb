// Command pyramid runs the futures portfolio manager: live trading
// behind the TradingView webhook, signal-stream backtests and a
// dependency health probe.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/quantarch/pyramid/internal/config"
)

const version = "v1.2.0"

func main() {
	// Secrets land in the environment before ${ENV_VAR} expansion runs.
	_ = godotenv.Load()

	var (
		configPath string
		capital    float64
	)

	rootCmd := &cobra.Command{
		Use:     "pyramid",
		Short:   "Pyramiding futures portfolio manager",
		Version: version,
		Long: `Pyramid manages a long-only futures portfolio from TradingView webhook
signals: triple-constraint sizing, gated pyramiding, trailing stops and
leader-elected high availability.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "path to the YAML configuration")
	rootCmd.PersistentFlags().Float64Var(&capital, "capital", 0, "override initial capital")

	liveCmd := &cobra.Command{
		Use:   "live",
		Short: "Run the live trading engine",
		Long:  "Recovers state from the database, joins leader election and serves the webhook.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath, capital)
			if err != nil {
				return err
			}
			return runLive(cmd.Context(), cfg)
		},
	}

	backtestCmd := &cobra.Command{
		Use:   "backtest [signals.jsonl]",
		Short: "Replay a recorded signal stream",
		Long:  "Runs the live engine wiring against a JSONL signal file with a simulated broker.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, capital)
			if err != nil {
				return err
			}
			slippage, err := cmd.Flags().GetFloat64("slippage")
			if err != nil {
				return err
			}
			return runBacktest(cmd.Context(), cfg, args[0], slippage)
		},
	}
	backtestCmd.Flags().Float64("slippage", 0.0005, "adverse fill slippage fraction")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Probe database, redis and broker reachability",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath, capital)
			if err != nil {
				return err
			}
			return runHealth(cmd.Context(), cfg)
		},
	}

	rootCmd.AddCommand(liveCmd, backtestCmd, healthCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the YAML file when present and falls back to defaults
// when the path does not exist, so a fresh checkout can still run a
// backtest.
func loadConfig(path string, capitalOverride float64) (*config.Config, error) {
	var cfg *config.Config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg = config.DefaultConfig()
	} else {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if capitalOverride > 0 {
		cfg.Portfolio.InitialCapital = capitalOverride
	}
	return cfg, nil
}
