// Command ledger-admin is the operator tool for the investment ledger:
// migrations, reconciliation, audit queries, token and admin management.
package main

import (
	"context"
	"fmt"
	"os"

	"investment-ledger/config"
	"investment-ledger/internal/database"
	"investment-ledger/internal/logging"
	"investment-ledger/internal/vault"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "ledger-admin",
	Short: "Operate the investment ledger",
	Long: `ledger-admin runs operator tasks against the ledger store: schema
migrations, reconciliation passes, audit queries, admin accounts and the
tokens the API and payment gateway authenticate with.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.json", "Path to the ledger config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env is what most commands need: the resolved config, a logger and the store.
type env struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  database.Store
	close  func()
}

// loadConfig reads the config file and overlays Vault secrets when enabled.
func loadConfig(ctx context.Context) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadFrom(configFile)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}

	level := "WARN"
	if verbose {
		level = "DEBUG"
	}
	logger, _ := logging.New(&logging.Config{Level: level, Output: "stderr", Component: "ledger-admin"})

	vc, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		return nil, logger, err
	}
	if vc.IsEnabled() {
		secrets, err := vc.LoadSecrets(ctx)
		if err != nil {
			return nil, logger, err
		}
		vault.Apply(cfg, secrets)
	}
	return cfg, logger, nil
}

// openEnv loads config and opens the store without migrating it.
func openEnv(ctx context.Context) (*env, error) {
	cfg, logger, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	store, closeStore, err := database.Open(ctx, cfg.DatabaseConfig, false, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &env{cfg: cfg, logger: logger, store: store, close: closeStore}, nil
}
