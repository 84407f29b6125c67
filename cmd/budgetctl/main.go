package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amerfu/llmbudget/cmd/budgetctl/commands"
	"github.com/amerfu/llmbudget/internal/config"
	"github.com/amerfu/llmbudget/internal/database"
	"github.com/amerfu/llmbudget/internal/services/budget"
	"github.com/amerfu/llmbudget/internal/services/pricing"
)

var (
	cfgDir     string
	dbURL      string
	apiURL     string
	apiKey     string
	outputJSON bool
	verbose    bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "budgetctl",
		Short: "LLM budget management CLI",
		Long: `Manage per-user LLM spend budgets.
Supports direct database access (--db-url) and remote access through the admin API (--api-url).`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgDir, "config", "", "directory containing config.yaml")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", "", "database URL for direct access (postgres:// or sqlite file)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API base URL for remote access")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "master key for remote access")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "verbose output")

	ctx := context.Background()
	commands.Register(ctx, rootCmd)
	rootCmd.AddCommand(commands.NewConfigCommand())

	return rootCmd
}

func initConfig() error {
	if apiKey == "" {
		apiKey = os.Getenv("LLMBUDGET_MASTER_KEY")
	}

	if dbURL != "" {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		commands.SetEngine(engine)
	}

	if apiURL != "" {
		commands.SetAPIConfig(strings.TrimRight(apiURL, "/"), apiKey)
	}

	commands.SetOutputJSON(outputJSON)
	commands.SetVerbose(verbose)

	return nil
}

func openEngine() (*budget.Engine, error) {
	cfg, err := config.Load(cfgDir)
	if err != nil {
		return nil, err
	}

	log := zap.NewNop()
	if verbose {
		if log, err = zap.NewDevelopment(); err != nil {
			return nil, err
		}
	}

	db, err := database.Open(&database.Config{
		Driver:   driverFor(dbURL),
		DSN:      dbURL,
		LogLevel: database.ParseLogLevel(cfg.Database.LogLevel),
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	table, err := pricing.FromConfig(cfg.Pricing)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Budget.Location()
	if err != nil {
		return nil, err
	}

	return budget.NewEngine(budget.Config{
		Store:               budget.NewGormStore(db),
		Pricing:             table,
		Logger:              log,
		DefaultDailyLimit:   &cfg.Budget.DefaultDailyLimit,
		DefaultMonthlyLimit: &cfg.Budget.DefaultMonthlyLimit,
		Location:            loc,
		StoreTimeout:        10 * time.Second,
		StatsWindow:         cfg.Budget.StatsWindow,
	})
}

func driverFor(url string) string {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") ||
		strings.Contains(url, "host=") {
		return database.DriverPostgres
	}
	return database.DriverSQLite
}
