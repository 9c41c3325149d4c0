package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"equiaudit/internal/app"
	"equiaudit/internal/config"
)

var (
	cfgFile       string
	ledgerBackend string
	ledgerPath    string
)

func main() {
	err := rootCmd.Execute()
	closeApp()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "equiaudit",
	Short:         "Seal, inspect and verify compliance AuditPacks",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (environment variables override it)")
	rootCmd.PersistentFlags().StringVar(&ledgerBackend, "ledger-backend", "", "ledger backend: file, postgres or memory")
	rootCmd.PersistentFlags().StringVar(&ledgerPath, "ledger", "", "ledger file path for the file backend")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(packCmd)
}

var current *app.App

// loadApp builds the application once per invocation from config, env and
// command-line overrides.
func loadApp(ctx context.Context) (*app.App, error) {
	if current != nil {
		return current, nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if ledgerBackend != "" {
		cfg.LedgerBackend = ledgerBackend
	}
	if ledgerPath != "" {
		cfg.LedgerPath = ledgerPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := app.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, logger, nil)
	if err != nil {
		return nil, err
	}
	current = a
	return a, nil
}

func closeApp() {
	if current == nil {
		return
	}
	_ = current.Logger.Sync()
	_ = current.Close()
	current = nil
}
