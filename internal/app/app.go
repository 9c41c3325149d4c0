// Package app wires configuration into the ledger, validators and export
// builder shared by the auditd service and the equiaudit CLI.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"equiaudit/internal/config"
	"equiaudit/internal/infra/bundles"
	cryptoinfra "equiaudit/internal/infra/crypto"
	"equiaudit/internal/infra/db"
	"equiaudit/internal/infra/ledgerfile"
	"equiaudit/internal/infra/ledgermem"
	"equiaudit/internal/infra/manifest"
	"equiaudit/internal/infra/policyopa"
	"equiaudit/internal/infra/schema"
	"equiaudit/internal/infra/stats"
	"equiaudit/internal/usecase"
)

type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Digester cryptoinfra.Digester
	Ledger   *usecase.Ledger
	Runs     usecase.ExportRunRepository
	Exports  *usecase.ExportBuilder
	Packs    *bundles.Store
	Verifier *usecase.PackVerifier

	closers []func() error
}

func NewLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
	}
	cfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// New opens the configured ledger backend and assembles the export builder.
// observer may be nil.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, observer usecase.ExportObserver) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	digester, err := cfg.Digester()
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, Digester: digester}

	store, err := a.openLedgerStore(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Ledger = usecase.NewLedger(store, digester, nil, logger)

	validator, err := schema.NewValidator(cfg.SchemaDir)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("load schemas: %w", err)
	}
	engine, err := policyopa.NewEngine(ctx, cfg.PolicyDir)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("load compliance policy: %w", err)
	}
	logger.Info("compliance policy loaded", zap.String("bundle_hash", engine.BundleHash()))

	manifests := manifest.NewBuilder(digester)
	a.Packs = bundles.NewStore()
	a.Exports = &usecase.ExportBuilder{
		Ledger:        a.Ledger,
		Validator:     validator,
		Policy:        engine,
		Manifests:     manifests,
		Packs:         a.Packs,
		Runs:          a.Runs,
		Estimator:     stats.NewWilson(),
		Observer:      observer,
		Logger:        logger,
		OutputDir:     cfg.OutputDir,
		ExportVersion: cfg.ExportVersion,
	}
	a.Verifier = &usecase.PackVerifier{
		Packs:     a.Packs,
		Manifests: manifests,
		Digester:  digester,
	}
	return a, nil
}

func (a *App) openLedgerStore(ctx context.Context) (usecase.LedgerStore, error) {
	switch a.Config.LedgerBackend {
	case config.LedgerBackendFile:
		store, err := ledgerfile.Open(a.Config.LedgerPath, a.Logger)
		if err != nil {
			return nil, err
		}
		a.Runs = ledgermem.NewRunIndex()
		return store, nil
	case config.LedgerBackendPostgres:
		pg, err := db.NewStore(a.Config.PostgresDSN, a.Logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.Runs = db.NewExportRunRepository(pg.DB)
		return db.NewLedgerStore(pg.DB, db.DefaultLedgerID), nil
	case config.LedgerBackendMemory:
		a.Runs = ledgermem.NewRunIndex()
		return ledgermem.New(), nil
	default:
		return nil, fmt.Errorf("unsupported ledger backend %q", a.Config.LedgerBackend)
	}
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
