package usecase

import (
	"context"
	"time"

	"equiaudit/internal/domain"
)

type Clock func() time.Time

// LedgerStore persists audit records. Append holds the store's exclusive
// write lock across reading the tail, calling build and durably writing the
// returned record; build receives nil when the ledger is empty. No store
// exposes update or delete.
type LedgerStore interface {
	Append(ctx context.Context, build func(prev *domain.AuditRecord) (domain.AuditRecord, error)) (domain.AuditRecord, error)
	List(ctx context.Context) ([]domain.AuditRecord, error)
	Head(ctx context.Context) (*domain.AuditRecord, error)
}

type ExportRunRepository interface {
	Save(ctx context.Context, run domain.ExportRun) error
	Get(ctx context.Context, runID string) (*domain.ExportRun, error)
}

type SchemaValidator interface {
	Validate(payload any, schemaID string) (domain.ValidationResult, error)
}

// PolicyEvaluator runs compliance rules over a payload that already passed
// schema validation.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, schemaID string, payload any) ([]domain.Violation, error)
}

type ManifestBuilder interface {
	Build(artifacts []domain.Artifact, chainHead string) (domain.Manifest, error)
	Verify(manifest domain.Manifest, artifacts []domain.Artifact) domain.ManifestVerification
}

// PackWriter writes a sealed archive to path and must refuse to replace an
// existing file.
type PackWriter interface {
	WritePack(ctx context.Context, path string, manifest domain.Manifest, files []domain.Artifact) error
}

type PackReader interface {
	ReadPack(ctx context.Context, path string) (domain.AuditPack, error)
}

// ExportObserver receives export outcomes, typically for metrics.
type ExportObserver interface {
	ObserveExport(state domain.ExportState, elapsed time.Duration)
	ObserveViolations(schemaID string, count int)
}

type IntervalEstimator interface {
	Interval(successes, trials int64) (lower, upper float64, ok bool)
	Method() string
}
