package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"equiaudit/internal/domain"
	cryptoinfra "equiaudit/internal/infra/crypto"
)

var dataCutPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

type ExportRequest struct {
	StudyID    string
	DataCut    string
	Actor      string
	Kinds      []domain.ExportKind
	Input      domain.CanonicalDataset
	Goals      []domain.GoalSpec
	Card       *domain.CardDescriptor
	Signers    []domain.Signer
	Milestones []string
	// CanonicalCopy, when set, is sealed into the pack as canonical/input.csv.
	CanonicalCopy []byte
}

type ArtifactRecord struct {
	Name        string `json:"name"`
	SchemaID    string `json:"schema_id"`
	ContentHash string `json:"content_hash"`
	Sequence    int64  `json:"sequence"`
}

type ArtifactViolations struct {
	Artifact   string             `json:"artifact"`
	SchemaID   string             `json:"schema_id"`
	Violations []domain.Violation `json:"violations"`
}

type ExportResult struct {
	RunID       string               `json:"run_id"`
	State       domain.ExportState   `json:"state"`
	Artifacts   []ArtifactRecord     `json:"artifacts,omitempty"`
	Manifest    *domain.Manifest     `json:"manifest,omitempty"`
	ArchivePath string               `json:"archive_path,omitempty"`
	ChainHead   string               `json:"chain_head,omitempty"`
	Violations  []ArtifactViolations `json:"violations,omitempty"`
	// Records are the ledger events appended by this run, in order.
	Records []domain.AuditRecord `json:"records,omitempty"`
}

// ExportBuilder runs one export: collect payloads, validate them, then seal
// payloads and ledger snapshot into an AuditPack. Payload assembly and
// validation run concurrently across calls; sealing is serialized.
type ExportBuilder struct {
	Ledger    *Ledger
	Validator SchemaValidator
	Policy    PolicyEvaluator
	Manifests ManifestBuilder
	Packs     PackWriter
	Runs      ExportRunRepository
	Estimator IntervalEstimator
	Observer  ExportObserver
	Logger    *zap.Logger
	Clock     Clock

	OutputDir     string
	ExportVersion string
	NewRunID      func() string

	sealMu sync.Mutex
}

type builtPayload struct {
	Kind      domain.ExportKind
	Spec      kindSpec
	Canonical []byte
	Hash      string
}

func (b *ExportBuilder) Execute(ctx context.Context, req ExportRequest) (*ExportResult, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	req, err := normalizeRequest(req)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	result := &ExportResult{RunID: b.newRunID(), State: domain.ExportStateCollecting}
	logger := b.logger().With(zap.String("run_id", result.RunID))

	payloads, err := b.collect(req)
	if err != nil {
		logger.Info("export rejected during collection", zap.Error(err))
		return nil, err
	}

	result.State = domain.ExportStateValidating
	failures, err := b.validate(ctx, payloads)
	if err != nil {
		logger.Info("export rejected during validation", zap.Error(err))
		return nil, err
	}
	if len(failures) > 0 {
		err := b.recordValidationFailure(ctx, req, result, failures)
		b.finish(ctx, req, result, err, started, logger)
		return result, err
	}

	result.State = domain.ExportStateSealing
	err = b.seal(ctx, req, payloads, result, logger)
	b.finish(ctx, req, result, err, started, logger)
	if err != nil {
		return result, err
	}
	return result, nil
}

func (b *ExportBuilder) ready() error {
	if b == nil || b.Ledger == nil {
		return errors.New("export builder requires a ledger")
	}
	if b.Validator == nil {
		return errors.New("export builder requires a schema validator")
	}
	if b.Manifests == nil || b.Packs == nil {
		return errors.New("export builder requires a manifest builder and pack writer")
	}
	return nil
}

func normalizeRequest(req ExportRequest) (ExportRequest, error) {
	if req.StudyID == "" {
		return req, fmt.Errorf("%w: study_id is required", domain.ErrInvalidRequest)
	}
	if !dataCutPattern.MatchString(req.DataCut) {
		return req, fmt.Errorf("%w: data_cut %q must match %s", domain.ErrInvalidRequest, req.DataCut, dataCutPattern.String())
	}
	if len(req.Kinds) == 0 {
		return req, fmt.Errorf("%w: at least one export kind is required", domain.ErrInvalidRequest)
	}
	seen := make(map[domain.ExportKind]struct{}, len(req.Kinds))
	for _, kind := range req.Kinds {
		if _, ok := kindSpecs[kind]; !ok {
			return req, fmt.Errorf("%w: unknown export kind %q", domain.ErrInvalidRequest, kind)
		}
		if _, ok := seen[kind]; ok {
			return req, fmt.Errorf("%w: export kind %q requested twice", domain.ErrInvalidRequest, kind)
		}
		seen[kind] = struct{}{}
	}
	if req.Actor == "" {
		req.Actor = domain.ActorSystem
	}
	return req, nil
}

func (b *ExportBuilder) collect(req ExportRequest) ([]builtPayload, error) {
	meta := exportMeta(b.ExportVersion)
	var summary subgroupSummary
	for _, kind := range req.Kinds {
		if kind != domain.ExportKindDAP {
			continue
		}
		s, err := summarize(req.Input, req.Goals, b.Estimator)
		if err != nil {
			return nil, err
		}
		summary = s
	}

	payloads := make([]builtPayload, 0, len(req.Kinds))
	for _, kind := range req.Kinds {
		var doc any
		switch kind {
		case domain.ExportKindDAP:
			doc = buildDAP(req, summary, meta)
		case domain.ExportKindHTI1:
			doc = buildHTI1(req, meta)
		case domain.ExportKindSignatures:
			doc = buildSignatures(req, meta)
		}
		canonical, err := cryptoinfra.CanonicalizeAny(doc)
		if err != nil {
			return nil, fmt.Errorf("serialize %s payload: %w", kind, err)
		}
		payloads = append(payloads, builtPayload{
			Kind:      kind,
			Spec:      kindSpecs[kind],
			Canonical: canonical,
			Hash:      b.digester().Sum(canonical),
		})
	}
	return payloads, nil
}

// validate runs the schema gate and, for payloads that pass it, the
// compliance rules. Every failing artifact is reported.
func (b *ExportBuilder) validate(ctx context.Context, payloads []builtPayload) ([]ArtifactViolations, error) {
	var failures []ArtifactViolations
	for _, p := range payloads {
		doc := json.RawMessage(p.Canonical)
		result, err := b.Validator.Validate(doc, p.Spec.SchemaID)
		if err != nil {
			return nil, err
		}
		violations := result.Violations
		if result.OK && b.Policy != nil {
			violations, err = b.Policy.Evaluate(ctx, p.Spec.SchemaID, doc)
			if err != nil {
				return nil, fmt.Errorf("evaluate compliance rules for %s: %w", p.Spec.Artifact, err)
			}
		}
		if len(violations) == 0 {
			continue
		}
		failures = append(failures, ArtifactViolations{
			Artifact:   p.Spec.Artifact,
			SchemaID:   p.Spec.SchemaID,
			Violations: violations,
		})
		if b.Observer != nil {
			b.Observer.ObserveViolations(p.Spec.SchemaID, len(violations))
		}
	}
	return failures, nil
}

func (b *ExportBuilder) recordValidationFailure(ctx context.Context, req ExportRequest, result *ExportResult, failures []ArtifactViolations) error {
	result.State = domain.ExportStateFailed
	result.Violations = failures
	for _, failure := range failures {
		record, err := b.Ledger.Append(ctx, req.Actor, domain.ActionValidationFailed, map[string]any{
			"run_id":     result.RunID,
			"study_id":   req.StudyID,
			"data_cut":   req.DataCut,
			"artifact":   failure.Artifact,
			"schema_id":  failure.SchemaID,
			"violations": failure.Violations,
		})
		if err != nil {
			return err
		}
		result.Records = append(result.Records, record)
	}
	first := failures[0]
	return &domain.ValidationFailedError{
		Artifact:   first.Artifact,
		SchemaID:   first.SchemaID,
		Violations: first.Violations,
	}
}

func (b *ExportBuilder) seal(ctx context.Context, req ExportRequest, payloads []builtPayload, result *ExportResult, logger *zap.Logger) error {
	b.sealMu.Lock()
	defer b.sealMu.Unlock()

	fail := func(err error) error {
		result.State = domain.ExportStateFailed
		return err
	}

	verification, err := b.Ledger.VerifyChain(ctx)
	if err != nil {
		return fail(err)
	}
	if !verification.Valid {
		breakAt := *verification.FirstBreak
		record, appendErr := b.Ledger.Append(ctx, req.Actor, domain.ActionIntegrityFailed, map[string]any{
			"run_id":      result.RunID,
			"first_break": breakAt,
			"reason":      verification.Reason,
		})
		if appendErr != nil {
			logger.Warn("could not record integrity failure", zap.Int64("first_break", breakAt), zap.Error(appendErr))
		} else {
			result.Records = append(result.Records, record)
		}
		return fail(&domain.ChainBreakError{Sequence: breakAt, Reason: verification.Reason})
	}

	files := make([]domain.Artifact, 0, len(payloads)+2)
	artifactNames := make([]string, 0, len(payloads))
	for _, p := range payloads {
		record, err := b.Ledger.Append(ctx, req.Actor, p.Spec.Action, map[string]any{
			"run_id":       result.RunID,
			"study_id":     req.StudyID,
			"data_cut":     req.DataCut,
			"artifact":     p.Spec.Artifact,
			"content_hash": p.Hash,
			"schema_id":    p.Spec.SchemaID,
		})
		if err != nil {
			return fail(err)
		}
		result.Records = append(result.Records, record)
		result.Artifacts = append(result.Artifacts, ArtifactRecord{
			Name:        p.Spec.Artifact,
			SchemaID:    p.Spec.SchemaID,
			ContentHash: p.Hash,
			Sequence:    record.Sequence,
		})
		files = append(files, domain.Artifact{Name: p.Spec.Artifact, Content: p.Canonical})
		artifactNames = append(artifactNames, p.Spec.Artifact)
	}
	if len(req.CanonicalCopy) > 0 {
		artifactNames = append(artifactNames, ArtifactCanonicalCSV)
	}
	artifactNames = append(artifactNames, ArtifactLedger)

	packRecord, err := b.Ledger.Append(ctx, req.Actor, domain.ActionExportAuditPack, map[string]any{
		"run_id":    result.RunID,
		"study_id":  req.StudyID,
		"data_cut":  req.DataCut,
		"artifacts": artifactNames,
	})
	if err != nil {
		return fail(err)
	}
	result.Records = append(result.Records, packRecord)

	snapshot, err := b.Ledger.SnapshotThrough(ctx, packRecord.Sequence)
	if err != nil {
		return fail(err)
	}
	ledgerFile, err := EncodeSnapshot(snapshot)
	if err != nil {
		return fail(err)
	}
	files = append(files, domain.Artifact{Name: ArtifactLedger, Content: ledgerFile})
	if len(req.CanonicalCopy) > 0 {
		files = append(files, domain.Artifact{Name: ArtifactCanonicalCSV, Content: append([]byte(nil), req.CanonicalCopy...)})
	}

	m, err := b.Manifests.Build(files, packRecord.RecordHash)
	if err != nil {
		return fail(err)
	}
	result.Manifest = &m
	result.ChainHead = packRecord.RecordHash

	archive := filepath.Join(b.OutputDir, fmt.Sprintf("AuditPack_v1_%s_%d.zip", req.DataCut, packRecord.Sequence))
	if err := b.Packs.WritePack(ctx, archive, m, files); err != nil {
		record, appendErr := b.Ledger.Append(ctx, req.Actor, domain.ActionExportFailed, map[string]any{
			"run_id":  result.RunID,
			"archive": filepath.Base(archive),
			"error":   err.Error(),
		})
		if appendErr != nil {
			logger.Warn("could not record archive failure", zap.Error(appendErr))
		} else {
			result.Records = append(result.Records, record)
		}
		return fail(fmt.Errorf("write audit pack: %w", err))
	}

	sealed, err := b.Ledger.Append(ctx, req.Actor, domain.ActionExportSealed, map[string]any{
		"run_id":        result.RunID,
		"archive":       filepath.Base(archive),
		"manifest_hash": m.ManifestHash,
		"chain_head":    m.ChainHead,
	})
	if err != nil {
		if removeErr := os.Remove(archive); removeErr != nil {
			logger.Warn("could not remove unrecorded archive", zap.String("archive", archive), zap.Error(removeErr))
		}
		return fail(err)
	}
	result.Records = append(result.Records, sealed)
	result.ArchivePath = archive
	result.State = domain.ExportStateSealed
	return nil
}

func (b *ExportBuilder) finish(ctx context.Context, req ExportRequest, result *ExportResult, runErr error, started time.Time, logger *zap.Logger) {
	if result.State != domain.ExportStateSealed {
		result.State = domain.ExportStateFailed
	}
	if b.Observer != nil {
		b.Observer.ObserveExport(result.State, time.Since(started))
	}
	if runErr != nil {
		logger.Warn("export failed", zap.String("state", string(result.State)), zap.Error(runErr))
	} else {
		logger.Info("export sealed",
			zap.String("archive", result.ArchivePath),
			zap.String("manifest_hash", result.Manifest.ManifestHash),
			zap.Int("artifacts", len(result.Manifest.Entries)),
		)
	}
	if b.Runs == nil {
		return
	}
	kinds := make([]string, 0, len(req.Kinds))
	for _, kind := range req.Kinds {
		kinds = append(kinds, string(kind))
	}
	run := domain.ExportRun{
		RunID:       result.RunID,
		StudyID:     req.StudyID,
		DataCut:     req.DataCut,
		State:       result.State,
		Kinds:       kinds,
		ChainHead:   result.ChainHead,
		ArchivePath: result.ArchivePath,
		CreatedAt:   b.now(),
	}
	if result.Manifest != nil {
		run.ManifestHash = result.Manifest.ManifestHash
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if err := b.Runs.Save(ctx, run); err != nil {
		logger.Warn("could not save export run", zap.Error(err))
	}
}

func (b *ExportBuilder) newRunID() string {
	if b.NewRunID != nil {
		return b.NewRunID()
	}
	return uuid.NewString()
}

func (b *ExportBuilder) now() time.Time {
	if b.Clock != nil {
		return b.Clock().UTC()
	}
	return time.Now().UTC()
}

func (b *ExportBuilder) digester() cryptoinfra.Digester {
	if b.Ledger.Digester == nil {
		return cryptoinfra.SHA256
	}
	return b.Ledger.Digester
}

func (b *ExportBuilder) logger() *zap.Logger {
	if b.Logger == nil {
		return zap.NewNop()
	}
	return b.Logger
}
