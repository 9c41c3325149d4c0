package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"equiaudit/internal/domain"
	"equiaudit/internal/infra/bundles"
	cryptoinfra "equiaudit/internal/infra/crypto"
	"equiaudit/internal/infra/ledgermem"
	"equiaudit/internal/infra/manifest"
	"equiaudit/internal/infra/policyopa"
	"equiaudit/internal/infra/schema"
	"equiaudit/internal/infra/stats"
)

func testDataset() domain.CanonicalDataset {
	columns := []string{"race", "ethnicity", "sex", "age", "eligible", "contacted", "selected"}
	rows := [][]string{
		{"A", "E", "F", "30", "1", "1", "1"},
		{"A", "E", "F", "40", "1", "0", "0"},
		{"B", "E", "M", "50", "1", "1", "1"},
		{"B", "E", "M", "70", "yes", "no", "no"},
		{"", "", "F", "abc", "1", "1", "0"},
	}
	dataset := domain.CanonicalDataset{Columns: columns}
	for _, values := range rows {
		row := domain.CanonicalRow{}
		for i, col := range columns {
			row[col] = values[i]
		}
		dataset.Rows = append(dataset.Rows, row)
	}
	return dataset
}

func testRequest() ExportRequest {
	return ExportRequest{
		StudyID: "S-1",
		DataCut: "cut1",
		Actor:   "analyst@example.org",
		Kinds:   []domain.ExportKind{domain.ExportKindDAP, domain.ExportKindHTI1, domain.ExportKindSignatures},
		Input:   testDataset(),
		Signers: []domain.Signer{{Name: "Dr. A", Role: "PI", Meaning: "approved", SignedAt: "2026-03-01"}},
	}
}

type exportFixture struct {
	builder *ExportBuilder
	store   LedgerStore
	runs    *ledgermem.RunIndex
	packs   *bundles.Store
	dir     string
}

func newExportFixture(t *testing.T, store LedgerStore) *exportFixture {
	t.Helper()
	if store == nil {
		store = ledgermem.New()
	}
	validator, err := schema.NewValidator("")
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	engine, err := policyopa.NewEngine(context.Background(), "")
	if err != nil {
		t.Fatalf("policy engine: %v", err)
	}
	clock := fixedClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	runs := ledgermem.NewRunIndex()
	packs := bundles.NewStore()
	dir := t.TempDir()
	return &exportFixture{
		builder: &ExportBuilder{
			Ledger:    NewLedger(store, cryptoinfra.SHA256, clock, nil),
			Validator: validator,
			Policy:    engine,
			Manifests: manifest.NewBuilder(cryptoinfra.SHA256),
			Packs:     packs,
			Runs:      runs,
			Estimator: stats.NewWilson(),
			Clock:     clock,
			OutputDir: dir,
			NewRunID:  func() string { return "run-1" },
		},
		store: store,
		runs:  runs,
		packs: packs,
		dir:   dir,
	}
}

func actions(t *testing.T, store LedgerStore) []domain.AuditAction {
	t.Helper()
	records, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	out := make([]domain.AuditAction, 0, len(records))
	for _, record := range records {
		out = append(out, record.Action)
	}
	return out
}

func archives(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.zip"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	return matches
}

func TestExportBuilder_SealsVerifiablePack(t *testing.T) {
	f := newExportFixture(t, nil)
	ctx := context.Background()

	result, err := f.builder.Execute(ctx, testRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.State != domain.ExportStateSealed {
		t.Fatalf("expected sealed, got %s", result.State)
	}
	want := []domain.AuditAction{
		domain.ActionExportDAP,
		domain.ActionExportHTI1,
		domain.ActionExportSignatures,
		domain.ActionExportAuditPack,
		domain.ActionExportSealed,
	}
	if got := actions(t, f.store); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected ledger actions %v", got)
	}
	if filepath.Base(result.ArchivePath) != "AuditPack_v1_cut1_3.zip" {
		t.Fatalf("unexpected archive name %s", result.ArchivePath)
	}
	if result.ChainHead != result.Records[3].RecordHash || result.Manifest.ChainHead != result.ChainHead {
		t.Fatal("manifest chain head is not the audit_pack record")
	}
	var packPayload struct {
		Artifacts []string `json:"artifacts"`
	}
	if err := json.Unmarshal(result.Records[3].Payload, &packPayload); err != nil {
		t.Fatalf("decode audit_pack payload: %v", err)
	}
	wantArtifacts := []string{ArtifactDAP, ArtifactHTI1, ArtifactSignatures, ArtifactLedger}
	if !reflect.DeepEqual(packPayload.Artifacts, wantArtifacts) {
		t.Fatalf("unexpected audit_pack artifacts %v", packPayload.Artifacts)
	}

	verifier := &PackVerifier{Packs: f.packs, Manifests: manifest.NewBuilder(nil)}
	verification, err := verifier.Verify(ctx, result.ArchivePath)
	if err != nil {
		t.Fatalf("verify pack: %v", err)
	}
	if !verification.OK || verification.Chain.Records != 4 {
		t.Fatalf("expected verified pack with 4 ledger records, got %+v", verification)
	}

	pack, err := f.packs.ReadPack(ctx, result.ArchivePath)
	if err != nil {
		t.Fatalf("read pack: %v", err)
	}
	names := make([]string, 0, len(pack.Artifacts))
	for _, artifact := range pack.Artifacts {
		names = append(names, artifact.Name)
	}
	wantNames := []string{ArtifactDAP, ArtifactSignatures, ArtifactHTI1, ArtifactLedger}
	if !reflect.DeepEqual(names, wantNames) {
		t.Fatalf("unexpected pack contents %v", names)
	}

	run, err := f.runs.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("run index: %v", err)
	}
	if run.State != domain.ExportStateSealed || run.ManifestHash != result.Manifest.ManifestHash {
		t.Fatalf("unexpected run %+v", run)
	}
}

func TestExportBuilder_DAPContent(t *testing.T) {
	f := newExportFixture(t, nil)
	result, err := f.builder.Execute(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	pack, err := f.packs.ReadPack(context.Background(), result.ArchivePath)
	if err != nil {
		t.Fatalf("read pack: %v", err)
	}
	var dap domain.DAPPayload
	for _, artifact := range pack.Artifacts {
		if artifact.Name == ArtifactDAP {
			if err := json.Unmarshal(artifact.Content, &dap); err != nil {
				t.Fatalf("decode dap: %v", err)
			}
		}
	}
	if len(dap.Subgroups) != 4 {
		t.Fatalf("expected 4 subgroups, got %+v", dap.Subgroups)
	}
	first := dap.Subgroups[0]
	if first.Group != (domain.GroupKey{Race: "A", Ethnicity: "E", Sex: "F", AgeBand: "18-44"}) {
		t.Fatalf("unexpected first group %+v", first.Group)
	}
	if first.EligibleN != 2 || first.SelectedN != 1 || first.ActualPct != 0.5 || first.ContactRate != 0.5 {
		t.Fatalf("unexpected counts %+v", first)
	}
	if first.GoalSource != domain.GoalSourceDerived || first.GoalPct != first.ActualPct {
		t.Fatalf("expected derived goal, got %+v", first)
	}
	if first.ContactCI == nil || first.ContactCI.Method != "wilson" {
		t.Fatalf("expected wilson interval, got %+v", first.ContactCI)
	}
	last := dap.Subgroups[3]
	if last.Group.Race != "Unknown" || last.Group.AgeBand != "Unknown" {
		t.Fatalf("expected unknown group last, got %+v", last.Group)
	}
	if dap.Totals != (domain.Totals{Records: 5, Eligible: 5, Contacted: 3, Selected: 2}) {
		t.Fatalf("unexpected totals %+v", dap.Totals)
	}
	if dap.GoalDerivation.DerivedGroups != 4 || dap.GoalDerivation.Note == "" {
		t.Fatalf("unexpected derivation %+v", dap.GoalDerivation)
	}
}

func TestExportBuilder_IdenticalInputsAreByteIdentical(t *testing.T) {
	first := newExportFixture(t, nil)
	second := newExportFixture(t, nil)

	a, err := first.builder.Execute(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	b, err := second.builder.Execute(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if a.Manifest.ManifestHash != b.Manifest.ManifestHash {
		t.Fatalf("manifest hash differs: %s vs %s", a.Manifest.ManifestHash, b.Manifest.ManifestHash)
	}
	rawA, err := os.ReadFile(a.ArchivePath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	rawB, err := os.ReadFile(b.ArchivePath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(rawA, rawB) {
		t.Fatal("archives differ for identical inputs")
	}
}

func TestExportBuilder_MissingRequiredFieldFailsClosed(t *testing.T) {
	f := newExportFixture(t, nil)
	strict := []byte(`{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["schema_version", "approval_id"]
	}`)
	if err := f.builder.Validator.(*schema.Validator).Register(domain.SchemaHTI1V1, strict); err != nil {
		t.Fatalf("register: %v", err)
	}

	result, err := f.builder.Execute(context.Background(), testRequest())
	var failed *domain.ValidationFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if failed.Artifact != ArtifactHTI1 || failed.Violations[0].Path != "/approval_id" {
		t.Fatalf("unexpected failure %+v", failed)
	}
	if result.State != domain.ExportStateFailed {
		t.Fatalf("expected failed state, got %s", result.State)
	}

	records, _ := f.store.List(context.Background())
	if len(records) != 1 || records[0].Action != domain.ActionValidationFailed {
		t.Fatalf("expected a single validation.failed event, got %v", actions(t, f.store))
	}
	var payload struct {
		Artifact   string             `json:"artifact"`
		Violations []domain.Violation `json:"violations"`
	}
	if err := json.Unmarshal(records[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Artifact != ArtifactHTI1 || len(payload.Violations) == 0 || payload.Violations[0].Path != "/approval_id" {
		t.Fatalf("violation not recorded: %+v", payload)
	}
	if got := archives(t, f.dir); len(got) != 0 {
		t.Fatalf("archive produced for failed run: %v", got)
	}
	run, err := f.runs.Get(context.Background(), "run-1")
	if err != nil || run.State != domain.ExportStateFailed {
		t.Fatalf("expected failed run in index, got %+v, %v", run, err)
	}
}

func TestExportBuilder_PolicyViolationRecorded(t *testing.T) {
	f := newExportFixture(t, nil)
	req := testRequest()
	req.Kinds = []domain.ExportKind{domain.ExportKindSignatures}
	req.Signers[0].Meaning = ""

	_, err := f.builder.Execute(context.Background(), req)
	var failed *domain.ValidationFailedError
	if !errors.As(err, &failed) || failed.Violations[0].Path != "/signers/0/meaning" {
		t.Fatalf("expected signer meaning violation, got %v", err)
	}
	if got := actions(t, f.store); !reflect.DeepEqual(got, []domain.AuditAction{domain.ActionValidationFailed}) {
		t.Fatalf("unexpected ledger actions %v", got)
	}
	records, _ := f.store.List(context.Background())
	var payload struct {
		Violations []domain.Violation `json:"violations"`
	}
	if err := json.Unmarshal(records[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if len(payload.Violations) == 0 || payload.Violations[0].Path != "/signers/0/meaning" {
		t.Fatalf("violations missing from ledger payload: %s", records[0].Payload)
	}
}

func TestExportBuilder_PreconditionsRecordNothing(t *testing.T) {
	cases := map[string]func(*ExportRequest){
		"missing study":  func(r *ExportRequest) { r.StudyID = "" },
		"bad data cut":   func(r *ExportRequest) { r.DataCut = "../cut" },
		"no kinds":       func(r *ExportRequest) { r.Kinds = nil },
		"duplicate kind": func(r *ExportRequest) { r.Kinds = []domain.ExportKind{"dap", "dap"} },
		"unknown kind":   func(r *ExportRequest) { r.Kinds = []domain.ExportKind{"pdf"} },
		"duplicate goal": func(r *ExportRequest) {
			g := domain.GroupKey{Race: "A", Ethnicity: "E", Sex: "F", AgeBand: "18-44"}
			r.Goals = []domain.GoalSpec{{Group: g, Pct: 0.5}, {Group: g, Pct: 0.4}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newExportFixture(t, nil)
			req := testRequest()
			mutate(&req)
			_, err := f.builder.Execute(context.Background(), req)
			if !errors.Is(err, domain.ErrInvalidRequest) {
				t.Fatalf("expected invalid request, got %v", err)
			}
			if got := actions(t, f.store); len(got) != 0 {
				t.Fatalf("precondition failure wrote to ledger: %v", got)
			}
		})
	}
}

func TestExportBuilder_MissingColumns(t *testing.T) {
	f := newExportFixture(t, nil)
	req := testRequest()
	req.Input.Columns = []string{"race", "ethnicity", "sex", "eligible", "contacted"}

	_, err := f.builder.Execute(context.Background(), req)
	var missing *domain.MissingColumnsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected missing columns, got %v", err)
	}
	if !reflect.DeepEqual(missing.Columns, []string{"age", "selected"}) {
		t.Fatalf("unexpected columns %v", missing.Columns)
	}
	if got := actions(t, f.store); len(got) != 0 {
		t.Fatalf("ledger written: %v", got)
	}

	req.Kinds = []domain.ExportKind{domain.ExportKindHTI1}
	if _, err := f.builder.Execute(context.Background(), req); err != nil {
		t.Fatalf("card export does not read the dataset, got %v", err)
	}
}

func TestExportBuilder_InvalidFlagValue(t *testing.T) {
	f := newExportFixture(t, nil)
	req := testRequest()
	req.Input.Rows[2]["selected"] = "maybe"
	_, err := f.builder.Execute(context.Background(), req)
	if !errors.Is(err, domain.ErrInvalidCanonicalValue) {
		t.Fatalf("expected invalid canonical value, got %v", err)
	}
}

func TestExportBuilder_ChainBreakStopsSealing(t *testing.T) {
	store := &ledgerStoreStub{}
	f := newExportFixture(t, store)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := f.builder.Ledger.Append(ctx, "seed", "seed.event", map[string]any{"i": i}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	store.records[0].Actor = "mallory"

	result, err := f.builder.Execute(ctx, testRequest())
	var breakErr *domain.ChainBreakError
	if !errors.As(err, &breakErr) || breakErr.Sequence != 0 {
		t.Fatalf("expected chain break at 0, got %v", err)
	}
	if result.State != domain.ExportStateFailed {
		t.Fatalf("expected failed, got %s", result.State)
	}
	got := actions(t, store)
	if got[len(got)-1] != domain.ActionIntegrityFailed {
		t.Fatalf("expected integrity failure event, got %v", got)
	}
	for _, action := range got {
		if action == domain.ActionExportSealed || action == domain.ActionExportDAP {
			t.Fatalf("export recorded on a broken chain: %v", got)
		}
	}
	if files := archives(t, f.dir); len(files) != 0 {
		t.Fatalf("archive produced: %v", files)
	}
}

func TestExportBuilder_DurabilityFailureIsFatal(t *testing.T) {
	store := &ledgerStoreStub{appendErr: errors.New("disk full")}
	f := newExportFixture(t, store)

	result, err := f.builder.Execute(context.Background(), testRequest())
	if !errors.Is(err, domain.ErrLedgerDurability) {
		t.Fatalf("expected durability error, got %v", err)
	}
	if result == nil || result.State != domain.ExportStateFailed || result.ArchivePath != "" {
		t.Fatalf("run must not report success: %+v", result)
	}
	if files := archives(t, f.dir); len(files) != 0 {
		t.Fatalf("archive produced: %v", files)
	}
}

func TestExportBuilder_RefusesToOverwriteArchive(t *testing.T) {
	f := newExportFixture(t, nil)
	existing := filepath.Join(f.dir, "AuditPack_v1_cut1_3.zip")
	if err := os.WriteFile(existing, []byte("sealed earlier"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err := f.builder.Execute(context.Background(), testRequest())
	if !errors.Is(err, domain.ErrArtifactExists) {
		t.Fatalf("expected artifact exists, got %v", err)
	}
	content, _ := os.ReadFile(existing)
	if string(content) != "sealed earlier" {
		t.Fatal("existing archive was replaced")
	}
	got := actions(t, f.store)
	if got[len(got)-1] != domain.ActionExportFailed {
		t.Fatalf("expected export.failed as the last event, got %v", got)
	}
}

func TestExportBuilder_IncludesCanonicalCopy(t *testing.T) {
	f := newExportFixture(t, nil)
	req := testRequest()
	req.Kinds = []domain.ExportKind{domain.ExportKindDAP}
	req.CanonicalCopy = []byte("race,ethnicity\nA,E\n")

	result, err := f.builder.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, ok := result.Manifest.Entry(ArtifactCanonicalCSV); !ok {
		t.Fatalf("canonical copy missing from manifest: %+v", result.Manifest.Entries)
	}
}

func TestPackVerifier_NamesTamperedArtifact(t *testing.T) {
	f := newExportFixture(t, nil)
	ctx := context.Background()
	result, err := f.builder.Execute(ctx, testRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	pack, err := f.packs.ReadPack(ctx, result.ArchivePath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for i := range pack.Artifacts {
		if pack.Artifacts[i].Name == ArtifactHTI1 {
			pack.Artifacts[i].Content = bytes.Replace(pack.Artifacts[i].Content, []byte("quarterly"), []byte("never"), 1)
		}
	}

	verifier := &PackVerifier{Packs: f.packs, Manifests: manifest.NewBuilder(nil)}
	verification, err := verifier.VerifyPack(pack)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verification.OK || !reflect.DeepEqual(verification.Manifest.Mismatched, []string{ArtifactHTI1}) {
		t.Fatalf("expected %s mismatch, got %+v", ArtifactHTI1, verification.Manifest)
	}
	var mismatch *domain.ManifestMismatchError
	if !errors.As(PackVerificationErr(verification), &mismatch) || mismatch.Artifacts[0] != ArtifactHTI1 {
		t.Fatalf("unexpected error %v", PackVerificationErr(verification))
	}
}

func TestExportBuilder_ConcurrentRunsKeepChainLinear(t *testing.T) {
	f := newExportFixture(t, nil)
	ctx := context.Background()
	var ids atomic.Int64
	f.builder.NewRunID = func() string { return fmt.Sprintf("run-%d", ids.Add(1)) }

	const runs = 8
	results := make([]*ExportResult, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := f.builder.Execute(ctx, testRequest())
			if err != nil {
				t.Errorf("run %d: %v", i, err)
				return
			}
			results[i] = result
		}(i)
	}
	wg.Wait()
	if t.Failed() {
		t.FailNow()
	}

	verification, err := f.builder.Ledger.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if !verification.Valid || verification.Records != runs*5 {
		t.Fatalf("expected %d linked records, got %+v", runs*5, verification)
	}
	if got := archives(t, f.dir); len(got) != runs {
		t.Fatalf("expected %d archives, got %v", runs, got)
	}

	verifier := &PackVerifier{Packs: f.packs, Manifests: manifest.NewBuilder(nil)}
	seen := map[string]bool{}
	for _, result := range results {
		if seen[result.ArchivePath] {
			t.Fatalf("archive path reused: %s", result.ArchivePath)
		}
		seen[result.ArchivePath] = true
		packVerification, err := verifier.Verify(ctx, result.ArchivePath)
		if err != nil || !packVerification.OK {
			t.Fatalf("pack %s does not verify: %+v err %v", result.ArchivePath, packVerification, err)
		}
	}
}
