package app

import (
	"context"
	"path/filepath"
	"testing"

	"equiaudit/internal/config"
	"equiaudit/internal/domain"
	"equiaudit/internal/infra/canonical"
	"equiaudit/internal/usecase"
)

func testConfig(t *testing.T, backend string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	dir := t.TempDir()
	cfg.LedgerBackend = backend
	cfg.LedgerPath = filepath.Join(dir, "ledger", "AuditTrail.jsonl")
	cfg.OutputDir = filepath.Join(dir, "exports")
	return cfg
}

func TestNew_FileBackendExportsAndVerifies(t *testing.T) {
	cfg := testConfig(t, config.LedgerBackendFile)
	a, err := New(context.Background(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()

	dataset, err := canonical.ReadBytes([]byte("race,ethnicity,sex,age,eligible,contacted,selected\nA,E,F,30,1,1,1\n"))
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	result, err := a.Exports.Execute(context.Background(), usecase.ExportRequest{
		StudyID: "S-1",
		DataCut: "cut1",
		Kinds:   []domain.ExportKind{domain.ExportKindDAP, domain.ExportKindHTI1},
		Input:   dataset,
	})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	verification, err := a.Verifier.Verify(context.Background(), result.ArchivePath)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !verification.OK {
		t.Fatalf("expected verified pack, got %+v", verification)
	}

	// A second process view of the same ledger file sees the sealed chain.
	reopened, err := New(context.Background(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	chain, err := reopened.Ledger.VerifyChain(context.Background())
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if !chain.Valid || chain.Records != 4 {
		t.Fatalf("unexpected chain after reopen: %+v", chain)
	}
}

func TestNew_RejectsUnknownBackend(t *testing.T) {
	cfg := testConfig(t, "sqlite")
	if _, err := New(context.Background(), cfg, nil, nil); err == nil {
		t.Fatalf("expected unknown backend error")
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := NewLogger("debug"); err != nil {
		t.Fatalf("debug logger: %v", err)
	}
	if _, err := NewLogger("chatty"); err == nil {
		t.Fatalf("expected invalid level error")
	}
}
