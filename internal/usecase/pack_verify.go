package usecase

import (
	"context"
	"errors"
	"fmt"

	"equiaudit/internal/domain"
	cryptoinfra "equiaudit/internal/infra/crypto"
)

// PackVerifier checks a sealed AuditPack end to end: every manifest entry
// and the aggregate hash, the bundled ledger chain, and that the manifest's
// chain head is the bundled ledger's last record.
type PackVerifier struct {
	Packs     PackReader
	Manifests ManifestBuilder
	Digester  cryptoinfra.Digester
}

func (v *PackVerifier) Verify(ctx context.Context, path string) (domain.PackVerification, error) {
	if v == nil || v.Packs == nil || v.Manifests == nil {
		return domain.PackVerification{}, fmt.Errorf("pack verifier is not configured")
	}
	pack, err := v.Packs.ReadPack(ctx, path)
	if err != nil {
		return domain.PackVerification{}, err
	}
	return v.VerifyPack(pack)
}

func (v *PackVerifier) VerifyPack(pack domain.AuditPack) (domain.PackVerification, error) {
	out := domain.PackVerification{
		Manifest: v.Manifests.Verify(pack.Manifest, pack.Artifacts),
	}

	var ledgerFile []byte
	found := false
	for _, artifact := range pack.Artifacts {
		if artifact.Name == ArtifactLedger {
			ledgerFile = artifact.Content
			found = true
			break
		}
	}
	if !found {
		return out, fmt.Errorf("%w: pack has no %s", domain.ErrManifestMismatch, ArtifactLedger)
	}
	records, err := DecodeSnapshot(ledgerFile)
	var breakErr *domain.ChainBreakError
	if errors.As(err, &breakErr) {
		seq := breakErr.Sequence
		out.Chain = domain.ChainVerification{Valid: false, Records: int(seq), FirstBreak: &seq, Reason: breakErr.Reason}
		return out, nil
	}
	if err != nil {
		return out, err
	}

	d := v.Digester
	if pack.Manifest.DigestAlg != "" {
		if named, err := cryptoinfra.NewDigester(pack.Manifest.DigestAlg); err == nil {
			d = named
		}
	}
	if d == nil {
		d = cryptoinfra.SHA256
	}
	out.Chain = VerifyRecords(d, records)
	out.ChainHeadOK = len(records) > 0 && records[len(records)-1].RecordHash == pack.Manifest.ChainHead
	out.OK = out.Manifest.OK && out.Chain.Valid && out.ChainHeadOK
	return out, nil
}

// PackVerificationErr reports a failed verification as the matching integrity error.
func PackVerificationErr(result domain.PackVerification) error {
	if result.OK {
		return nil
	}
	if !result.Manifest.OK {
		names := append([]string{}, result.Manifest.Mismatched...)
		names = append(names, result.Manifest.Missing...)
		names = append(names, result.Manifest.Unexpected...)
		return &domain.ManifestMismatchError{Artifacts: names, AggregateMismatch: !result.Manifest.AggregateOK}
	}
	if !result.Chain.Valid && result.Chain.FirstBreak != nil {
		return &domain.ChainBreakError{Sequence: *result.Chain.FirstBreak, Reason: result.Chain.Reason}
	}
	return fmt.Errorf("%w: chain_head does not match the bundled ledger", domain.ErrChainIntegrity)
}
