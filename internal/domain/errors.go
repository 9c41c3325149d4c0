package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingColumns        = errors.New("missing required canonical columns")
	ErrInvalidCanonicalValue = errors.New("invalid canonical value")
	ErrDuplicateArtifact     = errors.New("duplicate artifact")
	ErrUnknownSchema         = errors.New("unknown schema")
	ErrInvalidPayload        = errors.New("invalid payload")
	ErrInvalidRequest        = errors.New("invalid export request")
	ErrValidationFailed      = errors.New("validation failed")
	ErrChainIntegrity        = errors.New("ledger chain integrity failure")
	ErrManifestMismatch      = errors.New("manifest mismatch")
	ErrLedgerDurability      = errors.New("ledger write not durable")
	ErrArtifactExists        = errors.New("artifact already sealed")
	ErrNotFound              = errors.New("not found")
)

type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return fmt.Sprintf("missing required canonical columns: %s", strings.Join(e.Columns, ", "))
}

func (e *MissingColumnsError) Unwrap() error { return ErrMissingColumns }

type DuplicateArtifactError struct {
	Name string
}

func (e *DuplicateArtifactError) Error() string {
	return fmt.Sprintf("duplicate artifact %q", e.Name)
}

func (e *DuplicateArtifactError) Unwrap() error { return ErrDuplicateArtifact }

type ValidationFailedError struct {
	Artifact   string
	SchemaID   string
	Violations []Violation
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("%s failed %s validation with %d violation(s)", e.Artifact, e.SchemaID, len(e.Violations))
}

func (e *ValidationFailedError) Unwrap() error { return ErrValidationFailed }

// ChainBreakError names the first ledger sequence whose stored content does
// not reproduce its linkage or hash.
type ChainBreakError struct {
	Sequence int64
	Reason   string
}

func (e *ChainBreakError) Error() string {
	return fmt.Sprintf("ledger chain broken at sequence %d: %s", e.Sequence, e.Reason)
}

func (e *ChainBreakError) Unwrap() error { return ErrChainIntegrity }

type ManifestMismatchError struct {
	Artifacts         []string
	AggregateMismatch bool
}

func (e *ManifestMismatchError) Error() string {
	if len(e.Artifacts) == 0 {
		return "manifest aggregate hash mismatch"
	}
	return fmt.Sprintf("manifest mismatch for artifacts: %s", strings.Join(e.Artifacts, ", "))
}

func (e *ManifestMismatchError) Unwrap() error { return ErrManifestMismatch }
