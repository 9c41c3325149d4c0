package domain

import (
	"encoding/json"
	"time"
)

// GenesisHash is the prev_hash of the record at sequence 0: the all-zero
// 256-bit digest, hex encoded.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

type AuditAction string

const (
	ActionExportDAP        AuditAction = "export.dap"
	ActionExportHTI1       AuditAction = "export.hti1"
	ActionExportSignatures AuditAction = "export.signatures"
	ActionExportAuditPack  AuditAction = "export.audit_pack"
	ActionExportSealed     AuditAction = "export.sealed"
	ActionExportFailed     AuditAction = "export.failed"
	ActionValidationFailed AuditAction = "validation.failed"
	ActionIntegrityFailed  AuditAction = "ledger.integrity_failed"
)

const (
	ActorSystem = "system"
)

// AuditRecord is one entry of the ledger. Payload always holds the canonical
// JSON encoding of the event fields.
type AuditRecord struct {
	Sequence   int64           `json:"sequence"`
	Timestamp  time.Time       `json:"timestamp"`
	Actor      string          `json:"actor"`
	Action     AuditAction     `json:"action"`
	Payload    json.RawMessage `json:"payload"`
	PrevHash   string          `json:"prev_hash"`
	RecordHash string          `json:"record_hash"`
}

func (r AuditRecord) Clone() AuditRecord {
	out := r
	if r.Payload != nil {
		out.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return out
}

type ChainVerification struct {
	Valid      bool   `json:"valid"`
	Records    int    `json:"records"`
	FirstBreak *int64 `json:"first_break,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Head       string `json:"head,omitempty"`
}
