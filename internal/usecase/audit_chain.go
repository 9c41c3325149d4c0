package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"equiaudit/internal/domain"
	cryptoinfra "equiaudit/internal/infra/crypto"
)

const timestampLayout = "2006-01-02T15:04:05.000000Z"

// FormatTimestamp is the hashed representation of a record timestamp.
func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Truncate(time.Microsecond).Format(timestampLayout)
}

type chainFields struct {
	Action    string          `json:"action"`
	Actor     string          `json:"actor"`
	Payload   json.RawMessage `json:"payload"`
	Sequence  int64           `json:"sequence"`
	Timestamp string          `json:"timestamp"`
}

// ComputeRecordHash returns H(prev_hash || canonical(other fields)).
func ComputeRecordHash(d cryptoinfra.Digester, record domain.AuditRecord) (string, error) {
	if d == nil {
		d = cryptoinfra.SHA256
	}
	if record.PrevHash == "" {
		return "", errors.New("prev_hash is required")
	}
	payload := record.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	canonical, err := cryptoinfra.CanonicalizeAny(chainFields{
		Action:    string(record.Action),
		Actor:     record.Actor,
		Payload:   payload,
		Sequence:  record.Sequence,
		Timestamp: FormatTimestamp(record.Timestamp),
	})
	if err != nil {
		return "", err
	}
	buf := make([]byte, 0, len(record.PrevHash)+len(canonical))
	buf = append(buf, record.PrevHash...)
	buf = append(buf, canonical...)
	return d.Sum(buf), nil
}

// VerifyRecords walks records from genesis and reports the first sequence
// whose position, linkage, timestamp or hash does not hold.
func VerifyRecords(d cryptoinfra.Digester, records []domain.AuditRecord) domain.ChainVerification {
	result := domain.ChainVerification{Valid: true, Records: len(records), Head: domain.GenesisHash}
	prevHash := domain.GenesisHash
	var prevTimestamp time.Time
	for i, record := range records {
		expected := int64(i)
		fail := func(reason string) domain.ChainVerification {
			seq := expected
			result.Valid = false
			result.FirstBreak = &seq
			result.Reason = reason
			result.Head = prevHash
			return result
		}
		if record.Sequence != expected {
			return fail(fmt.Sprintf("expected sequence %d, found %d", expected, record.Sequence))
		}
		if record.PrevHash != prevHash {
			return fail("prev_hash does not match previous record_hash")
		}
		if i > 0 && record.Timestamp.Before(prevTimestamp) {
			return fail("timestamp precedes previous record")
		}
		computed, err := ComputeRecordHash(d, record)
		if err != nil {
			return fail("record not canonically serializable: " + err.Error())
		}
		if computed != record.RecordHash {
			return fail("record_hash does not match record content")
		}
		prevHash = record.RecordHash
		prevTimestamp = record.Timestamp
	}
	result.Head = prevHash
	return result
}
