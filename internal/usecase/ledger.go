package usecase

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"equiaudit/internal/domain"
	cryptoinfra "equiaudit/internal/infra/crypto"
)

// Ledger is the append-only audit trail. Writers are serialized by the
// underlying store; readers get copies of a consistent prefix.
type Ledger struct {
	Store    LedgerStore
	Digester cryptoinfra.Digester
	Clock    Clock
	Logger   *zap.Logger
}

func NewLedger(store LedgerStore, digester cryptoinfra.Digester, clock Clock, logger *zap.Logger) *Ledger {
	if digester == nil {
		digester = cryptoinfra.SHA256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		Store:    store,
		Digester: digester,
		Clock:    clock,
		Logger:   logger,
	}
}

func (l *Ledger) Append(ctx context.Context, actor string, action domain.AuditAction, payload any) (domain.AuditRecord, error) {
	if l == nil || l.Store == nil {
		return domain.AuditRecord{}, errors.New("ledger store required")
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return domain.AuditRecord{}, fmt.Errorf("%w: actor is required", domain.ErrInvalidRequest)
	}
	if action == "" {
		return domain.AuditRecord{}, fmt.Errorf("%w: action is required", domain.ErrInvalidRequest)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	canonical, err := cryptoinfra.CanonicalizeAny(payload)
	if err != nil {
		return domain.AuditRecord{}, fmt.Errorf("audit payload for %s: %w", action, err)
	}
	if len(canonical) == 0 || canonical[0] != '{' {
		return domain.AuditRecord{}, fmt.Errorf("%w: audit payload must be an object", domain.ErrInvalidPayload)
	}

	now := l.now()
	record, err := l.Store.Append(ctx, func(prev *domain.AuditRecord) (domain.AuditRecord, error) {
		next := domain.AuditRecord{
			Sequence:  0,
			Timestamp: now,
			Actor:     actor,
			Action:    action,
			Payload:   json.RawMessage(canonical),
			PrevHash:  domain.GenesisHash,
		}
		if prev != nil {
			next.Sequence = prev.Sequence + 1
			next.PrevHash = prev.RecordHash
			if next.Timestamp.Before(prev.Timestamp) {
				next.Timestamp = prev.Timestamp
			}
		}
		hash, err := ComputeRecordHash(l.Digester, next)
		if err != nil {
			return domain.AuditRecord{}, err
		}
		next.RecordHash = hash
		return next, nil
	})
	if err != nil {
		l.Logger.Error("ledger append failed", zap.String("action", string(action)), zap.Error(err))
		return domain.AuditRecord{}, fmt.Errorf("%w: %w", domain.ErrLedgerDurability, err)
	}
	l.Logger.Debug("ledger record appended",
		zap.Int64("sequence", record.Sequence),
		zap.String("action", string(record.Action)),
		zap.String("record_hash", record.RecordHash),
	)
	return record, nil
}

// VerifyChain recomputes the whole chain. A broken chain is reported in the
// result; the error is reserved for failures to read the store.
func (l *Ledger) VerifyChain(ctx context.Context) (domain.ChainVerification, error) {
	records, err := l.Store.List(ctx)
	var breakErr *domain.ChainBreakError
	if errors.As(err, &breakErr) {
		seq := breakErr.Sequence
		l.Logger.Warn("ledger store holds an unreadable record", zap.Int64("first_break", seq), zap.String("reason", breakErr.Reason))
		return domain.ChainVerification{Valid: false, Records: int(seq), FirstBreak: &seq, Reason: breakErr.Reason}, nil
	}
	if err != nil {
		return domain.ChainVerification{}, fmt.Errorf("list ledger: %w", err)
	}
	result := VerifyRecords(l.Digester, records)
	if !result.Valid {
		l.Logger.Warn("ledger chain verification failed",
			zap.Int64("first_break", *result.FirstBreak),
			zap.String("reason", result.Reason),
		)
	}
	return result, nil
}

func (l *Ledger) Snapshot(ctx context.Context) ([]domain.AuditRecord, error) {
	records, err := l.Store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	out := make([]domain.AuditRecord, len(records))
	for i, record := range records {
		out[i] = record.Clone()
	}
	return out, nil
}

// SnapshotThrough returns records 0..sequence inclusive. Records appended by
// other writers after sequence are excluded so the snapshot boundary is
// fixed before the read.
func (l *Ledger) SnapshotThrough(ctx context.Context, sequence int64) ([]domain.AuditRecord, error) {
	if sequence < 0 {
		return nil, fmt.Errorf("%w: negative snapshot boundary", domain.ErrInvalidRequest)
	}
	records, err := l.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if int64(len(records)) <= sequence {
		return nil, fmt.Errorf("snapshot boundary %d beyond ledger length %d", sequence, len(records))
	}
	return records[:sequence+1], nil
}

func (l *Ledger) Head(ctx context.Context) (*domain.AuditRecord, error) {
	head, err := l.Store.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger head: %w", err)
	}
	if head == nil {
		return nil, nil
	}
	out := head.Clone()
	return &out, nil
}

func (l *Ledger) now() time.Time {
	if l != nil && l.Clock != nil {
		return l.Clock().UTC().Truncate(time.Microsecond)
	}
	return time.Now().UTC().Truncate(time.Microsecond)
}

// EncodeSnapshot renders records as JSON lines, one canonical record per line.
func EncodeSnapshot(records []domain.AuditRecord) ([]byte, error) {
	var buf bytes.Buffer
	for _, record := range records {
		line, err := EncodeRecord(record)
		if err != nil {
			return nil, fmt.Errorf("encode record %d: %w", record.Sequence, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

type recordLine struct {
	Action     string          `json:"action"`
	Actor      string          `json:"actor"`
	Payload    json.RawMessage `json:"payload"`
	PrevHash   string          `json:"prev_hash"`
	RecordHash string          `json:"record_hash"`
	Sequence   int64           `json:"sequence"`
	Timestamp  string          `json:"timestamp"`
}

// EncodeRecord is the canonical single-line form of a record, without the
// trailing newline.
func EncodeRecord(record domain.AuditRecord) ([]byte, error) {
	payload := record.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return cryptoinfra.CanonicalizeAny(recordLine{
		Action:     string(record.Action),
		Actor:      record.Actor,
		Payload:    payload,
		PrevHash:   record.PrevHash,
		RecordHash: record.RecordHash,
		Sequence:   record.Sequence,
		Timestamp:  FormatTimestamp(record.Timestamp),
	})
}

// DecodeRecord accepts a line only when it is exactly the canonical
// encoding of the record it decodes to. Unknown fields, duplicate keys,
// extra precision and whitespace all fail.
func DecodeRecord(line []byte) (domain.AuditRecord, error) {
	var raw recordLine
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return domain.AuditRecord{}, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if dec.More() {
		return domain.AuditRecord{}, fmt.Errorf("%w: trailing data after record", domain.ErrInvalidPayload)
	}
	ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp)
	if err != nil {
		return domain.AuditRecord{}, fmt.Errorf("%w: timestamp: %v", domain.ErrInvalidPayload, err)
	}
	record := domain.AuditRecord{
		Sequence:   raw.Sequence,
		Timestamp:  ts.UTC(),
		Actor:      raw.Actor,
		Action:     domain.AuditAction(raw.Action),
		Payload:    raw.Payload,
		PrevHash:   raw.PrevHash,
		RecordHash: raw.RecordHash,
	}
	encoded, err := EncodeRecord(record)
	if err != nil {
		return domain.AuditRecord{}, err
	}
	if !bytes.Equal(encoded, line) {
		return domain.AuditRecord{}, fmt.Errorf("%w: line is not the canonical encoding of record %d", domain.ErrInvalidPayload, raw.Sequence)
	}
	return record, nil
}

func DecodeSnapshot(data []byte) ([]domain.AuditRecord, error) {
	var out []domain.AuditRecord
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		record, err := DecodeRecord(text)
		if err != nil {
			return nil, &domain.ChainBreakError{
				Sequence: int64(len(out)),
				Reason:   fmt.Sprintf("unreadable ledger line %d: %v", line, err),
			}
		}
		out = append(out, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
