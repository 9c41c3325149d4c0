package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"equiaudit/internal/domain"
	cryptoinfra "equiaudit/internal/infra/crypto"
)

const DefaultLedgerID = "default"

// LedgerStore keeps the audit trail in postgres. Appends serialize on the
// ledger_heads row, locked FOR UPDATE for the length of the transaction.
type LedgerStore struct {
	db       *gorm.DB
	ledgerID string
}

func NewLedgerStore(db *gorm.DB, ledgerID string) *LedgerStore {
	if ledgerID == "" {
		ledgerID = DefaultLedgerID
	}
	return &LedgerStore{db: db, ledgerID: ledgerID}
}

func (r *LedgerStore) Append(ctx context.Context, build func(prev *domain.AuditRecord) (domain.AuditRecord, error)) (domain.AuditRecord, error) {
	if r.db == nil {
		return domain.AuditRecord{}, errDBUnavailable
	}
	var out domain.AuditRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		next, err := lockLedgerHead(ctx, tx, r.ledgerID)
		if err != nil {
			return err
		}
		var prev *domain.AuditRecord
		if next > 0 {
			var model AuditRecordModel
			if err := tx.WithContext(ctx).
				Where("ledger_id = ? AND sequence = ?", r.ledgerID, next-1).
				Take(&model).Error; err != nil {
				return fmt.Errorf("load ledger tail %d: %w", next-1, err)
			}
			record, err := auditRecordFromModel(model)
			if err != nil {
				return err
			}
			prev = &record
		}

		record, err := build(prev)
		if err != nil {
			return err
		}
		if record.Sequence != next {
			return fmt.Errorf("built record sequence %d does not follow head %d", record.Sequence, next)
		}
		model := auditRecordModelFromDomain(r.ledgerID, record)
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		if err := tx.WithContext(ctx).Exec(
			"UPDATE ledger_heads SET next_sequence = ? WHERE ledger_id = ?",
			next+1,
			r.ledgerID,
		).Error; err != nil {
			return err
		}
		out = record
		return nil
	})
	if err != nil {
		return domain.AuditRecord{}, err
	}
	return out, nil
}

// List reads within a single statement so the result is a consistent prefix
// even while another transaction appends.
func (r *LedgerStore) List(ctx context.Context) ([]domain.AuditRecord, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var models []AuditRecordModel
	if err := r.db.WithContext(ctx).
		Where("ledger_id = ?", r.ledgerID).
		Order("sequence ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.AuditRecord, 0, len(models))
	for i, model := range models {
		record, err := auditRecordFromModel(model)
		if err != nil {
			return nil, &domain.ChainBreakError{Sequence: int64(i), Reason: err.Error()}
		}
		out = append(out, record)
	}
	return out, nil
}

func (r *LedgerStore) Head(ctx context.Context) (*domain.AuditRecord, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model AuditRecordModel
	err := r.db.WithContext(ctx).
		Where("ledger_id = ?", r.ledgerID).
		Order("sequence DESC").
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record, err := auditRecordFromModel(model)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func lockLedgerHead(ctx context.Context, tx *gorm.DB, ledgerID string) (int64, error) {
	if err := tx.WithContext(ctx).Exec(
		"INSERT INTO ledger_heads (ledger_id, next_sequence) VALUES (?, 0) ON CONFLICT (ledger_id) DO NOTHING",
		ledgerID,
	).Error; err != nil {
		return 0, err
	}
	var next int64
	if err := tx.WithContext(ctx).Raw(
		"SELECT next_sequence FROM ledger_heads WHERE ledger_id = ? FOR UPDATE",
		ledgerID,
	).Scan(&next).Error; err != nil {
		return 0, err
	}
	return next, nil
}

func auditRecordModelFromDomain(ledgerID string, record domain.AuditRecord) AuditRecordModel {
	return AuditRecordModel{
		LedgerID:    ledgerID,
		Sequence:    record.Sequence,
		RecordedAt:  record.Timestamp.UTC(),
		Actor:       record.Actor,
		Action:      string(record.Action),
		PayloadJSON: []byte(record.Payload),
		PrevHash:    record.PrevHash,
		RecordHash:  record.RecordHash,
	}
}

// jsonb does not preserve key order, so payloads are re-canonicalized on read.
func auditRecordFromModel(model AuditRecordModel) (domain.AuditRecord, error) {
	canonical, err := cryptoinfra.CanonicalizeJSON(model.PayloadJSON)
	if err != nil {
		return domain.AuditRecord{}, err
	}
	return domain.AuditRecord{
		Sequence:   model.Sequence,
		Timestamp:  model.RecordedAt.UTC(),
		Actor:      model.Actor,
		Action:     domain.AuditAction(model.Action),
		Payload:    json.RawMessage(canonical),
		PrevHash:   model.PrevHash,
		RecordHash: model.RecordHash,
	}, nil
}
