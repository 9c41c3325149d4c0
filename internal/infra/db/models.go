package db

import "time"

type LedgerHeadModel struct {
	LedgerID     string `gorm:"column:ledger_id;primaryKey"`
	NextSequence int64  `gorm:"column:next_sequence;not null"`
}

func (LedgerHeadModel) TableName() string {
	return "ledger_heads"
}

type AuditRecordModel struct {
	LedgerID    string    `gorm:"column:ledger_id;primaryKey"`
	Sequence    int64     `gorm:"column:sequence;primaryKey;autoIncrement:false"`
	RecordedAt  time.Time `gorm:"column:recorded_at;not null"`
	Actor       string    `gorm:"not null"`
	Action      string    `gorm:"not null"`
	PayloadJSON []byte    `gorm:"column:payload_json;type:jsonb;not null"`
	PrevHash    string    `gorm:"not null"`
	RecordHash  string    `gorm:"not null"`
}

func (AuditRecordModel) TableName() string {
	return "audit_records"
}

type ExportRunModel struct {
	RunID        string `gorm:"column:run_id;type:uuid;primaryKey"`
	StudyID      string `gorm:"not null"`
	DataCut      string `gorm:"not null"`
	State        string `gorm:"not null"`
	KindsJSON    []byte `gorm:"column:kinds;type:jsonb;not null"`
	ManifestHash *string
	ChainHead    *string
	ArchivePath  *string
	Error        *string   `gorm:"column:error"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
}

func (ExportRunModel) TableName() string {
	return "export_runs"
}
