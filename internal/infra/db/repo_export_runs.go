package db

import (
	"context"
	"encoding/json"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"equiaudit/internal/domain"
)

type ExportRunRepository struct {
	db *gorm.DB
}

func NewExportRunRepository(db *gorm.DB) *ExportRunRepository {
	return &ExportRunRepository{db: db}
}

func (r *ExportRunRepository) Save(ctx context.Context, run domain.ExportRun) error {
	if r.db == nil {
		return errDBUnavailable
	}
	if run.RunID == "" {
		return errors.New("run_id is required")
	}
	kinds := run.Kinds
	if kinds == nil {
		kinds = []string{}
	}
	kindsJSON, err := json.Marshal(kinds)
	if err != nil {
		return err
	}
	model := ExportRunModel{
		RunID:        run.RunID,
		StudyID:      run.StudyID,
		DataCut:      run.DataCut,
		State:        string(run.State),
		KindsJSON:    kindsJSON,
		ManifestHash: stringPtrIfNotEmpty(run.ManifestHash),
		ChainHead:    stringPtrIfNotEmpty(run.ChainHead),
		ArchivePath:  stringPtrIfNotEmpty(run.ArchivePath),
		Error:        stringPtrIfNotEmpty(run.Error),
		CreatedAt:    run.CreatedAt.UTC(),
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "manifest_hash", "chain_head", "archive_path", "error"}),
		}).
		Create(&model).Error
}

func (r *ExportRunRepository) Get(ctx context.Context, runID string) (*domain.ExportRun, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model ExportRunModel
	err := r.db.WithContext(ctx).Where("run_id = ?", runID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var kinds []string
	if len(model.KindsJSON) > 0 {
		if err := json.Unmarshal(model.KindsJSON, &kinds); err != nil {
			return nil, err
		}
	}
	return &domain.ExportRun{
		RunID:        model.RunID,
		StudyID:      model.StudyID,
		DataCut:      model.DataCut,
		State:        domain.ExportState(model.State),
		Kinds:        kinds,
		ManifestHash: stringValue(model.ManifestHash),
		ChainHead:    stringValue(model.ChainHead),
		ArchivePath:  stringValue(model.ArchivePath),
		Error:        stringValue(model.Error),
		CreatedAt:    model.CreatedAt.UTC(),
	}, nil
}
