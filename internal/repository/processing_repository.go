package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/database"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/models"
)

// ProcessingRepository handles processing record database operations.
// Every status change goes through Transition so the append-only log
// stays complete.
type ProcessingRepository struct{}

// NewProcessingRepository creates a new processing repository
func NewProcessingRepository() *ProcessingRepository {
	return &ProcessingRepository{}
}

// Create inserts a new record and its initial log entry in one
// transaction.
func (r *ProcessingRepository) Create(ctx context.Context, rec *models.ProcessingRecord) error {
	return database.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("failed to create processing record: %w", err)
		}
		entry := &models.ProcessingLog{
			RecordID: rec.ID,
			ToStatus: rec.Status,
			Message:  "record created",
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("failed to create initial log entry: %w", err)
		}
		return nil
	})
}

// GetByID retrieves a processing record by ID
func (r *ProcessingRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ProcessingRecord, error) {
	var rec models.ProcessingRecord
	if err := database.DB.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, notFound(err, "processing record %s", id)
	}
	return &rec, nil
}

// GetBySeriesUID retrieves the record tracking a series
func (r *ProcessingRepository) GetBySeriesUID(ctx context.Context, seriesUID string) (*models.ProcessingRecord, error) {
	var rec models.ProcessingRecord
	if err := database.DB.WithContext(ctx).Where("series_uid = ?", seriesUID).First(&rec).Error; err != nil {
		return nil, notFound(err, "processing record for series %s", seriesUID)
	}
	return &rec, nil
}

// List retrieves records, newest first, optionally filtered by status.
func (r *ProcessingRepository) List(ctx context.Context, status string, limit, offset int) ([]models.ProcessingRecord, error) {
	q := database.DB.WithContext(ctx).Model(&models.ProcessingRecord{}).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit).Offset(offset)
	}
	var recs []models.ProcessingRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list processing records: %w", err)
	}
	return recs, nil
}

// ListByStatus retrieves all records in any of the given statuses.
func (r *ProcessingRepository) ListByStatus(ctx context.Context, statuses ...models.ProcessingStatus) ([]models.ProcessingRecord, error) {
	var recs []models.ProcessingRecord
	if err := database.DB.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at ASC").
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list processing records: %w", err)
	}
	return recs, nil
}

// Transition moves a record to a new status and appends the log entry
// atomically, locking the row so concurrent stage workers serialize.
func (r *ProcessingRepository) Transition(ctx context.Context, id uuid.UUID, to models.ProcessingStatus, message string) error {
	return database.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec models.ProcessingRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).First(&rec).Error; err != nil {
			return notFound(err, "processing record %s", id)
		}

		from := rec.Status
		if err := tx.Model(&rec).Update("status", to).Error; err != nil {
			return fmt.Errorf("failed to update record status: %w", err)
		}

		entry := &models.ProcessingLog{
			RecordID:   id,
			FromStatus: from,
			ToStatus:   to,
			Message:    message,
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("failed to append log entry: %w", err)
		}
		return nil
	})
}

// Update persists mutable record fields other than status.
func (r *ProcessingRepository) Update(ctx context.Context, rec *models.ProcessingRecord) error {
	if err := database.DB.WithContext(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("failed to update processing record: %w", err)
	}
	return nil
}

// SetTemplate records the matched template on a record.
func (r *ProcessingRepository) SetTemplate(ctx context.Context, id, templateID uuid.UUID) error {
	if err := database.DB.WithContext(ctx).
		Model(&models.ProcessingRecord{}).
		Where("id = ?", id).
		Update("template_id", templateID).Error; err != nil {
		return fmt.Errorf("failed to set template: %w", err)
	}
	return nil
}

// ListLogs returns the transition history of a record in order.
func (r *ProcessingRepository) ListLogs(ctx context.Context, recordID uuid.UUID) ([]models.ProcessingLog, error) {
	var logs []models.ProcessingLog
	if err := database.DB.WithContext(ctx).
		Where("record_id = ?", recordID).
		Order("created_at ASC").
		Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("failed to list processing logs: %w", err)
	}
	return logs, nil
}
