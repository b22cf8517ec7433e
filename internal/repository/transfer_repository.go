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

// TransferRepository persists transfer records. It satisfies
// transfer.Store.
type TransferRepository struct{}

// NewTransferRepository creates a new transfer repository
func NewTransferRepository() *TransferRepository {
	return &TransferRepository{}
}

func (r *TransferRepository) Save(ctx context.Context, rec *models.TransferRecord) error {
	if err := database.DB.WithContext(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("failed to save transfer record: %w", err)
	}
	return nil
}

func (r *TransferRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.TransferRecord, error) {
	var rec models.TransferRecord
	if err := database.DB.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, notFound(err, "transfer record %s", id)
	}
	return &rec, nil
}

func (r *TransferRepository) FindBySeriesPseudoUID(ctx context.Context, uid string) (*models.TransferRecord, error) {
	var rec models.TransferRecord
	if err := database.DB.WithContext(ctx).Where("series_pseudo_uid = ?", uid).First(&rec).Error; err != nil {
		return nil, notFound(err, "transfer record for series %s", uid)
	}
	return &rec, nil
}

func (r *TransferRepository) ListByStatus(ctx context.Context, statuses ...models.TransferStatus) ([]models.TransferRecord, error) {
	var recs []models.TransferRecord
	if err := database.DB.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at ASC").
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list transfer records: %w", err)
	}
	return recs, nil
}

// WithLock loads the record under FOR UPDATE, applies fn and saves the
// result, all in one transaction.
func (r *TransferRepository) WithLock(ctx context.Context, id uuid.UUID, fn func(rec *models.TransferRecord) error) error {
	return database.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec models.TransferRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).First(&rec).Error; err != nil {
			return notFound(err, "transfer record %s", id)
		}
		if err := fn(&rec); err != nil {
			return err
		}
		if err := tx.Save(&rec).Error; err != nil {
			return fmt.Errorf("failed to save transfer record: %w", err)
		}
		return nil
	})
}
