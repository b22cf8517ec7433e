package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/database"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/models"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/pipeerr"
)

// IdentityRepository persists the patient/study/series/instance identity
// map. It satisfies identity.Store.
type IdentityRepository struct{}

// NewIdentityRepository creates a new identity repository
func NewIdentityRepository() *IdentityRepository {
	return &IdentityRepository{}
}

// notFound maps gorm's sentinel onto the pipeline's lookup error so
// callers can errors.Is against one value regardless of backing store.
func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pipeerr.NotFound(format, args...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

func (r *IdentityRepository) FindPatientByOriginalID(ctx context.Context, originalID string) (*models.Patient, error) {
	var p models.Patient
	if err := database.DB.WithContext(ctx).Where("original_id = ?", originalID).First(&p).Error; err != nil {
		return nil, notFound(err, "patient with original id %s", originalID)
	}
	return &p, nil
}

func (r *IdentityRepository) FindPatientByPseudoID(ctx context.Context, pseudoID string) (*models.Patient, error) {
	var p models.Patient
	if err := database.DB.WithContext(ctx).Where("pseudo_id = ?", pseudoID).First(&p).Error; err != nil {
		return nil, notFound(err, "patient with pseudo id %s", pseudoID)
	}
	return &p, nil
}

func (r *IdentityRepository) FindPatientByID(ctx context.Context, id uuid.UUID) (*models.Patient, error) {
	var p models.Patient
	if err := database.DB.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, notFound(err, "patient %s", id)
	}
	return &p, nil
}

func (r *IdentityRepository) SavePatient(ctx context.Context, p *models.Patient) error {
	if err := database.DB.WithContext(ctx).Save(p).Error; err != nil {
		return fmt.Errorf("failed to save patient: %w", err)
	}
	return nil
}

// NextStudyCounter increments the per-patient study counter under a row
// lock so concurrent imports never allocate the same suffix.
func (r *IdentityRepository) NextStudyCounter(ctx context.Context, patientID uuid.UUID) (int, error) {
	var next int
	err := database.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p models.Patient
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", patientID).First(&p).Error; err != nil {
			return notFound(err, "patient %s", patientID)
		}
		next = p.StudyCounter + 1
		return tx.Model(&p).Update("study_counter", next).Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to allocate study counter: %w", err)
	}
	return next, nil
}

func (r *IdentityRepository) FindStudyByOriginalUID(ctx context.Context, uid string) (*models.Study, error) {
	var s models.Study
	if err := database.DB.WithContext(ctx).Where("original_uid = ?", uid).First(&s).Error; err != nil {
		return nil, notFound(err, "study with original uid %s", uid)
	}
	return &s, nil
}

func (r *IdentityRepository) FindStudyByPseudoUID(ctx context.Context, uid string) (*models.Study, error) {
	var s models.Study
	if err := database.DB.WithContext(ctx).Where("pseudo_uid = ?", uid).First(&s).Error; err != nil {
		return nil, notFound(err, "study with pseudo uid %s", uid)
	}
	return &s, nil
}

func (r *IdentityRepository) FindStudyByID(ctx context.Context, id uuid.UUID) (*models.Study, error) {
	var s models.Study
	if err := database.DB.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, notFound(err, "study %s", id)
	}
	return &s, nil
}

func (r *IdentityRepository) SaveStudy(ctx context.Context, s *models.Study) error {
	if err := database.DB.WithContext(ctx).Save(s).Error; err != nil {
		return fmt.Errorf("failed to save study: %w", err)
	}
	return nil
}

func (r *IdentityRepository) FindSeriesByOriginalUID(ctx context.Context, uid string) (*models.Series, error) {
	var s models.Series
	if err := database.DB.WithContext(ctx).Where("original_uid = ?", uid).First(&s).Error; err != nil {
		return nil, notFound(err, "series with original uid %s", uid)
	}
	return &s, nil
}

func (r *IdentityRepository) FindSeriesByPseudoUID(ctx context.Context, uid string) (*models.Series, error) {
	var s models.Series
	if err := database.DB.WithContext(ctx).Where("pseudo_uid = ?", uid).First(&s).Error; err != nil {
		return nil, notFound(err, "series with pseudo uid %s", uid)
	}
	return &s, nil
}

func (r *IdentityRepository) SeriesPseudoUIDExists(ctx context.Context, uid string) (bool, error) {
	var count int64
	if err := database.DB.WithContext(ctx).
		Model(&models.Series{}).
		Where("pseudo_uid = ?", uid).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check series pseudo uid: %w", err)
	}
	return count > 0, nil
}

func (r *IdentityRepository) SaveSeries(ctx context.Context, s *models.Series) error {
	if err := database.DB.WithContext(ctx).Save(s).Error; err != nil {
		return fmt.Errorf("failed to save series: %w", err)
	}
	return nil
}

// NextInstanceCounter increments the per-series instance counter under a
// row lock.
func (r *IdentityRepository) NextInstanceCounter(ctx context.Context, seriesID uuid.UUID) (int, error) {
	var next int
	err := database.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s models.Series
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", seriesID).First(&s).Error; err != nil {
			return notFound(err, "series %s", seriesID)
		}
		next = s.InstanceCounter + 1
		return tx.Model(&s).Update("instance_counter", next).Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to allocate instance counter: %w", err)
	}
	return next, nil
}

func (r *IdentityRepository) FindInstanceByOriginalUID(ctx context.Context, uid string) (*models.Instance, error) {
	var i models.Instance
	if err := database.DB.WithContext(ctx).Where("original_uid = ?", uid).First(&i).Error; err != nil {
		return nil, notFound(err, "instance with original uid %s", uid)
	}
	return &i, nil
}

func (r *IdentityRepository) FindInstanceByPseudoUID(ctx context.Context, uid string) (*models.Instance, error) {
	var i models.Instance
	if err := database.DB.WithContext(ctx).Where("pseudo_uid = ?", uid).First(&i).Error; err != nil {
		return nil, notFound(err, "instance with pseudo uid %s", uid)
	}
	return &i, nil
}

func (r *IdentityRepository) SaveInstance(ctx context.Context, i *models.Instance) error {
	if err := database.DB.WithContext(ctx).Save(i).Error; err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}
	return nil
}

func (r *IdentityRepository) ListInstancesBySeriesID(ctx context.Context, seriesID uuid.UUID) ([]models.Instance, error) {
	var instances []models.Instance
	if err := database.DB.WithContext(ctx).
		Where("series_id = ?", seriesID).
		Order("created_at ASC").
		Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	return instances, nil
}
