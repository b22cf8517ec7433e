package identity

import (
	"context"

	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/models"
	"github.com/google/uuid"
)

// Store is the persistence boundary of the identity map. Implementations
// must provide transactional read-modify-write semantics for the counter
// allocation operations; the mapper assumes nothing else about the backing
// store. Lookups return pipeerr.ErrNotFound when no mapping exists.
type Store interface {
	FindPatientByOriginalID(ctx context.Context, originalID string) (*models.Patient, error)
	FindPatientByPseudoID(ctx context.Context, pseudoID string) (*models.Patient, error)
	FindPatientByID(ctx context.Context, id uuid.UUID) (*models.Patient, error)
	SavePatient(ctx context.Context, p *models.Patient) error
	// NextStudyCounter atomically increments and returns the per-patient
	// study counter.
	NextStudyCounter(ctx context.Context, patientID uuid.UUID) (int, error)

	FindStudyByOriginalUID(ctx context.Context, uid string) (*models.Study, error)
	FindStudyByPseudoUID(ctx context.Context, uid string) (*models.Study, error)
	FindStudyByID(ctx context.Context, id uuid.UUID) (*models.Study, error)
	SaveStudy(ctx context.Context, s *models.Study) error

	FindSeriesByOriginalUID(ctx context.Context, uid string) (*models.Series, error)
	FindSeriesByPseudoUID(ctx context.Context, uid string) (*models.Series, error)
	SeriesPseudoUIDExists(ctx context.Context, uid string) (bool, error)
	SaveSeries(ctx context.Context, s *models.Series) error
	// NextInstanceCounter atomically increments and returns the per-series
	// instance counter.
	NextInstanceCounter(ctx context.Context, seriesID uuid.UUID) (int, error)

	FindInstanceByOriginalUID(ctx context.Context, uid string) (*models.Instance, error)
	FindInstanceByPseudoUID(ctx context.Context, uid string) (*models.Instance, error)
	SaveInstance(ctx context.Context, i *models.Instance) error
	ListInstancesBySeriesID(ctx context.Context, seriesID uuid.UUID) ([]models.Instance, error)
}
