package identity

import (
	"context"
	"sync"

	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/models"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/pipeerr"
	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by tests and dry runs.
type MemoryStore struct {
	mu        sync.Mutex
	patients  map[uuid.UUID]*models.Patient
	studies   map[uuid.UUID]*models.Study
	series    map[uuid.UUID]*models.Series
	instances map[uuid.UUID]*models.Instance
}

// NewMemoryStore creates an empty in-memory identity store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patients:  make(map[uuid.UUID]*models.Patient),
		studies:   make(map[uuid.UUID]*models.Study),
		series:    make(map[uuid.UUID]*models.Series),
		instances: make(map[uuid.UUID]*models.Instance),
	}
}

func (m *MemoryStore) FindPatientByOriginalID(ctx context.Context, originalID string) (*models.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.patients {
		if p.OriginalID == originalID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, pipeerr.NotFound("patient with original id %s", originalID)
}

func (m *MemoryStore) FindPatientByPseudoID(ctx context.Context, pseudoID string) (*models.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.patients {
		if p.PseudoID == pseudoID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, pipeerr.NotFound("patient with pseudonym %s", pseudoID)
}

func (m *MemoryStore) FindPatientByID(ctx context.Context, id uuid.UUID) (*models.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.patients[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, pipeerr.NotFound("patient %s", id)
}

func (m *MemoryStore) SavePatient(ctx context.Context, p *models.Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	cp := *p
	m.patients[p.ID] = &cp
	return nil
}

func (m *MemoryStore) NextStudyCounter(ctx context.Context, patientID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[patientID]
	if !ok {
		return 0, pipeerr.NotFound("patient %s", patientID)
	}
	p.StudyCounter++
	return p.StudyCounter, nil
}

func (m *MemoryStore) FindStudyByOriginalUID(ctx context.Context, uid string) (*models.Study, error) {
	return m.findStudy(func(s *models.Study) bool { return s.OriginalUID == uid }, uid)
}

func (m *MemoryStore) FindStudyByPseudoUID(ctx context.Context, uid string) (*models.Study, error) {
	return m.findStudy(func(s *models.Study) bool { return s.PseudoUID == uid }, uid)
}

func (m *MemoryStore) FindStudyByID(ctx context.Context, id uuid.UUID) (*models.Study, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.studies[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, pipeerr.NotFound("study %s", id)
}

func (m *MemoryStore) findStudy(match func(*models.Study) bool, uid string) (*models.Study, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.studies {
		if match(s) {
			cp := *s
			return &cp, nil
		}
	}
	return nil, pipeerr.NotFound("study %s", uid)
}

func (m *MemoryStore) SaveStudy(ctx context.Context, s *models.Study) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	cp := *s
	m.studies[s.ID] = &cp
	return nil
}

func (m *MemoryStore) FindSeriesByOriginalUID(ctx context.Context, uid string) (*models.Series, error) {
	return m.findSeries(func(s *models.Series) bool { return s.OriginalUID == uid }, uid)
}

func (m *MemoryStore) FindSeriesByPseudoUID(ctx context.Context, uid string) (*models.Series, error) {
	return m.findSeries(func(s *models.Series) bool { return s.PseudoUID == uid }, uid)
}

func (m *MemoryStore) findSeries(match func(*models.Series) bool, uid string) (*models.Series, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.series {
		if match(s) {
			cp := *s
			return &cp, nil
		}
	}
	return nil, pipeerr.NotFound("series %s", uid)
}

func (m *MemoryStore) SeriesPseudoUIDExists(ctx context.Context, uid string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.series {
		if s.PseudoUID == uid {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) SaveSeries(ctx context.Context, s *models.Series) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	cp := *s
	m.series[s.ID] = &cp
	return nil
}

func (m *MemoryStore) NextInstanceCounter(ctx context.Context, seriesID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.series[seriesID]
	if !ok {
		return 0, pipeerr.NotFound("series %s", seriesID)
	}
	s.InstanceCounter++
	return s.InstanceCounter, nil
}

func (m *MemoryStore) FindInstanceByOriginalUID(ctx context.Context, uid string) (*models.Instance, error) {
	return m.findInstance(func(i *models.Instance) bool { return i.OriginalUID == uid }, uid)
}

func (m *MemoryStore) FindInstanceByPseudoUID(ctx context.Context, uid string) (*models.Instance, error) {
	return m.findInstance(func(i *models.Instance) bool { return i.PseudoUID == uid }, uid)
}

func (m *MemoryStore) findInstance(match func(*models.Instance) bool, uid string) (*models.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, i := range m.instances {
		if match(i) {
			cp := *i
			return &cp, nil
		}
	}
	return nil, pipeerr.NotFound("instance %s", uid)
}

func (m *MemoryStore) SaveInstance(ctx context.Context, i *models.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	cp := *i
	m.instances[i.ID] = &cp
	return nil
}

func (m *MemoryStore) ListInstancesBySeriesID(ctx context.Context, seriesID uuid.UUID) ([]models.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Instance
	for _, i := range m.instances {
		if i.SeriesID == seriesID {
			out = append(out, *i)
		}
	}
	return out, nil
}
