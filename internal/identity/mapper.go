package identity

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/models"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/pipeerr"
	"github.com/rs/zerolog/log"
)

// PseudoNamePlaceholder replaces patient names on deidentified files.
const PseudoNamePlaceholder = "ANONYMIZED"

// dateShiftRange bounds the random per-run date offset in days.
const dateShiftRange = 60

// Years outside this window after shifting indicate a corrupt source date;
// the original value is kept unmodified in that case.
const (
	minSaneYear = 1900
	maxSaneYear = 2100
)

// Level selects the hierarchy level of a reverse lookup.
type Level string

const (
	LevelPatient  Level = "patient"
	LevelStudy    Level = "study"
	LevelSeries   Level = "series"
	LevelInstance Level = "instance"
)

// Mapper maintains the bidirectional, persistent original↔pseudonym map.
// Pseudonyms are generated deterministically per hierarchy level: the same
// original identifier always yields the same pseudonym for the lifetime of
// the store. One Mapper is created per deidentification run; the date
// offset is drawn once at construction and applied uniformly to every date
// field in the run.
type Mapper struct {
	store      Store
	offsetDays int
	now        func() time.Time
	rng        *rand.Rand
}

// New creates a Mapper with a fresh random date offset in [-60, +60] days.
func New(store Store) *Mapper {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Mapper{
		store:      store,
		offsetDays: rng.Intn(2*dateShiftRange+1) - dateShiftRange,
		now:        time.Now,
		rng:        rng,
	}
}

// NewWithOffset creates a Mapper with a fixed date offset. Used by tests
// and by operator-triggered re-runs that must reproduce a prior shift.
func NewWithOffset(store Store, offsetDays int) *Mapper {
	m := New(store)
	m.offsetDays = offsetDays
	return m
}

// OffsetDays returns the date offset of this run.
func (m *Mapper) OffsetDays() int {
	return m.offsetDays
}

// PseudonymizePatient looks up or creates the pseudonymous identity for a
// patient. Repeated imports of the same patient are idempotent: an
// existing patient reuses its stored pseudonym and shifted birth date.
func (m *Mapper) PseudonymizePatient(ctx context.Context, originalID, originalName, originalBirth string) (*models.Patient, error) {
	existing, err := m.store.FindPatientByOriginalID(ctx, originalID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pipeerr.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up patient mapping: %w", err)
	}

	p := &models.Patient{
		OriginalID:    originalID,
		PseudoID:      m.newPatientPseudoID(),
		OriginalName:  originalName,
		PseudoName:    PseudoNamePlaceholder,
		OriginalBirth: originalBirth,
		PseudoBirth:   m.DateShift(originalBirth),
	}
	if err := m.store.SavePatient(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to save patient mapping: %w", err)
	}

	log.Info().Str("pseudo_id", p.PseudoID).Msg("New patient pseudonym allocated")
	return p, nil
}

// PseudonymizeStudy looks up or creates the pseudonymous study UID scoped
// under the patient: {patientPseudo}.{n}.0 with n a per-patient counter.
func (m *Mapper) PseudonymizeStudy(ctx context.Context, patient *models.Patient, originalUID, originalDate, description string) (*models.Study, error) {
	existing, err := m.store.FindStudyByOriginalUID(ctx, originalUID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pipeerr.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up study mapping: %w", err)
	}

	n, err := m.store.NextStudyCounter(ctx, patient.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate study counter: %w", err)
	}

	s := &models.Study{
		PatientID:    patient.ID,
		OriginalUID:  originalUID,
		PseudoUID:    fmt.Sprintf("%s.%d.0", patient.PseudoID, n),
		OriginalDate: originalDate,
		PseudoDate:   m.DateShift(originalDate),
		Description:  description,
	}
	if err := m.store.SaveStudy(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to save study mapping: %w", err)
	}
	return s, nil
}

// PseudonymizeSeries looks up or creates the pseudonymous series UID under
// the study: {studyPseudo}.{m} with m the next unused integer suffix,
// re-checked for collisions before committing.
func (m *Mapper) PseudonymizeSeries(ctx context.Context, study *models.Study, originalUID, originalDate, description, frameOfRef string) (*models.Series, error) {
	existing, err := m.store.FindSeriesByOriginalUID(ctx, originalUID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pipeerr.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up series mapping: %w", err)
	}

	var pseudoUID string
	for suffix := 1; ; suffix++ {
		candidate := fmt.Sprintf("%s.%d", study.PseudoUID, suffix)
		exists, err := m.store.SeriesPseudoUIDExists(ctx, candidate)
		if err != nil {
			return nil, fmt.Errorf("failed to check series suffix: %w", err)
		}
		if !exists {
			pseudoUID = candidate
			break
		}
	}

	s := &models.Series{
		StudyID:            study.ID,
		OriginalUID:        originalUID,
		PseudoUID:          pseudoUID,
		OriginalDate:       originalDate,
		PseudoDate:         m.DateShift(originalDate),
		Description:        description,
		OriginalFrameOfRef: frameOfRef,
	}
	if frameOfRef != "" {
		s.PseudoFrameOfRef = pseudoUID + ".1000"
	}
	if err := m.store.SaveSeries(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to save series mapping: %w", err)
	}
	return s, nil
}

// PseudonymizeInstance looks up or creates the pseudonymous SOP instance
// UID under the series. Retried or duplicate ingestion of the same
// instance reuses the recorded pseudonym.
func (m *Mapper) PseudonymizeInstance(ctx context.Context, series *models.Series, originalSOPUID string) (*models.Instance, error) {
	existing, err := m.store.FindInstanceByOriginalUID(ctx, originalSOPUID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pipeerr.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up instance mapping: %w", err)
	}

	k, err := m.store.NextInstanceCounter(ctx, series.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate instance counter: %w", err)
	}

	i := &models.Instance{
		SeriesID:    series.ID,
		OriginalUID: originalSOPUID,
		PseudoUID:   fmt.Sprintf("%s.%d", series.PseudoUID, k),
	}
	if err := m.store.SaveInstance(ctx, i); err != nil {
		return nil, fmt.Errorf("failed to save instance mapping: %w", err)
	}
	return i, nil
}

// DateShift applies the run's offset to a DICOM date (YYYYMMDD),
// preserving relative temporal ordering while breaking absolute
// correlation. Unparsable dates or shifts landing outside the sane year
// window return the original value unmodified.
func (m *Mapper) DateShift(date string) string {
	t, err := time.Parse("20060102", date)
	if err != nil {
		return date
	}
	shifted := t.AddDate(0, 0, m.offsetDays)
	if shifted.Year() < minSaneYear || shifted.Year() > maxSaneYear {
		return date
	}
	return shifted.Format("20060102")
}

// ReverseLookup maps a pseudonymous identifier back to its original. It is
// the only path back to real identifiers and is consulted exclusively by
// the reidentification engine.
func (m *Mapper) ReverseLookup(ctx context.Context, pseudoID string, level Level) (string, error) {
	switch level {
	case LevelPatient:
		patient, err := m.store.FindPatientByPseudoID(ctx, pseudoID)
		if err != nil {
			return "", err
		}
		return patient.OriginalID, nil
	case LevelStudy:
		study, err := m.store.FindStudyByPseudoUID(ctx, pseudoID)
		if err != nil {
			return "", err
		}
		return study.OriginalUID, nil
	case LevelSeries:
		series, err := m.store.FindSeriesByPseudoUID(ctx, pseudoID)
		if err != nil {
			return "", err
		}
		return series.OriginalUID, nil
	case LevelInstance:
		instance, err := m.store.FindInstanceByPseudoUID(ctx, pseudoID)
		if err != nil {
			return "", err
		}
		return instance.OriginalUID, nil
	}
	return "", pipeerr.NotFound("unknown hierarchy level %q", level)
}

// ResolveChain walks series → study → patient for a pseudonymous series
// UID, returning the full original identity needed to reidentify an
// artifact computed from that series.
func (m *Mapper) ResolveChain(ctx context.Context, seriesPseudoUID string) (*Chain, error) {
	series, err := m.store.FindSeriesByPseudoUID(ctx, seriesPseudoUID)
	if err != nil {
		return nil, err
	}
	study, err := m.store.FindStudyByID(ctx, series.StudyID)
	if err != nil {
		return nil, err
	}
	patient, err := m.store.FindPatientByID(ctx, study.PatientID)
	if err != nil {
		return nil, err
	}
	instances, err := m.store.ListInstancesBySeriesID(ctx, series.ID)
	if err != nil {
		return nil, err
	}
	return &Chain{Patient: patient, Study: study, Series: series, Instances: instances}, nil
}

// Chain is the resolved patient→study→series→instances identity for one
// series.
type Chain struct {
	Patient   *models.Patient
	Study     *models.Study
	Series    *models.Series
	Instances []models.Instance
}

// UIDTable builds the pseudonym→original reference table covering every
// UID known for the series, for the nested-reference sweep.
func (c *Chain) UIDTable() map[string]string {
	table := map[string]string{
		c.Study.PseudoUID:  c.Study.OriginalUID,
		c.Series.PseudoUID: c.Series.OriginalUID,
	}
	if c.Series.PseudoFrameOfRef != "" {
		table[c.Series.PseudoFrameOfRef] = c.Series.OriginalFrameOfRef
	}
	for _, inst := range c.Instances {
		table[inst.PseudoUID] = inst.OriginalUID
	}
	return table
}

// newPatientPseudoID generates a dotted timestamp plus random suffix,
// globally unique with overwhelming probability.
func (m *Mapper) newPatientPseudoID() string {
	now := m.now().UTC()
	return fmt.Sprintf("%s.%s.%05d", now.Format("20060102"), now.Format("150405"), m.rng.Intn(100000))
}
