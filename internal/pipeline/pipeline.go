// Package pipeline orchestrates the stage chain: separation, template
// classification, deidentification, transfer, reidentification and
// export. Stages are idempotent over the processing records so an
// interrupted run resumes where it stopped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/dicomio"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/identity"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/metrics"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/models"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/pipeerr"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/reidentify"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/series"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/template"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/transfer"
)

// Outcome summarizes one stage execution.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomePartialFailure Outcome = "partial_failure"
	OutcomeFailure        Outcome = "failure"
)

// StageResult reports what one stage run did: which items advanced, which
// failed, and the overall verdict.
type StageResult struct {
	Stage     string   `json:"stage"`
	Outcome   Outcome  `json:"outcome"`
	Message   string   `json:"message,omitempty"`
	Processed []string `json:"processed,omitempty"`
	Failed    []string `json:"failed,omitempty"`
}

func (r *StageResult) finish() *StageResult {
	switch {
	case len(r.Failed) == 0:
		r.Outcome = OutcomeSuccess
	case len(r.Processed) == 0:
		r.Outcome = OutcomeFailure
	default:
		r.Outcome = OutcomePartialFailure
	}
	metrics.StageRuns.WithLabelValues(r.Stage, string(r.Outcome)).Inc()
	return r
}

// ProcessingStore is the subset of record persistence the orchestrator
// needs. The gorm repository satisfies it; tests use an in-memory one.
type ProcessingStore interface {
	Create(ctx context.Context, rec *models.ProcessingRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ProcessingRecord, error)
	GetBySeriesUID(ctx context.Context, seriesUID string) (*models.ProcessingRecord, error)
	ListByStatus(ctx context.Context, statuses ...models.ProcessingStatus) ([]models.ProcessingRecord, error)
	Transition(ctx context.Context, id uuid.UUID, to models.ProcessingStatus, message string) error
	Update(ctx context.Context, rec *models.ProcessingRecord) error
	SetTemplate(ctx context.Context, id, templateID uuid.UUID) error
}

// Dirs names the stage directories files move through. Handoffs between
// stages are renames, never copies.
type Dirs struct {
	Import   string
	Working  string
	Deident  string
	Archive  string
	Artifact string
	Export   string
}

// Pipeline wires the stage components over shared persistence.
type Pipeline struct {
	records      ProcessingStore
	transfers    transfer.Store
	transferSvc  *transfer.Service
	materializer *series.Materializer
	matcher      *template.Matcher
	mapper       *identity.Mapper
	engine       *reidentify.Engine
	dirs         Dirs
}

func New(records ProcessingStore, transfers transfer.Store, transferSvc *transfer.Service,
	materializer *series.Materializer, matcher *template.Matcher, mapper *identity.Mapper,
	engine *reidentify.Engine, dirs Dirs) *Pipeline {
	return &Pipeline{
		records:      records,
		transfers:    transfers,
		transferSvc:  transferSvc,
		materializer: materializer,
		matcher:      matcher,
		mapper:       mapper,
		engine:       engine,
		dirs:         dirs,
	}
}

// RunExportChain executes the outbound half of the pipeline in order.
func (p *Pipeline) RunExportChain(ctx context.Context) []*StageResult {
	return []*StageResult{
		p.Ingest(ctx),
		p.Classify(ctx),
		p.Deidentify(ctx),
		p.Transmit(ctx),
	}
}

// RunImportChain executes the inbound half: poll, reidentify, export.
func (p *Pipeline) RunImportChain(ctx context.Context) []*StageResult {
	return []*StageResult{
		p.PollTransfers(ctx),
		p.ReidentifyArtifacts(ctx),
	}
}

// Ingest separates the import directory into per-series working
// directories and opens a processing record for each new series. A series
// already under a record is skipped, which makes re-scans of a partly
// consumed import tree safe.
func (p *Pipeline) Ingest(ctx context.Context) *StageResult {
	res := &StageResult{Stage: "ingest"}

	if _, err := os.Stat(p.dirs.Import); err != nil {
		res.Message = fmt.Sprintf("import directory unavailable: %v", err)
		res.Outcome = OutcomeFailure
		metrics.StageRuns.WithLabelValues(res.Stage, string(res.Outcome)).Inc()
		return res
	}

	descriptors, err := p.materializer.Separate(p.dirs.Import)
	if err != nil {
		res.Message = err.Error()
		res.Outcome = OutcomeFailure
		metrics.StageRuns.WithLabelValues(res.Stage, string(res.Outcome)).Inc()
		return res
	}

	batchID := uuid.New()
	for _, desc := range descriptors {
		if _, err := p.records.GetBySeriesUID(ctx, desc.SeriesUID); err == nil {
			log.Debug().Str("series", desc.SeriesUID).Msg("Series already tracked, skipping")
			continue
		}

		rec := &models.ProcessingRecord{
			SeriesUID:     desc.SeriesUID,
			WorkingDir:    desc.WorkingDir,
			Status:        models.StatusSeriesSeparated,
			ImportBatchID: batchID,
			PatientID:     desc.PatientID,
			Modality:      desc.Modality,
			Description:   desc.SeriesDescription,
		}
		if err := p.records.Create(ctx, rec); err != nil {
			res.Failed = append(res.Failed, desc.SeriesUID)
			log.Error().Err(err).Str("series", desc.SeriesUID).Msg("Failed to open processing record")
			continue
		}
		metrics.SeriesSeparated.WithLabelValues(desc.Modality).Inc()
		res.Processed = append(res.Processed, desc.SeriesUID)
	}
	return res.finish()
}

// Classify matches every freshly separated series against the template
// catalog. Ambiguity is surfaced as a distinct status, never resolved
// silently.
func (p *Pipeline) Classify(ctx context.Context) *StageResult {
	res := &StageResult{Stage: "classify"}

	recs, err := p.records.ListByStatus(ctx, models.StatusSeriesSeparated)
	if err != nil {
		res.Message = err.Error()
		res.Outcome = OutcomeFailure
		metrics.StageRuns.WithLabelValues(res.Stage, string(res.Outcome)).Inc()
		return res
	}

	for _, rec := range recs {
		tagValues, err := p.seriesTagValues(rec.WorkingDir)
		if err != nil {
			p.toError(ctx, rec.ID, err)
			res.Failed = append(res.Failed, rec.SeriesUID)
			continue
		}

		match, err := p.matcher.Match(ctx, rec.WorkingDir, tagValues)
		if err != nil {
			p.toError(ctx, rec.ID, err)
			res.Failed = append(res.Failed, rec.SeriesUID)
			continue
		}
		metrics.ClassificationOutcomes.WithLabelValues(string(match.Outcome)).Inc()

		next, ok := classificationStatus(match.Outcome)
		if !ok {
			p.toError(ctx, rec.ID, fmt.Errorf("unknown match outcome %q", match.Outcome))
			res.Failed = append(res.Failed, rec.SeriesUID)
			continue
		}

		if match.Outcome == models.MatchMatched {
			if err := p.records.SetTemplate(ctx, rec.ID, match.Template.ID); err != nil {
				p.toError(ctx, rec.ID, err)
				res.Failed = append(res.Failed, rec.SeriesUID)
				continue
			}
		}
		if err := p.records.Transition(ctx, rec.ID, next, match.Message); err != nil {
			res.Failed = append(res.Failed, rec.SeriesUID)
			continue
		}
		if next == models.StatusReadyForDeidentification {
			res.Processed = append(res.Processed, rec.SeriesUID)
		} else {
			// Non-matching outcomes are recorded, not errors of this stage.
			res.Processed = append(res.Processed, rec.SeriesUID)
			log.Info().
				Str("series", rec.SeriesUID).
				Str("outcome", string(match.Outcome)).
				Msg("Series held for operator review")
		}
	}
	return res.finish()
}

// classificationStatus maps a match outcome onto the record status that
// holds or advances the series.
func classificationStatus(outcome models.MatchOutcome) (models.ProcessingStatus, bool) {
	switch outcome {
	case models.MatchMatched:
		return models.StatusReadyForDeidentification, true
	case models.MatchNone:
		return models.StatusNoTemplateFound, true
	case models.MatchMultiple:
		return models.StatusMultipleTemplatesMatched, true
	case models.MatchInvalidAttached:
		return models.StatusTemplateNotMatched, true
	case models.MatchMultipleArtifacts:
		return models.StatusMultipleTemplatesFound, true
	}
	return "", false
}

// Deidentify pseudonymizes every matched series file by file, writing the
// results into a pseudonymous working directory. The whole series either
// advances or fails; a half-deidentified directory is discarded.
func (p *Pipeline) Deidentify(ctx context.Context) *StageResult {
	res := &StageResult{Stage: "deidentify"}

	recs, err := p.records.ListByStatus(ctx, models.StatusReadyForDeidentification)
	if err != nil {
		res.Message = err.Error()
		res.Outcome = OutcomeFailure
		metrics.StageRuns.WithLabelValues(res.Stage, string(res.Outcome)).Inc()
		return res
	}

	for _, rec := range recs {
		destDir, err := p.deidentifySeries(ctx, &rec)
		if err == nil {
			// The pseudonymized copies are complete; the identifying
			// originals must leave the processing area with them.
			err = p.archiveSource(rec.WorkingDir)
		}
		if err != nil {
			os.RemoveAll(destDir)
			if terr := p.records.Transition(ctx, rec.ID, models.StatusDeidentificationFailed, err.Error()); terr != nil {
				log.Error().Err(terr).Str("series", rec.SeriesUID).Msg("Failed to record deidentification failure")
			}
			res.Failed = append(res.Failed, rec.SeriesUID)
			continue
		}

		rec.WorkingDir = destDir
		if err := p.records.Update(ctx, &rec); err != nil {
			res.Failed = append(res.Failed, rec.SeriesUID)
			continue
		}
		if err := p.records.Transition(ctx, rec.ID, models.StatusDeidentified, "series pseudonymized"); err != nil {
			res.Failed = append(res.Failed, rec.SeriesUID)
			continue
		}
		res.Processed = append(res.Processed, rec.SeriesUID)
	}
	return res.finish()
}

// deidentifySeries rewrites one series into the deidentified staging
// area and returns the destination directory.
func (p *Pipeline) deidentifySeries(ctx context.Context, rec *models.ProcessingRecord) (string, error) {
	entries, err := os.ReadDir(rec.WorkingDir)
	if err != nil {
		return "", fmt.Errorf("working directory unavailable: %w", err)
	}

	var destDir string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(rec.WorkingDir, entry.Name())
		if !dicomio.IsDICOMFile(path) {
			continue
		}

		ds, err := dicomio.ReadFile(path)
		if err != nil {
			return destDir, fmt.Errorf("failed to parse %s: %w", entry.Name(), err)
		}

		patient, err := p.mapper.PseudonymizePatient(ctx,
			ds.GetString(tag.PatientID), ds.GetString(tag.PatientName), ds.GetString(tag.PatientBirthDate))
		if err != nil {
			return destDir, err
		}
		study, err := p.mapper.PseudonymizeStudy(ctx, patient,
			ds.GetString(tag.StudyInstanceUID), ds.GetString(tag.StudyDate), ds.GetString(tag.StudyDescription))
		if err != nil {
			return destDir, err
		}
		ser, err := p.mapper.PseudonymizeSeries(ctx, study,
			ds.GetString(tag.SeriesInstanceUID), ds.GetString(tag.SeriesDate),
			ds.GetString(tag.SeriesDescription), ds.GetString(tag.FrameOfReferenceUID))
		if err != nil {
			return destDir, err
		}
		inst, err := p.mapper.PseudonymizeInstance(ctx, ser, ds.GetString(tag.SOPInstanceUID))
		if err != nil {
			return destDir, err
		}

		chain := &identity.Chain{Patient: patient, Study: study, Series: ser}
		if err := p.mapper.ApplyForwardMapping(ds, chain, inst.PseudoUID); err != nil {
			return destDir, fmt.Errorf("failed to pseudonymize %s: %w", entry.Name(), err)
		}

		if destDir == "" {
			destDir = filepath.Join(p.dirs.Deident, ser.PseudoUID)
			if err := os.MkdirAll(destDir, 0755); err != nil {
				return destDir, fmt.Errorf("failed to create deidentified directory: %w", err)
			}
		}
		out := filepath.Join(destDir, inst.PseudoUID+".dcm")
		if err := ds.Save(out); err != nil {
			return destDir, fmt.Errorf("failed to write %s: %w", out, err)
		}
	}

	if destDir == "" {
		return "", fmt.Errorf("series %s has no imaging files left: %w", rec.SeriesUID, pipeerr.ErrMalformedInput)
	}
	return destDir, nil
}

// archiveSource moves a consumed source series directory out of the
// processing area. Directory ownership passes with the move; nothing
// identifying stays behind once the pseudonymized copies exist.
func (p *Pipeline) archiveSource(srcDir string) error {
	if err := os.MkdirAll(p.dirs.Archive, 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}
	dest := filepath.Join(p.dirs.Archive, filepath.Base(srcDir))
	if err := os.Rename(srcDir, dest); err != nil {
		return fmt.Errorf("failed to archive source series: %w", err)
	}
	return nil
}

// Transmit uploads every deidentified series, opening a transfer record
// per series.
func (p *Pipeline) Transmit(ctx context.Context) *StageResult {
	res := &StageResult{Stage: "transmit"}

	recs, err := p.records.ListByStatus(ctx, models.StatusDeidentified)
	if err != nil {
		res.Message = err.Error()
		res.Outcome = OutcomeFailure
		metrics.StageRuns.WithLabelValues(res.Stage, string(res.Outcome)).Inc()
		return res
	}

	for _, rec := range recs {
		pseudoSeriesUID := filepath.Base(rec.WorkingDir)

		tr, err := p.transfers.FindBySeriesPseudoUID(ctx, pseudoSeriesUID)
		if err != nil {
			ser, serErr := p.mapper.ResolveChain(ctx, pseudoSeriesUID)
			if serErr != nil {
				p.toError(ctx, rec.ID, serErr)
				res.Failed = append(res.Failed, rec.SeriesUID)
				continue
			}
			tr = &models.TransferRecord{
				RecordID:        rec.ID,
				StudyPseudoUID:  ser.Study.PseudoUID,
				SeriesPseudoUID: pseudoSeriesUID,
				Status:          models.TransferPending,
			}
			if err := p.transfers.Save(ctx, tr); err != nil {
				p.toError(ctx, rec.ID, err)
				res.Failed = append(res.Failed, rec.SeriesUID)
				continue
			}
		}
		if tr.Status != models.TransferPending {
			continue // already in flight or finished
		}

		if err := p.transferSvc.Initiate(ctx, tr, rec.WorkingDir); err != nil {
			if terr := p.records.Transition(ctx, rec.ID, models.StatusError, err.Error()); terr != nil {
				log.Error().Err(terr).Str("series", rec.SeriesUID).Msg("Failed to record transmit failure")
			}
			res.Failed = append(res.Failed, rec.SeriesUID)
			continue
		}
		if err := p.records.Transition(ctx, rec.ID, models.StatusSentToRemote, "uploaded as "+tr.TransactionToken); err != nil {
			res.Failed = append(res.Failed, rec.SeriesUID)
			continue
		}
		res.Processed = append(res.Processed, rec.SeriesUID)
	}
	return res.finish()
}

// PollTransfers advances every in-flight transfer. Completed downloads
// flip the owning processing record and trigger the storage-release
// notification.
func (p *Pipeline) PollTransfers(ctx context.Context) *StageResult {
	res := &StageResult{Stage: "poll"}

	transfers, err := p.transfers.ListByStatus(ctx, models.TransferSent, models.TransferProcessing)
	if err != nil {
		res.Message = err.Error()
		res.Outcome = OutcomeFailure
		metrics.StageRuns.WithLabelValues(res.Stage, string(res.Outcome)).Inc()
		return res
	}

	// Transfers whose download already completed but whose storage-release
	// notify was never acknowledged stay COMPLETED; retry the notify on
	// every pass until the remote acks.
	if unacked, err := p.transfers.ListByStatus(ctx, models.TransferCompleted); err != nil {
		log.Error().Err(err).Msg("Failed to list unacknowledged transfers")
	} else {
		for _, tr := range unacked {
			if err := p.transferSvc.NotifyCompletion(ctx, tr.ID); err != nil {
				log.Warn().Err(err).Str("series", tr.SeriesPseudoUID).Msg("Completion notification deferred")
			}
		}
	}

	for _, tr := range transfers {
		metrics.RemotePolls.Inc()
		if err := p.transferSvc.Poll(ctx, &tr); err != nil {
			if pipeerr.IsRetryable(err) {
				log.Warn().Err(err).Str("series", tr.SeriesPseudoUID).Msg("Poll deferred, will retry")
				continue
			}
			if errors.Is(err, pipeerr.ErrIntegrity) {
				metrics.ChecksumFailures.Inc()
			}
			if terr := p.records.Transition(ctx, tr.RecordID, models.StatusError, err.Error()); terr != nil {
				log.Error().Err(terr).Str("series", tr.SeriesPseudoUID).Msg("Failed to record poll failure")
			}
			res.Failed = append(res.Failed, tr.SeriesPseudoUID)
			continue
		}

		if tr.Status != models.TransferCompleted {
			continue // still processing remotely
		}
		if err := p.records.Transition(ctx, tr.RecordID, models.StatusRTStructReceived, "artifact at "+tr.ArtifactPath); err != nil {
			res.Failed = append(res.Failed, tr.SeriesPseudoUID)
			continue
		}
		if err := p.transferSvc.NotifyCompletion(ctx, tr.ID); err != nil {
			// The artifact is safe locally; notification retries later.
			log.Warn().Err(err).Str("series", tr.SeriesPseudoUID).Msg("Completion notification deferred")
		}
		res.Processed = append(res.Processed, tr.SeriesPseudoUID)
	}
	return res.finish()
}

// ReidentifyArtifacts restores original identifiers on every received
// artifact and exports the result.
func (p *Pipeline) ReidentifyArtifacts(ctx context.Context) *StageResult {
	res := &StageResult{Stage: "reidentify"}

	recs, err := p.records.ListByStatus(ctx, models.StatusRTStructReceived)
	if err != nil {
		res.Message = err.Error()
		res.Outcome = OutcomeFailure
		metrics.StageRuns.WithLabelValues(res.Stage, string(res.Outcome)).Inc()
		return res
	}

	for _, rec := range recs {
		tr, err := p.transferForRecord(ctx, rec.ID)
		if err != nil {
			p.toError(ctx, rec.ID, err)
			res.Failed = append(res.Failed, rec.SeriesUID)
			continue
		}

		out := p.engine.Reidentify(ctx, tr.ArtifactPath)
		if out.Err != nil {
			if terr := p.records.Transition(ctx, rec.ID, models.StatusRTStructExportFailed, out.Err.Error()); terr != nil {
				log.Error().Err(terr).Str("series", rec.SeriesUID).Msg("Failed to record export failure")
			}
			res.Failed = append(res.Failed, rec.SeriesUID)
			continue
		}

		if err := p.records.Transition(ctx, rec.ID, models.StatusRTStructReidentified, "restored "+out.SeriesUID); err != nil {
			res.Failed = append(res.Failed, rec.SeriesUID)
			continue
		}
		if err := p.records.Transition(ctx, rec.ID, models.StatusRTStructExported, "exported to "+out.OutputPath); err != nil {
			res.Failed = append(res.Failed, rec.SeriesUID)
			continue
		}
		res.Processed = append(res.Processed, rec.SeriesUID)
	}
	return res.finish()
}

// Restart resets an operator-recoverable record back to the start of the
// stage chain.
func (p *Pipeline) Restart(ctx context.Context, id uuid.UUID) error {
	rec, err := p.records.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !rec.Status.Recoverable() {
		return fmt.Errorf("record %s in status %s is not restartable", id, rec.Status)
	}
	return p.records.Transition(ctx, id, models.StatusSeriesSeparated, "operator restart")
}

// transferForRecord finds the transfer owning a processing record.
func (p *Pipeline) transferForRecord(ctx context.Context, recordID uuid.UUID) (*models.TransferRecord, error) {
	transfers, err := p.transfers.ListByStatus(ctx,
		models.TransferCompleted, models.TransferCompletedNotified)
	if err != nil {
		return nil, err
	}
	for i := range transfers {
		if transfers[i].RecordID == recordID {
			return &transfers[i], nil
		}
	}
	return nil, pipeerr.NotFound("transfer for record %s", recordID)
}

// seriesTagValues reads the tag map of the first imaging file in a
// working directory. Classification rules apply per series; one file is
// representative.
func (p *Pipeline) seriesTagValues(workingDir string) (map[string]string, error) {
	entries, err := os.ReadDir(workingDir)
	if err != nil {
		return nil, fmt.Errorf("working directory unavailable: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(workingDir, entry.Name())
		if !dicomio.IsDICOMFile(path) {
			continue
		}
		ds, err := dicomio.ReadFileMetadataOnly(path)
		if err != nil {
			continue
		}
		// Attached template artifacts are not representative of the series.
		if ds.Modality() == "RTSTRUCT" {
			continue
		}
		return ds.TagValues(), nil
	}
	return nil, pipeerr.NotFound("no readable imaging file in %s", workingDir)
}

func (p *Pipeline) toError(ctx context.Context, id uuid.UUID, cause error) {
	log.Error().Err(cause).Str("record", id.String()).Msg("Stage processing failed")
	if err := p.records.Transition(ctx, id, models.StatusError, cause.Error()); err != nil {
		log.Error().Err(err).Str("record", id.String()).Msg("Failed to record error status")
	}
}
