package transfer

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/models"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/pipeerr"
)

// Store persists transfer records. WithLock loads the record under an
// exclusive lock and applies fn; the mutated record is saved when fn
// returns nil. The notify/finalize sequence runs inside it so a crash
// between notification and persistence cannot produce a half-finalized
// record.
type Store interface {
	Save(ctx context.Context, rec *models.TransferRecord) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.TransferRecord, error)
	FindBySeriesPseudoUID(ctx context.Context, uid string) (*models.TransferRecord, error)
	ListByStatus(ctx context.Context, statuses ...models.TransferStatus) ([]models.TransferRecord, error)
	WithLock(ctx context.Context, id uuid.UUID, fn func(rec *models.TransferRecord) error) error
}

// Service drives the transfer state machine over the HTTP client:
// PENDING through SENT, PROCESSING, COMPLETED and COMPLETED_NOTIFIED,
// with FAILED reachable from every non-terminal state.
type Service struct {
	client      *Client
	store       Store
	archiveDir  string
	artifactDir string
	doneStatus  string
	failStatus  string
}

func NewService(client *Client, store Store, archiveDir, artifactDir string) *Service {
	return &Service{
		client:      client,
		store:       store,
		archiveDir:  archiveDir,
		artifactDir: artifactDir,
		doneStatus:  client.cfg.DoneStatus,
		failStatus:  client.cfg.FailStatus,
	}
}

// Initiate archives the deidentified series directory, uploads it and
// advances the record from PENDING to SENT. Any failure marks the record
// FAILED and returns the error to the caller.
func (s *Service) Initiate(ctx context.Context, rec *models.TransferRecord, seriesDir string) error {
	if rec.Status != models.TransferPending {
		return fmt.Errorf("record %s is %s, expected %s", rec.ID, rec.Status, models.TransferPending)
	}

	if err := s.client.HealthCheck(ctx); err != nil {
		return s.fail(ctx, rec, err)
	}

	archivePath := filepath.Join(s.archiveDir, filepath.Base(seriesDir)+".zip")
	digest, err := BuildArchive(seriesDir, archivePath)
	if err != nil {
		return s.fail(ctx, rec, err)
	}
	rec.UploadChecksum = digest

	token, err := s.client.Upload(ctx, archivePath, digest)
	if err != nil {
		return s.fail(ctx, rec, err)
	}

	rec.TransactionToken = token
	rec.Status = models.TransferSent
	rec.LastError = ""
	if err := s.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist sent record: %w", err)
	}

	log.Info().
		Str("record", rec.ID.String()).
		Str("series", rec.SeriesPseudoUID).
		Str("token", token).
		Msg("Series uploaded to remote service")
	return nil
}

// Poll queries the remote status for one record. The poll counter and
// timestamp advance on every attempt regardless of outcome, and the
// remote vocabulary is recorded verbatim alongside the client state.
// When the remote reports the configured done status the artifact is
// downloaded and verified, advancing the record to COMPLETED.
func (s *Service) Poll(ctx context.Context, rec *models.TransferRecord) error {
	switch rec.Status {
	case models.TransferSent, models.TransferProcessing:
	default:
		return fmt.Errorf("record %s is %s, not pollable", rec.ID, rec.Status)
	}

	now := time.Now()
	rec.PollCount++
	rec.LastPolledAt = &now

	remote, remoteErr, err := s.client.PollStatus(ctx, rec.TransactionToken)
	if err != nil {
		if saveErr := s.store.Save(ctx, rec); saveErr != nil {
			log.Error().Err(saveErr).Str("record", rec.ID.String()).Msg("Failed to persist poll attempt")
		}
		if pipeerr.IsRetryable(err) {
			return err
		}
		return s.fail(ctx, rec, err)
	}
	rec.RemoteStatus = remote

	switch {
	case strings.EqualFold(remote, s.failStatus):
		return s.fail(ctx, rec, fmt.Errorf("remote processing failed: %s", remoteErr))
	case strings.EqualFold(remote, s.doneStatus):
		return s.retrieve(ctx, rec)
	default:
		if rec.Status == models.TransferSent {
			rec.Status = models.TransferProcessing
		}
		return s.store.Save(ctx, rec)
	}
}

// retrieve downloads and checksum-verifies the result artifact, then
// advances the record to COMPLETED.
func (s *Service) retrieve(ctx context.Context, rec *models.TransferRecord) error {
	dest := s.artifactPath(rec)
	digest, verified, err := s.client.Download(ctx, rec.TransactionToken, dest)
	if err != nil {
		if pipeerr.IsRetryable(err) {
			if saveErr := s.store.Save(ctx, rec); saveErr != nil {
				log.Error().Err(saveErr).Str("record", rec.ID.String()).Msg("Failed to persist poll attempt")
			}
			return err
		}
		return s.fail(ctx, rec, err)
	}

	rec.DownloadChecksum = digest
	rec.ChecksumVerified = verified
	rec.ArtifactPath = dest
	rec.Status = models.TransferCompleted
	rec.LastError = ""
	if err := s.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist completed record: %w", err)
	}

	log.Info().
		Str("record", rec.ID.String()).
		Str("artifact", dest).
		Bool("verified", verified).
		Msg("Result artifact downloaded")
	return nil
}

// NotifyCompletion tells the remote the artifact is safely persisted so
// it can release server-side storage. The record only reaches
// COMPLETED_NOTIFIED on the exact acknowledgement; anything else leaves
// it COMPLETED for a later retry. The whole sequence runs under the
// record lock.
func (s *Service) NotifyCompletion(ctx context.Context, id uuid.UUID) error {
	return s.store.WithLock(ctx, id, func(rec *models.TransferRecord) error {
		if rec.Status != models.TransferCompleted {
			return fmt.Errorf("record %s is %s, expected %s", rec.ID, rec.Status, models.TransferCompleted)
		}

		acked, err := s.client.Notify(ctx, rec.TransactionToken)
		if err != nil {
			return err
		}
		if !acked {
			log.Warn().
				Str("record", rec.ID.String()).
				Msg("Notify not acknowledged; record stays completed for retry")
			return nil
		}

		rec.Notified = true
		rec.Status = models.TransferCompletedNotified
		return nil
	})
}

// Retry resets a failed record back to PENDING so the pipeline can
// attempt it again, preserving the retry counter.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) error {
	return s.store.WithLock(ctx, id, func(rec *models.TransferRecord) error {
		if rec.Status != models.TransferFailed {
			return fmt.Errorf("record %s is %s, only failed records restart", rec.ID, rec.Status)
		}
		rec.Status = models.TransferPending
		rec.RetryCount++
		rec.LastError = ""
		return nil
	})
}

// fail transitions the record to FAILED, persisting cause, and re-raises
// the original error.
func (s *Service) fail(ctx context.Context, rec *models.TransferRecord, cause error) error {
	rec.Status = models.TransferFailed
	rec.LastError = cause.Error()
	if err := s.store.Save(ctx, rec); err != nil {
		log.Error().Err(err).Str("record", rec.ID.String()).Msg("Failed to persist failed record")
	}
	log.Error().
		Err(cause).
		Str("record", rec.ID.String()).
		Str("series", rec.SeriesPseudoUID).
		Msg("Transfer failed")
	return cause
}

func (s *Service) artifactPath(rec *models.TransferRecord) string {
	name := fmt.Sprintf("%s_%s.dcm", rec.SeriesPseudoUID, rec.TransactionToken)
	return filepath.Join(s.artifactDir, name)
}
