package series

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/dicomio"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/identity"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Materializer groups raw imaging files into per-series working
// directories, extracting the minimal metadata downstream stages need.
type Materializer struct {
	destRoot          string
	allowedModalities []string
}

// NewMaterializer creates a materializer writing series directories under
// destRoot.
func NewMaterializer(destRoot string, allowedModalities []string) *Materializer {
	return &Materializer{destRoot: destRoot, allowedModalities: allowedModalities}
}

// Separate walks sourceDir (including subdirectories), parses every file
// as an imaging object, silently skips non-parseable files, rejects files
// whose modality is not allow-listed, and moves the rest into one working
// directory per series. On full success the source tree is left without
// imaging files and can be safely removed by the caller.
func (m *Materializer) Separate(sourceDir string) ([]models.SeriesDescriptor, error) {
	if _, err := os.Stat(sourceDir); err != nil {
		return nil, fmt.Errorf("source directory unavailable: %w", err)
	}

	found := make(map[string]*models.SeriesDescriptor)
	order := []string{}

	walkErr := filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if info.IsDir() {
			return nil
		}
		if !dicomio.IsDICOMFile(path) {
			return nil
		}

		ds, err := dicomio.ReadFileMetadataOnly(path)
		if err != nil {
			log.Debug().Str("file", path).Msg("Skipping non-parseable file")
			return nil
		}

		modality := ds.Modality()
		if !identity.AllowedModality(modality, m.allowedModalities) {
			log.Warn().Str("file", path).Str("modality", modality).Msg("Rejected: modality not allow-listed")
			return nil
		}

		seriesUID := ds.GetString(tag.SeriesInstanceUID)
		if seriesUID == "" {
			log.Debug().Str("file", path).Msg("Skipping file without series UID")
			return nil
		}

		desc, ok := found[seriesUID]
		if !ok {
			workingDir := filepath.Join(m.destRoot, seriesUID)
			if err := os.MkdirAll(workingDir, 0755); err != nil {
				return fmt.Errorf("failed to create working directory: %w", err)
			}
			desc = &models.SeriesDescriptor{
				PatientID:         ds.GetString(tag.PatientID),
				PatientName:       ds.GetString(tag.PatientName),
				PatientBirthDate:  ds.GetString(tag.PatientBirthDate),
				StudyUID:          ds.GetString(tag.StudyInstanceUID),
				StudyDate:         ds.GetString(tag.StudyDate),
				StudyDescription:  ds.GetString(tag.StudyDescription),
				SeriesUID:         seriesUID,
				SeriesDate:        ds.GetString(tag.SeriesDate),
				SeriesDescription: ds.GetString(tag.SeriesDescription),
				FrameOfReference:  ds.GetString(tag.FrameOfReferenceUID),
				Modality:          modality,
				WorkingDir:        workingDir,
			}
			found[seriesUID] = desc
			order = append(order, seriesUID)
		}

		// Move, not copy: the directory handoff is part of the state machine.
		dest := filepath.Join(desc.WorkingDir, info.Name())
		dest = uniquePath(dest)
		if err := os.Rename(path, dest); err != nil {
			return fmt.Errorf("failed to move %s: %w", path, err)
		}
		desc.FileCount++
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	out := make([]models.SeriesDescriptor, 0, len(order))
	for _, uid := range order {
		out = append(out, *found[uid])
	}

	log.Info().Int("series", len(out)).Str("source", sourceDir).Msg("Series separation complete")
	return out, nil
}

// uniquePath appends a numeric suffix until the path does not exist, so a
// resumed run never overwrites a previously moved file.
func uniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	base := path[:len(path)-len(ext)]
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
