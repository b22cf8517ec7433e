package reidentify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/dicomio"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/identity"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/pipeerr"
)

// rtStructSOPClass is the SOP class of RT structure set artifacts, the
// only artifact type the engine accepts.
const rtStructSOPClass = "1.2.840.10008.5.1.4.1.1.481.3"

// Result reports the outcome of reidentifying one artifact. A batch is
// allowed to partially succeed; each artifact carries its own error.
type Result struct {
	ArtifactPath string
	OutputPath   string
	SeriesUID    string
	Err          error
}

// Engine restores original identifiers on result artifacts received from
// the remote service. Artifacts reference the pseudonymous series they
// were computed from; the engine resolves that reference back through the
// identity store and rewrites every mapped value, top-level and nested.
type Engine struct {
	mapper    *identity.Mapper
	exportDir string
}

func New(mapper *identity.Mapper, exportDir string) *Engine {
	return &Engine{mapper: mapper, exportDir: exportDir}
}

// ProcessDirectory reidentifies every artifact under dir. Individual
// artifact failures do not abort the batch; the per-artifact results
// carry them.
func (e *Engine) ProcessDirectory(ctx context.Context, dir string) ([]Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact directory %s: %w", dir, err)
	}

	var results []Result
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if !dicomio.IsDICOMFile(path) {
			continue
		}
		res := e.Reidentify(ctx, path)
		if res.Err != nil {
			log.Error().Err(res.Err).Str("artifact", path).Msg("Artifact reidentification failed")
		} else {
			log.Info().
				Str("artifact", path).
				Str("output", res.OutputPath).
				Str("series", res.SeriesUID).
				Msg("Artifact reidentified")
		}
		results = append(results, res)
	}
	return results, nil
}

// Reidentify processes a single artifact: locate the pseudonymous series
// reference, resolve the identity chain, restore original identifiers
// everywhere they appear and write the result into the export directory.
func (e *Engine) Reidentify(ctx context.Context, path string) Result {
	res := Result{ArtifactPath: path}

	ds, err := dicomio.ReadFile(path)
	if err != nil {
		res.Err = fmt.Errorf("unreadable artifact: %w", err)
		return res
	}
	if ds.SOPClassUID() != rtStructSOPClass {
		res.Err = fmt.Errorf("artifact %s has SOP class %q: %w", path, ds.SOPClassUID(), pipeerr.ErrMalformedInput)
		return res
	}

	// The referenced series lives nested under the frame of reference
	// sequence, several levels deep.
	pseudoSeries := ds.FindNestedString(tag.ReferencedFrameOfReferenceSequence, tag.SeriesInstanceUID)
	if pseudoSeries == "" {
		res.Err = fmt.Errorf("artifact %s carries no series reference: %w", path, pipeerr.ErrMalformedInput)
		return res
	}

	chain, err := e.mapper.ResolveChain(ctx, pseudoSeries)
	if err != nil {
		res.Err = fmt.Errorf("no identity mapping for series %s: %w", pseudoSeries, err)
		return res
	}
	res.SeriesUID = chain.Series.OriginalUID

	if err := e.restore(ds, chain); err != nil {
		res.Err = err
		return res
	}

	out, err := e.outputPath(chain)
	if err != nil {
		res.Err = err
		return res
	}
	if err := ds.Save(out); err != nil {
		res.Err = fmt.Errorf("failed to write reidentified artifact: %w", err)
		return res
	}
	res.OutputPath = out
	return res
}

// restore rewrites the top-level demographic and hierarchy attributes,
// then sweeps the whole dataset replacing every pseudonymous UID the
// chain knows about, wherever it is nested.
func (e *Engine) restore(ds *dicomio.Dataset, chain *identity.Chain) error {
	top := []struct {
		t     tag.Tag
		value string
	}{
		{tag.PatientID, chain.Patient.OriginalID},
		{tag.PatientName, chain.Patient.OriginalName},
		{tag.PatientBirthDate, chain.Patient.OriginalBirth},
		{tag.StudyInstanceUID, chain.Study.OriginalUID},
		{tag.StudyDate, chain.Study.OriginalDate},
		{tag.StudyDescription, chain.Study.Description},
		{tag.SeriesDate, chain.Series.OriginalDate},
		{tag.SeriesDescription, chain.Series.Description},
	}
	for _, f := range top {
		if err := ds.SetString(f.t, f.value); err != nil {
			return fmt.Errorf("failed to restore %v: %w", f.t, err)
		}
	}

	replaced := ds.ReplaceUIDValues(chain.UIDTable())
	log.Debug().
		Int("replaced", replaced).
		Str("series", chain.Series.OriginalUID).
		Msg("Nested UID references restored")
	return nil
}

// outputPath yields a unique destination under the export directory,
// grouped per patient.
func (e *Engine) outputPath(chain *identity.Chain) (string, error) {
	dir := filepath.Join(e.exportDir, chain.Patient.OriginalID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}

	base := filepath.Join(dir, fmt.Sprintf("RS.%s.dcm", chain.Series.OriginalUID))
	out := base
	for n := 1; ; n++ {
		if _, err := os.Stat(out); os.IsNotExist(err) {
			return out, nil
		}
		out = filepath.Join(dir, fmt.Sprintf("RS.%s.%d.dcm", chain.Series.OriginalUID, n))
	}
}
