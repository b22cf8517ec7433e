package reidentify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/dicomio"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/dicomio/dicomtest"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/identity"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/pipeerr"
)

// seedChain registers one patient/study/series/instance hierarchy and
// returns the resolved chain.
func seedChain(t *testing.T, mapper *identity.Mapper) *identity.Chain {
	t.Helper()
	ctx := context.Background()

	patient, err := mapper.PseudonymizePatient(ctx, "PAT001", "DOE^JANE", "19700101")
	if err != nil {
		t.Fatalf("pseudonymize patient: %v", err)
	}
	study, err := mapper.PseudonymizeStudy(ctx, patient, "1.2.3.100", "20240101", "CT HEAD")
	if err != nil {
		t.Fatalf("pseudonymize study: %v", err)
	}
	series, err := mapper.PseudonymizeSeries(ctx, study, "1.2.3.100.1", "20240101", "AXIAL", "1.2.3.900")
	if err != nil {
		t.Fatalf("pseudonymize series: %v", err)
	}
	if _, err := mapper.PseudonymizeInstance(ctx, series, "1.2.3.100.1.1"); err != nil {
		t.Fatalf("pseudonymize instance: %v", err)
	}

	chain, err := mapper.ResolveChain(ctx, series.PseudoUID)
	if err != nil {
		t.Fatalf("resolve chain: %v", err)
	}
	return chain
}

func TestRestoreRewritesDemographicsAndSweepsUIDs(t *testing.T) {
	mapper := identity.NewWithOffset(identity.NewMemoryStore(), -7)
	chain := seedChain(t, mapper)
	engine := New(mapper, t.TempDir())

	path := filepath.Join(t.TempDir(), "rs.dcm")
	ds := dicomtest.NewDatasetWithClass(t, rtStructSOPClass, "1.2.999.1", []dicomtest.FieldSpec{
		{Tag: tag.PatientID, Value: chain.Patient.PseudoID},
		{Tag: tag.PatientName, Value: identity.PseudoNamePlaceholder},
		{Tag: tag.PatientBirthDate, Value: chain.Patient.PseudoBirth},
		{Tag: tag.StudyInstanceUID, Value: chain.Study.PseudoUID},
		{Tag: tag.StudyDate, Value: chain.Study.PseudoDate},
		{Tag: tag.StudyDescription, Value: "Study " + chain.Study.PseudoUID},
		{Tag: tag.FrameOfReferenceUID, Value: chain.Series.PseudoFrameOfRef},
		{Tag: tag.Modality, Value: "RTSTRUCT"},
	})
	dicomtest.WriteFile(t, path, ds)

	loaded, err := dicomio.ReadFile(path)
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	if err := engine.restore(loaded, chain); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	checks := map[tag.Tag]string{
		tag.PatientID:           "PAT001",
		tag.PatientName:         "DOE^JANE",
		tag.PatientBirthDate:    "19700101",
		tag.StudyInstanceUID:    "1.2.3.100",
		tag.StudyDate:           "20240101",
		tag.StudyDescription:    "CT HEAD",
		tag.FrameOfReferenceUID: "1.2.3.900",
	}
	for tg, want := range checks {
		if got := loaded.GetString(tg); got != want {
			t.Errorf("%v = %q, want %q", tg, got, want)
		}
	}
}

// An artifact carrying its series reference only inside the nested
// frame-of-reference sequence must still resolve the identity chain, and
// every pseudonymous UID buried in sequence items must be rewritten.
func TestReidentifyRewritesNestedSequenceReferences(t *testing.T) {
	mapper := identity.NewWithOffset(identity.NewMemoryStore(), -7)
	chain := seedChain(t, mapper)
	engine := New(mapper, t.TempDir())

	if len(chain.Instances) != 1 {
		t.Fatalf("got %d instances, want 1", len(chain.Instances))
	}
	pseudoInstance := chain.Instances[0].PseudoUID

	path := filepath.Join(t.TempDir(), "rs.dcm")
	ds := dicomtest.NewDatasetWithClass(t, rtStructSOPClass, "1.2.999.4", []dicomtest.FieldSpec{
		{Tag: tag.PatientID, Value: chain.Patient.PseudoID},
		{Tag: tag.PatientName, Value: identity.PseudoNamePlaceholder},
		{Tag: tag.PatientBirthDate, Value: chain.Patient.PseudoBirth},
		{Tag: tag.StudyInstanceUID, Value: chain.Study.PseudoUID},
		{Tag: tag.StudyDate, Value: chain.Study.PseudoDate},
		{Tag: tag.StudyDescription, Value: "Study " + chain.Study.PseudoUID},
		{Tag: tag.SeriesDate, Value: chain.Series.PseudoDate},
		{Tag: tag.SeriesDescription, Value: "Series " + chain.Series.PseudoUID},
		{Tag: tag.Modality, Value: "RTSTRUCT"},
	})
	ds.Elements = append(ds.Elements, dicomtest.NewSequenceElement(t,
		tag.ReferencedFrameOfReferenceSequence,
		dicomtest.SequenceItem{
			dicomtest.NewStringElement(t, tag.FrameOfReferenceUID, chain.Series.PseudoFrameOfRef),
			dicomtest.NewSequenceElement(t, tag.RTReferencedStudySequence,
				dicomtest.SequenceItem{
					dicomtest.NewStringElement(t, tag.ReferencedSOPInstanceUID, chain.Study.PseudoUID),
					dicomtest.NewSequenceElement(t, tag.RTReferencedSeriesSequence,
						dicomtest.SequenceItem{
							dicomtest.NewStringElement(t, tag.SeriesInstanceUID, chain.Series.PseudoUID),
							dicomtest.NewSequenceElement(t, tag.ContourImageSequence,
								dicomtest.SequenceItem{
									dicomtest.NewStringElement(t, tag.ReferencedSOPInstanceUID, pseudoInstance),
								}),
						}),
				}),
		}))
	dicomtest.WriteFile(t, path, ds)

	res := engine.Reidentify(context.Background(), path)
	if res.Err != nil {
		t.Fatalf("Reidentify failed: %v", res.Err)
	}
	if res.SeriesUID != "1.2.3.100.1" {
		t.Errorf("resolved series = %s, want 1.2.3.100.1", res.SeriesUID)
	}

	out, err := dicomio.ReadFile(res.OutputPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if got := out.GetString(tag.SeriesDate); got != "20240101" {
		t.Errorf("series date = %q, want 20240101", got)
	}
	if got := out.GetString(tag.SeriesDescription); got != "AXIAL" {
		t.Errorf("series description = %q, want AXIAL", got)
	}
	if got := out.FindNestedString(tag.ReferencedFrameOfReferenceSequence, tag.SeriesInstanceUID); got != "1.2.3.100.1" {
		t.Errorf("nested series reference = %q, want 1.2.3.100.1", got)
	}
	if got := out.FindNestedString(tag.ReferencedFrameOfReferenceSequence, tag.FrameOfReferenceUID); got != "1.2.3.900" {
		t.Errorf("nested frame of reference = %q, want 1.2.3.900", got)
	}
	if got := out.FindNestedString(tag.ReferencedFrameOfReferenceSequence, tag.ReferencedSOPInstanceUID); got != "1.2.3.100" {
		t.Errorf("nested study reference = %q, want 1.2.3.100", got)
	}

	// The contour image reference sits four levels deep; the sweep must
	// have reached it too.
	var sawOriginal, sawPseudo bool
	for elem := range out.Data.FlatIterator() {
		if elem == nil || elem.Value == nil {
			continue
		}
		values, ok := elem.Value.GetValue().([]string)
		if !ok {
			continue
		}
		for _, v := range values {
			if v == "1.2.3.100.1.1" {
				sawOriginal = true
			}
			if v == pseudoInstance {
				sawPseudo = true
			}
		}
	}
	if !sawOriginal {
		t.Error("original instance UID absent from reidentified artifact")
	}
	if sawPseudo {
		t.Error("pseudonymous instance UID survived reidentification")
	}
}

func TestReidentifyRejectsNonStructureSet(t *testing.T) {
	mapper := identity.NewWithOffset(identity.NewMemoryStore(), 0)
	engine := New(mapper, t.TempDir())

	path := filepath.Join(t.TempDir(), "ct.dcm")
	dicomtest.WriteImage(t, path, "PAT001", "1.2.3.100", "1.2.3.100.1", "1.2.3.100.1.1", "CT")

	res := engine.Reidentify(context.Background(), path)
	if !errors.Is(res.Err, pipeerr.ErrMalformedInput) {
		t.Fatalf("err = %v, want ErrMalformedInput", res.Err)
	}
}

func TestReidentifyRejectsMissingSeriesReference(t *testing.T) {
	mapper := identity.NewWithOffset(identity.NewMemoryStore(), 0)
	engine := New(mapper, t.TempDir())

	path := filepath.Join(t.TempDir(), "rs.dcm")
	ds := dicomtest.NewDatasetWithClass(t, rtStructSOPClass, "1.2.999.2", []dicomtest.FieldSpec{
		{Tag: tag.Modality, Value: "RTSTRUCT"},
	})
	dicomtest.WriteFile(t, path, ds)

	res := engine.Reidentify(context.Background(), path)
	if !errors.Is(res.Err, pipeerr.ErrMalformedInput) {
		t.Fatalf("err = %v, want ErrMalformedInput", res.Err)
	}
}

func TestReidentifyUnreadableArtifact(t *testing.T) {
	mapper := identity.NewWithOffset(identity.NewMemoryStore(), 0)
	engine := New(mapper, t.TempDir())

	path := filepath.Join(t.TempDir(), "junk.dcm")
	if err := os.WriteFile(path, []byte("not a dicom object"), 0644); err != nil {
		t.Fatalf("write junk: %v", err)
	}

	res := engine.Reidentify(context.Background(), path)
	if res.Err == nil {
		t.Fatal("expected error for unparsable artifact")
	}
}

// A batch keeps going past a bad artifact and reports per-file outcomes.
func TestProcessDirectoryPartialResults(t *testing.T) {
	mapper := identity.NewWithOffset(identity.NewMemoryStore(), 0)
	engine := New(mapper, t.TempDir())
	dir := t.TempDir()

	// Wrong SOP class: fails reidentification but is a valid DICOM file.
	dicomtest.WriteImage(t, filepath.Join(dir, "ct.dcm"), "PAT001", "1.2.3.100", "1.2.3.100.1", "1.2.3.100.1.1", "CT")
	// No series reference: also fails.
	ds := dicomtest.NewDatasetWithClass(t, rtStructSOPClass, "1.2.999.3", []dicomtest.FieldSpec{
		{Tag: tag.Modality, Value: "RTSTRUCT"},
	})
	dicomtest.WriteFile(t, filepath.Join(dir, "rs.dcm"), ds)
	// Not DICOM at all: silently skipped, not reported.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0644); err != nil {
		t.Fatalf("write text: %v", err)
	}

	results, err := engine.ProcessDirectory(context.Background(), dir)
	if err != nil {
		t.Fatalf("ProcessDirectory failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, res := range results {
		if res.Err == nil {
			t.Errorf("artifact %s should have failed", res.ArtifactPath)
		}
	}
}

func TestOutputPathUnique(t *testing.T) {
	mapper := identity.NewWithOffset(identity.NewMemoryStore(), 0)
	chain := seedChain(t, mapper)
	engine := New(mapper, t.TempDir())

	first, err := engine.outputPath(chain)
	if err != nil {
		t.Fatalf("outputPath: %v", err)
	}
	if err := os.WriteFile(first, []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	second, err := engine.outputPath(chain)
	if err != nil {
		t.Fatalf("outputPath: %v", err)
	}
	if first == second {
		t.Errorf("expected a distinct path, both were %s", first)
	}
}
