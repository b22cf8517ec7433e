package series

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/dicomio/dicomtest"
)

var allowed = []string{"CT", "MR", "PT", "US"}

func TestSeparateGroupsBySeries(t *testing.T) {
	source := t.TempDir()
	dest := t.TempDir()

	// Two series spread over a nested source tree
	dicomtest.WriteImage(t, filepath.Join(source, "a.dcm"), "P1", "1.2.3", "1.2.3.1", "1.2.3.1.1", "CT")
	sub := filepath.Join(source, "sub")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	dicomtest.WriteImage(t, filepath.Join(sub, "b.dcm"), "P1", "1.2.3", "1.2.3.1", "1.2.3.1.2", "CT")
	dicomtest.WriteImage(t, filepath.Join(sub, "c.dcm"), "P1", "1.2.3", "1.2.3.2", "1.2.3.2.1", "MR")

	m := NewMaterializer(dest, allowed)
	descs, err := m.Separate(source)
	if err != nil {
		t.Fatalf("Separate failed: %v", err)
	}

	if len(descs) != 2 {
		t.Fatalf("expected 2 series, got %d", len(descs))
	}

	byUID := map[string]int{}
	for _, d := range descs {
		byUID[d.SeriesUID] = d.FileCount
		if d.PatientID != "P1" {
			t.Errorf("descriptor patient id = %s", d.PatientID)
		}
		if _, err := os.Stat(d.WorkingDir); err != nil {
			t.Errorf("working dir missing: %v", err)
		}
	}
	if byUID["1.2.3.1"] != 2 || byUID["1.2.3.2"] != 1 {
		t.Errorf("unexpected grouping: %v", byUID)
	}

	// Moved, not copied: originals gone
	if _, err := os.Stat(filepath.Join(source, "a.dcm")); !os.IsNotExist(err) {
		t.Error("source file a.dcm not moved")
	}
}

func TestSeparateSkipsNonParseable(t *testing.T) {
	source := t.TempDir()
	dest := t.TempDir()

	dicomtest.WriteImage(t, filepath.Join(source, "good.dcm"), "P1", "1.2.3", "1.2.3.1", "1.2.3.1.1", "CT")
	if err := os.WriteFile(filepath.Join(source, "junk.txt"), []byte("not dicom"), 0644); err != nil {
		t.Fatalf("failed to write junk: %v", err)
	}

	m := NewMaterializer(dest, allowed)
	descs, err := m.Separate(source)
	if err != nil {
		t.Fatalf("Separate failed: %v", err)
	}
	if len(descs) != 1 || descs[0].FileCount != 1 {
		t.Fatalf("unexpected result: %+v", descs)
	}

	// The junk file stays where it was
	if _, err := os.Stat(filepath.Join(source, "junk.txt")); err != nil {
		t.Error("non-DICOM file should be left in place")
	}
}

func TestSeparateRejectsModality(t *testing.T) {
	source := t.TempDir()
	dest := t.TempDir()

	dicomtest.WriteImage(t, filepath.Join(source, "sc.dcm"), "P1", "1.2.3", "1.2.3.9", "1.2.3.9.1", "SC")

	m := NewMaterializer(dest, allowed)
	descs, err := m.Separate(source)
	if err != nil {
		t.Fatalf("Separate failed: %v", err)
	}
	if len(descs) != 0 {
		t.Errorf("disallowed modality entered the pipeline: %+v", descs)
	}
}

func TestSeparateMissingSource(t *testing.T) {
	m := NewMaterializer(t.TempDir(), allowed)
	if _, err := m.Separate(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("expected error for unavailable source directory")
	}
}
