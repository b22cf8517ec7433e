package transfer

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"

	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/checksum"
)

func TestBuildArchiveRoundTrip(t *testing.T) {
	src := filepath.Join(t.TempDir(), "series")
	if err := os.MkdirAll(filepath.Join(src, "nested"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	files := map[string]string{
		"a.dcm":        "first slice",
		"nested/b.dcm": "second slice",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(src, name), []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	archive := filepath.Join(t.TempDir(), "series.zip")
	digest, err := BuildArchive(src, archive)
	if err != nil {
		t.Fatalf("BuildArchive failed: %v", err)
	}

	want, err := checksum.SHA256File(archive)
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	if digest != want {
		t.Errorf("returned digest %s does not match archive digest %s", digest, want)
	}

	r, err := zip.OpenReader(archive)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer r.Close()

	seen := map[string]string{}
	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open entry %s: %v", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read entry %s: %v", f.Name, err)
		}
		seen[f.Name] = string(data)
	}
	for name, content := range files {
		if seen[name] != content {
			t.Errorf("entry %s = %q, want %q", name, seen[name], content)
		}
	}
}

func TestBuildArchiveMissingSource(t *testing.T) {
	_, err := BuildArchive(filepath.Join(t.TempDir(), "nope"), filepath.Join(t.TempDir(), "out.zip"))
	if err == nil {
		t.Fatal("expected error for missing source directory")
	}
}
