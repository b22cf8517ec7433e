package checksum

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func TestSHA256File(t *testing.T) {
	data := []byte("deidentified series payload")
	path := writeTemp(t, data)

	got, err := SHA256File(path)
	if err != nil {
		t.Fatalf("SHA256File failed: %v", err)
	}

	want := sha256.Sum256(data)
	if got != hex.EncodeToString(want[:]) {
		t.Errorf("digest mismatch: got %s", got)
	}

	// Deterministic on repeat
	again, err := SHA256File(path)
	if err != nil {
		t.Fatalf("SHA256File failed on second call: %v", err)
	}
	if again != got {
		t.Errorf("digest not stable: %s != %s", again, got)
	}
}

func TestSHA512File(t *testing.T) {
	data := []byte("template artifact")
	path := writeTemp(t, data)

	got, err := SHA512File(path)
	if err != nil {
		t.Fatalf("SHA512File failed: %v", err)
	}

	want := sha512.Sum512(data)
	if got != hex.EncodeToString(want[:]) {
		t.Errorf("digest mismatch: got %s", got)
	}
}

func TestSHA256FileMissing(t *testing.T) {
	if _, err := SHA256File(filepath.Join(t.TempDir(), "absent.dcm")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSHA256Writer(t *testing.T) {
	var buf bytes.Buffer
	w := NewSHA256Writer(&buf)

	// Write in several chunks to exercise incremental hashing
	chunks := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	var all []byte
	for _, c := range chunks {
		if _, err := w.Write(c); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		all = append(all, c...)
	}

	want := sha256.Sum256(all)
	if w.Sum() != hex.EncodeToString(want[:]) {
		t.Errorf("incremental digest mismatch: got %s", w.Sum())
	}
	if !bytes.Equal(buf.Bytes(), all) {
		t.Error("writer did not pass bytes through")
	}
}
