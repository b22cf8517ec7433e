package transfer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"

	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/checksum"
)

// BuildArchive packs every file under sourceDir into a deflate-compressed
// zip at archivePath and returns the archive's SHA-256 digest. Entry
// names are paths relative to sourceDir so the remote side can recreate
// the layout.
func BuildArchive(sourceDir, archivePath string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(archivePath), 0755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	f, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}

	zw := zip.NewWriter(f)
	walkErr := filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		entry, err := zw.CreateHeader(&zip.FileHeader{
			Name:   filepath.ToSlash(rel),
			Method: zip.Deflate,
		})
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(entry, src)
		return err
	})

	if walkErr != nil {
		zw.Close()
		f.Close()
		os.Remove(archivePath)
		return "", fmt.Errorf("failed to pack %s: %w", sourceDir, walkErr)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(archivePath)
		return "", fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(archivePath)
		return "", fmt.Errorf("failed to close archive: %w", err)
	}

	digest, err := checksum.SHA256File(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to checksum archive: %w", err)
	}
	return digest, nil
}
