package checksum

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
)

// chunkSize is the read buffer used when streaming files through a hash.
// Files are never loaded into memory whole.
const chunkSize = 1 << 20 // 1 MiB

// SHA256File computes the hex-encoded SHA-256 digest of a file, streaming
// it in fixed-size chunks.
func SHA256File(path string) (string, error) {
	return hashFile(path, sha256.New())
}

// SHA512File computes the hex-encoded SHA-512 digest of a file. Used for
// template catalog fingerprinting.
func SHA512File(path string) (string, error) {
	return hashFile(path, sha512.New())
}

func hashFile(path string, h hash.Hash) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for hashing: %w", err)
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// SHA256Writer wraps an io.Writer so the digest of everything written can be
// read back afterwards. The transfer client uses it to verify downloads
// incrementally instead of re-reading the artifact.
type SHA256Writer struct {
	w io.Writer
	h hash.Hash
}

// NewSHA256Writer returns a writer that tees into a SHA-256 hash.
func NewSHA256Writer(w io.Writer) *SHA256Writer {
	return &SHA256Writer{w: w, h: sha256.New()}
}

func (s *SHA256Writer) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if n > 0 {
		s.h.Write(p[:n])
	}
	return n, err
}

// Sum returns the hex-encoded digest of all bytes written so far.
func (s *SHA256Writer) Sum() string {
	return hex.EncodeToString(s.h.Sum(nil))
}
