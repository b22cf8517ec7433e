package secrets

import (
	"bytes"
	"strings"
	"testing"
)

const testKey = "3f9c2a7d84b1e6053f9c2a7d84b1e6053f9c2a7d84b1e6053f9c2a7d84b1e605"

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := NewBox(testKey)
	if err != nil {
		t.Fatalf("NewBox failed: %v", err)
	}

	plaintext := []byte("refresh-token-value")
	sealed, err := box.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Error("ciphertext contains plaintext")
	}

	opened, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("round trip mismatch: got %q", opened)
	}
}

func TestOpenTampered(t *testing.T) {
	box, err := NewBox(testKey)
	if err != nil {
		t.Fatalf("NewBox failed: %v", err)
	}

	sealed, err := box.Seal([]byte("bearer-token"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff

	if _, err := box.Open(sealed); err == nil {
		t.Error("expected error for tampered ciphertext")
	}
}

func TestNewBoxBadKey(t *testing.T) {
	if _, err := NewBox("not-hex"); err == nil {
		t.Error("expected error for non-hex key")
	}
	if _, err := NewBox(strings.Repeat("ab", 16)); err == nil {
		t.Error("expected error for short key")
	}
}
