package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const hashPrefix = "sha256:"

// ContentHash is the content address of a canonicalized report, in the form
// "sha256:<64 hex>". It doubles as the archive filename stem and the
// deduplication key.
type ContentHash string

// NewContentHash digests the canonical form of a report.
func NewContentHash(canonical []byte) ContentHash {
	sum := sha256.Sum256(canonical)
	return ContentHash(hashPrefix + hex.EncodeToString(sum[:]))
}

// ParseContentHash validates an externally supplied hash string.
func ParseContentHash(s string) (ContentHash, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, hashPrefix) {
		return "", fmt.Errorf("content hash %q missing %q prefix", s, hashPrefix)
	}
	hexPart := strings.TrimPrefix(s, hashPrefix)
	if len(hexPart) != sha256.Size*2 {
		return "", fmt.Errorf("content hash %q has wrong digest length", s)
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return "", fmt.Errorf("content hash %q is not hex: %w", s, err)
	}
	return ContentHash(hashPrefix + strings.ToLower(hexPart)), nil
}

func (h ContentHash) String() string { return string(h) }

// Hex returns the digest portion without the algorithm prefix.
func (h ContentHash) Hex() string {
	return strings.TrimPrefix(string(h), hashPrefix)
}

// Digest returns the raw digest bytes.
func (h ContentHash) Digest() ([]byte, error) {
	return hex.DecodeString(h.Hex())
}

func (h ContentHash) Validate() error {
	if strings.TrimSpace(string(h)) == "" {
		return errors.New("content hash is required")
	}
	_, err := ParseContentHash(string(h))
	return err
}
