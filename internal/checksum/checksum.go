package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Sum returns the hex SHA-256 fingerprint of a payload. The importer stores
// it per batch to catch re-uploads of the identical bill file.
func Sum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Matcher checks payloads against a known fingerprint.
type Matcher struct {
	expected string
}

func NewMatcher(expected string) *Matcher {
	return &Matcher{expected: expected}
}

func (m *Matcher) Match(data []byte) (bool, error) {
	if m.expected == "" {
		return false, errors.New("expected checksum is not set")
	}
	return Sum(data) == m.expected, nil
}
