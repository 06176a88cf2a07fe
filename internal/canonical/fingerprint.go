package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for fingerprint computation.
// The version suffix enables future algorithm migration.
const (
	DomainFlags   = "menupipe/flags/v1"
	DomainRuleSet = "menupipe/ruleset/v1"
)

// FingerprintLen is the number of hex characters retained in a fingerprint.
// 12 chars = 48 bits, enough to distinguish snapshot generations while
// staying readable in artifact paths and log lines.
const FingerprintLen = 12

// Fingerprint computes a stable short digest of a value under a domain.
// Format: first 12 hex chars of SHA256(domain + 0x00 + canonicalJSON).
// The null byte separator prevents domain/data boundary ambiguity.
func Fingerprint(domain string, v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))[:FingerprintLen], nil
}
