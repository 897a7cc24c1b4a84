package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// baseUUIDSuffix is the Bluetooth SIG base UUID minus its first 32 bits.
const baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// NormalizeUUID converts a UUID string to canonical lowercase RFC-4122 form.
// 16-bit and 32-bit SIG short forms ("180d", "0x180D", "0000180d") are expanded
// against the Bluetooth base UUID. Braces and the urn prefix are accepted.
func NormalizeUUID(s string) (string, error) {
	trimmed := strings.TrimSpace(s)
	short := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	switch len(short) {
	case 4:
		short = "0000" + short
		fallthrough
	case 8:
		if !isHex(short) {
			return "", fmt.Errorf("invalid UUID %q", s)
		}
		trimmed = short + baseUUIDSuffix
	}

	u, err := uuid.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return u.String(), nil
}

// MustNormalizeUUID is NormalizeUUID for constants and tests; it panics on malformed input.
func MustNormalizeUUID(s string) string {
	u, err := NormalizeUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// ShortUUID returns the 16-bit form of a SIG base UUID and the input otherwise.
func ShortUUID(canonical string) string {
	if strings.HasPrefix(canonical, "0000") && strings.HasSuffix(canonical, baseUUIDSuffix) && len(canonical) == 36 {
		return canonical[4:8]
	}
	return canonical
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// Returns the canonical UUID strings or an error.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, u := range uuids {
		if strings.TrimSpace(u) == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized, err := NormalizeUUID(u)
		if err != nil {
			return nil, fmt.Errorf("invalid UUID format at index %d: %w", i, err)
		}
		result = append(result, normalized)
	}
	return result, nil
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
