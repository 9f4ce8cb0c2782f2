package config

import (
	"fmt"
	"math"
	"strings"

	units "github.com/docker/go-units"
)

// ByteSize is a byte quantity written with binary suffixes such as "64KiB"
// or "1Mi". Plain integers are bytes.
type ByteSize struct {
	Bytes int64
}

// ParseByteSize converts a textual byte quantity into bytes.
func ParseByteSize(value string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	lower := strings.ToLower(trimmed)
	for _, suffix := range []string{"ki", "mi", "gi", "ti", "pi"} {
		if strings.HasSuffix(lower, suffix) {
			trimmed += "B"
			break
		}
	}
	bytes, err := units.RAMInBytes(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", value, err)
	}
	if bytes <= 0 {
		return 0, fmt.Errorf("invalid byte size %q: must be positive", value)
	}
	if bytes > math.MaxInt32 {
		return 0, fmt.Errorf("invalid byte size %q: exceeds supported range", value)
	}
	return bytes, nil
}

// UnmarshalText parses a byte quantity, accepting empty strings.
func (b *ByteSize) UnmarshalText(text []byte) error {
	bytes, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	b.Bytes = bytes
	return nil
}

// MarshalText renders the quantity with a binary suffix.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(strings.ReplaceAll(units.BytesSize(float64(b.Bytes)), " ", "")), nil
}
