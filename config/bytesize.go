package config

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// DefaultBufferSize is the transfer buffer size used when none is configured.
const DefaultBufferSize ByteSize = 1 << 20

// ByteSize is a byte count parsed from a human readable string such as
// "512k", "1MB" or "4MiB". It satisfies flag.Value (and so cli.Generic) as
// well as envconfig.Decoder.
type ByteSize uint64

// ParseByteSize parses s using decimal (kB, MB, ...) or binary (KiB, MiB, ...)
// unit suffixes. A bare integer is taken as bytes.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty byte size")
	}

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

// Bytes returns the size as a plain byte count.
func (b ByteSize) Bytes() uint64 { return uint64(b) }

// String renders the size using binary units.
func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

// Set implements flag.Value.
func (b *ByteSize) Set(s string) error {
	v, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// Decode implements envconfig.Decoder.
func (b *ByteSize) Decode(value string) error {
	return b.Set(value)
}
