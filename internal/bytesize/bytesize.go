// Package bytesize is a byte count that reads and writes human-readable
// sizes in configuration files ("64KiB", "1 GB", "4096").
package bytesize

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// ByteSize is a size in bytes.
type ByteSize uint64

// Common sizes.
const (
	B   ByteSize = 1
	KB  ByteSize = humanize.KByte
	MB  ByteSize = humanize.MByte
	GB  ByteSize = humanize.GByte
	KiB ByteSize = humanize.KiByte
	MiB ByteSize = humanize.MiByte
	GiB ByteSize = humanize.GiByte
)

// ParseByteSize parses a size with an optional SI or IEC unit suffix.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty byte size string")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	size, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = size
	return nil
}

// MarshalYAML writes the size in IEC units so saved files stay readable.
func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

// String returns the size in IEC units, e.g. "64 KiB".
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Int returns the size as an int.
func (b ByteSize) Int() int {
	return int(b)
}

// Int64 returns the size as an int64.
func (b ByteSize) Int64() int64 {
	return int64(b)
}

// Uint64 returns the size as a uint64.
func (b ByteSize) Uint64() uint64 {
	return uint64(b)
}
