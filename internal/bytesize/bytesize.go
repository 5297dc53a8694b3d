// Package bytesize parses the human-readable sizes used for flash regions,
// banks and erase blocks in configuration files.
package bytesize

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ByteSize is a size in bytes. It decodes from plain numbers or from
// strings with a binary (Ki, Mi, Gi) or decimal (K, M, G) unit, with or
// without a trailing "B": "4Ki", "256KiB", "2M", "4096".
type ByteSize uint64

const (
	B  ByteSize = 1
	KB ByteSize = 1000
	MB ByteSize = 1000 * KB
	GB ByteSize = 1000 * MB

	KiB ByteSize = 1024
	MiB ByteSize = 1024 * KiB
	GiB ByteSize = 1024 * MiB
)

var byteSizePattern = regexp.MustCompile(`(?i)^\s*(\d+(?:\.\d+)?)\s*([a-z]*)\s*$`)

var units = map[string]ByteSize{
	"":    B,
	"b":   B,
	"k":   KB,
	"kb":  KB,
	"m":   MB,
	"mb":  MB,
	"g":   GB,
	"gb":  GB,
	"ki":  KiB,
	"kib": KiB,
	"mi":  MiB,
	"mib": MiB,
	"gi":  GiB,
	"gib": GiB,
}

// binary lists the units Exact may emit, largest first.
var binary = []struct {
	size ByteSize
	name string
}{{GiB, "Gi"}, {MiB, "Mi"}, {KiB, "Ki"}}

// ParseByteSize parses s. Fractions are allowed with a unit ("1.5Ki") and
// truncated to whole bytes.
func ParseByteSize(s string) (ByteSize, error) {
	if strings.TrimSpace(s) == "" {
		return 0, fmt.Errorf("empty byte size string")
	}
	m := byteSizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid byte size format: %q", s)
	}

	unit, ok := units[strings.ToLower(m[2])]
	if !ok {
		return 0, fmt.Errorf("unknown byte size unit: %q", m[2])
	}

	if !strings.Contains(m[1], ".") {
		n, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil || n > math.MaxUint64/uint64(unit) {
			return 0, fmt.Errorf("byte size out of range: %q", s)
		}
		return ByteSize(n) * unit, nil
	}

	f, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number in byte size: %q", m[1])
	}
	return ByteSize(f * float64(unit)), nil
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

// MarshalText implements encoding.TextMarshaler using Exact, so saved
// configuration files parse back to the same value.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.Exact()), nil
}

// String renders b rounded to two decimals in the largest binary unit.
func (b ByteSize) String() string {
	for _, u := range binary {
		if b >= u.size {
			return fmt.Sprintf("%.2f%sB", float64(b)/float64(u.size), u.name)
		}
	}
	return fmt.Sprintf("%dB", uint64(b))
}

// Exact returns the shortest lossless form: "256Ki", "4Mi", or a plain
// byte count when no binary unit divides b.
func (b ByteSize) Exact() string {
	for _, u := range binary {
		if b >= u.size && b%u.size == 0 {
			return fmt.Sprintf("%d%s", b/u.size, u.name)
		}
	}
	return strconv.FormatUint(uint64(b), 10)
}

// Uint32 returns b as a flash address or length. It fails when the value
// does not fit the 32-bit address space.
func (b ByteSize) Uint32() (uint32, error) {
	if b > math.MaxUint32 {
		return 0, fmt.Errorf("byte size %d exceeds 32 bits", uint64(b))
	}
	return uint32(b), nil
}

// Blocks returns how many blocks of the given size b spans. It fails when
// b is not a whole number of blocks.
func (b ByteSize) Blocks(block ByteSize) (uint32, error) {
	if block == 0 {
		return 0, fmt.Errorf("zero block size")
	}
	if b%block != 0 {
		return 0, fmt.Errorf("%s is not a multiple of the %s block size", b.Exact(), block.Exact())
	}
	return ByteSize(b / block).Uint32()
}
