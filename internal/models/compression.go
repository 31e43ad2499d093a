package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Compression algorithm names understood by borg.
const (
	CompressionNone = "none"
	CompressionLZ4  = "lz4"
	CompressionZstd = "zstd"
	CompressionZlib = "zlib"
	CompressionLZMA = "lzma"
)

// Compression is a borg compression setting.
//
// A bare algorithm name in the config file ("zstd") and a table with only
// the algorithm set ({algorithm = "zstd"}) produce the same value.
type Compression struct {
	Algorithm   string
	Level       *int // nil means the borg default for the algorithm
	Auto        bool
	Obfuscation *int // nil means no obfuscation
}

// NoCompression is the hard-coded default when neither target nor template sets one.
func NoCompression() Compression {
	return Compression{Algorithm: CompressionNone}
}

// LevelRange returns the accepted level range for an algorithm.
// ok is false for algorithms that take no level.
func LevelRange(algorithm string) (lo, hi int, ok bool) {
	switch algorithm {
	case CompressionZstd:
		return 1, 22, true
	case CompressionZlib, CompressionLZMA:
		return 0, 9, true
	default:
		return 0, 0, false
	}
}

// KnownAlgorithm reports whether borg supports the named algorithm.
func KnownAlgorithm(algorithm string) bool {
	switch algorithm {
	case CompressionNone, CompressionLZ4, CompressionZstd, CompressionZlib, CompressionLZMA:
		return true
	}
	return false
}

// String renders the value of borg's --compression flag,
// e.g. "obfuscate,110,auto,zstd,3".
func (c Compression) String() string {
	var parts []string
	if c.Obfuscation != nil {
		parts = append(parts, "obfuscate", strconv.Itoa(*c.Obfuscation))
	}
	// auto has no meaning for "none".
	if c.Auto && c.Algorithm != CompressionNone {
		parts = append(parts, "auto")
	}
	alg := c.Algorithm
	if alg == "" {
		alg = CompressionNone
	}
	parts = append(parts, alg)
	if _, _, ok := LevelRange(alg); ok && c.Level != nil {
		parts = append(parts, strconv.Itoa(*c.Level))
	}
	return strings.Join(parts, ",")
}

// Equal reports whether two settings are identical.
func (c Compression) Equal(o Compression) bool {
	return c.Algorithm == o.Algorithm && c.Auto == o.Auto &&
		intPtrEqual(c.Level, o.Level) && intPtrEqual(c.Obfuscation, o.Obfuscation)
}

// MarshalText renders the borg --compression spec.
func (c Compression) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// GoString keeps %#v output readable in test failures.
func (c Compression) GoString() string {
	return fmt.Sprintf("Compression(%s)", c.String())
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
