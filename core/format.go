package core

import (
	"fmt"
	"strings"
)

// On-disk identifiers for the spill engine: magic numbers, format
// versions, and the file naming scheme shared by the writer and the
// startup sweep.

const (
	// SpillMagicNumber identifies a single-stream spill file.
	SpillMagicNumber uint32 = 0x5350494C // "SPIL"

	// FormatVersion is stamped into every header this package writes.
	// Bump it on any incompatible layout change.
	FormatVersion uint8 = 1
)

// Spill files are named spill-<uuid>.bin inside the configured directory.
const (
	SpillFilePrefix = "spill-"
	SpillFileSuffix = ".bin"
)

// FormatSpillFileName builds a spill file name from a unique identifier.
func FormatSpillFileName(id string) string {
	return fmt.Sprintf("%s%s%s", SpillFilePrefix, id, SpillFileSuffix)
}

// IsSpillFileName reports whether name looks like a spill file produced by
// this engine. Used by the factory's startup sweep to remove files left
// behind by a previous process.
func IsSpillFileName(name string) bool {
	return strings.HasPrefix(name, SpillFilePrefix) && strings.HasSuffix(name, SpillFileSuffix)
}
