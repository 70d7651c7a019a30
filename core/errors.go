package core

import (
	"errors"
	"fmt"
)

// CorruptionError reports an inconsistency found while reading a spill
// file back: a bad checksum, impossible frame lengths, unknown marker
// bits, or a page body that disagrees with its schema.
type CorruptionError struct {
	File   string // backing file path, empty when not known at the site
	Reason string
	Err    error // underlying error, if any
}

func (e *CorruptionError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("spill file %s corrupted: %s", e.File, e.Reason)
	}
	return fmt.Sprintf("spill data corrupted: %s", e.Reason)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// IsCorruption checks if an error is a CorruptionError.
func IsCorruption(err error) bool {
	var corruptionError *CorruptionError
	return errors.As(err, &corruptionError)
}
