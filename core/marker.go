package core

import "strings"

// PageCodecMarker is the per-frame marker byte recorded in a spill file.
// Each bit describes a transform that was applied to the frame payload, so
// a reader decodes frames from the file contents alone and never needs the
// writer's configuration out-of-band.
type PageCodecMarker byte

const (
	// PageCompressed is set when the frame payload was compressed by the
	// codec recorded in the file header.
	PageCompressed PageCodecMarker = 1 << 0
	// PageEncrypted is set when the frame payload was encrypted.
	PageEncrypted PageCodecMarker = 1 << 1
)

// markerAllKnown is the union of every marker bit this version understands.
const markerAllKnown = PageCompressed | PageEncrypted

// IsSet reports whether flag is set in m.
func (m PageCodecMarker) IsSet(flag PageCodecMarker) bool {
	return m&flag != 0
}

// Set returns m with flag set.
func (m PageCodecMarker) Set(flag PageCodecMarker) PageCodecMarker {
	return m | flag
}

// Known reports whether m contains only marker bits understood by this
// version. Unknown bits on read-back indicate a corrupt or foreign file.
func (m PageCodecMarker) Known() bool {
	return m&^markerAllKnown == 0
}

// String returns a summary like "COMPRESSED, ENCRYPTED" for diagnostics.
func (m PageCodecMarker) String() string {
	if m == 0 {
		return "NONE"
	}
	var parts []string
	if m.IsSet(PageCompressed) {
		parts = append(parts, "COMPRESSED")
	}
	if m.IsSet(PageEncrypted) {
		parts = append(parts, "ENCRYPTED")
	}
	if !m.Known() {
		parts = append(parts, "UNKNOWN")
	}
	return strings.Join(parts, ", ")
}
