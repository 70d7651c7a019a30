package memory

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

// LimitScope identifies which per-query memory ceiling a reservation hit.
type LimitScope string

const (
	// ScopeUser is the per-query user memory ceiling.
	ScopeUser LimitScope = "user"
	// ScopeTotal is the per-query total (user plus system) memory ceiling.
	ScopeTotal LimitScope = "total"
)

// SpillScope identifies which spill budget was exhausted.
type SpillScope string

const (
	SpillScopeQuery SpillScope = "query"
	SpillScopeNode  SpillScope = "node"
)

// TaggedAllocation is a single tag's outstanding reservation, reported in
// limit diagnostics.
type TaggedAllocation struct {
	Tag   string
	Bytes int64
}

// topConsumers picks up to the three largest tagged allocations, descending.
// Negative balances (left behind by force-freed contexts) are dropped after
// the cut, matching the reported behavior operators rely on.
func topConsumers(allocations map[string]int64) []TaggedAllocation {
	if len(allocations) == 0 {
		return nil
	}
	all := make([]TaggedAllocation, 0, len(allocations))
	for tag, bytes := range allocations {
		all = append(all, TaggedAllocation{Tag: tag, Bytes: bytes})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Bytes != all[j].Bytes {
			return all[i].Bytes > all[j].Bytes
		}
		return all[i].Tag < all[j].Tag
	})
	if len(all) > 3 {
		all = all[:3]
	}
	top := all[:0]
	for _, a := range all {
		if a.Bytes >= 0 {
			top = append(top, a)
		}
	}
	if len(top) == 0 {
		return nil
	}
	return top
}

// ExceededMemoryLimitError reports a reservation refused against one of the
// per-query memory ceilings.
type ExceededMemoryLimitError struct {
	Scope        LimitScope
	Limit        int64
	Allocated    int64
	Delta        int64
	TopConsumers []TaggedAllocation
}

func (e *ExceededMemoryLimitError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "query exceeded per-node %s memory limit of %s [Allocated: %s, Delta: %s",
		e.Scope, formatBytes(e.Limit), formatBytes(e.Allocated), formatBytes(e.Delta))
	if len(e.TopConsumers) > 0 {
		sb.WriteString(", Top Consumers: {")
		for i, tc := range e.TopConsumers {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%s", tc.Tag, formatBytes(tc.Bytes))
		}
		sb.WriteString("}")
	}
	sb.WriteString("]")
	return sb.String()
}

// ExceededSpillLimitError reports a spill reservation refused against the
// per-query or node-wide disk budget.
type ExceededSpillLimitError struct {
	Scope SpillScope
	Limit int64
}

func (e *ExceededSpillLimitError) Error() string {
	if e.Scope == SpillScopeNode {
		return fmt.Sprintf("spill limit of %s for this node exhausted", formatBytes(e.Limit))
	}
	return fmt.Sprintf("query exceeded local spill limit of %s", formatBytes(e.Limit))
}

// UnsupportedReservationModeError is thrown (via panic) when a caller uses
// the try-reservation path on a memory tree that does not support it. This
// is a programming error, not a capacity failure.
type UnsupportedReservationModeError struct {
	Mode string
}

func (e *UnsupportedReservationModeError) Error() string {
	return fmt.Sprintf("try-reservation is not supported for %s memory", e.Mode)
}

// IsMemoryLimitExceeded checks if an error is an ExceededMemoryLimitError.
func IsMemoryLimitExceeded(err error) bool {
	var limitErr *ExceededMemoryLimitError
	return errors.As(err, &limitErr)
}

// IsSpillLimitExceeded checks if an error is an ExceededSpillLimitError.
func IsSpillLimitExceeded(err error) bool {
	var limitErr *ExceededSpillLimitError
	return errors.As(err, &limitErr)
}

func formatBytes(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}
