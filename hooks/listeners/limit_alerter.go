package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/nexusquery/hooks"
)

// MemoryLimitAlerterListener logs a warning whenever a query is refused
// memory against one of its ceilings. This can be used to spot queries that
// should be moved to a larger pool or granted overcommit.
type MemoryLimitAlerterListener struct {
	logger *slog.Logger
}

// NewMemoryLimitAlerterListener creates a listener that surfaces limit refusals.
func NewMemoryLimitAlerterListener(logger *slog.Logger) *MemoryLimitAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &MemoryLimitAlerterListener{
		logger: logger.With("component", "MemoryLimitAlerterListener"),
	}
}

// OnEvent handles the OnMemoryLimitExceeded event.
func (l *MemoryLimitAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventOnMemoryLimitExceeded {
		return nil
	}

	payload, ok := event.Payload().(hooks.MemoryLimitExceededPayload)
	if !ok {
		l.logger.Error("Received OnMemoryLimitExceeded event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	l.logger.Warn("Query refused memory against its limit",
		"query_id", payload.QueryID,
		"scope", payload.Scope,
		"limit_bytes", payload.Limit,
		"allocated_bytes", payload.Allocated,
		"delta_bytes", payload.Delta,
	)

	return nil
}

// Priority runs alerts after any synchronous bookkeeping.
func (l *MemoryLimitAlerterListener) Priority() int { return 100 }

// IsAsync keeps alerting off the reservation path.
func (l *MemoryLimitAlerterListener) IsAsync() bool { return true }
