package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/nexusquery/hooks"
)

// SpillBudget defines the per-operation ceilings a spill must stay under.
// A zero field means that dimension is unlimited.
type SpillBudget struct {
	MaxPages int
	MaxBytes int64
}

// SpillGuardRule scopes a budget to one query. An empty QueryID supplies the
// default budget for queries that have no rule of their own.
type SpillGuardRule struct {
	QueryID string
	Budget  SpillBudget
}

// SpillGuardListener rejects spill operations that exceed a configured budget.
// It runs on PreSpill, so a rejected spill never touches disk.
type SpillGuardListener struct {
	logger *slog.Logger
	rules  map[string]SpillBudget // map[queryID]SpillBudget, "" is the default
}

// NewSpillGuardListener creates a listener enforcing the given budgets.
func NewSpillGuardListener(logger *slog.Logger, rules []SpillGuardRule) *SpillGuardListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ruleMap := make(map[string]SpillBudget)
	for _, rule := range rules {
		ruleMap[rule.QueryID] = rule.Budget
	}

	return &SpillGuardListener{
		logger: logger.With("component", "SpillGuardListener"),
		rules:  ruleMap,
	}
}

// OnEvent handles PreSpill events and cancels spills over budget.
func (l *SpillGuardListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPreSpill {
		return nil
	}

	payload, ok := event.Payload().(hooks.PreSpillPayload)
	if !ok {
		l.logger.Error("Received PreSpill event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	budget, hasRule := l.rules[payload.QueryID]
	if !hasRule {
		budget, hasRule = l.rules[""]
		if !hasRule {
			return nil
		}
	}

	if budget.MaxPages > 0 && payload.Pages > budget.MaxPages {
		l.logger.Warn("Spill rejected: page budget exceeded",
			"query_id", payload.QueryID,
			"spiller_id", payload.SpillerID,
			"pages", payload.Pages,
			"max_pages", budget.MaxPages,
		)
		return fmt.Errorf("spill of %d pages exceeds the budget of %d pages for query %q", payload.Pages, budget.MaxPages, payload.QueryID)
	}

	if budget.MaxBytes > 0 && payload.EstimatedBytes > budget.MaxBytes {
		l.logger.Warn("Spill rejected: byte budget exceeded",
			"query_id", payload.QueryID,
			"spiller_id", payload.SpillerID,
			"estimated_bytes", payload.EstimatedBytes,
			"max_bytes", budget.MaxBytes,
		)
		return fmt.Errorf("spill of %d bytes exceeds the budget of %d bytes for query %q", payload.EstimatedBytes, budget.MaxBytes, payload.QueryID)
	}

	return nil
}

// Priority puts the guard ahead of observers.
func (l *SpillGuardListener) Priority() int { return 10 }

// IsAsync is false: a veto has to reach the caller inline.
func (l *SpillGuardListener) IsAsync() bool { return false }
