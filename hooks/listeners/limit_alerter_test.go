package listeners

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/INLOpen/nexusquery/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimitAlerterListener_OnEvent(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	listener := NewMemoryLimitAlerterListener(logger)

	t.Run("Warns on a limit refusal", func(t *testing.T) {
		logBuf.Reset()

		payload := hooks.MemoryLimitExceededPayload{
			QueryID:   "query-7",
			Scope:     "user",
			Limit:     100 << 20,
			Allocated: 90 << 20,
			Delta:     20 << 20,
		}
		event := hooks.NewOnMemoryLimitExceededEvent(payload)

		require.NoError(t, listener.OnEvent(context.Background(), event))

		out := logBuf.String()
		assert.Contains(t, out, "Query refused memory")
		assert.Contains(t, out, `"query_id":"query-7"`)
		assert.Contains(t, out, `"scope":"user"`)
	})

	t.Run("Stays silent for other events", func(t *testing.T) {
		logBuf.Reset()
		event := hooks.NewPostSpillEvent(hooks.PostSpillPayload{})
		require.NoError(t, listener.OnEvent(context.Background(), event))
		assert.Empty(t, logBuf.String())
	})
}
