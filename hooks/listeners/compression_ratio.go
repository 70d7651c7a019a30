package listeners

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusquery/hooks"
)

// Process-wide counters behind CompressionRatioListener. They register
// once; building a second listener shares the same counters.
var (
	spillRatioMetricsOnce  sync.Once
	spillUncompressedBytes *expvar.Int
	spillWrittenBytes      *expvar.Int
	spillEvents            *expvar.Int
)

func initSpillRatioMetrics() {
	spillRatioMetricsOnce.Do(func() {
		spillUncompressedBytes = expvar.NewInt("spill_uncompressed_bytes_total")
		spillWrittenBytes = expvar.NewInt("spill_written_bytes_total")
		spillEvents = expvar.NewInt("spill_events_total")
		// The ratio is derived from the two counters at scrape time.
		expvar.Publish("spill_compression_ratio", expvar.Func(func() interface{} {
			uncompressed := spillUncompressedBytes.Value()
			if uncompressed == 0 {
				return 0.0
			}
			return float64(spillWrittenBytes.Value()) / float64(uncompressed)
		}))
	})
}

// CompressionRatioListener accumulates how well spilled pages compress on
// their way to disk, published as expvar counters plus a derived ratio.
type CompressionRatioListener struct {
	logger *slog.Logger

	uncompressedBytes *expvar.Int
	writtenBytes      *expvar.Int
	spillEvents       *expvar.Int
}

// NewCompressionRatioListener creates the listener, registering its expvars
// on first use.
func NewCompressionRatioListener(logger *slog.Logger) *CompressionRatioListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initSpillRatioMetrics()
	return &CompressionRatioListener{
		logger:            logger.With("component", "CompressionRatioListener"),
		uncompressedBytes: spillUncompressedBytes,
		writtenBytes:      spillWrittenBytes,
		spillEvents:       spillEvents,
	}
}

// OnEvent folds successful PostSpill events into the counters.
func (l *CompressionRatioListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	payload, ok := event.Payload().(hooks.PostSpillPayload)
	if !ok {
		return nil
	}
	if payload.Error != nil {
		// Failed spills may have written nothing; counting them would skew the ratio.
		return nil
	}

	l.uncompressedBytes.Add(payload.UncompressedBytes)
	l.writtenBytes.Add(payload.SpilledBytes)
	l.spillEvents.Add(1)

	l.logger.Info("Spill event processed",
		"query_id", payload.QueryID,
		"spiller_id", payload.SpillerID,
		"uncompressed_bytes", payload.UncompressedBytes,
		"spilled_bytes", payload.SpilledBytes,
		"duration", payload.Duration,
	)
	return nil
}

// Priority runs the byte accounting after any guards.
func (l *CompressionRatioListener) Priority() int { return 100 }

// IsAsync keeps the accounting off the spill path.
func (l *CompressionRatioListener) IsAsync() bool { return true }
