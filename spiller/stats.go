package spiller

import (
	"expvar"
	"fmt"
	"sync"

	tdigest "github.com/caio/go-tdigest/v4"
)

// Stats holds the expvar counters for one spiller factory, plus a t-digest
// of committed frame payload sizes so operators can see the on-disk frame
// size distribution, not just totals.
type Stats struct {
	PublishedGlobally bool

	ActiveSpillers    *expvar.Int // gauge: spillers currently open
	SpillCallsTotal   *expvar.Int
	SpilledPagesTotal *expvar.Int
	SpilledBytesTotal *expvar.Int // bytes committed to disk, headers included
	ReadPagesTotal    *expvar.Int

	mu     sync.Mutex
	digest *tdigest.TDigest
}

// NewStats creates and initializes a Stats struct. When publishGlobally is
// true the counters are registered in the global expvar namespace under the
// given prefix, resetting and reusing variables that already exist;
// otherwise they stay private to this instance.
func NewStats(publishGlobally bool, prefix string) *Stats {
	digest, err := tdigest.New()
	if err != nil {
		panic(fmt.Sprintf("spiller: failed to initialize payload size digest: %v", err))
	}

	newInt := func(_ string) *expvar.Int { return new(expvar.Int) }
	if publishGlobally {
		newInt = reuseStatInt
	}

	return &Stats{
		PublishedGlobally: publishGlobally,

		ActiveSpillers:    newInt(prefix + "active_spillers"),
		SpillCallsTotal:   newInt(prefix + "spill_calls_total"),
		SpilledPagesTotal: newInt(prefix + "spilled_pages_total"),
		SpilledBytesTotal: newInt(prefix + "spilled_bytes_total"),
		ReadPagesTotal:    newInt(prefix + "read_pages_total"),

		digest: digest,
	}
}

// observePayloadSize records one committed frame payload size in the digest.
func (s *Stats) observePayloadSize(size float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// AddWeighted only rejects NaN and infinities; a byte count is neither.
	_ = s.digest.AddWeighted(size, 1)
}

// PayloadSizeQuantile returns the given quantile in [0, 1] of committed
// frame payload sizes, or 0 before anything has been spilled.
func (s *Stats) PayloadSizeQuantile(q float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.digest.Count() == 0 {
		return 0
	}
	return s.digest.Quantile(q)
}

// reuseStatInt publishes a counter, resetting one that already exists under
// the same name, so factories can be rebuilt without tripping expvar's
// duplicate-name panic.
func reuseStatInt(name string) *expvar.Int {
	switch v := expvar.Get(name).(type) {
	case nil:
		return expvar.NewInt(name)
	case *expvar.Int:
		v.Set(0)
		return v
	default:
		panic(fmt.Sprintf("expvar name %q already taken by a %T", name, v))
	}
}
