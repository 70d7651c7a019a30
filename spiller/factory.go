package spiller

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/INLOpen/nexusquery/core"
	"github.com/INLOpen/nexusquery/hooks"
	"github.com/INLOpen/nexusquery/memory"
	"github.com/INLOpen/nexusquery/sys"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultMaxUsedSpaceThreshold is the used-space fraction above which a
	// spill path stops accepting new spillers.
	DefaultMaxUsedSpaceThreshold = 0.9
	// DefaultPrefetchPages is how many decoded pages a read iterator keeps
	// ahead of its consumer.
	DefaultPrefetchPages = 4
	// DefaultMaxOpenFiles caps how many spill files may be open at once
	// across all spillers of one factory.
	DefaultMaxOpenFiles = 128

	// spillerMemoryTag is the allocation tag spiller buffers charge under.
	spillerMemoryTag = "spiller"
)

// ErrFactoryClosed is returned by Create after the factory has shut down.
var ErrFactoryClosed = errors.New("spiller factory is closed")

// FactoryOptions configures a FileSingleStreamSpillerFactory. Zero values
// for the threshold, prefetch depth and file cap mean their defaults;
// Logger, HookManager, TracerProvider and Stats may be left nil.
type FactoryOptions struct {
	// SpillPaths are the directories spill files are spread over,
	// round-robin. At least one is required.
	SpillPaths []string
	// MaxUsedSpaceThreshold is the used-space fraction in (0, 1] at which
	// a path is skipped when placing a new spiller.
	MaxUsedSpaceThreshold float64
	// Compression selects the codec frames are compressed with.
	// CompressionNone stores frames raw.
	Compression core.CompressionType
	// Encrypt enables per-spiller frame encryption. The key lives only in
	// memory, so spill files are unreadable once the spiller is gone.
	Encrypt bool
	// DirectSerialization frames pages straight into the write buffer
	// instead of staging each frame in a pooled buffer first.
	DirectSerialization bool
	// PrefetchPages is the read iterator's prefetch depth.
	PrefetchPages int
	// MaxOpenFiles caps concurrently open spill files; spills past the cap
	// wait for a slot.
	MaxOpenFiles int64

	Logger         *slog.Logger
	HookManager    hooks.HookManager
	TracerProvider trace.TracerProvider
	Stats          *Stats
}

// FileSingleStreamSpillerFactory creates file-backed spillers, spreads
// their files over the configured spill paths and force-closes whatever is
// still open when it shuts down.
type FileSingleStreamSpillerFactory struct {
	paths       []string
	threshold   float64
	compression core.CompressionType
	encrypt     bool
	direct      bool
	prefetch    int

	logger  *slog.Logger
	hooks   hooks.HookManager
	tracer  trace.Tracer
	stats   *Stats
	fdSlots *semaphore.Weighted

	mu       sync.Mutex
	next     int
	spillers map[string]*FileSingleStreamSpiller
	closed   bool
}

// NewFileSingleStreamSpillerFactory validates opts, creates the spill
// directories, verifies each is writable and sweeps spill files left behind
// by a previous process.
func NewFileSingleStreamSpillerFactory(opts FactoryOptions) (*FileSingleStreamSpillerFactory, error) {
	if len(opts.SpillPaths) == 0 {
		return nil, errors.New("at least one spill path is required")
	}
	if opts.MaxUsedSpaceThreshold == 0 {
		opts.MaxUsedSpaceThreshold = DefaultMaxUsedSpaceThreshold
	}
	if opts.MaxUsedSpaceThreshold < 0 || opts.MaxUsedSpaceThreshold > 1 {
		return nil, fmt.Errorf("max used space threshold %.2f is outside (0, 1]", opts.MaxUsedSpaceThreshold)
	}
	if !opts.Compression.Valid() {
		return nil, fmt.Errorf("unknown compression type %d", byte(opts.Compression))
	}
	if opts.PrefetchPages == 0 {
		opts.PrefetchPages = DefaultPrefetchPages
	}
	if opts.PrefetchPages < 1 {
		return nil, fmt.Errorf("prefetch pages must be at least 1, got %d", opts.PrefetchPages)
	}
	if opts.MaxOpenFiles == 0 {
		opts.MaxOpenFiles = DefaultMaxOpenFiles
	}
	if opts.MaxOpenFiles < 1 {
		return nil, fmt.Errorf("max open files must be at least 1, got %d", opts.MaxOpenFiles)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HookManager == nil {
		opts.HookManager = hooks.NewHookManager(opts.Logger)
	}
	if opts.Stats == nil {
		opts.Stats = NewStats(false, "")
	}
	var tracer trace.Tracer
	if opts.TracerProvider != nil {
		tracer = opts.TracerProvider.Tracer("github.com/INLOpen/nexusquery/spiller")
	} else {
		tracer = noop.NewTracerProvider().Tracer("")
	}

	for _, path := range opts.SpillPaths {
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create spill path %s: %w", path, err)
		}
		if err := probeWritable(path); err != nil {
			return nil, err
		}
		sweepStaleSpillFiles(path, opts.Logger)
	}

	return &FileSingleStreamSpillerFactory{
		paths:       opts.SpillPaths,
		threshold:   opts.MaxUsedSpaceThreshold,
		compression: opts.Compression,
		encrypt:     opts.Encrypt,
		direct:      opts.DirectSerialization,
		prefetch:    opts.PrefetchPages,
		logger:      opts.Logger,
		hooks:       opts.HookManager,
		tracer:      tracer,
		stats:       opts.Stats,
		fdSlots:     semaphore.NewWeighted(opts.MaxOpenFiles),
		spillers:    make(map[string]*FileSingleStreamSpiller),
	}, nil
}

// probeWritable verifies the path accepts file creation before any query
// depends on it.
func probeWritable(path string) error {
	probe := filepath.Join(path, ".probe-"+uuid.NewString())
	file, err := sys.Create(probe)
	if err != nil {
		return fmt.Errorf("spill path %s is not writable: %w", path, err)
	}
	file.Close()
	sys.Remove(probe)
	return nil
}

// sweepStaleSpillFiles removes spill files a previous process left behind.
// Their encryption keys died with that process, so they are unreadable
// garbage occupying spill space.
func sweepStaleSpillFiles(path string, logger *slog.Logger) {
	entries, err := os.ReadDir(path)
	if err != nil {
		logger.Warn("failed to scan spill path for stale files", "path", path, "error", err)
		return
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !core.IsSpillFileName(entry.Name()) {
			continue
		}
		stale := filepath.Join(path, entry.Name())
		if err := sys.Remove(stale); err != nil {
			logger.Warn("failed to remove stale spill file", "file", stale, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Info("removed stale spill files", "path", path, "count", removed)
	}
}

// Create returns a new spiller for the given query, bound to schema and
// charging its buffers to memCtx. onCommit, which may be nil, is invoked
// with the on-disk byte delta after each successful spill.
func (f *FileSingleStreamSpillerFactory) Create(queryID memory.QueryID, schema core.Schema, onCommit func(int64), memCtx *memory.AggregatedContext) (SingleStreamSpiller, error) {
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("invalid spill schema: %w", err)
	}
	if memCtx == nil {
		return nil, errors.New("a memory context is required")
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrFactoryClosed
	}
	dir, err := f.nextSpillPathLocked()
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var cipher *frameCipher
	if f.encrypt {
		cipher, err = newFrameCipher()
		if err != nil {
			return nil, err
		}
	}
	serde, err := newWriteSerde(f.compression, cipher)
	if err != nil {
		return nil, err
	}

	leaf := memCtx.NewLocalContext(spillerMemoryTag)
	// The returned future is deliberately ignored: spilling happens
	// because memory is scarce, so a spiller buffer must never stall
	// behind the very capacity it is trying to free.
	if _, err := leaf.SetBytes(WriteBufferSize); err != nil {
		leaf.Close()
		return nil, fmt.Errorf("failed to reserve spill write buffer: %w", err)
	}

	s := &FileSingleStreamSpiller{
		id:        uuid.NewString(),
		queryID:   queryID,
		schema:    schema,
		dir:       dir,
		serde:     serde,
		cipher:    cipher,
		codecType: f.compression,
		direct:    f.direct,
		prefetch:  f.prefetch,
		onCommit:  onCommit,
		memCtx:    leaf,
		logger:    f.logger,
		tracer:    f.tracer,
		hooks:     f.hooks,
		stats:     f.stats,
		fdSlots:   f.fdSlots,
		detach:    f.remove,
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		leaf.Close()
		return nil, ErrFactoryClosed
	}
	f.spillers[s.id] = s
	f.mu.Unlock()

	f.stats.ActiveSpillers.Add(1)
	f.logger.Debug("created spiller", "spiller_id", s.id, "query_id", queryID, "dir", dir)
	return s, nil
}

// nextSpillPathLocked picks the next spill path round-robin, skipping paths
// whose disk is above the used-space threshold or cannot be inspected.
func (f *FileSingleStreamSpillerFactory) nextSpillPathLocked() (string, error) {
	n := len(f.paths)
	for i := 0; i < n; i++ {
		path := f.paths[(f.next+i)%n]
		usage, err := disk.Usage(path)
		if err != nil {
			f.logger.Warn("failed to inspect spill path", "path", path, "error", err)
			continue
		}
		if usage.UsedPercent >= f.threshold*100 {
			f.logger.Warn("spill path is over the used-space threshold",
				"path", path,
				"used_percent", usage.UsedPercent,
				"threshold_percent", f.threshold*100)
			continue
		}
		f.next = (f.next + i + 1) % n
		return path, nil
	}
	return "", fmt.Errorf("no usable spill directory among %d configured paths", n)
}

func (f *FileSingleStreamSpillerFactory) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.spillers, id)
}

// ActiveSpillers returns how many spillers are currently open.
func (f *FileSingleStreamSpillerFactory) ActiveSpillers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spillers)
}

// Close force-closes every remaining spiller and rejects further Create
// calls. Idempotent.
func (f *FileSingleStreamSpillerFactory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	remaining := make([]*FileSingleStreamSpiller, 0, len(f.spillers))
	for _, s := range f.spillers {
		remaining = append(remaining, s)
	}
	f.mu.Unlock()

	for _, s := range remaining {
		s.Close()
	}
	if len(remaining) > 0 {
		f.logger.Info("force-closed remaining spillers", "count", len(remaining))
	}
	return nil
}
