package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/INLOpen/nexusquery/compressors"
	"github.com/INLOpen/nexusquery/config"
	"github.com/INLOpen/nexusquery/core"
	"github.com/INLOpen/nexusquery/hooks"
	"github.com/INLOpen/nexusquery/hooks/listeners"
	"github.com/INLOpen/nexusquery/memory"
	"github.com/INLOpen/nexusquery/server"
	"github.com/INLOpen/nexusquery/spiller"
	"github.com/INLOpen/nexusquery/sys"

	"github.com/shirou/gopsutil/v3/mem"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

// benchSchema is the page layout every generated page carries: one column of
// each supported type, so the serde round-trips all encodings.
var benchSchema = core.Schema{core.ColumnInt64, core.ColumnFloat64, core.ColumnBool, core.ColumnBytes}

// newLogger builds the process logger from the logging config section.
// The returned closer is non-nil when the destination is a file.
func newLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("logging.output is \"file\" but logging.file is empty")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("unknown log output %q", cfg.Output)
	}

	// Interactive terminals get the text handler; files and pipes get JSON.
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if f, ok := output.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}
	return slog.New(handler), closer, nil
}

// setupTracing wires the global OpenTelemetry provider to the
// configured OTLP collector. The returned cleanup flushes buffered spans;
// with tracing disabled both the provider and the cleanup are no-ops.
func setupTracing(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Info("Tracing disabled; spiller spans will not be exported.")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("Exporting traces over OTLP.", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var client otlptrace.Client
	switch strings.ToLower(cfg.Protocol) {
	case "http":
		client = otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
	case "grpc":
		client = otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure())
	default:
		return nil, nil, fmt.Errorf("tracing.protocol %q is not grpc or http", cfg.Protocol)
	}
	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, nil, fmt.Errorf("build OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("nexusquery")))
	if err != nil {
		return nil, nil, fmt.Errorf("build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	cleanup := func() {
		// Bounded so a dead collector cannot hang process exit.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Trace provider shutdown failed.", "error", err)
		}
	}

	return tp, cleanup, nil
}

// buildPage generates one deterministic page of benchSchema rows. The salt
// keeps pages from different workers and batches distinct while the repeated
// prefix leaves the compressors something to work with.
func buildPage(rows int, salt int64) (*core.Page, error) {
	ints := make([]int64, rows)
	floats := make([]float64, rows)
	bools := make([]bool, rows)
	blobs := make([][]byte, rows)
	nulls := make([]bool, rows)
	for i := 0; i < rows; i++ {
		ints[i] = salt + int64(i)*31
		floats[i] = float64(i) / 4
		bools[i] = i%2 == 0
		blobs[i] = []byte(fmt.Sprintf("spill-bench-row-%012d", salt+int64(i)))
		nulls[i] = i%7 == 0
	}
	intCol, err := core.NewInt64Column(ints, nulls)
	if err != nil {
		return nil, err
	}
	floatCol, err := core.NewFloat64Column(floats, nil)
	if err != nil {
		return nil, err
	}
	boolCol, err := core.NewBoolColumn(bools, nil)
	if err != nil {
		return nil, err
	}
	bytesCol, err := core.NewBytesColumn(blobs, nulls)
	if err != nil {
		return nil, err
	}
	return core.NewPage(intCol, floatCol, boolCol, bytesCol)
}

// benchOptions are the workload knobs taken from command-line flags.
type benchOptions struct {
	Queries int // concurrent query workers
	Repeat  int // query lifecycles per worker
	Spills  int // spill calls per query
	Pages   int // pages per spill call
	Rows    int // rows per page
	Migrate bool
}

// bench drives concurrent query lifecycles against one spiller factory and
// one memory governor, the way query execution would.
type bench struct {
	opts     benchOptions
	queryCfg config.QueryConfig
	logger   *slog.Logger

	pool      *memory.Pool
	burstPool *memory.Pool
	tracker   *memory.SpillSpaceTracker
	metrics   *memory.Metrics
	hooks     hooks.HookManager
	factory   *spiller.FileSingleStreamSpillerFactory
	stats     *spiller.Stats

	queriesDone atomic.Int64
	rowsRead    atomic.Int64
}

// run executes the configured number of query lifecycles across the worker
// pool and returns the first failure, if any.
func (b *bench) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < b.opts.Queries; w++ {
		worker := w
		g.Go(func() error {
			for round := 0; round < b.opts.Repeat; round++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := b.runQuery(gctx, worker, round); err != nil {
					return err
				}
				b.queriesDone.Add(1)
			}
			return nil
		})
	}
	return g.Wait()
}

// runQuery performs one full query lifecycle: register with the governor,
// spill a batch sequence, read everything back in order and release every
// reservation again.
func (b *bench) runQuery(ctx context.Context, worker, round int) error {
	queryID := memory.QueryID(fmt.Sprintf("bench-%d-%d", worker, round))
	qc, err := memory.NewQueryContext(memory.QueryContextOptions{
		QueryID:        queryID,
		MaxUserMemory:  b.queryCfg.MaxUserMemoryBytes,
		MaxTotalMemory: b.queryCfg.MaxTotalMemoryBytes,
		MaxSpill:       b.queryCfg.MaxSpillBytes,
		MemoryPool:     b.pool,
		SpillSpace:     b.tracker,
		Logger:         b.logger,
		HookManager:    b.hooks,
		Metrics:        b.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create query context for %s: %w", queryID, err)
	}
	defer qc.Close()

	task, err := qc.AddTaskContext(memory.NewTaskInstanceID())
	if err != nil {
		return fmt.Errorf("failed to register task for %s: %w", queryID, err)
	}
	defer qc.RemoveTaskContext(task.InstanceID())

	// Commits feed the governor's spill accounting. The commit already
	// happened when this runs, so a refused reservation is only logged; the
	// guard listener is what rejects spills before they reach disk.
	var spillReserved atomic.Int64
	onCommit := func(n int64) {
		if _, err := qc.ReserveSpill(n); err != nil {
			b.logger.Warn("Committed spill bytes exceed the query budget", "query_id", queryID, "bytes", n, "error", err)
			return
		}
		spillReserved.Add(n)
	}

	sp, err := b.factory.Create(queryID, benchSchema, onCommit, task.MemoryContext().Revocable())
	if err != nil {
		return fmt.Errorf("failed to create spiller for %s: %w", queryID, err)
	}
	defer sp.Close()

	expectPages := 0
	for i := 0; i < b.opts.Spills; i++ {
		if b.opts.Migrate && b.burstPool != nil && i == b.opts.Spills/2 {
			qc.SetMemoryPool(b.burstPool)
		}

		pages := make([]*core.Page, b.opts.Pages)
		for j := range pages {
			salt := int64(worker)*1_000_000_000 + int64(round)*1_000_000 + int64(i)*1_000 + int64(j)
			page, err := buildPage(b.opts.Rows, salt)
			if err != nil {
				return fmt.Errorf("failed to build page for %s: %w", queryID, err)
			}
			pages[j] = page
		}

		if err := sp.Spill(ctx, pages...).Wait(ctx); err != nil {
			return fmt.Errorf("spill %d of query %s failed: %w", i, queryID, err)
		}
		expectPages += len(pages)
	}

	it, err := sp.GetSpilledPages()
	if err != nil {
		return fmt.Errorf("failed to open spilled pages of %s: %w", queryID, err)
	}
	defer it.Close()

	readPages := 0
	for it.Next() {
		page, err := it.At()
		if err != nil {
			return fmt.Errorf("failed to decode spilled page of %s: %w", queryID, err)
		}
		readPages++
		b.rowsRead.Add(int64(page.PositionCount()))
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("read-back of query %s failed: %w", queryID, err)
	}
	if readPages != expectPages {
		return fmt.Errorf("query %s read back %d pages, want %d", queryID, readPages, expectPages)
	}

	if err := it.Close(); err != nil {
		return fmt.Errorf("failed to close page iterator of %s: %w", queryID, err)
	}
	if err := sp.Close(); err != nil {
		return fmt.Errorf("failed to close spiller of %s: %w", queryID, err)
	}
	if reserved := spillReserved.Load(); reserved > 0 {
		if err := qc.FreeSpill(reserved); err != nil {
			return fmt.Errorf("failed to release spill reservation of %s: %w", queryID, err)
		}
	}
	return nil
}

// printReport writes the perf summary to stdout once the workload is done.
func (b *bench) printReport(elapsed time.Duration) {
	spilledBytes := b.stats.SpilledBytesTotal.Value()
	throughput := float64(spilledBytes) / (1 << 20) / elapsed.Seconds()

	fmt.Println("\n--- Spill Benchmark Results ---")
	fmt.Printf("Queries Completed:    %d\n", b.queriesDone.Load())
	fmt.Printf("Spill Calls:          %d\n", b.stats.SpillCallsTotal.Value())
	fmt.Printf("Pages Spilled:        %d\n", b.stats.SpilledPagesTotal.Value())
	fmt.Printf("Pages Read Back:      %d\n", b.stats.ReadPagesTotal.Value())
	fmt.Printf("Rows Read Back:       %d\n", b.rowsRead.Load())
	fmt.Printf("Bytes Committed:      %d\n", spilledBytes)
	fmt.Printf("Total Time Taken:     %.2f seconds\n", elapsed.Seconds())
	fmt.Printf("Spill Throughput:     %.2f MiB/sec\n", throughput)
	fmt.Println("\n--- Frame Payload Size Distribution ---")
	fmt.Printf("P50 (Median): %.0f bytes\n", b.stats.PayloadSizeQuantile(0.50))
	fmt.Printf("P90:          %.0f bytes\n", b.stats.PayloadSizeQuantile(0.90))
	fmt.Printf("P99:          %.0f bytes\n", b.stats.PayloadSizeQuantile(0.99))
	fmt.Println("---------------------------------------")
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the YAML config file")

	// Workload flags
	queries := flag.Int("queries", 4, "Number of concurrent query workers")
	repeat := flag.Int("repeat", 2, "Query lifecycles per worker")
	spills := flag.Int("spills", 8, "Spill calls per query")
	pages := flag.Int("pages", 4, "Pages per spill call")
	rows := flag.Int("rows", 2048, "Rows per page")
	migrate := flag.Bool("migrate", false, "Migrate each query to a burst pool halfway through its spills")
	trackFiles := flag.Bool("track-files", false, "Track spill file handles and report any left open at exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		// The real logger does not exist yet.
		slog.Error("Could not load configuration.", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := newLogger(cfg.Logging)
	if err != nil {
		slog.Error("Could not build logger.", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	// Libraries that log through slog.Default should use the same handler.
	slog.SetDefault(logger)

	logger.Info("Using spill directories", "paths", cfg.Spill.Paths)

	if *trackFiles {
		sys.SetDebugMode(true)
		logger.Info("File handle tracking enabled.")
	}

	compression, err := compressors.ParseType(cfg.Spill.Compression)
	if err != nil {
		logger.Error("Invalid spill compression value in config.", "value", cfg.Spill.Compression, "error", err)
		os.Exit(1)
	}
	logger.Info("Selected spill frame compression.", "codec", compression.String())

	var metricSrv *server.MetricsServer
	if cfg.Debug.Enabled {
		metricSrv = server.NewMetricsServer(&cfg.Debug, logger)
		go func() {
			if err := metricSrv.Start(); err != nil {
				logger.Error("Metrics server exited with error.", "error", err)
			}
		}()
	}

	tp, tracerCleanup, err := setupTracing(cfg.Tracing, logger)
	if err != nil {
		logger.Error("Tracing setup failed.", "error", err)
		os.Exit(1)
	}

	publishMetrics := cfg.SelfMonitoring.Enabled
	metricPrefix := cfg.SelfMonitoring.MetricPrefix
	memMetrics := memory.NewMetrics(publishMetrics, metricPrefix)
	spillStats := spiller.NewStats(publishMetrics, metricPrefix)

	// Size the admission pool from config, falling back to a fraction of
	// total system memory.
	poolBytes := cfg.Memory.PoolMaxBytes
	if poolBytes == 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			logger.Error("Failed to read system memory for pool sizing", "error", err)
			os.Exit(1)
		}
		poolBytes = int64(float64(vm.Total) * cfg.Memory.PoolMaxFraction)
		logger.Info("Sized memory pool from system memory",
			"system_total_bytes", vm.Total,
			"fraction", cfg.Memory.PoolMaxFraction,
			"pool_bytes", poolBytes)
	}
	pool := memory.NewPool("general", poolBytes, logger, memMetrics)
	var burstPool *memory.Pool
	if *migrate {
		burstPool = memory.NewPool("burst", poolBytes, logger, memMetrics)
	}
	tracker := memory.NewSpillSpaceTracker(cfg.Memory.SpillSpaceMaxBytes, logger, memMetrics)

	ratioListener := listeners.NewCompressionRatioListener(logger)
	alerterListener := listeners.NewMemoryLimitAlerterListener(logger)
	guardRules := []listeners.SpillGuardRule{
		{
			// Reject any single spill call larger than 1 GiB
			Budget: listeners.SpillBudget{MaxBytes: 1 << 30},
		},
	}
	guardListener := listeners.NewSpillGuardListener(logger, guardRules)
	hookManager := hooks.NewHookManager(logger)

	hookManager.Register(hooks.EventPostSpill, ratioListener)
	hookManager.Register(hooks.EventOnMemoryLimitExceeded, alerterListener)
	hookManager.Register(hooks.EventPreSpill, guardListener)
	logger.Info("Registered CompressionRatioListener for PostSpill events.")
	logger.Info("Registered MemoryLimitAlerterListener for OnMemoryLimitExceeded events.")
	logger.Info("Registered SpillGuardListener for PreSpill events.")

	factory, err := spiller.NewFileSingleStreamSpillerFactory(spiller.FactoryOptions{
		SpillPaths:            cfg.Spill.Paths,
		MaxUsedSpaceThreshold: cfg.Spill.MaxUsedSpaceThreshold,
		Compression:           compression,
		Encrypt:               cfg.Spill.Encrypt,
		DirectSerialization:   cfg.Spill.DirectSerialization,
		PrefetchPages:         cfg.Spill.PrefetchPages,
		MaxOpenFiles:          cfg.Spill.MaxOpenFiles,
		Logger:                logger,
		HookManager:           hookManager,
		TracerProvider:        tp,
		Stats:                 spillStats,
	})
	if err != nil {
		logger.Error("Failed to create spiller factory", "error", err)
		os.Exit(1)
	}

	// The collector publishes gauges that the /metrics endpoint exposes,
	// watching the same directories the factory spills into.
	selfMonitoringInterval := config.ParseDuration(cfg.SelfMonitoring.Interval, 15*time.Second, logger)
	var systemCollector *server.SystemCollector
	if cfg.SelfMonitoring.Enabled {
		systemCollector = server.NewSystemCollector(cfg.Spill.Paths, selfMonitoringInterval, metricPrefix, logger)
		systemCollector.Start()
	}

	b := &bench{
		opts: benchOptions{
			Queries: *queries,
			Repeat:  *repeat,
			Spills:  *spills,
			Pages:   *pages,
			Rows:    *rows,
			Migrate: *migrate,
		},
		queryCfg:  cfg.Query,
		logger:    logger,
		pool:      pool,
		burstPool: burstPool,
		tracker:   tracker,
		metrics:   memMetrics,
		hooks:     hookManager,
		factory:   factory,
		stats:     spillStats,
	}

	logger.Info("Starting spill benchmark",
		"queries", b.opts.Queries,
		"repeat", b.opts.Repeat,
		"spills_per_query", b.opts.Spills,
		"pages_per_spill", b.opts.Pages,
		"rows_per_page", b.opts.Rows,
		"compression", compression.String(),
		"encrypt", cfg.Spill.Encrypt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SIGINT and SIGTERM cancel the run; workers unwind through the context.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	benchErrChan := make(chan error, 1)
	start := time.Now()
	go func() {
		benchErrChan <- b.run(ctx)
	}()

	var benchErr error
	select {
	case benchErr = <-benchErrChan:
	case <-sigs:
		logger.Info("Shutdown signal received. Cancelling benchmark...")
		cancel()
		benchErr = <-benchErrChan
	}
	elapsed := time.Since(start)

	if benchErr != nil {
		logger.Error("Benchmark exited with an error", "error", benchErr)
	} else {
		logger.Info("Benchmark completed.", "elapsed", elapsed.String())
	}

	// Every query context is closed by now, so all reservations must have
	// drained back out of the shared pool and the spill budget.
	if reserved := pool.ReservedBytes(); reserved != 0 {
		logger.Error("Memory pool reservation did not return to zero", "pool", pool.Name(), "reserved_bytes", reserved)
	}
	if burstPool != nil {
		if reserved := burstPool.ReservedBytes(); reserved != 0 {
			logger.Error("Memory pool reservation did not return to zero", "pool", burstPool.Name(), "reserved_bytes", reserved)
		}
	}
	if used := tracker.UsedBytes(); used != 0 {
		logger.Error("Spill space did not return to zero", "used_bytes", used)
	}

	b.printReport(elapsed)

	if err := factory.Close(); err != nil {
		logger.Error("Failed to close spiller factory", "error", err)
	}
	if *trackFiles {
		if open := sys.OpenFileNames(); len(open) > 0 {
			logger.Error("Spill file handles left open at exit", "files", open)
		} else {
			logger.Info("All tracked spill file handles were closed.")
		}
	}
	hookManager.Stop()
	tracerCleanup()
	if systemCollector != nil {
		systemCollector.Stop()
	}
	if metricSrv != nil {
		metricSrv.Stop()
	}

	logger.Info("Benchmark exited gracefully.")
	if benchErr != nil {
		os.Exit(1)
	}
}
