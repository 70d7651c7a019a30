package server

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexusquery/config"
	"github.com/INLOpen/nexusquery/sys"
	"github.com/arl/statsviz"
)

// MetricsServer serves the operational HTTP surface: expvar metrics, pprof,
// the statsviz UI and spill debugging endpoints. It is separate from any
// query-serving listener so operators can firewall it independently.
type MetricsServer struct {
	server  *http.Server
	logger  *slog.Logger
	started atomic.Bool
}

// NewMetricsServer builds the debug HTTP server from the debug section of
// the configuration. Endpoints that are switched off simply 404.
func NewMetricsServer(cfg *config.DebugConfig, logger *slog.Logger) *MetricsServer {
	logger = logger.With("component", "MetricsServer")
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	// Reports spill file handles still open, as tracked by the sys layer.
	// With tracking off the list is empty and "tracking" says so.
	mux.HandleFunc("/debug/spillfiles", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			Tracking bool     `json:"tracking"`
			Open     []string `json:"open"`
		}{
			Tracking: sys.DebugMode(),
			Open:     sys.OpenFileNames(),
		})
	})

	if cfg.PProfEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		logger.Info("pprof endpoints enabled under /debug/pprof")
	}

	if cfg.MetricsEnabled {
		publishPreallocStats()
		mux.Handle("/metrics", expvar.Handler())
		logger.Info("Serving expvar metrics on /metrics")
	}

	if cfg.MonitorUIEnabled {
		err := statsviz.Register(mux,
			statsviz.Root("/viz"),
			statsviz.SendFrequency(250*time.Millisecond),
		)
		if err != nil {
			logger.Warn("Failed to register statsviz UI", "error", err)
		} else {
			logger.Info("Runtime visualization UI available at /viz")
		}
	}

	addr := cfg.ListenAddress
	if addr == "" {
		addr = ":8080"
	}

	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// publishPreallocStats exposes the preallocation verdict cache counters.
// expvar.Publish panics on duplicate names, so registration is guarded for
// tests that build several servers in one process.
func publishPreallocStats() {
	if expvar.Get("spill_prealloc_cache") != nil {
		return
	}
	expvar.Publish("spill_prealloc_cache", expvar.Func(func() any {
		hits, misses := sys.PreallocCacheStats()
		return map[string]uint64{"hits": hits, "misses": misses}
	}))
}

// Start runs the server and blocks until it is shut down. Calling Start on
// a server that is already running is a no-op.
func (s *MetricsServer) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	s.logger.Info("Debug HTTP server listening", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("Debug HTTP server failed", "error", err)
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the server down. It is safe to
// call on a server that never started.
func (s *MetricsServer) Stop() {
	if !s.started.CompareAndSwap(true, false) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Debug HTTP server shutdown failed", "error", err)
		return
	}
	s.logger.Info("Debug HTTP server stopped.")
}
