// Command substrate-demo wires the configuration, logger, metrics sink,
// cache, pipeline, and coordinator into one running process and exposes a
// small HTTP surface for inspecting them.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskmesh/substrate/internal/obslog"
	"github.com/taskmesh/substrate/internal/substrateconfig"
	"github.com/taskmesh/substrate/pkg/cache"
	"github.com/taskmesh/substrate/pkg/coordinator"
	"github.com/taskmesh/substrate/pkg/metrics"
	"github.com/taskmesh/substrate/pkg/pipeline"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a JSON configuration file")
		preset     = flag.String("preset", "default", "named preset: default, batch, interactive")
		addr       = flag.String("addr", ":8099", "HTTP debug surface listen address")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath, *preset)
	if err != nil {
		os.Stderr.WriteString("substrate-demo: " + err.Error() + "\n")
		os.Exit(1)
	}

	level, _ := obslog.ParseLevel(cfg.Logging.Level)
	format := obslog.TextFormat
	if cfg.Logging.Format == "json" {
		format = obslog.JSONFormat
	}
	output, err := resolveLogOutput(cfg.Logging)
	if err != nil {
		os.Stderr.WriteString("substrate-demo: " + err.Error() + "\n")
		os.Exit(1)
	}
	obslog.InitGlobal(&obslog.Config{Level: level, Format: format, Output: output})
	logger := obslog.GetGlobal().WithComponent("substrate-demo")

	registry := prometheus.NewRegistry()
	sink := metrics.NewSink(metrics.Options{PoolSize: cfg.Pipeline.MaxWorkers, Registerer: registry})
	sink.Start(time.Duration(cfg.Metrics.IntervalMs) * time.Millisecond)
	defer sink.Stop()

	var disk *cache.DiskStore
	if cfg.Cache.DiskEnabled {
		disk = cache.NewDiskStore(cfg.Cache.DiskDir, cfg.Cache.CompressDisk, obslog.GetGlobal())
	}

	c := cache.New(cache.Config{
		MemoryBudgetBytes: cfg.Cache.MemoryBudgetBytes,
		DefaultTTL:        time.Duration(cfg.Cache.DefaultTTLSeconds) * time.Second,
		Policy:            cache.PolicyName(cfg.Cache.EvictionPolicy),
	}, disk, sink, obslog.GetGlobal(), nil)

	p := pipeline.New(pipeline.Config{
		MaxWorkers:        cfg.Pipeline.MaxWorkers,
		MaxConcurrent:     cfg.Pipeline.MaxConcurrent,
		DefaultTimeout:    time.Duration(cfg.Pipeline.DefaultTimeout) * time.Second,
		DefaultMaxRetries: cfg.Pipeline.MaxRetries,
	}, sink, obslog.GetGlobal(), nil)

	co := coordinator.New(c, p, sink, obslog.GetGlobal())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := co.Start(ctx); err != nil {
		logger.Error("startup failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	co.SetBaseline()

	server := &http.Server{Addr: *addr, Handler: newRouter(co, sink, registry)}
	go func() {
		logger.Info("debug HTTP surface listening", map[string]interface{}{"addr": *addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", map[string]interface{}{"error": err.Error()})
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down", nil)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	if err := p.AwaitAll(5 * time.Second); err != nil {
		logger.Warn("drain before shutdown timed out", map[string]interface{}{"error": err.Error()})
	}
	if err := co.Stop(); err != nil {
		logger.Error("stop failed", map[string]interface{}{"error": err.Error()})
	}
}

func loadConfig(path, preset string) (*substrateconfig.Config, error) {
	if path != "" {
		return substrateconfig.LoadConfig(path)
	}
	return substrateconfig.GetPresetConfig(preset)
}

func resolveLogOutput(cfg substrateconfig.LoggingConfig) (io.Writer, error) {
	switch cfg.Output {
	case "file":
		return obslog.CreateFileOutput(cfg.File)
	case "both":
		return obslog.CreateCombinedOutput(cfg.File)
	default:
		return os.Stderr, nil
	}
}

func newRouter(co *coordinator.Coordinator, sink *metrics.Sink, registry *prometheus.Registry) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/metrics/snapshot", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, sink.Sample())
	}).Methods(http.MethodGet)

	r.HandleFunc("/report", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, co.Report())
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return r
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
