package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/warp-endpoint-scanner/internal/api"
	"github.com/warp-endpoint-scanner/internal/config"
	"github.com/warp-endpoint-scanner/internal/logging"
	"github.com/warp-endpoint-scanner/internal/metrics"
	"github.com/warp-endpoint-scanner/internal/pipeline"
	"github.com/warp-endpoint-scanner/internal/snapshot"
	"github.com/warp-endpoint-scanner/internal/storage"
	"github.com/warp-endpoint-scanner/internal/types"
	"github.com/warp-endpoint-scanner/internal/xray"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.json", "path to JSON or YAML config file")
	mode := flag.String("mode", "scan", "run mode: scan (one pass) or serve (periodic scans + API)")
	flag.Parse()

	log.SetFormatter(&log.JSONFormatter{})
	if *mode != "scan" && *mode != "serve" {
		log.Fatalf("Unknown mode %q (want scan or serve)", *mode)
	}
	log.Infof("Starting WARP endpoint scanner v%s", version)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logCloser.Close()

	if err := xray.CheckBinary(cfg.Daemon.Binary); err != nil {
		log.Fatalf("Daemon binary check failed: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsCollector := metrics.NewCollector(cfg.Metrics.Namespace, registry)

	store, err := storage.New(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	snapshotMgr := snapshot.NewManager(store)
	defer snapshotMgr.Close()

	scan, err := pipeline.NewDefault(cfg, metricsCollector)
	if err != nil {
		log.Fatalf("Failed to build scan pipeline: %v", err)
	}

	if *mode == "serve" {
		err = runServe(cfg, scan, snapshotMgr, metricsCollector, registry)
	} else {
		err = runScan(scan, snapshotMgr)
	}
	if err != nil {
		snapshotMgr.Close()
		logCloser.Close()
		log.Fatalf("%v", err)
	}
	log.Info("Shutdown complete")
}

// loadConfig falls back to defaults when the file does not exist
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warnf("Config file %s not found, using defaults", path)
		return config.Default(), nil
	}
	return cfg, err
}

func runScan(scan pipeline.Runner, snap *snapshot.Manager) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return scanAndReport(ctx, scan, snap, os.Stdout)
}

// scanAndReport prints and saves the ranking of one completed scan.
// An interrupted scan is neither printed nor saved.
func scanAndReport(ctx context.Context, scan pipeline.Runner, snap *snapshot.Manager, out io.Writer) error {
	result, err := scan.Run(ctx)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("scan interrupted, partial ranking discarded: %w", err)
	}

	if len(result.Ranked) == 0 {
		log.Warn("No usable endpoints found")
	} else {
		fmt.Fprint(out, rankingTable(result.Ranked))
	}

	snap.Update(result.Ranked, result.Stats)
	return nil
}

func rankingTable(ranked []types.Measurement) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-6s %-24s %-16s %s\n", "Rank", "Endpoint", "Avg latency", "Loss rate")
	for i, m := range ranked {
		fmt.Fprintf(&b, "%-6d %-24s %-16s %.2f%%\n", i+1, m.Endpoint, fmt.Sprintf("%.2fms", m.AvgLatencyMs), m.LossRatePercent)
	}
	return b.String()
}

func runServe(cfg *config.Config, scan *pipeline.Pipeline, snap *snapshot.Manager,
	metricsCollector *metrics.Collector, registry *prometheus.Registry) error {

	maxAge := 2 * time.Duration(cfg.Scanner.IntervalSeconds) * time.Second
	if err := snap.LoadFromStorage(context.Background(), maxAge); err != nil {
		log.Warnf("Failed to load existing snapshot: %v (starting fresh)", err)
	}

	scheduler := pipeline.NewScheduler(scan, snap, time.Duration(cfg.Scanner.IntervalSeconds)*time.Second)
	apiServer := api.NewServer(cfg, snap, metricsCollector, registry, scheduler)

	var g run.Group
	{
		// scan loop
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return scheduler.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	{
		// http server
		g.Add(func() error {
			if err := apiServer.Start(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("API server failed: %w", err)
			}
			return nil
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := apiServer.Shutdown(ctx); err != nil {
				log.Errorf("API server shutdown error: %v", err)
			}
		})
	}
	{
		// signals
		g.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))
	}

	log.Infof("Service started on %s", cfg.API.Addr)
	err := g.Run()

	var sigErr run.SignalError
	if errors.As(err, &sigErr) || errors.Is(err, context.Canceled) {
		log.Infof("Shutting down gracefully (%v)", err)
		return nil
	}
	return err
}
