package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/warp-endpoint-scanner/internal/binding"
	"github.com/warp-endpoint-scanner/internal/catalog"
	"github.com/warp-endpoint-scanner/internal/checker"
	"github.com/warp-endpoint-scanner/internal/config"
	"github.com/warp-endpoint-scanner/internal/credential"
	"github.com/warp-endpoint-scanner/internal/metrics"
	"github.com/warp-endpoint-scanner/internal/ranker"
	"github.com/warp-endpoint-scanner/internal/scanner"
	"github.com/warp-endpoint-scanner/internal/types"
	"github.com/warp-endpoint-scanner/internal/xray"
)

var ErrNoCredential = errors.New("tunnel credential unavailable")

// CandidateSource produces the endpoints for one scan
type CandidateSource interface {
	Build(ctx context.Context) ([]types.Endpoint, catalog.Stats, error)
}

// Daemon runs the local proxy inbounds for the duration of a scan
type Daemon interface {
	Start(ctx context.Context, cfg *xray.Config) error
	Stop() error
	Running() bool
	Cleanup()
}

// ReadyFunc blocks until the local inbounds accept connections
type ReadyFunc func(ctx context.Context, addrs []string, timeout time.Duration, concurrency int) ([]string, error)

type Deps struct {
	Credentials credential.Provider
	Catalog     CandidateSource
	Daemon      Daemon
	Prober      scanner.Prober
	WaitReady   ReadyFunc
	Metrics     *metrics.Collector
	Progress    scanner.ProgressFunc
}

type Result struct {
	Ranked   []types.Measurement
	Outcomes []types.ProbeOutcome
	Stats    types.Stats
}

type Pipeline struct {
	config *config.Config
	deps   Deps
}

func New(cfg *config.Config, deps Deps) *Pipeline {
	if deps.WaitReady == nil {
		deps.WaitReady = checker.WaitForPorts
	}
	return &Pipeline{config: cfg, deps: deps}
}

// NewDefault wires the production components from configuration
func NewDefault(cfg *config.Config, metricsCollector *metrics.Collector) (*Pipeline, error) {
	ranges := cfg.Catalog.Blocklist
	if cfg.Catalog.BlockReserved {
		ranges = append(append([]string(nil), ranges...), catalog.ReservedRanges()...)
	}
	blocklist, err := catalog.NewBlocklist(ranges, cfg.Catalog.BlocklistFiles)
	if err != nil {
		return nil, fmt.Errorf("build blocklist: %w", err)
	}

	var fetcher catalog.Fetcher
	if !cfg.Catalog.DisableRemote {
		fetcher = catalog.NewHTTPFetcher(cfg.Catalog.RemoteURL, cfg.Catalog.RemoteField, cfg.Catalog.UserAgent)
	}

	return New(cfg, Deps{
		Credentials: credential.NewWARPProvider(cfg.Credential),
		Catalog:     catalog.New(cfg.Catalog, fetcher, blocklist, metricsCollector, nil),
		Daemon:      xray.NewDaemon(cfg.Daemon),
		Prober:      checker.NewProber(cfg.Probe, cfg.Binding.ListenHost, metricsCollector),
		Metrics:     metricsCollector,
	}), nil
}

// Run performs one complete scan and returns the ranked result.
// A scan that measures nothing still succeeds with an empty ranking.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	startTime := time.Now()

	result, err := p.run(ctx)

	duration := time.Since(startTime)
	if p.deps.Metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		p.deps.Metrics.RecordScan(status, duration.Seconds())
	}
	if err != nil {
		return nil, err
	}

	result.Stats.ScanDuration = duration
	result.Stats.LastScanTime = time.Now()
	if p.deps.Metrics != nil {
		p.deps.Metrics.SetRanked(len(result.Ranked))
	}

	log.WithFields(log.Fields{
		"candidates": result.Stats.TotalCandidates,
		"measured":   result.Stats.Measured,
		"no_signal":  result.Stats.NoSignal,
		"failed":     result.Stats.Failed,
		"ranked":     len(result.Ranked),
		"duration":   duration.String(),
	}).Info("Scan complete")

	return result, nil
}

func (p *Pipeline) run(ctx context.Context) (*Result, error) {
	cred, err := p.deps.Credentials.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCredential, err)
	}

	endpoints, catStats, err := p.deps.Catalog.Build(ctx)
	if err != nil {
		return nil, err
	}

	table, err := binding.Assign(endpoints, p.config.Binding.BasePort)
	if err != nil {
		return nil, err
	}

	inbound := "http"
	if p.config.Probe.ProxyScheme == "socks5" {
		inbound = "socks"
	}
	daemonConfig, err := xray.BuildConfig(table, cred, xray.Options{
		ListenHost:      p.config.Binding.ListenHost,
		InboundProtocol: inbound,
		WorkDir:         p.config.Daemon.WorkDir,
		LogLevel:        p.config.Daemon.LogLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("build daemon config: %w", err)
	}

	outcomes, err := p.probe(ctx, table, daemonConfig)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Ranked:   ranker.Rank(outcomes, p.config.Ranker.TopK),
		Outcomes: outcomes,
		Stats: types.Stats{
			RemoteCandidates: catStats.Remote,
			ManualCandidates: catStats.Manual,
			TotalCandidates:  catStats.Total,
		},
	}
	for _, o := range outcomes {
		switch o.Status {
		case types.OutcomeMeasured:
			result.Stats.Measured++
		case types.OutcomeNoSignal:
			result.Stats.NoSignal++
		default:
			result.Stats.Failed++
			if b, ok := table.Lookup(o.Endpoint); ok {
				log.WithFields(log.Fields{
					"endpoint":   o.Endpoint.String(),
					"local_port": b.LocalPort,
				}).Warnf("Endpoint excluded from ranking: %s", o.Error)
			}
		}
	}
	if result.Stats.Measured == 0 {
		log.Warn("No endpoint produced a successful measurement")
	}
	return result, nil
}

// probe runs the coordinator while the daemon is up. The daemon is stopped
// on every path once it has started.
func (p *Pipeline) probe(ctx context.Context, table *binding.Table, daemonConfig *xray.Config) ([]types.ProbeOutcome, error) {
	if err := p.deps.Daemon.Start(ctx, daemonConfig); err != nil {
		p.deps.Daemon.Cleanup()
		return nil, fmt.Errorf("start daemon: %w", err)
	}
	defer func() {
		if err := p.deps.Daemon.Stop(); err != nil {
			log.Errorf("Error stopping daemon: %v", err)
		}
		p.deps.Daemon.Cleanup()
	}()

	pending, err := p.deps.WaitReady(ctx, table.ProxyAddrs(p.config.Binding.ListenHost),
		p.config.Daemon.BootWait(), p.config.Daemon.ReadyConcurrency)
	if err != nil {
		// Unready inbounds surface as lost tries, not as a failed scan.
		log.Warnf("Proceeding with %d unready inbounds: %v", len(pending), err)
	}

	bindings := table.Bindings()
	if !p.deps.Daemon.Running() {
		log.Errorf("Daemon exited before probing started, see %s for its output", p.config.Daemon.WorkDir)
		outcomes := make([]types.ProbeOutcome, len(bindings))
		for i, b := range bindings {
			outcomes[i] = types.Failed(b.Endpoint, "daemon exited")
		}
		return outcomes, nil
	}

	coordinator := scanner.NewCoordinator(p.deps.Prober, p.config.Scanner.MaxConcurrent, p.deps.Metrics)
	if p.deps.Progress != nil {
		coordinator.OnProgress(p.deps.Progress)
	}
	return coordinator.Run(ctx, bindings)
}
