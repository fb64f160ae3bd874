package pipeline

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/warp-endpoint-scanner/internal/binding"
	"github.com/warp-endpoint-scanner/internal/catalog"
	"github.com/warp-endpoint-scanner/internal/checker"
	"github.com/warp-endpoint-scanner/internal/config"
	"github.com/warp-endpoint-scanner/internal/credential"
	"github.com/warp-endpoint-scanner/internal/types"
	"github.com/warp-endpoint-scanner/internal/xray"
)

type fakeCredentials struct{ err error }

func (f fakeCredentials) Fetch(ctx context.Context) (*credential.Credential, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &credential.Credential{PrivateKey: "k", TunnelAddress: "::1/128", PeerPublicKey: "p", Reserved: []int{0, 0, 0}}, nil
}

type fakeCatalog struct {
	endpoints []types.Endpoint
	err       error
}

func (f fakeCatalog) Build(ctx context.Context) ([]types.Endpoint, catalog.Stats, error) {
	return f.endpoints, catalog.Stats{Remote: len(f.endpoints), Total: len(f.endpoints)}, f.err
}

type fakeDaemon struct {
	mu       sync.Mutex
	startErr error
	config   *xray.Config
	exited   bool
	started  int
	stopped  int
	cleaned  int
}

func (d *fakeDaemon) Start(ctx context.Context, cfg *xray.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	d.started++
	d.config = cfg
	return nil
}

func (d *fakeDaemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped++
	return nil
}

func (d *fakeDaemon) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started > d.stopped && !d.exited
}

func (d *fakeDaemon) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleaned++
}

// callCounter counts calls and reports no signal
type callCounter struct{ calls atomic.Int64 }

func (p *callCounter) Probe(ctx context.Context, b types.ProxyBinding) (types.ProbeOutcome, error) {
	p.calls.Add(1)
	return types.NoSignal(b.Endpoint), nil
}

// latencyProber reports a fixed latency per endpoint; missing endpoints get no signal
type latencyProber map[string][]float64

func (p latencyProber) Probe(ctx context.Context, b types.ProxyBinding) (types.ProbeOutcome, error) {
	return checker.Summarize(b.Endpoint, 2, p[b.Endpoint.String()]), nil
}

func readyNow(ctx context.Context, addrs []string, timeout time.Duration, concurrency int) ([]string, error) {
	return nil, nil
}

func ep(s string) types.Endpoint {
	return types.Endpoint{AddrPort: netip.MustParseAddrPort(s)}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Ranker.TopK = 2
	return cfg
}

func TestRunRanksMeasuredEndpoints(t *testing.T) {
	daemon := &fakeDaemon{}
	p := New(testConfig(), Deps{
		Credentials: fakeCredentials{},
		Catalog: fakeCatalog{endpoints: []types.Endpoint{
			ep("162.159.192.1:2408"), ep("162.159.192.2:2408"), ep("162.159.192.3:2408"),
		}},
		Daemon: daemon,
		Prober: latencyProber{
			"162.159.192.1:2408": {120, 120},
			"162.159.192.2:2408": {80},
		},
		WaitReady: readyNow,
	})

	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(result.Ranked) != 2 {
		t.Fatalf("ranked = %d, want 2", len(result.Ranked))
	}
	if result.Ranked[0].Endpoint != ep("162.159.192.2:2408") || result.Ranked[0].LossRatePercent != 50 {
		t.Fatalf("unexpected first: %+v", result.Ranked[0])
	}
	if result.Stats.Measured != 2 || result.Stats.NoSignal != 1 || result.Stats.TotalCandidates != 3 {
		t.Fatalf("unexpected stats: %+v", result.Stats)
	}
	if len(result.Outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(result.Outcomes))
	}
	if daemon.started != 1 || daemon.stopped != 1 || daemon.cleaned != 1 {
		t.Fatalf("daemon lifecycle: %+v", daemon)
	}
	if len(daemon.config.Inbounds) != 3 || daemon.config.Inbounds[0].Port != 10800 {
		t.Fatalf("daemon config not built from bindings: %+v", daemon.config.Inbounds)
	}
}

func TestRunZeroMeasurements(t *testing.T) {
	p := New(testConfig(), Deps{
		Credentials: fakeCredentials{},
		Catalog:     fakeCatalog{endpoints: []types.Endpoint{ep("1.1.1.1:80")}},
		Daemon:      &fakeDaemon{},
		Prober:      latencyProber{},
		WaitReady:   readyNow,
	})

	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Ranked) != 0 || result.Stats.NoSignal != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRunFatalErrors(t *testing.T) {
	endpoints := []types.Endpoint{ep("1.1.1.1:80")}

	t.Run("credential", func(t *testing.T) {
		daemon := &fakeDaemon{}
		p := New(testConfig(), Deps{
			Credentials: fakeCredentials{err: errors.New("HTTP 429")},
			Catalog:     fakeCatalog{endpoints: endpoints},
			Daemon:      daemon,
			Prober:      latencyProber{},
			WaitReady:   readyNow,
		})
		_, err := p.Run(context.Background())
		if !errors.Is(err, ErrNoCredential) {
			t.Fatalf("err = %v, want ErrNoCredential", err)
		}
		if daemon.started != 0 {
			t.Fatal("daemon must not start without a credential")
		}
	})

	t.Run("no candidates", func(t *testing.T) {
		p := New(testConfig(), Deps{
			Credentials: fakeCredentials{},
			Catalog:     fakeCatalog{err: catalog.ErrNoCandidates},
			Daemon:      &fakeDaemon{},
			Prober:      latencyProber{},
			WaitReady:   readyNow,
		})
		if _, err := p.Run(context.Background()); !errors.Is(err, catalog.ErrNoCandidates) {
			t.Fatalf("err = %v, want ErrNoCandidates", err)
		}
	})

	t.Run("port range", func(t *testing.T) {
		cfg := testConfig()
		cfg.Binding.BasePort = 65535
		p := New(cfg, Deps{
			Credentials: fakeCredentials{},
			Catalog:     fakeCatalog{endpoints: []types.Endpoint{ep("1.1.1.1:80"), ep("1.1.1.2:80")}},
			Daemon:      &fakeDaemon{},
			Prober:      latencyProber{},
			WaitReady:   readyNow,
		})
		if _, err := p.Run(context.Background()); !errors.Is(err, binding.ErrPortRangeExceeded) {
			t.Fatalf("err = %v, want ErrPortRangeExceeded", err)
		}
	})

	t.Run("daemon start", func(t *testing.T) {
		daemon := &fakeDaemon{startErr: errors.New("exec format error")}
		p := New(testConfig(), Deps{
			Credentials: fakeCredentials{},
			Catalog:     fakeCatalog{endpoints: endpoints},
			Daemon:      daemon,
			Prober:      latencyProber{},
			WaitReady:   readyNow,
		})
		if _, err := p.Run(context.Background()); err == nil {
			t.Fatal("expected error")
		}
		if daemon.cleaned != 1 {
			t.Fatal("config should be cleaned up after a failed start")
		}
	})
}

func TestRunUnreadyInboundsStillProbe(t *testing.T) {
	daemon := &fakeDaemon{}
	p := New(testConfig(), Deps{
		Credentials: fakeCredentials{},
		Catalog:     fakeCatalog{endpoints: []types.Endpoint{ep("1.1.1.1:80")}},
		Daemon:      daemon,
		Prober:      latencyProber{"1.1.1.1:80": {10, 20}},
		WaitReady: func(ctx context.Context, addrs []string, timeout time.Duration, concurrency int) ([]string, error) {
			return addrs, errors.New("not ready")
		},
	})

	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Ranked) != 1 || result.Ranked[0].AvgLatencyMs != 15 {
		t.Fatalf("unexpected ranking: %+v", result.Ranked)
	}
	if daemon.stopped != 1 {
		t.Fatal("daemon should be stopped")
	}
}

func TestRunStopsDaemonOnCancelledScan(t *testing.T) {
	daemon := &fakeDaemon{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(testConfig(), Deps{
		Credentials: fakeCredentials{},
		Catalog:     fakeCatalog{endpoints: []types.Endpoint{ep("1.1.1.1:80"), ep("1.1.1.2:80")}},
		Daemon:      daemon,
		Prober:      latencyProber{},
		WaitReady:   readyNow,
	})
	result, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(result.Outcomes))
	}
	if daemon.stopped != 1 {
		t.Fatal("daemon should be stopped")
	}
}

func TestRunDaemonExitedEarlyFailsEveryBinding(t *testing.T) {
	daemon := &fakeDaemon{exited: true}
	counter := &callCounter{}
	p := New(testConfig(), Deps{
		Credentials: fakeCredentials{},
		Catalog:     fakeCatalog{endpoints: []types.Endpoint{ep("1.1.1.1:80"), ep("1.1.1.2:80"), ep("1.1.1.3:80")}},
		Daemon:      daemon,
		Prober:      counter,
		WaitReady:   readyNow,
	})

	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if counter.calls.Load() != 0 {
		t.Fatalf("%d endpoints measured after the daemon exited", counter.calls.Load())
	}
	if len(result.Outcomes) != 3 || result.Stats.Failed != 3 || len(result.Ranked) != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	for _, o := range result.Outcomes {
		if o.Status != types.OutcomeFailed || o.Error != "daemon exited" {
			t.Fatalf("outcome = %+v, want failed", o)
		}
	}
	if daemon.stopped != 1 || daemon.cleaned != 1 {
		t.Fatalf("daemon lifecycle: %+v", daemon)
	}
}
