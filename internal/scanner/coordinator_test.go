package scanner

import (
	"context"
	"errors"
	"math"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/warp-endpoint-scanner/internal/checker"
	"github.com/warp-endpoint-scanner/internal/ranker"
	"github.com/warp-endpoint-scanner/internal/types"
)

func bindings(n int) []types.ProxyBinding {
	bs := make([]types.ProxyBinding, n)
	for i := range bs {
		bs[i] = types.ProxyBinding{
			Index:     i,
			Endpoint:  types.NewEndpoint(netip.AddrFrom4([4]byte{188, 114, 96, byte(i + 1)}), 2408),
			LocalPort: 10800 + i,
		}
	}
	return bs
}

// trackingProber records the peak number of concurrent probes
type trackingProber struct {
	inFlight atomic.Int64
	peak     atomic.Int64
	delay    time.Duration
}

func (p *trackingProber) Probe(ctx context.Context, b types.ProxyBinding) (types.ProbeOutcome, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(p.delay)
	return checker.Summarize(b.Endpoint, 3, []float64{float64(b.LocalPort)}), nil
}

type funcProber func(ctx context.Context, b types.ProxyBinding) (types.ProbeOutcome, error)

func (f funcProber) Probe(ctx context.Context, b types.ProxyBinding) (types.ProbeOutcome, error) {
	return f(ctx, b)
}

func TestRunOneOutcomePerBinding(t *testing.T) {
	bs := bindings(12)
	for pool := 1; pool <= len(bs); pool++ {
		p := &trackingProber{delay: time.Millisecond}
		c := NewCoordinator(p, pool, nil)
		c.OnProgress(nil)

		outcomes, err := c.Run(context.Background(), bs)
		if err != nil {
			t.Fatalf("pool=%d: Run: %v", pool, err)
		}
		if len(outcomes) != len(bs) {
			t.Fatalf("pool=%d: %d outcomes, want %d", pool, len(outcomes), len(bs))
		}
		seen := make(map[types.Endpoint]int)
		for _, o := range outcomes {
			seen[o.Endpoint]++
		}
		for _, b := range bs {
			if seen[b.Endpoint] != 1 {
				t.Fatalf("pool=%d: endpoint %s has %d outcomes", pool, b.Endpoint, seen[b.Endpoint])
			}
		}
		if peak := p.peak.Load(); peak > int64(pool) {
			t.Fatalf("pool=%d: peak concurrency %d", pool, peak)
		}
	}
}

func TestRunRespectsConcurrencyBound(t *testing.T) {
	p := &trackingProber{delay: 30 * time.Millisecond}
	c := NewCoordinator(p, 2, nil)
	c.OnProgress(nil)

	outcomes, err := c.Run(context.Background(), bindings(5))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outcomes) != 5 {
		t.Fatalf("%d outcomes, want 5", len(outcomes))
	}
	if peak := p.peak.Load(); peak > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak)
	}
	if peak := p.peak.Load(); peak < 2 {
		t.Logf("peak concurrency only reached %d", peak)
	}
}

func TestRunFailedTasksDoNotAbortScan(t *testing.T) {
	bs := bindings(6)
	prober := funcProber(func(ctx context.Context, b types.ProxyBinding) (types.ProbeOutcome, error) {
		switch b.Index {
		case 1:
			panic("probe machinery exploded")
		case 2:
			return types.ProbeOutcome{}, errors.New("bad proxy url")
		case 3:
			return types.NoSignal(b.Endpoint), nil
		}
		return checker.Summarize(b.Endpoint, 2, []float64{10}), nil
	})

	c := NewCoordinator(prober, 3, nil)
	c.OnProgress(nil)
	outcomes, err := c.Run(context.Background(), bs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outcomes) != 6 {
		t.Fatalf("%d outcomes, want 6", len(outcomes))
	}

	byEndpoint := make(map[types.Endpoint]types.ProbeOutcome)
	for _, o := range outcomes {
		byEndpoint[o.Endpoint] = o
	}
	if o := byEndpoint[bs[1].Endpoint]; o.Status != types.OutcomeFailed || o.Error == "" {
		t.Fatalf("panicking task outcome = %+v", o)
	}
	if o := byEndpoint[bs[2].Endpoint]; o.Status != types.OutcomeFailed || o.Error != "bad proxy url" {
		t.Fatalf("erroring task outcome = %+v", o)
	}
	if o := byEndpoint[bs[3].Endpoint]; o.Status != types.OutcomeNoSignal {
		t.Fatalf("no-signal task outcome = %+v", o)
	}
	if c.Running() != 0 {
		t.Fatalf("running = %d after Run", c.Running())
	}
}

func TestRunProgress(t *testing.T) {
	var mu sync.Mutex
	var calls []int
	c := NewCoordinator(&trackingProber{}, 4, nil)
	c.OnProgress(func(completed, total int) {
		mu.Lock()
		calls = append(calls, completed)
		mu.Unlock()
		if total != 45 {
			t.Errorf("total = %d, want 45", total)
		}
		if n := c.Running(); n < 0 || n > 4 {
			t.Errorf("running = %d during progress, want 0..4", n)
		}
	})

	if _, err := c.Run(context.Background(), bindings(45)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// step is 45/20 = 2, plus the final completion
	if len(calls) != 23 {
		t.Fatalf("progress calls = %d (%v), want 23", len(calls), calls)
	}
	if calls[len(calls)-1] != 45 {
		t.Fatalf("last progress = %d, want 45", calls[len(calls)-1])
	}
}

func TestDefaultProgressLogger(t *testing.T) {
	c := NewCoordinator(&trackingProber{}, 3, nil)
	out, err := c.Run(context.Background(), bindings(7))
	if err != nil || len(out) != 7 {
		t.Fatalf("Run: out=%d err=%v", len(out), err)
	}
	if c.Running() != 0 {
		t.Fatalf("running = %d after Run", c.Running())
	}
}

func TestRunEmptyAndInvalid(t *testing.T) {
	out, err := NewCoordinator(&trackingProber{}, 2, nil).Run(context.Background(), nil)
	if err != nil || len(out) != 0 {
		t.Fatalf("empty run: out=%v err=%v", out, err)
	}
	if _, err := NewCoordinator(&trackingProber{}, 0, nil).Run(context.Background(), bindings(1)); err == nil {
		t.Fatal("expected error for zero concurrency")
	}
}

func TestScenarioThreeEndpoints(t *testing.T) {
	bs := bindings(3)
	latencies := map[int][]float64{
		0: {50, 60, 70},
		1: {200},
		2: nil,
	}
	prober := funcProber(func(ctx context.Context, b types.ProxyBinding) (types.ProbeOutcome, error) {
		return checker.Summarize(b.Endpoint, 3, latencies[b.Index]), nil
	})

	c := NewCoordinator(prober, 2, nil)
	c.OnProgress(nil)
	outcomes, err := c.Run(context.Background(), bs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	byEndpoint := make(map[types.Endpoint]types.ProbeOutcome)
	for _, o := range outcomes {
		byEndpoint[o.Endpoint] = o
	}
	a := byEndpoint[bs[0].Endpoint].Measurement
	if a == nil || a.AvgLatencyMs != 60 || a.LossRatePercent != 0 {
		t.Fatalf("A = %+v", a)
	}
	b := byEndpoint[bs[1].Endpoint].Measurement
	if b == nil || b.AvgLatencyMs != 200 || math.Abs(b.LossRatePercent-200.0/3) > 1e-9 {
		t.Fatalf("B = %+v", b)
	}
	if byEndpoint[bs[2].Endpoint].Status != types.OutcomeNoSignal {
		t.Fatalf("C = %+v", byEndpoint[bs[2].Endpoint])
	}

	top := ranker.Rank(outcomes, 2)
	if len(top) != 2 || top[0].Endpoint != bs[0].Endpoint || top[1].Endpoint != bs[1].Endpoint {
		t.Fatalf("top-2 = %+v", top)
	}
}
