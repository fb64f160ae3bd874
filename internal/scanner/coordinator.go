package scanner

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"
	"github.com/warp-endpoint-scanner/internal/metrics"
	"github.com/warp-endpoint-scanner/internal/types"
)

// Prober runs one probe for a single binding. A returned error means the
// probing machinery failed, not that the endpoint was unreachable.
type Prober interface {
	Probe(ctx context.Context, b types.ProxyBinding) (types.ProbeOutcome, error)
}

// ProgressFunc observes completion; it has no effect on scheduling
type ProgressFunc func(completed, total int)

type Coordinator struct {
	prober        Prober
	maxConcurrent int
	metrics       *metrics.Collector
	progress      ProgressFunc
	running       atomic.Int64
}

func NewCoordinator(prober Prober, maxConcurrent int, metricsCollector *metrics.Collector) *Coordinator {
	c := &Coordinator{
		prober:        prober,
		maxConcurrent: maxConcurrent,
		metrics:       metricsCollector,
	}
	c.progress = c.logProgress
	return c
}

// OnProgress replaces the default progress logger
func (c *Coordinator) OnProgress(fn ProgressFunc) {
	if fn == nil {
		fn = func(int, int) {}
	}
	c.progress = fn
}

func (c *Coordinator) logProgress(completed, total int) {
	log.Infof("Test progress: %d/%d completed (%.1f%%), %d in flight",
		completed, total, float64(completed)/float64(total)*100.0, c.Running())
}

// Run probes every binding with at most maxConcurrent probes in flight and
// returns exactly one outcome per binding, in completion order.
func (c *Coordinator) Run(ctx context.Context, bindings []types.ProxyBinding) ([]types.ProbeOutcome, error) {
	if c.maxConcurrent < 1 {
		return nil, fmt.Errorf("max concurrent must be positive, got %d", c.maxConcurrent)
	}

	total := len(bindings)
	if total == 0 {
		return []types.ProbeOutcome{}, nil
	}

	log.Infof("Testing %d endpoints with max %d concurrent probes", total, c.maxConcurrent)
	startTime := time.Now()

	results := make(chan types.ProbeOutcome, total)

	pool, err := ants.NewPoolWithFunc(c.maxConcurrent, func(arg interface{}) {
		b := arg.(types.ProxyBinding)
		results <- c.runTask(ctx, b)
	})
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	// Invoke blocks while every worker is busy, so submit from a separate goroutine.
	go func() {
		for _, b := range bindings {
			if err := pool.Invoke(b); err != nil {
				results <- c.failed(b, fmt.Sprintf("submit: %v", err))
			}
		}
	}()

	step := total / 20
	if step == 0 {
		step = 1
	}

	outcomes := make([]types.ProbeOutcome, 0, total)
	for completed := 1; completed <= total; completed++ {
		outcomes = append(outcomes, <-results)
		if completed%step == 0 || completed == total {
			c.progress(completed, total)
		}
	}

	duration := time.Since(startTime)
	log.Infof("Probing complete: %d endpoints in %v (%.1f probes/sec)",
		total, duration, float64(total)/duration.Seconds())

	return outcomes, nil
}

// runTask never panics and always yields a terminal outcome
func (c *Coordinator) runTask(ctx context.Context, b types.ProxyBinding) (outcome types.ProbeOutcome) {
	c.running.Add(1)
	if c.metrics != nil {
		c.metrics.ProbeStarted()
	}
	defer func() {
		if r := recover(); r != nil {
			outcome = c.failed(b, fmt.Sprintf("panic: %v", r))
		}
		c.running.Add(-1)
		if c.metrics != nil {
			c.metrics.ProbeFinished()
			c.metrics.RecordProbe(string(outcome.Status))
		}
	}()

	out, err := c.prober.Probe(ctx, b)
	if err != nil {
		return c.failed(b, err.Error())
	}
	out.Endpoint = b.Endpoint
	return out
}

func (c *Coordinator) failed(b types.ProxyBinding, reason string) types.ProbeOutcome {
	log.WithFields(log.Fields{
		"endpoint":   b.Endpoint.String(),
		"local_port": b.LocalPort,
	}).Errorf("Error during test: %s", reason)
	return types.Failed(b.Endpoint, reason)
}

// Running reports how many probes are currently in flight
func (c *Coordinator) Running() int {
	return int(c.running.Load())
}
