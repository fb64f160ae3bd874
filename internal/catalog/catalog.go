package catalog

import (
	"context"
	"errors"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/warp-endpoint-scanner/internal/config"
	"github.com/warp-endpoint-scanner/internal/metrics"
	"github.com/warp-endpoint-scanner/internal/types"
)

var ErrNoCandidates = errors.New("no candidate endpoints")

type Catalog struct {
	config    config.CatalogConfig
	fetcher   Fetcher
	blocklist *Blocklist
	metrics   *metrics.Collector
	rng       *rand.Rand
}

type Stats struct {
	Remote     int
	Manual     int
	Invalid    int
	Blocked    int
	Duplicates int
	Total      int
}

// New creates a catalog. fetcher may be nil when the remote source is disabled;
// rng may be nil to seed from the clock.
func New(cfg config.CatalogConfig, fetcher Fetcher, blocklist *Blocklist, metricsCollector *metrics.Collector, rng *rand.Rand) *Catalog {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Catalog{
		config:    cfg,
		fetcher:   fetcher,
		blocklist: blocklist,
		metrics:   metricsCollector,
		rng:       rng,
	}
}

// Build merges the remote and manual candidate lists, drops malformed,
// blocked and duplicate entries, and returns them in shuffled order.
func (c *Catalog) Build(ctx context.Context) ([]types.Endpoint, Stats, error) {
	var stats Stats

	remoteRaw, skipped := c.fetchRemote(ctx)
	stats.Invalid += skipped
	remote := make([]types.Endpoint, 0, len(remoteRaw))
	for _, raw := range remoteRaw {
		ep, err := ParseEndpoint(raw)
		if err != nil {
			log.Warnf("Skipping invalid endpoint: %v", err)
			stats.Invalid++
			continue
		}
		remote = append(remote, ep)
	}
	stats.Remote = len(remote)

	manualRaw := GenerateManual(c.config.Prefixes, c.config.Ports, c.config.ManualCap)
	manual := make([]types.Endpoint, 0, len(manualRaw))
	for _, raw := range manualRaw {
		ep, err := ParseEndpoint(raw)
		if err != nil {
			log.Warnf("Skipping invalid manual endpoint: %v", err)
			stats.Invalid++
			continue
		}
		manual = append(manual, ep)
	}
	stats.Manual = len(manual)

	seen := make(map[string]struct{}, len(remote)+len(manual))
	merged := make([]types.Endpoint, 0, len(remote)+len(manual))
	for _, ep := range append(remote, manual...) {
		key := ep.String()
		if _, exists := seen[key]; exists {
			stats.Duplicates++
			continue
		}
		seen[key] = struct{}{}

		if c.blocklist.Contains(ep.Addr()) {
			stats.Blocked++
			continue
		}
		merged = append(merged, ep)
	}

	c.rng.Shuffle(len(merged), func(i, j int) {
		merged[i], merged[j] = merged[j], merged[i]
	})
	stats.Total = len(merged)

	log.Infof("Catalog built: %d remote, %d manual, %d invalid, %d blocked, %d duplicates -> %d candidates",
		stats.Remote, stats.Manual, stats.Invalid, stats.Blocked, stats.Duplicates, stats.Total)

	if c.metrics != nil {
		c.metrics.SetCandidates("remote", stats.Remote)
		c.metrics.SetCandidates("manual", stats.Manual)
		c.metrics.SetCandidates("total", stats.Total)
		c.metrics.RecordRejected("invalid", stats.Invalid)
		c.metrics.RecordRejected("blocked", stats.Blocked)
		c.metrics.RecordRejected("duplicate", stats.Duplicates)
	}

	if len(merged) == 0 {
		return nil, stats, ErrNoCandidates
	}
	return merged, stats, nil
}

func (c *Catalog) fetchRemote(ctx context.Context) ([]string, int) {
	if c.fetcher == nil {
		return nil, 0
	}

	startTime := time.Now()
	entries, skipped, err := c.fetcher.Fetch(ctx)
	duration := time.Since(startTime)
	if err != nil {
		log.Warnf("Remote endpoint fetch failed: %v (took %v), continuing with manual list", err, duration)
		return nil, 0
	}

	log.Infof("Remote source returned %d entries, %d skipped (took %v)", len(entries), skipped, duration)
	return entries, skipped
}
