package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/warp-endpoint-scanner/internal/snapshot"
)

// Runner performs one scan
type Runner interface {
	Run(ctx context.Context) (*Result, error)
}

// Scheduler repeats scans on an interval and on demand, publishing each
// ranking to the snapshot manager. At most one scan runs at a time.
type Scheduler struct {
	runner   Runner
	snapshot *snapshot.Manager
	interval time.Duration
	trigger  chan struct{}
	scanning atomic.Bool
}

func NewScheduler(runner Runner, snap *snapshot.Manager, interval time.Duration) *Scheduler {
	return &Scheduler{
		runner:   runner,
		snapshot: snap,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Run scans immediately, then on every tick or trigger until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	s.scanOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Scan loop stopped")
			return ctx.Err()
		case <-ticker.C:
			s.scanOnce(ctx)
		case <-s.trigger:
			log.Info("Manual rescan triggered")
			s.scanOnce(ctx)
		}
	}
}

// Trigger queues a scan. It returns false when one is already queued.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Scanning reports whether a scan is in progress
func (s *Scheduler) Scanning() bool {
	return s.scanning.Load()
}

func (s *Scheduler) scanOnce(ctx context.Context) {
	s.scanning.Store(true)
	defer s.scanning.Store(false)

	log.Info("Starting scan cycle")
	result, err := s.runner.Run(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Errorf("Scan failed: %v", err)
		}
		return
	}
	if ctx.Err() != nil {
		// Partial rankings from an interrupted scan are not published.
		return
	}
	s.snapshot.Update(result.Ranked, result.Stats)
}
