package checker

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// WaitForPorts polls every local inbound address until it accepts TCP
// connections or the timeout elapses. It returns the addresses still not
// accepting connections when it gives up.
func WaitForPorts(ctx context.Context, addrs []string, timeout time.Duration, concurrency int) ([]string, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	if concurrency < 1 {
		concurrency = 1
	}

	log.Infof("Waiting for %d local inbounds (timeout=%v, concurrency=%d)", len(addrs), timeout, concurrency)

	startTime := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pending := make([]string, 0)
	var mu sync.Mutex

	// Semaphore for concurrency control
	sem := make(chan struct{}, concurrency)

	var ready atomic.Int64
	var wg sync.WaitGroup

	for _, addr := range addrs {
		sem <- struct{}{} // Acquire semaphore
		wg.Add(1)

		go func(address string) {
			defer wg.Done()
			defer func() { <-sem }() // Release semaphore

			if waitForTCP(waitCtx, address) {
				ready.Add(1)
				return
			}
			mu.Lock()
			pending = append(pending, address)
			mu.Unlock()
		}(addr)
	}

	wg.Wait()

	duration := time.Since(startTime)
	log.Infof("Local inbounds ready: %d/%d in %v", ready.Load(), len(addrs), duration)

	if len(pending) > 0 {
		if ctx.Err() != nil {
			return pending, ctx.Err()
		}
		return pending, fmt.Errorf("%d of %d local inbounds not ready after %v", len(pending), len(addrs), timeout)
	}
	return nil, nil
}

// waitForTCP retries a TCP connect until it succeeds or ctx is done
func waitForTCP(ctx context.Context, address string) bool {
	var d net.Dialer
	for {
		attemptCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		conn, err := d.DialContext(attemptCtx, "tcp", address)
		cancel()
		if err == nil {
			conn.Close()
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}
