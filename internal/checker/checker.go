package checker

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/warp-endpoint-scanner/internal/config"
	"github.com/warp-endpoint-scanner/internal/metrics"
	"github.com/warp-endpoint-scanner/internal/types"
)

// Prober measures latency and loss of one endpoint through its local proxy inbound.
// It holds no per-probe state, so Probe may run concurrently for many bindings.
type Prober struct {
	config     config.ProbeConfig
	listenHost string
	metrics    *metrics.Collector
}

func NewProber(cfg config.ProbeConfig, listenHost string, metricsCollector *metrics.Collector) *Prober {
	return &Prober{
		config:     cfg,
		listenHost: listenHost,
		metrics:    metricsCollector,
	}
}

// Probe runs the configured number of HEAD tries against the target URL.
// Transport failures count as lost tries; an error is returned only when the
// probe itself cannot be set up.
func (p *Prober) Probe(ctx context.Context, b types.ProxyBinding) (types.ProbeOutcome, error) {
	target, err := url.Parse(p.config.TargetURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return types.ProbeOutcome{}, fmt.Errorf("invalid target URL %q", p.config.TargetURL)
	}

	tries := p.config.Tries
	if tries < 1 {
		return types.ProbeOutcome{}, fmt.Errorf("tries must be positive, got %d", tries)
	}

	proxyAddr := b.ProxyAddr(p.listenHost)
	client, transport, err := p.newClient(proxyAddr)
	if err != nil {
		return types.ProbeOutcome{}, err
	}
	defer transport.CloseIdleConnections()

	latencies := make([]float64, 0, tries)
	for i := 0; i < tries; i++ {
		if ctx.Err() != nil {
			// Unrun tries count as losses.
			break
		}

		latencyMs, ok, err := p.try(ctx, client)
		if err != nil {
			return types.ProbeOutcome{}, err
		}
		if ok {
			latencies = append(latencies, latencyMs)
		}

		log.WithFields(log.Fields{
			"endpoint":   b.Endpoint.String(),
			"local_port": b.LocalPort,
			"try":        i + 1,
			"ok":         ok,
			"latency_ms": latencyMs,
		}).Debug("Probe try")

		if i < tries-1 {
			select {
			case <-time.After(p.config.InterTryPause()):
			case <-ctx.Done():
			}
		}
	}

	return Summarize(b.Endpoint, tries, latencies), nil
}

// try performs one HEAD request. ok is true only for a 204 response.
func (p *Prober) try(ctx context.Context, client *http.Client) (float64, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.config.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, p.config.TargetURL, nil)
	if err != nil {
		return 0, false, fmt.Errorf("create request: %w", err)
	}
	if p.config.UserAgent != "" {
		req.Header.Set("User-Agent", p.config.UserAgent)
	}

	startTime := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		p.recordFailure()
		return 0, false, nil
	}
	latency := time.Since(startTime)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		p.recordFailure()
		return 0, false, nil
	}

	if p.metrics != nil {
		p.metrics.RecordTrySuccess(latency.Seconds())
	}
	return float64(latency) / float64(time.Millisecond), true, nil
}

func (p *Prober) recordFailure() {
	if p.metrics != nil {
		p.metrics.RecordTryFailure()
	}
}

func (p *Prober) newClient(proxyAddr string) (*http.Client, *http.Transport, error) {
	timeout := p.config.Timeout()

	var transport *http.Transport
	switch p.config.ProxyScheme {
	case "socks5":
		t, err := newSOCKS5Transport(proxyAddr, timeout)
		if err != nil {
			return nil, nil, err
		}
		transport = t
	case "http", "":
		transport = &http.Transport{
			Proxy: http.ProxyURL(&url.URL{Scheme: "http", Host: proxyAddr}),
			DialContext: (&net.Dialer{
				Timeout: timeout,
			}).DialContext,
		}
	default:
		return nil, nil, fmt.Errorf("unsupported proxy scheme %q", p.config.ProxyScheme)
	}

	// A fresh connection per try keeps tries independent through the tunnel.
	transport.DisableKeepAlives = true
	transport.ForceAttemptHTTP2 = false
	transport.TLSHandshakeTimeout = timeout
	transport.TLSClientConfig = &tls.Config{
		InsecureSkipVerify: true,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse // Don't follow redirects
		},
	}
	return client, transport, nil
}

// Summarize turns per-try latencies into an outcome. Zero successes is NoSignal.
func Summarize(ep types.Endpoint, tries int, latenciesMs []float64) types.ProbeOutcome {
	if len(latenciesMs) == 0 || tries <= 0 {
		return types.NoSignal(ep)
	}

	var sum float64
	for _, l := range latenciesMs {
		sum += l
	}
	successes := len(latenciesMs)

	return types.Measured(types.Measurement{
		Endpoint:        ep,
		AvgLatencyMs:    sum / float64(successes),
		LossRatePercent: float64(tries-successes) / float64(tries) * 100.0,
		Successes:       successes,
		Tries:           tries,
	})
}
