package types

import (
	"net"
	"net/netip"
	"strconv"
	"time"
)

// Endpoint is a remote tunnel gateway (IPv4 address and port).
// Its text form ("ip:port") is its identity.
type Endpoint struct {
	netip.AddrPort
}

func NewEndpoint(addr netip.Addr, port uint16) Endpoint {
	return Endpoint{netip.AddrPortFrom(addr, port)}
}

// ProxyBinding maps an endpoint to the local port its proxy inbound listens on
type ProxyBinding struct {
	Index     int      `json:"index"`
	Endpoint  Endpoint `json:"endpoint"`
	LocalPort int      `json:"local_port"`
}

// ProxyAddr returns host:port of the local proxy inbound
func (b ProxyBinding) ProxyAddr(host string) string {
	return net.JoinHostPort(host, strconv.Itoa(b.LocalPort))
}

// Tag is the 1-based identifier used to name daemon inbounds/outbounds
func (b ProxyBinding) Tag() string {
	return strconv.Itoa(b.Index + 1)
}

type OutcomeStatus string

const (
	OutcomeMeasured OutcomeStatus = "measured"
	OutcomeNoSignal OutcomeStatus = "no_signal"
	OutcomeFailed   OutcomeStatus = "failed"
)

// Measurement is a probe that observed at least one successful try
type Measurement struct {
	Endpoint        Endpoint `json:"endpoint"`
	AvgLatencyMs    float64  `json:"avg_latency_ms"`
	LossRatePercent float64  `json:"loss_rate_percent"`
	Successes       int      `json:"successes"`
	Tries           int      `json:"tries"`
}

// ProbeOutcome is the terminal state of one probe task.
// Measurement is set only when Status is OutcomeMeasured.
type ProbeOutcome struct {
	Endpoint    Endpoint      `json:"endpoint"`
	Status      OutcomeStatus `json:"status"`
	Measurement *Measurement  `json:"measurement,omitempty"`
	Error       string        `json:"error,omitempty"`
}

func Measured(m Measurement) ProbeOutcome {
	return ProbeOutcome{Endpoint: m.Endpoint, Status: OutcomeMeasured, Measurement: &m}
}

func NoSignal(ep Endpoint) ProbeOutcome {
	return ProbeOutcome{Endpoint: ep, Status: OutcomeNoSignal}
}

func Failed(ep Endpoint, reason string) ProbeOutcome {
	return ProbeOutcome{Endpoint: ep, Status: OutcomeFailed, Error: reason}
}

// Stats holds per-scan counters
type Stats struct {
	RemoteCandidates int           `json:"remote_candidates"`
	ManualCandidates int           `json:"manual_candidates"`
	TotalCandidates  int           `json:"total_candidates"`
	Measured         int           `json:"measured"`
	NoSignal         int           `json:"no_signal"`
	Failed           int           `json:"failed"`
	ScanDuration     time.Duration `json:"scan_duration"`
	LastScanTime     time.Time     `json:"last_scan_time"`
}

// Snapshot is the latest ranked result set
type Snapshot struct {
	Ranked  []Measurement `json:"ranked"`
	Stats   Stats         `json:"stats"`
	Updated time.Time     `json:"updated"`
}
