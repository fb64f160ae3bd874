package xray

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/warp-endpoint-scanner/internal/binding"
	"github.com/warp-endpoint-scanner/internal/credential"
)

// Options controls the generated daemon configuration
type Options struct {
	ListenHost string
	// InboundProtocol is "http" or "socks"
	InboundProtocol string
	WorkDir         string
	LogLevel        string
}

type Config struct {
	Log       LogConfig  `json:"log"`
	DNS       DNSConfig  `json:"dns"`
	Inbounds  []Inbound  `json:"inbounds"`
	Outbounds []Outbound `json:"outbounds"`
	Routing   Routing    `json:"routing"`
}

type LogConfig struct {
	Access   string `json:"access"`
	Error    string `json:"error"`
	LogLevel string `json:"loglevel"`
}

type DNSConfig struct {
	Servers []string `json:"servers"`
}

type Inbound struct {
	Listen   string         `json:"listen"`
	Port     int            `json:"port"`
	Protocol string         `json:"protocol"`
	Tag      string         `json:"tag"`
	Settings map[string]any `json:"settings"`
}

type Outbound struct {
	Protocol string `json:"protocol"`
	Settings any    `json:"settings"`
	Tag      string `json:"tag"`
}

type WireguardSettings struct {
	SecretKey string          `json:"secretKey"`
	Address   []string        `json:"address"`
	Peers     []WireguardPeer `json:"peers"`
	MTU       int             `json:"mtu"`
	Reserved  []int           `json:"reserved"`
}

type WireguardPeer struct {
	PublicKey string `json:"publicKey"`
	Endpoint  string `json:"endpoint"`
	KeepAlive int    `json:"keepAlive"`
}

type Routing struct {
	DomainStrategy string `json:"domainStrategy"`
	Rules          []Rule `json:"rules"`
}

type Rule struct {
	Type        string   `json:"type"`
	InboundTag  []string `json:"inboundTag,omitempty"`
	OutboundTag string   `json:"outboundTag"`
	Protocol    []string `json:"protocol,omitempty"`
}

// BuildConfig turns every binding into one inbound, one wireguard outbound
// and the routing rule joining them.
func BuildConfig(table *binding.Table, cred *credential.Credential, opts Options) (*Config, error) {
	if cred == nil {
		return nil, fmt.Errorf("missing tunnel credential")
	}

	protocol := opts.InboundProtocol
	switch protocol {
	case "":
		protocol = "http"
	case "http", "socks":
	default:
		return nil, fmt.Errorf("unsupported inbound protocol %q", protocol)
	}

	bindings := table.Bindings()
	cfg := &Config{
		Log: LogConfig{
			Access:   filepath.Join(opts.WorkDir, "access.log"),
			Error:    filepath.Join(opts.WorkDir, "error.log"),
			LogLevel: opts.LogLevel,
		},
		DNS:       DNSConfig{Servers: []string{"1.1.1.1", "8.8.8.8", "1.0.0.1"}},
		Inbounds:  make([]Inbound, 0, len(bindings)),
		Outbounds: make([]Outbound, 0, len(bindings)+1),
		Routing: Routing{
			DomainStrategy: "AsIs",
			Rules:          make([]Rule, 0, len(bindings)+1),
		},
	}

	cfg.Outbounds = append(cfg.Outbounds, Outbound{Protocol: "freedom", Settings: map[string]any{}, Tag: "direct"})
	cfg.Routing.Rules = append(cfg.Routing.Rules, Rule{Type: "field", OutboundTag: "direct", Protocol: []string{"dns"}})

	for _, b := range bindings {
		inTag := "in-" + b.Tag()
		outTag := "proxy-" + b.Tag()

		settings := map[string]any{}
		if protocol == "http" {
			settings["timeout"] = 120
		} else {
			settings["udp"] = false
		}

		cfg.Inbounds = append(cfg.Inbounds, Inbound{
			Listen:   opts.ListenHost,
			Port:     b.LocalPort,
			Protocol: protocol,
			Tag:      inTag,
			Settings: settings,
		})
		cfg.Outbounds = append(cfg.Outbounds, Outbound{
			Protocol: "wireguard",
			Settings: WireguardSettings{
				SecretKey: cred.PrivateKey,
				Address:   []string{"172.16.0.2/32", cred.TunnelAddress},
				Peers: []WireguardPeer{{
					PublicKey: cred.PeerPublicKey,
					Endpoint:  b.Endpoint.String(),
					KeepAlive: 25,
				}},
				MTU:      1280,
				Reserved: cred.Reserved,
			},
			Tag: outTag,
		})
		cfg.Routing.Rules = append(cfg.Routing.Rules, Rule{
			Type:        "field",
			InboundTag:  []string{inTag},
			OutboundTag: outTag,
		})
	}

	return cfg, nil
}

func (c *Config) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal JSON: %w", err)
	}
	return data, nil
}
