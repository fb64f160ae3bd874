package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Catalog    CatalogConfig    `json:"catalog" yaml:"catalog"`
	Binding    BindingConfig    `json:"binding" yaml:"binding"`
	Probe      ProbeConfig      `json:"probe" yaml:"probe"`
	Scanner    ScannerConfig    `json:"scanner" yaml:"scanner"`
	Ranker     RankerConfig     `json:"ranker" yaml:"ranker"`
	Credential CredentialConfig `json:"credential" yaml:"credential"`
	Daemon     DaemonConfig     `json:"daemon" yaml:"daemon"`
	API        APIConfig        `json:"api" yaml:"api"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
}

type CatalogConfig struct {
	RemoteURL      string   `json:"remote_url" yaml:"remote_url"`
	RemoteField    string   `json:"remote_field" yaml:"remote_field"`
	DisableRemote  bool     `json:"disable_remote" yaml:"disable_remote"`
	UserAgent      string   `json:"user_agent" yaml:"user_agent"`
	Prefixes       []string `json:"prefixes" yaml:"prefixes"`
	Ports          []int    `json:"ports" yaml:"ports"`
	ManualCap      int      `json:"manual_cap" yaml:"manual_cap"`
	Blocklist      []string `json:"blocklist" yaml:"blocklist"`
	BlockReserved  bool     `json:"block_reserved" yaml:"block_reserved"`
	BlocklistFiles []string `json:"blocklist_files" yaml:"blocklist_files"`
}

type BindingConfig struct {
	BasePort   int    `json:"base_port" yaml:"base_port"`
	ListenHost string `json:"listen_host" yaml:"listen_host"`
}

type ProbeConfig struct {
	TargetURL       string `json:"target_url" yaml:"target_url"`
	Tries           int    `json:"tries" yaml:"tries"`
	TimeoutSeconds  int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	InterTryPauseMs int    `json:"inter_try_pause_ms" yaml:"inter_try_pause_ms"`
	ProxyScheme     string `json:"proxy_scheme" yaml:"proxy_scheme"` // "http" or "socks5"
	UserAgent       string `json:"user_agent" yaml:"user_agent"`
}

type ScannerConfig struct {
	MaxConcurrent   int `json:"max_concurrent" yaml:"max_concurrent"`
	IntervalSeconds int `json:"interval_seconds" yaml:"interval_seconds"`
}

type RankerConfig struct {
	TopK int `json:"top_k" yaml:"top_k"`
}

type CredentialConfig struct {
	RegisterURL    string `json:"register_url" yaml:"register_url"`
	UserAgent      string `json:"user_agent" yaml:"user_agent"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

type DaemonConfig struct {
	Binary           string `json:"binary" yaml:"binary"`
	WorkDir          string `json:"work_dir" yaml:"work_dir"`
	LogLevel         string `json:"log_level" yaml:"log_level"`
	BootWaitSeconds  int    `json:"boot_wait_seconds" yaml:"boot_wait_seconds"`
	StopWaitSeconds  int    `json:"stop_wait_seconds" yaml:"stop_wait_seconds"`
	ReadyConcurrency int    `json:"ready_concurrency" yaml:"ready_concurrency"`
}

type APIConfig struct {
	Addr               string `json:"addr" yaml:"addr"`
	APIKeyEnv          string `json:"api_key_env" yaml:"api_key_env"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	EnableAPIKeyAuth   bool   `json:"enable_api_key_auth" yaml:"enable_api_key_auth"`
	EnableIPRateLimit  bool   `json:"enable_ip_rate_limit" yaml:"enable_ip_rate_limit"`
}

type StorageConfig struct {
	Type string `json:"type" yaml:"type"` // "file", "sqlite", "redis"
	Path string `json:"path" yaml:"path"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "json" or "text"
	File   string `json:"file" yaml:"file"`
}

var (
	DefaultPrefixes = []string{
		"162.159.192.", "162.159.193.", "162.159.195.",
		"188.114.96.", "188.114.97.", "188.114.98.", "188.114.99.",
	}
	DefaultPorts = []int{80, 443, 8080, 8880, 500, 1701, 2408}
)

const (
	DefaultRemoteURL   = "https://raw.githubusercontent.com/Fril66/endpoint/refs/heads/main/ip.json"
	DefaultRegisterURL = "https://api.cloudflareclient.com/v0a4005/reg"
	DefaultUserAgent   = "insomnia/8.6.1"
	DefaultTargetURL   = "http://www.gstatic.com/generate_204"
)

// Load reads configuration from a JSON or YAML file
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns a validated configuration with every default applied
func Default() *Config {
	var cfg Config
	cfg.SetDefaults()
	return &cfg
}

func (c *Config) SetDefaults() {
	if c.Catalog.RemoteURL == "" {
		c.Catalog.RemoteURL = DefaultRemoteURL
	}
	if c.Catalog.RemoteField == "" {
		c.Catalog.RemoteField = "ipv4"
	}
	if c.Catalog.UserAgent == "" {
		c.Catalog.UserAgent = DefaultUserAgent
	}
	if len(c.Catalog.Prefixes) == 0 {
		c.Catalog.Prefixes = append([]string(nil), DefaultPrefixes...)
	}
	if len(c.Catalog.Ports) == 0 {
		c.Catalog.Ports = append([]int(nil), DefaultPorts...)
	}
	if c.Catalog.ManualCap == 0 {
		c.Catalog.ManualCap = 100
	}
	if c.Binding.BasePort == 0 {
		c.Binding.BasePort = 10800
	}
	if c.Binding.ListenHost == "" {
		c.Binding.ListenHost = "127.0.0.1"
	}
	if c.Probe.TargetURL == "" {
		c.Probe.TargetURL = DefaultTargetURL
	}
	if c.Probe.Tries == 0 {
		c.Probe.Tries = 3
	}
	if c.Probe.TimeoutSeconds == 0 {
		c.Probe.TimeoutSeconds = 2
	}
	if c.Probe.InterTryPauseMs == 0 {
		c.Probe.InterTryPauseMs = 500
	}
	if c.Probe.ProxyScheme == "" {
		c.Probe.ProxyScheme = "http"
	}
	if c.Probe.UserAgent == "" {
		c.Probe.UserAgent = "Mozilla/5.0"
	}
	if c.Scanner.MaxConcurrent == 0 {
		c.Scanner.MaxConcurrent = 10
	}
	if c.Scanner.IntervalSeconds == 0 {
		c.Scanner.IntervalSeconds = 3600
	}
	if c.Ranker.TopK == 0 {
		c.Ranker.TopK = 10
	}
	if c.Credential.RegisterURL == "" {
		c.Credential.RegisterURL = DefaultRegisterURL
	}
	if c.Credential.UserAgent == "" {
		c.Credential.UserAgent = DefaultUserAgent
	}
	if c.Credential.TimeoutSeconds == 0 {
		c.Credential.TimeoutSeconds = 15
	}
	if c.Daemon.Binary == "" {
		c.Daemon.Binary = "Files/xray"
		if runtime.GOOS == "windows" {
			c.Daemon.Binary += ".exe"
		}
	}
	if c.Daemon.WorkDir == "" {
		c.Daemon.WorkDir = "Files/xray_core_temp_files"
	}
	if c.Daemon.LogLevel == "" {
		c.Daemon.LogLevel = "info"
	}
	if c.Daemon.BootWaitSeconds == 0 {
		c.Daemon.BootWaitSeconds = 6
	}
	if c.Daemon.StopWaitSeconds == 0 {
		c.Daemon.StopWaitSeconds = 10
	}
	if c.Daemon.ReadyConcurrency == 0 {
		c.Daemon.ReadyConcurrency = 50
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8084"
	}
	if c.API.RateLimitPerMinute == 0 {
		c.API.RateLimitPerMinute = 600
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "file"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/ranking.json"
	}
	if c.Metrics.Endpoint == "" {
		c.Metrics.Endpoint = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "warpscan"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Probe.Tries < 1 || c.Probe.Tries > 100 {
		return fmt.Errorf("probe.tries must be between 1 and 100")
	}
	if c.Probe.TimeoutSeconds < 1 || c.Probe.TimeoutSeconds > 60 {
		return fmt.Errorf("probe.timeout_seconds must be between 1 and 60")
	}
	if c.Probe.InterTryPauseMs < 0 {
		return fmt.Errorf("probe.inter_try_pause_ms must not be negative")
	}
	if c.Probe.ProxyScheme != "http" && c.Probe.ProxyScheme != "socks5" {
		return fmt.Errorf("probe.proxy_scheme must be 'http' or 'socks5'")
	}
	if c.Scanner.MaxConcurrent < 1 || c.Scanner.MaxConcurrent > 1000 {
		return fmt.Errorf("scanner.max_concurrent must be between 1 and 1000")
	}
	if c.Binding.BasePort < 1 || c.Binding.BasePort > 65535 {
		return fmt.Errorf("binding.base_port must be between 1 and 65535")
	}
	for _, port := range c.Catalog.Ports {
		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid catalog port: %d (must be 1-65535)", port)
		}
	}
	if c.Storage.Type != "file" && c.Storage.Type != "sqlite" && c.Storage.Type != "redis" {
		return fmt.Errorf("storage type must be 'file', 'sqlite', or 'redis'")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be 'json' or 'text'")
	}
	return nil
}

func (p ProbeConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

func (p ProbeConfig) InterTryPause() time.Duration {
	return time.Duration(p.InterTryPauseMs) * time.Millisecond
}

func (d DaemonConfig) BootWait() time.Duration {
	return time.Duration(d.BootWaitSeconds) * time.Second
}

func (d DaemonConfig) StopWait() time.Duration {
	return time.Duration(d.StopWaitSeconds) * time.Second
}
