package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Operating mode presets. The mode selects the capture filter and sensible
// rate-limit defaults for the protected game client.
const (
	ModeVRChat    = "vrchat"
	ModeUniversal = "universal"
	ModeCustom    = "custom"
)

// Validation bounds for the externally supplied limits.
const (
	MinBandwidthMBps = 1.0
	MaxBandwidthMBps = 1000.0
	MinBurstSizeMB   = 1.0
	MaxBurstSizeMB   = 100.0
)

// LimitsConfig holds the rate-limiting parameters applied per flow.
type LimitsConfig struct {
	MaxBandwidthMBps float64 `yaml:"max_bandwidth_mbps"`
	BurstSizeMB      float64 `yaml:"burst_size_mb"`
}

// AccountantConfig holds the flow accountant and packet path settings.
type AccountantConfig struct {
	NumShards           uint32 `yaml:"num_shards"`
	WindowSeconds       int    `yaml:"window_seconds"`
	IdleTimeout         string `yaml:"idle_timeout"`
	NumWorkers          int    `yaml:"num_workers"`
	SizeOfPacketChannel int    `yaml:"size_of_packet_channel"`
}

// IntelConfig holds the OSINT enricher settings.
type IntelConfig struct {
	WhoisEnabled  bool     `yaml:"whois_enabled"`
	RDAPBaseURL   string   `yaml:"rdap_base_url"`
	LookupTimeout string   `yaml:"lookup_timeout"`
	NumWorkers    int      `yaml:"num_workers"`
	QueueSize     int      `yaml:"queue_size"`
	CacheMaxSize  int      `yaml:"cache_max_size"`
	CacheTTLHours int      `yaml:"cache_ttl_hours"`
	Feeds         []string `yaml:"feeds"`
	FeedRefresh   string   `yaml:"feed_refresh"`
	RedisURL      string   `yaml:"redis_url"`
}

// ScoringConfig holds the threat scoring engine settings.
type ScoringConfig struct {
	AlertThreshold        int      `yaml:"alert_threshold"`
	EscalationThreshold   int      `yaml:"escalation_threshold"`
	WatchThreshold        int      `yaml:"watch_threshold"`
	HighRiskCountries     []string `yaml:"high_risk_countries"`
	SuspiciousASNKeywords []string `yaml:"suspicious_asn_keywords"`
	ProxyKeywords         []string `yaml:"proxy_keywords"`
	AnomalyMinSamples     int      `yaml:"anomaly_min_samples"`
	AnomalyWindowSize     int      `yaml:"anomaly_window_size"`
	RetrainInterval       string   `yaml:"retrain_interval"`
	RescoreInterval       string   `yaml:"rescore_interval"`
}

// ClickHouseConfig holds the optional analytic traffic sink settings.
type ClickHouseConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Database      string `yaml:"database"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	FlushInterval string `yaml:"flush_interval"`
}

// LoggingConfig holds the event and session logger settings.
type LoggingConfig struct {
	Directory             string           `yaml:"directory"`
	Integrity             bool             `yaml:"integrity_check"`
	QueueSize             int              `yaml:"queue_size"`
	TrafficSampleInterval string           `yaml:"traffic_sample_interval"`
	WatchlistSaveInterval string           `yaml:"watchlist_save_interval"`
	ClickHouse            ClickHouseConfig `yaml:"clickhouse"`
}

// TelemetryConfig holds the websocket telemetry publisher settings.
type TelemetryConfig struct {
	ListenAddr     string  `yaml:"listen_addr"`
	TickInterval   string  `yaml:"tick_interval"`
	LogHistorySize int     `yaml:"log_history_size"`
	FloodRatio     float64 `yaml:"flood_ratio"`
}

// CaptureConfig selects where packet observations come from.
// Source is one of "live" (local gopacket capture), "pcap" (offline
// replay), or "nats" (remote probe fan-in).
type CaptureConfig struct {
	Source   string `yaml:"source"`
	Device   string `yaml:"device"`
	PcapPath string `yaml:"pcap_path"`
	BPF      string `yaml:"bpf"`
}

// ProbeConfig holds the NATS transport settings shared by the remote probe
// and the daemon's subscriber.
type ProbeConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Mode       string           `yaml:"mode"`
	Limits     LimitsConfig     `yaml:"limits"`
	Accountant AccountantConfig `yaml:"accountant"`
	Intel      IntelConfig      `yaml:"intel"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Capture    CaptureConfig    `yaml:"capture"`
	Probe      ProbeConfig      `yaml:"probe"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{
		Mode: ModeVRChat,
		Limits: LimitsConfig{
			MaxBandwidthMBps: 50.0,
			BurstSizeMB:      10.0,
		},
		Accountant: AccountantConfig{
			NumShards:           256,
			WindowSeconds:       5,
			IdleTimeout:         "5m",
			NumWorkers:          4,
			SizeOfPacketChannel: 10000,
		},
		Intel: IntelConfig{
			WhoisEnabled:  true,
			RDAPBaseURL:   "https://rdap.org",
			LookupTimeout: "10s",
			NumWorkers:    4,
			QueueSize:     1000,
			CacheMaxSize:  50000,
			CacheTTLHours: 24,
			Feeds:         []string{"ipsum", "emergingthreats", "feodo"},
			FeedRefresh:   "6h",
		},
		Scoring: ScoringConfig{
			AlertThreshold:      50,
			EscalationThreshold: 75,
			WatchThreshold:      80,
			HighRiskCountries:   []string{"KP"},
			SuspiciousASNKeywords: []string{
				"hosting", "vps", "cloud", "server", "datacenter", "bulletproof",
			},
			ProxyKeywords: []string{
				"tor", "exit", "relay", "vpn", "proxy", "anonymous",
			},
			AnomalyMinSamples: 256,
			AnomalyWindowSize: 4096,
			RetrainInterval:   "1m",
			RescoreInterval:   "5s",
		},
		Logging: LoggingConfig{
			Directory:             "netshield_logs",
			QueueSize:             10000,
			TrafficSampleInterval: "1s",
			WatchlistSaveInterval: "30s",
		},
		Telemetry: TelemetryConfig{
			ListenAddr:     "127.0.0.1:8765",
			TickInterval:   "1s",
			LogHistorySize: 500,
			FloodRatio:     0.5,
		},
		Capture: CaptureConfig{Source: "live"},
		Probe: ProbeConfig{
			NATSURL: "nats://127.0.0.1:4222",
			Subject: "netshield.observations",
		},
	}
	return cfg
}

// LoadConfig reads the configuration from a YAML file, applying defaults
// for anything the file leaves unset.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration bounds and returns every violation
// found, so a bad file reports all problems at once.
func (c *Config) Validate() []error {
	var errs []error

	switch c.Mode {
	case ModeVRChat, ModeUniversal, ModeCustom:
	default:
		errs = append(errs, fmt.Errorf("invalid mode %q", c.Mode))
	}

	if c.Limits.MaxBandwidthMBps < MinBandwidthMBps || c.Limits.MaxBandwidthMBps > MaxBandwidthMBps {
		errs = append(errs, fmt.Errorf("max_bandwidth_mbps must be between %.0f and %.0f, got %v",
			MinBandwidthMBps, MaxBandwidthMBps, c.Limits.MaxBandwidthMBps))
	}
	if c.Limits.BurstSizeMB < MinBurstSizeMB || c.Limits.BurstSizeMB > MaxBurstSizeMB {
		errs = append(errs, fmt.Errorf("burst_size_mb must be between %.0f and %.0f, got %v",
			MinBurstSizeMB, MaxBurstSizeMB, c.Limits.BurstSizeMB))
	}
	if c.Scoring.WatchThreshold < 0 || c.Scoring.WatchThreshold > 100 {
		errs = append(errs, fmt.Errorf("watch_threshold must be 0-100, got %d", c.Scoring.WatchThreshold))
	}
	if c.Scoring.AlertThreshold < 0 || c.Scoring.AlertThreshold > 100 {
		errs = append(errs, fmt.Errorf("alert_threshold must be 0-100, got %d", c.Scoring.AlertThreshold))
	}
	if c.Intel.CacheMaxSize <= 0 {
		errs = append(errs, fmt.Errorf("cache_max_size must be positive, got %d", c.Intel.CacheMaxSize))
	}

	for name, val := range map[string]string{
		"idle_timeout":            c.Accountant.IdleTimeout,
		"lookup_timeout":          c.Intel.LookupTimeout,
		"feed_refresh":            c.Intel.FeedRefresh,
		"retrain_interval":        c.Scoring.RetrainInterval,
		"rescore_interval":        c.Scoring.RescoreInterval,
		"traffic_sample_interval": c.Logging.TrafficSampleInterval,
		"watchlist_save_interval": c.Logging.WatchlistSaveInterval,
		"tick_interval":           c.Telemetry.TickInterval,
	} {
		if _, err := time.ParseDuration(val); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", name, err))
		}
	}

	return errs
}

// BPFFilter returns the capture filter for the configured mode. The custom
// mode uses the user-supplied filter when present, otherwise inbound UDP.
func (c *Config) BPFFilter() string {
	switch c.Mode {
	case ModeVRChat:
		// Photon relay ports, the Steam datagram range, and TCP web
		// traffic for visibility into what kills the client.
		return "(udp and (src port 5055 or src port 5056 or src port 5058 or src portrange 27000-27100)) or (tcp and (src port 80 or src port 443))"
	case ModeUniversal:
		return "tcp or udp"
	default:
		if c.Capture.BPF != "" {
			return c.Capture.BPF
		}
		return "udp"
	}
}

// Duration parses a duration field that Validate has already checked.
func Duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
