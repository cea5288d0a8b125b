package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// SniffyConfig controls what the interception layer does.
type SniffyConfig struct {
	MonitorSocket        bool   `yaml:"monitor_socket"`
	MonitorSQL           bool   `yaml:"monitor_sql"`
	FaultInjection       bool   `yaml:"fault_injection"`
	CaptureTraffic       bool   `yaml:"capture_traffic"`
	CaptureTraces        bool   `yaml:"capture_traces"`
	BufferedCapture      bool   `yaml:"buffered_capture"`
	PacketMergeThreshold string `yaml:"packet_merge_threshold"`
	MaxPacketsPerConn    int    `yaml:"max_packets_per_conn"`
	DefaultWindow        int    `yaml:"default_window"`
	Discovery            bool   `yaml:"discovery"`
	NumShards            int    `yaml:"num_shards"`
	TopSQLCapacity       int    `yaml:"top_sql_capacity"`
}

// RegistryConfig locates the persisted connection registry.
type RegistryConfig struct {
	File    string `yaml:"file"`
	Persist bool   `yaml:"persist"`
}

// GobWriterConfig writes stats snapshots to disk.
type GobWriterConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval"`
	RootPath string `yaml:"root_path"`
}

// ClickHouseConfig holds the connection details for ClickHouse.
type ClickHouseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// NATSWriterConfig publishes stats snapshots.
type NATSWriterConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval"`
	Subject  string `yaml:"subject"`
}

// WritersConfig lists the snapshot sinks.
type WritersConfig struct {
	Gob        GobWriterConfig  `yaml:"gob"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	NATS       NATSWriterConfig `yaml:"nats"`
}

// EventsConfig wires the registry to NATS: changes are published on
// Subject, and status commands are accepted on ControlSubject.
type EventsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	NATSURL        string `yaml:"nats_url"`
	Subject        string `yaml:"subject"`
	ControlSubject string `yaml:"control_subject"`
}

// AlerterRule fires when a metric of the matching targets exceeds Threshold
// within one check interval.
type AlerterRule struct {
	Name      string `yaml:"name"`
	Target    string `yaml:"target"`
	Metric    string `yaml:"metric"`
	Threshold int64  `yaml:"threshold"`
}

// AlerterConfig holds the alerter settings.
type AlerterConfig struct {
	Enabled       bool          `yaml:"enabled"`
	CheckInterval string        `yaml:"check_interval"`
	Rules         []AlerterRule `yaml:"rules"`
}

// SMTPConfig holds the settings for the e-mail notifier.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

// APIConfig holds the admin listeners.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	GRPCAddr   string `yaml:"grpc_addr"`
}

// LogConfig selects the log level and an optional rotating log file.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Sniffy   SniffyConfig   `yaml:"sniffy"`
	Registry RegistryConfig `yaml:"registry"`
	Writers  WritersConfig  `yaml:"writers"`
	Events   EventsConfig   `yaml:"events"`
	Alerter  AlerterConfig  `yaml:"alerter"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	API      APIConfig      `yaml:"api"`
	Log      LogConfig      `yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Sniffy: SniffyConfig{
			MonitorSocket:        true,
			MonitorSQL:           true,
			FaultInjection:       true,
			BufferedCapture:      true,
			PacketMergeThreshold: "50ms",
			MaxPacketsPerConn:    4096,
			DefaultWindow:        64 * 1024,
			Discovery:            true,
			NumShards:            64,
			TopSQLCapacity:       1024,
		},
		Writers: WritersConfig{
			Gob:  GobWriterConfig{Interval: "1m", RootPath: "./snapshots"},
			NATS: NATSWriterConfig{Interval: "10s", Subject: "sniffy.stats"},
		},
		Events: EventsConfig{
			NATSURL:        "nats://127.0.0.1:4222",
			Subject:        "sniffy.registry",
			ControlSubject: "sniffy.registry.control",
		},
		Alerter: AlerterConfig{CheckInterval: "1m"},
		API:     APIConfig{ListenAddr: ":8787", GRPCAddr: ":8788"},
		Log:     LogConfig{Level: "info"},
	}
}

// LoadConfig reads the configuration from a YAML file on top of the defaults
// and applies environment overrides. An empty path skips the file.
func LoadConfig(filePath string) (*Config, error) {
	cfg := Default()
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
		}
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from IO_SNIFFY_* variables, reading an
// optional .env file first.
func (c *Config) ApplyEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	s := &c.Sniffy
	s.MonitorSocket = getEnvBoolOrDefault("IO_SNIFFY_MONITOR_SOCKET", s.MonitorSocket)
	s.MonitorSQL = getEnvBoolOrDefault("IO_SNIFFY_MONITOR_JDBC", s.MonitorSQL)
	s.FaultInjection = getEnvBoolOrDefault("IO_SNIFFY_FAULT_INJECTION", s.FaultInjection)
	s.CaptureTraffic = getEnvBoolOrDefault("IO_SNIFFY_CAPTURE_TRAFFIC", s.CaptureTraffic)
	s.CaptureTraces = getEnvBoolOrDefault("IO_SNIFFY_CAPTURE_STACK_TRACES", s.CaptureTraces)
	s.BufferedCapture = getEnvBoolOrDefault("IO_SNIFFY_BUFFERED_CAPTURE", s.BufferedCapture)
	s.PacketMergeThreshold = getEnvOrDefault("IO_SNIFFY_PACKET_MERGE_THRESHOLD", s.PacketMergeThreshold)
	s.MaxPacketsPerConn = getEnvIntOrDefault("IO_SNIFFY_MAX_PACKETS_PER_CONNECTION", s.MaxPacketsPerConn)
	s.DefaultWindow = getEnvIntOrDefault("IO_SNIFFY_DEFAULT_WINDOW", s.DefaultWindow)
	s.Discovery = getEnvBoolOrDefault("IO_SNIFFY_DISCOVERY", s.Discovery)
	s.TopSQLCapacity = getEnvIntOrDefault("IO_SNIFFY_TOP_SQL_CAPACITY", s.TopSQLCapacity)

	c.Registry.File = getEnvOrDefault("IO_SNIFFY_REGISTRY_FILE", c.Registry.File)
	c.Registry.Persist = getEnvBoolOrDefault("IO_SNIFFY_REGISTRY_PERSIST", c.Registry.Persist)
	c.Events.NATSURL = getEnvOrDefault("IO_SNIFFY_NATS_URL", c.Events.NATSURL)
	c.API.ListenAddr = getEnvOrDefault("IO_SNIFFY_API_ADDR", c.API.ListenAddr)
	c.Log.Level = getEnvOrDefault("IO_SNIFFY_LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnvOrDefault("IO_SNIFFY_LOG_FILE", c.Log.File)
}

// Validate checks the durations the rest of the program parses.
func (c *Config) Validate() error {
	if _, err := c.Sniffy.MergeThreshold(); err != nil {
		return err
	}
	intervals := map[string]string{
		"writers.gob.interval":        c.Writers.Gob.Interval,
		"writers.clickhouse.interval": c.Writers.ClickHouse.Interval,
		"writers.nats.interval":       c.Writers.NATS.Interval,
		"alerter.check_interval":      c.Alerter.CheckInterval,
	}
	for name, value := range intervals {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

// MergeThreshold parses PacketMergeThreshold. A bare integer is milliseconds.
func (s SniffyConfig) MergeThreshold() (time.Duration, error) {
	if s.PacketMergeThreshold == "" {
		return 0, nil
	}
	if ms, err := strconv.Atoi(s.PacketMergeThreshold); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s.PacketMergeThreshold)
	if err != nil {
		return 0, fmt.Errorf("invalid packet_merge_threshold: %w", err)
	}
	return d, nil
}

// ParseInterval parses a writer or alerter interval, with zero meaning
// disabled.
func ParseInterval(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
