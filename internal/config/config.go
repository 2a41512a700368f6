package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix is the default prefix for environment variables
const (
	DefaultEnvPrefix = "MESHPOINT_"
	MinPort          = 1024
	MaxPort          = 65535

	// DefaultHeartbeatInterval is the cadence peers are told to report at
	DefaultHeartbeatInterval = 5 * time.Second
	// DefaultStaleMultiplier is how many missed heartbeats mark a peer stale
	DefaultStaleMultiplier = 3
	// DefaultOfflineMultiplier is how many missed heartbeats mark a peer offline
	DefaultOfflineMultiplier = 6
	// DefaultConnectivityPassRatio is the reachable share required for the
	// connectivity proof
	DefaultConnectivityPassRatio = 0.8
	// DefaultFrameRingCapacity bounds the protocol frame log
	DefaultFrameRingCapacity = 1000
	// DefaultFramesLimit is the frame count returned when the caller does
	// not ask for a specific limit
	DefaultFramesLimit = 200
	// DefaultEventQueueSize bounds each live subscriber's queue
	DefaultEventQueueSize = 64
)

// Config represents the registry configuration
type Config struct {
	// Network configuration
	Host       string `yaml:"host"`
	Port       uint16 `yaml:"port"`
	ListenAddr string `yaml:"-"`

	// Identity and versioning
	LocalPeerID          string `yaml:"local_peer_id"`
	Version              string `yaml:"version"`
	MinCompatibleVersion string `yaml:"min_compatible_version"`

	// Liveness policy
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleMultiplier   int           `yaml:"stale_multiplier"`
	OfflineMultiplier int           `yaml:"offline_multiplier"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`

	// Proof policy
	ConnectivityPassRatio float64 `yaml:"connectivity_pass_ratio"`
	CrdtMinNodes          int     `yaml:"crdt_min_nodes"`

	// Connection quality RTT bands
	QualityExcellent time.Duration `yaml:"quality_excellent"`
	QualityGood      time.Duration `yaml:"quality_good"`
	QualityFair      time.Duration `yaml:"quality_fair"`

	// Gossip health bounds
	ActiveViewMin int `yaml:"active_view_min"`
	ActiveViewMax int `yaml:"active_view_max"`

	// Buffers
	FrameRingCapacity int `yaml:"frame_ring_capacity"`
	FramesLimit       int `yaml:"frames_limit"`
	EventQueueSize    int `yaml:"event_queue_size"`

	// Persistence
	SnapshotPath     string        `yaml:"snapshot_path"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`

	// Live stats broadcast cadence
	StatsInterval time.Duration `yaml:"stats_interval"`

	// Geo lookup cache size
	GeoCacheSize int `yaml:"geo_cache_size"`

	// HTTP settings
	CORSAllowedOrigins []string      `yaml:"cors_allowed_origins"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// Load builds the configuration from an optional YAML file plus
// environment variables; env values override file values.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	loader := NewEnvLoader(DefaultEnvPrefix)
	loader.LoadAll()

	cfg := defaults()

	if path := loader.GetString("CONFIG_FILE", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	var err error

	cfg.Host = loader.GetString("HOST", cfg.Host)
	if cfg.Port, err = loader.GetUint16("PORT", cfg.Port); err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}

	cfg.LocalPeerID = loader.GetString("LOCAL_PEER_ID", cfg.LocalPeerID)
	cfg.Version = loader.GetString("VERSION", cfg.Version)
	cfg.MinCompatibleVersion = loader.GetString("MIN_COMPATIBLE_VERSION", cfg.MinCompatibleVersion)

	if cfg.HeartbeatInterval, err = loader.GetDuration("HEARTBEAT_INTERVAL", cfg.HeartbeatInterval); err != nil {
		return nil, fmt.Errorf("invalid heartbeat interval: %w", err)
	}
	if cfg.StaleMultiplier, err = loader.GetInt("STALE_MULTIPLIER", cfg.StaleMultiplier); err != nil {
		return nil, fmt.Errorf("invalid stale multiplier: %w", err)
	}
	if cfg.OfflineMultiplier, err = loader.GetInt("OFFLINE_MULTIPLIER", cfg.OfflineMultiplier); err != nil {
		return nil, fmt.Errorf("invalid offline multiplier: %w", err)
	}
	if cfg.SweepInterval, err = loader.GetDuration("SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return nil, fmt.Errorf("invalid sweep interval: %w", err)
	}

	if cfg.ConnectivityPassRatio, err = loader.GetFloat64("CONNECTIVITY_PASS_RATIO", cfg.ConnectivityPassRatio); err != nil {
		return nil, fmt.Errorf("invalid connectivity pass ratio: %w", err)
	}
	if cfg.CrdtMinNodes, err = loader.GetInt("CRDT_MIN_NODES", cfg.CrdtMinNodes); err != nil {
		return nil, fmt.Errorf("invalid crdt min nodes: %w", err)
	}

	if cfg.QualityExcellent, err = loader.GetDuration("QUALITY_EXCELLENT", cfg.QualityExcellent); err != nil {
		return nil, fmt.Errorf("invalid excellent quality band: %w", err)
	}
	if cfg.QualityGood, err = loader.GetDuration("QUALITY_GOOD", cfg.QualityGood); err != nil {
		return nil, fmt.Errorf("invalid good quality band: %w", err)
	}
	if cfg.QualityFair, err = loader.GetDuration("QUALITY_FAIR", cfg.QualityFair); err != nil {
		return nil, fmt.Errorf("invalid fair quality band: %w", err)
	}

	if cfg.ActiveViewMin, err = loader.GetInt("ACTIVE_VIEW_MIN", cfg.ActiveViewMin); err != nil {
		return nil, fmt.Errorf("invalid active view min: %w", err)
	}
	if cfg.ActiveViewMax, err = loader.GetInt("ACTIVE_VIEW_MAX", cfg.ActiveViewMax); err != nil {
		return nil, fmt.Errorf("invalid active view max: %w", err)
	}

	if cfg.FrameRingCapacity, err = loader.GetInt("FRAME_RING_CAPACITY", cfg.FrameRingCapacity); err != nil {
		return nil, fmt.Errorf("invalid frame ring capacity: %w", err)
	}
	if cfg.FramesLimit, err = loader.GetInt("FRAMES_LIMIT", cfg.FramesLimit); err != nil {
		return nil, fmt.Errorf("invalid frames limit: %w", err)
	}
	if cfg.EventQueueSize, err = loader.GetInt("EVENT_QUEUE_SIZE", cfg.EventQueueSize); err != nil {
		return nil, fmt.Errorf("invalid event queue size: %w", err)
	}

	cfg.SnapshotPath = loader.GetString("SNAPSHOT_PATH", cfg.SnapshotPath)
	if cfg.SnapshotInterval, err = loader.GetDuration("SNAPSHOT_INTERVAL", cfg.SnapshotInterval); err != nil {
		return nil, fmt.Errorf("invalid snapshot interval: %w", err)
	}
	if cfg.StatsInterval, err = loader.GetDuration("STATS_INTERVAL", cfg.StatsInterval); err != nil {
		return nil, fmt.Errorf("invalid stats interval: %w", err)
	}
	if cfg.GeoCacheSize, err = loader.GetInt("GEO_CACHE_SIZE", cfg.GeoCacheSize); err != nil {
		return nil, fmt.Errorf("invalid geo cache size: %w", err)
	}

	if origins := loader.GetString("CORS_ALLOWED_ORIGINS", ""); origins != "" {
		cfg.CORSAllowedOrigins = strings.Split(origins, ",")
	}
	if cfg.ShutdownTimeout, err = loader.GetDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return nil, fmt.Errorf("invalid shutdown timeout: %w", err)
	}

	cfg.LogLevel = loader.GetString("LOG_LEVEL", cfg.LogLevel)

	cfg.ListenAddr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Host:                  "0.0.0.0",
		Port:                  8080,
		LocalPeerID:           "registry",
		Version:               "1.0.0",
		HeartbeatInterval:     DefaultHeartbeatInterval,
		StaleMultiplier:       DefaultStaleMultiplier,
		OfflineMultiplier:     DefaultOfflineMultiplier,
		SweepInterval:         time.Second,
		ConnectivityPassRatio: DefaultConnectivityPassRatio,
		CrdtMinNodes:          2,
		QualityExcellent:      50 * time.Millisecond,
		QualityGood:           150 * time.Millisecond,
		QualityFair:           400 * time.Millisecond,
		ActiveViewMin:         1,
		ActiveViewMax:         5,
		FrameRingCapacity:     DefaultFrameRingCapacity,
		FramesLimit:           DefaultFramesLimit,
		EventQueueSize:        DefaultEventQueueSize,
		SnapshotPath:          "meshpoint-state.json",
		SnapshotInterval:      30 * time.Second,
		StatsInterval:         5 * time.Second,
		GeoCacheSize:          1024,
		CORSAllowedOrigins:    []string{"*"},
		ShutdownTimeout:       10 * time.Second,
		LogLevel:              "info",
	}
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port == 0 {
		return fmt.Errorf("port is required")
	}
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.StaleMultiplier <= 0 {
		return fmt.Errorf("stale multiplier must be positive")
	}
	if c.OfflineMultiplier <= c.StaleMultiplier {
		return fmt.Errorf("offline multiplier (%d) must exceed stale multiplier (%d)",
			c.OfflineMultiplier, c.StaleMultiplier)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	if c.ConnectivityPassRatio <= 0 || c.ConnectivityPassRatio > 1 {
		return fmt.Errorf("connectivity pass ratio must be in (0, 1]")
	}
	if c.CrdtMinNodes <= 0 {
		return fmt.Errorf("crdt min nodes must be positive")
	}
	if c.QualityExcellent >= c.QualityGood || c.QualityGood >= c.QualityFair {
		return fmt.Errorf("quality bands must be strictly increasing")
	}
	if c.ActiveViewMin <= 0 || c.ActiveViewMax < c.ActiveViewMin {
		return fmt.Errorf("active view bounds are invalid")
	}
	if c.FrameRingCapacity <= 0 {
		return fmt.Errorf("frame ring capacity must be positive")
	}
	if c.FramesLimit <= 0 {
		return fmt.Errorf("frames limit must be positive")
	}
	if c.EventQueueSize <= 0 {
		return fmt.Errorf("event queue size must be positive")
	}
	return nil
}
