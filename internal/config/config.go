package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written in config files as a Go duration
// string ("150ms") or as a bare count of nanoseconds.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	switch v := raw.(type) {
	case nil:
		*d = 0
		return nil
	case string:
		return d.set(v)
	case float64:
		*d = Duration(time.Duration(v))
		return nil
	}
	return fmt.Errorf("duration: invalid value %s", b)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration: expected scalar at line %d", value.Line)
	}
	return d.set(value.Value)
}

// set parses s; empty means zero.
func (d *Duration) set(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(n)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration: parse %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config captures the tunable parameters of a client session.
type Config struct {
	Player     PlayerConfig     `json:"player" yaml:"player"`
	Directory  DirectoryConfig  `json:"directory" yaml:"directory"`
	Transport  TransportConfig  `json:"transport" yaml:"transport"`
	Zone       ZoneConfig       `json:"zone" yaml:"zone"`
	Pool       PoolConfig       `json:"pool" yaml:"pool"`
	Transition TransitionConfig `json:"transition" yaml:"transition"`
	Sync       SyncConfig       `json:"sync" yaml:"sync"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
}

type PlayerConfig struct {
	ID   string `json:"id" yaml:"id"` // generated when empty
	Name string `json:"name" yaml:"name"`
}

type DirectoryConfig struct {
	BaseURL        string   `json:"baseUrl" yaml:"base_url"`
	RequestTimeout Duration `json:"requestTimeout" yaml:"request_timeout"`
	PollInterval   Duration `json:"pollInterval" yaml:"poll_interval"` // action server refresh
}

type TransportConfig struct {
	Kind         string   `json:"kind" yaml:"kind"` // ws | http | grpc
	Path         string   `json:"path" yaml:"path"`
	DialTimeout  Duration `json:"dialTimeout" yaml:"dial_timeout"`
	CallTimeout  Duration `json:"callTimeout" yaml:"call_timeout"`
	CloseTimeout Duration `json:"closeTimeout" yaml:"close_timeout"`
}

type ZoneConfig struct {
	Size float64 `json:"size" yaml:"size"`
}

type PoolConfig struct {
	ManifestAttempts    int      `json:"manifestAttempts" yaml:"manifest_attempts"`
	ManifestRetryStep   Duration `json:"manifestRetryStep" yaml:"manifest_retry_step"` // delay grows by this per attempt
	HealthCheckInterval Duration `json:"healthCheckInterval" yaml:"health_check_interval"`
	UnhealthyTTL        Duration `json:"unhealthyTtl" yaml:"unhealthy_ttl"`
	ProximityRadius     float64  `json:"proximityRadius" yaml:"proximity_radius"` // pre-establish when this close to a zone
	EvictionRadius      float64  `json:"evictionRadius" yaml:"eviction_radius"`   // evict when farther than this
}

type TransitionConfig struct {
	Hysteresis       float64  `json:"hysteresis" yaml:"hysteresis"`
	MaxRapid         int      `json:"maxRapid" yaml:"max_rapid"`
	RapidWindow      Duration `json:"rapidWindow" yaml:"rapid_window"`
	Cooldown         Duration `json:"cooldown" yaml:"cooldown"`
	MismatchInterval Duration `json:"mismatchInterval" yaml:"mismatch_interval"`
	ForcedDeadline   Duration `json:"forcedDeadline" yaml:"forced_deadline"`
	ChronicThreshold int      `json:"chronicThreshold" yaml:"chronic_threshold"` // telemetry only
	CheckInterval    Duration `json:"checkInterval" yaml:"check_interval"`
}

type SyncConfig struct {
	PollInterval      Duration `json:"pollInterval" yaml:"poll_interval"`
	HeartbeatInterval Duration `json:"heartbeatInterval" yaml:"heartbeat_interval"`
	HeartbeatFailures int      `json:"heartbeatFailures" yaml:"heartbeat_failures"` // consecutive failures before the link counts as lost
	BoundaryMargin    float64  `json:"boundaryMargin" yaml:"boundary_margin"`
}

type MetricsConfig struct {
	Namespace string `json:"namespace" yaml:"namespace"`
	Listen    string `json:"listen" yaml:"listen"` // empty disables the /metrics endpoint
}

// Load reads configuration from a JSON or YAML file if provided. The format
// follows the file extension. An empty path returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func Default() *Config {
	return &Config{
		Player: PlayerConfig{
			Name: "player",
		},
		Directory: DirectoryConfig{
			BaseURL:        "http://127.0.0.1:28080",
			RequestTimeout: Duration(5 * time.Second),
			PollInterval:   Duration(5 * time.Second),
		},
		Transport: TransportConfig{
			Kind:         "ws",
			Path:         "/rpc",
			DialTimeout:  Duration(3 * time.Second),
			CallTimeout:  Duration(2 * time.Second),
			CloseTimeout: Duration(time.Second),
		},
		Zone: ZoneConfig{
			Size: 500,
		},
		Pool: PoolConfig{
			ManifestAttempts:    10,
			ManifestRetryStep:   Duration(300 * time.Millisecond),
			HealthCheckInterval: Duration(5 * time.Second),
			UnhealthyTTL:        Duration(60 * time.Second),
			ProximityRadius:     150,
			EvictionRadius:      300,
		},
		Transition: TransitionConfig{
			Hysteresis:       2,
			MaxRapid:         8,
			RapidWindow:      Duration(2 * time.Second),
			Cooldown:         Duration(3 * time.Second),
			MismatchInterval: Duration(time.Second),
			ForcedDeadline:   Duration(5 * time.Second),
			ChronicThreshold: 10,
			CheckInterval:    Duration(250 * time.Millisecond),
		},
		Sync: SyncConfig{
			PollInterval:      Duration(16 * time.Millisecond),
			HeartbeatInterval: Duration(time.Second),
			HeartbeatFailures: 3,
			BoundaryMargin:    100,
		},
		Metrics: MetricsConfig{
			Namespace: "zoneclient",
		},
	}
}

func (c *Config) Validate() error {
	if c.Directory.BaseURL == "" {
		return errors.New("directory.baseUrl must be set")
	}
	switch c.Transport.Kind {
	case "ws", "http", "grpc":
	default:
		return fmt.Errorf("transport.kind %q must be one of ws, http, grpc", c.Transport.Kind)
	}
	if c.Zone.Size <= 0 {
		return errors.New("zone.size must be positive")
	}
	if c.Pool.ManifestAttempts <= 0 {
		return errors.New("pool.manifestAttempts must be positive")
	}
	if c.Pool.UnhealthyTTL <= 0 {
		return errors.New("pool.unhealthyTtl must be positive")
	}
	if c.Pool.ProximityRadius < 0 {
		return errors.New("pool.proximityRadius cannot be negative")
	}
	if c.Pool.EvictionRadius < c.Pool.ProximityRadius {
		return errors.New("pool.evictionRadius must be >= proximityRadius")
	}
	if c.Transition.Hysteresis < 0 {
		return errors.New("transition.hysteresis cannot be negative")
	}
	if c.Transition.MaxRapid <= 0 {
		return errors.New("transition.maxRapid must be positive")
	}
	if c.Transition.MismatchInterval <= 0 {
		return errors.New("transition.mismatchInterval must be positive")
	}
	if c.Transition.ForcedDeadline <= 0 {
		return errors.New("transition.forcedDeadline must be positive")
	}
	if c.Transition.CheckInterval <= 0 {
		return errors.New("transition.checkInterval must be positive")
	}
	if c.Sync.PollInterval <= 0 || c.Sync.HeartbeatInterval <= 0 {
		return errors.New("sync intervals must be positive")
	}
	if c.Sync.BoundaryMargin < 0 {
		return errors.New("sync.boundaryMargin cannot be negative")
	}
	if c.Sync.BoundaryMargin > c.Zone.Size/2 {
		return errors.New("sync.boundaryMargin must not exceed half the zone size")
	}
	return nil
}
