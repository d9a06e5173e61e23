package directory

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"zoneclient/internal/protocol"
	"zoneclient/internal/zone"
)

// ServerConfig configures the development directory.
type ServerConfig struct {
	ListenAddress string                      `yaml:"listen_address"`
	HTTPPort      int                         `yaml:"http_port"`
	ZoneSize      float64                     `yaml:"zone_size"`
	Spawn         zone.Point                  `yaml:"spawn"`
	Servers       []protocol.ServerDescriptor `yaml:"servers"`
}

// DefaultServerConfig describes a 2x2 grid of local zone servers.
func DefaultServerConfig() ServerConfig {
	servers := make([]protocol.ServerDescriptor, 0, 4)
	port := 29000
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			c := zone.Coord{X: x, Y: y}
			servers = append(servers, protocol.ServerDescriptor{
				ServerID:  fmt.Sprintf("zone-%d-%d", x, y),
				Host:      "127.0.0.1",
				Port:      port,
				Zone:      c,
				IsPrimary: true,
			})
			port++
		}
	}
	return ServerConfig{
		ListenAddress: "0.0.0.0",
		HTTPPort:      28080,
		ZoneSize:      zone.DefaultSize,
		Spawn:         zone.Point{X: 250, Y: 250},
		Servers:       servers,
	}
}

// LoadServerConfig reads a YAML directory configuration.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fills defaults and rejects unusable server lists.
func (c *ServerConfig) Validate() error {
	if c.ListenAddress == "" {
		c.ListenAddress = "0.0.0.0"
	}
	if c.HTTPPort == 0 {
		c.HTTPPort = 28080
	}
	if c.ZoneSize == 0 {
		c.ZoneSize = zone.DefaultSize
	}
	if c.ZoneSize < 0 {
		return fmt.Errorf("zone_size must be positive")
	}
	if len(c.Servers) == 0 {
		return fmt.Errorf("servers cannot be empty")
	}
	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if s.ServerID == "" {
			return fmt.Errorf("servers[%d].server_id must be set", i)
		}
		if seen[s.ServerID] {
			return fmt.Errorf("servers[%d].server_id %q is duplicated", i, s.ServerID)
		}
		seen[s.ServerID] = true
		if s.Host == "" {
			return fmt.Errorf("servers[%d].ip must be set", i)
		}
		if s.Port <= 0 || s.Port > 65535 {
			return fmt.Errorf("servers[%d].port out of range", i)
		}
	}
	return nil
}

// WriteDefaultServerConfig writes the default configuration to path.
func WriteDefaultServerConfig(path string) error {
	cfg := DefaultServerConfig()

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}
