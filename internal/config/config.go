package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// AgentConfig configures one agent node.
type AgentConfig struct {
	Name            string   `toml:"name"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	ControlPlaneURL string   `toml:"control_plane_url"`
	DataDir         string   `toml:"data_dir"`
	CorsOrigins     []string `toml:"cors_origins"`
	Debug           bool     `toml:"debug"`
}

// Default returns the agent defaults used when no config file is supplied.
func Default() AgentConfig {
	cfg := AgentConfig{}
	applyDefaults(&cfg)
	return cfg
}

// Load reads and validates a TOML agent config, filling defaults for
// omitted fields.
func Load(path string) (AgentConfig, error) {
	var cfg AgentConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return AgentConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return AgentConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *AgentConfig) {
	if cfg.Name == "" {
		cfg.Name = "makinet-agent"
	}
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 10514
	}
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.DataDir = filepath.Join(home, ".local", "share", "makinet-agent")
	}
}

// Validate enforces required agent config fields.
func Validate(cfg AgentConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("agent config missing name")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("agent config port out of range: %d", cfg.Port)
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("agent config missing data_dir")
	}
	return nil
}

// ImageDir is where locally stored image archives live.
func (c AgentConfig) ImageDir() string {
	return filepath.Join(c.DataDir, "images")
}

// CertsDir is where the agent's TLS material lives.
func (c AgentConfig) CertsDir() string {
	return filepath.Join(c.DataDir, "certs")
}

// ListenAddr is the host:port the API binds to.
func (c AgentConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
