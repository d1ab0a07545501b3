// ============================================================================
// Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Typed YAML configuration for both contestmaster and
// contestworker, covering spec.md §6's configuration surface. Grounded on
// internal/cli/cli.go's Config struct + loadConfig (gopkg.in/yaml.v3).
//
// ============================================================================

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document shared by both binaries; a
// worker process reads Worker/Path/Timeout plus Master's shared_secret and
// heartbeat_secs, a master process reads Master/Metrics, but both parse
// the same file shape so one config file can be deployed fleet-wide.
type Config struct {
	Master  MasterConfig  `yaml:"master"`
	Worker  WorkerConfig  `yaml:"worker"`
	Path    PathConfig    `yaml:"path"`
	Timeout TimeoutConfig `yaml:"timeout"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// MasterConfig is spec.md §6's `master.*` surface.
type MasterConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	SharedSecret    string        `yaml:"shared_secret"`
	HeartbeatSecs   int           `yaml:"heartbeat_secs"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	Contest         string        `yaml:"contest"`
}

// WorkerConfig is spec.md §6's `worker.*` surface.
type WorkerConfig struct {
	Port            int `yaml:"port"`
	AvailableSlots  int `yaml:"available_slots"`
	PortRangeStart  int `yaml:"port_range_start"`
	PortRangeEnd    int `yaml:"port_range_end"`
}

// PathConfig is spec.md §6's `path.*` surface: external binaries and
// scripts invoked as subprocesses.
type PathConfig struct {
	CompileScript string `yaml:"compile_script"`
	Makefiles     string `yaml:"makefiles"`
	StechecServer string `yaml:"stechec_server"`
	StechecClient string `yaml:"stechec_client"`
	Rules         string `yaml:"rules"`
	Dumper        string `yaml:"dumper"` // optional
}

// TimeoutConfig is spec.md §6's `timeout.*` surface, all in seconds in
// the YAML file and converted to time.Duration on load.
type TimeoutConfig struct {
	Server  time.Duration `yaml:"-"`
	Dumper  time.Duration `yaml:"-"`
	Client  time.Duration `yaml:"-"`
	Compile time.Duration `yaml:"-"`

	ServerSecs  int `yaml:"server"`
	DumperSecs  int `yaml:"dumper"`
	ClientSecs  int `yaml:"client"`
	CompileSecs int `yaml:"compile"`
}

// MetricsConfig controls the Prometheus HTTP endpoint (ambient stack,
// carried from the teacher's own Metrics config block).
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads and parses a YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.Timeout.Server = time.Duration(cfg.Timeout.ServerSecs) * time.Second
	cfg.Timeout.Dumper = time.Duration(cfg.Timeout.DumperSecs) * time.Second
	cfg.Timeout.Client = time.Duration(cfg.Timeout.ClientSecs) * time.Second
	cfg.Timeout.Compile = time.Duration(cfg.Timeout.CompileSecs) * time.Second

	if cfg.Master.HeartbeatSecs == 0 {
		cfg.Master.HeartbeatSecs = 10
	}
	if cfg.Master.HeartbeatTimeout == 0 {
		cfg.Master.HeartbeatTimeout = time.Duration(cfg.Master.HeartbeatSecs*3) * time.Second
	}

	return &cfg, nil
}
