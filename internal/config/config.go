package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds application configuration.
type Config struct {
	DBPath   string         `toml:"db"`
	Listen   string         `toml:"listen"`
	Service  ServiceConfig  `toml:"service"`
	Worker   WorkerConfig   `toml:"worker"`
	API      APIConfig      `toml:"api"`
	Catalog  CatalogConfig  `toml:"catalog"`
	Defaults DefaultsConfig `toml:"defaults"`
}

// ServiceConfig configures the remote separation API and its transport.
type ServiceConfig struct {
	BaseURL        string        `toml:"base_url"`
	APIToken       string        `toml:"api_token"`
	Mirror         int           `toml:"mirror"`
	Demo           bool          `toml:"demo"`
	ConnectTimeout time.Duration `toml:"connect_timeout"`
	ReadTimeout    time.Duration `toml:"read_timeout"`
	MaxRetries     int           `toml:"max_retries"`
	RetryInterval  time.Duration `toml:"retry_interval"`
	Jitter         float64       `toml:"jitter"`
	UserAgent      string        `toml:"user_agent"`
}

// WorkerConfig configures the poll loop and the single-job wait.
type WorkerConfig struct {
	PollInterval time.Duration `toml:"poll_interval"`
	WaitAttempts int           `toml:"wait_attempts"`
	WaitInterval time.Duration `toml:"wait_interval"`
	// Lease is how long a job stays reserved for the worker advancing it.
	Lease time.Duration `toml:"lease"`
}

// APIConfig configures the HTTP front door.
type APIConfig struct {
	// Secret enables signature checks on POST /jobs when set.
	Secret string `toml:"secret"`
}

// CatalogConfig configures the algorithm catalog cache.
type CatalogConfig struct {
	// Refresh is a five-field cron expression; empty disables scheduled refresh.
	Refresh string `toml:"refresh"`
}

// DefaultsConfig holds values used when a CLI enqueue omits them.
type DefaultsConfig struct {
	OutputDir    string `toml:"output_dir"`
	OutputFormat int    `toml:"output_format"`
	AlgorithmID  int    `toml:"algorithm_id"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		DBPath: DefaultDBPath(),
		Listen: ":8080",
		Service: ServiceConfig{
			BaseURL:        "https://mvsep.com/api",
			ConnectTimeout: 10 * time.Minute,
			ReadTimeout:    20 * time.Minute,
			MaxRetries:     30,
			RetryInterval:  20 * time.Second,
			Jitter:         0.1,
			UserAgent:      "sepq/0.1",
		},
		Worker: WorkerConfig{
			PollInterval: time.Second,
			WaitAttempts: 180,
			WaitInterval: time.Second,
			Lease:        time.Minute,
		},
		Catalog: CatalogConfig{
			Refresh: "0 */6 * * *",
		},
		Defaults: DefaultsConfig{
			OutputDir: DefaultOutputDir(),
		},
	}
}

// DefaultDBPath returns the default database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "sepq", "jobs.db")
}

// DefaultConfigPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "sepq", "config.toml")
}

// DefaultOutputDir returns the default stem output directory.
func DefaultOutputDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Music", "sepq")
}

// ExpandPath replaces a leading ~ with the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

// Load reads the TOML file at path on top of the defaults and applies
// environment overrides. An empty path means DefaultConfigPath, which may
// be absent; an explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	path = ExpandPath(path)

	md, err := toml.DecodeFile(path, cfg)
	switch {
	case err == nil:
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			log.Printf("config %s: ignoring unknown keys %v", path, undecoded)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	applyEnv(cfg)

	cfg.DBPath = ExpandPath(cfg.DBPath)
	cfg.Defaults.OutputDir = ExpandPath(cfg.Defaults.OutputDir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if token := os.Getenv("SEPQ_API_TOKEN"); token != "" {
		cfg.Service.APIToken = token
	}
	if db := os.Getenv("SEPQ_DB"); db != "" {
		cfg.DBPath = db
	}
	if listen := os.Getenv("SEPQ_LISTEN"); listen != "" {
		cfg.Listen = listen
	}
	if base := os.Getenv("SEPQ_BASE_URL"); base != "" {
		cfg.Service.BaseURL = base
	}
	if mirror := os.Getenv("SEPQ_MIRROR"); mirror != "" {
		if m, err := strconv.Atoi(mirror); err == nil {
			cfg.Service.Mirror = m
		}
	}
}

// Validate rejects values the rest of the program cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.DBPath == "":
		return errors.New("db path is empty")
	case c.Service.Mirror != 0 && c.Service.Mirror != 1:
		return fmt.Errorf("service.mirror must be 0 or 1, got %d", c.Service.Mirror)
	case c.Service.MaxRetries < 0:
		return fmt.Errorf("service.max_retries must not be negative, got %d", c.Service.MaxRetries)
	case c.Service.Jitter < 0 || c.Service.Jitter > 1:
		return fmt.Errorf("service.jitter must be within [0, 1], got %g", c.Service.Jitter)
	case c.Worker.PollInterval <= 0:
		return fmt.Errorf("worker.poll_interval must be positive, got %s", c.Worker.PollInterval)
	case c.Worker.WaitAttempts <= 0:
		return fmt.Errorf("worker.wait_attempts must be positive, got %d", c.Worker.WaitAttempts)
	case c.Worker.Lease <= 0:
		return fmt.Errorf("worker.lease must be positive, got %s", c.Worker.Lease)
	case c.Defaults.OutputFormat < 0 || c.Defaults.OutputFormat > 2:
		return fmt.Errorf("defaults.output_format must be 0, 1 or 2, got %d", c.Defaults.OutputFormat)
	}
	return nil
}
