package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// UI modes.
const (
	UIModeTview    = "tview"
	UIModeHeadless = "headless"
)

// Config represents the complete dashboard client configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sync     SyncConfig     `yaml:"sync"`
	UI       UIConfig       `yaml:"ui"`
	Logging  LoggingConfig  `yaml:"logging"`
	Recorder RecorderConfig `yaml:"recorder"`
	Snapshot SnapshotConfig `yaml:"snapshot"`

	// LoadedFrom is the file or directory the config came from; empty for defaults.
	LoadedFrom string `yaml:"-"`
}

// ServerConfig points at the monitoring agent
type ServerConfig struct {
	URL       string `yaml:"url"`
	TimeoutMS int    `yaml:"timeout_ms"`
	UserAgent string `yaml:"user_agent"`
}

// SyncConfig tunes the poll loop. PollIntervalMS is only used until the agent
// reports its own page update interval.
type SyncConfig struct {
	PollIntervalMS   int  `yaml:"poll_interval_ms"`
	AutoPauseMinutes int  `yaml:"auto_pause_minutes"`
	TotalOnly        bool `yaml:"total_only"`
}

// UIConfig selects the local console
type UIConfig struct {
	Mode                 string `yaml:"mode"`
	RefreshFPS           int    `yaml:"refresh_fps"`
	StatsIntervalSeconds int    `yaml:"stats_interval_seconds"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// RecorderConfig controls the optional SQLite sample archive
type RecorderConfig struct {
	Enabled         bool   `yaml:"enabled"`
	DBPath          string `yaml:"db_path"`
	QueueSize       int    `yaml:"queue_size"`
	BatchSize       int    `yaml:"batch_size"`
	BatchIntervalMS int    `yaml:"batch_interval_ms"`
}

// SnapshotConfig says where saved snapshots go
type SnapshotConfig struct {
	Dir string `yaml:"dir"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Server.URL) == "" {
		c.Server.URL = "http://localhost:6308"
	}
	if c.Server.TimeoutMS <= 0 {
		c.Server.TimeoutMS = 5000
	}
	if strings.TrimSpace(c.Server.UserAgent) == "" {
		c.Server.UserAgent = "kprofiler"
	}
	if c.Sync.PollIntervalMS <= 0 {
		c.Sync.PollIntervalMS = 1000
	}
	c.UI.Mode = strings.ToLower(strings.TrimSpace(c.UI.Mode))
	if c.UI.Mode == "" {
		c.UI.Mode = UIModeTview
	}
	if c.UI.RefreshFPS <= 0 {
		c.UI.RefreshFPS = 10
	}
	if c.UI.StatsIntervalSeconds <= 0 {
		c.UI.StatsIntervalSeconds = 10
	}
	if strings.TrimSpace(c.Logging.Dir) == "" {
		c.Logging.Dir = filepath.Join("data", "logs")
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = 7
	}
	if strings.TrimSpace(c.Recorder.DBPath) == "" {
		c.Recorder.DBPath = filepath.Join("data", "kprofiler.db")
	}
	if c.Recorder.QueueSize <= 0 {
		c.Recorder.QueueSize = 4096
	}
	if c.Recorder.BatchSize <= 0 {
		c.Recorder.BatchSize = 256
	}
	if c.Recorder.BatchIntervalMS <= 0 {
		c.Recorder.BatchIntervalMS = 500
	}
	if strings.TrimSpace(c.Snapshot.Dir) == "" {
		c.Snapshot.Dir = filepath.Join("data", "snapshots")
	}
}

// Validate rejects settings the client cannot run with. Call after ApplyDefaults.
func (c *Config) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.Server.URL))
	if err != nil {
		return fmt.Errorf("server.url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("server.url: missing host")
	}
	if c.Sync.AutoPauseMinutes < 0 {
		return fmt.Errorf("sync.auto_pause_minutes: must be >= 0, got %d", c.Sync.AutoPauseMinutes)
	}
	switch c.UI.Mode {
	case UIModeTview, UIModeHeadless:
	default:
		return fmt.Errorf("ui.mode: unknown mode %q (want %s or %s)", c.UI.Mode, UIModeTview, UIModeHeadless)
	}
	if c.Recorder.BatchSize > c.Recorder.QueueSize {
		return fmt.Errorf("recorder.batch_size (%d) exceeds recorder.queue_size (%d)", c.Recorder.BatchSize, c.Recorder.QueueSize)
	}
	return nil
}

// ServerTimeout returns the per-request agent timeout.
func (c *Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutMS) * time.Millisecond
}

// PollInterval returns the fallback poll delay.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Sync.PollIntervalMS) * time.Millisecond
}

// BatchInterval returns the recorder flush interval.
func (r RecorderConfig) BatchInterval() time.Duration {
	return time.Duration(r.BatchIntervalMS) * time.Millisecond
}

// Load loads configuration from a YAML file, or from every *.yaml/*.yml file
// in a directory merged in name order (later files override earlier keys).
// Defaults are applied and the result validated.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	files := []string{path}
	if info.IsDir() {
		files, err = yamlFiles(path)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("config: no yaml files in %s", path)
		}
	}

	var cfg Config
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", filepath.Base(file), err)
		}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	cfg.LoadedFrom = path
	return &cfg, nil
}

func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("config: read dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// Print displays the configuration
func (c *Config) Print() {
	source := c.LoadedFrom
	if source == "" {
		source = "built-in defaults"
	}
	fmt.Printf("Config: %s\n", source)
	fmt.Printf("Agent: %s (timeout %s)\n", c.Server.URL, c.ServerTimeout())
	fmt.Printf("Sync: fallback poll %s", c.PollInterval())
	if c.Sync.AutoPauseMinutes > 0 {
		fmt.Printf(", auto-pause after %dm", c.Sync.AutoPauseMinutes)
	}
	if c.Sync.TotalOnly {
		fmt.Printf(", total only")
	}
	fmt.Println()
	fmt.Printf("UI: %s @ %d fps\n", c.UI.Mode, c.UI.RefreshFPS)
	if c.Logging.Enabled {
		fmt.Printf("Logging: %s (retention %d days)\n", c.Logging.Dir, c.Logging.RetentionDays)
	}
	if c.Recorder.Enabled {
		fmt.Printf("Recorder: %s (batch %d every %s)\n", c.Recorder.DBPath, c.Recorder.BatchSize, c.Recorder.BatchInterval())
	}
}
