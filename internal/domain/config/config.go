// Package config provides the launch configuration of a benchmark run.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/whhaicheng/QTBench/internal/domain/connection"
	"github.com/whhaicheng/QTBench/internal/domain/execution"
	"github.com/whhaicheng/QTBench/internal/domain/workload"
)

var (
	// ErrInvalidConfiguration is returned when configuration is invalid.
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

const (
	// DefaultUIBase is the web UI that renders query links.
	DefaultUIBase = "https://beta.yt.yandex-team.ru"

	// DefaultStage is the YQL agent stage.
	DefaultStage = "production"

	// DefaultTitlePrefix prefixes every query title.
	DefaultTitlePrefix = "[QT] "

	// DefaultTimeout is the per-query wall-clock timeout.
	DefaultTimeout = time.Hour
)

// Backend selects the query service a launch runs against.
type Backend string

const (
	BackendTracker Backend = "tracker" // Remote query tracker
	BackendSQL     Backend = "sql"     // Local database through database/sql
)

// Validate checks if the backend is known.
func (b Backend) Validate() error {
	switch b {
	case BackendTracker, BackendSQL:
		return nil
	default:
		return fmt.Errorf("%w: unknown backend: %s", ErrInvalidConfiguration, b)
	}
}

// TrackerConfig configures the query tracker backend.
type TrackerConfig struct {
	// Proxy is the cluster proxy, e.g. "hahn" or "http://localhost:8000".
	Proxy string `json:"proxy" yaml:"proxy"`

	// Token is never read from the config file; it comes from the
	// credential chain.
	Token string `json:"-" yaml:"-"`

	// UIBase is the UI base URL used for query links.
	UIBase string `json:"ui_base" yaml:"ui_base"`

	// TrackerStage selects the query tracker instance. Empty leaves the
	// tracker default.
	TrackerStage string `json:"tracker_stage" yaml:"tracker_stage"`

	// Stage (YQL agent) and PollerInterval are sent in the settings of every
	// query.
	Stage          string `json:"stage" yaml:"stage"`
	PollerInterval string `json:"poller_interval" yaml:"poller_interval"`
}

// Settings returns the run settings sent with every submitted query.
func (c *TrackerConfig) Settings() execution.RunSettings {
	return execution.RunSettings{Stage: c.Stage, PollerInterval: c.PollerInterval}
}

// Validate validates the tracker configuration. The proxy is only required
// for the tracker backend, see Config.Validate.
func (c *TrackerConfig) Validate() error {
	if c.UIBase == "" {
		return fmt.Errorf("%w: ui_base is required", ErrInvalidConfiguration)
	}
	if err := c.Settings().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return nil
}

// RunConfig holds the orchestrator timings.
type RunConfig struct {
	// Timeout is the per-query wall-clock timeout.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// PollDelay is the client-side delay between two state polls.
	PollDelay time.Duration `json:"poll_delay" yaml:"poll_delay"`

	// AbortGrace bounds the abort call made on interrupt.
	AbortGrace time.Duration `json:"abort_grace" yaml:"abort_grace"`

	TitlePrefix string `json:"title_prefix" yaml:"title_prefix"`
}

// Validate validates the run configuration.
func (c *RunConfig) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfiguration)
	}
	if c.PollDelay <= 0 {
		return fmt.Errorf("%w: poll_delay must be positive", ErrInvalidConfiguration)
	}
	if c.AbortGrace <= 0 {
		return fmt.Errorf("%w: abort_grace must be positive", ErrInvalidConfiguration)
	}
	return nil
}

// StorageConfig tells where artifacts go.
type StorageConfig struct {
	// ArtifactPath is the directory of file artifacts. Empty disables them.
	ArtifactPath string `json:"artifact_path" yaml:"artifact_path"`

	// DatabasePath is the SQLite artifact store. Empty disables it.
	DatabasePath string `json:"database_path" yaml:"database_path"`

	// KeyringDir holds the encrypted token store.
	KeyringDir string `json:"keyring_dir" yaml:"keyring_dir"`
}

// AdvancedConfig represents advanced configuration.
type AdvancedConfig struct {
	// LogLevel is the logging level (debug, info, warn, error).
	LogLevel string `json:"log_level" yaml:"log_level"`

	// LogFile receives a copy of the log when set.
	LogFile string `json:"log_file" yaml:"log_file"`
}

// Validate validates the advanced configuration.
func (c *AdvancedConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.LogLevel] {
		return fmt.Errorf("%w: invalid log level: %s", ErrInvalidConfiguration, c.LogLevel)
	}
	return nil
}

// Config represents the complete launch configuration.
type Config struct {
	Backend   Backend            `json:"backend" yaml:"backend"`
	Tracker   TrackerConfig      `json:"tracker" yaml:"tracker"`
	SQL       connection.Target  `json:"sql" yaml:"sql"`
	Run       RunConfig          `json:"run" yaml:"run"`
	Selection workload.Selection `json:"selection" yaml:"selection"`
	Storage   StorageConfig      `json:"storage" yaml:"storage"`
	Advanced  AdvancedConfig     `json:"advanced" yaml:"advanced"`
}

// Validate validates the complete configuration.
func (c *Config) Validate() error {
	if err := c.Backend.Validate(); err != nil {
		return err
	}

	if err := c.Tracker.Validate(); err != nil {
		return fmt.Errorf("tracker: %w", err)
	}

	switch c.Backend {
	case BackendTracker:
		if c.Tracker.Proxy == "" {
			return fmt.Errorf("tracker: %w: proxy is required", ErrInvalidConfiguration)
		}
	case BackendSQL:
		if err := c.SQL.Validate(); err != nil {
			return fmt.Errorf("sql: %w: %w", ErrInvalidConfiguration, err)
		}
	}

	if err := c.Run.Validate(); err != nil {
		return fmt.Errorf("run: %w", err)
	}

	if err := c.Selection.Validate(); err != nil {
		return fmt.Errorf("selection: %w: %w", ErrInvalidConfiguration, err)
	}

	if err := c.Advanced.Validate(); err != nil {
		return fmt.Errorf("advanced: %w", err)
	}

	return nil
}

// DataDir returns the per-user data directory, ~/.qtbench.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".qtbench"
	}
	return filepath.Join(home, ".qtbench")
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	dataDir := DataDir()

	return &Config{
		Backend: BackendTracker,
		Tracker: TrackerConfig{
			UIBase: DefaultUIBase,
			Stage:  DefaultStage,
		},
		Run: RunConfig{
			Timeout:     DefaultTimeout,
			PollDelay:   5 * time.Second,
			AbortGrace:  30 * time.Second,
			TitlePrefix: DefaultTitlePrefix,
		},
		Selection: workload.Selection{
			Source: workload.SourceFiles,
		},
		Storage: StorageConfig{
			DatabasePath: filepath.Join(dataDir, "qtbench.db"),
			KeyringDir:   filepath.Join(dataDir, "keyring"),
		},
		Advanced: AdvancedConfig{
			LogLevel: "info",
		},
	}
}
