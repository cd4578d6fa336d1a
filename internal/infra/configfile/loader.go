// Package configfile loads the launch configuration from a YAML file and the
// environment.
package configfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/whhaicheng/QTBench/internal/domain/config"
)

// DefaultFileName is the config file looked up in the data directory.
const DefaultFileName = "config.yaml"

// Loader reads the configuration. Precedence is defaults, then the file,
// then the environment. Command-line flags are applied by the caller.
type Loader struct {
	configPath string
	explicit   bool
	getenv     func(string) string
}

// NewLoader creates a loader for configPath. An empty path means
// <data dir>/config.yaml, which may be absent.
func NewLoader(configPath string) *Loader {
	l := &Loader{
		configPath: configPath,
		explicit:   configPath != "",
		getenv:     os.Getenv,
	}
	if !l.explicit {
		l.configPath = filepath.Join(config.DataDir(), DefaultFileName)
	}
	return l
}

// Path returns the configuration file path.
func (l *Loader) Path() string { return l.configPath }

// Load builds the configuration. It does not validate it; flags may still
// fill required fields.
func (l *Loader) Load() (*config.Config, error) {
	cfg := config.DefaultConfig()

	data, err := os.ReadFile(l.configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", l.configPath, err)
		}
		slog.Debug("Config: loaded file", "path", l.configPath)
	case errors.Is(err, os.ErrNotExist) && !l.explicit:
		slog.Debug("Config: no config file", "path", l.configPath)
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides cfg with QTBENCH_*, YT_PROXY and YT_TOKEN.
func (l *Loader) applyEnv(cfg *config.Config) error {
	str := func(name string, dst *string) {
		if v := l.getenv(name); v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v := l.getenv(name)
		if v == "" {
			return nil
		}
		d, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = d
		return nil
	}

	if v := l.getenv("QTBENCH_BACKEND"); v != "" {
		cfg.Backend = config.Backend(v)
	}
	str("YT_PROXY", &cfg.Tracker.Proxy)
	str("QTBENCH_PROXY", &cfg.Tracker.Proxy)
	str("YT_TOKEN", &cfg.Tracker.Token)
	str("QTBENCH_UI_BASE", &cfg.Tracker.UIBase)
	str("QTBENCH_STAGE", &cfg.Tracker.Stage)
	str("QTBENCH_TRACKER_STAGE", &cfg.Tracker.TrackerStage)
	str("QTBENCH_POLLER_INTERVAL", &cfg.Tracker.PollerInterval)
	str("QTBENCH_TITLE_PREFIX", &cfg.Run.TitlePrefix)
	str("QTBENCH_ARTIFACT_PATH", &cfg.Storage.ArtifactPath)
	str("QTBENCH_DB", &cfg.Storage.DatabasePath)
	str("QTBENCH_KEYRING_DIR", &cfg.Storage.KeyringDir)
	str("QTBENCH_LOG_FILE", &cfg.Advanced.LogFile)

	if v := l.getenv("QTBENCH_LOG_LEVEL"); v != "" {
		cfg.Advanced.LogLevel = strings.ToLower(v)
	}

	return errors.Join(
		dur("QTBENCH_TIMEOUT", &cfg.Run.Timeout),
		dur("QTBENCH_POLL_DELAY", &cfg.Run.PollDelay),
		dur("QTBENCH_ABORT_GRACE", &cfg.Run.AbortGrace),
	)
}

// ParseDuration accepts Go durations and plain seconds.
func ParseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	var secs int
	if _, err := fmt.Sscanf(s, "%d", &secs); err != nil || fmt.Sprint(secs) != s {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(secs) * time.Second, nil
}
