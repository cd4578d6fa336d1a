package config

import (
	"errors"
	"testing"
	"time"

	"github.com/whhaicheng/QTBench/internal/domain/connection"
	"github.com/whhaicheng/QTBench/internal/domain/workload"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tracker.Proxy = "hahn"
	cfg.Selection.QueryPath = "/queries"
	return cfg
}

// TestDefaultConfig tests the defaults.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Backend != BackendTracker {
		t.Errorf("Backend = %s, want %s", cfg.Backend, BackendTracker)
	}
	if cfg.Tracker.Stage != "production" {
		t.Errorf("Stage = %q, want production", cfg.Tracker.Stage)
	}
	if cfg.Run.TitlePrefix != "[QT] " {
		t.Errorf("TitlePrefix = %q, want %q", cfg.Run.TitlePrefix, "[QT] ")
	}
	if cfg.Run.PollDelay != 5*time.Second {
		t.Errorf("PollDelay = %v, want 5s", cfg.Run.PollDelay)
	}
	if cfg.Storage.ArtifactPath != "" {
		t.Errorf("ArtifactPath = %q, want empty", cfg.Storage.ArtifactPath)
	}

	// Defaults only lack what the operator must provide.
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("Validate() error = %v, want ErrInvalidConfiguration", err)
	}
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
}

// TestConfig_Validate tests configuration validation.
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"unknown backend", func(c *Config) { c.Backend = "grpc" }, true},
		{"missing proxy", func(c *Config) { c.Tracker.Proxy = "" }, true},
		{"missing stage", func(c *Config) { c.Tracker.Stage = "" }, true},
		{"bad poller interval", func(c *Config) { c.Tracker.PollerInterval = "soon" }, true},
		{"valid poller interval", func(c *Config) { c.Tracker.PollerInterval = "500ms" }, false},
		{"missing ui base", func(c *Config) { c.Tracker.UIBase = "" }, true},
		{"zero timeout", func(c *Config) { c.Run.Timeout = 0 }, true},
		{"negative poll delay", func(c *Config) { c.Run.PollDelay = -time.Second }, true},
		{"zero abort grace", func(c *Config) { c.Run.AbortGrace = 0 }, true},
		{"bad log level", func(c *Config) { c.Advanced.LogLevel = "trace" }, true},
		{"missing query path", func(c *Config) { c.Selection.QueryPath = "" }, true},
		{"embedded source", func(c *Config) {
			c.Selection.QueryPath = ""
			c.Selection.Source = workload.SourceEmbedded
		}, false},
		{"bad pragma", func(c *Config) { c.Selection.PragmaAdd = []string{"=x"} }, true},
		{"sql without target", func(c *Config) { c.Backend = BackendSQL }, true},
		{"sql backend needs no proxy", func(c *Config) {
			c.Backend = BackendSQL
			c.Tracker.Proxy = ""
			c.SQL = connection.Target{Driver: connection.DriverSQLite, Database: "/tmp/tpcds.db"}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfiguration) {
				t.Errorf("Validate() error = %v, want ErrInvalidConfiguration", err)
			}
		})
	}
}

// TestTrackerConfig_Settings tests the settings sent with queries.
func TestTrackerConfig_Settings(t *testing.T) {
	c := TrackerConfig{Stage: "testing", PollerInterval: "1s"}
	s := c.Settings()
	if s.Stage != "testing" || s.PollerInterval != "1s" {
		t.Errorf("Settings() = %+v", s)
	}
}
