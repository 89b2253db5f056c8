// Package config loads foreman's TOML configuration. Every field has a
// working default so a bare `fm run tasks.toml` needs no config file at all.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultFileName is the config file foreman looks for in the working
// directory when --config is not given.
const DefaultFileName = "foreman.toml"

// Duration is a time.Duration that unmarshals from TOML strings like "90s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full foreman configuration.
type Config struct {
	Loop    LoopConfig    `toml:"loop"`
	Monitor MonitorConfig `toml:"monitor"`
	Lock    LockConfig    `toml:"lock"`
	Analyst AgentConfig   `toml:"analyst"`
	Worker  AgentConfig   `toml:"worker"`
	Matcher MatcherConfig `toml:"matcher"`
}

// LoopConfig bounds the analyst/worker iteration loop.
type LoopConfig struct {
	MaxIterations int    `toml:"max_iterations"`
	ExitOnAllPass bool   `toml:"exit_on_all_pass"`
	StateDir      string `toml:"state_dir"`
}

// MonitorConfig tunes keyword detection on agent output streams.
type MonitorConfig struct {
	PollInterval      Duration `toml:"poll_interval"`
	Timeout           Duration `toml:"timeout"`
	RetryAttempts     int      `toml:"retry_attempts"`
	RetryDelay        Duration `toml:"retry_delay"`
	DetectionCooldown Duration `toml:"detection_cooldown"`
	ContextWindow     int      `toml:"context_window"`
}

// LockConfig tunes the exclusive send lock.
type LockConfig struct {
	// Layers are the identities allowed to acquire the send lock. The
	// controller's own layer is always registered in addition to these.
	Layers                []string `toml:"layers"`
	Cooldown              Duration `toml:"cooldown"`
	ForceReleaseThreshold Duration `toml:"force_release_threshold"`
	HistoryCap            int      `toml:"history_cap"`
}

// AgentConfig names one agent's tmux session and completion keyword.
type AgentConfig struct {
	Session string `toml:"session"`
	Keyword string `toml:"keyword"`
}

// MatcherConfig tunes noise filtering of keyword occurrences.
type MatcherConfig struct {
	CommentMarkers []string `toml:"comment_markers"`
	EchoMarkers    []string `toml:"echo_markers"`
}

// Default returns the configuration foreman runs with absent any file.
func Default() *Config {
	return &Config{
		Loop: LoopConfig{
			MaxIterations: 5,
			ExitOnAllPass: true,
			StateDir:      ".foreman",
		},
		Monitor: MonitorConfig{
			PollInterval:      Duration(1 * time.Second),
			Timeout:           Duration(5 * time.Minute),
			RetryAttempts:     3,
			RetryDelay:        Duration(2 * time.Second),
			DetectionCooldown: Duration(60 * time.Second),
			ContextWindow:     400,
		},
		Lock: LockConfig{
			Layers:                []string{"controller"},
			Cooldown:              Duration(2 * time.Second),
			ForceReleaseThreshold: Duration(10 * time.Minute),
			HistoryCap:            50,
		},
		Analyst: AgentConfig{Session: "analyst", Keyword: "ANALYST_DONE"},
		Worker:  AgentConfig{Session: "worker", Keyword: "WORKER_DONE"},
	}
}

// Load reads the config file at path, overlaying it onto the defaults.
// A missing file is not an error when path is the default name — foreman
// then runs entirely on defaults. An explicitly named file must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if os.IsNotExist(err) && path == DefaultFileName {
			return cfg, nil
		}
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the loop cannot run with.
func (c *Config) Validate() error {
	if c.Loop.MaxIterations <= 0 {
		return fmt.Errorf("loop.max_iterations must be positive, got %d", c.Loop.MaxIterations)
	}
	if c.Loop.StateDir == "" {
		return fmt.Errorf("loop.state_dir must not be empty")
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor.poll_interval must be positive")
	}
	if c.Monitor.Timeout <= 0 {
		return fmt.Errorf("monitor.timeout must be positive")
	}
	if c.Monitor.RetryAttempts < 1 {
		return fmt.Errorf("monitor.retry_attempts must be at least 1, got %d", c.Monitor.RetryAttempts)
	}
	if c.Monitor.ContextWindow <= 0 {
		return fmt.Errorf("monitor.context_window must be positive")
	}
	if len(c.Lock.Layers) == 0 {
		return fmt.Errorf("lock.layers must not be empty")
	}
	for _, layer := range c.Lock.Layers {
		if layer == "" {
			return fmt.Errorf("lock.layers must not contain empty names")
		}
	}
	if c.Lock.Cooldown < 0 {
		return fmt.Errorf("lock.cooldown must not be negative")
	}
	if c.Lock.ForceReleaseThreshold <= 0 {
		return fmt.Errorf("lock.force_release_threshold must be positive")
	}
	if c.Lock.HistoryCap < 1 {
		return fmt.Errorf("lock.history_cap must be at least 1, got %d", c.Lock.HistoryCap)
	}
	for _, agent := range []struct {
		name string
		cfg  AgentConfig
	}{{"analyst", c.Analyst}, {"worker", c.Worker}} {
		if agent.cfg.Session == "" {
			return fmt.Errorf("%s.session must not be empty", agent.name)
		}
		if agent.cfg.Keyword == "" {
			return fmt.Errorf("%s.keyword must not be empty", agent.name)
		}
	}
	if c.Analyst.Session == c.Worker.Session {
		return fmt.Errorf("analyst and worker must use different tmux sessions, both are %q", c.Analyst.Session)
	}
	if c.Analyst.Keyword == c.Worker.Keyword {
		return fmt.Errorf("analyst and worker must use different keywords, both are %q", c.Analyst.Keyword)
	}
	return nil
}
