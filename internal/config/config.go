package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"

	studio "github.com/KostasNoreika/claude-studio-sub000"
	"github.com/KostasNoreika/claude-studio-sub000/sandbox"
)

// DefaultPath is read when no config path is given.
const DefaultPath = "studio.toml"

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Engine    EngineConfig    `toml:"engine"`
	Sandbox   SandboxConfig   `toml:"sandbox"`
	Breaker   BreakerConfig   `toml:"breaker"`
	Retry     RetryConfig     `toml:"retry"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	Reaper    ReaperConfig    `toml:"reaper"`
	Watcher   WatcherConfig   `toml:"watcher"`
	Observer  ObserverConfig  `toml:"observer"`
	Log       LogConfig       `toml:"log"`
}

type ServerConfig struct {
	Addr            string        `toml:"addr"`
	AllowedOrigins  []string      `toml:"allowed_origins"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	// SkipCleanup disables orphan container removal at startup.
	SkipCleanup bool `toml:"skip_cleanup"`
}

type EngineConfig struct {
	// Host overrides DOCKER_HOST.
	Host string `toml:"host"`
}

type SandboxConfig struct {
	Image        string   `toml:"image"`
	AllowedRoots []string `toml:"allowed_roots"`
	// Memory is a human-readable size such as "1g" or "512m".
	Memory         string        `toml:"memory"`
	CPUShares      int64         `toml:"cpu_shares"`
	ReadOnlyRootfs bool          `toml:"read_only_rootfs"`
	TTY            bool          `toml:"tty"`
	Command        []string      `toml:"command"`
	PreviewPort    int           `toml:"preview_port"`
	StopTimeout    time.Duration `toml:"stop_timeout"`
	HealthInterval time.Duration `toml:"health_interval"`
	CallTimeout    time.Duration `toml:"call_timeout"`
}

type BreakerConfig struct {
	FailureThreshold int           `toml:"failure_threshold"`
	SuccessThreshold int           `toml:"success_threshold"`
	ResetTimeout     time.Duration `toml:"reset_timeout"`
	MonitoringWindow time.Duration `toml:"monitoring_window"`
}

type RetryConfig struct {
	MaxRetries        int           `toml:"max_retries"`
	InitialDelay      time.Duration `toml:"initial_delay"`
	MaxDelay          time.Duration `toml:"max_delay"`
	BackoffMultiplier float64       `toml:"backoff_multiplier"`
}

type RateLimitConfig struct {
	Window      time.Duration `toml:"window"`
	MaxMessages int           `toml:"max_messages"`
	Burst       int           `toml:"burst"`
	IdleTTL     time.Duration `toml:"idle_ttl"`
}

type ReaperConfig struct {
	Interval    time.Duration `toml:"interval"`
	IdleTimeout time.Duration `toml:"idle_timeout"`
}

type WatcherConfig struct {
	Enabled  bool          `toml:"enabled"`
	Debounce time.Duration `toml:"debounce"`
	Ignore   []string      `toml:"ignore"`
}

type ObserverConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	sb := sandbox.DefaultConfig()
	br := studio.DefaultBreakerConfig()
	rt := studio.DefaultRetryPolicy()
	rl := studio.DefaultRateLimitConfig()
	return Config{
		Server: ServerConfig{Addr: ":3850", ShutdownTimeout: 30 * time.Second},
		Sandbox: SandboxConfig{
			Image:          sb.Image,
			AllowedRoots:   []string{"/opt/dev"},
			Memory:         "1g",
			CPUShares:      sb.CPUShares,
			ReadOnlyRootfs: sb.ReadOnlyRootfs,
			TTY:            sb.TTY,
			Command:        sb.Command,
			StopTimeout:    sb.StopTimeout,
			HealthInterval: sb.HealthInterval,
			CallTimeout:    sb.CallTimeout,
		},
		Breaker: BreakerConfig{
			FailureThreshold: br.FailureThreshold,
			SuccessThreshold: br.SuccessThreshold,
			ResetTimeout:     br.ResetTimeout,
			MonitoringWindow: br.MonitoringWindow,
		},
		Retry: RetryConfig{
			MaxRetries:        rt.MaxRetries,
			InitialDelay:      rt.InitialDelay,
			MaxDelay:          rt.MaxDelay,
			BackoffMultiplier: rt.BackoffMultiplier,
		},
		RateLimit: RateLimitConfig{
			Window:      rl.Window,
			MaxMessages: rl.MaxMessages,
			Burst:       rl.Burst,
			IdleTTL:     rl.IdleTTL,
		},
		Reaper:   ReaperConfig{Interval: 5 * time.Minute, IdleTimeout: 30 * time.Minute},
		Watcher:  WatcherConfig{Enabled: true, Debounce: 300 * time.Millisecond},
		Observer: ObserverConfig{ServiceName: "claude-studio"},
		Log:      LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins). A missing
// file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}

	// Env overrides
	if v := os.Getenv("STUDIO_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("STUDIO_DOCKER_HOST"); v != "" {
		cfg.Engine.Host = v
	}
	if v := os.Getenv("STUDIO_IMAGE"); v != "" {
		cfg.Sandbox.Image = v
	}
	if v := os.Getenv("STUDIO_ALLOWED_ROOTS"); v != "" {
		cfg.Sandbox.AllowedRoots = filepath.SplitList(v)
	}
	if v := os.Getenv("STUDIO_MEMORY"); v != "" {
		cfg.Sandbox.Memory = v
	}
	if v := os.Getenv("STUDIO_PREVIEW_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("STUDIO_PREVIEW_PORT: %w", err)
		}
		cfg.Sandbox.PreviewPort = n
	}
	if v := os.Getenv("STUDIO_IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("STUDIO_IDLE_TIMEOUT: %w", err)
		}
		cfg.Reaper.IdleTimeout = d
	}
	if v := os.Getenv("STUDIO_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("STUDIO_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("STUDIO_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg, nil
}

// Manager converts the sandbox, retry and breaker sections into the
// lifecycle manager's configuration.
func (c Config) Manager() (sandbox.Config, error) {
	mem, err := units.RAMInBytes(c.Sandbox.Memory)
	if err != nil {
		return sandbox.Config{}, fmt.Errorf("sandbox.memory: %w", err)
	}
	if len(c.Sandbox.AllowedRoots) == 0 {
		return sandbox.Config{}, errors.New("sandbox.allowed_roots: at least one root is required")
	}
	for _, root := range c.Sandbox.AllowedRoots {
		if !filepath.IsAbs(root) {
			return sandbox.Config{}, fmt.Errorf("sandbox.allowed_roots: %q is not absolute", root)
		}
	}
	return sandbox.Config{
		Image:          c.Sandbox.Image,
		AllowedRoots:   c.Sandbox.AllowedRoots,
		Memory:         mem,
		CPUShares:      c.Sandbox.CPUShares,
		ReadOnlyRootfs: c.Sandbox.ReadOnlyRootfs,
		TTY:            c.Sandbox.TTY,
		Command:        c.Sandbox.Command,
		PreviewPort:    c.Sandbox.PreviewPort,
		StopTimeout:    c.Sandbox.StopTimeout,
		HealthInterval: c.Sandbox.HealthInterval,
		CallTimeout:    c.Sandbox.CallTimeout,
		Retry: studio.RetryPolicy{
			MaxRetries:        c.Retry.MaxRetries,
			InitialDelay:      c.Retry.InitialDelay,
			MaxDelay:          c.Retry.MaxDelay,
			BackoffMultiplier: c.Retry.BackoffMultiplier,
			Name:              "container-engine",
		},
		Breaker: studio.BreakerConfig{
			FailureThreshold: c.Breaker.FailureThreshold,
			SuccessThreshold: c.Breaker.SuccessThreshold,
			ResetTimeout:     c.Breaker.ResetTimeout,
			MonitoringWindow: c.Breaker.MonitoringWindow,
		},
	}, nil
}

// Limiter returns the router's rate limit configuration.
func (c Config) Limiter() studio.RateLimitConfig {
	return studio.RateLimitConfig{
		Window:      c.RateLimit.Window,
		MaxMessages: c.RateLimit.MaxMessages,
		Burst:       c.RateLimit.Burst,
		IdleTTL:     c.RateLimit.IdleTTL,
	}
}
