package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the global configuration instance
var Config *Configuration

// DefaultAllowedOrigins are the origins the worker accepts CORS requests from
// when the configuration does not list any.
var DefaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://localhost:1420",
	"tauri://localhost",
	"http://tauri.localhost",
}

// Configuration represents the complete inferd configuration
type Configuration struct {
	ConfigPath     string // Directory containing config files
	Verbose        int    // Verbosity level
	LogHistorySize int    // Lines of daemon log kept for late subscribers
	Gateway        GatewaySettings
	Worker         WorkerSettings
	Supervisor     SupervisorSettings
	Hooks          HooksSettings
}

// GatewaySettings configures the authenticating reverse proxy listener
type GatewaySettings struct {
	Enabled               bool
	Host                  string
	Port                  int
	Prefix                string   // Caller-visible prefix stripped before forwarding
	APIKey                string   // Bearer token callers must present; the gateway refuses to start without one
	APIKeySource          string   // "config" (default) or "keyring"
	TrustedHosts          []string // Host header values accepted besides localhost/127.0.0.1
	UpstreamHeaderTimeout time.Duration
}

// WorkerSettings describes how the worker process is launched
type WorkerSettings struct {
	Binary         string
	DataDir        string
	ConfigFile     string
	AllowedOrigins []string
	Environment    map[string]string
	PTY            bool   // Run the worker under a pseudo-terminal (line-buffered output)
	HealthPath     string // Readiness probe path on the worker; empty means grace-based readiness
	ReapOrphans    bool   // Terminate stale workers still holding the worker port before the first spawn
	UsageProbe     bool   // Report worker memory/CPU in STATUS
}

// SupervisorSettings is the bounded restart policy
type SupervisorSettings struct {
	MaxRestarts       int
	RestartDelay      time.Duration // Fixed delay between a failure and the next spawn
	ReadyGrace        time.Duration // Survival time that counts as ready when no health path is set
	ReadyTimeout      time.Duration // Give up waiting for the health probe after this long
	ReadyPollInterval time.Duration
	StopTimeout       time.Duration // SIGTERM to SIGKILL escalation delay
}

// HookConfig is a shell command run on a lifecycle event
type HookConfig struct {
	Command string
	Timeout time.Duration
}

// HooksSettings groups lifecycle hooks
type HooksSettings struct {
	OnWorkerReady []HookConfig
	OnMaxRestarts []HookConfig
}

// HCL parsing structs

type hclConfig struct {
	Verbose        int            `hcl:"verbose,optional"`
	LogHistorySize int            `hcl:"log_history_size,optional"`
	Gateway        *hclGateway    `hcl:"gateway,block"`
	Worker         *hclWorker     `hcl:"worker,block"`
	Supervisor     *hclSupervisor `hcl:"supervisor,block"`
	Hooks          *hclHooks      `hcl:"hooks,block"`
}

type hclGateway struct {
	Enabled               *bool    `hcl:"enabled,optional"`
	Host                  string   `hcl:"host,optional"`
	Port                  int      `hcl:"port,optional"`
	Prefix                *string  `hcl:"prefix,optional"`
	APIKey                string   `hcl:"api_key,optional"`
	APIKeySource          string   `hcl:"api_key_source,optional"`
	TrustedHosts          []string `hcl:"trusted_hosts,optional"`
	UpstreamHeaderTimeout string   `hcl:"upstream_header_timeout,optional"`
}

type hclWorker struct {
	Binary         string            `hcl:"binary,optional"`
	DataDir        string            `hcl:"data_dir,optional"`
	ConfigFile     string            `hcl:"config_file,optional"`
	AllowedOrigins []string          `hcl:"allowed_origins,optional"`
	Environment    map[string]string `hcl:"environment,optional"`
	PTY            bool              `hcl:"pty,optional"`
	HealthPath     *string           `hcl:"health_path,optional"`
	ReapOrphans    *bool             `hcl:"reap_orphans,optional"`
	UsageProbe     *bool             `hcl:"usage_probe,optional"`
}

type hclSupervisor struct {
	MaxRestarts       int    `hcl:"max_restarts,optional"`
	RestartDelay      string `hcl:"restart_delay,optional"`
	ReadyGrace        string `hcl:"ready_grace,optional"`
	ReadyTimeout      string `hcl:"ready_timeout,optional"`
	ReadyPollInterval string `hcl:"ready_poll_interval,optional"`
	StopTimeout       string `hcl:"stop_timeout,optional"`
}

type hclHooks struct {
	OnWorkerReady []hclHook `hcl:"on_worker_ready,block"`
	OnMaxRestarts []hclHook `hcl:"on_max_restarts,block"`
}

type hclHook struct {
	Command string `hcl:"command"`
	Timeout string `hcl:"timeout,optional"`
}

// LoadConfig loads the HCL configuration file and returns a Configuration struct
func LoadConfig(filename string) (*Configuration, error) {
	src, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(filename, src)
}

// ParseConfig decodes HCL source into a Configuration with defaults applied.
// The filename is only used for diagnostics.
func ParseConfig(filename string, src []byte) (*Configuration, error) {
	var hclCfg hclConfig
	if err := hclsimple.Decode(filename, src, nil, &hclCfg); err != nil {
		return nil, fmt.Errorf("failed to parse HCL config: %w", err)
	}

	cfg := GetDefaultConfig()
	cfg.Verbose = hclCfg.Verbose
	if hclCfg.LogHistorySize > 0 {
		cfg.LogHistorySize = hclCfg.LogHistorySize
	}

	if g := hclCfg.Gateway; g != nil {
		if g.Enabled != nil {
			cfg.Gateway.Enabled = *g.Enabled
		}
		if g.Host != "" {
			cfg.Gateway.Host = g.Host
		}
		if g.Port != 0 {
			cfg.Gateway.Port = g.Port
		}
		if g.Prefix != nil {
			cfg.Gateway.Prefix = *g.Prefix
		}
		cfg.Gateway.APIKey = g.APIKey
		switch g.APIKeySource {
		case "", "config":
			cfg.Gateway.APIKeySource = "config"
		case "keyring":
			cfg.Gateway.APIKeySource = "keyring"
		default:
			return nil, fmt.Errorf("invalid gateway.api_key_source %q (expected \"config\" or \"keyring\")", g.APIKeySource)
		}
		cfg.Gateway.TrustedHosts = append(cfg.Gateway.TrustedHosts, g.TrustedHosts...)
		if err := parseDuration("gateway.upstream_header_timeout", g.UpstreamHeaderTimeout, &cfg.Gateway.UpstreamHeaderTimeout); err != nil {
			return nil, err
		}
	}

	if w := hclCfg.Worker; w != nil {
		if w.Binary != "" {
			cfg.Worker.Binary = w.Binary
		}
		cfg.Worker.DataDir = w.DataDir
		cfg.Worker.ConfigFile = w.ConfigFile
		if len(w.AllowedOrigins) > 0 {
			cfg.Worker.AllowedOrigins = w.AllowedOrigins
		}
		if w.Environment != nil {
			cfg.Worker.Environment = w.Environment
		}
		cfg.Worker.PTY = w.PTY
		if w.HealthPath != nil {
			cfg.Worker.HealthPath = *w.HealthPath
		}
		if w.ReapOrphans != nil {
			cfg.Worker.ReapOrphans = *w.ReapOrphans
		}
		if w.UsageProbe != nil {
			cfg.Worker.UsageProbe = *w.UsageProbe
		}
	}

	if s := hclCfg.Supervisor; s != nil {
		if s.MaxRestarts < 0 {
			return nil, fmt.Errorf("supervisor.max_restarts must not be negative")
		}
		if s.MaxRestarts > 0 {
			cfg.Supervisor.MaxRestarts = s.MaxRestarts
		}
		durations := []struct {
			name  string
			value string
			dst   *time.Duration
		}{
			{"supervisor.restart_delay", s.RestartDelay, &cfg.Supervisor.RestartDelay},
			{"supervisor.ready_grace", s.ReadyGrace, &cfg.Supervisor.ReadyGrace},
			{"supervisor.ready_timeout", s.ReadyTimeout, &cfg.Supervisor.ReadyTimeout},
			{"supervisor.ready_poll_interval", s.ReadyPollInterval, &cfg.Supervisor.ReadyPollInterval},
			{"supervisor.stop_timeout", s.StopTimeout, &cfg.Supervisor.StopTimeout},
		}
		for _, d := range durations {
			if err := parseDuration(d.name, d.value, d.dst); err != nil {
				return nil, err
			}
		}
	}

	if h := hclCfg.Hooks; h != nil {
		var err error
		if cfg.Hooks.OnWorkerReady, err = convertHooks("on_worker_ready", h.OnWorkerReady); err != nil {
			return nil, err
		}
		if cfg.Hooks.OnMaxRestarts, err = convertHooks("on_max_restarts", h.OnMaxRestarts); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func convertHooks(kind string, hooks []hclHook) ([]HookConfig, error) {
	result := make([]HookConfig, 0, len(hooks))
	for _, h := range hooks {
		hook := HookConfig{Command: h.Command, Timeout: 30 * time.Second}
		if err := parseDuration("hooks."+kind+".timeout", h.Timeout, &hook.Timeout); err != nil {
			return nil, err
		}
		result = append(result, hook)
	}
	return result, nil
}

// parseDuration leaves dst untouched when value is empty
func parseDuration(name, value string, dst *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	if d < 0 {
		return fmt.Errorf("invalid %s %q: must not be negative", name, value)
	}
	*dst = d
	return nil
}

// applyPathDefaults fills in paths that depend on ConfigPath
func (c *Configuration) applyPathDefaults() {
	if c.Worker.DataDir == "" {
		c.Worker.DataDir = filepath.Join(c.ConfigPath, "data")
	}
	if c.Worker.ConfigFile == "" {
		c.Worker.ConfigFile = filepath.Join(c.Worker.DataDir, ".janrc")
	}
}

// GetDefaultConfig returns a Configuration with default values
func GetDefaultConfig() *Configuration {
	return &Configuration{
		LogHistorySize: 1000,
		Gateway: GatewaySettings{
			Enabled:               true,
			Host:                  "127.0.0.1",
			Port:                  1337,
			Prefix:                "/v1",
			APIKeySource:          "config",
			TrustedHosts:          []string{},
			UpstreamHeaderTimeout: 30 * time.Second,
		},
		Worker: WorkerSettings{
			Binary:         "cortex-server",
			AllowedOrigins: append([]string(nil), DefaultAllowedOrigins...),
			Environment:    map[string]string{},
			HealthPath:     "/healthz",
			ReapOrphans:    true,
			UsageProbe:     true,
		},
		Supervisor: SupervisorSettings{
			MaxRestarts:       5,
			RestartDelay:      5 * time.Second,
			ReadyGrace:        2 * time.Second,
			ReadyTimeout:      60 * time.Second,
			ReadyPollInterval: 500 * time.Millisecond,
			StopTimeout:       5 * time.Second,
		},
	}
}

// ConfigExists checks if a config file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return err == nil
}
