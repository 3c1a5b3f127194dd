package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/ini.v1"

	"github.com/jveski/warden/internal/api"
)

// Config is the daemon configuration. It is immutable once Load returns.
type Config struct {
	Supervisor SupervisorConfig    `toml:"supervisor"`
	Lifecycle  LifecycleConfig     `toml:"lifecycle"`
	Aggregator AggregatorConfig    `toml:"aggregator"`
	Telemetry  TelemetryConfig     `toml:"telemetry"`
	Admin      AdminConfig         `toml:"admin"`
	Runtime    RuntimeConfig       `toml:"runtime"`
	Workloads  []*api.WorkloadSpec `toml:"workload"`
}

type SupervisorConfig struct {
	Watch               []string      `toml:"watch"`
	PollInterval        time.Duration `toml:"poll_interval"`
	GracePeriod         time.Duration `toml:"grace_period"`
	ReadyTimeout        time.Duration `toml:"ready_timeout"`
	PullTimeout         time.Duration `toml:"pull_timeout"`
	StopWorkloadsOnExit *bool         `toml:"stop_workloads_on_exit"`
	WebhookKeyFile      string        `toml:"webhook_key_file"` // enables POST /hook on the telemetry listener
}

type LifecycleConfig struct {
	ProbeInterval   time.Duration `toml:"probe_interval"`
	RestartDelay    time.Duration `toml:"restart_delay"`
	MaxRestartDelay time.Duration `toml:"max_restart_delay"`
}

type AggregatorConfig struct {
	Database  string        `toml:"database"`
	Interval  time.Duration `toml:"interval"` // used by targets that don't set their own
	Timeout   time.Duration `toml:"timeout"`
	Retention time.Duration `toml:"retention"`
}

type TelemetryConfig struct {
	Addr string `toml:"addr"`
}

type AdminConfig struct {
	Addr           string   `toml:"addr"`
	StateDir       string   `toml:"state_dir"`
	TrustedClients []string `toml:"trusted_clients"`
}

type RuntimeConfig struct {
	Kind string `toml:"kind"` // docker or podman
	Host string `toml:"host"`
}

// Load reads, defaults, and validates the config file at path.
// Relative paths inside the file are resolved against the file's directory.
// Configuration invariant violations are returned as *api.ValidationError.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decoding config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}

	dir := filepath.Dir(path)
	setDefaults(cfg, dir)

	if err := loadEnvFiles(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// StopWorkloadsOnExit reports whether workloads are stopped when the daemon shuts down.
func (c *Config) StopWorkloadsOnExit() bool {
	return c.Supervisor.StopWorkloadsOnExit == nil || *c.Supervisor.StopWorkloadsOnExit
}

// Targets derives the static scrape target list from the workload set.
func (c *Config) Targets() []*api.MetricsTarget {
	targets := []*api.MetricsTarget{}
	for _, spec := range c.Workloads {
		target, ok := spec.MetricsTarget()
		if !ok {
			continue
		}
		if target.Interval == 0 {
			target.Interval = c.Aggregator.Interval
		}
		targets = append(targets, target)
	}
	return targets
}

func setDefaults(cfg *Config, dir string) {
	s := &cfg.Supervisor
	if s.PollInterval == 0 {
		s.PollInterval = time.Second * 30
	}
	if s.GracePeriod == 0 {
		s.GracePeriod = time.Second * 30
	}
	if s.ReadyTimeout == 0 {
		s.ReadyTimeout = time.Second * 30
	}
	if s.PullTimeout == 0 {
		s.PullTimeout = time.Minute * 10
	}
	if s.WebhookKeyFile != "" {
		s.WebhookKeyFile = resolve(dir, s.WebhookKeyFile)
	}

	l := &cfg.Lifecycle
	if l.ProbeInterval == 0 {
		l.ProbeInterval = time.Second
	}
	if l.RestartDelay == 0 {
		l.RestartDelay = time.Second
	}
	if l.MaxRestartDelay == 0 {
		l.MaxRestartDelay = time.Minute
	}

	a := &cfg.Aggregator
	if a.Database == "" {
		a.Database = "metrics.db"
	}
	a.Database = resolve(dir, a.Database)
	if a.Interval == 0 {
		a.Interval = time.Second * 15
	}
	if a.Timeout == 0 {
		a.Timeout = time.Second * 10
	}
	if a.Retention == 0 {
		a.Retention = time.Hour * 24 * 7
	}

	if cfg.Telemetry.Addr == "" {
		cfg.Telemetry.Addr = "127.0.0.1:9464"
	}

	if cfg.Admin.Addr == "" {
		cfg.Admin.Addr = ":8234"
	}
	if cfg.Admin.StateDir == "" {
		cfg.Admin.StateDir = "."
	}
	cfg.Admin.StateDir = resolve(dir, cfg.Admin.StateDir)

	if cfg.Runtime.Kind == "" {
		cfg.Runtime.Kind = "docker"
	}

	for _, spec := range cfg.Workloads {
		if spec.EnvFile != "" {
			spec.EnvFile = resolve(dir, spec.EnvFile)
		}
		if spec.Metrics != nil && spec.Metrics.Path == "" {
			spec.Metrics.Path = "/metrics"
		}
	}
}

// Validate checks the whole configuration, reporting every problem at once.
func Validate(cfg *Config) error {
	err := api.Validate(cfg.Workloads, cfg.Supervisor.Watch)

	verr := &api.ValidationError{}
	if err != nil && !errors.As(err, &verr) {
		return err
	}

	if cfg.Runtime.Kind != "docker" && cfg.Runtime.Kind != "podman" {
		verr.Problems = append(verr.Problems, fmt.Sprintf("unknown runtime kind %q", cfg.Runtime.Kind))
	}
	for name, d := range map[string]time.Duration{
		"supervisor.poll_interval":    cfg.Supervisor.PollInterval,
		"supervisor.grace_period":     cfg.Supervisor.GracePeriod,
		"supervisor.ready_timeout":    cfg.Supervisor.ReadyTimeout,
		"lifecycle.probe_interval":    cfg.Lifecycle.ProbeInterval,
		"lifecycle.max_restart_delay": cfg.Lifecycle.MaxRestartDelay,
		"aggregator.interval":         cfg.Aggregator.Interval,
		"aggregator.timeout":          cfg.Aggregator.Timeout,
	} {
		if d < 0 {
			verr.Problems = append(verr.Problems, fmt.Sprintf("%s must not be negative", name))
		}
	}

	if len(verr.Problems) > 0 {
		return verr
	}
	return nil
}

// loadEnvFiles merges each workload's env file over its inline env.
// The files are only ever read.
func loadEnvFiles(cfg *Config) error {
	for _, spec := range cfg.Workloads {
		if spec.EnvFile == "" {
			continue
		}

		env, err := ReadEnvFile(spec.EnvFile)
		if err != nil {
			return fmt.Errorf("reading env file for workload %q: %w", spec.Name, err)
		}

		merged := make(map[string]string, len(spec.Env)+len(env))
		for k, v := range spec.Env {
			merged[k] = v
		}
		for k, v := range env {
			merged[k] = v
		}
		spec.Env = merged
	}
	return nil
}

// ReadEnvFile parses a dotenv style file of KEY=VALUE lines.
func ReadEnvFile(path string) (map[string]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	f, err := ini.LoadSources(ini.LoadOptions{
		KeyValueDelimiters:        "=",
		IgnoreInlineComment:       true,
		UnescapeValueDoubleQuotes: true,
	}, path)
	if err != nil {
		return nil, fmt.Errorf("parsing env file: %w", err)
	}

	return f.Section(ini.DefaultSection).KeysHash(), nil
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
