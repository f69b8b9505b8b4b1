// Package config loads vigil.yaml and the optional .env next to it.
package config

import (
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/UniQw/vigil"
	"github.com/UniQw/vigil/supervisor"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// FileName is the default config file name.
const FileName = "vigil.yaml"

const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// DefaultYAML is written by `vigil init`.
const DefaultYAML = `# vigil configuration
vault: ./vault
# file keeps records as markdown in stage directories; redis keeps them in Redis.
backend: file

redis:
  addr: localhost:6379
  db: 0
  namespace: vigil

log:
  level: info
  format: text

lock_timeout: 5s

sweep:
  expiry_interval: 1m
  reconcile_interval: 5m
  prune_interval: 1h
  # terminal records older than this are deleted; 0 keeps them forever
  retention: 0s

executor:
  concurrency: 1
  poll_interval: 5s

retry:
  max_attempts: 3
  base_delay: 1s
  max_delay: 1m
  jitter: 0.2

watchers:
  filedrop:
    source: filedrop
    interval: 30s
    settings:
      inbox: ./inbox
  # calendar:
  #   source: gcal
  #   interval: 5m
  #   auth_failure_threshold: 3
  #   settings:
  #     credentials: ./credentials.json
  #     token: ./token.json
  #     calendar_id: primary
  #     lookahead: 48h

orchestrator:
  health_interval: 60s
  max_restarts: 5
  restart_window: 10m
  stop_grace: 10s
  processes:
    - name: filedrop
      command: vigil watch filedrop
    - name: sweeper
      command: vigil sweep

watchdog:
  interval: 30s
`

// RedisConfig selects the Redis server used by the redis backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// SweepConfig configures the expiry sweeper.
type SweepConfig struct {
	ExpiryInterval    time.Duration `yaml:"expiry_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	PruneInterval     time.Duration `yaml:"prune_interval"`
	Retention         time.Duration `yaml:"retention"`
}

// ExecutorConfig configures the approved-record executor.
type ExecutorConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// WatcherConfig declares one watcher instance.
type WatcherConfig struct {
	// Source names the registered detector (filedrop, gcal).
	Source               string            `yaml:"source"`
	Interval             time.Duration     `yaml:"interval"`
	AuthFailureThreshold int               `yaml:"auth_failure_threshold"`
	Settings             map[string]string `yaml:"settings"`
}

// OrchestratorConfig configures the process supervisor.
type OrchestratorConfig struct {
	HealthInterval time.Duration            `yaml:"health_interval"`
	MaxRestarts    int                      `yaml:"max_restarts"`
	RestartWindow  time.Duration            `yaml:"restart_window"`
	StopGrace      time.Duration            `yaml:"stop_grace"`
	Processes      []supervisor.ProcessSpec `yaml:"processes"`
}

// WatchdogConfig configures the watchdog.
type WatchdogConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Command runs the orchestrator; defaults to this binary's orchestrator command.
	Command []string `yaml:"command"`
}

// Config models vigil.yaml.
type Config struct {
	Vault        string                   `yaml:"vault"`
	Backend      string                   `yaml:"backend"`
	Redis        RedisConfig              `yaml:"redis"`
	Log          LogConfig                `yaml:"log"`
	LockTimeout  time.Duration            `yaml:"lock_timeout"`
	Sweep        SweepConfig              `yaml:"sweep"`
	Executor     ExecutorConfig           `yaml:"executor"`
	Retry        vigil.RetryPolicy        `yaml:"retry"`
	Watchers     map[string]WatcherConfig `yaml:"watchers"`
	Orchestrator OrchestratorConfig       `yaml:"orchestrator"`
	Watchdog     WatchdogConfig           `yaml:"watchdog"`

	// Path is the file the config was read from; empty for defaults.
	Path string `yaml:"-"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Vault:       "./vault",
		Backend:     BackendFile,
		Redis:       RedisConfig{Addr: "localhost:6379", Namespace: "vigil"},
		Log:         LogConfig{Level: "info", Format: "text"},
		LockTimeout: 5 * time.Second,
		Sweep: SweepConfig{
			ExpiryInterval:    time.Minute,
			ReconcileInterval: 5 * time.Minute,
			PruneInterval:     time.Hour,
		},
		Executor: ExecutorConfig{Concurrency: 1, PollInterval: 5 * time.Second},
		Retry:    vigil.DefaultRetryPolicy,
		Orchestrator: OrchestratorConfig{
			HealthInterval: time.Minute,
			MaxRestarts:    5,
			RestartWindow:  10 * time.Minute,
			StopGrace:      10 * time.Second,
		},
		Watchdog: WatchdogConfig{Interval: 30 * time.Second},
	}
}

// Load reads path (a missing file yields defaults), loads a .env file from
// the same directory and applies environment overrides. Relative vault
// paths resolve against the config file's directory.
func Load(path string) (*Config, error) {
	cfg := Default()
	dir := "."
	if path != "" {
		dir = filepath.Dir(path)
	}
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "config: load .env")
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrapf(err, "config: parse %s", path)
			}
			cfg.Path = path
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, errors.Wrapf(err, "config: read %s", path)
		}
	}

	cfg.applyEnv()
	if cfg.Vault != "" && !filepath.IsAbs(cfg.Vault) {
		cfg.Vault = filepath.Join(dir, cfg.Vault)
	}
	for name, w := range cfg.Watchers {
		if w.Source == "" {
			w.Source = name
			cfg.Watchers[name] = w
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("VIGIL_VAULT"); v != "" {
		c.Vault = v
	}
	if v := os.Getenv("VIGIL_BACKEND"); v != "" {
		c.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate checks values that would make the binaries misbehave.
func (c *Config) Validate() error {
	if c.Vault == "" {
		return errors.New("config: vault is required")
	}
	switch c.Backend {
	case BackendFile, BackendRedis:
	default:
		return errors.Errorf("config: unknown backend %q", c.Backend)
	}
	if c.Backend == BackendRedis && c.Redis.Addr == "" {
		return errors.New("config: redis.addr is required for the redis backend")
	}
	if c.Orchestrator.MaxRestarts < 0 {
		return errors.New("config: orchestrator.max_restarts must not be negative")
	}
	if err := supervisor.Validate(c.Orchestrator.Processes); err != nil {
		return errors.Wrap(err, "config")
	}
	return nil
}

// Watcher returns the named watcher config.
func (c *Config) Watcher(name string) (WatcherConfig, bool) {
	w, ok := c.Watchers[name]
	return w, ok
}

// WriteDefault writes DefaultYAML to path unless it exists.
func WriteDefault(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, []byte(DefaultYAML), 0o644); err != nil {
		return false, errors.Wrapf(err, "config: write %s", path)
	}
	return true, nil
}
