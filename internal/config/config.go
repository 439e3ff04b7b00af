package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/aliskhannn/upscaler/internal/model"
)

// EnvPrefix prefixes every environment override, e.g. UPSCALER_WORKER_COUNT.
const EnvPrefix = "UPSCALER"

// Config holds the main configuration for the application.
type Config struct {
	Queue     Queue     `mapstructure:"queue"`
	Worker    Worker    `mapstructure:"worker"`
	Scheduler Scheduler `mapstructure:"scheduler"`
	Log       Log       `mapstructure:"log"`
}

// Queue holds the location of the persisted queue.
type Queue struct {
	Dir         string `mapstructure:"dir"`          // queue.json, its backup, the lock and worker files
	ArchivePath string `mapstructure:"archive_path"` // SQLite archive of cleared tasks
}

// Worker holds settings of the worker subprocesses.
type Worker struct {
	Command      string        `mapstructure:"command"`
	Args         []string      `mapstructure:"args"`
	Env          []string      `mapstructure:"env"`
	Count        int           `mapstructure:"count"` // seeds a new queue only; the queue keeps its own count afterwards
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	StallTimeout time.Duration `mapstructure:"stall_timeout"` // 0 disables
	SpawnRetry   Retry         `mapstructure:"spawn_retry"`
}

// Retry defines retry policy configuration.
type Retry struct {
	Attempts int           `mapstructure:"attempts"` // Number of retry attempts
	Delay    time.Duration `mapstructure:"delay"`    // Initial delay between retries
	Backoff  float64       `mapstructure:"backoff"`  // Backoff multiplier for delays
}

// Scheduler holds settings of the host run loop.
type Scheduler struct {
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	ControlTimeout time.Duration `mapstructure:"control_timeout"` // how long a command waits for the run loop to answer
}

// Log holds logging configuration.
type Log struct {
	Level string `mapstructure:"level"`
}

// ControlDir is where commands leave requests for a running queue.
func (q Queue) ControlDir() string {
	return filepath.Join(q.Dir, "control")
}

// RuntimeDir is where job, status and marker files of running workers live.
func (q Queue) RuntimeDir() string {
	return filepath.Join(q.Dir, "run")
}

// flagKeys maps command-line flag names onto configuration keys.
var flagKeys = map[string]string{
	"queue-dir":      "queue.dir",
	"archive":        "queue.archive_path",
	"worker-command": "worker.command",
	"workers":        "worker.count",
	"grace-period":   "worker.grace_period",
	"stall-timeout":  "worker.stall_timeout",
	"tick-interval":  "scheduler.tick_interval",
	"log-level":      "log.level",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("queue.dir", defaultQueueDir())
	v.SetDefault("queue.archive_path", "")
	v.SetDefault("worker.command", "upscale-worker")
	v.SetDefault("worker.args", []string{})
	v.SetDefault("worker.env", []string{})
	v.SetDefault("worker.count", 1)
	v.SetDefault("worker.grace_period", 5*time.Second)
	v.SetDefault("worker.stall_timeout", time.Duration(0))
	v.SetDefault("worker.spawn_retry.attempts", 3)
	v.SetDefault("worker.spawn_retry.delay", 100*time.Millisecond)
	v.SetDefault("worker.spawn_retry.backoff", 2.0)
	v.SetDefault("scheduler.tick_interval", 500*time.Millisecond)
	v.SetDefault("scheduler.control_timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
}

func defaultQueueDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "upscaler", "queue")
	}
	return filepath.Join(home, ".upscaler", "queue")
}

// Load reads configuration from defaults, an optional YAML file, UPSCALER_*
// environment variables and flags, in increasing order of precedence.
// With an empty path, config.yml is looked up in ./config and the user's
// ~/.upscaler directory, and a missing file is not an error.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".upscaler"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag --%s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Queue.Dir = expandHome(cfg.Queue.Dir)
	if cfg.Queue.ArchivePath == "" {
		cfg.Queue.ArchivePath = filepath.Join(cfg.Queue.Dir, "archive.db")
	}
	cfg.Queue.ArchivePath = expandHome(cfg.Queue.ArchivePath)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.Queue.Dir == "":
		return errors.New("config: queue.dir is empty")
	case c.Worker.Command == "":
		return errors.New("config: worker.command is empty")
	case c.Worker.Count < model.MinWorkers || c.Worker.Count > model.MaxWorkers:
		return fmt.Errorf("config: worker.count must be between %d and %d, got %d", model.MinWorkers, model.MaxWorkers, c.Worker.Count)
	case c.Worker.GracePeriod <= 0:
		return errors.New("config: worker.grace_period must be positive")
	case c.Worker.StallTimeout < 0:
		return errors.New("config: worker.stall_timeout must not be negative")
	case c.Scheduler.TickInterval <= 0:
		return errors.New("config: scheduler.tick_interval must be positive")
	case c.Scheduler.ControlTimeout <= 0:
		return errors.New("config: scheduler.control_timeout must be positive")
	}
	return nil
}

func expandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~")
	if !ok || (rest != "" && rest[0] != '/' && rest[0] != filepath.Separator) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}
