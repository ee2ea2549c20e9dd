// Package config holds process configuration for the scheduler and worker
// binaries. Values are layered: built-in defaults, then a YAML config file,
// then GOCYCLE_* environment variables, then command-line flags.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Resolve.
const EnvPrefix = "GOCYCLE"

// SchedulerConfig holds configuration for the scheduler process.
type SchedulerConfig struct {
	Addr      string // Listen address (default ":8080")
	LogLevel  string // Log level: debug, info, warn, error
	LogFormat string // Log format: text, json
	DBPath    string // SQLite database path (default <work-dir>/gocycle.db, ":memory:" for testing)
	WorkDir   string // Run directory for job files (default ~/.gocycle/<workflow>)

	TickInterval       time.Duration
	JobPollInterval    time.Duration
	CallTimeout        time.Duration
	MaxConcurrentCalls int64
	HandlerWorkers     int
	HandlerTimeout     time.Duration
	DefaultPlatform    string
	WorkerTimeout      time.Duration // Workers silent for longer are marked offline
	WorkerKeysFile     string
	WorkerLogDir       string // Shared directory workers stage job output into
}

// DefaultSchedulerConfig returns sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Addr:               ":8080",
		LogLevel:           "info",
		LogFormat:          "text",
		TickInterval:       time.Second,
		JobPollInterval:    10 * time.Second,
		CallTimeout:        30 * time.Second,
		MaxConcurrentCalls: 16,
		HandlerWorkers:     4,
		HandlerTimeout:     time.Minute,
		DefaultPlatform:    "local",
		WorkerTimeout:      2 * time.Minute,
	}
}

// AddFlags registers the scheduler flags on fs.
func (c *SchedulerConfig) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "Listen address")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format (text, json)")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "Database path (default <work-dir>/gocycle.db)")
	fs.StringVar(&c.WorkDir, "work-dir", c.WorkDir, "Run directory (default ~/.gocycle/<workflow>)")
	fs.DurationVar(&c.TickInterval, "tick-interval", c.TickInterval, "Time between scheduling iterations")
	fs.DurationVar(&c.JobPollInterval, "job-poll-interval", c.JobPollInterval, "Minimum time between polls of one job")
	fs.DurationVar(&c.CallTimeout, "call-timeout", c.CallTimeout, "Timeout for every back-end call")
	fs.Int64Var(&c.MaxConcurrentCalls, "max-concurrent-calls", c.MaxConcurrentCalls, "Back-end calls in flight at once")
	fs.IntVar(&c.HandlerWorkers, "handler-workers", c.HandlerWorkers, "Concurrent event handler invocations")
	fs.DurationVar(&c.HandlerTimeout, "handler-timeout", c.HandlerTimeout, "Timeout for one event handler invocation")
	fs.StringVar(&c.DefaultPlatform, "default-platform", c.DefaultPlatform, "Platform for tasks that name none (local, docker, worker, simulation)")
	fs.DurationVar(&c.WorkerTimeout, "worker-timeout", c.WorkerTimeout, "Mark workers offline after this long without a heartbeat")
	fs.StringVar(&c.WorkerKeysFile, "worker-keys", c.WorkerKeysFile, "Path to worker keys JSON file")
	fs.StringVar(&c.WorkerLogDir, "worker-log-dir", c.WorkerLogDir, "Shared directory remote workers stage job output into")
}

// Validate checks values flags cannot constrain.
func (c *SchedulerConfig) Validate() error {
	switch {
	case c.TickInterval <= 0:
		return fmt.Errorf("tick-interval must be positive")
	case c.JobPollInterval <= 0:
		return fmt.Errorf("job-poll-interval must be positive")
	case c.MaxConcurrentCalls <= 0:
		return fmt.Errorf("max-concurrent-calls must be positive")
	case c.HandlerWorkers <= 0:
		return fmt.Errorf("handler-workers must be positive")
	case c.WorkerTimeout <= 0:
		return fmt.Errorf("worker-timeout must be positive")
	}
	return nil
}

// ResolvePaths fills in the run directory and database path for workflow.
func (c *SchedulerConfig) ResolvePaths(workflow string) error {
	if c.WorkDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cannot determine home directory: %w", err)
		}
		c.WorkDir = filepath.Join(home, ".gocycle", workflow)
	}
	if err := os.MkdirAll(c.WorkDir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", c.WorkDir, err)
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.WorkDir, "gocycle.db")
	}
	return nil
}

// WorkerConfig holds configuration for a remote worker process.
type WorkerConfig struct {
	Server       string // Scheduler base URL
	Name         string
	Pools        []string
	Runtime      string // none, docker, apptainer
	WorkDir      string
	StageOut     string // local or file:///shared/path
	WorkerKey    string
	CACert       string
	Insecure     bool
	PollInterval time.Duration
	LogLevel     string
	LogFormat    string
}

// DefaultWorkerConfig returns sensible defaults.
func DefaultWorkerConfig() WorkerConfig {
	host, _ := os.Hostname()
	return WorkerConfig{
		Server:       "http://localhost:8080",
		Name:         host,
		Pools:        []string{"default"},
		Runtime:      "none",
		WorkDir:      filepath.Join(os.TempDir(), "gocycle-worker"),
		StageOut:     "local",
		PollInterval: 5 * time.Second,
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

// AddFlags registers the worker flags on fs.
func (c *WorkerConfig) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Server, "server", c.Server, "Scheduler URL")
	fs.StringVar(&c.Name, "name", c.Name, "Worker name (default hostname)")
	fs.StringSliceVar(&c.Pools, "pools", c.Pools, "Worker pools to take jobs from")
	fs.StringVar(&c.Runtime, "runtime", c.Runtime, "Container runtime: none, docker, apptainer")
	fs.StringVar(&c.WorkDir, "work-dir", c.WorkDir, "Local working directory for jobs")
	fs.StringVar(&c.StageOut, "stage-out", c.StageOut, "Where job output goes: local, or file:///shared/path read by the scheduler")
	fs.StringVar(&c.WorkerKey, "worker-key", c.WorkerKey, "Shared secret sent as X-Worker-Key")
	fs.StringVar(&c.CACert, "ca-cert", c.CACert, "CA certificate PEM file for the scheduler's TLS certificate")
	fs.BoolVar(&c.Insecure, "insecure", c.Insecure, "Skip TLS verification (testing only)")
	fs.DurationVar(&c.PollInterval, "poll", c.PollInterval, "Interval between checkouts and heartbeats")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format (text, json)")
}

// Validate checks values flags cannot constrain.
func (c *WorkerConfig) Validate() error {
	switch {
	case c.Server == "":
		return fmt.Errorf("server is required")
	case c.Name == "":
		return fmt.Errorf("name is required")
	case c.PollInterval <= 0:
		return fmt.Errorf("poll must be positive")
	}
	switch c.Runtime {
	case "none", "docker", "apptainer":
	default:
		return fmt.Errorf("unknown runtime %q", c.Runtime)
	}
	return nil
}

// Resolve fills every flag the user did not set on the command line, first
// from the GOCYCLE_<FLAG_NAME> environment variable and then from the config
// file, where flag "job-poll-interval" is read from key "job.poll.interval".
// A missing configFile is not an error; an unreadable one is.
func Resolve(fs *pflag.FlagSet, configFile string, logger *slog.Logger) error {
	v := viper.New()
	v.SetConfigType("yaml")
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
		logger.Debug("config file loaded", "path", v.ConfigFileUsed())
	}

	var errs []string
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			logger.Debug("config from flag", "flag", f.Name, "value", f.Value.String())
			return
		}
		if val, ok := os.LookupEnv(EnvKey(f.Name)); ok {
			logger.Debug("config from env", "env", EnvKey(f.Name))
			if err := setFlag(f, val); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", EnvKey(f.Name), err))
			}
			return
		}
		key := FileKey(f.Name)
		if !v.IsSet(key) {
			return
		}
		val := v.GetString(key)
		if f.Value.Type() == "stringSlice" {
			val = strings.Join(v.GetStringSlice(key), ",")
		}
		logger.Debug("config from file", "key", key)
		if err := setFlag(f, val); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	})
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// setFlag replaces the value of f. Slice flags append on Set, so their
// default is replaced wholesale.
func setFlag(f *pflag.Flag, val string) error {
	if sv, ok := f.Value.(pflag.SliceValue); ok {
		var items []string
		for _, s := range strings.Split(val, ",") {
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
		return sv.Replace(items)
	}
	return f.Value.Set(val)
}

// EnvKey returns the environment variable for flag name.
func EnvKey(name string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// FileKey returns the config file key for flag name.
func FileKey(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "-", "."))
}
