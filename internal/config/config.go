// Package config resolves the core's runtime configuration (spec §6.5)
// through the same layered precedence the rest of the stack uses:
// built-in defaults, then an optional file layer (via viper), then
// environment variables, then explicit caller overrides — each layer
// recorded in Metadata so an operator can see where a value came from.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ResourceLimits caps a task type's resource consumption (spec §4.G/§4.H).
type ResourceLimits struct {
	MaxRAMGB      float64 `mapstructure:"max_ram_gb"`
	MaxCPUSeconds float64 `mapstructure:"max_cpu_s"`
	MaxWallSeconds float64 `mapstructure:"max_wall_s"`
}

// ExecutorMode selects how a task type is run (spec §4.G).
type ExecutorMode string

const (
	ExecutorInProcess ExecutorMode = "in_process"
	ExecutorSubprocess ExecutorMode = "subprocess"
)

// TaskTypeConfig is the per-task-type slice of §6.5's configuration table.
type TaskTypeConfig struct {
	ExecutorMode   ExecutorMode   `mapstructure:"executor_mode"`
	ResourceLimits ResourceLimits `mapstructure:"resource_limits"`
	ResourceRisky  bool           `mapstructure:"resource_risky"`
}

// Config is the full set of keys the core recognizes (spec §6.5).
type Config struct {
	QueueName string `mapstructure:"queue_name"`

	WorkerConcurrency   int     `mapstructure:"worker_concurrency"`
	WorkerPollInterval  time.Duration
	WorkerPollIntervalS float64 `mapstructure:"worker_poll_interval_s"`

	LeaseTTL  time.Duration
	LeaseTTLS float64 `mapstructure:"lease_ttl_s"`

	MaxAttempts int `mapstructure:"max_attempts"`

	BaseBackoff  time.Duration
	BaseBackoffS float64 `mapstructure:"base_backoff_s"`
	MaxBackoff   time.Duration
	MaxBackoffS  float64 `mapstructure:"max_backoff_s"`

	ExpectedSubbands    int `mapstructure:"expected_subbands"`
	MinRequiredSubbands int `mapstructure:"min_required_subbands"`

	ClusterTolerance  time.Duration
	ClusterToleranceS float64 `mapstructure:"cluster_tolerance_s"`
	GroupTimeout      time.Duration
	GroupTimeoutS     float64 `mapstructure:"group_timeout_s"`

	FileStabilityQuiet  time.Duration
	FileStabilityQuietS float64 `mapstructure:"file_stability_quiet_s"`

	ShutdownGrace  time.Duration
	ShutdownGraceS float64 `mapstructure:"shutdown_grace_s"`

	DeadLetterEnabled bool `mapstructure:"dead_letter_enabled"`

	TaskTypes map[string]TaskTypeConfig `mapstructure:"task_types"`

	SchedulerCheckInterval  time.Duration
	SchedulerCheckIntervalS float64 `mapstructure:"scheduler_check_interval_s"`

	LandingRoot string `mapstructure:"landing_root"`
	ForgetAfter time.Duration
	ForgetAfterS float64 `mapstructure:"forget_after_s"`

	StormFailureThreshold int `mapstructure:"storm_failure_threshold"`
	StormCooldown         time.Duration
	StormCooldownS        float64 `mapstructure:"storm_cooldown_s"`

	DatabaseDSN string `mapstructure:"database_dsn"`
}

// ValueSource records which layer produced a field's final value.
type ValueSource string

const (
	SourceDefault ValueSource = "default"
	SourceFile    ValueSource = "file"
	SourceEnv     ValueSource = "env"
	SourceOverride ValueSource = "override"
)

// Metadata tracks provenance for every field Load touched.
type Metadata struct {
	Sources  map[string]ValueSource
	LoadedAt time.Time
}

// Option customizes Load.
type Option func(*options)

type options struct {
	filePath  string
	envPrefix string
	overrides map[string]any
}

// WithFile points Load at an optional YAML/TOML/JSON config file (viper
// auto-detects the format from the extension). A missing file is not an
// error — defaults and env still apply.
func WithFile(path string) Option {
	return func(o *options) { o.filePath = path }
}

// WithEnvPrefix sets the environment variable prefix (default "DSA_").
func WithEnvPrefix(prefix string) Option {
	return func(o *options) { o.envPrefix = prefix }
}

// WithOverrides applies explicit key->value overrides after file and env,
// keyed by the same mapstructure tags as Config's fields.
func WithOverrides(kv map[string]any) Option {
	return func(o *options) { o.overrides = kv }
}

func defaults() Config {
	return Config{
		WorkerConcurrency:   4,
		WorkerPollIntervalS: 1.0,
		LeaseTTLS:           300,
		MaxAttempts:         3,
		BaseBackoffS:        1,
		MaxBackoffS:         60,
		ExpectedSubbands:    16,
		MinRequiredSubbands: 0, // 0 means "= expected", resolved in normalize()
		ClusterToleranceS:   150,
		GroupTimeoutS:       600,
		FileStabilityQuietS: 60,
		ShutdownGraceS:      30,
		DeadLetterEnabled:   true,
		SchedulerCheckIntervalS: 60,
		ForgetAfterS:        24 * 60 * 60,
		TaskTypes:           map[string]TaskTypeConfig{},
		StormFailureThreshold: 5,
		StormCooldownS:        30,
	}
}

// Load resolves a Config through defaults -> file -> env -> overrides.
func Load(opts ...Option) (Config, Metadata, error) {
	o := options{envPrefix: "DSA_"}
	for _, opt := range opts {
		opt(&o)
	}

	meta := Metadata{Sources: map[string]ValueSource{}, LoadedAt: time.Now()}
	cfg := defaults()
	for k := range structFieldTags(cfg) {
		meta.Sources[k] = SourceDefault
	}

	v := viper.New()
	v.SetEnvPrefix(strings.TrimSuffix(o.envPrefix, "_"))
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if o.filePath != "" {
		v.SetConfigFile(o.filePath)
		if err := v.ReadInConfig(); err != nil {
			if !isFileNotFound(err) {
				return Config{}, Metadata{}, fmt.Errorf("read config file %s: %w", o.filePath, err)
			}
		} else {
			for _, key := range v.AllKeys() {
				meta.Sources[key] = SourceFile
			}
		}
	}

	for k := range structFieldTags(cfg) {
		_ = v.BindEnv(k)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, Metadata{}, fmt.Errorf("unmarshal config: %w", err)
	}

	for k := range structFieldTags(cfg) {
		envName := strings.ToUpper(strings.TrimSuffix(o.envPrefix, "_") + "_" + k)
		if _, ok := os.LookupEnv(envName); ok {
			meta.Sources[k] = SourceEnv
		}
	}

	for key, val := range o.overrides {
		if err := applyOverride(&cfg, key, val); err != nil {
			return Config{}, Metadata{}, err
		}
		meta.Sources[key] = SourceOverride
	}

	normalize(&cfg)
	if cfg.QueueName == "" {
		return Config{}, Metadata{}, fmt.Errorf("queue_name is required")
	}

	return cfg, meta, nil
}

func normalize(cfg *Config) {
	cfg.WorkerPollInterval = secondsToDuration(cfg.WorkerPollIntervalS)
	cfg.LeaseTTL = secondsToDuration(cfg.LeaseTTLS)
	cfg.BaseBackoff = secondsToDuration(cfg.BaseBackoffS)
	cfg.MaxBackoff = secondsToDuration(cfg.MaxBackoffS)
	cfg.ClusterTolerance = secondsToDuration(cfg.ClusterToleranceS)
	cfg.GroupTimeout = secondsToDuration(cfg.GroupTimeoutS)
	cfg.FileStabilityQuiet = secondsToDuration(cfg.FileStabilityQuietS)
	cfg.ShutdownGrace = secondsToDuration(cfg.ShutdownGraceS)
	cfg.SchedulerCheckInterval = secondsToDuration(cfg.SchedulerCheckIntervalS)
	cfg.ForgetAfter = secondsToDuration(cfg.ForgetAfterS)
	cfg.StormCooldown = secondsToDuration(cfg.StormCooldownS)

	if cfg.MinRequiredSubbands <= 0 {
		cfg.MinRequiredSubbands = cfg.ExpectedSubbands
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func isFileNotFound(err error) bool {
	if os.IsNotExist(err) {
		return true
	}
	_, ok := err.(viper.ConfigFileNotFoundError)
	return ok
}
