package queue

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Strategy selects an OrderingStrategy implementation.
type Strategy string

const (
	StrategyRandom          Strategy = "random"
	StrategyTiming          Strategy = "timing"
	StrategySuiteBinPacking Strategy = "suite_bin_packing"
)

// Config carries every runtime knob for a build. Defaults are applied
// by Defaults() before any file or flag is read.
type Config struct {
	BuildID  string `mapstructure:"build_id" validate:"required"`
	WorkerID string `mapstructure:"worker_id" validate:"required"`
	Seed     int64  `mapstructure:"seed"`

	Timeout                time.Duration `mapstructure:"timeout"`
	MaxRequeues             int           `mapstructure:"max_requeues"`
	RequeueTolerance        float64       `mapstructure:"requeue_tolerance"`
	RequeueOffset           int64         `mapstructure:"requeue_offset"`
	RedisTTL                time.Duration `mapstructure:"redis_ttl"`
	QueueInitTimeout        time.Duration `mapstructure:"queue_init_timeout"`
	ReportTimeout           time.Duration `mapstructure:"report_timeout"`
	InactiveWorkersTimeout  time.Duration `mapstructure:"inactive_workers_timeout"`
	MaxTestFailed           int           `mapstructure:"max_test_failed"`
	HeartbeatInterval       time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatGracePeriod    time.Duration `mapstructure:"heartbeat_grace_period"`
	MasterSetupHeartbeat    time.Duration `mapstructure:"master_setup_heartbeat_interval"`
	MasterSetupTimeout      time.Duration `mapstructure:"master_setup_heartbeat_timeout"`
	WorkerIdleSleepMin      time.Duration `mapstructure:"worker_idle_sleep_min"`
	WorkerIdleSleepMax      time.Duration `mapstructure:"worker_idle_sleep_max"`

	Strategy Strategy `mapstructure:"strategy"`

	BufferPercent             float64 `mapstructure:"buffer_percent"`
	MinimumMaxChunkDurationMs float64 `mapstructure:"minimum_max_chunk_duration_ms"`
	MaximumMaxChunkDurationMs float64 `mapstructure:"maximum_max_chunk_duration_ms"`
	ParallelJobCount          int     `mapstructure:"parallel_job_count"`

	TimingFallbackDurationMs float64 `mapstructure:"timing_fallback_duration_ms"`
	TimingFile               string  `mapstructure:"timing_file"`
	// TimingRedisURL, when set, points the timing store at a connection
	// separate from the main build keyspace (e.g. a shared cluster every
	// build reads/writes timing data from). Empty means reuse the main
	// connection.
	TimingRedisURL string `mapstructure:"timing_redis_url"`

	KnownFlakyTests []string `mapstructure:"known_flaky_tests"`
	FlakyTests      []string `mapstructure:"flaky_tests"`

	Namespace    string `mapstructure:"namespace"`
	FailureFile  string `mapstructure:"failure_file"`
	GlobalMaxReq int    `mapstructure:"global_max_requeues"`

	// RedisAddr/RedisDB are CLI-layer wiring -- the core package only
	// ever sees a constructed KV.
	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`
}

// Defaults returns a Config with every static default applied.
// Timeout-derived defaults (queue_init_timeout, report_timeout,
// inactive_workers_timeout all default to timeout) are resolved by
// ResolveDefaults, not here, since they depend on a possibly-overridden
// Timeout.
func Defaults() Config {
	return Config{
		Timeout:                   30 * time.Second,
		MaxRequeues:               0,
		RequeueTolerance:          0,
		RequeueOffset:             42,
		RedisTTL:                  8 * time.Hour,
		HeartbeatInterval:         10 * time.Second,
		HeartbeatGracePeriod:      30 * time.Second,
		MasterSetupHeartbeat:      5 * time.Second,
		MasterSetupTimeout:        30 * time.Second,
		WorkerIdleSleepMin:        500 * time.Millisecond,
		WorkerIdleSleepMax:        2 * time.Second,
		Strategy:                  StrategyRandom,
		BufferPercent:             10,
		MinimumMaxChunkDurationMs: 120_000,
		MaximumMaxChunkDurationMs: 300_000,
		TimingFallbackDurationMs:  100,
		GlobalMaxReq:              1 << 30, // sentinel: GlobalMaxRequeues treats it as unset and uses requeue_tolerance
		RedisAddr:                 "localhost:6379",
	}
}

// ResolveDefaults fills in Timeout-derived fields left at their zero
// value: queue_init_timeout, report_timeout, and inactive_workers_timeout
// all default to timeout.
func (c *Config) ResolveDefaults() {
	if c.QueueInitTimeout == 0 {
		c.QueueInitTimeout = c.Timeout
	}
	if c.ReportTimeout == 0 {
		c.ReportTimeout = c.Timeout
	}
	if c.InactiveWorkersTimeout == 0 {
		c.InactiveWorkersTimeout = c.Timeout
	}
}

// GlobalMaxRequeues returns ceil(total * requeue_tolerance), the per-build
// cap on total requeues across the whole run, unless GlobalMaxReq has
// been explicitly set (non-zero) to override it.
func (c *Config) GlobalMaxRequeues(total int) int {
	if c.GlobalMaxReq > 0 && c.GlobalMaxReq < 1<<30 {
		return c.GlobalMaxReq
	}
	tolerance := c.RequeueTolerance * float64(total)
	n := int(tolerance)
	if float64(n) < tolerance {
		n++
	}
	return n
}

// LoadConfig loads viper sources into cfg: viper reads a named
// config file from path (if present), environment variables override
// it, and the result is unmarshalled into cfg. Missing files are not
// fatal -- defaults and env vars alone are enough to run.
func LoadConfig(cfg *Config, configPath string) error {
	v := viper.New()
	v.SetConfigName("ciqueue")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
	}
	v.AutomaticEnv()
	v.SetEnvPrefix("CIQUEUE")

	// cfg is expected to already hold Defaults(): mapstructure.Decode (which
	// viper.Unmarshal delegates to) only overwrites fields present in the
	// merged file/env settings, leaving everything else as-is.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return err
	}
	cfg.ResolveDefaults()
	if err := validate.Struct(cfg); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}

// validate is shared across LoadConfig calls (validator.New() is safe
// for concurrent use once built).
var validate = validator.New()
