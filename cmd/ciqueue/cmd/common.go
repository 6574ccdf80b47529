// Package cmd wires the cobra/pflag/viper CLI layer onto the
// internal/queue library: a root command, one file per subcommand,
// shared helpers for config loading and connection setup.
package cmd

import (
	"encoding/json"
	"os"
	"os/exec"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/figma/ci-queue/internal/ciqueuecontext"
	"github.com/figma/ci-queue/internal/logging"
	"github.com/figma/ci-queue/internal/queue"
)

func loadConfig(configPath, buildID, workerID string) (*queue.Config, error) {
	// build_id/worker_id come from the flags, else from the config file;
	// absent both, fresh ids are minted rather than failing validation,
	// so a bare `ciqueue worker --units ...` still runs. No CI-identifier
	// environment variable is consulted.
	cfg := queue.Defaults()
	cfg.BuildID = queue.NewBuildID()
	cfg.WorkerID = queue.NewWorkerID()
	if err := queue.LoadConfig(&cfg, configPath); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	if buildID != "" {
		cfg.BuildID = buildID
	}
	if workerID != "" {
		cfg.WorkerID = workerID
	}
	return &cfg, nil
}

func dialRedis(cfg *queue.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
}

// dialTimingRedis connects the timing store to its own URL when
// timing_redis_url is set, so the EMA table can live in a keyspace
// shared across builds rather than the per-build main connection.
// Returns nil, nil when unset -- the caller falls back to kv.
func dialTimingRedis(cfg *queue.Config) (*redis.Client, error) {
	if cfg.TimingRedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.TimingRedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse timing_redis_url")
	}
	return redis.NewClient(opts), nil
}

func loadUnits(path string) ([]queue.UnitDescriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read units manifest")
	}
	var units []queue.UnitDescriptor
	if err := json.Unmarshal(raw, &units); err != nil {
		return nil, errors.Wrap(err, "parse units manifest")
	}
	return units, nil
}

// shellExecutor is the CLI's only bridge to a test framework: it shells
// out to command with the unit id appended, timing the run and treating
// a zero exit status as a pass. Embedders with a real test framework
// construct their own queue.ExecutorFunc instead of going through the CLI.
func shellExecutor(command string) queue.ExecutorFunc {
	return func(ctx *ciqueuecontext.Context, unit queue.Unit) (queue.ExecResult, error) {
		start := time.Now()
		out, err := exec.CommandContext(ctx, "sh", "-c", command+" "+unit.ID).CombinedOutput()
		duration := time.Since(start)
		if err != nil {
			return queue.ExecResult{
				Passed:     false,
				DurationMs: float64(duration.Milliseconds()),
				Payload:    out,
			}, nil
		}
		return queue.ExecResult{Passed: true, DurationMs: float64(duration.Milliseconds())}, nil
	}
}

func newCiqueueContext() (*ciqueuecontext.Context, func()) {
	log := logging.New()
	ctx, cancel := ciqueuecontext.BackgroundWithShutdown(log)
	return ctx, cancel
}

func strategyFor(ctx *ciqueuecontext.Context, cfg *queue.Config, timing *queue.TimingStore) (queue.OrderingStrategy, error) {
	switch cfg.Strategy {
	case queue.StrategyRandom, "":
		return queue.RandomStrategy{Seed: cfg.Seed}, nil
	case queue.StrategyTiming:
		return queue.TimingBasedStrategy{Durations: durationSource(ctx, cfg, timing)}, nil
	case queue.StrategySuiteBinPacking:
		return queue.SuiteBinPackingStrategy{
			Durations: durationSource(ctx, cfg, timing),
			Config: queue.SuiteBinPackingConfig{
				BufferPercent:             cfg.BufferPercent,
				MinimumMaxChunkDurationMs: cfg.MinimumMaxChunkDurationMs,
				MaximumMaxChunkDurationMs: cfg.MaximumMaxChunkDurationMs,
				ParallelJobCount:          cfg.ParallelJobCount,
			},
		}, nil
	default:
		return nil, errors.Errorf("unknown ordering strategy %q", cfg.Strategy)
	}
}

// durationSource degrades silently through the precedence chain: EMA
// load failures fall through to the JSON file, then to the constant
// fallback.
func durationSource(ctx *ciqueuecontext.Context, cfg *queue.Config, timing *queue.TimingStore) queue.DurationSource {
	var ema map[string]float64
	if timing != nil {
		if loaded, err := timing.LoadAll(ctx, 1000); err != nil {
			ctx.Log.WithError(err).Warn("timing store load_all failed, falling back")
		} else {
			ema = loaded
		}
	}
	var jsonFile *queue.JSONTimingFile
	if cfg.TimingFile != "" {
		if loaded, err := queue.LoadJSONTimingFile(cfg.TimingFile); err != nil {
			ctx.Log.WithError(err).Warn("timing file load failed, falling back")
		} else {
			jsonFile = loaded
		}
	}
	return queue.DurationSource{
		EMA:      ema,
		JSONFile: jsonFile,
		Fallback: cfg.TimingFallbackDurationMs,
	}
}
