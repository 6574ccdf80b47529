package cmd

import (
	"github.com/spf13/cobra"

	"github.com/figma/ci-queue/internal/queue"
)

// masterOrWorkerCmd runs a single process through election, waits for
// whichever worker becomes master to publish the queue, then drains it
// until shutdown.
func masterOrWorkerCmd() *cobra.Command {
	var command string
	cmd := &cobra.Command{
		Use:   "master-or-worker",
		Short: "elect or wait for a master, then run the worker loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flagString(cmd, "config"), flagString(cmd, "build-id"), flagString(cmd, "worker-id"))
			if err != nil {
				return err
			}

			units, err := loadUnits(flagString(cmd, "units"))
			if err != nil {
				return err
			}

			ctx, cancel := newCiqueueContext()
			defer cancel()

			kv := dialRedis(cfg)
			defer kv.Close()

			keys := queue.NewKeys(cfg.BuildID, cfg.Namespace)
			scripts := queue.NewScripts(kv)
			clock := queue.SystemClock{}
			metrics := queue.NewMetrics()
			record := queue.NewBuildRecord(kv, keys)

			timingKV, err := dialTimingRedis(cfg)
			if err != nil {
				return err
			}
			if timingKV != nil {
				defer timingKV.Close()
			} else {
				timingKV = kv
			}
			timing := queue.NewTimingStore(timingKV, "", metrics)

			strategy, err := strategyFor(ctx, cfg, timing)
			if err != nil {
				return err
			}

			master := queue.NewMaster(kv, keys, scripts, clock, cfg, metrics)
			globalMaxRequeues := cfg.GlobalMaxRequeues(len(units))
			worker := queue.NewWorker(kv, keys, scripts, clock, cfg, metrics, record, timing, cfg.WorkerID, units, globalMaxRequeues)

			return queue.RunMasterOrWorker(ctx, master, worker, cfg.WorkerID, units, strategy, cfg.QueueInitTimeout, shellExecutor(command))
		},
	}
	cmd.Flags().StringVar(&command, "command", "", "shell command to run for each reserved unit id")
	return cmd
}
