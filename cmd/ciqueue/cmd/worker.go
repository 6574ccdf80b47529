package cmd

import (
	"github.com/spf13/cobra"

	"github.com/figma/ci-queue/internal/queue"
)

// workerCmd waits for an already-elected master and runs only the
// worker loop, never attempting election or takeover itself.
func workerCmd() *cobra.Command {
	var command string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "wait for the master queue to be ready, then run the worker loop",
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

			master := queue.NewMaster(kv, keys, scripts, clock, cfg, metrics)
			if err := master.WaitForReady(ctx, cfg.QueueInitTimeout); err != nil {
				return err
			}

			globalMaxRequeues := cfg.GlobalMaxRequeues(len(units))
			worker := queue.NewWorker(kv, keys, scripts, clock, cfg, metrics, record, timing, cfg.WorkerID, units, globalMaxRequeues)
			return worker.Run(ctx, shellExecutor(command))
		},
	}
	cmd.Flags().StringVar(&command, "command", "", "shell command to run for each reserved unit id")
	return cmd
}
