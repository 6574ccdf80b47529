package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/figma/ci-queue/internal/queue"
)

// supervisorCmd runs the non-executing observer role, exiting once the
// build is exhausted or a configured cap is hit.
func supervisorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "supervisor",
		Short: "observe build progress and enforce overall deadlines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flagString(cmd, "config"), flagString(cmd, "build-id"), "supervisor")
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
			master := queue.NewMaster(kv, keys, scripts, clock, cfg, metrics)

			supervisor := queue.NewSupervisor(kv, keys, master, clock, cfg, metrics, record)
			reason, err := supervisor.Run(ctx)
			if err != nil {
				return err
			}
			ctx.Log.Infof("supervisor exiting: %s", reason)
			fmt.Println(reason)
			return nil
		},
	}
	return cmd
}
