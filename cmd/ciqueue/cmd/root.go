package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RootCmd is the root Cobra command; all subcommands register here.
func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ciqueue",
		Short: "ciqueue coordinates distributed execution of a fixed test unit list",
	}

	addCommonFlags(root.PersistentFlags())

	root.AddCommand(
		masterOrWorkerCmd(),
		workerCmd(),
		supervisorCmd(),
	)

	return root
}

func addCommonFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "path to a ciqueue.yaml config file")
	flags.String("build-id", "", "build id; namespaces the shared keyspace")
	flags.String("worker-id", "", "worker id; identifies this process' lease ownership")
	flags.String("units", "", "path to a JSON manifest of unit descriptors")
}

func flagString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}
