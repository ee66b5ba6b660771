package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"pipelineworker/cmd/cli/runcmd"
)

var RootCmd = &cobra.Command{
	Use:   "pwctl",
	Short: "Pipeline worker - runs pipeline tasks locally or on a cluster",
	Long: `The pipeline worker accepts task executions from the coordinator, runs them as local
processes or submits them to a batch cluster, and reports their progress back.

Start the agent with "pwctl run agent". "pwctl run sync" performs a single synchronization
of completed executions into the coordinator's database.`,
}

func init() {
	RootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	RootCmd.AddCommand(runcmd.Command)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v", err)
		os.Exit(1)
	}
}
