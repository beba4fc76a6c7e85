// Command taskforge runs approved tasks through generation, application,
// publishing and validation on a pool of working copies.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aristath/taskforge/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskforge",
		Short: "Execution engine for approved code-change tasks",
		Long: `taskforge picks approved tasks whose dependencies are complete, routes
each to a capacity class, and runs it on an exclusive working copy:
generate a change, apply it to a branch, publish it, and score it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "config file (default is ./taskforge.yaml or "+config.ConfigDir()+"/taskforge.yaml)")

	root.AddCommand(
		newRunCmd(),
		newImportCmd(),
		newValidateCmd(),
		newApproveCmd(),
		newStatusCmd(),
		newInitCmd(),
	)
	return root
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}

// looseConfig reads the config file when there is one without checking
// required keys. Commands that only need a path or an address use it.
func looseConfig(cmd *cobra.Command) *viper.Viper {
	v := config.New(configPath(cmd))
	_ = v.ReadInConfig()
	return v
}
