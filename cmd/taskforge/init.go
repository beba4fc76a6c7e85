package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/taskforge/internal/config"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Write a starter configuration",
		Long: `Init writes a configuration file containing every default plus working
values for the required keys. It never overwrites an existing file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "taskforge.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteStarter(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
}
