package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/taskforge/internal/persistence"
	"github.com/aristath/taskforge/internal/scheduler"
	"github.com/aristath/taskforge/internal/taskset"
)

func addDBFlag(cmd *cobra.Command) {
	cmd.Flags().String("db", "", "task database (default is store.path from the config)")
}

func dbPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("db"); path != "" {
		return path
	}
	return looseConfig(cmd).GetString("store.path")
}

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <tasks.yaml>",
		Short: "Validate a task set and add it to the task store",
		Long: `Import reads a YAML task set, checks its dependency graph together with
the tasks already stored, and inserts the new tasks so every task follows its
dependencies. Nothing is inserted when any check fails.`,
		Args: cobra.ExactArgs(1),
		RunE: runImport,
	}
	addDBFlag(cmd)
	cmd.Flags().Bool("approve", false, "mark every imported task approved")
	return cmd
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	approve, _ := cmd.Flags().GetBool("approve")

	incoming, err := taskset.Load(args[0])
	if err != nil {
		return err
	}

	store, err := persistence.NewSQLiteStore(ctx, dbPath(cmd))
	if err != nil {
		return err
	}
	defer store.Close()

	planned, err := plan(ctx, store, incoming)
	if err != nil {
		return err
	}

	for _, task := range planned {
		if approve {
			task.Approved = true
		}
		if err := store.SaveTask(ctx, task); err != nil {
			return fmt.Errorf("failed to save task %s: %w", task.ID, err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d task(s)\n", len(planned))
	return nil
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <tasks.yaml>",
		Short: "Check a task set without importing it",
		Long: `Validate parses a task set and checks its dependency graph. When the task
database exists, dependencies on stored tasks are allowed.`,
		Args: cobra.ExactArgs(1),
		RunE: runValidate,
	}
	addDBFlag(cmd)
	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	incoming, err := taskset.Load(args[0])
	if err != nil {
		return err
	}

	var planned []*scheduler.Task
	if path := dbPath(cmd); path != "" && fileExists(path) {
		store, err := persistence.NewSQLiteStore(ctx, path)
		if err != nil {
			return err
		}
		defer store.Close()
		planned, err = plan(ctx, store, incoming)
		if err != nil {
			return err
		}
	} else {
		planned, err = taskset.Plan(incoming, nil)
		if err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d task(s) OK, insertion order:\n", len(planned))
	for i, task := range planned {
		fmt.Fprintf(out, "  %d. %s\n", i+1, task.Label())
	}
	return nil
}

func newApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <task-id>...",
		Short: "Approve stored tasks for dispatch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := persistence.NewSQLiteStore(ctx, dbPath(cmd))
			if err != nil {
				return err
			}
			defer store.Close()

			for _, id := range args {
				if err := store.Approve(ctx, id); err != nil {
					return fmt.Errorf("failed to approve %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Approved %s\n", id)
			}
			return nil
		},
	}
	addDBFlag(cmd)
	return cmd
}

func plan(ctx context.Context, store *persistence.SQLiteStore, incoming []*scheduler.Task) ([]*scheduler.Task, error) {
	stored, err := store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	return taskset.Plan(incoming, stored)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
