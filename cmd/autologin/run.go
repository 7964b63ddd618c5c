package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <task-id>",
	Short: "Run a task now and wait for it to finish",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid task id %q: %w", args[0], err)
		}

		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.start(cmd.Context()); err != nil {
			return err
		}

		success, message, err := a.coordinator.RunByID(cmd.Context(), id)
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), message)
		if !success {
			return fmt.Errorf("task %d failed", id)
		}
		return nil
	},
}
