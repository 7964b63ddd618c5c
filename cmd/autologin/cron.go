package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/t77yq/autologin/internal/scheduler"
)

var (
	cronTimezone string
	cronCount    int
)

var nextCmd = &cobra.Command{
	Use:   "next <cron-expression>",
	Short: "Print the next run times of a cron expression",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tz := timezoneOrDefault(cronTimezone)
		loc, err := scheduler.LoadLocation(tz)
		if err != nil {
			return err
		}

		times, err := scheduler.NextN(args[0], tz, time.Now(), cronCount)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, t := range times {
			fmt.Fprintf(out, "%s  (%s UTC)\n", t.In(loc).Format("2006-01-02 15:04:05 MST"), t.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var describeCmd = &cobra.Command{
	Use:   "describe <cron-expression>",
	Short: "Describe a cron expression in words",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := scheduler.Validate(args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), scheduler.Describe(args[0], timezoneOrDefault(cronTimezone), time.Now()))
		return nil
	},
}

func timezoneOrDefault(tz string) string {
	if tz != "" {
		return tz
	}
	return cfg.Scheduler.DefaultTimezone
}

func init() {
	for _, cmd := range []*cobra.Command{nextCmd, describeCmd} {
		cmd.Flags().StringVar(&cronTimezone, "tz", "", "timezone (default scheduler.default_timezone)")
	}
	nextCmd.Flags().IntVarP(&cronCount, "count", "n", 5, "number of run times to print")
}
