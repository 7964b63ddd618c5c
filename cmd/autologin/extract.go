package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/t77yq/autologin/internal/balance"
)

var extractCmd = &cobra.Command{
	Use:   "extract <page.html>",
	Short: "Read the account balance from a saved page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		markup, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read page: %w", err)
		}

		b, err := balance.NewExtractor(logger).ExtractMarkup(string(markup))
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "balance:  %s %s\n", strconv.FormatFloat(b.Value, 'f', -1, 64), b.Currency)
		fmt.Fprintf(out, "strategy: %s\n", b.Strategy)
		if b.RawText != "" {
			fmt.Fprintf(out, "text:     %s\n", b.RawText)
		}
		if b.Implicit {
			fmt.Fprintln(out, "note:     no currency marker found, USD assumed")
		}
		return nil
	},
}
