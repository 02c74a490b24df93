package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <record.json>",
	Short: "Enter a single purchase-order record",
	Long: `Runs one record through the pipeline in the foreground and exits. A
checkpoint left by an earlier interrupted run of the same file is resumed.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := startApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	state, err := a.container.Inbox().ProcessFile(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("%s ended in %s: %w", args[0], state, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s entered (%s)\n", args[0], state)
	return nil
}
