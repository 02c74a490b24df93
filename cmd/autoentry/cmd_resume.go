package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/garyjia/erp-autoentry/internal/infrastructure/worker"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume every interrupted run from its checkpoint",
	Long: `Finds the checkpoints left by interrupted runs and continues each file
from the stage after its last successful one. Stale checkpoints are discarded
and their files start over.`,
	RunE: runResume,
}

func runResume(cmd *cobra.Command, _ []string) error {
	a, err := startApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	store := a.container.Storage().Checkpoints
	names, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(names) == 0 {
		fmt.Fprintln(out, "No interrupted runs")
		return nil
	}

	var failed int
	for _, name := range names {
		path := filepath.Join(a.cfg.Paths.InboxDir, name+".json")
		if cp, err := store.Load(ctx, name); err == nil && cp.InputPath != "" {
			if _, statErr := os.Stat(cp.InputPath); statErr == nil {
				path = cp.InputPath
			}
		}

		state, err := a.container.Inbox().ProcessFile(ctx, path)
		switch {
		case errors.Is(err, worker.ErrInterrupted) || ctx.Err() != nil:
			fmt.Fprintf(out, "%s interrupted in %s\n", name, state)
			return nil
		case err != nil:
			failed++
			a.logger.Warn("Resume failed", zap.String("file", name), zap.Error(err))
			fmt.Fprintf(out, "%s failed in %s: %v\n", name, state, err)
		default:
			fmt.Fprintf(out, "%s entered\n", name)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d runs not entered", failed, len(names))
	}
	return nil
}
