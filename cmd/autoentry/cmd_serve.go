package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveFlags struct {
	noWorker bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Process the inbox continuously and serve the control API",
	Long: `Starts the inbox worker and the HTTP control API. Records dropped into
the inbox are entered one at a time. SIGINT or SIGTERM interrupts the current
run, which keeps its checkpoint and resumes on the next start.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveFlags.noWorker, "no-worker", false, "serve the API without polling the inbox")
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := startApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	a.logger.Info("Starting ERP autoentry",
		zap.String("version", version),
		zap.String("inbox", a.cfg.Paths.InboxDir),
		zap.Int("port", a.cfg.Server.Port))

	g, ctx := errgroup.WithContext(cmd.Context())

	if !serveFlags.noWorker {
		if err := a.container.StartWorkers(ctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			return a.container.Workers().StopAll()
		})
	}

	g.Go(func() error {
		return a.container.Server().Start(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("Shutdown requested")
	return nil
}
