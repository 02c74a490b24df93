package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/garyjia/erp-autoentry/internal/application/service"
	"github.com/garyjia/erp-autoentry/internal/container"
)

var statusFlags struct {
	limit int
	runID string
	live  bool
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent runs, one run's transitions, or the live machine state",
	RunE:  runStatus,
}

func init() {
	f := statusCmd.Flags()
	f.IntVarP(&statusFlags.limit, "limit", "n", 20, "number of recent runs")
	f.StringVar(&statusFlags.runID, "run", "", "show one run and its transitions")
	f.BoolVar(&statusFlags.live, "live", false, "ask the running server for the machine state")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	out := cmd.OutOrStdout()

	if statusFlags.live {
		url := fmt.Sprintf("http://%s:%d/api/v1/state", cfg.Server.Host, cfg.Server.Port)
		return printLiveState(cmd, out, url)
	}

	db, err := container.ProvideDatabase(cmd.Context(), &cfg.Database, zap.NewNop())
	if err != nil {
		return err
	}
	defer db.Close()

	repos, err := container.ProvideRepositories(db, zap.NewNop())
	if err != nil {
		return err
	}
	history := service.NewHistoryService(repos.Run, repos.Transition, db, container.ServiceLogger(logger))

	if statusFlags.runID != "" {
		run, transitions, err := history.GetRun(cmd.Context(), statusFlags.runID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Run:      %s\n", run.ID)
		fmt.Fprintf(out, "File:     %s\n", run.File)
		fmt.Fprintf(out, "Status:   %s\n", run.Status)
		fmt.Fprintf(out, "Retries:  %d\n", run.RetryCount)
		if run.Error != "" {
			fmt.Fprintf(out, "Error:    %s\n", run.Error)
		}
		fmt.Fprintf(out, "Transitions: (%d)\n", len(transitions))
		for _, t := range transitions {
			fmt.Fprintf(out, "  %s  %s -> %s [%s]\n", t.Timestamp.Format(time.TimeOnly), t.FromState, t.ToState, t.Trigger)
		}
		return nil
	}

	runs, err := history.ListRecent(cmd.Context(), statusFlags.limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded yet")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tFILE\tSTATUS\tSTARTED\tDURATION\tRETRIES\tUPLOADED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.1fs\t%d\t%d\n",
			r.ID, r.File, r.Status, r.StartedAt.Local().Format(time.DateTime), r.DurationSec, r.RetryCount, r.Uploaded)
	}
	return tw.Flush()
}

func printLiveState(cmd *cobra.Command, out io.Writer, url string) error {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("query %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("query %s: %s", url, resp.Status)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	fmt.Fprintln(out, pretty.String())
	return nil
}
