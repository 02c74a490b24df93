package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/garyjia/erp-autoentry/internal/domain/screen"
)

var detectFlags struct {
	save   bool
	target string
}

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Connect to the remote desktop and classify the current screen",
	Long: `Connects, captures the remote screen once and prints the detected state
with the score of every candidate. With --navigate the planner then drives the
application to the given state. Useful when calibrating the template catalog.`,
	RunE: runDetect,
}

func init() {
	f := detectCmd.Flags()
	f.BoolVar(&detectFlags.save, "save", true, "save the captured screenshot")
	f.StringVar(&detectFlags.target, "navigate", "", "navigate to this state after detecting")
}

func runDetect(cmd *cobra.Command, _ []string) error {
	a, err := startApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	v := a.container.Vision()
	if err := v.Session.Connect(ctx); err != nil {
		return err
	}

	r := v.Detector.DetectCurrentScreen(ctx, detectFlags.save)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "State:       %s\n", r.State)
	fmt.Fprintf(out, "Confidence:  %.3f\n", r.Confidence)
	if r.ScreenshotPath != "" {
		fmt.Fprintf(out, "Screenshot:  %s\n", r.ScreenshotPath)
	}
	if msg, ok := r.Details[screen.DetailError]; ok {
		fmt.Fprintf(out, "Error:       %v\n", msg)
	}

	states := make([]screen.State, 0, len(r.Scores))
	for s := range r.Scores {
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool { return r.Scores[states[i]] > r.Scores[states[j]] })
	for _, s := range states {
		fmt.Fprintf(out, "  %-24s %.3f\n", s, r.Scores[s])
	}

	if detectFlags.target == "" {
		return nil
	}
	target := screen.State(detectFlags.target)
	if !v.Planner.NavigateToTargetState(ctx, target, a.cfg.Process.NavigationAttempts) {
		return fmt.Errorf("could not reach %s", target)
	}
	fmt.Fprintf(out, "Reached %s\n", target)
	return nil
}
