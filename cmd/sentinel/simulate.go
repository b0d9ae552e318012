package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/sentinel/pkg/simulator"
	"github.com/spf13/cobra"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate SCENARIO.yaml...",
	Short: "Run scenario files against the recovery stack on a virtual clock",
	Long: `Simulate replays each scenario file against an in-memory session using a
mock clock, prints every operation the stack performed, and checks the
scenario's expectations. It exits non-zero when any expectation fails.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		verbose, _ := cmd.Flags().GetBool("verbose")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		runner := simulator.NewRunner(cfg)
		failed := 0
		for _, path := range args {
			sc, err := simulator.LoadScenario(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			report, err := runner.Run(ctx, sc)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			printReport(cmd, report, verbose)
			if !report.Passed() {
				failed++
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d scenarios failed", failed, len(args))
		}
		return nil
	},
}

func init() {
	simulateCmd.Flags().BoolP("verbose", "v", false, "Also print session logs and engine decisions")
}

func printReport(cmd *cobra.Command, report *simulator.Report, verbose bool) {
	out := cmd.OutOrStdout()
	status := "PASS"
	if !report.Passed() {
		status = "FAIL"
	}
	fmt.Fprintf(out, "%s  %s (%s simulated)\n", status, report.Name, report.Elapsed)

	for _, op := range report.Operations {
		fmt.Fprintf(out, "  %8s  %-24s %s %s\n", op.At.Sub(report.Start), op.Name, op.Detail, op.Reason)
	}
	if verbose {
		for _, line := range report.Logs {
			fmt.Fprintf(out, "  log  %s\n", line)
		}
		for _, d := range report.Decisions {
			fmt.Fprintf(out, "  decision  %s score=%d %s\n", d.Decision, d.DecisionScore, d.Reason)
		}
	}
	fmt.Fprintf(out, "  coordinator: submitted=%d merged=%d executed=%d skipped=%d failed=%d\n",
		report.Coordinator.Submitted, report.Coordinator.Merged, report.Coordinator.Executed,
		report.Coordinator.Skipped, report.Coordinator.Failed)
	for _, f := range report.Failures {
		fmt.Fprintf(out, "  expectation failed: %s\n", f)
	}
}
