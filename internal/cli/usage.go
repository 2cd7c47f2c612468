package cli

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/manuscript/internal/metrics"
)

var usageDetailed bool

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show server health, token usage and retry statistics",
	Long: `Show runtime statistics collected by the server since it started.

Examples:
  manuscript usage
  manuscript usage --detailed`,
	Args: cobra.NoArgs,
	RunE: runUsage,
}

func init() {
	usageCmd.Flags().BoolVar(&usageDetailed, "detailed", false, "list every artifact operation and invocation")
}

func runUsage(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	out := cmd.OutOrStdout()
	health := "ok"
	if err := apiClient.Health(ctx); err != nil {
		health = "unavailable (" + err.Error() + ")"
	}

	snap, err := apiClient.Metrics(ctx)
	if err != nil {
		return fmt.Errorf("get metrics: %w", err)
	}

	fmt.Fprintf(out, "Server:  %s, up %s\n", health, (time.Duration(snap.UptimeSeconds) * time.Second).String())
	printGeneration(out, snap.Generation)
	printOps(out, "Artifacts", snap.Artifacts)
	printOps(out, "Invocations", snap.Invocations)
	return nil
}

func printGeneration(out io.Writer, g *metrics.GenerationSnapshot) {
	if g == nil {
		fmt.Fprintln(out, "\nGeneration: no calls yet")
		return
	}
	fmt.Fprintf(out, "\nGeneration: %d calls, avg %.0fms\n", g.Count, g.AvgTimeMs)
	if g.InputTokens != nil {
		fmt.Fprintf(out, "  input tokens:  %d (avg %.0f)\n", g.InputTokens.Total, g.InputTokens.Avg)
	}
	if g.OutputTokens != nil {
		fmt.Fprintf(out, "  output tokens: %d (avg %.0f)\n", g.OutputTokens.Total, g.OutputTokens.Avg)
	}
}

func printOps(out io.Writer, title string, ops map[string]*metrics.OperationSnapshot) {
	if len(ops) == 0 {
		return
	}
	var calls, failures, retries int64
	names := make([]string, 0, len(ops))
	for name, op := range ops {
		names = append(names, name)
		calls += op.Count
		failures += op.Failures
		retries += op.Retries
	}
	fmt.Fprintf(out, "\n%s: %d attempts, %d failed, %d retried\n", title, calls, failures, retries)
	if !usageDetailed {
		return
	}
	sort.Strings(names)
	for _, name := range names {
		op := ops[name]
		fmt.Fprintf(out, "  %-28s %5d  fail %-4d retry %-4d avg %.0fms\n", name, op.Count, op.Failures, op.Retries, op.AvgTimeMs)
	}
}
