package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/manuscript/internal/client"
)

var logsLimit int

var progressCmd = &cobra.Command{
	Use:   "progress <job-id>",
	Short: "Show a job's step ledger",
	Args:  cobra.ExactArgs(1),
	RunE:  runProgress,
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <job-id>",
	Short: "Show where a job's artifacts say it is",
	Long: `Inspect the job's artifact repository without changing anything.

The output names the step a resume would start from, which artifacts exist
and which sub-units are still missing.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

var logsCmd = &cobra.Command{
	Use:   "logs <job-id>",
	Short: "Show a job's log",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func init() {
	logsCmd.Flags().IntVarP(&logsLimit, "limit", "n", 50, "maximum number of entries")
}

func runProgress(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	records, err := apiClient.Progress(ctx, args[0])
	if err != nil {
		return notFound("job", args[0], err)
	}
	printLedger(cmd.OutOrStdout(), records)
	return nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	analysis, err := apiClient.Analyze(ctx, args[0])
	if err != nil {
		return notFound("job", args[0], err)
	}
	printAnalysis(cmd.OutOrStdout(), analysis)
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	entries, err := apiClient.Logs(ctx, args[0], logsLimit)
	if err != nil {
		return notFound("job", args[0], err)
	}
	printLogs(cmd.OutOrStdout(), entries)
	return nil
}

func printLedger(w io.Writer, records []client.ProgressRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No progress recorded")
		return
	}

	fmt.Fprintf(w, "%-20s %-10s %-9s %-10s %s\n", "STEP", "STATUS", "STARTED", "DURATION", "NOTE")
	fmt.Fprintln(w, "----------------------------------------------------------------------")
	for _, r := range records {
		duration := ""
		if r.CompletedAt != nil {
			duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		note := r.Error
		if reason, ok := r.Metadata["reason"].(string); ok && note == "" {
			note = reason
		}
		if drift, ok := r.Metadata["drift_detected"].(bool); ok && drift {
			note = strings.TrimSpace(note + " (drift repaired)")
		}
		fmt.Fprintf(w, "%-20s %-10s %-9s %-10s %s\n",
			r.Step, r.Status, r.StartedAt.Local().Format("15:04:05"), duration, truncate(note, 60))
	}
}

func printAnalysis(w io.Writer, a *client.Analysis) {
	p := a.Presence
	fmt.Fprintf(w, "True step: %s\n", a.TrueStep)
	if a.NextArtifact != "" {
		fmt.Fprintf(w, "Next artifact: %s\n", a.NextArtifact)
	}
	fmt.Fprintf(w, "Rationale: %s\n\n", a.Rationale)

	fmt.Fprintln(w, "Artifacts:")
	fmt.Fprintf(w, "  Repository: %s\n", yesNo(p.RepositoryExists))
	fmt.Fprintf(w, "  Outline:    %s\n", yesNo(p.Outline))
	fmt.Fprintf(w, "  Drafts:     %d/%d\n", p.Drafts, p.ExpectedSubUnits)
	fmt.Fprintf(w, "  Summaries:  %d/%d\n", p.Summaries, p.ExpectedSubUnits)
	fmt.Fprintf(w, "  Compiled:   %s\n", yesNo(p.Compiled))
	fmt.Fprintf(w, "  Front:      %s\n", yesNo(p.FrontMatter))

	if len(a.Missing) > 0 {
		missing := make([]string, 0, len(a.Missing))
		for _, pos := range a.Missing {
			missing = append(missing, pos.String())
		}
		fmt.Fprintf(w, "\nMissing sub-units (%d): %s\n", len(missing), strings.Join(missing, ", "))
	}
}

func printLogs(w io.Writer, entries []client.LogEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No log entries")
		return
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s %-5s", e.Timestamp.Local().Format("15:04:05"), strings.ToUpper(string(e.Level)))
		if e.Step != "" {
			line += fmt.Sprintf(" [%s]", e.Step)
		}
		line += " " + e.Message
		if len(e.Details) > 0 {
			line += " " + formatDetails(e.Details)
		}
		fmt.Fprintln(w, line)
	}
}

func formatDetails(details map[string]any) string {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, details[k]))
	}
	return strings.Join(parts, " ")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
