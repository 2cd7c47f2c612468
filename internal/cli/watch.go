package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/manuscript/internal/client"
)

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a job until it completes, fails or pauses",
	Long: `Follow a job's progress over the server's watch stream.

In a terminal an interactive progress bar is shown; otherwise (or with
--plain) one line is printed per change.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return followJob(cmd, args[0])
	},
}

func followJob(cmd *cobra.Command, jobID string) error {
	ctx := cmd.Context()
	if interactive(cmd) {
		return RunJobProgress(ctx, apiClient, jobID)
	}

	var last *client.Snapshot
	err := apiClient.Watch(ctx, jobID, func(s client.Snapshot) error {
		printSnapshot(cmd.OutOrStdout(), s)
		last = &s
		return nil
	})
	if err != nil {
		return notFound("job", jobID, err)
	}
	if last != nil {
		return jobFailure(&last.Job)
	}
	return nil
}

func printSnapshot(w io.Writer, s client.Snapshot) {
	line := fmt.Sprintf("%s %-10s", time.Now().Format("15:04:05"), s.Job.Status)
	if s.Latest != nil {
		done, total := stepFraction(s.Latest)
		line += fmt.Sprintf(" %d/%d %s %s", done, total, s.Latest.Step, s.Latest.Status)
	}
	if s.Job.Error != "" {
		line += " error=" + s.Job.Error
	}
	fmt.Fprintln(w, line)
}
