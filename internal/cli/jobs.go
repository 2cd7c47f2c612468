package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/manuscript/internal/client"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List or inspect jobs",
	Long: `List all jobs or inspect a specific job by ID.

Examples:
  manuscript jobs           # List all jobs
  manuscript jobs abc123    # Show details for job abc123`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	if len(args) == 1 {
		job, err := apiClient.GetJob(ctx, args[0])
		if err != nil {
			return notFound("job", args[0], err)
		}
		printJob(cmd.OutOrStdout(), job)
		return nil
	}

	jobs, err := apiClient.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	printJobs(cmd.OutOrStdout(), jobs)
	return nil
}

func printJobs(w io.Writer, jobs []client.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found")
		return
	}

	fmt.Fprintf(w, "%-36s %-11s %-7s %-17s %s\n", "ID", "STATUS", "SIZE", "CREATED", "TITLE")
	fmt.Fprintln(w, "--------------------------------------------------------------------------------------------")
	for _, job := range jobs {
		size := fmt.Sprintf("%dx%d", job.UnitCount, job.SubUnitsPerUnit)
		fmt.Fprintf(w, "%-36s %-11s %-7s %-17s %s\n",
			job.ID, job.Status, size, job.CreatedAt.Local().Format("2006-01-02 15:04"), truncate(job.Title, 40))
	}
}

func printJob(w io.Writer, job *client.Job) {
	fmt.Fprintf(w, "Job: %s\n", job.ID)
	fmt.Fprintf(w, "  Title: %s\n", job.Title)
	fmt.Fprintf(w, "  Status: %s\n", job.Status)
	fmt.Fprintf(w, "  Layout: %d units x %d sub-units\n", job.UnitCount, job.SubUnitsPerUnit)
	if job.Genre != "" {
		fmt.Fprintf(w, "  Genre: %s\n", job.Genre)
	}
	if job.Audience != "" {
		fmt.Fprintf(w, "  Audience: %s\n", job.Audience)
	}
	if job.RepoName != "" {
		fmt.Fprintf(w, "  Repository: %s/%s\n", job.RepoOwner, job.RepoName)
	}
	fmt.Fprintf(w, "  Created: %s\n", job.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  Updated: %s\n", job.UpdatedAt.Format(time.RFC3339))
	if job.Error != "" {
		fmt.Fprintf(w, "  Error: %s\n", job.Error)
	}
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen < 4 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
