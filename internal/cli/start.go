package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/manuscript/internal/client"
)

var (
	startTitle    string
	startPremise  string
	startGenre    string
	startAudience string
	startUnits    int
	startSubUnits int
	startOwner    string
	startWatch    bool
	resumeWatch   bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new generation job",
	Long: `Start a new generation job.

The setup steps run before the command returns; outline and content
generation continue on the server.

Examples:
  manuscript start --title "Harbor Lights" --premise "A keeper finds a letter" --units 12 --subunits 3
  manuscript start --title "Field Notes" --premise "..." --units 4 --subunits 2 --watch`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume a stopped job from its artifacts",
	Long: `Resume a paused, failed or interrupted job.

The server compares the job's ledger with the artifacts in its repository
and continues from the first missing artifact. Ledger drift is reported.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

var pauseCmd = &cobra.Command{
	Use:   "pause <job-id>",
	Short: "Pause a job at its next step boundary",
	Args:  cobra.ExactArgs(1),
	RunE:  runPause,
}

func init() {
	startCmd.Flags().StringVarP(&startTitle, "title", "t", "", "working title (required)")
	startCmd.Flags().StringVarP(&startPremise, "premise", "p", "", "premise or brief (required)")
	startCmd.Flags().StringVar(&startGenre, "genre", "", "genre")
	startCmd.Flags().StringVar(&startAudience, "audience", "", "target audience")
	startCmd.Flags().IntVarP(&startUnits, "units", "u", 0, "number of units (chapters)")
	startCmd.Flags().IntVarP(&startSubUnits, "subunits", "s", 0, "sub-units (sections) per unit")
	startCmd.Flags().StringVar(&startOwner, "owner", "", "repository owner")
	startCmd.Flags().BoolVarP(&startWatch, "watch", "w", false, "follow progress until the job settles")
	_ = startCmd.MarkFlagRequired("title")
	_ = startCmd.MarkFlagRequired("premise")

	resumeCmd.Flags().BoolVarP(&resumeWatch, "watch", "w", false, "follow progress until the job settles")
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	jobID, err := apiClient.Start(ctx, client.StartInput{
		Title:           startTitle,
		Premise:         startPremise,
		Genre:           startGenre,
		Audience:        startAudience,
		UnitCount:       startUnits,
		SubUnitsPerUnit: startSubUnits,
		RepoOwner:       startOwner,
	})
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.JobID != "" {
			return fmt.Errorf("job %s failed during setup: %s (resume with 'manuscript resume %s')", apiErr.JobID, apiErr.Message, apiErr.JobID)
		}
		return fmt.Errorf("start job: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Started job %s\n", jobID)
	if !startWatch {
		fmt.Fprintf(out, "Use 'manuscript watch %s' to follow progress.\n", jobID)
		return nil
	}
	return followJob(cmd, jobID)
}

func runResume(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	ctx, cancel := commandContext(cmd)
	defer cancel()

	result, err := apiClient.Resume(ctx, jobID)
	if err != nil {
		if client.IsConflict(err) {
			return fmt.Errorf("job %s cannot be resumed: %w", jobID, err)
		}
		return notFound("job", jobID, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Resumed job %s from %s\n", jobID, result.ResumedFromStep)
	if result.DriftDetected {
		fmt.Fprintln(out, "  Ledger drift detected and repaired.")
	}
	if a := result.Analysis; a != nil && a.Rationale != "" {
		fmt.Fprintf(out, "  %s\n", a.Rationale)
	}

	if !resumeWatch {
		return nil
	}
	return followJob(cmd, jobID)
}

func runPause(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	ctx, cancel := commandContext(cmd)
	defer cancel()

	if err := apiClient.Pause(ctx, jobID); err != nil {
		return notFound("job", jobID, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pause requested for job %s\n", jobID)
	return nil
}
