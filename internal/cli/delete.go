package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/manuscript/internal/client"
)

var (
	deleteForce bool
)

var deleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job and its records",
	Long: `Delete a job together with its ledger, structure, entity mentions and log.

Artifacts in the job's repository are left untouched. Running jobs must be
paused first. Requires confirmation unless --force is used.

Examples:
  manuscript delete abc123
  manuscript delete abc123 --force`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func init() {
	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "skip confirmation")
}

func runDelete(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	ctx, cancel := commandContext(cmd)
	defer cancel()

	job, err := apiClient.GetJob(ctx, jobID)
	if err != nil {
		return notFound("job", jobID, err)
	}

	out := cmd.OutOrStdout()
	if !deleteForce {
		fmt.Fprintf(out, "About to delete: %s (%s, %s)\n", job.Title, job.ID, job.Status)
		fmt.Fprint(out, "\nContinue? [y/N]: ")

		reader := bufio.NewReader(cmd.InOrStdin())
		response, err := reader.ReadString('\n')
		if err != nil && response == "" {
			return fmt.Errorf("read input: %w", err)
		}
		response = strings.TrimSpace(strings.ToLower(response))

		if response != "y" && response != "yes" {
			fmt.Fprintln(out, "Cancelled.")
			return nil
		}
	}

	if err := apiClient.Delete(ctx, jobID); err != nil {
		if client.IsConflict(err) {
			return fmt.Errorf("job %s is running; pause it first", jobID)
		}
		return notFound("job", jobID, err)
	}

	fmt.Fprintf(out, "Deleted: %s\n", job.Title)
	return nil
}
