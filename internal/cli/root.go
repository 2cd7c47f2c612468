// Package cli provides the command-line interface for manuscript.
package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/manuscript/internal/client"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	serverURL string
	noTUI     bool

	// apiClient is created before every command runs.
	apiClient *client.Client
)

// requestTimeout bounds single request/response commands.
const requestTimeout = 2 * time.Minute

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "manuscript",
	Short: "Resumable long-form content generation",
	Long: `Manuscript drives multi-step generation jobs on a manuscript server.

A job validates its brief, prepares an artifact repository, writes an
outline, drafts every section, compiles the result and adds front matter.
Jobs survive crashes: resume re-reads the repository and continues from
the first missing artifact.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		apiClient = client.New(serverURL)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (default $MANUSCRIPT_SERVER_URL or http://localhost:8585)")
	rootCmd.PersistentFlags().BoolVar(&noTUI, "plain", false, "disable the interactive progress view")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(progressCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(usageCmd)
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, requestTimeout)
}

// interactive reports whether stdout is a terminal the progress view can own.
func interactive(cmd *cobra.Command) bool {
	if noTUI {
		return false
	}
	f, ok := cmd.OutOrStdout().(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func notFound(kind, id string, err error) error {
	if client.IsNotFound(err) {
		return fmt.Errorf("%s not found: %s", kind, id)
	}
	return err
}
