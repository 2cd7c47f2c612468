package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/raphaelgruber/manuscript/internal/client"
	"github.com/raphaelgruber/manuscript/internal/models"
)

var (
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FAFD7"))
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#00D787")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF005F")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6C6C6C"))
	hintStyle   = mutedStyle.Italic(true)
)

// snapshotMsg carries one update from the watch stream.
type snapshotMsg client.Snapshot

// streamEndMsg reports that the watch stream closed.
type streamEndMsg struct {
	err error
}

// progressModel renders a job's pipeline as a bar plus a per-step checklist.
type progressModel struct {
	jobID    string
	snap     *client.Snapshot
	bar      progress.Model
	done     bool
	detached bool
	err      error
}

func newProgressModel(jobID string) progressModel {
	return progressModel{
		jobID: jobID,
		bar:   progress.New(progress.WithDefaultBlend(), progress.WithWidth(40)),
	}
}

func (m progressModel) Init() tea.Cmd {
	return m.bar.Init()
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		if k := msg.String(); k == "ctrl+c" || k == "q" {
			m.detached = true
			return m, tea.Quit
		}

	case snapshotMsg:
		snap := client.Snapshot(msg)
		m.snap = &snap
		if !snap.Job.Status.Settled() {
			return m, nil
		}
		m.done = true
		m.err = jobFailure(&snap.Job)
		return m, tea.Quit

	case streamEndMsg:
		m.done = true
		if msg.err != nil && m.err == nil {
			m.err = fmt.Errorf("watch stream: %w", msg.err)
		}
		return m, tea.Quit

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.bar, cmd = m.bar.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	switch {
	case m.detached:
		return hintStyle.Render(fmt.Sprintf("\nJob %s keeps running on the server. Follow it again with 'manuscript watch %s'.\n", m.jobID, m.jobID))
	case m.done:
		return m.summary()
	case m.snap == nil:
		return mutedStyle.Render("Connecting to job "+m.jobID+"...") + "\n"
	}

	done, total := stepFraction(m.snap.Latest)
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\n\n",
		statusStyle.Render("["+string(m.snap.Job.Status)+"]"),
		m.bar.ViewAs(float64(done)/float64(total)),
		mutedStyle.Render(fmt.Sprintf("%d/%d", done, total)))
	for i, step := range models.Steps {
		mark := mutedStyle.Render("·")
		switch {
		case i < done:
			mark = doneStyle.Render("✓")
		case i == done && m.snap.Latest != nil && m.snap.Latest.Step == step:
			mark = statusStyle.Render("▸")
		}
		fmt.Fprintf(&b, "  %s %s\n", mark, step)
	}
	b.WriteString("\n" + hintStyle.Render("q or Ctrl+C detaches; the job keeps running") + "\n")
	return b.String()
}

func (m progressModel) summary() string {
	if m.err != nil {
		return failStyle.Render(fmt.Sprintf("\n✗ Job failed: %s\n", m.err)) +
			hintStyle.Render(fmt.Sprintf("Continue from the last artifact with 'manuscript resume %s'.", m.jobID)) + "\n"
	}
	if m.snap != nil && m.snap.Job.Status == models.JobPaused {
		at := ""
		if m.snap.Latest != nil {
			at = " at " + string(m.snap.Latest.Step)
		}
		return hintStyle.Render(fmt.Sprintf("\nJob %s paused%s.", m.jobID, at)) + "\n"
	}
	return doneStyle.Render("✓ Manuscript complete") + "\n"
}

// stepFraction returns how many pipeline steps the latest ledger entry
// shows as finished, out of all steps.
func stepFraction(latest *client.ProgressRecord) (done, total int) {
	total = len(models.Steps)
	if latest == nil {
		return 0, total
	}
	idx := latest.Step.Index()
	switch {
	case idx < 0:
		return 0, total
	case latest.Step == models.StepCompleted:
		return total, total
	case latest.Status == models.StepSucceeded:
		return idx + 1, total
	default:
		return idx, total
	}
}

// jobFailure returns the job's recorded error when it ended in error.
func jobFailure(job *client.Job) error {
	if job.Status != models.JobError {
		return nil
	}
	if job.Error != "" {
		return errors.New(job.Error)
	}
	return errors.New("job failed with unknown error")
}

// RunJobProgress shows the interactive progress view for a job until it
// settles or the user detaches. Returns the job's error when it failed.
func RunJobProgress(ctx context.Context, c *client.Client, jobID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newProgressModel(jobID))
	go func() {
		err := c.Watch(ctx, jobID, func(s client.Snapshot) error {
			p.Send(snapshotMsg(s))
			return nil
		})
		if ctx.Err() == nil {
			p.Send(streamEndMsg{err: err})
		}
	}()

	final, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress view: %w", err)
	}
	if m, ok := final.(progressModel); ok && !m.detached {
		return m.err
	}
	return nil
}
