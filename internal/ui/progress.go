package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/muurk/corsacota/internal/client"
)

// ProgressMsg carries an upload progress update into the model.
type ProgressMsg client.Progress

// FinishedMsg ends the upload display.
type FinishedMsg struct {
	Err error
}

// UploadModel is a Bubble Tea model showing upload progress.
type UploadModel struct {
	Label       string
	Progress    client.Progress
	Err         error
	Finished    bool
	Interrupted bool
	bar         progress.Model
}

// NewUploadModel creates the progress display for an image of total bytes.
func NewUploadModel(label string, total int64) UploadModel {
	return UploadModel{
		Label:    label,
		Progress: client.Progress{Total: total},
		bar: progress.New(
			progress.WithDefaultGradient(),
			progress.WithWidth(barWidth(GetTerminalWidth())),
		),
	}
}

// barWidth leaves room for the percentage and byte counts.
func barWidth(width int) int {
	return min(max(width-36, 20), 50)
}

// Init implements tea.Model
func (m UploadModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model
func (m UploadModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			m.Interrupted = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.bar.Width = barWidth(msg.Width)
	case ProgressMsg:
		m.Progress = client.Progress(msg)
	case FinishedMsg:
		m.Finished = true
		m.Err = msg.Err
		return m, tea.Quit
	}
	return m, nil
}

// View implements tea.Model
func (m UploadModel) View() string {
	var b strings.Builder

	if m.Label != "" {
		b.WriteString(ProgressLabelStyle.Render(m.Label))
		b.WriteString("\n\n")
	}

	p := m.Progress
	line := fmt.Sprintf("%s  %3.0f%%  %s",
		m.bar.ViewAs(p.Percent()),
		p.Percent()*100,
		ProgressNoteStyle.Render(fmt.Sprintf("%s / %s", FormatBytes(p.Acked), FormatBytes(p.Total))),
	)
	b.WriteString(lipgloss.NewStyle().PaddingLeft(2).Render(line))
	b.WriteString("\n")

	if p.Sent > p.Acked && !p.Done {
		b.WriteString(ProgressLabelStyle.Render(ProgressNoteStyle.Render(fmt.Sprintf("sent %s, waiting for confirmation", FormatBytes(p.Sent)))))
		b.WriteString("\n")
	}
	return b.String()
}

// FormatBytes renders a byte count with a binary unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGT"[exp])
}
