package ui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/muurk/corsacota/internal/client"
)

// ErrInterrupted is returned when the user aborts an upload.
var ErrInterrupted = errors.New("interrupted")

// PushFunc performs an upload, reporting progress through the callback.
type PushFunc func(ctx context.Context, progress func(client.Progress)) error

// Printer provides methods for printing UI components to a writer.
type Printer struct {
	out   io.Writer
	width int
}

// NewPrinter creates a new Printer that writes to the given writer.
// If w is nil, os.Stdout is used.
func NewPrinter(w io.Writer) *Printer {
	if w == nil {
		w = os.Stdout
	}
	return &Printer{
		out:   w,
		width: GetTerminalWidth(),
	}
}

// Println writes content with a newline
func (p *Printer) Println(content string) {
	_, _ = fmt.Fprintln(p.out, content)
}

// PrintHeader prints a command header box
func (p *Printer) PrintHeader(title, command string, params ...Field) {
	h := NewHeader(title, command, params...)
	h.Width = p.width
	p.Println(h.Render())
}

// PrintSuccess prints a success result box
func (p *Printer) PrintSuccess(title string, details ...Field) {
	r := NewSuccessResult(title, details...)
	r.Width = p.width
	p.Println(r.Render())
}

// PrintError prints an error result box with troubleshooting tips
func (p *Printer) PrintError(title string, err error, troubleshooting ...string) {
	r := NewFailureResult(title, err, troubleshooting...)
	r.Width = p.width
	p.Println(r.Render())
}

// RunUpload runs push while displaying its progress. A terminal gets a live
// progress bar; any other writer gets a line per tenth of the image.
func (p *Printer) RunUpload(ctx context.Context, label string, total int64, push PushFunc) error {
	if !IsTerminal(p.out) {
		return p.runPlain(ctx, label, total, push)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	prog := tea.NewProgram(NewUploadModel(label, total), tea.WithOutput(p.out))

	result := make(chan error, 1)
	go func() {
		err := push(ctx, func(pr client.Progress) { prog.Send(ProgressMsg(pr)) })
		prog.Send(FinishedMsg{Err: err})
		result <- err
	}()

	final, err := prog.Run()
	if m, ok := final.(UploadModel); err != nil || (ok && m.Interrupted) {
		cancel()
		<-result
		if err != nil {
			return err
		}
		return ErrInterrupted
	}
	return <-result
}

func (p *Printer) runPlain(ctx context.Context, label string, total int64, push PushFunc) error {
	p.Println(fmt.Sprintf("%s (%s)", label, FormatBytes(total)))

	lastTenth := int64(-1)
	return push(ctx, func(pr client.Progress) {
		if pr.Total <= 0 {
			return
		}
		tenth := pr.Acked * 10 / pr.Total
		if tenth == lastTenth && !pr.Done {
			return
		}
		lastTenth = tenth
		p.Println(fmt.Sprintf("  %3.0f%%  %s / %s", pr.Percent()*100, FormatBytes(pr.Acked), FormatBytes(pr.Total)))
	})
}
