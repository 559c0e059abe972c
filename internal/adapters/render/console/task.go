package console

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

const taskBarWidth = 20

// Progress is advanced by a running task and read by the task view.
type Progress struct {
	unit  string
	done  atomic.Int64
	total atomic.Int64
}

func NewProgress(unit string) *Progress {
	return &Progress{unit: unit}
}

func (p *Progress) Set(done, total int) {
	p.total.Store(int64(total))
	p.done.Store(int64(done))
}

func (p *Progress) counts() (int, int) {
	return int(p.done.Load()), int(p.total.Load())
}

type taskFinishedMsg struct {
	err error
}

type taskModel struct {
	spinner  spinner.Model
	styles   styles
	label    string
	progress *Progress
	start    tea.Cmd
	err      error
	finished bool
}

func (m taskModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.start)
}

func (m taskModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case taskFinishedMsg:
		m.finished = true
		m.err = msg.err
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m taskModel) View() string {
	if m.finished {
		return ""
	}
	return taskLine(m.spinner.View(), m.label, m.progress, m.styles)
}

func taskLine(frame, label string, progress *Progress, s styles) string {
	parts := []string{frame, label}
	if progress != nil {
		if done, total := progress.counts(); total > 0 {
			parts = append(parts,
				renderProgressBar(float64(done)*100/float64(total), taskBarWidth, s),
				s.meta.Render(fmt.Sprintf("%d/%s", done, plural(total, progress.unit))),
			)
		}
	}
	return strings.Join(parts, " ")
}

// RunTask runs task while a spinner with label, and the task's progress
// when it reports any, is drawn on output. It returns the task's error.
func RunTask(ctx context.Context, output io.Writer, label string, progress *Progress, task func(context.Context) error) error {
	s := newStyles()
	m := taskModel{
		spinner:  spinner.New(spinner.WithSpinner(spinner.MiniDot), spinner.WithStyle(s.chat)),
		styles:   s,
		label:    label,
		progress: progress,
		start: func() tea.Msg {
			return taskFinishedMsg{err: task(ctx)}
		},
	}

	final, err := tea.NewProgram(m,
		tea.WithContext(ctx),
		tea.WithInput(nil),
		tea.WithOutput(output),
	).Run()
	if err != nil {
		return fmt.Errorf("run %q: %w", label, err)
	}

	result, ok := final.(taskModel)
	if !ok {
		return ErrUnexpectedRenderModel
	}
	return result.err
}
