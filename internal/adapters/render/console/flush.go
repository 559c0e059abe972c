package console

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// FlushSummary is what one flush did to the pending buffer.
type FlushSummary struct {
	Records       int
	Groups        int
	Flushed       int
	FlushedGroups int
	Quarantined   int
	Failed        []FailedGroup
	Elapsed       time.Duration
}

type FailedGroup struct {
	Chat string
	Err  string
}

func RenderFlush(summary FlushSummary) (string, error) {
	return run(func(s styles) string {
		return flushView(summary, s)
	})
}

func flushView(summary FlushSummary, s styles) string {
	lines := []string{s.title.Render("Flush")}
	if summary.Records == 0 {
		lines = append(lines, s.empty.Render("Buffer is empty."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	percent := float64(summary.Flushed) * 100 / float64(summary.Records)
	lines = append(lines,
		s.header.Render(fmt.Sprintf("flushed %d of %d records in %d groups", summary.Flushed, summary.Records, summary.FlushedGroups)),
		fmt.Sprintf("%s %s", renderProgressBar(percent, 20, s), s.meta.Render(fmt.Sprintf("%.0f%%  took %s", clampPercent(percent), summary.Elapsed.Round(time.Millisecond)))),
	)

	if summary.Quarantined > 0 {
		lines = append(lines, s.warning.Render(fmt.Sprintf("%s quarantined", plural(summary.Quarantined, "record"))))
	}
	for _, failed := range summary.Failed {
		lines = append(lines, s.warning.Render(fmt.Sprintf("%s kept: %s", failed.Chat, failed.Err)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
