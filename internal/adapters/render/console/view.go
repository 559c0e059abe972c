package console

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/bnema/chatsync/internal/domain"
	"github.com/charmbracelet/lipgloss"
)

type RenderOptions struct {
	Now time.Time
}

func RenderChats(heads []domain.ChatHead, opts RenderOptions) (string, error) {
	return run(func(s styles) string {
		return chatsView(heads, opts, s)
	})
}

func RenderHistory(head domain.ChatHead, messages []domain.ChatMessage, opts RenderOptions) (string, error) {
	return run(func(s styles) string {
		return historyView(head, messages, opts, s)
	})
}

func RenderResources(kind domain.ResourceKind, items []domain.Resource, selected map[domain.ResourceID]bool) (string, error) {
	return run(func(s styles) string {
		return resourcesView(kind, items, selected, s)
	})
}

func RenderPending(records []domain.PendingWriteRecord, opts RenderOptions) (string, error) {
	return run(func(s styles) string {
		return pendingView(records, opts, s)
	})
}

func chatsView(heads []domain.ChatHead, opts RenderOptions, s styles) string {
	lines := []string{
		s.title.Render("Chats"),
		s.header.Render(fmt.Sprintf("chats: %d", len(heads))),
	}

	if len(heads) == 0 {
		lines = append(lines, s.empty.Render("No chats yet."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	for _, head := range heads {
		parts := []string{s.chat.Render(chatTitle(head))}
		meta := formatAge(head.CreatedAt, opts.Now)
		if head.Preview != "" {
			meta = fmt.Sprintf("%s  %s", meta, truncate(head.Preview, 60))
		}
		parts = append(parts, s.meta.Render(meta))
		lines = append(lines, s.section.Render(lipgloss.JoinVertical(lipgloss.Left, parts...)))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func historyView(head domain.ChatHead, messages []domain.ChatMessage, opts RenderOptions, s styles) string {
	lines := []string{
		s.title.Render(chatTitle(head)),
		s.header.Render(fmt.Sprintf("messages: %d", len(messages))),
	}

	if len(messages) == 0 {
		lines = append(lines, s.empty.Render("No messages yet."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	for _, msg := range messages {
		speaker := s.user.Render("you")
		if msg.Role == domain.RoleAssistant {
			speaker = s.assistant.Render("assistant")
		}

		header := lipgloss.JoinHorizontal(
			lipgloss.Top,
			speaker,
			" ",
			s.meta.Render(formatAge(time.UnixMilli(msg.Timestamp), opts.Now)),
		)
		if msg.Incomplete {
			header += " " + s.warning.Render("[incomplete]")
		}

		lines = append(lines, s.section.Render(lipgloss.JoinVertical(
			lipgloss.Left,
			header,
			s.detail.Render(msg.Content),
		)))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func resourcesView(kind domain.ResourceKind, items []domain.Resource, selected map[domain.ResourceID]bool, s styles) string {
	lines := []string{
		s.title.Render(kindTitle(kind)),
		s.header.Render(fmt.Sprintf("%s: %d", kind, len(items))),
	}

	if len(items) == 0 {
		lines = append(lines, s.empty.Render(fmt.Sprintf("No %s resources.", kind)))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	for _, item := range items {
		marker := " "
		if selected[item.ID] {
			marker = s.selected.Render("*")
		}

		flags := []string{string(item.Status)}
		if item.Persist {
			flags = append(flags, "persist")
		}

		line := lipgloss.JoinHorizontal(
			lipgloss.Top,
			marker,
			" ",
			s.chat.Render(item.Label()),
			" ",
			s.meta.Render(fmt.Sprintf("(%s) [%s]", item.ID, strings.Join(flags, ", "))),
		)
		if item.Status == domain.StatusFailed && item.Error != "" {
			line += " " + s.warning.Render(item.Error)
		}
		lines = append(lines, line)
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func pendingView(records []domain.PendingWriteRecord, opts RenderOptions, s styles) string {
	lines := []string{
		s.title.Render("Pending writes"),
		s.header.Render(fmt.Sprintf("records: %d", len(records))),
	}

	if len(records) == 0 {
		lines = append(lines, s.empty.Render("Buffer is empty."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	counts := map[domain.ChatKey]int{}
	oldest := map[domain.ChatKey]time.Time{}
	for _, rec := range records {
		key := rec.Key()
		counts[key]++
		if at, ok := oldest[key]; !ok || rec.ReceivedAt.Before(at) {
			oldest[key] = rec.ReceivedAt
		}
	}

	keys := make([]domain.ChatKey, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})

	for _, key := range keys {
		share := float64(counts[key]) / float64(len(records)) * 100
		lines = append(lines, lipgloss.JoinHorizontal(
			lipgloss.Top,
			s.chat.Render(key.String()),
			" ",
			renderProgressBar(share, 20, s),
			" ",
			s.detail.Render(fmt.Sprintf("%d pending", counts[key])),
			" ",
			s.meta.Render(fmt.Sprintf("(oldest %s)", formatAge(oldest[key], opts.Now))),
		))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderProgressBar(percent float64, width int, s styles) string {
	if width <= 0 {
		return ""
	}

	filled := int(math.Round(float64(width) * clampPercent(percent) / 100))
	if filled > width {
		filled = width
	}

	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.barBracket.Render("["),
		s.barFill.Render(strings.Repeat("=", filled)),
		s.barEmpty.Render(strings.Repeat("-", width-filled)),
		s.barBracket.Render("]"),
	)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func chatTitle(head domain.ChatHead) string {
	name := strings.TrimSpace(head.Name)
	if name == "" {
		return string(head.ChatID)
	}
	return fmt.Sprintf("%s (%s)", name, head.ChatID)
}

func kindTitle(kind domain.ResourceKind) string {
	switch kind {
	case domain.ResourceMemory:
		return "Memories"
	case domain.ResourceFile:
		return "Files"
	default:
		return "Resources"
	}
}

func truncate(text string, max int) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= max {
		return string(runes)
	}
	return string(runes[:max]) + "..."
}

func formatAge(at, now time.Time) string {
	if at.IsZero() {
		return "unknown"
	}
	if now.IsZero() {
		return at.UTC().Format(time.RFC3339)
	}

	elapsed := now.Sub(at)
	switch {
	case elapsed < time.Minute:
		return "just now"
	case elapsed < time.Hour:
		return plural(int(elapsed.Minutes()), "minute") + " ago"
	case elapsed < 24*time.Hour:
		return plural(int(elapsed.Hours()), "hour") + " ago"
	default:
		return at.Format("15:04 on 02 Jan")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
