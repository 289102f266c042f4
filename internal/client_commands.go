package internal

import (
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"promptstats/internal/stats"
)

type (
	statsMsg struct {
		widget int
		stats  stats.GlobalStats
	}
	generationDoneMsg struct{ prompt int }
)

// waitForStatsCmd blocks until the widget's consumer has something new. The
// update loop re-arms it after every message; it yields nil once the widget
// is closed.
func waitForStatsCmd(widget *statsWidget) tea.Cmd {
	return func() tea.Msg {
		select {
		case s := <-widget.feed:
			return statsMsg{widget: widget.id, stats: s}
		case <-widget.done:
			return nil
		}
	}
}

// generateCmd stands in for a model call.
func generateCmd(prompt int, delay time.Duration) tea.Cmd {
	return tea.Tick(delay, func(time.Time) tea.Msg {
		return generationDoneMsg{prompt: prompt}
	})
}

func simulatedReply(prompt string) string {
	words := len(strings.Fields(prompt))
	switch {
	case words == 0:
		return "…"
	case words < 8:
		return "Short and sweet. Counted."
	default:
		return "That one took some thinking. Counted."
	}
}
