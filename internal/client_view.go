package internal

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"promptstats/internal/stats"
)

// pre styled colors, all lipgloss
var (
	appTitleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	modeStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("110"))
	statsBoxStyle   = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 2).MarginTop(1)
	footerBoxStyle  = statsBoxStyle.Copy().BorderForeground(lipgloss.Color("60"))
	statLabelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	statValueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).Bold(true)
	onlineStyle     = statValueStyle.Copy().Foreground(lipgloss.Color("42"))
	generatingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
	promptBoxStyle  = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	promptStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	replyStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).Italic(true)
	timestampStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	inputBoxStyle   = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	hintStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	dividerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
)

const maxVisiblePrompts = 8

func (model *TUIModel) View() string {
	title := lipgloss.JoinHorizontal(lipgloss.Center,
		appTitleStyle.Render("promptstats"),
		modeStyle.Render(model.options.ModeLabel+" mode"),
	)

	sections := []string{title}
	if model.header != nil {
		sections = append(sections, statsBoxStyle.Render(renderStats(model.header.current)))
	}
	sections = append(sections, model.renderPrompts())

	input := model.textInput.View()
	if model.generating {
		input = model.spinner.View() + " " + generatingStyle.Render("generating…")
	}
	sections = append(sections, inputBoxStyle.Render(input))

	if model.footer != nil {
		sections = append(sections, footerBoxStyle.Render(renderStats(model.footer.current)))
	}
	sections = append(sections, hintStyle.Render("enter) send  •  ctrl+t) second widget  •  esc) quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func renderStats(s stats.GlobalStats) string {
	parts := []string{
		statLabelStyle.Render("prompts ") + statValueStyle.Render(fmt.Sprintf("%d", s.TotalPrompts)),
		statLabelStyle.Render("online ") + onlineStyle.Render(fmt.Sprintf("%d", s.OnlineUsers)),
		statLabelStyle.Render("generating ") + generatingStyle.Render(fmt.Sprintf("%d", s.GeneratingUsers)),
	}
	return strings.Join(parts, dividerStyle)
}

func (model *TUIModel) renderPrompts() string {
	if len(model.prompts) == 0 {
		return promptBoxStyle.Render(timestampStyle.Render("No prompts yet."))
	}
	start := 0
	if len(model.prompts) > maxVisiblePrompts {
		start = len(model.prompts) - maxVisiblePrompts
	}
	lines := make([]string, 0, 2*(len(model.prompts)-start))
	for _, entry := range model.prompts[start:] {
		lines = append(lines, timestampStyle.Render(entry.at.Format("15:04:05"))+" "+promptStyle.Render(entry.text))
		if entry.done {
			lines = append(lines, "  "+replyStyle.Render(entry.reply))
		}
	}
	return promptBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}
