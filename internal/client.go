package internal

import (
	tea "github.com/charmbracelet/bubbletea"

	"promptstats/internal/stats"
)

// RunClient launches the bubbletea program against facade. Every consumer
// the program activated is closed on the way out, however the program ends.
func RunClient(facade *stats.Facade, options ClientOptions) error {
	model := NewTUIModel(facade, options)
	defer model.closeAll()

	program := tea.NewProgram(model, tea.WithAltScreen())
	_, err := program.Run()
	return err
}
