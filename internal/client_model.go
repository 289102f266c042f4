package internal

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"promptstats/internal/stats"
)

const defaultGenerationDelay = 2 * time.Second

// ClientOptions tunes the terminal client.
type ClientOptions struct {
	// ModeLabel is shown in the header, e.g. "demo" or "secure".
	ModeLabel string
	// GenerationDelay is how long a simulated generation takes.
	GenerationDelay time.Duration
}

// tui model: one prompt box plus two independent stats widgets that share
// the process presence connection
type TUIModel struct {
	facade  *stats.Facade
	options ClientOptions

	textInput  textinput.Model
	spinner    spinner.Model
	prompts    []promptEntry
	generating bool
	nextPrompt int

	header *statsWidget
	footer *statsWidget
	nextID int

	width int
}

type promptEntry struct {
	id    int
	text  string
	reply string
	done  bool
	at    time.Time
}

// statsWidget is one activation of the stats view. Its consumer pushes into
// feed, which the program drains one snapshot at a time.
type statsWidget struct {
	id       int
	consumer *stats.Consumer
	feed     chan stats.GlobalStats
	done     chan struct{}
	closed   bool
	current  stats.GlobalStats
}

func NewTUIModel(facade *stats.Facade, options ClientOptions) *TUIModel {
	input := textinput.New()
	input.Placeholder = "Type a prompt…"
	input.CharLimit = 500
	input.Focus()
	input.Prompt = "> "

	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = generatingStyle

	if options.GenerationDelay <= 0 {
		options.GenerationDelay = defaultGenerationDelay
	}
	if options.ModeLabel == "" {
		options.ModeLabel = "demo"
	}

	return &TUIModel{
		facade:    facade,
		options:   options,
		textInput: input,
		spinner:   spin,
		prompts:   make([]promptEntry, 0, 16),
	}
}

func (model *TUIModel) Init() tea.Cmd {
	var cmd tea.Cmd
	model.header, cmd = model.activateWidget()
	return tea.Batch(textinput.Blink, cmd)
}

func (model *TUIModel) activateWidget() (*statsWidget, tea.Cmd) {
	model.nextID++
	widget := &statsWidget{
		id:      model.nextID,
		feed:    make(chan stats.GlobalStats, 1),
		done:    make(chan struct{}),
		current: stats.Baseline(),
	}
	widget.consumer = model.facade.Activate(context.Background(), widget.push)
	return widget, waitForStatsCmd(widget)
}

// push keeps only the newest snapshot in the feed. It runs on backend
// goroutines and must never block.
func (widget *statsWidget) push(s stats.GlobalStats) {
	for {
		select {
		case widget.feed <- s:
			return
		default:
		}
		select {
		case <-widget.feed:
		default:
		}
	}
}

// close runs on the update loop only.
func (widget *statsWidget) close() {
	if widget == nil || widget.closed {
		return
	}
	widget.closed = true
	widget.consumer.Close()
	close(widget.done)
}

// closeAll releases every consumer the model activated. Safe to call more
// than once.
func (model *TUIModel) closeAll() {
	if model.generating && model.header != nil {
		model.header.consumer.SetGenerating(false)
		model.generating = false
	}
	model.header.close()
	model.footer.close()
}
