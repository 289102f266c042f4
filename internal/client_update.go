package internal

import (
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		switch typedMessage.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			model.closeAll()
			return model, tea.Quit
		case tea.KeyCtrlT:
			return model, model.toggleFooter()
		case tea.KeyEnter:
			return model, model.submitPrompt()
		}
		var cmd tea.Cmd
		model.textInput, cmd = model.textInput.Update(typedMessage)
		return model, cmd

	case tea.WindowSizeMsg:
		model.width = typedMessage.Width
		return model, nil

	case statsMsg:
		widget := model.widget(typedMessage.widget)
		if widget == nil {
			// a widget that was switched off; its command is not re-armed
			return model, nil
		}
		widget.current = typedMessage.stats
		return model, waitForStatsCmd(widget)

	case generationDoneMsg:
		model.finishPrompt(typedMessage.prompt)
		return model, nil

	case spinner.TickMsg:
		if !model.generating {
			return model, nil
		}
		var cmd tea.Cmd
		model.spinner, cmd = model.spinner.Update(typedMessage)
		return model, cmd
	}
	return model, nil
}

func (model *TUIModel) widget(id int) *statsWidget {
	for _, widget := range []*statsWidget{model.header, model.footer} {
		if widget != nil && !widget.closed && widget.id == id {
			return widget
		}
	}
	return nil
}

// submitPrompt counts the prompt and flags this process as generating until
// the simulated reply lands. Only one prompt runs at a time.
func (model *TUIModel) submitPrompt() tea.Cmd {
	text := strings.TrimSpace(model.textInput.Value())
	if text == "" || model.generating || model.header == nil {
		return nil
	}
	model.textInput.SetValue("")
	model.nextPrompt++
	model.prompts = append(model.prompts, promptEntry{id: model.nextPrompt, text: text, at: time.Now()})
	model.generating = true

	consumer := model.header.consumer
	consumer.SetGenerating(true)
	consumer.IncrementPrompt()
	return tea.Batch(model.spinner.Tick, generateCmd(model.nextPrompt, model.options.GenerationDelay))
}

func (model *TUIModel) finishPrompt(id int) {
	for i := range model.prompts {
		if model.prompts[i].id == id && !model.prompts[i].done {
			model.prompts[i].done = true
			model.prompts[i].reply = simulatedReply(model.prompts[i].text)
		}
	}
	if !model.generating {
		return
	}
	model.generating = false
	if model.header != nil {
		model.header.consumer.SetGenerating(false)
	}
}

// toggleFooter switches the second stats widget on and off, joining and
// leaving the shared presence connection as it goes.
func (model *TUIModel) toggleFooter() tea.Cmd {
	if model.footer != nil && !model.footer.closed {
		model.footer.close()
		model.footer = nil
		return nil
	}
	var cmd tea.Cmd
	model.footer, cmd = model.activateWidget()
	return cmd
}
