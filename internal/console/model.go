package console

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/execbroker/broker/internal/chat"
)

// card is one message currently shown in the console, mirroring what a
// chat collaborator would render as a single message with an inline
// keyboard.
type card struct {
	handle   string
	text     string
	keyboard *chat.Keyboard
}

// addCardMsg, editCardMsg and deleteCardMsg let the owning Channel push
// state into the running bubbletea program from arbitrary goroutines,
// since tea.Program.Send is the only concurrency-safe entry point.
type addCardMsg struct{ card card }
type editCardMsg struct {
	handle   string
	text     string
	keyboard *chat.Keyboard
}
type deleteCardMsg struct{ handle string }

type mode int

const (
	modeBrowse mode = iota
	modeReply
)

type model struct {
	cards        []card
	cursor       int
	buttonCursor int
	mode         mode
	reply        textinput.Model
	viewport     viewport.Model
	renderer     *glamour.TermRenderer
	width        int
	height       int
	events       chan<- chat.Event
	quitting     bool
}

func newModel(events chan<- chat.Event) model {
	reply := textinput.New()
	reply.Placeholder = "secret value"
	reply.EchoMode = textinput.EchoPassword
	reply.CharLimit = 4096

	renderer, _ := glamour.NewTermRenderer(glamour.WithAutoStyle())

	return model{
		reply:    reply,
		viewport: viewport.New(80, 20),
		renderer: renderer,
		events:   events,
	}
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = msg.Height - 4
		m.syncViewport()
		return m, nil

	case addCardMsg:
		m.cards = append(m.cards, msg.card)
		m.syncViewport()
		return m, nil

	case editCardMsg:
		for i := range m.cards {
			if m.cards[i].handle == msg.handle {
				m.cards[i].text = msg.text
				if msg.keyboard != nil {
					m.cards[i].keyboard = msg.keyboard
				}
			}
		}
		m.syncViewport()
		return m, nil

	case deleteCardMsg:
		filtered := m.cards[:0]
		for _, c := range m.cards {
			if c.handle != msg.handle {
				filtered = append(filtered, c)
			}
		}
		m.cards = filtered
		if m.cursor >= len(m.cards) {
			m.cursor = len(m.cards) - 1
		}
		m.syncViewport()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.mode == modeReply {
		switch msg.Type {
		case tea.KeyEsc:
			m.mode = modeBrowse
			m.reply.Blur()
			m.reply.SetValue("")
			return m, nil
		case tea.KeyEnter:
			handle := m.selectedHandle()
			value := m.reply.Value()
			m.mode = modeBrowse
			m.reply.Blur()
			m.reply.SetValue("")
			if handle != "" && value != "" {
				m.events <- chat.Event{
					Kind:    chat.EventTextMessage,
					Handle:  handle,
					ReplyTo: handle,
					Text:    value,
				}
			}
			return m, nil
		default:
			var cmd tea.Cmd
			m.reply, cmd = m.reply.Update(msg)
			return m, cmd
		}
	}

	switch msg.String() {
	case "ctrl+c", "q":
		m.quitting = true
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
			m.buttonCursor = 0
			m.syncViewport()
		}
	case "down", "j":
		if m.cursor < len(m.cards)-1 {
			m.cursor++
			m.buttonCursor = 0
			m.syncViewport()
		}
	case "left", "h":
		if m.buttonCursor > 0 {
			m.buttonCursor--
		}
	case "right", "l":
		if buttons := m.selectedButtons(); m.buttonCursor < len(buttons)-1 {
			m.buttonCursor++
		}
	case "a":
		if m.selectedHandle() != "" {
			m.mode = modeReply
			m.reply.Focus()
			return m, textinput.Blink
		}
	case "enter":
		buttons := m.selectedButtons()
		if m.buttonCursor < len(buttons) {
			m.events <- chat.Event{
				Kind:    chat.EventButtonClick,
				Handle:  m.selectedHandle(),
				Payload: buttons[m.buttonCursor].Payload,
			}
		}
	}
	return m, nil
}

func (m model) selectedHandle() string {
	if m.cursor < 0 || m.cursor >= len(m.cards) {
		return ""
	}
	return m.cards[m.cursor].handle
}

func (m model) selectedButtons() []chat.Button {
	if m.cursor < 0 || m.cursor >= len(m.cards) {
		return nil
	}
	var buttons []chat.Button
	kb := m.cards[m.cursor].keyboard
	if kb == nil {
		return nil
	}
	for _, row := range kb.Rows {
		buttons = append(buttons, row...)
	}
	return buttons
}

func (m *model) syncViewport() {
	m.viewport.SetContent(m.renderCards())
}

func (m model) renderCards() string {
	if len(m.cards) == 0 {
		return emptyStyle.Render("No pending requests.")
	}

	var b strings.Builder
	for i, c := range m.cards {
		style := cardStyle
		if i == m.cursor {
			style = selectedCardStyle
		}

		body := c.text
		if m.renderer != nil {
			if rendered, err := m.renderer.Render(c.text); err == nil {
				body = strings.TrimSpace(rendered)
			}
		}

		var buttonsLine string
		if c.keyboard != nil {
			var rendered []string
			idx := 0
			for _, row := range c.keyboard.Rows {
				for _, btn := range row {
					s := buttonStyle
					if i == m.cursor && idx == m.buttonCursor {
						s = selectedButtonStyle
					}
					rendered = append(rendered, s.Render(btn.Text))
					idx++
				}
			}
			buttonsLine = lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
		}

		content := body + "\n" + handleStyle.Render(fmt.Sprintf("[%s]", c.handle))
		if buttonsLine != "" {
			content += "\n" + buttonsLine
		}
		b.WriteString(style.Render(content))
		b.WriteString("\n")
	}
	return b.String()
}

func (m model) View() string {
	if m.quitting {
		return ""
	}
	header := headerStyle.Render("Execution Broker — Operator Console")

	if m.mode == modeReply {
		return header + "\n" + m.viewport.View() + "\n" + m.reply.View() + "\n" +
			helpStyle.Render("enter: submit secret · esc: cancel")
	}
	return header + "\n" + m.viewport.View() + "\n" +
		helpStyle.Render("↑/↓ select · ←/→ choose button · enter: confirm · a: add secret · q: quit")
}
