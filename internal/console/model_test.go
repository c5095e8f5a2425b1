package console

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/execbroker/broker/internal/chat"
)

func TestAddCardAppendsAndRenders(t *testing.T) {
	events := make(chan chat.Event, 4)
	m := newModel(events)

	updated, _ := m.Update(addCardMsg{card: card{
		handle:   "h1",
		text:     "run weather-lookup?",
		keyboard: chat.NewKeyboard(chat.Button{Text: "Approve", Payload: "approve:h1:once"}),
	}})
	m = updated.(model)

	if len(m.cards) != 1 {
		t.Fatalf("expected 1 card, got %d", len(m.cards))
	}
	if !strings.Contains(m.renderCards(), "h1") {
		t.Fatal("expected rendered output to reference the card handle")
	}
}

func TestEnterEmitsButtonClick(t *testing.T) {
	events := make(chan chat.Event, 4)
	m := newModel(events)

	updated, _ := m.Update(addCardMsg{card: card{
		handle:   "h1",
		keyboard: chat.NewKeyboard(chat.Button{Text: "Approve", Payload: "approve:h1:once"}),
	}})
	m = updated.(model)

	m.handleKey(tea.KeyMsg{Type: tea.KeyEnter})

	select {
	case ev := <-events:
		if ev.Kind != chat.EventButtonClick || ev.Payload != "approve:h1:once" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected a button_click event to be emitted")
	}
}

func TestDeleteCardRemovesIt(t *testing.T) {
	events := make(chan chat.Event, 4)
	m := newModel(events)

	updated, _ := m.Update(addCardMsg{card: card{handle: "h1"}})
	m = updated.(model)
	updated, _ = m.Update(deleteCardMsg{handle: "h1"})
	m = updated.(model)

	if len(m.cards) != 0 {
		t.Fatalf("expected 0 cards after delete, got %d", len(m.cards))
	}
}

func TestReplyModeEmitsTextMessage(t *testing.T) {
	events := make(chan chat.Event, 4)
	m := newModel(events)

	updated, _ := m.Update(addCardMsg{card: card{handle: "h1"}})
	m = updated.(model)

	newM, _ := m.handleKey(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("a")})
	m = newM.(model)
	if m.mode != modeReply {
		t.Fatal("expected reply mode after pressing 'a'")
	}

	m.reply.SetValue("api-key-value")
	newM, _ = m.handleKey(tea.KeyMsg{Type: tea.KeyEnter})
	m = newM.(model)

	select {
	case ev := <-events:
		if ev.Kind != chat.EventTextMessage || ev.Text != "api-key-value" || ev.ReplyTo != "h1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected a text_message event to be emitted")
	}
	if m.mode != modeBrowse {
		t.Fatal("expected to return to browse mode after submitting")
	}
}
