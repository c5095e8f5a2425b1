// Package console implements the chat.Collaborator contract as an
// interactive terminal UI, so the broker can run entirely locally
// without a Telegram bot token configured.
package console

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/execbroker/broker/internal/chat"
)

// Channel is a terminal-based chat collaborator backed by a bubbletea
// program running in its own goroutine.
type Channel struct {
	program *tea.Program
	events  chan chat.Event
	done    chan struct{}
}

// New builds a console collaborator. The terminal UI is not started
// until Start is called.
func New() *Channel {
	return &Channel{
		events: make(chan chat.Event, 16),
		done:   make(chan struct{}),
	}
}

// Start launches the terminal UI in a background goroutine.
func (c *Channel) Start(ctx context.Context) error {
	m := newModel(c.events)
	c.program = tea.NewProgram(m, tea.WithAltScreen())

	go func() {
		defer close(c.done)
		_, _ = c.program.Run()
	}()

	go func() {
		<-ctx.Done()
		c.program.Quit()
	}()
	return nil
}

// Events returns the inbound event stream.
func (c *Channel) Events() <-chan chat.Event {
	return c.events
}

// Send renders a new card in the console and returns its handle.
func (c *Channel) Send(ctx context.Context, text string, keyboard *chat.Keyboard) (string, error) {
	if c.program == nil {
		return "", fmt.Errorf("console: not started")
	}
	handle := uuid.NewString()
	c.program.Send(addCardMsg{card: card{handle: handle, text: text, keyboard: keyboard}})
	return handle, nil
}

// Edit updates the card identified by handle in place.
func (c *Channel) Edit(ctx context.Context, handle, text string, keyboard *chat.Keyboard) error {
	if c.program == nil {
		return fmt.Errorf("console: not started")
	}
	c.program.Send(editCardMsg{handle: handle, text: text, keyboard: keyboard})
	return nil
}

// Delete removes the card identified by handle.
func (c *Channel) Delete(ctx context.Context, handle string) error {
	if c.program == nil {
		return fmt.Errorf("console: not started")
	}
	c.program.Send(deleteCardMsg{handle: handle})
	return nil
}

// Stop tears down the terminal UI and waits for it to exit.
func (c *Channel) Stop() error {
	if c.program == nil {
		close(c.events)
		return nil
	}
	c.program.Quit()
	<-c.done
	close(c.events)
	return nil
}
