package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// Multi fans a single Collaborator contract out over several backing
// collaborators (e.g. Telegram and the terminal console running side
// by side). A message sent through Multi is sent to every backend;
// the handle it returns encodes each backend's own handle so a later
// Edit or Delete can be routed back to the backend that issued it.
type Multi struct {
	children []Collaborator

	mu       sync.Mutex
	composed []map[string]string // child index -> child's own handle -> the full composite handle it belongs to

	events chan Event
	stopCh chan struct{}
}

// NewMulti builds a fan-out collaborator over the given backends.
// Order is preserved in composite handles, so it must stay stable for
// the lifetime of the process.
func NewMulti(children ...Collaborator) *Multi {
	composed := make([]map[string]string, len(children))
	for i := range composed {
		composed[i] = make(map[string]string)
	}
	return &Multi{
		children: children,
		composed: composed,
		events:   make(chan Event, 16),
		stopCh:   make(chan struct{}),
	}
}

// Start launches every backing collaborator and fans their event
// streams into Multi's own.
func (m *Multi) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	for i, child := range m.children {
		if err := child.Start(ctx); err != nil {
			return fmt.Errorf("chat: starting backend %d: %w", i, err)
		}
		wg.Add(1)
		go func(idx int, c Collaborator) {
			defer wg.Done()
			for ev := range c.Events() {
				ev.Handle = m.relabel(idx, ev.Handle)
				ev.ReplyTo = m.relabel(idx, ev.ReplyTo)
				select {
				case m.events <- ev:
				case <-m.stopCh:
					return
				}
			}
		}(i, child)
	}
	go func() {
		wg.Wait()
		close(m.events)
	}()
	return nil
}

// Stop halts every backing collaborator.
func (m *Multi) Stop() error {
	close(m.stopCh)
	var firstErr error
	for i, child := range m.children {
		if err := child.Stop(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("chat: stopping backend %d: %w", i, err)
		}
	}
	return firstErr
}

// Events returns the merged inbound event stream.
func (m *Multi) Events() <-chan Event {
	return m.events
}

// Send posts to every backend and returns a composite handle. A
// backend that fails to send is logged and skipped; Send only fails
// outright if every backend failed.
func (m *Multi) Send(ctx context.Context, text string, keyboard *Keyboard) (string, error) {
	var parts []string
	var issued []target
	for i, child := range m.children {
		h, err := child.Send(ctx, text, keyboard)
		if err != nil {
			slog.Error("chat: backend failed to send", "backend", i, "error", err)
			continue
		}
		issued = append(issued, target{idx: i, handle: h})
		parts = append(parts, m.compose(i, h))
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("chat: all backends failed to send")
	}
	composite := strings.Join(parts, "|")

	// Every backend's own handle for this message maps back to the same
	// composite, so an inbound event naming just that backend's handle
	// (a button click or a reply) relabels to the exact string the
	// caller stored as this message's handle.
	m.mu.Lock()
	for _, t := range issued {
		m.composed[t.idx][t.handle] = composite
	}
	m.mu.Unlock()

	return composite, nil
}

// Edit applies the update to every backend named in the composite
// handle. Best-effort: a single backend's failure does not fail the
// whole edit.
func (m *Multi) Edit(ctx context.Context, handle, text string, keyboard *Keyboard) error {
	targets, err := m.decompose(handle)
	if err != nil {
		return err
	}
	var firstErr error
	for _, t := range targets {
		if err := m.children[t.idx].Edit(ctx, t.handle, text, keyboard); err != nil {
			slog.Error("chat: backend failed to edit", "backend", t.idx, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil && len(targets) == 1 {
		return firstErr
	}
	return nil
}

// Delete removes the message on every backend named in the composite
// handle. Best-effort, per the Collaborator contract.
func (m *Multi) Delete(ctx context.Context, handle string) error {
	targets, err := m.decompose(handle)
	if err != nil {
		return err
	}
	for _, t := range targets {
		if err := m.children[t.idx].Delete(ctx, t.handle); err != nil {
			slog.Error("chat: backend failed to delete", "backend", t.idx, "error", err)
		}
	}

	m.mu.Lock()
	for _, t := range targets {
		delete(m.composed[t.idx], t.handle)
	}
	m.mu.Unlock()

	return nil
}

// relabel maps a backend's own handle back to the full composite
// handle Send returned for that message, so replies and clicks
// correlate with whatever the caller stored. Handles Multi never
// issued (an unsolicited inbound message with no prior Send) fall
// back to a single-part composite.
func (m *Multi) relabel(idx int, handle string) string {
	if handle == "" {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if composite, ok := m.composed[idx][handle]; ok {
		return composite
	}
	return m.compose(idx, handle)
}

func (m *Multi) compose(idx int, handle string) string {
	if handle == "" {
		return ""
	}
	return strconv.Itoa(idx) + ":" + handle
}

type target struct {
	idx    int
	handle string
}

func (m *Multi) decompose(composite string) ([]target, error) {
	var targets []target
	for _, part := range strings.Split(composite, "|") {
		idxStr, handle, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("chat: malformed composite handle %q", composite)
		}
		idx, err := strconv.Atoi(idxStr)
		if err != nil || idx < 0 || idx >= len(m.children) {
			return nil, fmt.Errorf("chat: malformed composite handle %q", composite)
		}
		targets = append(targets, target{idx: idx, handle: handle})
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("chat: empty handle")
	}
	return targets, nil
}
