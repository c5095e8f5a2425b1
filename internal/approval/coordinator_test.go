package approval

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/execbroker/broker/internal/chat"
	"github.com/execbroker/broker/internal/config"
	"github.com/execbroker/broker/internal/notify"
	"github.com/execbroker/broker/internal/sandbox"
	"github.com/execbroker/broker/internal/store"
	"github.com/execbroker/broker/internal/trust"
	"github.com/execbroker/broker/internal/vault"
)

// fakeCollaborator is an in-process chat.Collaborator double: Send/Edit/
// Delete record calls, and tests drive the event stream directly via
// push instead of a real terminal or bot API.
type fakeCollaborator struct {
	mu       sync.Mutex
	sent     []string
	edited   []string
	deleted  []string
	sentKbs  []*chat.Keyboard
	handleAt int
	events   chan chat.Event
}

func newFakeCollaborator() *fakeCollaborator {
	return &fakeCollaborator{events: make(chan chat.Event, 16)}
}

func (f *fakeCollaborator) Send(ctx context.Context, text string, keyboard *chat.Keyboard) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handleAt++
	handle := "h" + itoa(f.handleAt)
	f.sent = append(f.sent, text)
	f.sentKbs = append(f.sentKbs, keyboard)
	return handle, nil
}

func (f *fakeCollaborator) Edit(ctx context.Context, handle, text string, keyboard *chat.Keyboard) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edited = append(f.edited, text)
	return nil
}

func (f *fakeCollaborator) Delete(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, handle)
	return nil
}

func (f *fakeCollaborator) Events() <-chan chat.Event { return f.events }
func (f *fakeCollaborator) Start(ctx context.Context) error { return nil }
func (f *fakeCollaborator) Stop() error {
	close(f.events)
	return nil
}

func (f *fakeCollaborator) push(ev chat.Event) {
	f.events <- ev
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func newFixture(t *testing.T) (*Coordinator, *store.Store, *vault.Vault, *fakeCollaborator) {
	t.Helper()
	s := store.New(t.TempDir())
	tr := trust.New(s)
	v := vault.New(s)
	sb := sandbox.New(config.SandboxConfig{
		Mode:           "direct",
		DefaultTimeout: 5,
		MemoryLimitMB:  256,
		CPULimit:       0.5,
		ScratchDir:     t.TempDir(),
		MaxOutputBytes: 4096,
	})
	n := notify.New(config.NotifyConfig{FallbackFile: t.TempDir() + "/notifications.log"})
	collaborator := newFakeCollaborator()
	c := New(s, tr, v, sb, n, collaborator, "http://127.0.0.1:8790")
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	t.Cleanup(func() { _ = c.Stop() })
	return c, s, v, collaborator
}

func createRequest(t *testing.T, s *store.Store, req store.Request) {
	t.Helper()
	if req.ID == "" {
		req.ID = store.NewRequestID()
	}
	if req.Status == "" {
		req.Status = store.StatusPending
	}
	if err := s.Create(req); err != nil {
		t.Fatalf("create request: %v", err)
	}
	if err := s.StoreCode(req.ID, []byte("echo HELLO\n")); err != nil {
		t.Fatalf("store code: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHandleNewRequestOffersFullPromptWhenUntrusted(t *testing.T) {
	c, s, _, collaborator := newFixture(t)
	req := store.Request{ID: store.NewRequestID(), SkillID: "hello", SkillURL: "https://example.test/hello.sh", Fingerprint: "fp-1", Timeout: 5}
	createRequest(t, s, req)

	if err := c.HandleNewRequest(context.Background(), req.ID); err != nil {
		t.Fatalf("HandleNewRequest error: %v", err)
	}

	got, err := s.Get(req.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.ChatHandle == "" {
		t.Fatal("expected chat handle to be attached")
	}
	if len(collaborator.sent) != 1 {
		t.Fatalf("expected exactly one prompt sent, got %d", len(collaborator.sent))
	}
	if len(collaborator.sentKbs[0].Rows[0]) != 3 {
		t.Fatalf("expected full keyboard with 3 buttons, got %d", len(collaborator.sentKbs[0].Rows[0]))
	}
}

func TestHandleNewRequestOffersLightweightPromptWhenTrusted(t *testing.T) {
	c, s, _, collaborator := newFixture(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	req := store.Request{ID: store.NewRequestID(), SkillID: "hello", SkillURL: "https://example.test/hello.sh", Fingerprint: "fp-1", Timeout: 5}
	createRequest(t, s, req)

	if err := c.trust.Grant(req.SkillURL, req.Fingerprint, store.TrustForever, now); err != nil {
		t.Fatalf("Grant error: %v", err)
	}

	if err := c.HandleNewRequest(context.Background(), req.ID); err != nil {
		t.Fatalf("HandleNewRequest error: %v", err)
	}
	if len(collaborator.sentKbs) != 1 || len(collaborator.sentKbs[0].Rows[0]) != 2 {
		t.Fatalf("expected the sent prompt to carry the lightweight 2-button keyboard, got %+v", collaborator.sentKbs)
	}

	keyboard := approvalKeyboard(req.ID, true, nil)
	if len(keyboard.Rows[0]) != 2 {
		t.Fatalf("expected lightweight keyboard with 2 buttons, got %d", len(keyboard.Rows[0]))
	}
}

func TestApprovalPromptIncludesViewLinkTimeoutArgsAndSecretStatus(t *testing.T) {
	c, s, v, collaborator := newFixture(t)
	if err := v.Put("K", []byte("shh")); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	req := store.Request{
		ID:          store.NewRequestID(),
		SkillID:     "hello",
		SkillURL:    "https://example.test/hello.sh",
		Fingerprint: "fp-1",
		Secrets:     []string{"K", "M"},
		Args:        map[string]string{"CITY": "pdx"},
		Timeout:     5,
	}
	createRequest(t, s, req)

	if err := c.HandleNewRequest(context.Background(), req.ID); err != nil {
		t.Fatalf("HandleNewRequest error: %v", err)
	}

	if len(collaborator.sent) != 1 {
		t.Fatalf("expected exactly one prompt sent, got %d", len(collaborator.sent))
	}
	text := collaborator.sent[0]
	for _, want := range []string{
		"K (held)",
		"M (missing)",
		"args: CITY=pdx",
		"timeout: 5s",
		"view: http://127.0.0.1:8790/view/" + req.ID,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected prompt to contain %q, got %q", want, text)
		}
	}
}

func TestProvideSecretButtonBeforeApprovalDoesNotTriggerExecution(t *testing.T) {
	c, s, v, collaborator := newFixture(t)
	req := store.Request{ID: store.NewRequestID(), SkillID: "hello", SkillURL: "https://example.test/hello.sh", Fingerprint: "fp-1", Secrets: []string{"K"}, Timeout: 5}
	createRequest(t, s, req)

	c.handleButtonClick(context.Background(), chat.Event{Kind: chat.EventButtonClick, Payload: chat.EncodeAddSecret("K", req.ID)})

	c.mu.Lock()
	var promptHandle string
	for h, d := range c.dialogues {
		if d.requestID == req.ID && d.name == "K" {
			promptHandle = h
		}
	}
	c.mu.Unlock()
	if promptHandle == "" {
		t.Fatal("expected the add_secret button to register a secret dialogue")
	}

	collaborator.push(chat.Event{Kind: chat.EventTextMessage, ReplyTo: promptHandle, Handle: "reply-1", Text: "v1"})

	waitFor(t, func() bool {
		value, ok := v.Get("K")
		return ok && string(value) == "v1"
	})

	got, err := s.Get(req.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Status != store.StatusPending {
		t.Fatalf("expected request to remain pending until approved, got %s", got.Status)
	}
	if got.Result != nil {
		t.Fatal("expected no execution to have run before approval")
	}
}

func TestApproveOnceRunsSandboxAndCompletes(t *testing.T) {
	c, s, _, collaborator := newFixture(t)
	req := store.Request{ID: store.NewRequestID(), SkillID: "hello", SkillURL: "https://example.test/hello.sh", Fingerprint: "fp-1", Timeout: 5}
	createRequest(t, s, req)
	if err := s.AttachChatHandle(req.ID, "h1"); err != nil {
		t.Fatalf("AttachChatHandle error: %v", err)
	}

	c.handleApprove(context.Background(), req.ID, store.TrustOnce)

	waitFor(t, func() bool {
		got, err := s.Get(req.ID)
		return err == nil && got.Status.IsTerminal()
	})

	got, err := s.Get(req.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.Result == nil || strings.TrimSpace(got.Result.Stdout) != "HELLO" {
		t.Fatalf("unexpected result: %+v", got.Result)
	}
	if len(collaborator.edited) == 0 {
		t.Fatal("expected the approval prompt to be edited with the outcome")
	}
}

func TestDoubleClickApproveIsIdempotent(t *testing.T) {
	c, s, _, _ := newFixture(t)
	req := store.Request{ID: store.NewRequestID(), SkillID: "hello", SkillURL: "https://example.test/hello.sh", Fingerprint: "fp-1", Timeout: 5}
	createRequest(t, s, req)

	c.handleApprove(context.Background(), req.ID, store.TrustOnce)
	c.handleApprove(context.Background(), req.ID, store.TrustOnce)

	waitFor(t, func() bool {
		got, err := s.Get(req.ID)
		return err == nil && got.Status.IsTerminal()
	})

	got, err := s.Get(req.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestApproveGrantingForeverPersistsTrust(t *testing.T) {
	c, s, _, _ := newFixture(t)
	req := store.Request{ID: store.NewRequestID(), SkillID: "hello", SkillURL: "https://example.test/hello.sh", Fingerprint: "fp-1", Timeout: 5}
	createRequest(t, s, req)

	c.handleApprove(context.Background(), req.ID, store.TrustForever)

	waitFor(t, func() bool {
		got, err := s.Get(req.ID)
		return err == nil && got.Status.IsTerminal()
	})

	decision, err := c.trust.Lookup(req.SkillURL, req.Fingerprint, c.now())
	if err != nil {
		t.Fatalf("Lookup error: %v", err)
	}
	if !decision.Trusted || decision.Scope != store.TrustForever {
		t.Fatalf("expected a standing forever trust grant, got %+v", decision)
	}
}

func TestDenyTransitionsFromPending(t *testing.T) {
	c, s, _, collaborator := newFixture(t)
	req := store.Request{ID: store.NewRequestID(), SkillID: "hello", SkillURL: "https://example.test/hello.sh", Fingerprint: "fp-1", Timeout: 5}
	createRequest(t, s, req)
	if err := s.AttachChatHandle(req.ID, "h1"); err != nil {
		t.Fatalf("AttachChatHandle error: %v", err)
	}

	c.handleDeny(context.Background(), req.ID)

	got, err := s.Get(req.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Status != store.StatusDenied {
		t.Fatalf("expected denied, got %s", got.Status)
	}
	if len(collaborator.edited) != 1 {
		t.Fatalf("expected one edit acknowledging denial, got %d", len(collaborator.edited))
	}
}

func TestDenyIsNoOpOnceExecuting(t *testing.T) {
	c, s, _, _ := newFixture(t)
	req := store.Request{ID: store.NewRequestID(), SkillID: "hello", SkillURL: "https://example.test/hello.sh", Fingerprint: "fp-1", Timeout: 5}
	createRequest(t, s, req)

	if _, err := s.Transition(req.ID, store.StatusPending, store.StatusApproved, time.Now()); err != nil {
		t.Fatalf("transition to approved: %v", err)
	}
	if _, err := s.Transition(req.ID, store.StatusApproved, store.StatusExecuting, time.Now()); err != nil {
		t.Fatalf("transition to executing: %v", err)
	}

	c.handleDeny(context.Background(), req.ID)

	got, err := s.Get(req.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Status != store.StatusExecuting {
		t.Fatalf("expected deny to be a no-op while executing, got %s", got.Status)
	}

	// The in-flight execution's result must still be recordable: deny
	// must not have consumed the executing->terminal transition.
	if _, err := s.SetResult(req.ID, store.StatusCompleted, store.Result{Success: true}, time.Now()); err != nil {
		t.Fatalf("SetResult after no-op deny: %v", err)
	}
}

func TestMissingSecretPromptsThenExecutes(t *testing.T) {
	c, s, v, collaborator := newFixture(t)
	req := store.Request{ID: store.NewRequestID(), SkillID: "hello", SkillURL: "https://example.test/hello.sh", Fingerprint: "fp-1", Secrets: []string{"K"}, Timeout: 5}
	createRequest(t, s, req)

	c.handleApprove(context.Background(), req.ID, store.TrustOnce)

	waitFor(t, func() bool {
		got, err := s.Get(req.ID)
		return err == nil && got.Status == store.StatusAwaitingSecrets
	})

	c.mu.Lock()
	var promptHandle string
	for h, d := range c.dialogues {
		if d.requestID == req.ID {
			promptHandle = h
		}
	}
	c.mu.Unlock()
	if promptHandle == "" {
		t.Fatal("expected a registered secret dialogue")
	}

	collaborator.push(chat.Event{Kind: chat.EventTextMessage, ReplyTo: promptHandle, Handle: "reply-1", Text: "v1"})

	waitFor(t, func() bool {
		got, err := s.Get(req.ID)
		return err == nil && got.Status.IsTerminal()
	})

	if value, ok := v.Get("K"); !ok || string(value) != "v1" {
		t.Fatalf("expected vault to hold K=v1, got %q ok=%v", value, ok)
	}

	got, err := s.Get(req.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}

	found := false
	for _, d := range collaborator.deleted {
		if d == promptHandle {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the secret prompt to be deleted after the reply was consumed")
	}
}

func TestAddSecretCommandHasNoApprovalSideEffect(t *testing.T) {
	c, s, v, _ := newFixture(t)
	req := store.Request{ID: store.NewRequestID(), SkillID: "hello", SkillURL: "https://example.test/hello.sh", Fingerprint: "fp-1", Secrets: []string{"K"}, Timeout: 5}
	createRequest(t, s, req)

	c.handleTextMessage(context.Background(), chat.Event{Kind: chat.EventTextMessage, Text: "/add_secret K pre-provisioned"})

	if value, ok := v.Get("K"); !ok || string(value) != "pre-provisioned" {
		t.Fatalf("expected vault to hold the pre-provisioned secret, got %q ok=%v", value, ok)
	}

	got, err := s.Get(req.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Status != store.StatusPending {
		t.Fatalf("expected request to remain pending, got %s", got.Status)
	}
}

func TestUnknownButtonActionIsTolerated(t *testing.T) {
	c, _, _, _ := newFixture(t)
	c.handleButtonClick(context.Background(), chat.Event{Kind: chat.EventButtonClick, Payload: "snooze:req-1"})
}
