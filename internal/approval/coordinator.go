// Package approval implements the Approval Coordinator: the async,
// chat-driven state machine that turns an operator's button clicks and
// text replies into request-lifecycle transitions, secret collection
// and sandbox invocation.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/execbroker/broker/internal/bus"
	"github.com/execbroker/broker/internal/chat"
	"github.com/execbroker/broker/internal/notify"
	"github.com/execbroker/broker/internal/sandbox"
	"github.com/execbroker/broker/internal/store"
	"github.com/execbroker/broker/internal/trust"
	"github.com/execbroker/broker/internal/vault"
)

// secretDialogue tracks an in-flight "reply with a secret value"
// exchange, keyed by the handle of the prompt message that asked for
// it.
type secretDialogue struct {
	requestID string // empty for an out-of-band /add_secret, not tied to a request
	name      string
}

// Coordinator drives request approval end to end: it shapes and sends
// prompts, interprets operator responses, and hands approved requests
// to the sandbox once every declared secret is on hand.
type Coordinator struct {
	store        *store.Store
	trust        *trust.Cache
	vault        *vault.Vault
	sandbox      *sandbox.Executor
	notify       *notify.Emitter
	collaborator chat.Collaborator
	viewBaseURL  string

	now func() time.Time

	mu        sync.Mutex
	dialogues map[string]secretDialogue // prompt handle -> dialogue

	stopped chan struct{}
}

// New builds a coordinator wired to its dependencies. viewBaseURL is
// the externally reachable gateway base URL used to build the
// code-view link an approval prompt points the operator at. Nothing is
// started until Start is called.
func New(s *store.Store, t *trust.Cache, v *vault.Vault, sb *sandbox.Executor, n *notify.Emitter, collaborator chat.Collaborator, viewBaseURL string) *Coordinator {
	return &Coordinator{
		store:        s,
		trust:        t,
		vault:        v,
		sandbox:      sb,
		notify:       n,
		collaborator: collaborator,
		viewBaseURL:  strings.TrimRight(viewBaseURL, "/"),
		now:          time.Now,
		dialogues:    make(map[string]secretDialogue),
	}
}

// Start launches the chat collaborator and begins consuming its event
// stream in the background.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.collaborator.Start(ctx); err != nil {
		return fmt.Errorf("start collaborator: %w", err)
	}
	c.stopped = make(chan struct{})
	go c.consumeEvents(ctx)
	return nil
}

// Stop halts the chat collaborator and waits for the event loop to
// drain.
func (c *Coordinator) Stop() error {
	err := c.collaborator.Stop()
	if c.stopped != nil {
		<-c.stopped
	}
	return err
}

func (c *Coordinator) consumeEvents(ctx context.Context) {
	defer close(c.stopped)
	for ev := range c.collaborator.Events() {
		switch ev.Kind {
		case chat.EventButtonClick:
			c.handleButtonClick(ctx, ev)
		case chat.EventTextMessage:
			c.handleTextMessage(ctx, ev)
		}
	}
}

// HandleNewRequest shapes and sends the initial approval prompt for a
// freshly ingested request. The caller has already fetched the code,
// fingerprinted it and persisted the row in state pending.
func (c *Coordinator) HandleNewRequest(ctx context.Context, requestID string) error {
	req, err := c.store.Get(requestID)
	if err != nil {
		return fmt.Errorf("load request %s: %w", requestID, err)
	}

	decision, err := c.trust.Lookup(req.SkillURL, req.Fingerprint, c.now())
	if err != nil {
		return fmt.Errorf("lookup trust for %s: %w", requestID, err)
	}

	missing := c.vault.Missing(req.Secrets)
	keyboard := approvalKeyboard(requestID, decision.Trusted, missing)
	handle, err := c.collaborator.Send(ctx, c.approvalPromptText(req, decision.Trusted, missing), keyboard)
	if err != nil {
		return fmt.Errorf("send approval prompt: %w", err)
	}
	slog.Info("approval: prompt sent", "trace_id", bus.RequestIDFromContext(ctx), "request_id", requestID, "trusted", decision.Trusted)
	return c.store.AttachChatHandle(requestID, handle)
}

// approvalPromptText renders everything an operator needs to decide
// without leaving the chat: which secrets are already held versus
// still missing, the declared timeout and invocation arguments, the
// fingerprint, and a link to the code-view endpoint so the exact bytes
// can be inspected before approving.
func (c *Coordinator) approvalPromptText(req store.Request, trusted bool, missing []string) string {
	missingSet := make(map[string]bool, len(missing))
	for _, name := range missing {
		missingSet[name] = true
	}

	var b strings.Builder
	fmt.Fprintf(&b, "run %s?\n", req.SkillID)
	if len(req.Secrets) > 0 {
		parts := make([]string, len(req.Secrets))
		for i, name := range req.Secrets {
			status := "held"
			if missingSet[name] {
				status = "missing"
			}
			parts[i] = fmt.Sprintf("%s (%s)", name, status)
		}
		fmt.Fprintf(&b, "secrets: %s\n", strings.Join(parts, ", "))
	}
	if len(req.Args) > 0 {
		names := make([]string, 0, len(req.Args))
		for name := range req.Args {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, len(names))
		for i, name := range names {
			parts[i] = fmt.Sprintf("%s=%s", name, req.Args[name])
		}
		fmt.Fprintf(&b, "args: %s\n", strings.Join(parts, ", "))
	}
	if len(req.Network) > 0 {
		fmt.Fprintf(&b, "network: %s\n", strings.Join(req.Network, ", "))
	}
	fmt.Fprintf(&b, "timeout: %ds\n", req.Timeout)
	fmt.Fprintf(&b, "fingerprint: %s\n", req.Fingerprint)
	fmt.Fprintf(&b, "view: %s/view/%s", c.viewBaseURL, req.ID)
	if trusted {
		b.WriteString("\n(this code is already trusted)")
	}
	return b.String()
}

func approvalKeyboard(requestID string, trusted bool, missing []string) *chat.Keyboard {
	buttons := []chat.Button{
		{Text: "Approve once", Payload: chat.EncodeApprove(requestID, store.TrustOnce)},
		{Text: "Deny", Payload: chat.EncodeDeny(requestID)},
	}
	if !trusted {
		buttons = append(buttons, chat.Button{Text: "Trust this code", Payload: chat.EncodeApprove(requestID, store.TrustForever)})
	}
	for _, name := range missing {
		buttons = append(buttons, chat.Button{Text: fmt.Sprintf("Provide %s", name), Payload: chat.EncodeAddSecret(name, requestID)})
	}
	return chat.NewKeyboard(buttons...)
}

func (c *Coordinator) handleButtonClick(ctx context.Context, ev chat.Event) {
	payload, err := chat.ParsePayload(ev.Payload)
	if err != nil {
		slog.Warn("approval: dropping malformed button payload", "payload", ev.Payload, "error", err)
		return
	}

	switch payload.Action {
	case chat.ActionApprove:
		if len(payload.Args) < 2 {
			slog.Warn("approval: approve payload missing arguments", "payload", ev.Payload)
			return
		}
		c.handleApprove(ctx, payload.Args[0], store.TrustScope(payload.Args[1]))
	case chat.ActionDeny:
		if len(payload.Args) < 1 {
			slog.Warn("approval: deny payload missing request id", "payload", ev.Payload)
			return
		}
		c.handleDeny(ctx, payload.Args[0])
	case chat.ActionAddSecret:
		if len(payload.Args) < 1 {
			slog.Warn("approval: add_secret payload missing name", "payload", ev.Payload)
			return
		}
		name := payload.Args[0]
		requestID := ""
		if len(payload.Args) > 1 {
			requestID = payload.Args[1]
		}
		c.promptForSecret(ctx, name, requestID)
	default:
		// Unknown actions are tolerated per the chat channel's own
		// compatibility contract; there is nothing to do.
	}
}

func (c *Coordinator) handleApprove(ctx context.Context, requestID string, scope store.TrustScope) {
	req, err := c.store.Transition(requestID, store.StatusPending, store.StatusApproved, c.now())
	if err != nil {
		if err == store.ErrTransitionRejected {
			// A duplicate or late click on an already-decided request.
			// Only the first successful transition takes effect.
			return
		}
		slog.Error("approval: transition to approved failed", "request_id", requestID, "error", err)
		return
	}

	if scope == store.TrustForever {
		if err := c.trust.Grant(req.SkillURL, req.Fingerprint, store.TrustForever, c.now()); err != nil {
			slog.Error("approval: grant trust failed", "request_id", requestID, "error", err)
		}
	}

	missing := c.vault.Missing(req.Secrets)
	if len(missing) == 0 {
		go c.runExecution(context.Background(), requestID)
		return
	}

	if _, err := c.store.Transition(requestID, store.StatusApproved, store.StatusAwaitingSecrets, c.now()); err != nil {
		slog.Error("approval: transition to awaiting_secrets failed", "request_id", requestID, "error", err)
		return
	}
	c.promptForSecret(ctx, missing[0], requestID)
}

// deniableStatuses are the only states a deny may transition out of.
// In particular, an execution already in flight is not deniable: it
// runs to completion and its result must not be discarded.
var deniableStatuses = map[store.Status]bool{
	store.StatusPending:         true,
	store.StatusApproved:        true,
	store.StatusAwaitingSecrets: true,
}

func (c *Coordinator) handleDeny(ctx context.Context, requestID string) {
	req, err := c.store.Get(requestID)
	if err != nil {
		slog.Warn("approval: deny for unknown request", "request_id", requestID, "error", err)
		return
	}
	if !deniableStatuses[req.Status] {
		return
	}

	if _, err := c.store.Transition(requestID, req.Status, store.StatusDenied, c.now()); err != nil {
		if err == store.ErrTransitionRejected {
			return
		}
		slog.Error("approval: transition to denied failed", "request_id", requestID, "error", err)
		return
	}

	if req.ChatHandle != "" {
		_ = c.collaborator.Edit(ctx, req.ChatHandle, fmt.Sprintf("run %s? denied", req.SkillID), nil)
	}
	c.notify.Emit(ctx, requestID, string(store.StatusDenied), "denied by operator")
}

// promptForSecret asks the operator for one named secret value. When
// requestID is non-empty the prompt is tied to that request: either an
// approved request's secret-collection sequence or a "Provide" button on
// its approval prompt; an empty requestID marks a standalone
// pre-provisioning prompt with no approval side effect.
func (c *Coordinator) promptForSecret(ctx context.Context, name, requestID string) {
	text := fmt.Sprintf("reply with the value for secret %q", name)
	handle, err := c.collaborator.Send(ctx, text, nil)
	if err != nil {
		slog.Error("approval: send secret prompt failed", "name", name, "error", err)
		return
	}

	c.mu.Lock()
	c.dialogues[handle] = secretDialogue{requestID: requestID, name: name}
	c.mu.Unlock()
}

func (c *Coordinator) handleTextMessage(ctx context.Context, ev chat.Event) {
	if dialogue, ok := c.takeDialogue(ev.ReplyTo); ok {
		c.handleSecretReply(ctx, dialogue, ev)
		return
	}
	if name, value, ok := parseAddSecretCommand(ev.Text); ok {
		if err := c.vault.Put(name, []byte(value)); err != nil {
			slog.Error("approval: add_secret command failed", "name", name, "error", err)
		}
	}
}

func (c *Coordinator) takeDialogue(handle string) (secretDialogue, bool) {
	if handle == "" {
		return secretDialogue{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	dialogue, ok := c.dialogues[handle]
	if ok {
		delete(c.dialogues, handle)
	}
	return dialogue, ok
}

func (c *Coordinator) handleSecretReply(ctx context.Context, dialogue secretDialogue, ev chat.Event) {
	if err := c.vault.Put(dialogue.name, []byte(ev.Text)); err != nil {
		slog.Error("approval: store secret reply failed", "name", dialogue.name, "error", err)
		return
	}

	_ = c.collaborator.Delete(ctx, ev.ReplyTo)
	if ev.Handle != "" {
		_ = c.collaborator.Delete(ctx, ev.Handle)
	}

	if dialogue.requestID == "" {
		return
	}

	req, err := c.store.Get(dialogue.requestID)
	if err != nil {
		slog.Error("approval: reload request after secret reply failed", "request_id", dialogue.requestID, "error", err)
		return
	}

	// A secret can be volunteered from the approval prompt's own
	// "Provide" button before the request is approved. That only fills
	// the vault; it must not trigger execution ahead of an operator's
	// approve decision.
	if req.Status != store.StatusApproved && req.Status != store.StatusAwaitingSecrets {
		return
	}

	missing := c.vault.Missing(req.Secrets)
	if len(missing) > 0 {
		c.promptForSecret(ctx, missing[0], dialogue.requestID)
		return
	}
	go c.runExecution(context.Background(), dialogue.requestID)
}

// parseAddSecretCommand recognizes an out-of-band "/add_secret name
// value" text command that has no approval side effect.
func parseAddSecretCommand(text string) (name, value string, ok bool) {
	const prefix = "/add_secret "
	if !strings.HasPrefix(text, prefix) {
		return "", "", false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(text, prefix))
	fields := strings.SplitN(rest, " ", 2)
	if len(fields) != 2 || fields[0] == "" {
		return "", "", false
	}
	return fields[0], fields[1], true
}

// runExecution invokes the sandbox for an approved, fully-provisioned
// request and records the terminal outcome. Code is loaded from the
// store, never re-fetched, so the code an operator approved is exactly
// the code that runs.
func (c *Coordinator) runExecution(ctx context.Context, requestID string) {
	req, err := c.store.Transition(requestID, store.StatusApproved, store.StatusExecuting, c.now())
	if err != nil {
		if err == store.ErrTransitionRejected {
			// The request may be arriving via the awaiting_secrets path.
			req, err = c.store.Transition(requestID, store.StatusAwaitingSecrets, store.StatusExecuting, c.now())
		}
		if err != nil {
			slog.Error("approval: transition to executing failed", "request_id", requestID, "error", err)
			return
		}
	}

	code, err := c.store.LoadCode(requestID)
	if err != nil {
		c.failExecution(ctx, req, "launch-error", fmt.Sprintf("load code: %v", err))
		return
	}

	secrets := make(map[string]string, len(req.Secrets))
	for _, name := range req.Secrets {
		value, ok := c.vault.Get(name)
		if !ok {
			c.failExecution(ctx, req, "launch-error", fmt.Sprintf("secret %q missing at execution time", name))
			return
		}
		secrets[name] = string(value)
	}

	result, err := c.sandbox.Run(ctx, sandbox.Input{
		Code:        code,
		Fingerprint: req.Fingerprint,
		Secrets:     secrets,
		Args:        req.Args,
		Network:     req.Network,
		Timeout:     time.Duration(req.Timeout) * time.Second,
	})
	if err != nil {
		c.failExecution(ctx, req, "launch-error", err.Error())
		return
	}

	terminal := store.StatusCompleted
	if !result.Success {
		terminal = store.StatusFailed
	}
	storeResult := store.Result{
		Success:     result.Success,
		Stdout:      result.Stdout,
		Stderr:      result.Stderr,
		ExitCode:    result.ExitCode,
		DurationMS:  result.DurationMS,
		FailureKind: result.FailureKind,
	}
	if _, err := c.store.SetResult(requestID, terminal, storeResult, c.now()); err != nil {
		slog.Error("approval: persist execution result failed", "request_id", requestID, "error", err)
	}

	summary := executionSummary(storeResult)
	if req.ChatHandle != "" {
		_ = c.collaborator.Edit(ctx, req.ChatHandle, fmt.Sprintf("run %s: %s\n%s", req.SkillID, terminal, summary), nil)
	}
	c.notify.Emit(ctx, requestID, string(terminal), summary)
}

func (c *Coordinator) failExecution(ctx context.Context, req store.Request, failureKind, message string) {
	result := store.Result{Success: false, FailureKind: failureKind, Stderr: message}
	if _, err := c.store.SetResult(req.ID, store.StatusFailed, result, c.now()); err != nil {
		slog.Error("approval: persist failed execution result failed", "request_id", req.ID, "error", err)
	}
	if req.ChatHandle != "" {
		_ = c.collaborator.Edit(ctx, req.ChatHandle, fmt.Sprintf("run %s: failed\n%s", req.SkillID, message), nil)
	}
	c.notify.Emit(ctx, req.ID, string(store.StatusFailed), message)
}

func executionSummary(result store.Result) string {
	if result.Success {
		return fmt.Sprintf("exit %d (%dms)", result.ExitCode, result.DurationMS)
	}
	if result.FailureKind != "" {
		return fmt.Sprintf("%s (%dms)", result.FailureKind, result.DurationMS)
	}
	return fmt.Sprintf("exit %d (%dms)", result.ExitCode, result.DurationMS)
}
