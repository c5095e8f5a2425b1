package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/execbroker/broker/internal/approval"
	"github.com/execbroker/broker/internal/chat"
	"github.com/execbroker/broker/internal/chat/telegram"
	"github.com/execbroker/broker/internal/config"
	"github.com/execbroker/broker/internal/console"
	"github.com/execbroker/broker/internal/fetch"
	"github.com/execbroker/broker/internal/ingress"
	"github.com/execbroker/broker/internal/janitor"
	"github.com/execbroker/broker/internal/notify"
	"github.com/execbroker/broker/internal/sandbox"
	"github.com/execbroker/broker/internal/store"
	"github.com/execbroker/broker/internal/trust"
	"github.com/execbroker/broker/internal/vault"
)

// NewServeCmd starts the broker: ingress, approval coordinator, chat
// backend(s) and the background janitor, all running until interrupted.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the broker gateway",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	s := store.New(cfg.WorkspacePath())
	tr := trust.New(s)
	v := vault.New(s)
	if err := v.Hydrate(); err != nil {
		return fmt.Errorf("hydrate vault: %w", err)
	}

	collaborator, err := buildCollaborator(cfg.Chat)
	if err != nil {
		return fmt.Errorf("build chat collaborator: %w", err)
	}

	sb := sandbox.New(cfg.Sandbox)
	n := notify.New(cfg.Notify)
	coordinator := approval.New(s, tr, v, sb, n, collaborator, ingress.PublicBaseURL(cfg.Gateway))

	srv := ingress.New(cfg.Gateway, fetch.New(), s, v, coordinator)

	var j *janitor.Janitor
	if cfg.Janitor.Enabled {
		j = janitor.New(cfg.Janitor, tr, s)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := coordinator.Start(ctx); err != nil {
		return fmt.Errorf("start approval coordinator: %w", err)
	}
	if j != nil {
		j.Start()
	}

	if err := resumePendingPrompts(ctx, coordinator, s); err != nil {
		slog.Error("serve: failed to resume pending prompts", "error", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	slog.Info("broker serving", "addr", srv.Addr())

	select {
	case <-ctx.Done():
		slog.Info("serve: shutting down")
	case err := <-serveErr:
		if err != nil {
			slog.Error("serve: ingress server exited", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("serve: ingress shutdown failed", "error", err)
	}
	if j != nil {
		j.Stop()
	}
	if err := coordinator.Stop(); err != nil {
		slog.Error("serve: coordinator shutdown failed", "error", err)
	}

	return nil
}

// buildCollaborator wires up whichever chat backend(s) are enabled in
// configuration. Console and Telegram may run side by side over
// chat.NewMulti; if neither is enabled the console is used as a
// last-resort local operator surface.
func buildCollaborator(cfg config.ChatConfig) (chat.Collaborator, error) {
	var backends []chat.Collaborator

	if cfg.ConsoleEnabled {
		backends = append(backends, console.New())
	}
	if cfg.Telegram.Enabled {
		tg, err := telegram.New(cfg.Telegram)
		if err != nil {
			return nil, err
		}
		backends = append(backends, tg)
	}

	switch len(backends) {
	case 0:
		slog.Warn("serve: no chat backend enabled, defaulting to the console")
		return console.New(), nil
	case 1:
		return backends[0], nil
	default:
		return chat.NewMulti(backends...), nil
	}
}

// resumePendingPrompts re-sends approval prompts for requests that
// were left pending across a restart (their in-memory chat handle from
// the prior process is gone, but the request row survives).
func resumePendingPrompts(ctx context.Context, coordinator *approval.Coordinator, s *store.Store) error {
	pending, err := s.ListByStatus(store.StatusPending)
	if err != nil {
		return err
	}
	for _, req := range pending {
		if err := coordinator.HandleNewRequest(ctx, req.ID); err != nil {
			slog.Error("serve: failed to resume prompt", "request_id", req.ID, "error", err)
		}
	}
	return nil
}
