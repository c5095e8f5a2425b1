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

// NewConsoleCmd runs the broker with the terminal console forced as
// the sole chat backend, ignoring any Telegram configuration. Useful
// for a purely local run with no external chat dependency.
func NewConsoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Run the broker with the terminal console as the operator surface",
		RunE:  runConsole,
	}
}

func runConsole(cmd *cobra.Command, args []string) error {
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

	collaborator := console.New()
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
		slog.Error("console: failed to resume pending prompts", "error", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			slog.Error("console: ingress server exited", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("console: ingress shutdown failed", "error", err)
	}
	if j != nil {
		j.Stop()
	}
	return coordinator.Stop()
}
