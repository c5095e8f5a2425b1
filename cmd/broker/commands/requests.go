package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/execbroker/broker/internal/config"
	"github.com/execbroker/broker/internal/store"
	"github.com/execbroker/broker/internal/trust"
	"github.com/execbroker/broker/internal/vault"
)

// NewRequestsCmd is a CLI escape hatch for inspecting and deciding
// requests without a chat backend attached, useful for scripting and
// for recovering a request stuck waiting on an operator who is
// unreachable over chat.
func NewRequestsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "Inspect and decide execution requests",
	}
	cmd.AddCommand(
		newRequestsListCmd(),
		newRequestsApproveCmd(),
		newRequestsDenyCmd(),
	)
	return cmd
}

func newRequestsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests by status",
		RunE:  runRequestsList,
	}
	cmd.Flags().String("status", string(store.StatusPending), "Status to filter by")
	return cmd
}

func newRequestsApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending request from the command line",
		Args:  cobra.ExactArgs(1),
		RunE:  runRequestsApprove,
	}
	cmd.Flags().String("scope", string(store.TrustOnce), "Trust scope to grant: once|24h|forever")
	return cmd
}

func newRequestsDenyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deny <id>",
		Short: "Deny a request from the command line",
		Args:  cobra.ExactArgs(1),
		RunE:  runRequestsDeny,
	}
}

func loadStore() (*store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return store.New(cfg.WorkspacePath()), nil
}

func runRequestsList(cmd *cobra.Command, args []string) error {
	s, err := loadStore()
	if err != nil {
		return err
	}
	status, _ := cmd.Flags().GetString("status")

	requests, err := s.ListByStatus(store.Status(status))
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		fmt.Printf("No %s requests.\n", status)
		return nil
	}
	for _, req := range requests {
		fmt.Printf("%s\t%s\t%s\t%s\n", req.ID, req.SkillID, req.Status, req.CreatedAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func runRequestsApprove(cmd *cobra.Command, args []string) error {
	id := args[0]
	scopeFlag, _ := cmd.Flags().GetString("scope")
	scope := store.TrustScope(scopeFlag)

	s, err := loadStore()
	if err != nil {
		return err
	}

	req, err := s.Transition(id, store.StatusPending, store.StatusApproved, time.Now())
	if err != nil {
		return fmt.Errorf("approve %s: %w", id, err)
	}

	if scope == store.TrustForever || scope == store.Trust24h {
		if err := trust.New(s).Grant(req.SkillURL, req.Fingerprint, scope, time.Now()); err != nil {
			return fmt.Errorf("grant trust: %w", err)
		}
	}

	v := vault.New(s)
	if err := v.Hydrate(); err != nil {
		return fmt.Errorf("hydrate vault: %w", err)
	}
	if missing := v.Missing(req.Secrets); len(missing) > 0 {
		fmt.Printf("Approved %s. Still missing secrets: %v\n", id, missing)
		fmt.Println("Provision them with 'broker secrets put <name> <value>'. 'broker serve' and 'broker console' resume only pending requests, so this request is not executed automatically.")
		return nil
	}

	fmt.Printf("Approved %s. 'broker serve' and 'broker console' resume only pending requests, so this request is not executed automatically.\n", id)
	return nil
}

func runRequestsDeny(cmd *cobra.Command, args []string) error {
	id := args[0]
	s, err := loadStore()
	if err != nil {
		return err
	}
	req, err := s.Get(id)
	if err != nil {
		return err
	}
	switch req.Status {
	case store.StatusPending, store.StatusApproved, store.StatusAwaitingSecrets:
	default:
		return fmt.Errorf("deny %s: request is %s and can no longer be denied", id, req.Status)
	}
	if _, err := s.Transition(id, req.Status, store.StatusDenied, time.Now()); err != nil {
		return fmt.Errorf("deny %s: %w", id, err)
	}
	fmt.Printf("Denied %s.\n", id)
	return nil
}
