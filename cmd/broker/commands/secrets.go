package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/execbroker/broker/internal/vault"
)

// NewSecretsCmd is a local admin CLI for provisioning secrets without
// going through the chat "/add_secret" command or the HTTP admin
// endpoint.
func NewSecretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the local secret vault",
	}
	cmd.AddCommand(
		newSecretsListCmd(),
		newSecretsPutCmd(),
	)
	return cmd
}

func newSecretsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List provisioned secret names (values are never printed)",
		RunE:  runSecretsList,
	}
}

func newSecretsPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <name> <value>",
		Short: "Provision a secret value",
		Args:  cobra.ExactArgs(2),
		RunE:  runSecretsPut,
	}
}

func runSecretsList(cmd *cobra.Command, args []string) error {
	s, err := loadStore()
	if err != nil {
		return err
	}
	v := vault.New(s)
	if err := v.Hydrate(); err != nil {
		return fmt.Errorf("hydrate vault: %w", err)
	}
	names := v.List()
	if len(names) == 0 {
		fmt.Println("No secrets provisioned.")
		return nil
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func runSecretsPut(cmd *cobra.Command, args []string) error {
	s, err := loadStore()
	if err != nil {
		return err
	}
	v := vault.New(s)
	if err := v.Hydrate(); err != nil {
		return fmt.Errorf("hydrate vault: %w", err)
	}
	if err := v.Put(args[0], []byte(args[1])); err != nil {
		return fmt.Errorf("put secret: %w", err)
	}
	fmt.Printf("Stored secret %q.\n", args[0])
	return nil
}
