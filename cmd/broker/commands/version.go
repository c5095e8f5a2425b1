package commands

import (
	"fmt"
	"runtime"

	"github.com/execbroker/broker/internal/version"
	"github.com/spf13/cobra"
)

// NewVersionCmd prints the broker's version.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the broker version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("broker %s %s/%s\n", version.Version, runtime.GOOS, runtime.GOARCH)
		},
	}
}
