// Command broker runs the human-in-the-loop execution gateway.
package main

import (
	"fmt"
	"os"

	"github.com/execbroker/broker/cmd/broker/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
