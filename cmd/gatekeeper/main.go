// Package main provides the entry point for the gatekeeper CLI.
package main

import (
	"fmt"
	"os"

	"github.com/opencode-ai/gatekeeper/cmd/gatekeeper/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
