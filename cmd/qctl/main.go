// Package main is the entry point for the qctl CLI.
// The CLI is the developer terminal tool for interacting with the qplane API.
package main

import (
	"os"

	"qplane/cmd/qctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
