// Package main is the entry point for the catalog-mirror CLI.
package main

import (
	"os"

	"github.com/kareemsasa3/catalog-mirror/cmd/catalog-mirror/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
