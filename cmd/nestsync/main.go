// Command nestsync manages an offline-first sync workspace.
package main

import (
	"os"

	"github.com/kilupskalvis/nestsync/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
