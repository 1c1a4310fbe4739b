// Command qrzcheck is the operator's diagnostic tool for the reconciliation
// engine: it fetches or parses a logbook, shows and edits the stored
// credentials, inspects the queue and runs a single cycle on demand.
package main

import (
	"fmt"
	"os"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	app := newCLIApp(os.Stdout, os.Stderr)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
