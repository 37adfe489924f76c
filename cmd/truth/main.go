// Command truth is the command-line front end of the truth layer.
//
// Usage:
//
//	truth store --key import-1 --file contacts.json
//	truth entity <entity-id>
//	truth replay --format json
package main

import (
	"fmt"
	"os"

	"github.com/roach88/truthlayer/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		// Reported errors were already written in the requested format.
		if !cli.IsReported(err) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
