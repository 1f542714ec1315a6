// Command crdtsync runs a CRDT sync replica or relay.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/crdtsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
