// Command contestworker runs a worker node: it executes compile, match
// server, and player client jobs on behalf of a master, reporting its
// liveness and capacity back via periodic heartbeats.
package main

import (
	"fmt"
	"os"

	"github.com/prologin-contest/contestmaster/internal/cli"
)

func main() {
	if err := cli.BuildWorkerCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
