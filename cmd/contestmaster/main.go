// Command contestmaster runs the master node of a Prologin-style contest
// match scheduler: it dispatches compile/match-server/player-client jobs
// to a worker fleet, tracks match state, and exposes an operator status
// view.
package main

import (
	"fmt"
	"os"

	"github.com/prologin-contest/contestmaster/internal/cli"
)

func main() {
	if err := cli.BuildMasterCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
