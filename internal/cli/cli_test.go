package cli

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestBuildMasterCLIHasRunAndStatus(t *testing.T) {
	root := BuildMasterCLI()
	names := commandNames(root)
	require.Contains(t, names, "run")
	require.Contains(t, names, "status")
}

func TestBuildWorkerCLIHasRunOnly(t *testing.T) {
	root := BuildWorkerCLI()
	names := commandNames(root)
	require.Contains(t, names, "run")
	require.NotContains(t, names, "status")
}

func commandNames(cmd *cobra.Command) []string {
	var out []string
	for _, c := range cmd.Commands() {
		out = append(out, c.Name())
	}
	return out
}
