// ============================================================================
// Status Report Rendering
// ============================================================================
//
// Package: internal/cli
// File: status.go
// Purpose: Calls the master's status RPC and renders a human report.
// Grounded on internal/cli/cli.go's showStatus box-drawing report, redone
// with github.com/charmbracelet/lipgloss instead of hand-rolled
// box-drawing + emoji (same concern, a real styling library in its
// place), following getployz-ployz/cmd/ployz/ui's palette-as-package-vars
// convention.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/prologin-contest/contestmaster/internal/rpc"
	"github.com/prologin-contest/contestmaster/internal/rpcapi"
)

var (
	accentColor = lipgloss.Color("99")
	greenColor  = lipgloss.Color("76")
	yellowColor = lipgloss.Color("214")
	dimColor    = lipgloss.Color("243")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(accentColor)
	labelStyle = lipgloss.NewStyle().Foreground(dimColor)
	okStyle    = lipgloss.NewStyle().Foreground(greenColor)
	warnStyle  = lipgloss.NewStyle().Foreground(yellowColor)
)

func showMasterStatus(masterAddr string, secret []byte) error {
	client := rpc.NewClient(masterAddr, secret, 10*time.Second)

	var resp rpcapi.StatusResponse
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Call(ctx, rpcapi.MethodStatus, rpcapi.StatusRequest{}, &resp); err != nil {
		return fmt.Errorf("cli: fetch status from %s: %w", masterAddr, err)
	}

	fmt.Println(titleStyle.Render("Contest Master Status"))
	fmt.Println(labelStyle.Render(fmt.Sprintf("master: %s", masterAddr)))
	fmt.Println()

	fmt.Println(titleStyle.Render("Workers"))
	if len(resp.Workers) == 0 {
		fmt.Println(warnStyle.Render("  (none registered)"))
	}
	for _, w := range resp.Workers {
		fmt.Printf("  %s  slots %d/%d  tasks in flight %d\n",
			okStyle.Render(fmt.Sprintf("%s:%d", w.Hostname, w.Port)),
			w.CurrentSlots, w.MaxSlots, w.TasksInFlight)
	}
	fmt.Println()

	fmt.Println(titleStyle.Render("Queue"))
	fmt.Printf("  depth: %d\n", resp.QueueDepth)
	fmt.Println()

	fmt.Println(titleStyle.Render("Matches in flight"))
	if len(resp.InFlightMatches) == 0 {
		fmt.Println(labelStyle.Render("  (none)"))
	}
	for _, m := range resp.InFlightMatches {
		fmt.Printf("  %s  %s\n", m.MatchID, labelStyle.Render(m.Status))
	}

	return nil
}
