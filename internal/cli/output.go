package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/me/vmsched/internal/scenario"
	"github.com/me/vmsched/pkg/model"
)

// printScenario dumps the pipes, spawns and writes of a scenario.
func printScenario(w io.Writer, d *scenario.Data) {
	for _, p := range d.Pipes {
		fmt.Fprintf(w, "VM %d creates read pipe %d, write pipe %d\n", p.VM, p.ReadPipe, p.WritePipe)
	}
	for _, s := range d.Spawns {
		fmt.Fprintf(w, "VM %d spawns VM %d, passed pipes: %s\n", s.From, s.Child, formatIndices(s.Pipes))
	}
	for _, wr := range d.Writes {
		fmt.Fprintf(w, "VM %d writes %d bytes to pipe %d, read by VM %d from pipe %d\n",
			wr.From, len(wr.Data), wr.FromPipe, wr.To, wr.ToPipe)
	}
}

func formatIndices(v []uint64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatUint(x, 10)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// printGroups renders per-group reports as a table.
func printGroups(w io.Writer, groups []model.GroupReport) {
	if len(groups) == 0 {
		return
	}
	fmt.Fprintf(w, "%-5s  %-66s  %4s  %15s  %5s  %8s\n", "TYPE", "HASH", "EXIT", "CYCLES", "ITERS", "SUSPENDS")
	for _, g := range groups {
		fmt.Fprintf(w, "%-5s  %-66s  %4d  %15s  %5d  %8d\n",
			g.Type, g.Hash, g.ExitCode, humanize.Comma(int64(g.Cycles)), g.Iterations, g.Suspends)
		if g.Error != "" {
			fmt.Fprintf(w, "       error: %s\n", g.Error)
		}
	}
}

// printVerification renders a stored verification.
func printVerification(w io.Writer, v *model.Verification) {
	fmt.Fprintf(w, "Verification: %s\n", v.ID)
	fmt.Fprintf(w, "  Tx hash:  %s\n", v.TxHash)
	fmt.Fprintf(w, "  State:    %s\n", v.State)
	if v.State.IsTerminal() {
		fmt.Fprintf(w, "  Cycles:   %s\n", humanize.Comma(int64(v.Cycles)))
	}
	if v.Error != "" {
		fmt.Fprintf(w, "  Error:    %s\n", v.Error)
	}
	fmt.Fprintf(w, "  Created:  %s (%s)\n", v.CreatedAt.Format("2006-01-02 15:04:05"), humanize.Time(v.CreatedAt))
	if v.CompletedAt != nil {
		fmt.Fprintf(w, "  Completed: %s\n", v.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	printGroups(w, v.Groups)
}
