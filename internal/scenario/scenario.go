// Package scenario synthesizes spawn, pipe and write graphs that drive the
// scheduler through its hardest paths: pipes living across several spawn
// generations, converging writes and pipes created at the lowest common
// ancestor of the two VMs that use them.
package scenario

import (
	"github.com/me/vmsched/pkg/model"
)

// Spawn is one spawn-tree edge. Pipes lists, in creation order, every pipe
// index the parent hands to the child on the way down to its user.
type Spawn struct {
	From  uint64   `json:"from"`
	Child uint64   `json:"child"`
	Pipes []uint64 `json:"pipes"`
}

// Pipe is a pipe pair created by VM.
type Pipe struct {
	VM        uint64 `json:"vm"`
	ReadPipe  uint64 `json:"read_pipe"`
	WritePipe uint64 `json:"write_pipe"`
}

// Write moves Data from VM From, through pipe index FromPipe, to VM To,
// which reads it from pipe index ToPipe.
type Write struct {
	From     uint64      `json:"from"`
	FromPipe uint64      `json:"from_pipe"`
	To       uint64      `json:"to"`
	ToPipe   uint64      `json:"to_pipe"`
	Data     model.Bytes `json:"data"`
}

// Data is a generated scenario. Spawns are ordered breadth first, Pipes by
// creating VM and Writes by write-graph edge index.
type Data struct {
	Spawns []Spawn `json:"spawns"`
	Pipes  []Pipe  `json:"pipes"`
	Writes []Write `json:"writes"`
}

// VMs returns the number of VMs in the scenario, root included.
func (d *Data) VMs() int {
	return len(d.Spawns) + 1
}

// Parents returns parents[i], the parent of VM i. parents[0] is 0.
func (d *Data) Parents() []uint64 {
	parents := make([]uint64, d.VMs())
	for _, s := range d.Spawns {
		if s.Child < uint64(len(parents)) {
			parents[s.Child] = s.From
		}
	}
	return parents
}

// SpawnsBy returns the spawn edges issued by vm, in order.
func (d *Data) SpawnsBy(vm uint64) []Spawn {
	var out []Spawn
	for _, s := range d.Spawns {
		if s.From == vm {
			out = append(out, s)
		}
	}
	return out
}

// PipesAt returns the pipe pairs created by vm, in order.
func (d *Data) PipesAt(vm uint64) []Pipe {
	var out []Pipe
	for _, p := range d.Pipes {
		if p.VM == vm {
			out = append(out, p)
		}
	}
	return out
}

// LCA returns the lowest common ancestor of a and b in the tree described
// by parents (parents[0] is ignored; 0 is the root). Both chains are walked
// upward in lockstep, each side recording the nodes it has visited, until
// one side steps onto a node the other has already seen.
func LCA(parents []uint64, a, b uint64) uint64 {
	seenA := map[uint64]bool{a: true}
	seenB := map[uint64]bool{b: true}
	for {
		if seenB[a] {
			return a
		}
		if seenA[b] {
			return b
		}
		if a != 0 {
			a = parents[a]
			seenA[a] = true
		}
		if b != 0 {
			b = parents[b]
			seenB[b] = true
		}
	}
}

// Path returns the nodes from descendant up to, but excluding, ancestor.
// Each returned node names the spawn edge from its parent.
func Path(parents []uint64, descendant, ancestor uint64) []uint64 {
	var out []uint64
	for n := descendant; n != ancestor && n != 0; n = parents[n] {
		out = append(out, n)
	}
	return out
}
