package scenario

import (
	"slices"

	"github.com/cockroachdb/errors"
)

// Validate checks that d can be replayed: spawns form a tree rooted at VM
// 0, every write names VMs of that tree and the pipe indices of its edge,
// each pipe pair is created at the lowest common ancestor of its writer and
// reader, and every spawn edge threads exactly the pipes whose path from
// creation point to user crosses it.
func (d *Data) Validate() error {
	n := uint64(d.VMs())
	parents := make([]uint64, n)
	spawned := make([]bool, n)
	for i, s := range d.Spawns {
		if s.Child == 0 || s.Child >= n || spawned[s.Child] {
			return errors.Newf("spawn %d: bad child %d", i, s.Child)
		}
		if s.From >= s.Child || (s.From != 0 && !spawned[s.From]) {
			return errors.Newf("spawn %d: VM %d spawned before its parent %d", i, s.Child, s.From)
		}
		spawned[s.Child] = true
		parents[s.Child] = s.From
	}

	want := make(map[uint64][]uint64)
	created := make(map[[2]uint64]uint64)
	for e, w := range d.Writes {
		if w.From >= n || w.To >= n || w.From == w.To {
			return errors.Newf("write %d: bad endpoints %d -> %d", e, w.From, w.To)
		}
		if w.ToPipe != uint64(2*e) || w.FromPipe != uint64(2*e+1) {
			return errors.Newf("write %d: pipes %d/%d, want %d/%d", e, w.ToPipe, w.FromPipe, 2*e, 2*e+1)
		}
		if len(w.Data) == 0 || len(w.Data) > MaxPayload {
			return errors.Newf("write %d: payload of %d bytes", e, len(w.Data))
		}
		lca := LCA(parents, w.From, w.To)
		created[[2]uint64{w.ToPipe, w.FromPipe}] = lca
		for _, node := range Path(parents, w.From, lca) {
			want[node] = append(want[node], w.FromPipe)
		}
		for _, node := range Path(parents, w.To, lca) {
			want[node] = append(want[node], w.ToPipe)
		}
	}

	if len(d.Pipes) != len(d.Writes) {
		return errors.Newf("%d pipe pairs for %d writes", len(d.Pipes), len(d.Writes))
	}
	for i, p := range d.Pipes {
		lca, ok := created[[2]uint64{p.ReadPipe, p.WritePipe}]
		if !ok {
			return errors.Newf("pipe %d: no write uses pair %d/%d", i, p.ReadPipe, p.WritePipe)
		}
		if p.VM != lca {
			return errors.Newf("pipe %d: created at VM %d, lowest common ancestor is %d", i, p.VM, lca)
		}
		delete(created, [2]uint64{p.ReadPipe, p.WritePipe})
	}

	for i, s := range d.Spawns {
		got := slices.Clone(s.Pipes)
		exp := slices.Clone(want[s.Child])
		slices.Sort(got)
		slices.Sort(exp)
		if !slices.Equal(got, exp) {
			return errors.Newf("spawn %d: edge to VM %d threads %v, want %v", i, s.Child, s.Pipes, want[s.Child])
		}
	}
	return nil
}
