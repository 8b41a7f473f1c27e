package replay

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/me/vmsched/internal/scenario"
)

type opKind uint8

const (
	opPipe opKind = iota
	opSpawn
	opWrite
	opRead
	opClose
	opWait
	opExit
)

// step is one action of the plan a VM derives from the scenario.
type step struct {
	kind  opKind
	pipe  scenario.Pipe
	spawn scenario.Spawn
	write scenario.Write
	// index is the pipe index closed by opClose, or the child slot joined
	// by opWait.
	index uint64
}

// plan lists the steps of VM self: create its pipes, spawn its children,
// perform and close its writes, perform and close its reads, join its
// children and exit.
func plan(d *scenario.Data, self uint64) []step {
	var steps []step
	for _, p := range d.PipesAt(self) {
		steps = append(steps, step{kind: opPipe, pipe: p})
	}
	children := d.SpawnsBy(self)
	for _, s := range children {
		steps = append(steps, step{kind: opSpawn, spawn: s})
	}
	for _, w := range d.Writes {
		if w.From == self {
			steps = append(steps,
				step{kind: opWrite, write: w},
				step{kind: opClose, index: w.FromPipe})
		}
	}
	for _, w := range d.Writes {
		if w.To == self {
			steps = append(steps,
				step{kind: opRead, write: w},
				step{kind: opClose, index: w.ToPipe})
		}
	}
	for i := range children {
		steps = append(steps, step{kind: opWait, index: uint64(i)})
	}
	return append(steps, step{kind: opExit})
}

// Arguments passed to a spawned VM: its scenario index followed by
// (pipe index, fd) pairs, each an 8-byte little-endian integer.

func encodeArgv(self uint64, fds map[uint64]uint64, pipes []uint64) [][]byte {
	argv := [][]byte{le(self)}
	for _, p := range pipes {
		argv = append(argv, le(p), le(fds[p]))
	}
	return argv
}

func decodeArgv(argv [][]byte) (self uint64, fds map[uint64]uint64, err error) {
	fds = make(map[uint64]uint64)
	if len(argv) == 0 {
		return 0, fds, nil
	}
	if len(argv)%2 != 1 {
		return 0, nil, errors.Newf("%d arguments, want an odd count", len(argv))
	}
	vals := make([]uint64, len(argv))
	for i, a := range argv {
		if len(a) != 8 {
			return 0, nil, errors.Newf("argument %d has %d bytes, want 8", i, len(a))
		}
		vals[i] = binary.LittleEndian.Uint64(a)
	}
	for i := 1; i < len(vals); i += 2 {
		fds[vals[i]] = vals[i+1]
	}
	return vals[0], fds, nil
}

func le(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}
