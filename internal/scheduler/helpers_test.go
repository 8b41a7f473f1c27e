package scheduler

import (
	"io"
	"log/slog"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/me/vmsched/internal/scenario"
	"github.com/me/vmsched/internal/vm"
	"github.com/me/vmsched/internal/vm/bytecode"
	"github.com/me/vmsched/internal/vm/replay"
)

type testTx struct {
	program   []byte
	cellDeps  [][]byte
	witnesses [][]byte
}

func (tx *testTx) Program() []byte    { return tx.program }
func (tx *testTx) ScriptArgs() []byte { return []byte("args") }

func (tx *testTx) LoadWitness(index uint64, _ vm.Source) ([]byte, error) {
	if index >= uint64(len(tx.witnesses)) {
		return nil, vm.ErrIndexOutOfBound
	}
	return tx.witnesses[index], nil
}

func (tx *testTx) LoadCellData(index uint64, source vm.Source) ([]byte, error) {
	if source != vm.SourceCellDep {
		return nil, vm.ErrItemMissing
	}
	if index >= uint64(len(tx.cellDeps)) {
		return nil, vm.ErrIndexOutOfBound
	}
	return tx.cellDeps[index], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry() *vm.Registry {
	return vm.NewRegistry(testLogger(), bytecode.NewLoader(), replay.NewLoader())
}

func newTestScheduler(t *testing.T, tx TxContext) *Scheduler {
	t.Helper()
	s, err := New(tx, testRegistry(), DefaultConfig(), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// scenarioTx replays a generated scenario: every VM runs the replay
// contract from cell dep 0, reading the scenario from witness 0.
func scenarioTx(p scenario.Params) *testTx {
	return &testTx{
		program:   replay.Program(),
		cellDeps:  [][]byte{replay.Program()},
		witnesses: [][]byte{scenario.Generate(p).Encode()},
	}
}

func bytecodeTx(root []byte, deps ...[]byte) *testTx {
	return &testTx{program: root, cellDeps: append([][]byte{root}, deps...)}
}

// runChunked drives tx to completion in runs of at most k cycles, checking
// that no run overshoots its budget and that the total never decreases.
// With suspend set, the scheduler is suspended and resumed between runs.
func runChunked(t *testing.T, tx TxContext, k uint64, suspend bool) (int8, uint64, error) {
	t.Helper()
	s := newTestScheduler(t, tx)
	for i := 0; ; i++ {
		before := s.ConsumedCycles()
		code, total, err := s.Run(LimitCycles(k))
		if total-before > k {
			t.Fatalf("run %d consumed %d cycles with a budget of %d", i, total-before, k)
		}
		if total < before {
			t.Fatalf("run %d: cycles went from %d to %d", i, before, total)
		}
		if !errors.Is(err, vm.ErrCyclesExceeded) {
			return code, total, err
		}
		if i > 1_000_000 {
			t.Fatal("no progress")
		}
		if !suspend {
			continue
		}
		st, err := s.Suspend()
		if err != nil {
			t.Fatalf("Suspend: %v", err)
		}
		s, err = Resume(tx, testRegistry(), DefaultConfig(), testLogger(), st)
		if err != nil {
			t.Fatalf("Resume: %v", err)
		}
		if s.ConsumedCycles() != total {
			t.Fatalf("resumed with %d cycles, suspended at %d", s.ConsumedCycles(), total)
		}
	}
}

const exitCall = uint64(vm.SysExit)

// exitWith is a program that exits with code.
func exitWith(code int32) []byte {
	return bytecode.NewBuilder().LI(0, code).Syscall(exitCall).MustBuild()
}

// spawnAndWait spawns cell dep 1 with no fds, joins it and exits with its
// exit code, or with the spawn status if the spawn fails.
func spawnAndWait(index int32, source vm.Source) []byte {
	return bytecode.NewBuilder().
		LA(9, "args").
		LA(8, "pid").
		SD(8, 9, 16).
		LI(0, index).
		LI(1, int32(source)).
		LI(2, 0).
		MOV(3, 9).
		Syscall(uint64(vm.SysSpawn)).
		Branch(bytecode.OpBNE, 0, 15, "out").
		LA(6, "pid").
		LD(0, 6, 0).
		LA(1, "code").
		Syscall(uint64(vm.SysWait)).
		Branch(bytecode.OpBNE, 0, 15, "out").
		LA(6, "code").
		LB(0, 6, 0).
		Label("out").
		Syscall(exitCall).
		Zero("args", 32).
		Zero("pid", 8).
		Zero("code", 8).
		MustBuild()
}

// pipeToChild creates a pipe, hands its write end to cell dep 1, reads
// what the child writes and exits with the number of bytes received.
func pipeToChild() []byte {
	return bytecode.NewBuilder().
		LA(0, "fds").
		Syscall(uint64(vm.SysPipe)).
		LA(9, "args").
		LA(8, "list").
		SD(8, 9, 24).
		LA(6, "fds").
		LD(10, 6, 8).
		SD(10, 8, 0).
		LI(0, 1).
		LI(1, int32(vm.SourceCellDep)).
		LI(2, 0).
		MOV(3, 9).
		Syscall(uint64(vm.SysSpawn)).
		LA(6, "fds").
		LD(0, 6, 0).
		LA(1, "buf").
		LA(2, "len").
		Syscall(uint64(vm.SysRead)).
		LA(6, "len").
		LD(0, 6, 0).
		Syscall(exitCall).
		Zero("fds", 16).
		Zero("args", 32).
		Words("list", 0, 0).
		Zero("buf", 16).
		Words("len", 16).
		MustBuild()
}

// inheritedWriter writes "abc" to its first inherited fd and exits 0.
func inheritedWriter() []byte {
	return bytecode.NewBuilder().
		LA(0, "fds").
		LA(1, "cap").
		Syscall(uint64(vm.SysInheritedFds)).
		LA(6, "fds").
		LD(0, 6, 0).
		LA(1, "msg").
		LA(2, "len").
		Syscall(uint64(vm.SysWrite)).
		LI(0, 0).
		Syscall(exitCall).
		Zero("fds", 8).
		Words("cap", 1).
		Data("msg", []byte("abc")).
		Words("len", 3).
		MustBuild()
}

// readOwnPipe creates a pipe, optionally closes its write end, then reads
// from it and exits with 10 plus the bytes read.
func readOwnPipe(closeWriter bool) []byte {
	b := bytecode.NewBuilder().
		LA(0, "fds").
		Syscall(uint64(vm.SysPipe))
	if closeWriter {
		b.LA(6, "fds").LD(0, 6, 8).Syscall(uint64(vm.SysClose))
	}
	return b.
		LA(6, "fds").
		LD(0, 6, 0).
		LA(1, "buf").
		LA(2, "len").
		Syscall(uint64(vm.SysRead)).
		LA(6, "len").
		LD(0, 6, 0).
		ADDI(0, 0, 10).
		Syscall(exitCall).
		Zero("fds", 16).
		Zero("buf", 8).
		Words("len", 8).
		MustBuild()
}
