package scheduler

import (
	"math"
	"slices"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/me/vmsched/internal/scenario"
	"github.com/me/vmsched/internal/vm"
	"github.com/me/vmsched/internal/vm/bytecode"
)

func runAll(t *testing.T, tx TxContext) (int8, uint64, error) {
	t.Helper()
	return newTestScheduler(t, tx).Run(LimitCycles(math.MaxUint64))
}

func TestRun_ExitCode(t *testing.T) {
	code, cycles, err := runAll(t, bytecodeTx(exitWith(7)))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 7 {
		t.Errorf("exit code = %d, want 7", code)
	}
	if want := uint64(2*bytecode.CostALU + bytecode.CostSyscall); cycles != want {
		t.Errorf("cycles = %d, want %d", cycles, want)
	}
}

func TestRun_AfterTerminationIsStable(t *testing.T) {
	s := newTestScheduler(t, bytecodeTx(exitWith(3)))
	code, cycles, err := s.Run(LimitCycles(math.MaxUint64))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	again, cycles2, err := s.Run(LimitCycles(math.MaxUint64))
	if err != nil || again != code || cycles2 != cycles {
		t.Errorf("second Run = (%d, %d, %v), want (%d, %d, nil)", again, cycles2, err, code, cycles)
	}
	if _, err := s.Suspend(); !errors.Is(err, ErrTerminated) {
		t.Errorf("Suspend error = %v, want ErrTerminated", err)
	}
}

func TestRun_SpawnAndJoin(t *testing.T) {
	code, _, err := runAll(t, bytecodeTx(spawnAndWait(1, vm.SourceCellDep), exitWith(5)))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 5 {
		t.Errorf("exit code = %d, want the child's 5", code)
	}
}

func TestRun_SpawnStatuses(t *testing.T) {
	tests := []struct {
		name   string
		index  int32
		source vm.Source
		dep    []byte
		want   vm.Status
	}{
		{"index out of bound", 7, vm.SourceCellDep, exitWith(0), vm.StatusIndexOutOfBound},
		{"item missing", 0, vm.SourceInput, exitWith(0), vm.StatusItemMissing},
		{"wrong format", 1, vm.SourceCellDep, []byte("not a program"), vm.StatusWrongFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, err := runAll(t, bytecodeTx(spawnAndWait(tt.index, tt.source), tt.dep))
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if code != int8(tt.want) {
				t.Errorf("exit code = %d, want status %d", code, tt.want)
			}
		})
	}
}

func TestRun_MaxInstances(t *testing.T) {
	tx := bytecodeTx(spawnAndWait(1, vm.SourceCellDep), exitWith(5))
	s, err := New(tx, testRegistry(), Config{MaxInstances: 1, MaxPipes: 4}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	code, _, err := s.Run(LimitCycles(math.MaxUint64))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != int8(vm.StatusMaxVMsSpawned) {
		t.Errorf("exit code = %d, want %d", code, vm.StatusMaxVMsSpawned)
	}
}

func TestRun_WaitOnNonChild(t *testing.T) {
	prog := bytecode.NewBuilder().
		LI(0, 0).
		LI(1, 0).
		Syscall(uint64(vm.SysWait)).
		Syscall(exitCall).
		MustBuild()
	code, _, err := runAll(t, bytecodeTx(prog))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != int8(vm.StatusWaitFailure) {
		t.Errorf("exit code = %d, want %d", code, vm.StatusWaitFailure)
	}
}

func TestRun_PipeAcrossSpawn(t *testing.T) {
	code, _, err := runAll(t, bytecodeTx(pipeToChild(), inheritedWriter()))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 3 {
		t.Errorf("bytes received = %d, want 3", code)
	}
}

func TestRun_EOF(t *testing.T) {
	code, _, err := runAll(t, bytecodeTx(readOwnPipe(true)))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 10 {
		t.Errorf("exit code = %d, want 10 for a zero-byte read", code)
	}
}

func TestRun_Deadlock(t *testing.T) {
	tests := []struct {
		name        string
		tx          *testTx
		wantBlocked []uint64
	}{
		{"root reads its own pipe", bytecodeTx(readOwnPipe(false)), []uint64{0}},
		{"root joins a blocked child", bytecodeTx(spawnAndWait(1, vm.SourceCellDep), readOwnPipe(false)), []uint64{0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScheduler(t, tt.tx)
			_, _, err := s.Run(LimitCycles(math.MaxUint64))
			var d *DeadlockError
			if !errors.As(err, &d) || !errors.Is(err, ErrDeadlock) {
				t.Fatalf("Run error = %v, want a *DeadlockError", err)
			}
			var f *Fault
			if errors.As(err, &f) {
				t.Errorf("deadlock reported as a fault of instance %d", f.Instance)
			}
			if !slices.Equal(d.Blocked, tt.wantBlocked) {
				t.Errorf("blocked = %v, want %v", d.Blocked, tt.wantBlocked)
			}
			if _, _, err := s.Run(LimitCycles(math.MaxUint64)); !errors.Is(err, ErrFaulted) {
				t.Errorf("Run after deadlock error = %v, want ErrFaulted", err)
			}
			if _, err := s.Suspend(); !errors.Is(err, ErrFaulted) {
				t.Errorf("Suspend after deadlock error = %v, want ErrFaulted", err)
			}
		})
	}
}

func TestRun_Faults(t *testing.T) {
	tests := []struct {
		name string
		prog []byte
		want error
	}{
		{"division by zero", bytecode.NewBuilder().ALU(bytecode.OpDIVU, 0, 1, 2).MustBuild(), vm.ErrDivZero},
		{"write to unowned fd", bytecode.NewBuilder().
			LI(0, 3).LA(1, "buf").LA(2, "len").
			Syscall(uint64(vm.SysWrite)).
			Zero("buf", 8).Words("len", 1).
			MustBuild(), vm.ErrInvalidFd},
		{"read from write end", bytecode.NewBuilder().
			LA(0, "fds").Syscall(uint64(vm.SysPipe)).
			LA(6, "fds").LD(0, 6, 8).LA(1, "buf").LA(2, "len").
			Syscall(uint64(vm.SysRead)).
			Zero("fds", 16).Zero("buf", 8).Words("len", 1).
			MustBuild(), vm.ErrInvalidFd},
		{"disallowed syscall", bytecode.NewBuilder().Syscall(12345).MustBuild(), vm.ErrInvalidSyscall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runAll(t, bytecodeTx(tt.prog))
			var f *Fault
			if !errors.As(err, &f) {
				t.Fatalf("Run error = %v, want *Fault", err)
			}
			if f.Instance != 0 || !errors.Is(err, tt.want) {
				t.Errorf("fault = %v, want instance 0 with %v", f, tt.want)
			}
		})
	}
}

func TestRun_CloseUnownedFd(t *testing.T) {
	prog := bytecode.NewBuilder().LI(0, 9).Syscall(uint64(vm.SysClose)).Syscall(exitCall).MustBuild()
	code, _, err := runAll(t, bytecodeTx(prog))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != int8(vm.StatusInvalidFd) {
		t.Errorf("exit code = %d, want %d", code, vm.StatusInvalidFd)
	}
}

func TestRun_ProcessIDOfChild(t *testing.T) {
	child := bytecode.NewBuilder().Syscall(uint64(vm.SysProcessID)).Syscall(exitCall).MustBuild()
	code, _, err := runAll(t, bytecodeTx(spawnAndWait(1, vm.SourceCellDep), child))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 1 {
		t.Errorf("child process id = %d, want 1", code)
	}
}

func TestRun_Scenario(t *testing.T) {
	tx := scenarioTx(scenario.Params{Seed: 11, Spawns: 8, Writes: 12, ConvergingThreshold: 3})
	s := newTestScheduler(t, tx)
	code, cycles, err := s.Run(LimitCycles(math.MaxUint64))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if s.Instances() != 9 {
		t.Errorf("Instances() = %d, want 9", s.Instances())
	}
	var sum uint64
	for id := uint64(0); id < uint64(s.Instances()); id++ {
		inst, ok := s.Instance(id)
		if !ok || inst.Live() {
			t.Errorf("instance %d: ok=%v state=%s", id, ok, inst.State)
		}
		sum += inst.Cycles
	}
	if sum != cycles {
		t.Errorf("per-instance cycles sum to %d, total is %d", sum, cycles)
	}
}

func TestRun_BudgetEnforcement(t *testing.T) {
	tx := scenarioTx(scenario.Params{Seed: 4, Spawns: 5, Writes: 8, ConvergingThreshold: 2})
	want, wantCycles, err := runAll(t, tx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, k := range []uint64{20_000, 50_000, 1_000_000} {
		code, cycles, err := runChunked(t, tx, k, false)
		if err != nil {
			t.Fatalf("k=%d: %v", k, err)
		}
		if code != want || cycles != wantCycles {
			t.Errorf("k=%d: (%d, %d), want (%d, %d)", k, code, cycles, want, wantCycles)
		}
	}
}

func TestSuspendResume_Transparent(t *testing.T) {
	tests := []struct {
		name    string
		tx      TxContext
		budgets []uint64
	}{
		{"scenario", scenarioTx(scenario.Params{Seed: 21, Spawns: 6, Writes: 10, ConvergingThreshold: 3}), []uint64{15_000, 40_000, 200_000}},
		{"pipe to child", bytecodeTx(pipeToChild(), inheritedWriter()), []uint64{600, 1_500, 25_000}},
		{"spawn join", bytecodeTx(spawnAndWait(1, vm.SourceCellDep), exitWith(9)), []uint64{600, 1_500, 25_000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want, wantCycles, err := runAll(t, tt.tx)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			for _, k := range tt.budgets {
				code, cycles, err := runChunked(t, tt.tx, k, true)
				if err != nil {
					t.Fatalf("k=%d: %v", k, err)
				}
				if code != want || cycles != wantCycles {
					t.Errorf("k=%d: (%d, %d), want (%d, %d)", k, code, cycles, want, wantCycles)
				}
			}
		})
	}
}

func TestSuspend_ConsumesScheduler(t *testing.T) {
	tx := bytecodeTx(pipeToChild(), inheritedWriter())
	s := newTestScheduler(t, tx)
	if _, _, err := s.Run(LimitCycles(1000)); !errors.Is(err, vm.ErrCyclesExceeded) {
		t.Fatalf("Run error = %v, want ErrCyclesExceeded", err)
	}
	st, err := s.Suspend()
	if err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if st.Size() == 0 || st.Size() != len(st.Bytes()) {
		t.Errorf("Size() = %d, len(Bytes()) = %d", st.Size(), len(st.Bytes()))
	}
	if _, _, err := s.Run(LimitCycles(1000)); !errors.Is(err, ErrSuspended) {
		t.Errorf("Run after Suspend error = %v, want ErrSuspended", err)
	}
	if _, err := s.Suspend(); !errors.Is(err, ErrSuspended) {
		t.Errorf("second Suspend error = %v, want ErrSuspended", err)
	}
}

func TestResume_Rejects(t *testing.T) {
	tx := bytecodeTx(pipeToChild(), inheritedWriter())
	s := newTestScheduler(t, tx)
	if _, _, err := s.Run(LimitCycles(1000)); !errors.Is(err, vm.ErrCyclesExceeded) {
		t.Fatalf("Run error = %v, want ErrCyclesExceeded", err)
	}
	st, err := s.Suspend()
	if err != nil {
		t.Fatalf("Suspend: %v", err)
	}

	other := bytecodeTx(exitWith(1))
	if _, err := Resume(other, testRegistry(), DefaultConfig(), testLogger(), st); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Resume with another program error = %v, want ErrInvalidState", err)
	}

	data := st.Bytes()
	truncated, err := NewSuspendState(data[:len(data)-1])
	if err != nil {
		t.Fatalf("NewSuspendState: %v", err)
	}
	if _, err := Resume(tx, testRegistry(), DefaultConfig(), testLogger(), truncated); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Resume truncated error = %v, want ErrInvalidState", err)
	}

	if _, err := NewSuspendState([]byte("nope")); !errors.Is(err, ErrInvalidState) {
		t.Errorf("NewSuspendState error = %v, want ErrInvalidState", err)
	}

	reparsed, err := NewSuspendState(append([]byte(nil), data...))
	if err != nil {
		t.Fatalf("NewSuspendState: %v", err)
	}
	resumed, err := Resume(tx, testRegistry(), DefaultConfig(), testLogger(), reparsed)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	code, _, err := resumed.Run(LimitCycles(math.MaxUint64))
	if err != nil || code != 3 {
		t.Errorf("resumed Run = (%d, %v), want (3, nil)", code, err)
	}
}

func TestResume_RejectsInconsistentState(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *Scheduler)
	}{
		{"join on missing instance", func(s *Scheduler) {
			root := s.tree.Root()
			root.State = State{Kind: Blocked, Reason: ReasonJoin}
			root.pending = &vm.Trap{Call: vm.SysWait, Target: 99}
		}},
		{"join on itself", func(s *Scheduler) {
			root := s.tree.Root()
			root.State = State{Kind: Blocked, Reason: ReasonJoin}
			root.pending = &vm.Trap{Call: vm.SysWait, Target: 0}
		}},
		{"blocked without reason", func(s *Scheduler) {
			root := s.tree.Root()
			root.State = State{Kind: Blocked}
			root.pending = &vm.Trap{Call: vm.SysRead}
		}},
		{"runnable with reason", func(s *Scheduler) {
			root := s.tree.Root()
			root.State = State{Kind: Runnable, Reason: ReasonRead}
			root.pending = nil
		}},
		{"read on write end", func(s *Scheduler) {
			_, w := s.pipes.Create(0)
			root := s.tree.Root()
			root.State = State{Kind: Blocked, Reason: ReasonRead}
			root.pending = &vm.Trap{Call: vm.SysRead, Fd: w, Length: 8}
		}},
		{"read on unknown fd", func(s *Scheduler) {
			root := s.tree.Root()
			root.State = State{Kind: Blocked, Reason: ReasonRead}
			root.pending = &vm.Trap{Call: vm.SysRead, Fd: 200, Length: 8}
		}},
		{"pipe owned by unknown instance", func(s *Scheduler) {
			r, _ := s.pipes.Create(0)
			s.pipes.lookup(r).readOwner = 99
		}},
		{"unknown child", func(s *Scheduler) {
			root := s.tree.Root()
			root.Children = append(root.Children, 99)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := bytecodeTx(pipeToChild(), inheritedWriter())
			s := newTestScheduler(t, tx)
			if _, _, err := s.Run(LimitCycles(1000)); !errors.Is(err, vm.ErrCyclesExceeded) {
				t.Fatalf("Run error = %v, want ErrCyclesExceeded", err)
			}
			tt.mutate(s)
			st, err := s.Suspend()
			if err != nil {
				t.Fatalf("Suspend: %v", err)
			}
			resumed, err := Resume(tx, testRegistry(), DefaultConfig(), testLogger(), st)
			if !errors.Is(err, ErrInvalidState) {
				t.Errorf("Resume error = %v, want ErrInvalidState", err)
			}
			if resumed != nil {
				t.Error("Resume returned a scheduler for an inconsistent state")
			}
		})
	}
}
