package replay

import (
	"reflect"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/me/vmsched/internal/scenario"
	"github.com/me/vmsched/internal/vm"
)

type witnessEnv struct {
	witness []byte
}

func (e *witnessEnv) InstanceID() uint64     { return 0 }
func (e *witnessEnv) InheritedFds() []vm.Fd  { return nil }
func (e *witnessEnv) LoadScriptArgs() []byte { return nil }
func (e *witnessEnv) Debug(string)           {}
func (e *witnessEnv) LoadCellData(uint64, vm.Source) ([]byte, error) {
	return nil, vm.ErrIndexOutOfBound
}

func (e *witnessEnv) LoadWitness(index uint64, source vm.Source) ([]byte, error) {
	if index != 0 || source != vm.SourceGroupInput || e.witness == nil {
		return nil, vm.ErrIndexOutOfBound
	}
	return e.witness, nil
}

// pairScenario has VM 0 spawn VM 1 and send it "hi".
func pairScenario() *scenario.Data {
	return &scenario.Data{
		Spawns: []scenario.Spawn{{From: 0, Child: 1, Pipes: []uint64{0}}},
		Pipes:  []scenario.Pipe{{VM: 0, ReadPipe: 0, WritePipe: 1}},
		Writes: []scenario.Write{{From: 0, FromPipe: 1, To: 1, ToPipe: 0, Data: []byte("hi")}},
	}
}

func load(t *testing.T, d *scenario.Data, argv ...[]byte) *Machine {
	t.Helper()
	m, err := NewLoader().Load(&witnessEnv{witness: d.Encode()}, Program(), argv)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return m.(*Machine)
}

func run(t *testing.T, m *Machine) vm.Trap {
	t.Helper()
	trap, err := m.Run(1 << 30)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return trap
}

func TestRootSequence(t *testing.T) {
	d := pairScenario()
	m := load(t, d)
	witness := uint64(len(d.Encode()))

	if trap := run(t, m); trap.Call != vm.SysPipe {
		t.Fatalf("step 1 = %s, want pipe", trap.Call)
	}
	m.Complete(vm.Result{Fds: [2]vm.Fd{2, 3}})

	trap := run(t, m)
	if trap.Call != vm.SysSpawn || trap.Spawn.Source != vm.SourceCellDep {
		t.Fatalf("step 2 = %s, want spawn from cell dep", trap.Call)
	}
	if !reflect.DeepEqual(trap.Spawn.Fds, []vm.Fd{2}) {
		t.Errorf("spawn fds = %v, want [2]", trap.Spawn.Fds)
	}
	want := [][]byte{le(1), le(0), le(2)}
	if !reflect.DeepEqual(trap.Spawn.Argv, want) {
		t.Errorf("spawn argv = %v, want %v", trap.Spawn.Argv, want)
	}
	m.Complete(vm.Result{Value: 1})

	trap = run(t, m)
	if trap.Call != vm.SysWrite || trap.Fd != 3 || string(trap.Data) != "hi" {
		t.Fatalf("step 3 = %s fd %d %q, want write fd 3", trap.Call, trap.Fd, trap.Data)
	}
	m.Complete(vm.Result{Value: 2})

	if trap := run(t, m); trap.Call != vm.SysClose || trap.Fd != 3 {
		t.Fatalf("step 4 = %s fd %d, want close fd 3", trap.Call, trap.Fd)
	}
	m.Complete(vm.Result{})

	if trap := run(t, m); trap.Call != vm.SysWait || trap.Target != 1 {
		t.Fatalf("step 5 = %s target %d, want wait 1", trap.Call, trap.Target)
	}
	m.Complete(vm.Result{Code: 0})

	if trap := run(t, m); trap.Call != vm.SysExit || trap.Code != ExitOK {
		t.Fatalf("step 6 = %s(%d), want exit(0)", trap.Call, trap.Code)
	}
	if want := witness + 6*CostSyscall + 2*CostByte; m.Cycles() != want {
		t.Errorf("Cycles() = %d, want %d", m.Cycles(), want)
	}
}

func TestPartialWriteRetries(t *testing.T) {
	m := load(t, pairScenario())
	run(t, m)
	m.Complete(vm.Result{Fds: [2]vm.Fd{2, 3}})
	run(t, m)
	m.Complete(vm.Result{Value: 1})
	run(t, m)
	m.Complete(vm.Result{Value: 1})
	trap := run(t, m)
	if trap.Call != vm.SysWrite || string(trap.Data) != "i" {
		t.Errorf("retry = %s %q, want write %q", trap.Call, trap.Data, "i")
	}
}

func TestReaderChecksPayload(t *testing.T) {
	argv := [][]byte{le(1), le(0), le(4)}
	tests := []struct {
		name   string
		chunks [][]byte
		want   int8
	}{
		{"exact", [][]byte{[]byte("hi")}, ExitOK},
		{"split", [][]byte{[]byte("h"), []byte("i")}, ExitOK},
		{"mismatch", [][]byte{[]byte("hx")}, ExitDataMismatch},
		{"early eof", [][]byte{[]byte("h"), nil}, ExitEarlyEOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := load(t, pairScenario(), argv...)
			for _, chunk := range tt.chunks {
				trap := run(t, m)
				if trap.Call != vm.SysRead || trap.Fd != 4 {
					t.Fatalf("trap = %s fd %d, want read fd 4", trap.Call, trap.Fd)
				}
				m.Complete(vm.Result{Data: chunk, Value: uint64(len(chunk))})
			}
			trap := run(t, m)
			if tt.want == ExitOK {
				if trap.Call != vm.SysClose || trap.Fd != 4 {
					t.Fatalf("trap = %s fd %d, want close fd 4", trap.Call, trap.Fd)
				}
				m.Complete(vm.Result{})
				trap = run(t, m)
			}
			if trap.Call != vm.SysExit || trap.Code != tt.want {
				t.Errorf("trap = %s(%d), want exit(%d)", trap.Call, trap.Code, tt.want)
			}
		})
	}
}

func TestFailedSyscallExits(t *testing.T) {
	m := load(t, pairScenario())
	run(t, m)
	m.Complete(vm.Result{Status: vm.StatusMaxFdsCreated})
	if trap := run(t, m); trap.Call != vm.SysExit || trap.Code != ExitSyscall {
		t.Errorf("trap = %s(%d), want exit(%d)", trap.Call, trap.Code, ExitSyscall)
	}
}

func TestRunRespectsLimit(t *testing.T) {
	d := pairScenario()
	m := load(t, d)
	limit := uint64(len(d.Encode())) + CostSyscall - 1
	if _, err := m.Run(limit); !errors.Is(err, vm.ErrCyclesExceeded) {
		t.Fatalf("Run error = %v, want ErrCyclesExceeded", err)
	}
	if m.Cycles() != 0 {
		t.Errorf("Cycles() = %d, want 0", m.Cycles())
	}
	if _, err := m.Run(limit + 1); err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestImageRoundTrip(t *testing.T) {
	m := load(t, pairScenario())
	run(t, m)
	m.Complete(vm.Result{Fds: [2]vm.Fd{2, 3}})
	run(t, m)
	m.Complete(vm.Result{Value: 1})
	run(t, m)
	m.Complete(vm.Result{Value: 1})

	image, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	restored, err := NewLoader().Restore(nil, image)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.Cycles() != m.Cycles() {
		t.Errorf("restored Cycles() = %d, want %d", restored.Cycles(), m.Cycles())
	}
	a := run(t, m)
	b, err := restored.Run(1 << 30)
	if err != nil {
		t.Fatalf("restored Run: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Errorf("restored trap = %+v, want %+v", b, a)
	}
	if restored.Cycles() != m.Cycles() {
		t.Errorf("cycles diverged: %d vs %d", restored.Cycles(), m.Cycles())
	}
}

func TestLoadErrors(t *testing.T) {
	good := pairScenario().Encode()
	tests := []struct {
		name    string
		witness []byte
		argv    [][]byte
		want    error
	}{
		{"no witness", nil, nil, vm.ErrResource},
		{"bad witness", []byte{1, 2, 3}, nil, vm.ErrResource},
		{"even argv", good, [][]byte{le(1), le(0)}, vm.ErrResource},
		{"short arg", good, [][]byte{{1}}, vm.ErrResource},
		{"index out of range", good, [][]byte{le(9)}, vm.ErrResource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Load(&witnessEnv{witness: tt.witness}, Program(), tt.argv)
			if !errors.Is(err, tt.want) {
				t.Errorf("Load error = %v, want %v", err, tt.want)
			}
		})
	}
	if _, err := NewLoader().Load(&witnessEnv{witness: good}, []byte("nope"), nil); !errors.Is(err, vm.ErrUnknownFormat) {
		t.Errorf("Load without magic error = %v, want ErrUnknownFormat", err)
	}
	if _, err := NewLoader().Restore(nil, []byte{0}); !errors.Is(err, vm.ErrInvalidImage) {
		t.Errorf("Restore error = %v, want ErrInvalidImage", err)
	}
}

func TestPlanSingleVM(t *testing.T) {
	d := scenario.Generate(scenario.Params{Seed: 3, Writes: 5, ConvergingThreshold: 2})
	steps := plan(d, 0)
	if len(steps) != 1 || steps[0].kind != opExit {
		t.Errorf("plan = %+v, want a lone exit", steps)
	}
}
