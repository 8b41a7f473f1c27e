package scheduler

import (
	"fmt"
	"log/slog"

	"github.com/me/vmsched/internal/vm"
)

// StateKind is the coarse lifecycle state of a VM instance.
type StateKind uint8

const (
	Runnable StateKind = iota
	Blocked
	Terminated
)

func (k StateKind) String() string {
	switch k {
	case Runnable:
		return "runnable"
	case Blocked:
		return "blocked"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", uint8(k))
}

// BlockReason tells what a blocked instance is waiting for.
type BlockReason uint8

const (
	ReasonNone BlockReason = iota
	// ReasonRead waits for bytes (or EOF) on a read end.
	ReasonRead
	// ReasonJoin waits for a child instance to terminate.
	ReasonJoin
)

func (r BlockReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonRead:
		return "read"
	case ReasonJoin:
		return "join"
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// State is one of Runnable, Blocked(reason) or Terminated(exit code).
type State struct {
	Kind     StateKind
	Reason   BlockReason
	ExitCode int8
}

func (s State) String() string {
	switch s.Kind {
	case Blocked:
		return fmt.Sprintf("blocked(%s)", s.Reason)
	case Terminated:
		return fmt.Sprintf("terminated(%d)", s.ExitCode)
	}
	return s.Kind.String()
}

// Instance is one VM in the spawn tree. Its machine is private to it and
// released when it terminates; the exit code is retained.
type Instance struct {
	ID        uint64
	Parent    uint64
	HasParent bool
	State     State
	Cycles    uint64
	// Inherited lists the pipe ends handed down by the parent at spawn time.
	Inherited []vm.Fd
	Children  []uint64

	machine vm.Machine
	// pending is the trap a blocked instance is waiting to have completed.
	pending *vm.Trap
}

// Live reports whether the instance has not terminated.
func (i *Instance) Live() bool {
	return i.State.Kind != Terminated
}

func (i *Instance) block(reason BlockReason, trap vm.Trap) {
	i.State = State{Kind: Blocked, Reason: reason}
	i.pending = &trap
}

func (i *Instance) complete(res vm.Result) {
	i.machine.Complete(res)
	i.State = State{Kind: Runnable}
	i.pending = nil
}

func (i *Instance) terminate(code int8) {
	i.State = State{Kind: Terminated, ExitCode: code}
	i.machine = nil
	i.pending = nil
}

// instanceEnv binds an instance to the read-only transaction context.
type instanceEnv struct {
	tx     TxContext
	inst   *Instance
	logger *slog.Logger
}

func (e *instanceEnv) InstanceID() uint64 { return e.inst.ID }

func (e *instanceEnv) InheritedFds() []vm.Fd {
	return append([]vm.Fd(nil), e.inst.Inherited...)
}

func (e *instanceEnv) LoadScriptArgs() []byte { return e.tx.ScriptArgs() }

func (e *instanceEnv) LoadWitness(index uint64, source vm.Source) ([]byte, error) {
	return e.tx.LoadWitness(index, source)
}

func (e *instanceEnv) LoadCellData(index uint64, source vm.Source) ([]byte, error) {
	return e.tx.LoadCellData(index, source)
}

func (e *instanceEnv) Debug(msg string) {
	e.logger.Debug("script debug", "instance", e.inst.ID, "message", msg)
}
