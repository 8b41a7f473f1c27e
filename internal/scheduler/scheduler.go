// Package scheduler drives a tree of cooperating VM instances under a cycle
// budget. Execution is single threaded and fully deterministic: instances
// are stepped in ascending id order, so identical inputs produce identical
// interleavings, cycle counts and pipe contents on every host.
package scheduler

import (
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"

	"github.com/me/vmsched/internal/vm"
)

var (
	// ErrFaulted is returned by every call on a scheduler that has faulted.
	ErrFaulted = errors.New("scheduler faulted")
	// ErrSuspended is returned by every call on a scheduler that was suspended.
	ErrSuspended = errors.New("scheduler suspended")
	// ErrTerminated is returned by Suspend once the root has exited.
	ErrTerminated = errors.New("root instance terminated")
	// ErrDeadlock means no instance can make progress while the root lives.
	ErrDeadlock = errors.New("deadlock: no runnable instance")
	// ErrNotSuspendable means some instance cannot be captured losslessly.
	ErrNotSuspendable = errors.New("scheduler not in a suspendable state")
	// ErrInvalidState means a suspend state is malformed or does not match
	// the context it is resumed with.
	ErrInvalidState = errors.New("invalid suspend state")
)

// Fault is a terminal error raised by one instance.
type Fault struct {
	Instance uint64
	Err      error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("instance %d: %v", f.Instance, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// DeadlockError is raised by the scheduler itself when every live instance
// is blocked. It matches ErrDeadlock.
type DeadlockError struct {
	Blocked []uint64
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("%v: instances %v blocked", ErrDeadlock, e.Blocked)
}

func (e *DeadlockError) Unwrap() error { return ErrDeadlock }

// TxContext is the read-only transaction context a scheduler is bound to.
// It is never serialized.
type TxContext interface {
	Program() []byte
	ScriptArgs() []byte
	LoadWitness(index uint64, source vm.Source) ([]byte, error)
	LoadCellData(index uint64, source vm.Source) ([]byte, error)
}

// Config holds scheduler limits.
type Config struct {
	MaxInstances int // live instances, root included
	MaxPipes     int // live pipes
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{MaxInstances: 256, MaxPipes: 1024}
}

type phase uint8

const (
	phaseActive phase = iota
	phaseTerminated
	phaseFaulted
	phaseSuspended
)

// Scheduler owns the spawn tree, every VM instance, the pipe registry and
// the cycle meter.
type Scheduler struct {
	tx       TxContext
	registry *vm.Registry
	config   Config
	logger   *slog.Logger

	tree  *Tree
	pipes *Pipes
	meter Meter

	phase    phase
	exitCode int8
	fault    error
}

// New creates a scheduler whose root instance runs tx.Program().
func New(tx TxContext, reg *vm.Registry, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	s := newScheduler(tx, reg, cfg, logger)
	root := s.tree.Root()
	m, err := reg.Load(s.env(root), tx.Program(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "load root program")
	}
	root.machine = m
	return s, nil
}

func newScheduler(tx TxContext, reg *vm.Registry, cfg Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		tx:       tx,
		registry: reg,
		config:   cfg,
		logger:   logger.With("component", "scheduler"),
		tree:     newTree(),
		pipes:    newPipes(),
	}
}

func (s *Scheduler) env(inst *Instance) vm.Env {
	return &instanceEnv{tx: s.tx, inst: inst, logger: s.logger}
}

// ConsumedCycles returns the aggregate cycle count.
func (s *Scheduler) ConsumedCycles() uint64 {
	return s.meter.Total()
}

// Instance returns a copy of the bookkeeping for instance id.
func (s *Scheduler) Instance(id uint64) (Instance, bool) {
	inst := s.tree.Get(id)
	if inst == nil {
		return Instance{}, false
	}
	out := *inst
	out.machine = nil
	out.pending = nil
	return out, true
}

// Instances returns the number of instances ever spawned, root included.
func (s *Scheduler) Instances() int {
	return s.tree.Len()
}

// Run drives execution until the root terminates, the budget in mode is
// exhausted (vm.ErrCyclesExceeded, after which Run may be called again) or
// an instance faults (a *Fault) or every live instance is blocked (a
// *DeadlockError). The scheduler is unusable after either.
func (s *Scheduler) Run(mode RunMode) (int8, uint64, error) {
	switch s.phase {
	case phaseTerminated:
		return s.exitCode, s.meter.Total(), nil
	case phaseFaulted:
		return 0, s.meter.Total(), errors.Wrap(ErrFaulted, s.fault.Error())
	case phaseSuspended:
		return 0, s.meter.Total(), ErrSuspended
	}

	b := s.meter.begin(mode)
	for s.phase == phaseActive {
		s.wake()
		inst := s.nextRunnable()
		if inst == nil {
			return 0, s.meter.Total(), s.deadlock()
		}

		trap, err := inst.machine.Run(b.remaining())
		s.meter.Sync(inst)
		if errors.Is(err, vm.ErrCyclesExceeded) {
			return 0, s.meter.Total(), vm.ErrCyclesExceeded
		}
		if err != nil {
			return 0, s.meter.Total(), s.fail(inst.ID, err)
		}
		if err := s.dispatch(inst, trap); err != nil {
			return 0, s.meter.Total(), s.fail(inst.ID, err)
		}
	}
	return s.exitCode, s.meter.Total(), nil
}

// nextRunnable returns the lowest-id runnable instance.
func (s *Scheduler) nextRunnable() *Instance {
	for _, inst := range s.tree.instances {
		if inst.State.Kind == Runnable {
			return inst
		}
	}
	return nil
}

// wake completes the pending trap of every blocked instance whose wait
// condition now holds, in ascending id order.
func (s *Scheduler) wake() {
	s.tree.Each(func(inst *Instance) {
		if inst.State.Kind != Blocked {
			return
		}
		switch inst.State.Reason {
		case ReasonRead:
			if s.pipes.Readable(inst.pending.Fd) {
				data := s.pipes.Read(inst.pending.Fd, inst.pending.Length)
				s.logger.Debug("instance woken", "instance", inst.ID, "fd", inst.pending.Fd, "bytes", len(data))
				inst.complete(vm.Result{Status: vm.StatusOK, Data: data, Value: uint64(len(data))})
			}
		case ReasonJoin:
			target := s.tree.Get(inst.pending.Target)
			if !target.Live() {
				s.logger.Debug("instance joined", "instance", inst.ID, "target", target.ID)
				inst.complete(vm.Result{Status: vm.StatusOK, Code: target.State.ExitCode})
			}
		}
	})
}

func (s *Scheduler) deadlock() error {
	d := &DeadlockError{}
	s.tree.Each(func(inst *Instance) {
		if inst.State.Kind == Blocked {
			d.Blocked = append(d.Blocked, inst.ID)
		}
	})
	s.phase = phaseFaulted
	s.fault = d
	s.logger.Error("scheduler deadlocked", "blocked", d.Blocked, "cycles", humanize.Comma(int64(s.meter.Total())))
	return d
}

func (s *Scheduler) fail(id uint64, err error) error {
	f := &Fault{Instance: id, Err: err}
	s.phase = phaseFaulted
	s.fault = f
	s.logger.Error("instance faulted", "instance", id, "error", err, "cycles", humanize.Comma(int64(s.meter.Total())))
	return f
}
