package scheduler

import (
	"bytes"
	"log/slog"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/iotaledger/hive.go/marshalutil"

	"github.com/me/vmsched/internal/vm"
	"github.com/me/vmsched/pkg/model"
)

const (
	stateMagic   = "VMSS"
	stateVersion = 1
)

// SuspendState is a self-contained snapshot of a scheduler: every machine
// image, every pipe buffer and ownership, the spawn tree and all cycle
// counters. It is consumed by Resume.
type SuspendState struct {
	data []byte
}

// NewSuspendState wraps a serialized state, checking only its header.
func NewSuspendState(data []byte) (*SuspendState, error) {
	if len(data) < len(stateMagic)+1 || !bytes.Equal(data[:len(stateMagic)], []byte(stateMagic)) {
		return nil, errors.Wrap(ErrInvalidState, "bad magic")
	}
	if data[len(stateMagic)] != stateVersion {
		return nil, errors.Wrapf(ErrInvalidState, "unsupported version %d", data[len(stateMagic)])
	}
	return &SuspendState{data: data}, nil
}

// Size returns the serialized size in bytes.
func (st *SuspendState) Size() int {
	return len(st.data)
}

// Bytes returns the serialized state.
func (st *SuspendState) Bytes() []byte {
	return st.data
}

// Suspend freezes the scheduler into a SuspendState. The scheduler must not
// be run afterwards, whether or not Suspend succeeds.
func (s *Scheduler) Suspend() (*SuspendState, error) {
	switch s.phase {
	case phaseTerminated:
		return nil, ErrTerminated
	case phaseFaulted:
		return nil, ErrFaulted
	case phaseSuspended:
		return nil, ErrSuspended
	}
	s.phase = phaseSuspended

	for _, inst := range s.tree.instances {
		blocked := inst.State.Kind == Blocked
		if blocked != (inst.pending != nil) {
			return nil, errors.Wrapf(ErrNotSuspendable, "instance %d is %s", inst.ID, inst.State)
		}
	}

	programHash := model.DataHash(s.tx.Program())
	w := marshalutil.New()
	w.WriteBytes([]byte(stateMagic)).
		WriteUint8(stateVersion).
		WriteBytes(programHash[:]).
		WriteUint64(s.meter.Total()).
		WriteUint64(s.pipes.nextID).
		WriteUint32(uint32(s.tree.Len()))
	for _, inst := range s.tree.instances {
		if err := writeInstance(w, inst); err != nil {
			return nil, errors.Wrapf(err, "instance %d", inst.ID)
		}
	}

	live := s.pipes.sorted()
	w.WriteUint32(uint32(len(live)))
	for _, p := range live {
		w.WriteUint64(p.id).
			WriteUint64(p.readOwner).
			WriteUint64(p.writeOwner).
			WriteBool(p.readOpen).
			WriteBool(p.writeOpen).
			WriteUint32(uint32(len(p.buf))).
			WriteBytes(p.buf)
	}

	st := &SuspendState{data: w.Bytes()}
	s.logger.Info("scheduler suspended",
		"instances", s.tree.Len(),
		"pipes", len(live),
		"cycles", humanize.Comma(int64(s.meter.Total())),
		"size", humanize.Bytes(uint64(st.Size())),
	)
	return st, nil
}

func writeInstance(w *marshalutil.MarshalUtil, inst *Instance) error {
	w.WriteUint64(inst.ID).
		WriteBool(inst.HasParent).
		WriteUint64(inst.Parent).
		WriteUint64(inst.Cycles).
		WriteUint8(uint8(inst.State.Kind)).
		WriteUint8(uint8(inst.State.Reason)).
		WriteUint8(uint8(inst.State.ExitCode))

	w.WriteUint32(uint32(len(inst.Inherited)))
	for _, fd := range inst.Inherited {
		w.WriteUint64(uint64(fd))
	}
	w.WriteUint32(uint32(len(inst.Children)))
	for _, id := range inst.Children {
		w.WriteUint64(id)
	}

	if inst.pending != nil {
		w.WriteUint64(uint64(inst.pending.Call)).
			WriteUint64(uint64(inst.pending.Fd)).
			WriteUint64(inst.pending.Length).
			WriteUint64(inst.pending.Target)
	}

	if !inst.Live() {
		return nil
	}
	image, err := inst.machine.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "marshal machine")
	}
	w.WriteUint8(uint8(inst.machine.Format())).
		WriteUint32(uint32(len(image))).
		WriteBytes(image)
	return nil
}

// Resume rebuilds a scheduler from st, bound to a fresh transaction
// context. The result behaves exactly as the suspended scheduler would
// have.
func Resume(tx TxContext, reg *vm.Registry, cfg Config, logger *slog.Logger, st *SuspendState) (*Scheduler, error) {
	s := newScheduler(tx, reg, cfg, logger)
	if err := s.decode(st.data); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "resume"), ErrInvalidState)
	}
	s.logger.Info("scheduler resumed",
		"instances", s.tree.Len(),
		"pipes", s.pipes.Len(),
		"cycles", humanize.Comma(int64(s.meter.Total())),
	)
	return s, nil
}

func (s *Scheduler) decode(data []byte) error {
	r := marshalutil.New(data)
	if _, err := r.ReadBytes(len(stateMagic) + 1); err != nil {
		return err
	}
	hash, err := r.ReadBytes(len(model.Hash{}))
	if err != nil {
		return err
	}
	if want := model.DataHash(s.tx.Program()); !bytes.Equal(hash, want[:]) {
		return errors.New("state was produced for a different program")
	}

	total, err := r.ReadUint64()
	if err != nil {
		return err
	}
	if s.pipes.nextID, err = r.ReadUint64(); err != nil {
		return err
	}
	count, err := r.ReadUint32()
	if err != nil {
		return err
	}
	if count == 0 {
		return errors.New("state holds no instances")
	}

	s.tree.instances = s.tree.instances[:0]
	var sum uint64
	for i := uint32(0); i < count; i++ {
		inst, err := s.readInstance(r)
		if err != nil {
			return errors.Wrapf(err, "instance %d", i)
		}
		if inst.ID != uint64(i) || (inst.HasParent && inst.Parent >= inst.ID) || (i == 0) == inst.HasParent {
			return errors.Newf("instance %d has inconsistent ids", i)
		}
		s.tree.instances = append(s.tree.instances, inst)
		sum += inst.Cycles
	}
	if sum != total {
		return errors.Newf("cycle total %d does not match instances (%d)", total, sum)
	}
	s.meter.total = total
	if !s.tree.Root().Live() {
		return errors.New("root instance already terminated")
	}

	pipeCount, err := r.ReadUint32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < pipeCount; i++ {
		p := &pipe{}
		if p.id, err = r.ReadUint64(); err != nil {
			return err
		}
		if p.readOwner, err = r.ReadUint64(); err != nil {
			return err
		}
		if p.writeOwner, err = r.ReadUint64(); err != nil {
			return err
		}
		if p.readOpen, err = r.ReadBool(); err != nil {
			return err
		}
		if p.writeOpen, err = r.ReadBool(); err != nil {
			return err
		}
		n, err := r.ReadUint32()
		if err != nil {
			return err
		}
		if n > 0 {
			if p.buf, err = r.ReadBytes(int(n)); err != nil {
				return err
			}
			p.buf = append([]byte(nil), p.buf...)
		}
		if p.id == 0 || p.id >= s.pipes.nextID {
			return errors.Newf("pipe id %d out of range", p.id)
		}
		s.pipes.pipes[p.id] = p
	}
	if r.ReadOffset() != len(data) {
		return errors.Newf("%d trailing bytes", len(data)-r.ReadOffset())
	}
	return s.checkDecoded()
}

// checkDecoded rejects states whose cross references could not have been
// produced by a running scheduler. Blocked instances must name a reason
// their trap can wait on, join targets must be direct children, read
// waits must be on a read end the instance owns, and pipe owners and
// child lists must refer to decoded instances.
func (s *Scheduler) checkDecoded() error {
	count := uint64(s.tree.Len())
	children := make([][]uint64, count)
	for _, inst := range s.tree.instances {
		if inst.HasParent {
			children[inst.Parent] = append(children[inst.Parent], inst.ID)
		}
	}
	for _, p := range s.pipes.pipes {
		if p.readOwner >= count || p.writeOwner >= count {
			return errors.Newf("pipe %d owned by unknown instance", p.id)
		}
	}
	for _, inst := range s.tree.instances {
		if !slices.Equal(inst.Children, children[inst.ID]) {
			return errors.Newf("instance %d has inconsistent children", inst.ID)
		}
		if (inst.State.Kind == Blocked) != (inst.State.Reason != ReasonNone) {
			return errors.Newf("instance %d has state %d with reason %d", inst.ID, inst.State.Kind, inst.State.Reason)
		}
		switch inst.State.Reason {
		case ReasonJoin:
			if !s.tree.IsChild(inst.ID, inst.pending.Target) {
				return errors.Newf("instance %d joins %d which is not its child", inst.ID, inst.pending.Target)
			}
		case ReasonRead:
			if fd := inst.pending.Fd; !fd.IsRead() || !s.pipes.Owns(inst.ID, fd) {
				return errors.Newf("instance %d reads fd %d it does not own", inst.ID, fd)
			}
		}
	}
	return nil
}

func (s *Scheduler) readInstance(r *marshalutil.MarshalUtil) (*Instance, error) {
	inst := &Instance{}
	var err error
	if inst.ID, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	if inst.HasParent, err = r.ReadBool(); err != nil {
		return nil, err
	}
	if inst.Parent, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	if inst.Cycles, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	kind, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	reason, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	code, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	inst.State = State{Kind: StateKind(kind), Reason: BlockReason(reason), ExitCode: int8(code)}
	if inst.State.Kind > Terminated || inst.State.Reason > ReasonJoin {
		return nil, errors.Newf("unknown state %d/%d", kind, reason)
	}

	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	for j := uint32(0); j < n; j++ {
		fd, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		inst.Inherited = append(inst.Inherited, vm.Fd(fd))
	}
	if n, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	for j := uint32(0); j < n; j++ {
		id, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		inst.Children = append(inst.Children, id)
	}

	if inst.State.Kind == Blocked {
		trap := vm.Trap{}
		call, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		trap.Call = vm.Syscall(call)
		fd, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		trap.Fd = vm.Fd(fd)
		if trap.Length, err = r.ReadUint64(); err != nil {
			return nil, err
		}
		if trap.Target, err = r.ReadUint64(); err != nil {
			return nil, err
		}
		inst.pending = &trap
	}

	if !inst.Live() {
		return inst, nil
	}
	format, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	size, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	image, err := r.ReadBytes(int(size))
	if err != nil {
		return nil, err
	}
	m, err := s.registry.Restore(s.env(inst), vm.Format(format), image)
	if err != nil {
		return nil, errors.Wrap(err, "restore machine")
	}
	if m.Cycles() != inst.Cycles {
		return nil, errors.Newf("machine reports %d cycles, instance %d", m.Cycles(), inst.Cycles)
	}
	inst.machine = m
	return inst, nil
}
