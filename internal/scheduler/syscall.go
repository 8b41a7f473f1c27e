package scheduler

import (
	"github.com/cockroachdb/errors"

	"github.com/me/vmsched/internal/vm"
)

// dispatch services a trap on behalf of inst. A returned error is a fault.
func (s *Scheduler) dispatch(inst *Instance, trap vm.Trap) error {
	switch trap.Call {
	case vm.SysExit:
		s.exit(inst, trap.Code)
		return nil
	case vm.SysSpawn:
		return s.spawn(inst, trap)
	case vm.SysWait:
		s.join(inst, trap)
		return nil
	case vm.SysPipe:
		s.pipe(inst)
		return nil
	case vm.SysWrite:
		return s.write(inst, trap)
	case vm.SysRead:
		return s.read(inst, trap)
	case vm.SysClose:
		s.close(inst, trap.Fd)
		return nil
	}
	return errors.Wrapf(vm.ErrInvalidSyscall, "%s", trap.Call)
}

func (s *Scheduler) exit(inst *Instance, code int8) {
	closed := s.pipes.CloseAll(inst.ID)
	inst.terminate(code)
	s.logger.Debug("instance exited", "instance", inst.ID, "exit_code", code, "closed_fds", len(closed), "cycles", inst.Cycles)
	if inst.ID == 0 {
		s.phase = phaseTerminated
		s.exitCode = code
	}
}

func (s *Scheduler) spawn(parent *Instance, trap vm.Trap) error {
	args := trap.Spawn
	if args == nil {
		return errors.Wrap(vm.ErrInvalidSyscall, "spawn without arguments")
	}
	for _, fd := range args.Fds {
		if !s.pipes.Owns(parent.ID, fd) {
			return errors.Wrapf(vm.ErrInvalidFd, "spawn passes fd %d", fd)
		}
	}
	if s.tree.Live() >= s.config.MaxInstances {
		parent.complete(vm.Result{Status: vm.StatusMaxVMsSpawned})
		return nil
	}

	data, err := s.tx.LoadCellData(args.Index, args.Source)
	if status, ok := vm.LoadStatus(err); !ok {
		return errors.Wrap(errors.Mark(err, vm.ErrResource), "spawn")
	} else if status != vm.StatusOK {
		parent.complete(vm.Result{Status: status})
		return nil
	}
	program, status := vm.SliceBounds(data, args.Bounds)
	if status != vm.StatusOK {
		parent.complete(vm.Result{Status: status})
		return nil
	}

	child := s.tree.Prepare(parent)
	child.Inherited = append([]vm.Fd(nil), args.Fds...)
	m, err := s.registry.Load(s.env(child), program, args.Argv)
	if errors.Is(err, vm.ErrUnknownFormat) {
		parent.complete(vm.Result{Status: vm.StatusWrongFormat})
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "spawn")
	}

	child.machine = m
	s.tree.Attach(child)
	for _, fd := range args.Fds {
		s.pipes.Transfer(fd, child.ID)
	}
	s.logger.Debug("instance spawned", "parent", parent.ID, "child", child.ID, "fds", len(args.Fds), "program_size", len(program))
	parent.complete(vm.Result{Status: vm.StatusOK, Value: child.ID})
	return nil
}

func (s *Scheduler) join(inst *Instance, trap vm.Trap) {
	if !s.tree.IsChild(inst.ID, trap.Target) {
		inst.complete(vm.Result{Status: vm.StatusWaitFailure})
		return
	}
	target := s.tree.Get(trap.Target)
	if !target.Live() {
		inst.complete(vm.Result{Status: vm.StatusOK, Code: target.State.ExitCode})
		return
	}
	inst.block(ReasonJoin, trap)
	s.logger.Debug("instance blocked", "instance", inst.ID, "reason", ReasonJoin, "target", trap.Target)
}

func (s *Scheduler) pipe(inst *Instance) {
	if s.pipes.Len() >= s.config.MaxPipes {
		inst.complete(vm.Result{Status: vm.StatusMaxFdsCreated})
		return
	}
	r, w := s.pipes.Create(inst.ID)
	s.logger.Debug("pipe created", "instance", inst.ID, "read_fd", r, "write_fd", w)
	inst.complete(vm.Result{Status: vm.StatusOK, Fds: [2]vm.Fd{r, w}})
}

func (s *Scheduler) write(inst *Instance, trap vm.Trap) error {
	if trap.Fd.IsRead() || !s.pipes.Owns(inst.ID, trap.Fd) {
		return errors.Wrapf(vm.ErrInvalidFd, "write to fd %d", trap.Fd)
	}
	status := s.pipes.Write(trap.Fd, trap.Data)
	if status != vm.StatusOK {
		inst.complete(vm.Result{Status: status})
		return nil
	}
	inst.complete(vm.Result{Status: vm.StatusOK, Value: uint64(len(trap.Data))})
	return nil
}

func (s *Scheduler) read(inst *Instance, trap vm.Trap) error {
	if !trap.Fd.IsRead() || !s.pipes.Owns(inst.ID, trap.Fd) {
		return errors.Wrapf(vm.ErrInvalidFd, "read from fd %d", trap.Fd)
	}
	if !s.pipes.Readable(trap.Fd) {
		inst.block(ReasonRead, trap)
		s.logger.Debug("instance blocked", "instance", inst.ID, "reason", ReasonRead, "fd", trap.Fd)
		return nil
	}
	data := s.pipes.Read(trap.Fd, trap.Length)
	inst.complete(vm.Result{Status: vm.StatusOK, Data: data, Value: uint64(len(data))})
	return nil
}

func (s *Scheduler) close(inst *Instance, fd vm.Fd) {
	if !s.pipes.Owns(inst.ID, fd) {
		inst.complete(vm.Result{Status: vm.StatusInvalidFd})
		return
	}
	s.pipes.Close(fd)
	inst.complete(vm.Result{Status: vm.StatusOK})
}
