package bytecode

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/me/vmsched/internal/vm"
)

// Spawn argument block, pointed to by r3:
//
//	argc u64 | argv u64 | process id out u64 | fds u64
//
// argv points to argc pointers to NUL-terminated strings; fds points to a
// zero-terminated u64 list.
const spawnArgsLen = 32

// maxFds bounds the inherited fd list a spawn may pass.
const maxFds = 64

func (m *Machine) ecall() error {
	call := vm.Syscall(m.regs[RegCall])
	switch call {
	case vm.SysExit:
		m.yield(vm.Trap{Call: call, Code: int8(m.regs[0])})
		return nil
	case vm.SysLoadScript:
		return m.loadData(m.env.LoadScriptArgs(), nil)
	case vm.SysLoadWitness:
		data, err := m.env.LoadWitness(m.regs[3], vm.Source(m.regs[4]))
		return m.loadData(data, err)
	case vm.SysLoadCellData:
		data, err := m.env.LoadCellData(m.regs[3], vm.Source(m.regs[4]))
		return m.loadData(data, err)
	case vm.SysDebug:
		msg, err := m.cstring(m.regs[0])
		if err != nil {
			return err
		}
		m.env.Debug(string(msg))
		m.regs[0] = 0
		return nil
	case vm.SysProcessID:
		m.regs[0] = m.env.InstanceID()
		return nil
	case vm.SysInheritedFds:
		return m.inheritedFds()
	case vm.SysSpawn:
		return m.spawn()
	case vm.SysWait:
		if m.regs[1] != 0 {
			if err := m.check(m.regs[1], 1); err != nil {
				return err
			}
		}
		m.yield(vm.Trap{Call: call, Target: m.regs[0]})
		return nil
	case vm.SysPipe:
		if err := m.check(m.regs[0], 16); err != nil {
			return err
		}
		m.yield(vm.Trap{Call: call})
		return nil
	case vm.SysWrite:
		n, err := m.loadU64(m.regs[2])
		if err != nil {
			return err
		}
		data, err := m.load(m.regs[1], n)
		if err != nil {
			return err
		}
		m.yield(vm.Trap{Call: call, Fd: vm.Fd(m.regs[0]), Data: append([]byte(nil), data...)})
		return nil
	case vm.SysRead:
		n, err := m.loadU64(m.regs[2])
		if err != nil {
			return err
		}
		if err := m.check(m.regs[1], n); err != nil {
			return err
		}
		m.yield(vm.Trap{Call: call, Fd: vm.Fd(m.regs[0]), Length: n})
		return nil
	case vm.SysClose:
		m.yield(vm.Trap{Call: call, Fd: vm.Fd(m.regs[0])})
		return nil
	}
	return errors.Wrapf(vm.ErrInvalidSyscall, "%s", call)
}

func (m *Machine) yield(trap vm.Trap) {
	m.trap = &trap
}

// loadData implements the partial-loading convention shared by the load
// syscalls: r0 is the destination, r1 points to a u64 holding its capacity
// (overwritten with the full available length) and r2 is the offset into
// data.
func (m *Machine) loadData(data []byte, lookup error) error {
	status, ok := vm.LoadStatus(lookup)
	if !ok {
		return errors.Mark(lookup, vm.ErrResource)
	}
	if status != vm.StatusOK {
		m.regs[0] = uint64(status)
		return nil
	}
	addr, lenAddr, offset := m.regs[0], m.regs[1], m.regs[2]
	capacity, err := m.loadU64(lenAddr)
	if err != nil {
		return err
	}
	if offset > uint64(len(data)) {
		m.regs[0] = uint64(vm.StatusSliceOutOfBound)
		return nil
	}
	data = data[offset:]
	n := uint64(len(data))
	if capacity < n {
		n = capacity
	}
	if err := m.check(addr, n); err != nil {
		return err
	}
	if n*CostByte > m.room {
		return errNoRoom
	}
	_ = m.store(addr, data[:n])
	_ = m.storeU64(lenAddr, uint64(len(data)))
	m.extra = n
	m.regs[0] = uint64(vm.StatusOK)
	return nil
}

// inheritedFds copies the inherited fd list to r0; r1 points to its
// capacity in entries, overwritten with the full count.
func (m *Machine) inheritedFds() error {
	fds := m.env.InheritedFds()
	capacity, err := m.loadU64(m.regs[1])
	if err != nil {
		return err
	}
	n := uint64(len(fds))
	if capacity < n {
		n = capacity
	}
	if err := m.check(m.regs[0], 8*n); err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		_ = m.storeU64(m.regs[0]+8*i, uint64(fds[i]))
	}
	_ = m.storeU64(m.regs[1], uint64(len(fds)))
	m.regs[0] = uint64(vm.StatusOK)
	return nil
}

func (m *Machine) spawn() error {
	block, err := m.load(m.regs[3], spawnArgsLen)
	if err != nil {
		return err
	}
	argc := binary.LittleEndian.Uint64(block[0:])
	argvPtr := binary.LittleEndian.Uint64(block[8:])
	pidPtr := binary.LittleEndian.Uint64(block[16:])
	fdsPtr := binary.LittleEndian.Uint64(block[24:])

	args := &vm.SpawnArgs{
		Index:  m.regs[0],
		Source: vm.Source(m.regs[1]),
		Bounds: m.regs[2],
	}
	if argc > uint64(len(m.mem))/8 {
		return errors.Wrapf(vm.ErrMemOutOfBound, "argc %d", argc)
	}
	for i := uint64(0); i < argc; i++ {
		p, err := m.loadU64(argvPtr + 8*i)
		if err != nil {
			return err
		}
		s, err := m.cstring(p)
		if err != nil {
			return err
		}
		args.Argv = append(args.Argv, append([]byte(nil), s...))
	}
	if pidPtr != 0 {
		if err := m.check(pidPtr, 8); err != nil {
			return err
		}
	}
	if fdsPtr != 0 {
		for i := uint64(0); ; i++ {
			if i == maxFds {
				return errors.Wrapf(vm.ErrInvalidFd, "more than %d fds", maxFds)
			}
			fd, err := m.loadU64(fdsPtr + 8*i)
			if err != nil {
				return err
			}
			if fd == 0 {
				break
			}
			args.Fds = append(args.Fds, vm.Fd(fd))
		}
	}
	m.yield(vm.Trap{Call: vm.SysSpawn, Spawn: args})
	return nil
}
