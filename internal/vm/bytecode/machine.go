// Package bytecode implements a small register machine whose programs can
// use every scheduler system call. Programs are a 4-byte magic followed by
// fixed-width instructions; see Op for the encoding.
package bytecode

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/iotaledger/hive.go/marshalutil"

	"github.com/me/vmsched/internal/vm"
)

// NumRegs is the size of the register file. ECALL takes the call number in
// RegCall, arguments in r0..r5 and leaves its status in r0.
const (
	NumRegs = 16
	RegCall = 7
)

var errDivZero = vm.ErrDivZero

// errNoRoom aborts a step whose cost does not fit in the current run.
var errNoRoom = errors.New("step exceeds remaining cycles")

// Machine is one bytecode VM. It is not safe for concurrent use.
type Machine struct {
	env  vm.Env
	mem  []byte
	regs [NumRegs]uint64

	pc, nextPC uint64
	cycles     uint64
	// deferred holds result-dependent costs, charged at the next Run.
	deferred uint64
	// waiting is set while a yielded trap awaits Complete.
	waiting bool

	room  uint64
	extra uint64
	trap  *vm.Trap
}

// Format implements vm.Machine.
func (m *Machine) Format() vm.Format { return vm.FormatBytecode }

// Cycles implements vm.Machine.
func (m *Machine) Cycles() uint64 { return m.cycles }

// Reg returns the value of register i.
func (m *Machine) Reg(i int) uint64 { return m.regs[i] }

// Run implements vm.Machine. No instruction is partially executed: a step
// that would push the run past limit leaves the machine untouched.
func (m *Machine) Run(limit uint64) (vm.Trap, error) {
	if m.waiting {
		return vm.Trap{}, vm.ErrPendingTrap
	}
	var used uint64
	if m.deferred > 0 {
		if m.deferred > limit {
			return vm.Trap{}, vm.ErrCyclesExceeded
		}
		used = m.deferred
		m.cycles += m.deferred
		m.deferred = 0
	}

	for {
		if m.pc+InstLen > uint64(len(m.mem)) {
			return vm.Trap{}, errors.Wrapf(vm.ErrShortProgram, "pc 0x%x", m.pc)
		}
		inst := decode(m.mem[m.pc : m.pc+InstLen])
		info := ops[inst.Op]
		if info.fn == nil {
			return vm.Trap{}, errors.Wrapf(vm.ErrInvalidInstruction, "%s at pc 0x%x", inst.Op, m.pc)
		}
		if used+info.cost > limit {
			return vm.Trap{}, vm.ErrCyclesExceeded
		}

		m.room = limit - used - info.cost
		m.extra = 0
		m.trap = nil
		m.nextPC = m.pc + InstLen
		if err := info.fn(m, inst); err != nil {
			if errors.Is(err, errNoRoom) {
				return vm.Trap{}, vm.ErrCyclesExceeded
			}
			return vm.Trap{}, errors.Wrapf(err, "%s at pc 0x%x", inst.Op, m.pc)
		}
		cost := info.cost + m.extra*CostByte
		used += cost
		m.cycles += cost
		m.pc = m.nextPC

		if m.trap != nil {
			m.waiting = true
			return *m.trap, nil
		}
	}
}

// Complete implements vm.Machine. Pointers were validated when the trap
// was raised, so writing results back cannot fault.
func (m *Machine) Complete(res vm.Result) {
	m.waiting = false
	args := m.regs
	m.regs[0] = uint64(res.Status)
	if res.Status != vm.StatusOK {
		return
	}
	switch vm.Syscall(args[RegCall]) {
	case vm.SysSpawn:
		if pid, _ := m.loadU64(args[3] + 16); pid != 0 {
			_ = m.storeU64(pid, res.Value)
		}
	case vm.SysWait:
		if args[1] != 0 {
			_ = m.store(args[1], []byte{byte(res.Code)})
		}
	case vm.SysPipe:
		_ = m.storeU64(args[0], uint64(res.Fds[0]))
		_ = m.storeU64(args[0]+8, uint64(res.Fds[1]))
	case vm.SysWrite:
		_ = m.storeU64(args[2], res.Value)
		m.deferred += res.Value * CostByte
	case vm.SysRead:
		_ = m.store(args[1], res.Data)
		_ = m.storeU64(args[2], uint64(len(res.Data)))
		m.deferred += uint64(len(res.Data)) * CostByte
	}
}

func (m *Machine) reg(i uint8) uint64 {
	return m.regs[i%NumRegs]
}

func (m *Machine) setReg(i uint8, v uint64) {
	m.regs[i%NumRegs] = v
}

func (m *Machine) check(addr, n uint64) error {
	if addr > uint64(len(m.mem)) || n > uint64(len(m.mem))-addr {
		return errors.Wrapf(vm.ErrMemOutOfBound, "[0x%x, +%d)", addr, n)
	}
	return nil
}

func (m *Machine) load(addr, n uint64) ([]byte, error) {
	if err := m.check(addr, n); err != nil {
		return nil, err
	}
	return m.mem[addr : addr+n], nil
}

func (m *Machine) store(addr uint64, data []byte) error {
	if err := m.check(addr, uint64(len(data))); err != nil {
		return err
	}
	copy(m.mem[addr:], data)
	return nil
}

func (m *Machine) loadU64(addr uint64) (uint64, error) {
	b, err := m.load(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (m *Machine) storeU64(addr, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return m.store(addr, b[:])
}

// cstring reads a NUL-terminated string.
func (m *Machine) cstring(addr uint64) ([]byte, error) {
	if err := m.check(addr, 0); err != nil {
		return nil, err
	}
	end := bytes.IndexByte(m.mem[addr:], 0)
	if end < 0 {
		return nil, errors.Wrapf(vm.ErrMemOutOfBound, "unterminated string at 0x%x", addr)
	}
	return m.mem[addr : addr+uint64(end)], nil
}

// MarshalBinary implements vm.Machine. Trailing zero memory is not stored.
func (m *Machine) MarshalBinary() ([]byte, error) {
	used := len(bytes.TrimRight(m.mem, "\x00"))
	w := marshalutil.New()
	w.WriteUint64(m.pc).
		WriteUint64(m.cycles).
		WriteUint64(m.deferred).
		WriteBool(m.waiting)
	for _, r := range m.regs {
		w.WriteUint64(r)
	}
	w.WriteUint32(uint32(len(m.mem))).
		WriteUint32(uint32(used)).
		WriteBytes(m.mem[:used])
	return w.Bytes(), nil
}

func unmarshalMachine(env vm.Env, image []byte) (*Machine, error) {
	m := &Machine{env: env}
	r := marshalutil.New(image)
	var err error
	if m.pc, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	if m.cycles, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	if m.deferred, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	if m.waiting, err = r.ReadBool(); err != nil {
		return nil, err
	}
	for i := range m.regs {
		if m.regs[i], err = r.ReadUint64(); err != nil {
			return nil, err
		}
	}
	size, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	used, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if used > size {
		return nil, errors.Newf("%d bytes of memory used out of %d", used, size)
	}
	data, err := r.ReadBytes(int(used))
	if err != nil {
		return nil, err
	}
	m.mem = make([]byte, size)
	copy(m.mem, data)
	if r.ReadOffset() != len(image) {
		return nil, errors.New("trailing bytes")
	}
	return m, nil
}
