// Package replay implements a native contract that replays a generated
// scenario. Every VM of the scenario runs the same program: it loads the
// scenario from the first group witness, learns its own index and pipe fds
// from argv, and then issues real scheduler system calls for the pipes,
// spawns, writes and reads the scenario assigns to it.
package replay

import (
	"bytes"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/iotaledger/hive.go/marshalutil"

	"github.com/me/vmsched/internal/scenario"
	"github.com/me/vmsched/internal/vm"
)

// Cycle costs.
const (
	CostSyscall = 500
	CostByte    = 1
)

// Exit codes reported when the replay detects a problem.
const (
	ExitOK           int8 = 0
	ExitSyscall      int8 = 1
	ExitEarlyEOF     int8 = 2
	ExitDataMismatch int8 = 3
	ExitChildFailed  int8 = 4
)

// Machine replays one VM of a scenario.
type Machine struct {
	witness []byte
	argv    [][]byte

	self     uint64
	steps    []step
	pc       int
	fds      map[uint64]uint64
	children []uint64
	// written or received so far by the current write or read step.
	written  uint64
	received []byte
	failCode int8

	cycles   uint64
	deferred uint64
	waiting  bool
}

func newMachine(witness []byte, argv [][]byte) (*Machine, error) {
	d, err := scenario.Decode(witness)
	if err != nil {
		return nil, err
	}
	self, fds, err := decodeArgv(argv)
	if err != nil {
		return nil, err
	}
	if self >= uint64(d.VMs()) {
		return nil, errors.Newf("VM index %d out of %d", self, d.VMs())
	}
	return &Machine{
		witness: witness,
		argv:    argv,
		self:    self,
		steps:   plan(d, self),
		fds:     fds,
	}, nil
}

// Format implements vm.Machine.
func (m *Machine) Format() vm.Format { return vm.FormatReplay }

// Cycles implements vm.Machine.
func (m *Machine) Cycles() uint64 { return m.cycles }

// Index returns the scenario VM this machine replays.
func (m *Machine) Index() uint64 { return m.self }

// Run implements vm.Machine. Every step is a system call; its fixed cost
// is charged before it is issued and the bytes it moves are charged at the
// start of the next run.
func (m *Machine) Run(limit uint64) (vm.Trap, error) {
	if m.waiting {
		return vm.Trap{}, vm.ErrPendingTrap
	}
	if m.deferred+CostSyscall > limit {
		return vm.Trap{}, vm.ErrCyclesExceeded
	}
	m.cycles += m.deferred + CostSyscall
	m.deferred = 0
	m.waiting = true

	if m.failCode != ExitOK {
		return vm.Trap{Call: vm.SysExit, Code: m.failCode}, nil
	}
	return m.trap(), nil
}

func (m *Machine) trap() vm.Trap {
	s := m.steps[m.pc]
	switch s.kind {
	case opPipe:
		return vm.Trap{Call: vm.SysPipe}
	case opSpawn:
		args := &vm.SpawnArgs{
			Index:  0,
			Source: vm.SourceCellDep,
			Argv:   encodeArgv(s.spawn.Child, m.fds, s.spawn.Pipes),
		}
		for _, p := range s.spawn.Pipes {
			args.Fds = append(args.Fds, vm.Fd(m.fds[p]))
		}
		return vm.Trap{Call: vm.SysSpawn, Spawn: args}
	case opWrite:
		return vm.Trap{Call: vm.SysWrite, Fd: vm.Fd(m.fds[s.write.FromPipe]), Data: s.write.Data[m.written:]}
	case opRead:
		return vm.Trap{Call: vm.SysRead, Fd: vm.Fd(m.fds[s.write.ToPipe]), Length: uint64(len(s.write.Data) - len(m.received))}
	case opClose:
		return vm.Trap{Call: vm.SysClose, Fd: vm.Fd(m.fds[s.index])}
	case opWait:
		return vm.Trap{Call: vm.SysWait, Target: m.children[s.index]}
	}
	return vm.Trap{Call: vm.SysExit, Code: ExitOK}
}

// Complete implements vm.Machine.
func (m *Machine) Complete(res vm.Result) {
	m.waiting = false
	if res.Status != vm.StatusOK {
		m.failCode = ExitSyscall
		return
	}
	s := m.steps[m.pc]
	switch s.kind {
	case opPipe:
		m.fds[s.pipe.ReadPipe] = uint64(res.Fds[0])
		m.fds[s.pipe.WritePipe] = uint64(res.Fds[1])
	case opSpawn:
		m.children = append(m.children, res.Value)
		for _, p := range s.spawn.Pipes {
			delete(m.fds, p)
		}
	case opWrite:
		m.deferred += res.Value * CostByte
		m.written += res.Value
		if m.written < uint64(len(s.write.Data)) {
			return
		}
		m.written = 0
	case opRead:
		m.deferred += uint64(len(res.Data)) * CostByte
		if len(res.Data) == 0 {
			m.failCode = ExitEarlyEOF
			return
		}
		m.received = append(m.received, res.Data...)
		if len(m.received) < len(s.write.Data) {
			return
		}
		// Comparing costs as much as moving the bytes.
		m.deferred += uint64(len(m.received)) * CostByte
		if !bytes.Equal(m.received, s.write.Data) {
			m.failCode = ExitDataMismatch
			return
		}
		m.received = nil
	case opClose:
		delete(m.fds, s.index)
	case opWait:
		if res.Code != ExitOK {
			m.failCode = ExitChildFailed
			return
		}
	}
	m.pc++
}

// MarshalBinary implements vm.Machine.
func (m *Machine) MarshalBinary() ([]byte, error) {
	w := marshalutil.New()
	w.WriteUint64(m.cycles).
		WriteUint64(m.deferred).
		WriteBool(m.waiting).
		WriteUint8(uint8(m.failCode)).
		WriteUint32(uint32(m.pc)).
		WriteUint32(uint32(len(m.witness))).
		WriteBytes(m.witness).
		WriteUint32(uint32(len(m.argv)))
	for _, a := range m.argv {
		w.WriteUint32(uint32(len(a))).WriteBytes(a)
	}

	pipes := make([]uint64, 0, len(m.fds))
	for p := range m.fds {
		pipes = append(pipes, p)
	}
	sort.Slice(pipes, func(i, j int) bool { return pipes[i] < pipes[j] })
	w.WriteUint32(uint32(len(pipes)))
	for _, p := range pipes {
		w.WriteUint64(p).WriteUint64(m.fds[p])
	}

	w.WriteUint32(uint32(len(m.children)))
	for _, c := range m.children {
		w.WriteUint64(c)
	}
	w.WriteUint64(m.written).
		WriteUint32(uint32(len(m.received))).
		WriteBytes(m.received)
	return w.Bytes(), nil
}

func unmarshalMachine(image []byte) (*Machine, error) {
	r := marshalutil.New(image)
	cycles, err := r.ReadUint64()
	if err != nil {
		return nil, err
	}
	deferred, err := r.ReadUint64()
	if err != nil {
		return nil, err
	}
	waiting, err := r.ReadBool()
	if err != nil {
		return nil, err
	}
	failCode, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	pc, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	witness, err := readChunk(r)
	if err != nil {
		return nil, err
	}
	argc, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	argv := make([][]byte, argc)
	for i := range argv {
		if argv[i], err = readChunk(r); err != nil {
			return nil, err
		}
	}

	m, err := newMachine(witness, argv)
	if err != nil {
		return nil, err
	}
	if int(pc) >= len(m.steps) {
		return nil, errors.Newf("step %d out of %d", pc, len(m.steps))
	}
	m.cycles, m.deferred, m.waiting, m.failCode, m.pc = cycles, deferred, waiting, int8(failCode), int(pc)

	count, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	m.fds = make(map[uint64]uint64, count)
	for i := uint32(0); i < count; i++ {
		p, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		if m.fds[p], err = r.ReadUint64(); err != nil {
			return nil, err
		}
	}
	if count, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	for i := uint32(0); i < count; i++ {
		c, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		m.children = append(m.children, c)
	}
	if m.written, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	if m.received, err = readChunk(r); err != nil {
		return nil, err
	}
	if len(m.received) == 0 {
		m.received = nil
	}
	if r.ReadOffset() != len(image) {
		return nil, errors.New("trailing bytes")
	}
	return m, nil
}

func readChunk(r *marshalutil.MarshalUtil) ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	b, err := r.ReadBytes(int(n))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}
