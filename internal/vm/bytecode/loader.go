package bytecode

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/me/vmsched/internal/vm"
)

// Magic prefixes every bytecode program.
var Magic = []byte("SBC\x01")

// DefaultMemorySize is the memory given to freshly loaded machines.
const DefaultMemorySize = 64 << 10

// Loader loads and restores bytecode machines.
type Loader struct {
	MemorySize int
}

// NewLoader returns a Loader with DefaultMemorySize.
func NewLoader() *Loader {
	return &Loader{MemorySize: DefaultMemorySize}
}

// Format implements vm.Loader.
func (l *Loader) Format() vm.Format { return vm.FormatBytecode }

// Magic implements vm.Loader.
func (l *Loader) Magic() []byte { return Magic }

// Load places the code at address 0 and argv at the top of memory: the
// NUL-terminated strings, then below them the pointer array. On entry r0
// holds argc and r1 points to the array.
func (l *Loader) Load(env vm.Env, program []byte, argv [][]byte) (vm.Machine, error) {
	if !bytes.HasPrefix(program, Magic) {
		return nil, errors.Wrap(vm.ErrUnknownFormat, "missing bytecode magic")
	}
	code := program[len(Magic):]

	var strs int
	for _, a := range argv {
		strs += len(a) + 1
	}
	top := l.MemorySize - strs
	ptrs := (top - 8*len(argv)) &^ 7
	if ptrs < len(code) {
		return nil, errors.Wrapf(vm.ErrMemOutOfBound, "program of %d bytes with %d args does not fit in %d bytes", len(code), len(argv), l.MemorySize)
	}

	m := &Machine{env: env, mem: make([]byte, l.MemorySize)}
	copy(m.mem, code)
	at := top
	for i, a := range argv {
		copy(m.mem[at:], a)
		binary.LittleEndian.PutUint64(m.mem[ptrs+8*i:], uint64(at))
		at += len(a) + 1
	}
	m.regs[0] = uint64(len(argv))
	m.regs[1] = uint64(ptrs)
	return m, nil
}

// Restore implements vm.Loader.
func (l *Loader) Restore(env vm.Env, image []byte) (vm.Machine, error) {
	m, err := unmarshalMachine(env, image)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "bytecode image"), vm.ErrInvalidImage)
	}
	return m, nil
}
