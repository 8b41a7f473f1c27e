package bytecode

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// Builder assembles a bytecode program. Branch targets and data addresses
// are referred to by label and resolved in Build.
type Builder struct {
	code []byte
	data []byte

	labels    map[string]uint32
	dataAt    map[string]uint32
	jumpFixes map[string][]int
	dataFixes map[string][]int
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		labels:    make(map[string]uint32),
		dataAt:    make(map[string]uint32),
		jumpFixes: make(map[string][]int),
		dataFixes: make(map[string][]int),
	}
}

// Emit appends one instruction.
func (b *Builder) Emit(op Op, a, bb, c uint8, imm int32) *Builder {
	b.code = append(b.code, Instruction{Op: op, A: a, B: bb, C: c, Imm: imm}.Encode()...)
	return b
}

func (b *Builder) NOP() *Builder                 { return b.Emit(OpNOP, 0, 0, 0, 0) }
func (b *Builder) LI(rd uint8, v int32) *Builder { return b.Emit(OpLI, rd, 0, 0, v) }
func (b *Builder) MOV(rd, rs uint8) *Builder     { return b.Emit(OpMOV, rd, rs, 0, 0) }
func (b *Builder) ADDI(rd, rs uint8, v int32) *Builder {
	return b.Emit(OpADDI, rd, rs, 0, v)
}

// ALU emits a three-register arithmetic or logic op: rd = rs op rt.
func (b *Builder) ALU(op Op, rd, rs, rt uint8) *Builder { return b.Emit(op, rd, rs, rt, 0) }

func (b *Builder) LB(rd, base uint8, off int32) *Builder { return b.Emit(OpLB, rd, base, 0, off) }
func (b *Builder) SB(rs, base uint8, off int32) *Builder { return b.Emit(OpSB, rs, base, 0, off) }
func (b *Builder) LD(rd, base uint8, off int32) *Builder { return b.Emit(OpLD, rd, base, 0, off) }
func (b *Builder) SD(rs, base uint8, off int32) *Builder { return b.Emit(OpSD, rs, base, 0, off) }

// Syscall loads the call number into RegCall and emits ECALL.
func (b *Builder) Syscall(n uint64) *Builder {
	return b.LI(RegCall, int32(n)).Emit(OpECALL, 0, 0, 0, 0)
}

// Label marks the address of the next instruction.
func (b *Builder) Label(name string) *Builder {
	b.labels[name] = uint32(len(b.code))
	return b
}

// JMP jumps to label.
func (b *Builder) JMP(label string) *Builder {
	return b.jump(OpJMP, 0, 0, label)
}

// Branch emits BEQ, BNE or BLTU comparing ra and rb.
func (b *Builder) Branch(op Op, ra, rb uint8, label string) *Builder {
	return b.jump(op, ra, rb, label)
}

func (b *Builder) jump(op Op, ra, rb uint8, label string) *Builder {
	b.jumpFixes[label] = append(b.jumpFixes[label], len(b.code)+4)
	return b.Emit(op, ra, rb, 0, 0)
}

// Data appends a constant placed after the code, 8-byte aligned.
func (b *Builder) Data(label string, data []byte) *Builder {
	for len(b.data)%8 != 0 {
		b.data = append(b.data, 0)
	}
	b.dataAt[label] = uint32(len(b.data))
	b.data = append(b.data, data...)
	return b
}

// Words appends little-endian u64 constants as data.
func (b *Builder) Words(label string, words ...uint64) *Builder {
	buf := make([]byte, 8*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[8*i:], w)
	}
	return b.Data(label, buf)
}

// Zero reserves n zero bytes of data.
func (b *Builder) Zero(label string, n int) *Builder {
	return b.Data(label, make([]byte, n))
}

// LA loads the address of a data label into rd.
func (b *Builder) LA(rd uint8, label string) *Builder {
	b.dataFixes[label] = append(b.dataFixes[label], len(b.code)+4)
	return b.Emit(OpLI, rd, 0, 0, 0)
}

// Build resolves labels and returns the program, magic included.
func (b *Builder) Build() ([]byte, error) {
	code := append([]byte(nil), b.code...)
	for label, sites := range b.jumpFixes {
		addr, ok := b.labels[label]
		if !ok {
			return nil, errors.Newf("undefined label %q", label)
		}
		for _, at := range sites {
			binary.LittleEndian.PutUint32(code[at:], addr)
		}
	}
	base := uint32(len(code))
	for label, sites := range b.dataFixes {
		off, ok := b.dataAt[label]
		if !ok {
			return nil, errors.Newf("undefined data %q", label)
		}
		for _, at := range sites {
			binary.LittleEndian.PutUint32(code[at:], base+off)
		}
	}
	prog := append(append([]byte(nil), Magic...), code...)
	return append(prog, b.data...), nil
}

// MustBuild is Build for programs known to be well formed.
func (b *Builder) MustBuild() []byte {
	prog, err := b.Build()
	if err != nil {
		panic(err)
	}
	return prog
}
