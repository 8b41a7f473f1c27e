package bytecode

import (
	"encoding/binary"
	"fmt"
)

// Op is an opcode. Every instruction is InstLen bytes wide:
//
//	op | a | b | c | imm (int32, little endian)
//
// a, b and c name registers; imm is an immediate, a memory displacement or
// an absolute branch target.
type Op uint8

// InstLen is the fixed width of an encoded instruction.
const InstLen = 8

// Opcode 0 is deliberately invalid so that running off the end of the
// loaded code faults.
const (
	OpNOP Op = iota + 1
	OpLI
	OpMOV
	OpADD
	OpSUB
	OpMUL
	OpDIVU
	OpREMU
	OpAND
	OpOR
	OpXOR
	OpSHL
	OpSHR
	OpADDI
	OpLB
	OpSB
	OpLD
	OpSD
	OpJMP
	OpBEQ
	OpBNE
	OpBLTU
	OpECALL
)

// Cycle costs.
const (
	CostALU     = 1
	CostMemory  = 2
	CostBranch  = 3
	CostSyscall = 500
	// CostByte is charged per byte moved across the syscall boundary.
	CostByte = 1
)

type opInfo struct {
	name string
	cost uint64
	fn   func(*Machine, Instruction) error
}

var ops [256]opInfo

func init() {
	// Handlers format opcodes through ops, so the table is filled here.
	ops = [256]opInfo{
		OpNOP:   {"NOP", CostALU, opNop},
		OpLI:    {"LI", CostALU, opLI},
		OpMOV:   {"MOV", CostALU, opMov},
		OpADD:   {"ADD", CostALU, binop(func(x, y uint64) uint64 { return x + y })},
		OpSUB:   {"SUB", CostALU, binop(func(x, y uint64) uint64 { return x - y })},
		OpMUL:   {"MUL", CostALU, binop(func(x, y uint64) uint64 { return x * y })},
		OpDIVU:  {"DIVU", CostALU, opDivu},
		OpREMU:  {"REMU", CostALU, opRemu},
		OpAND:   {"AND", CostALU, binop(func(x, y uint64) uint64 { return x & y })},
		OpOR:    {"OR", CostALU, binop(func(x, y uint64) uint64 { return x | y })},
		OpXOR:   {"XOR", CostALU, binop(func(x, y uint64) uint64 { return x ^ y })},
		OpSHL:   {"SHL", CostALU, binop(func(x, y uint64) uint64 { return x << (y & 63) })},
		OpSHR:   {"SHR", CostALU, binop(func(x, y uint64) uint64 { return x >> (y & 63) })},
		OpADDI:  {"ADDI", CostALU, opAddi},
		OpLB:    {"LB", CostMemory, opLB},
		OpSB:    {"SB", CostMemory, opSB},
		OpLD:    {"LD", CostMemory, opLD},
		OpSD:    {"SD", CostMemory, opSD},
		OpJMP:   {"JMP", CostBranch, opJmp},
		OpBEQ:   {"BEQ", CostBranch, branch(func(x, y uint64) bool { return x == y })},
		OpBNE:   {"BNE", CostBranch, branch(func(x, y uint64) bool { return x != y })},
		OpBLTU:  {"BLTU", CostBranch, branch(func(x, y uint64) bool { return x < y })},
		OpECALL: {"ECALL", CostSyscall, opEcall},
	}
}

func (op Op) String() string {
	if ops[op].name != "" {
		return ops[op].name
	}
	return fmt.Sprintf("op(0x%02x)", uint8(op))
}

// Instruction is a decoded instruction.
type Instruction struct {
	Op      Op
	A, B, C uint8
	Imm     int32
}

// Encode returns the InstLen-byte encoding of inst.
func (inst Instruction) Encode() []byte {
	buf := make([]byte, InstLen)
	buf[0] = byte(inst.Op)
	buf[1], buf[2], buf[3] = inst.A, inst.B, inst.C
	binary.LittleEndian.PutUint32(buf[4:], uint32(inst.Imm))
	return buf
}

func decode(b []byte) Instruction {
	return Instruction{
		Op:  Op(b[0]),
		A:   b[1],
		B:   b[2],
		C:   b[3],
		Imm: int32(binary.LittleEndian.Uint32(b[4:])),
	}
}

func opNop(*Machine, Instruction) error { return nil }

func opLI(m *Machine, inst Instruction) error {
	m.setReg(inst.A, uint64(int64(inst.Imm)))
	return nil
}

func opMov(m *Machine, inst Instruction) error {
	m.setReg(inst.A, m.reg(inst.B))
	return nil
}

func opAddi(m *Machine, inst Instruction) error {
	m.setReg(inst.A, m.reg(inst.B)+uint64(int64(inst.Imm)))
	return nil
}

func binop(f func(x, y uint64) uint64) func(*Machine, Instruction) error {
	return func(m *Machine, inst Instruction) error {
		m.setReg(inst.A, f(m.reg(inst.B), m.reg(inst.C)))
		return nil
	}
}

func opDivu(m *Machine, inst Instruction) error {
	y := m.reg(inst.C)
	if y == 0 {
		return errDivZero
	}
	m.setReg(inst.A, m.reg(inst.B)/y)
	return nil
}

func opRemu(m *Machine, inst Instruction) error {
	y := m.reg(inst.C)
	if y == 0 {
		return errDivZero
	}
	m.setReg(inst.A, m.reg(inst.B)%y)
	return nil
}

func (m *Machine) effective(inst Instruction) uint64 {
	return m.reg(inst.B) + uint64(int64(inst.Imm))
}

func opLB(m *Machine, inst Instruction) error {
	b, err := m.load(m.effective(inst), 1)
	if err != nil {
		return err
	}
	m.setReg(inst.A, uint64(b[0]))
	return nil
}

func opSB(m *Machine, inst Instruction) error {
	return m.store(m.effective(inst), []byte{byte(m.reg(inst.A))})
}

func opLD(m *Machine, inst Instruction) error {
	v, err := m.loadU64(m.effective(inst))
	if err != nil {
		return err
	}
	m.setReg(inst.A, v)
	return nil
}

func opSD(m *Machine, inst Instruction) error {
	return m.storeU64(m.effective(inst), m.reg(inst.A))
}

func opJmp(m *Machine, inst Instruction) error {
	m.nextPC = uint64(uint32(inst.Imm))
	return nil
}

func branch(cond func(x, y uint64) bool) func(*Machine, Instruction) error {
	return func(m *Machine, inst Instruction) error {
		if cond(m.reg(inst.A), m.reg(inst.B)) {
			m.nextPC = uint64(uint32(inst.Imm))
		}
		return nil
	}
}

func opEcall(m *Machine, _ Instruction) error {
	return m.ecall()
}
