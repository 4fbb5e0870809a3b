//go:build amd64

package jit

import (
	"encoding/binary"
	"fmt"

	"github.com/cilium/ebpf/asm"

	"microbpf/internal/binimage"
)

// The code generator lowers verified bytecode into amd64 machine code.
//
// ABI: the caller passes a pointer to the 11-slot register file in AX
// (Go's internal amd64 ABI assigns the first pointer argument to AX).
// Every program register lives in its memory slot at [AX + 8*reg]; each
// operation loads the destination into DI and the source into CX,
// operates, and stores back. Only caller-saved scratch registers are
// touched, and the emitted code never pushes, calls, or adjusts SP, so
// the goroutine stack and the runtime's G register stay intact. The
// return value is read out of slot 0 by the caller after RET.
//
// Translatable subset: 64/32-bit register and immediate ALU (add, sub,
// mul, or, and, xor, shifts, neg, mov), all conditional jumps, LDDW with
// a plain 64-bit immediate, and exit. Division, byte swaps, memory
// loads/stores, and calls (helper or program-local) are rejected with
// ErrUnsupportedInstruction and the JIT execution fails; programs needing
// those run only through the interpreter back-end (a request with jit
// off).

type nativeInsn struct {
	op  uint8
	dst uint8
	src uint8
	off int16
	imm int32
}

func decodeInsn(b []byte) nativeInsn {
	regs := b[1]
	return nativeInsn{
		op:  b[0],
		dst: regs & 0x0f,
		src: regs >> 4,
		off: int16(binary.LittleEndian.Uint16(b[2:4])),
		imm: int32(binary.LittleEndian.Uint32(b[4:8])),
	}
}

type fixup struct {
	at     int // offset of the rel32 field inside code
	target int // bytecode slot index the branch lands on
}

type emitter struct {
	code    []byte
	insnOff []int
	fixups  []fixup
}

func (e *emitter) b(bs ...byte) { e.code = append(e.code, bs...) }

func (e *emitter) u32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	e.code = append(e.code, buf[:]...)
}

func (e *emitter) u64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	e.code = append(e.code, buf[:]...)
}

// loadDst emits mov rdi, [rax + 8*reg].
func (e *emitter) loadDst(reg uint8) { e.b(0x48, 0x8B, 0x78, 8*reg) }

// loadSrc emits mov rcx, [rax + 8*reg].
func (e *emitter) loadSrc(reg uint8) { e.b(0x48, 0x8B, 0x48, 8*reg) }

// storeDst emits mov [rax + 8*reg], rdi.
func (e *emitter) storeDst(reg uint8) { e.b(0x48, 0x89, 0x78, 8*reg) }

// loadImm materialises an instruction immediate into CX: sign-extended
// for 64-bit operations, zero-extended for 32-bit ones, matching the
// interpreter's widening rules.
func (e *emitter) loadImm(imm int32, is64 bool) {
	if is64 {
		e.b(0x48, 0xC7, 0xC1) // mov rcx, imm32 (sign-extended)
		e.u32(uint32(imm))
		return
	}
	e.b(0xB9) // mov ecx, imm32
	e.u32(uint32(imm))
}

// op2 emits a two-operand ALU instruction of the CX-into-DI shape
// (ModRM 0xCF), optionally REX.W-prefixed. A 32-bit form writing EDI
// zero-extends into RDI, which is exactly the 32-bit ALU semantics the
// bytecode requires.
func (e *emitter) op2(opcode byte, is64 bool) {
	if is64 {
		e.b(0x48)
	}
	e.b(opcode, 0xCF)
}

// shift emits a DI-by-CL shift (D3 /r group).
func (e *emitter) shift(modrm byte, is64 bool) {
	if is64 {
		e.b(0x48)
	}
	e.b(0xD3, modrm)
}

// fix reserves a rel32 field branching to the given bytecode slot,
// patched once every native offset is known.
func (e *emitter) fix(target int) {
	e.fixups = append(e.fixups, fixup{at: len(e.code), target: target})
	e.u32(0)
}

func (e *emitter) alu(in nativeInsn, is64 bool, slot int) error {
	e.loadDst(in.dst)
	if in.op&uint8(asm.RegSource) != 0 {
		e.loadSrc(in.src)
	} else {
		e.loadImm(in.imm, is64)
	}

	switch asm.ALUOp(in.op & 0xf0) {
	case asm.Add:
		e.op2(0x01, is64)
	case asm.Sub:
		e.op2(0x29, is64)
	case asm.Or:
		e.op2(0x09, is64)
	case asm.And:
		e.op2(0x21, is64)
	case asm.Xor:
		e.op2(0x31, is64)
	case asm.Mov:
		e.op2(0x89, is64)
	case asm.Mul:
		if is64 {
			e.b(0x48)
		}
		e.b(0x0F, 0xAF, 0xF9) // imul (e)di, (e)cx
	case asm.LSh:
		e.shift(0xE7, is64) // shl (e)di, cl
	case asm.RSh:
		e.shift(0xEF, is64) // shr (e)di, cl
	case asm.ArSh:
		e.shift(0xFF, is64) // sar (e)di, cl
	case asm.Neg:
		if is64 {
			e.b(0x48)
		}
		e.b(0xF7, 0xDF) // neg (e)di
	default:
		return fmt.Errorf("%w: alu op %#x at instruction %d", ErrUnsupportedInstruction, in.op&0xf0, slot)
	}
	e.storeDst(in.dst)
	return nil
}

// jcc maps a bytecode jump operation to its amd64 Jcc opcode byte
// (0F xx). Unsigned comparisons use the above/below family, signed ones
// the greater/less family.
func jcc(op asm.JumpOp) (byte, bool) {
	switch op {
	case asm.JEq:
		return 0x84, true
	case asm.JNE:
		return 0x85, true
	case asm.JGT:
		return 0x87, true
	case asm.JGE:
		return 0x83, true
	case asm.JLT:
		return 0x82, true
	case asm.JLE:
		return 0x86, true
	case asm.JSGT:
		return 0x8F, true
	case asm.JSGE:
		return 0x8D, true
	case asm.JSLT:
		return 0x8C, true
	case asm.JSLE:
		return 0x8E, true
	case asm.JSet:
		return 0x85, true // JNZ after TEST
	default:
		return 0, false
	}
}

func (e *emitter) jump(in nativeInsn, op asm.JumpOp, is64 bool, slot int) error {
	cc, ok := jcc(op)
	if !ok {
		return fmt.Errorf("%w: jump op %#x at instruction %d", ErrUnsupportedInstruction, in.op&0xf0, slot)
	}

	e.loadDst(in.dst)
	if in.op&uint8(asm.RegSource) != 0 {
		e.loadSrc(in.src)
	} else {
		e.loadImm(in.imm, is64)
	}

	if is64 {
		e.b(0x48)
	}
	if op == asm.JSet {
		e.b(0x85, 0xCF) // test (e)di, (e)cx
	} else {
		e.b(0x39, 0xCF) // cmp (e)di, (e)cx
	}
	e.b(0x0F, cc)
	e.fix(slot + 1 + int(in.off))
	return nil
}

// emitNative translates verified bytecode into native code. text must
// already have passed interp.Verify, so instruction alignment, register
// ranges, jump bounds, and the trailing exit are givens here.
func emitNative(text []byte) ([]byte, error) {
	n := len(text) / binimage.InstructionWidth
	e := &emitter{insnOff: make([]int, n+1)}

	for slot := 0; slot < n; slot++ {
		e.insnOff[slot] = len(e.code)
		in := decodeInsn(text[slot*binimage.InstructionWidth:])

		switch asm.Class(in.op & 0x07) {
		case asm.ALU64Class, asm.ALUClass:
			if err := e.alu(in, asm.Class(in.op&0x07) == asm.ALU64Class, slot); err != nil {
				return nil, err
			}
		case asm.JumpClass, asm.Jump32Class:
			op := asm.JumpOp(in.op & 0xf0)
			switch op {
			case asm.Exit:
				e.b(0xC3) // ret
			case asm.Ja:
				e.b(0xE9) // jmp rel32
				e.fix(slot + 1 + int(in.off))
			case asm.Call:
				return nil, fmt.Errorf("%w: call at instruction %d", ErrUnsupportedInstruction, slot)
			default:
				if err := e.jump(in, op, asm.Class(in.op&0x07) == asm.JumpClass, slot); err != nil {
					return nil, err
				}
			}
		case asm.LdClass:
			if asm.Mode(in.op&0xe0) != asm.ImmMode || asm.Size(in.op&0x18) != asm.DWord {
				return nil, fmt.Errorf("%w: load mode %#x at instruction %d", ErrUnsupportedInstruction, in.op, slot)
			}
			hi := binary.LittleEndian.Uint32(text[(slot+1)*binimage.InstructionWidth+4:])
			e.b(0x48, 0xBF) // movabs rdi, imm64
			e.u64(uint64(hi)<<32 | uint64(uint32(in.imm)))
			e.storeDst(in.dst)
			slot++ // the continuation slot emitted nothing of its own
			e.insnOff[slot] = len(e.code)
		default:
			return nil, fmt.Errorf("%w: class %#x at instruction %d", ErrUnsupportedInstruction, in.op&0x07, slot)
		}
	}
	e.insnOff[n] = len(e.code)

	for _, f := range e.fixups {
		if f.target < 0 || f.target > n {
			return nil, fmt.Errorf("%w: branch to instruction %d", ErrUnsupportedInstruction, f.target)
		}
		rel := int32(e.insnOff[f.target] - (f.at + 4))
		binary.LittleEndian.PutUint32(e.code[f.at:], uint32(rel))
	}
	return e.code, nil
}
