// Package interp implements the structural verifier and interpreter shared
// by the Interpreter and FemtoContainer back-ends: register file, stack,
// and the eBPF ALU/jump/load/store/call instruction set, dispatched with
// one switch over instruction class that hands each class to its own
// execute method.
package interp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cilium/ebpf/asm"

	"microbpf/internal/binimage"
	"microbpf/internal/helper"
)

// NumRegisters is r0 through r10; r10 is the read-only frame pointer.
const NumRegisters = 11

// FramePointer is the index of the read-only stack-top register.
const FramePointer = 10

// MaxSteps bounds a single execution. The structural verifier (Verify)
// does no loop analysis, so this dynamic bound is the only guard against
// a program that never exits.
const MaxSteps = 1_000_000

// MaxCallDepth bounds the program-local call stack.
const MaxCallDepth = 8

var (
	ErrUnknownHelper      = errors.New("interp: call to unregistered helper")
	ErrOutOfBounds        = errors.New("interp: memory access out of bounds")
	ErrBadInstruction     = errors.New("interp: unrecognised instruction")
	ErrDivideByZero       = errors.New("interp: division by zero")
	ErrStepBudgetExceeded = errors.New("interp: exceeded maximum instruction count")
	ErrCallDepthExceeded  = errors.New("interp: program-local call depth exceeded")
)

// Instruction classes (low 3 bits of the opcode byte), shifted down from
// the cilium/ebpf opcode table rather than re-enumerated by hand.
const (
	classLd    = uint8(asm.LdClass)
	classLdx   = uint8(asm.LdXClass)
	classSt    = uint8(asm.StClass)
	classStx   = uint8(asm.StXClass)
	classAlu32 = uint8(asm.ALUClass)
	classJmp64 = uint8(asm.JumpClass)
	classJmp32 = uint8(asm.Jump32Class)
	classAlu64 = uint8(asm.ALU64Class)
)

// ALU/JMP operation codes. cilium/ebpf keeps them in the upper 4 bits of
// the opcode byte; the dispatch below compares against opcode>>4.
const (
	opAdd  = uint8(asm.Add) >> 4
	opSub  = uint8(asm.Sub) >> 4
	opMul  = uint8(asm.Mul) >> 4
	opDiv  = uint8(asm.Div) >> 4
	opOr   = uint8(asm.Or) >> 4
	opAnd  = uint8(asm.And) >> 4
	opLsh  = uint8(asm.LSh) >> 4
	opRsh  = uint8(asm.RSh) >> 4
	opNeg  = uint8(asm.Neg) >> 4
	opMod  = uint8(asm.Mod) >> 4
	opXor  = uint8(asm.Xor) >> 4
	opMov  = uint8(asm.Mov) >> 4
	opArsh = uint8(asm.ArSh) >> 4
	opEnd  = uint8(asm.Swap) >> 4

	jmpJA   = uint8(asm.Ja) >> 4
	jmpJEQ  = uint8(asm.JEq) >> 4
	jmpJGT  = uint8(asm.JGT) >> 4
	jmpJGE  = uint8(asm.JGE) >> 4
	jmpJSET = uint8(asm.JSet) >> 4
	jmpJNE  = uint8(asm.JNE) >> 4
	jmpJSGT = uint8(asm.JSGT) >> 4
	jmpJSGE = uint8(asm.JSGE) >> 4
	jmpCALL = uint8(asm.Call) >> 4
	jmpEXIT = uint8(asm.Exit) >> 4
	jmpJLT  = uint8(asm.JLT) >> 4
	jmpJLE  = uint8(asm.JLE) >> 4
	jmpJSLT = uint8(asm.JSLT) >> 4
	jmpJSLE = uint8(asm.JSLE) >> 4
)

// LD/LDX/ST/STX size codes (bits 3-4), from the same table.
const (
	sizeW  = uint8(asm.Word) >> 3
	sizeH  = uint8(asm.Half) >> 3
	sizeB  = uint8(asm.Byte) >> 3
	sizeDW = uint8(asm.DWord) >> 3
)

var sizeBytes = map[uint8]int{sizeW: 4, sizeH: 2, sizeB: 1, sizeDW: 8}

// LD/LDX/ST/STX mode codes (bits 5-7). modeData/modeRodata are mibpf
// extensions with no upstream equivalent, layered over the standard
// BPF_MEM mode to tell the interpreter a LDDW immediate is a
// segment-relative offset rather than an already-resolved absolute value
// (see internal/patch's pack/resolve).
const (
	modeImm    = uint8(asm.ImmMode) >> 5
	modeMem    = uint8(asm.MemMode) >> 5
	modeData   = 0x5
	modeRodata = 0x6
)

// localCallSrc is the source-register value marking a call patched by a
// trailing relocated-call record; its immediate is a byte offset into
// .text.
const localCallSrc = binimage.LocalCallRegisters >> 4

type rawInstr struct {
	opcode uint8
	dst    uint8
	src    uint8
	offset int16
	imm    int32
}

func decode(b []byte) rawInstr {
	regs := b[1]
	return rawInstr{
		opcode: b[0],
		dst:    regs & 0x0f,
		src:    regs >> 4,
		offset: int16(binary.LittleEndian.Uint16(b[2:4])),
		imm:    int32(binary.LittleEndian.Uint32(b[4:8])),
	}
}

// Memory is the set of addressable regions an executing program can read
// or write, besides its own interpreter stack. Region addresses are
// synthetic: the interpreter maps region N to a disjoint 32-bit address
// band so a single uint64 register value unambiguously names one region
// plus an offset into it.
type Memory struct {
	Data    []byte
	Rodata  []byte
	Context []byte
	Packet  []byte
}

const (
	bandShift  = 32
	bandStack  = 1
	bandData   = 2
	bandRodata = 3
	bandCtx    = 4
	bandPacket = 5
)

func band(region uint64) uint64 { return region << bandShift }

// Bytes implements helper.Memory directly against the data/rodata/context/
// packet bands, letting a helper registry built ahead of a program's
// private per-call stack (e.g. the execution manager's, which only knows
// the program's segments before it constructs the engine that owns the
// stack) still dereference pointers into those four regions. Addresses in
// the stack band are out of reach through this path; only an *Engine,
// which also implements helper.Memory (see Engine.Bytes below), can see
// its own stack.
func (m Memory) Bytes(addr uint64, n int) ([]byte, bool) {
	region := addr >> bandShift
	off := addr & (uint64(1)<<bandShift - 1)
	var buf []byte
	switch region {
	case bandData:
		buf = m.Data
	case bandRodata:
		buf = m.Rodata
	case bandCtx:
		buf = m.Context
	case bandPacket:
		buf = m.Packet
	default:
		return nil, false
	}
	if n < 0 || int(off)+n > len(buf) {
		return nil, false
	}
	return buf[off : int(off)+n], true
}

// Engine is one program's execution state: registers, its private stack,
// and the memory regions and helper table it was constructed against.
type Engine struct {
	Regs    [NumRegisters]uint64
	Stack   []byte
	Text    []byte
	Mem     Memory
	Helpers *helper.Registry
}

// NewEngine builds an engine with a stack of stackSize bytes. r10 is
// pointed at the synthetic top of that stack.
func NewEngine(text []byte, mem Memory, helpers *helper.Registry, stackSize int) *Engine {
	e := &Engine{
		Stack:   make([]byte, stackSize),
		Text:    text,
		Mem:     mem,
		Helpers: helpers,
	}
	e.Regs[FramePointer] = band(bandStack) + uint64(stackSize)
	return e
}

// Bytes implements helper.Memory, letting registered helpers dereference
// program pointers through the same region map the interpreter itself
// uses for LDX/STX.
func (e *Engine) Bytes(addr uint64, n int) ([]byte, bool) {
	return e.resolve(addr, n)
}

func (e *Engine) resolve(addr uint64, n int) ([]byte, bool) {
	region := addr >> bandShift
	off := addr & (uint64(1)<<bandShift - 1)
	var buf []byte
	switch region {
	case bandStack:
		buf = e.Stack
	case bandData:
		buf = e.Mem.Data
	case bandRodata:
		buf = e.Mem.Rodata
	case bandCtx:
		buf = e.Mem.Context
	case bandPacket:
		buf = e.Mem.Packet
	default:
		return nil, false
	}
	if int(off)+n > len(buf) || n < 0 {
		return nil, false
	}
	return buf[off : int(off)+n], true
}

// Run executes from instruction 0 until the outermost EXIT, a trap, or
// the step budget is exhausted, and returns r0. Program-local calls
// (relocated-call patched, source register marked) run on a bounded
// return stack; EXIT pops it until the top-level frame returns.
func (e *Engine) Run() (uint64, error) {
	pc := 0
	var callStack []int
	for steps := 0; ; steps++ {
		if steps >= MaxSteps {
			return 0, ErrStepBudgetExceeded
		}
		off := pc * binimage.InstructionWidth
		if off < 0 || off+binimage.InstructionWidth > len(e.Text) {
			return 0, fmt.Errorf("%w: pc %d out of range", ErrOutOfBounds, pc)
		}
		in := decode(e.Text[off : off+binimage.InstructionWidth])
		class := in.opcode & 0x7

		switch class {
		case classAlu64, classAlu32:
			if err := e.execALU(in, class == classAlu64); err != nil {
				return 0, err
			}
			pc++
		case classJmp64, classJmp32:
			op := in.opcode >> 4
			if op == jmpEXIT {
				if n := len(callStack); n > 0 {
					pc = callStack[n-1]
					callStack = callStack[:n-1]
					continue
				}
				return e.Regs[0], nil
			}
			if op == jmpCALL {
				switch in.src {
				case localCallSrc:
					if len(callStack) >= MaxCallDepth {
						return 0, ErrCallDepthExceeded
					}
					callStack = append(callStack, pc+1)
					pc = int(uint32(in.imm)) / binimage.InstructionWidth
				case 0:
					fn, ok := e.Helpers.Lookup(helper.ID(uint32(in.imm)))
					if !ok {
						return 0, fmt.Errorf("%w: id %#x", ErrUnknownHelper, in.imm)
					}
					e.Regs[0] = fn(e.Regs[1], e.Regs[2], e.Regs[3], e.Regs[4], e.Regs[5])
					pc++
				default:
					return 0, fmt.Errorf("%w: call with source register %#x", ErrBadInstruction, in.src)
				}
				continue
			}
			taken, err := e.execJump(in, class == classJmp64)
			if err != nil {
				return 0, err
			}
			if taken {
				pc += int(in.offset) + 1
			} else {
				pc++
			}
		case classLd:
			width, err := e.execLoadImm(in, e.Text[off:])
			if err != nil {
				return 0, err
			}
			pc += width
		case classLdx:
			if err := e.execLoadReg(in); err != nil {
				return 0, err
			}
			pc++
		case classSt, classStx:
			if err := e.execStore(in, class == classStx); err != nil {
				return 0, err
			}
			pc++
		default:
			return 0, fmt.Errorf("%w: class %#x", ErrBadInstruction, class)
		}
	}
}

func (e *Engine) execALU(in rawInstr, is64 bool) error {
	op := in.opcode >> 4
	useSrc := (in.opcode>>3)&0x1 == 1

	var src uint64
	if useSrc {
		src = e.Regs[in.src]
	} else {
		src = uint64(uint32(in.imm))
		if is64 {
			src = uint64(int64(in.imm))
		}
	}
	dst := e.Regs[in.dst]

	var res uint64
	switch op {
	case opAdd:
		res = dst + src
	case opSub:
		res = dst - src
	case opMul:
		res = dst * src
	case opDiv:
		if src == 0 {
			return ErrDivideByZero
		}
		res = dst / src
	case opOr:
		res = dst | src
	case opAnd:
		res = dst & src
	case opLsh:
		res = dst << (src & 63)
	case opRsh:
		res = dst >> (src & 63)
	case opNeg:
		res = uint64(-int64(dst))
	case opMod:
		if src == 0 {
			return ErrDivideByZero
		}
		res = dst % src
	case opXor:
		res = dst ^ src
	case opMov:
		res = src
	case opArsh:
		res = uint64(int64(dst) >> (src & 63))
	case opEnd:
		res = dst
	default:
		res = dst
	}
	if !is64 {
		res = uint64(uint32(res))
	}
	e.Regs[in.dst] = res
	return nil
}

// execJump evaluates a conditional (or always-taken) jump; EXIT and CALL
// are handled by Run directly since they manipulate the call stack.
func (e *Engine) execJump(in rawInstr, is64 bool) (taken bool, err error) {
	op := in.opcode >> 4
	if op == jmpJA {
		return true, nil
	}

	useSrc := (in.opcode>>3)&0x1 == 1
	var src uint64
	if useSrc {
		src = e.Regs[in.src]
	} else {
		src = uint64(int64(in.imm))
	}
	dst := e.Regs[in.dst]
	if !is64 {
		dst = uint64(uint32(dst))
		src = uint64(uint32(src))
	}

	switch op {
	case jmpJEQ:
		taken = dst == src
	case jmpJGT:
		taken = dst > src
	case jmpJGE:
		taken = dst >= src
	case jmpJSET:
		taken = dst&src != 0
	case jmpJNE:
		taken = dst != src
	case jmpJSGT:
		taken = int64(dst) > int64(src)
	case jmpJSGE:
		taken = int64(dst) >= int64(src)
	case jmpJLT:
		taken = dst < src
	case jmpJLE:
		taken = dst <= src
	case jmpJSLT:
		taken = int64(dst) < int64(src)
	case jmpJSLE:
		taken = int64(dst) <= int64(src)
	default:
		return false, fmt.Errorf("%w: jmp op %#x", ErrBadInstruction, op)
	}
	return taken, nil
}

// execLoadImm handles the class-LD instructions: only the LDDW family is
// ever legal here (eBPF has no other LD-class opcode since LD_ABS/LD_IND
// were retired). It returns the instruction width in slots (2 for LDDW).
func (e *Engine) execLoadImm(in rawInstr, rest []byte) (int, error) {
	size := (in.opcode >> 3) & 0x3
	mode := (in.opcode >> 5) & 0x7
	if size != sizeDW {
		return 0, fmt.Errorf("%w: LD size %#x", ErrBadInstruction, size)
	}
	if len(rest) < binimage.DoubleWordInstrWidth {
		return 0, fmt.Errorf("%w: truncated LDDW", ErrOutOfBounds)
	}
	dw, err := binimage.DecodeDoubleWordInstr(rest[:binimage.DoubleWordInstrWidth])
	if err != nil {
		return 0, err
	}
	imm64 := uint64(dw.ImmediateLow) | uint64(dw.ImmediateHigh)<<32

	switch mode {
	case modeData:
		e.Regs[in.dst] = band(bandData) + uint64(dw.ImmediateLow)
	case modeRodata:
		e.Regs[in.dst] = band(bandRodata) + uint64(dw.ImmediateLow)
	default:
		e.Regs[in.dst] = imm64
	}
	return 2, nil
}

func (e *Engine) execLoadReg(in rawInstr) error {
	size := (in.opcode >> 3) & 0x3
	n := sizeBytes[size]
	addr := e.Regs[in.src] + uint64(int64(in.offset))
	buf, ok := e.resolve(addr, n)
	if !ok {
		return fmt.Errorf("%w: load %d bytes at %#x", ErrOutOfBounds, n, addr)
	}
	var v uint64
	switch n {
	case 1:
		v = uint64(buf[0])
	case 2:
		v = uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		v = uint64(binary.LittleEndian.Uint32(buf))
	case 8:
		v = binary.LittleEndian.Uint64(buf)
	}
	e.Regs[in.dst] = v
	return nil
}

func (e *Engine) execStore(in rawInstr, fromReg bool) error {
	size := (in.opcode >> 3) & 0x3
	n := sizeBytes[size]
	addr := e.Regs[in.dst] + uint64(int64(in.offset))
	buf, ok := e.resolve(addr, n)
	if !ok {
		return fmt.Errorf("%w: store %d bytes at %#x", ErrOutOfBounds, n, addr)
	}
	var v uint64
	if fromReg {
		v = e.Regs[in.src]
	} else {
		v = uint64(uint32(in.imm))
	}
	switch n {
	case 1:
		buf[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(buf, v)
	}
	return nil
}

// Disassemble renders text using cilium/ebpf's instruction decoder purely
// for diagnostics; a failure to parse (e.g. an mibpf-extended LDDW mode
// cilium's decoder doesn't recognise) falls back to a hex dump rather than
// failing the caller, since this is never on the execution path.
func Disassemble(text []byte) string {
	var insns asm.Instructions
	if err := insns.Unmarshal(bytes.NewReader(text), binary.LittleEndian); err != nil {
		return fmt.Sprintf("% x", text)
	}
	return insns.String()
}
