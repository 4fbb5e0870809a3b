// Package binimage defines the packed on-wire byte layouts shared by every
// binary layout the runtime accepts: the extended-header, the symbol table,
// the two instruction shapes relocations patch, and the trailing
// relocated-call records. Every type here is little-endian and has no
// implicit padding; fields are serialised one at a time rather than via
// struct layout, since Go gives no alignment guarantees across platforms.
package binimage

import "encoding/binary"

// Instruction widths, in bytes. Most eBPF instructions are one slot wide;
// an immediate load that must carry a full 64-bit value occupies two.
const (
	InstructionWidth     = 8
	DoubleWordInstrWidth = 16
)

// Magic identifies a FemtoHeader/ExtendedHeader image. Version 1 is the
// only wire version this runtime understands.
const (
	Magic          = 0x0FEB
	CurrentVersion = 1
)

// Opcodes the patcher and resolver care about. LDDWOpcode is the generic
// eBPF "load 64-bit immediate" opcode a compiler emits for any relocatable
// load; the patcher rewrites it to LDDWDataOpcode or LDDWRodataOpcode to
// tell the interpreter which segment the load targets. CallOpcode is the
// standard eBPF call instruction (BPF_JMP | BPF_CALL).
const (
	LDDWOpcode       = 0x18
	LDDWDataOpcode   = 0xB8
	LDDWRodataOpcode = 0xD8
	CallOpcode       = 0x85

	// AbsoluteCallRegisters is written into a call instruction's register
	// field by the in-place resolver to mark it as resolved to an absolute
	// address rather than a relative .text offset.
	AbsoluteCallRegisters = 0x30

	// LocalCallRegisters is set in a call instruction's source-register
	// nibble when a trailing relocated-call record resolves it: the
	// immediate then carries a byte offset into .text rather than a
	// helper ID.
	LocalCallRegisters = 0x10
)

// Header is the fixed-size preamble of the FemtoHeader and ExtendedHeader
// layouts. All seven fields are 32-bit, giving a 28-byte header with no
// implicit padding.
type Header struct {
	Magic   uint32
	Version uint32
	// Flags carries the number of trailing relocated-call records that
	// follow the symbol table.
	Flags        uint32
	DataLen      uint32
	RodataLen    uint32
	TextLen      uint32
	FunctionsLen uint32
}

// HeaderSize is the encoded size of Header in bytes.
const HeaderSize = 28

// Encode writes h in wire order to a fresh 28-byte slice.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.Flags)
	binary.LittleEndian.PutUint32(buf[12:16], h.DataLen)
	binary.LittleEndian.PutUint32(buf[16:20], h.RodataLen)
	binary.LittleEndian.PutUint32(buf[20:24], h.TextLen)
	binary.LittleEndian.PutUint32(buf[24:28], h.FunctionsLen)
	return buf
}

// DecodeHeader parses a Header from the front of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errShortBuffer
	}
	return Header{
		Magic:        binary.LittleEndian.Uint32(buf[0:4]),
		Version:      binary.LittleEndian.Uint32(buf[4:8]),
		Flags:        binary.LittleEndian.Uint32(buf[8:12]),
		DataLen:      binary.LittleEndian.Uint32(buf[12:16]),
		RodataLen:    binary.LittleEndian.Uint32(buf[16:20]),
		TextLen:      binary.LittleEndian.Uint32(buf[20:24]),
		FunctionsLen: binary.LittleEndian.Uint32(buf[24:28]),
	}, nil
}

// Symbol is one 6-byte symbol record trailing the section data of an
// ExtendedHeader image: a globally-bound function, its verification flags,
// and the offset of its first instruction within .text.
type Symbol struct {
	NameOffset     uint16
	Flags          uint16
	LocationOffset uint16
}

const SymbolSize = 6

func (s Symbol) Encode() []byte {
	buf := make([]byte, SymbolSize)
	binary.LittleEndian.PutUint16(buf[0:2], s.NameOffset)
	binary.LittleEndian.PutUint16(buf[2:4], s.Flags)
	binary.LittleEndian.PutUint16(buf[4:6], s.LocationOffset)
	return buf
}

func DecodeSymbol(buf []byte) (Symbol, error) {
	if len(buf) < SymbolSize {
		return Symbol{}, errShortBuffer
	}
	return Symbol{
		NameOffset:     binary.LittleEndian.Uint16(buf[0:2]),
		Flags:          binary.LittleEndian.Uint16(buf[2:4]),
		LocationOffset: binary.LittleEndian.Uint16(buf[4:6]),
	}, nil
}

// RelocatedCall is a trailing 8-byte record instructing the loader to patch
// a specific call instruction with a resolved .text offset.
type RelocatedCall struct {
	InstructionOffset  uint32
	FunctionTextOffset uint32
}

const RelocatedCallSize = 8

func (r RelocatedCall) Encode() []byte {
	buf := make([]byte, RelocatedCallSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.InstructionOffset)
	binary.LittleEndian.PutUint32(buf[4:8], r.FunctionTextOffset)
	return buf
}

func DecodeRelocatedCall(buf []byte) (RelocatedCall, error) {
	if len(buf) < RelocatedCallSize {
		return RelocatedCall{}, errShortBuffer
	}
	return RelocatedCall{
		InstructionOffset:  binary.LittleEndian.Uint32(buf[0:4]),
		FunctionTextOffset: binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// DoubleWordInstr is the 16-byte two-slot instruction eBPF uses to
// materialise a 64-bit immediate (BPF_LD | BPF_DW | BPF_IMM). Only its
// first slot carries real opcode/register/offset bits; the second slot is
// the continuation word used to widen the immediate to 64 bits.
type DoubleWordInstr struct {
	Opcode        uint8
	Registers     uint8
	Offset        uint16
	ImmediateLow  uint32
	ImmediateHigh uint32
}

func (d DoubleWordInstr) Encode() []byte {
	buf := make([]byte, DoubleWordInstrWidth)
	buf[0] = d.Opcode
	buf[1] = d.Registers
	binary.LittleEndian.PutUint16(buf[2:4], d.Offset)
	binary.LittleEndian.PutUint32(buf[4:8], d.ImmediateLow)
	// buf[8], buf[9] are the continuation opcode/registers, always 0.
	// buf[10:12] is the continuation offset, always 0.
	binary.LittleEndian.PutUint32(buf[12:16], d.ImmediateHigh)
	return buf
}

func DecodeDoubleWordInstr(buf []byte) (DoubleWordInstr, error) {
	if len(buf) < DoubleWordInstrWidth {
		return DoubleWordInstr{}, errShortBuffer
	}
	return DoubleWordInstr{
		Opcode:        buf[0],
		Registers:     buf[1],
		Offset:        binary.LittleEndian.Uint16(buf[2:4]),
		ImmediateLow:  binary.LittleEndian.Uint32(buf[4:8]),
		ImmediateHigh: binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// CallInstr is the standard 8-byte call-shaped instruction: opcode,
// registers, offset, and a 32-bit immediate that a relocated-call record
// or the in-place resolver fills with the final target.
type CallInstr struct {
	Opcode    uint8
	Registers uint8
	Offset    uint16
	Immediate uint32
}

func (c CallInstr) Encode() []byte {
	buf := make([]byte, InstructionWidth)
	buf[0] = c.Opcode
	buf[1] = c.Registers
	binary.LittleEndian.PutUint16(buf[2:4], c.Offset)
	binary.LittleEndian.PutUint32(buf[4:8], c.Immediate)
	return buf
}

func DecodeCallInstr(buf []byte) (CallInstr, error) {
	if len(buf) < InstructionWidth {
		return CallInstr{}, errShortBuffer
	}
	return CallInstr{
		Opcode:    buf[0],
		Registers: buf[1],
		Offset:    binary.LittleEndian.Uint16(buf[2:4]),
		Immediate: binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// PadLen returns the number of zero bytes needed to round n up to a
// multiple of width.
func PadLen(n, width int) int {
	rem := n % width
	if rem == 0 {
		return 0
	}
	return width - rem
}
