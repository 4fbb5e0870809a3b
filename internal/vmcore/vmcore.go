// Package vmcore implements the uniform load/verify/execute contract every
// VM back-end must satisfy, the four on-wire binary layouts a program may
// arrive in, and the timing wrapper that instruments any of them.
package vmcore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"microbpf/internal/binimage"
	"microbpf/internal/elfreader"
	"microbpf/internal/helper"
	"microbpf/internal/patch"
	"microbpf/internal/vmcore/femto"
	"microbpf/internal/vmcore/interp"
	"microbpf/internal/vmcore/jit"
)

// Layout names the on-wire shape of a deployed program.
type Layout int

const (
	OnlyText Layout = iota
	FemtoHeader
	ExtendedHeader
	RawObject
)

func (l Layout) String() string {
	switch l {
	case OnlyText:
		return "only_text"
	case FemtoHeader:
		return "femto_header"
	case ExtendedHeader:
		return "extended_header"
	case RawObject:
		return "raw_object"
	default:
		return "unknown"
	}
}

// Target names the back-end family a configuration selects.
type Target int

const (
	Interpreter Target = iota
	FemtoContainer
)

var (
	ErrUnsupportedLayout = errors.New("vmcore: layout not supported by this back-end")
	ErrUnsupportedTarget = errors.New("vmcore: unknown target")
)

// DefaultStackSize is the interpreter back-end's stack allocation; every
// InterpreterVM uses it (FemtoContainer always uses femto.StackSize
// instead).
const DefaultStackSize = 4096

// Parsed is a decoded program: its segments, the function symbol table
// and relocated-call records trailing them, and, for ExtendedHeader, its
// embedded allowed-helper list. The relocated calls have already been
// applied to Text by the time Parse returns.
type Parsed struct {
	Layout         Layout
	Data           []byte
	Rodata         []byte
	Text           []byte
	Functions      []binimage.Symbol
	RelocatedCalls []binimage.RelocatedCall
	AllowedHelpers []helper.ID
}

// Parse decodes raw according to layout. RawObject is handled separately
// by the JIT/interpreter's ResolveInPlace step, since it requires a base
// address the generic parser doesn't have.
func Parse(layout Layout, raw []byte) (Parsed, error) {
	switch layout {
	case OnlyText:
		return Parsed{Layout: layout, Text: raw}, nil
	case FemtoHeader:
		return parseHeadered(layout, raw, false)
	case ExtendedHeader:
		return parseHeadered(layout, raw, true)
	default:
		return Parsed{}, fmt.Errorf("%w: %s", ErrUnsupportedLayout, layout)
	}
}

func parseHeadered(layout Layout, raw []byte, extended bool) (Parsed, error) {
	h, err := binimage.DecodeHeader(raw)
	if err != nil {
		return Parsed{}, err
	}
	off := binimage.HeaderSize

	readSeg := func(n uint32) ([]byte, error) {
		padded := int(n) + binimage.PadLen(int(n), binimage.InstructionWidth)
		if off+padded > len(raw) {
			return nil, fmt.Errorf("%w: segment overruns image", errTruncatedImage)
		}
		seg := raw[off : off+int(n)]
		off += padded
		return seg, nil
	}

	data, err := readSeg(h.DataLen)
	if err != nil {
		return Parsed{}, err
	}
	rodata, err := readSeg(h.RodataLen)
	if err != nil {
		return Parsed{}, err
	}
	if off+int(h.TextLen) > len(raw) {
		return Parsed{}, fmt.Errorf("%w: .text overruns image", errTruncatedImage)
	}
	text := raw[off : off+int(h.TextLen)]
	off += int(h.TextLen)

	p := Parsed{Layout: layout, Data: data, Rodata: rodata, Text: text}

	for i := uint32(0); i < h.FunctionsLen; i++ {
		if off+binimage.SymbolSize > len(raw) {
			return Parsed{}, fmt.Errorf("%w: symbol table overruns image", errTruncatedImage)
		}
		sym, serr := binimage.DecodeSymbol(raw[off:])
		if serr != nil {
			return Parsed{}, serr
		}
		p.Functions = append(p.Functions, sym)
		off += binimage.SymbolSize
	}

	// Header.Flags counts the relocated-call records trailing the symbol
	// table; each one patches a call instruction with its function's
	// .text offset before the program ever reaches Verify or Execute.
	for i := uint32(0); i < h.Flags; i++ {
		if off+binimage.RelocatedCallSize > len(raw) {
			return Parsed{}, fmt.Errorf("%w: relocated-call records overrun image", errTruncatedImage)
		}
		rc, rerr := binimage.DecodeRelocatedCall(raw[off:])
		if rerr != nil {
			return Parsed{}, rerr
		}
		p.RelocatedCalls = append(p.RelocatedCalls, rc)
		off += binimage.RelocatedCallSize
	}
	applyRelocatedCalls(text, p.RelocatedCalls)

	if !extended {
		return p, nil
	}
	// Whatever remains after the header+segments+symbol table+call
	// records is the embedded allowed-helper list, stored in its compact
	// one-byte-per-ID form.
	if off <= len(raw) {
		p.AllowedHelpers = helper.DecodeCompactList(raw[off:])
	}
	return p, nil
}

// applyRelocatedCalls patches each call instruction named by a trailing
// relocated-call record: its immediate becomes the target's byte offset
// in .text and its source-register nibble is marked so the interpreter
// routes it through the program-local call stack instead of the helper
// table. Records pointing outside .text or at a non-call instruction are
// skipped. Patching sets rather than adjusts, so reapplying to an
// already-patched image changes nothing.
func applyRelocatedCalls(text []byte, calls []binimage.RelocatedCall) {
	for _, rc := range calls {
		off := int(rc.InstructionOffset)
		if off < 0 || off+binimage.InstructionWidth > len(text) {
			continue
		}
		instr, err := binimage.DecodeCallInstr(text[off : off+binimage.InstructionWidth])
		if err != nil || instr.Opcode != binimage.CallOpcode {
			continue
		}
		instr.Registers = instr.Registers&0x0f | binimage.LocalCallRegisters
		instr.Immediate = rc.FunctionTextOffset
		copy(text[off:off+binimage.InstructionWidth], instr.Encode())
	}
}

var errTruncatedImage = errors.New("vmcore: image shorter than its header declares")

// Memory builds the interp.Memory view for a parsed program, optionally
// attaching packet/context buffers for execute_with_packet.
func (p Parsed) Memory(packet, context []byte) interp.Memory {
	return interp.Memory{Data: p.Data, Rodata: p.Rodata, Packet: packet, Context: context}
}

// Timings records the phase breakdown every execute/fetch response
// carries: total_time is the sum of the phases it measured, so it is never
// less than that sum.
type Timings struct {
	LoadTime         int64 // microseconds
	VerificationTime int64
	ExecutionTime    int64
	TotalTime        int64
}

// ExecutionResult is what every back-end's Execute/ExecuteWithPacket
// returns.
type ExecutionResult struct {
	ReturnValue int64
	Timings     Timings
	Err         error
}

// VM is the uniform contract every back-end must satisfy.
type VM interface {
	Load(program []byte) error
	Verify(mode helper.VerificationMode, allowed *helper.AccessList) error
	Execute() ExecutionResult
	ExecuteWithPacket(packet []byte) ExecutionResult
	ProgramLength() int
}

// InterpreterVM is the Interpreter back-end: it runs any of the four
// layouts, resolving RawObject in place against programBase.
type InterpreterVM struct {
	layout      Layout
	programBase uint32
	helpers     *helper.Registry
	stackSize   int

	parsed  Parsed
	rawText []byte // post-ResolveInPlace .text for RawObject
}

// NewInterpreterVM builds an Interpreter back-end for layout, executing
// helper calls against helpers and relocating RawObject images against
// programBase.
func NewInterpreterVM(layout Layout, programBase uint32, helpers *helper.Registry) *InterpreterVM {
	return &InterpreterVM{layout: layout, programBase: programBase, helpers: helpers, stackSize: DefaultStackSize}
}

func (v *InterpreterVM) Load(program []byte) error {
	if v.layout == RawObject {
		buf := make([]byte, len(program))
		copy(buf, program)
		if err := patch.ResolveInPlace(buf, v.programBase); err != nil {
			return err
		}
		obj, err := elfreader.Read(buf)
		if err != nil {
			return err
		}
		text, ok := obj.Section(".text")
		if !ok {
			return patch.ErrMissingText
		}
		v.rawText = buf[text.Offset : text.Offset+uint64(len(text.Data))]
		return nil
	}
	p, err := Parse(v.layout, program)
	if err != nil {
		return err
	}
	v.parsed = p
	return nil
}

func (v *InterpreterVM) text() []byte {
	if v.layout == RawObject {
		return v.rawText
	}
	return v.parsed.Text
}

func (v *InterpreterVM) Verify(mode helper.VerificationMode, allowed *helper.AccessList) error {
	if err := interp.Verify(v.text()); err != nil {
		return err
	}
	if mode == helper.PreFlight {
		return helper.Verify(v.text(), allowed)
	}
	return nil
}

func (v *InterpreterVM) Execute() ExecutionResult {
	return v.run(nil, nil)
}

func (v *InterpreterVM) ExecuteWithPacket(packet []byte) ExecutionResult {
	ctx := make([]byte, 24)
	binary.LittleEndian.PutUint64(ctx[8:], uint64(len(packet)))
	return v.run(packet, ctx)
}

func (v *InterpreterVM) run(packet, ctx []byte) ExecutionResult {
	var mem interp.Memory
	if v.layout == RawObject {
		mem = interp.Memory{Packet: packet, Context: ctx}
	} else {
		mem = v.parsed.Memory(packet, ctx)
	}
	e := interp.NewEngine(v.text(), mem, v.helpers, v.stackSize)
	ret, err := e.Run()
	return ExecutionResult{ReturnValue: int64(ret), Err: err}
}

func (v *InterpreterVM) ProgramLength() int { return len(v.text()) }

// FemtoVM is the FemtoContainer back-end: FemtoHeader only, fixed 512-byte
// stack allocated fresh per execution.
type FemtoVM struct {
	helpers *helper.Registry
	parsed  Parsed
}

func NewFemtoVM(helpers *helper.Registry) *FemtoVM {
	return &FemtoVM{helpers: helpers}
}

func (v *FemtoVM) Load(program []byte) error {
	p, err := Parse(FemtoHeader, program)
	if err != nil {
		return err
	}
	v.parsed = p
	return nil
}

func (v *FemtoVM) Verify(mode helper.VerificationMode, allowed *helper.AccessList) error {
	if err := interp.Verify(v.parsed.Text); err != nil {
		return err
	}
	if mode == helper.PreFlight {
		return helper.Verify(v.parsed.Text, allowed)
	}
	return nil
}

func (v *FemtoVM) Execute() ExecutionResult {
	ret, err := femto.Run(v.parsed.Text, v.parsed.Memory(nil, nil), v.helpers)
	return ExecutionResult{ReturnValue: int64(ret), Err: err}
}

func (v *FemtoVM) ExecuteWithPacket(packet []byte) ExecutionResult {
	ctx := make([]byte, 24)
	binary.LittleEndian.PutUint64(ctx[8:], uint64(len(packet)))
	ret, err := femto.Run(v.parsed.Text, v.parsed.Memory(packet, ctx), v.helpers)
	return ExecutionResult{ReturnValue: int64(ret), Err: err}
}

func (v *FemtoVM) ProgramLength() int { return len(v.parsed.Text) }

// JITVM is the JIT back-end: only valid against the RawObject layout.
type JITVM struct {
	backend     *jit.Backend
	slot        int
	programBase uint32
	jitCompile  bool
}

// NewJITVM wires a JIT back-end against slot idx of backend. backend is
// shared across every execute request that may target this slot (typically
// owned by the execution manager for the process's lifetime) so that a
// second execute with jit_compile=false reuses the translated native
// code without recompiling across separate VM instances, not just
// repeated calls on the same one. jitCompile mirrors the request's
// jit_compile flag: when false, Load skips (re)translation if the slot
// already holds code.
func NewJITVM(backend *jit.Backend, idx int, programBase uint32, jitCompile bool) *JITVM {
	return &JITVM{backend: backend, slot: idx, programBase: programBase, jitCompile: jitCompile}
}

func (v *JITVM) Load(program []byte) error {
	if !v.jitCompile {
		if occ, err := v.backend.Occupied(v.slot); err != nil {
			return err
		} else if occ {
			return nil
		}
	}

	buf := make([]byte, len(program))
	copy(buf, program)
	if err := patch.ResolveInPlace(buf, v.programBase); err != nil {
		return err
	}
	obj, err := elfreader.Read(buf)
	if err != nil {
		return err
	}
	text, ok := obj.Section(".text")
	if !ok {
		return patch.ErrMissingText
	}
	relocated := buf[text.Offset : text.Offset+uint64(len(text.Data))]
	return v.backend.Initialise(v.slot, relocated)
}

// Verify runs the structural verifier (and the pre-flight helper scan)
// against the source bytecode the slot was translated from, not the
// emitted native code.
func (v *JITVM) Verify(mode helper.VerificationMode, allowed *helper.AccessList) error {
	text, err := v.backend.Text(v.slot)
	if err != nil {
		return err
	}
	if err := interp.Verify(text); err != nil {
		return err
	}
	if mode == helper.PreFlight {
		return helper.Verify(text, allowed)
	}
	return nil
}

func (v *JITVM) Execute() ExecutionResult {
	ret, err := v.backend.Execute(v.slot)
	return ExecutionResult{ReturnValue: int64(ret), Err: err}
}

func (v *JITVM) ExecuteWithPacket(packet []byte) ExecutionResult {
	ret, err := v.backend.ExecuteWithPacket(v.slot, packet)
	return ExecutionResult{ReturnValue: int64(ret), Err: err}
}

func (v *JITVM) ProgramLength() int {
	n, _ := v.backend.ProgramLength(v.slot)
	return n
}
