package interp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"microbpf/internal/binimage"
	"microbpf/internal/helper"
)

func regs(dst, src uint8) uint8 { return dst&0x0f | src<<4 }

// mov64 dst, imm: opcode = ALU64 class | MOV op<<4 | K source (bit3=0).
func mov64(dst uint8, imm int32) []byte {
	return binimage.CallInstr{Opcode: byte(classAlu64 | opMov<<4), Registers: regs(dst, 0), Immediate: uint32(imm)}.Encode()
}

// movReg64 dst, src: same op, X source (bit3=1).
func movReg64(dst, src uint8) []byte {
	return binimage.CallInstr{Opcode: byte(classAlu64 | 1<<3 | opMov<<4), Registers: regs(dst, src)}.Encode()
}

func add64(dst uint8, imm int32) []byte {
	return binimage.CallInstr{Opcode: byte(classAlu64 | opAdd<<4), Registers: regs(dst, 0), Immediate: uint32(imm)}.Encode()
}

func sub64Imm(dst uint8, imm int32) []byte {
	return binimage.CallInstr{Opcode: byte(classAlu64 | opSub<<4), Registers: regs(dst, 0), Immediate: uint32(imm)}.Encode()
}

func storeMem(size uint8, dst, src uint8, offset int16) []byte {
	return binimage.CallInstr{Opcode: byte(classStx | size<<3 | modeMem<<5), Registers: regs(dst, src), Offset: uint16(offset)}.Encode()
}

func loadMem(size uint8, dst, src uint8, offset int16) []byte {
	return binimage.CallInstr{Opcode: byte(classLdx | size<<3 | modeMem<<5), Registers: regs(dst, src), Offset: uint16(offset)}.Encode()
}

func exit() []byte {
	return binimage.CallInstr{Opcode: byte(classJmp64 | jmpEXIT<<4)}.Encode()
}

func callHelper(id helper.ID) []byte {
	return binimage.CallInstr{Opcode: byte(classJmp64 | jmpCALL<<4), Immediate: uint32(id)}.Encode()
}

func TestRunMovAddExit(t *testing.T) {
	var text []byte
	text = append(text, mov64(0, 40)...)
	text = append(text, add64(0, 2)...)
	text = append(text, exit()...)

	e := NewEngine(text, Memory{}, helper.NewRegistry(), 512)
	ret, err := e.Run()
	require.NoError(t, err)
	require.Equal(t, uint64(42), ret)
}

func TestRunCallsRegisteredHelper(t *testing.T) {
	reg := helper.NewRegistry()
	reg.Register(helper.DebugPrint, func(r1, _, _, _, _ uint64) uint64 { return r1 + 1 })

	var text []byte
	text = append(text, mov64(1, 41)...)
	text = append(text, callHelper(helper.DebugPrint)...)
	text = append(text, exit()...)

	e := NewEngine(text, Memory{}, reg, 512)
	ret, err := e.Run()
	require.NoError(t, err)
	require.Equal(t, uint64(42), ret)
}

func div64(dst uint8, imm int32) []byte {
	return binimage.CallInstr{Opcode: byte(classAlu64 | opDiv<<4), Registers: regs(dst, 0), Immediate: uint32(imm)}.Encode()
}

func TestRunDivideByZeroTraps(t *testing.T) {
	var text []byte
	text = append(text, mov64(0, 10)...)
	text = append(text, div64(0, 0)...)
	text = append(text, exit()...)

	e := NewEngine(text, Memory{}, helper.NewRegistry(), 512)
	_, err := e.Run()
	require.ErrorIs(t, err, ErrDivideByZero)
}

func TestRunUnknownHelperTraps(t *testing.T) {
	var text []byte
	text = append(text, callHelper(helper.ID(0xFF))...)
	text = append(text, exit()...)

	e := NewEngine(text, Memory{}, helper.NewRegistry(), 512)
	_, err := e.Run()
	require.ErrorIs(t, err, ErrUnknownHelper)
}

func TestRunProgramLocalCall(t *testing.T) {
	// call -> text[16]; exit; [function] r0 = 7; exit
	call := binimage.CallInstr{
		Opcode:    byte(classJmp64 | jmpCALL<<4),
		Registers: binimage.LocalCallRegisters,
		Immediate: 16,
	}.Encode()
	var text []byte
	text = append(text, call...)
	text = append(text, exit()...)
	text = append(text, mov64(0, 7)...)
	text = append(text, exit()...)

	e := NewEngine(text, Memory{}, helper.NewRegistry(), 512)
	ret, err := e.Run()
	require.NoError(t, err)
	require.Equal(t, uint64(7), ret)
}

func TestRunLocalCallDepthBounded(t *testing.T) {
	// A function that calls itself never returns through the exit.
	call := binimage.CallInstr{
		Opcode:    byte(classJmp64 | jmpCALL<<4),
		Registers: binimage.LocalCallRegisters,
		Immediate: 0,
	}.Encode()
	text := append(call, exit()...)

	e := NewEngine(text, Memory{}, helper.NewRegistry(), 512)
	_, err := e.Run()
	require.ErrorIs(t, err, ErrCallDepthExceeded)
}

func TestVerifyRejectsTruncatedProgram(t *testing.T) {
	require.ErrorIs(t, Verify([]byte{1, 2, 3}), ErrTruncatedProgram)
}

func TestVerifyRejectsMissingExit(t *testing.T) {
	require.ErrorIs(t, Verify(mov64(0, 1)), ErrMissingExit)
}

func TestVerifyRejectsOutOfRangeJump(t *testing.T) {
	jmp := binimage.CallInstr{Opcode: byte(classJmp64 | jmpJA<<4), Offset: 100}.Encode()
	var text []byte
	text = append(text, jmp...)
	text = append(text, exit()...)
	require.ErrorIs(t, Verify(text), ErrJumpOutOfRange)
}

func TestVerifyAcceptsWellFormedProgram(t *testing.T) {
	var text []byte
	text = append(text, mov64(0, 42)...)
	text = append(text, exit()...)
	require.NoError(t, Verify(text))
}

func TestStoreAndLoadStack(t *testing.T) {
	// r1 = r10; r1 -= 8; r0 = 7; *(u64*)(r1+0) = r0; r0 = 0; r0 = *(u64*)(r1+0); exit
	var text []byte
	text = append(text, movReg64(1, FramePointer)...)
	text = append(text, sub64Imm(1, 8)...)
	text = append(text, mov64(0, 7)...)
	text = append(text, storeMem(sizeDW, 1, 0, 0)...)
	text = append(text, mov64(0, 0)...)
	text = append(text, loadMem(sizeDW, 0, 1, 0)...)
	text = append(text, exit()...)

	e := NewEngine(text, Memory{}, helper.NewRegistry(), 512)
	ret, err := e.Run()
	require.NoError(t, err)
	require.Equal(t, uint64(7), ret)
}

func TestRunLoadsRodataOffset(t *testing.T) {
	rodata := []byte("hello\x00\x00\x00")
	dw := binimage.DoubleWordInstr{Opcode: binimage.LDDWRodataOpcode, Registers: regs(1, 0), ImmediateLow: 0}
	var text []byte
	text = append(text, dw.Encode()...)
	text = append(text, loadMem(sizeB, 0, 1, 0)...)
	text = append(text, exit()...)

	e := NewEngine(text, Memory{Rodata: rodata}, helper.NewRegistry(), 512)
	ret, err := e.Run()
	require.NoError(t, err)
	require.Equal(t, uint64('h'), ret)
}
