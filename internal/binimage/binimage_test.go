package binimage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Magic:        Magic,
		Version:      CurrentVersion,
		Flags:        0x00000001,
		DataLen:      16,
		RodataLen:    32,
		TextLen:      64,
		FunctionsLen: 2,
	}

	buf := h.Encode()
	require.Len(t, buf, HeaderSize)

	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestDecodeHeaderShortBuffer(t *testing.T) {
	_, err := DecodeHeader(make([]byte, HeaderSize-1))
	require.ErrorIs(t, err, errShortBuffer)
}

func TestSymbolRoundTrip(t *testing.T) {
	s := Symbol{NameOffset: 12, Flags: 1, LocationOffset: 256}
	got, err := DecodeSymbol(s.Encode())
	require.NoError(t, err)
	require.Equal(t, s, got)
}

func TestRelocatedCallRoundTrip(t *testing.T) {
	r := RelocatedCall{InstructionOffset: 40, FunctionTextOffset: 128}
	got, err := DecodeRelocatedCall(r.Encode())
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestDoubleWordInstrRoundTrip(t *testing.T) {
	d := DoubleWordInstr{
		Opcode:        0x18,
		Registers:     0x01,
		Offset:        0,
		ImmediateLow:  0xDEADBEEF,
		ImmediateHigh: 0x00000001,
	}
	buf := d.Encode()
	require.Len(t, buf, DoubleWordInstrWidth)
	// Continuation slot must be zeroed per the wire format.
	require.Equal(t, []byte{0, 0, 0, 0}, buf[8:12])

	got, err := DecodeDoubleWordInstr(buf)
	require.NoError(t, err)
	require.Equal(t, d, got)
}

func TestCallInstrRoundTrip(t *testing.T) {
	c := CallInstr{Opcode: 0x85, Registers: 0x30, Offset: 0, Immediate: 0x1000}
	got, err := DecodeCallInstr(c.Encode())
	require.NoError(t, err)
	require.Equal(t, c, got)
}

func TestPadLen(t *testing.T) {
	cases := []struct{ n, width, want int }{
		{0, 8, 0},
		{8, 8, 0},
		{1, 8, 7},
		{9, 8, 7},
		{15, 16, 1},
	}
	for _, c := range cases {
		require.Equal(t, c.want, PadLen(c.n, c.width))
	}
}
