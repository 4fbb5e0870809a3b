package patch

import (
	"errors"

	"microbpf/internal/binimage"
	"microbpf/internal/elfreader"
)

// ErrMissingText is returned by ResolveInPlace when the object has no
// .text section: unlike Pack, the in-place resolver has nothing to patch
// in that case and treats it as fatal.
var ErrMissingText = errors.New("patch: object has no .text section")

// ResolveInPlace performs on-device in-place relocation: it re-parses buf
// as an ELF object and patches every relocation targeting .text directly
// inside buf, using programBase as the address the object was loaded at.
//
// The resolved address is SET (rather than added) into each instruction's
// immediate. That makes resolution idempotent: running it twice against
// an already-resolved buffer reproduces the same bytes instead of
// accumulating programBase a second time.
func ResolveInPlace(buf []byte, programBase uint32) error {
	obj, err := elfreader.Read(buf)
	if err != nil {
		return err
	}

	textSec, ok := obj.Section(".text")
	if !ok {
		return ErrMissingText
	}
	text := buf[textSec.Offset : textSec.Offset+uint64(len(textSec.Data))]

	for _, r := range obj.Relocations {
		if r.TargetSection != textSec.Index {
			continue
		}

		sym, err := obj.Symbol(r.SymbolIndex)
		if err != nil {
			// Out-of-range symbol index: skip this relocation, not fatal.
			continue
		}

		symSecIdx := int(sym.Section)
		if symSecIdx < 0 || symSecIdx >= len(obj.Sections) {
			continue
		}
		symSec := obj.Sections[symSecIdx]
		effectiveAddr := uint32(uint64(programBase) + symSec.Offset + sym.Value)

		off := int(r.InstructionOffset)
		if off < 0 || off >= len(text) {
			// Relocation points outside .text: skip with a diagnostic,
			// not fatal.
			continue
		}

		switch text[off] {
		case binimage.LDDWOpcode:
			if off+binimage.DoubleWordInstrWidth > len(text) {
				continue
			}
			instr, derr := binimage.DecodeDoubleWordInstr(text[off : off+binimage.DoubleWordInstrWidth])
			if derr != nil {
				continue
			}
			instr.ImmediateLow = effectiveAddr
			copy(text[off:off+binimage.DoubleWordInstrWidth], instr.Encode())
		case binimage.CallOpcode:
			if off+binimage.InstructionWidth > len(text) {
				continue
			}
			instr, derr := binimage.DecodeCallInstr(text[off : off+binimage.InstructionWidth])
			if derr != nil {
				continue
			}
			instr.Registers = binimage.AbsoluteCallRegisters
			instr.Immediate = effectiveAddr
			copy(text[off:off+binimage.InstructionWidth], instr.Encode())
		default:
			// Any other opcode at a relocation site is a diagnostic-worthy
			// skip, not fatal.
		}
	}

	return nil
}
