package interp

import (
	"errors"
	"fmt"

	"microbpf/internal/binimage"
)

var (
	ErrTruncatedProgram = errors.New("interp: program length not a multiple of the instruction width")
	ErrJumpOutOfRange   = errors.New("interp: jump target outside program bounds")
	ErrMissingExit      = errors.New("interp: program does not end in an exit instruction")
	ErrBadRegister      = errors.New("interp: register index out of range")
)

// Verify runs the structural checks a loader must pass before a program is
// ever handed to Run: instruction-aligned length, every register reference
// in range, every jump target inside .text, and a final EXIT. It does not
// attempt dataflow analysis (divergent-register tracking, stack slot
// typing) the kernel verifier performs; this runtime trusts the
// deploy-time toolchain for that and only guards against a malformed or
// truncated image reaching Run.
func Verify(text []byte) error {
	if len(text) == 0 || len(text)%binimage.InstructionWidth != 0 {
		return ErrTruncatedProgram
	}
	numSlots := len(text) / binimage.InstructionWidth

	for slot := 0; slot < numSlots; slot++ {
		off := slot * binimage.InstructionWidth
		in := decode(text[off : off+binimage.InstructionWidth])

		if in.dst >= NumRegisters || in.src >= NumRegisters {
			return fmt.Errorf("%w: instruction %d", ErrBadRegister, slot)
		}

		class := in.opcode & 0x7
		switch class {
		case classJmp64, classJmp32:
			op := in.opcode >> 4
			if op == jmpCALL || op == jmpEXIT {
				continue
			}
			target := slot + int(in.offset) + 1
			if target < 0 || target >= numSlots {
				return fmt.Errorf("%w: instruction %d targets %d", ErrJumpOutOfRange, slot, target)
			}
		case classLd:
			// LDDW occupies two slots; skip the continuation slot.
			if slot+1 >= numSlots {
				return fmt.Errorf("%w: truncated LDDW at instruction %d", ErrTruncatedProgram, slot)
			}
			slot++
		}
	}

	lastOff := (numSlots - 1) * binimage.InstructionWidth
	last := decode(text[lastOff : lastOff+binimage.InstructionWidth])
	lastClass := last.opcode & 0x7
	if (lastClass != classJmp64 && lastClass != classJmp32) || last.opcode>>4 != jmpEXIT {
		return ErrMissingExit
	}
	return nil
}
