package helper

import (
	"errors"

	"microbpf/internal/binimage"
)

// VerificationMode selects when (if ever) a program's helper calls are
// checked against its access list.
type VerificationMode int

const (
	// NoVerification never inspects call instructions; any helper ID is
	// dispatched as-is and an unknown one simply traps at call time.
	NoVerification VerificationMode = iota
	// PreFlight scans every call instruction in .text after the program is
	// loaded and before it executes, rejecting the run outright on a
	// violation.
	PreFlight
	// LoadTime performs the same scan but after the program has already
	// been fetched into a slot; a violation erases the slot rather than
	// rejecting the fetch up front.
	LoadTime
)

// ErrDisallowedHelper is returned when a program's .text calls a helper ID
// absent from its access list.
var ErrDisallowedHelper = errors.New("helper: program calls a helper outside its access list")

// ScanCallInstructions walks text eight bytes at a time and returns every
// helper ID an instruction with CallOpcode references. Calls to other
// program functions (a non-zero source-register nibble) are not reported.
func ScanCallInstructions(text []byte) []ID {
	var ids []ID
	for off := 0; off+binimage.InstructionWidth <= len(text); off += binimage.InstructionWidth {
		instr, err := binimage.DecodeCallInstr(text[off : off+binimage.InstructionWidth])
		if err != nil {
			continue
		}
		if instr.Opcode != binimage.CallOpcode {
			continue
		}
		// A call whose source-register nibble is non-zero targets another
		// program function (relocated-call patched, or resolved in place to
		// an absolute address), not a helper; only immediate-encoded calls
		// with a clear source field name a helper ID.
		if instr.Registers&0xf0 != 0 {
			continue
		}
		ids = append(ids, ID(instr.Immediate))
	}
	return ids
}

// Verify checks that every helper ID text's call instructions reference is
// present in allowed. It returns ErrDisallowedHelper naming the first
// violation found.
func Verify(text []byte, allowed *AccessList) error {
	for _, id := range ScanCallInstructions(text) {
		if !allowed.Allows(id) {
			return ErrDisallowedHelper
		}
	}
	return nil
}
