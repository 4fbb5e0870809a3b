// Package femto implements the femto-container back-end: a constrained
// interpreter that always executes over the fixed FemtoHeader layout with
// its own 512-byte stack allocated fresh per execution, unlike the general
// Interpreter back-end, which uses a larger fixed default stack.
package femto

import (
	"microbpf/internal/helper"
	"microbpf/internal/vmcore/interp"
)

// StackSize is the fixed per-execution stack every femto-container program
// runs against: a small, fixed, statically sized working area is what
// makes this back-end cheap enough to spin up fresh for every call.
const StackSize = 512

// Run executes text against mem with a fresh 512-byte stack and returns r0.
func Run(text []byte, mem interp.Memory, helpers *helper.Registry) (uint64, error) {
	if err := interp.Verify(text); err != nil {
		return 0, err
	}
	e := interp.NewEngine(text, mem, helpers, StackSize)
	return e.Run()
}
