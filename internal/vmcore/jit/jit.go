// Package jit implements the JIT back-end: the acquire/translate/release
// protocol around a jitslot. Initialise lowers a relocation-resolved
// program into native machine code for the host (see emit_amd64.go for
// the code generator and the translatable instruction subset), writes it
// into the acquired slot's executable buffer, and records the entry
// offset. Execute jumps straight into that buffer; a second execution
// with jit_compile=false reuses the slot without retranslation.
package jit

import (
	"encoding/binary"
	"errors"
	"runtime"
	"sync"
	"unsafe"

	"microbpf/internal/jitslot"
	"microbpf/internal/vmcore/interp"
)

var (
	ErrNotTranslated          = errors.New("jit: slot holds no translated program")
	ErrUnsupportedArch        = errors.New("jit: no code generator for this host architecture")
	ErrUnsupportedInstruction = errors.New("jit: instruction outside the translatable subset")
)

// meta is the translation-time bookkeeping that rides alongside a slot's
// native code: the source bytecode (kept so Verify can run the
// structural and pre-flight scans against what was translated) and the
// emitted code length.
type meta struct {
	source  []byte
	codeLen int
}

// Backend owns the jitslot allocator and the per-slot translation
// metadata. A single Backend is shared by every worker the execution
// manager runs, so the metadata map is mutex-guarded; the lock is never
// held across a run of translated code.
type Backend struct {
	mu    sync.Mutex
	slots *jitslot.Manager
	metas map[int]meta
}

// NewBackend wraps an existing jitslot manager.
func NewBackend(slots *jitslot.Manager) *Backend {
	return &Backend{slots: slots, metas: make(map[int]meta)}
}

// Initialise performs the JIT load sequence: verify the source bytecode,
// translate it to native code, release the slot if already held, acquire
// it fresh, write the code, record the entry offset.
func (b *Backend) Initialise(idx int, text []byte) error {
	if err := interp.Verify(text); err != nil {
		return err
	}
	code, err := emitNative(text)
	if err != nil {
		return err
	}

	if occ, err := b.slots.Occupied(idx); err != nil {
		return err
	} else if occ {
		if err := b.Release(idx); err != nil {
			return err
		}
	}

	w, err := b.slots.Acquire(idx)
	if err != nil {
		return err
	}
	if err := w.Write(code); err != nil {
		return err
	}
	w.SetEntry(0)

	src := make([]byte, len(text))
	copy(src, text)
	b.mu.Lock()
	b.metas[idx] = meta{source: src, codeLen: len(code)}
	b.mu.Unlock()
	return nil
}

// Occupied reports whether idx already holds translated code, letting a
// caller skip Initialise when jit_compile is false.
func (b *Backend) Occupied(idx int) (bool, error) {
	return b.slots.Occupied(idx)
}

// Execute invokes idx's translated entry point with all four arguments
// zero, the data-less form.
func (b *Backend) Execute(idx int) (uint64, error) {
	return b.run(idx, 0, 0, 0, 0)
}

// ExecuteWithPacket synthesises the {pkt_ptr, buf_ptr, len} context
// record from packet and invokes the entry point as
// (packet_ptr, packet_len, context_ptr, context_len).
func (b *Backend) ExecuteWithPacket(idx int, packet []byte) (uint64, error) {
	ctx := make([]byte, 24)
	var pkt uint64
	if len(packet) > 0 {
		pkt = uint64(uintptr(unsafe.Pointer(&packet[0])))
	}
	binary.LittleEndian.PutUint64(ctx[0:8], pkt)
	binary.LittleEndian.PutUint64(ctx[8:16], pkt)
	binary.LittleEndian.PutUint64(ctx[16:24], uint64(len(packet)))

	ret, err := b.run(idx, pkt, uint64(len(packet)),
		uint64(uintptr(unsafe.Pointer(&ctx[0]))), uint64(len(ctx)))
	runtime.KeepAlive(packet)
	runtime.KeepAlive(ctx)
	return ret, err
}

func (b *Backend) run(idx int, r1, r2, r3, r4 uint64) (uint64, error) {
	code, err := b.slots.Lookup(idx)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	m, ok := b.metas[idx]
	b.mu.Unlock()
	if !ok {
		return 0, ErrNotTranslated
	}

	var regs [11]uint64
	regs[1], regs[2], regs[3], regs[4] = r1, r2, r3, r4
	callNative(code[:m.codeLen], &regs)
	return regs[0], nil
}

// Text returns the source bytecode idx's slot was translated from,
// letting a caller run the structural/pre-flight verifier against it
// without executing anything.
func (b *Backend) Text(idx int) ([]byte, error) {
	if _, err := b.slots.Lookup(idx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	m, ok := b.metas[idx]
	b.mu.Unlock()
	if !ok {
		return nil, ErrNotTranslated
	}
	return m.source, nil
}

// ProgramLength returns the size of the emitted native code, not the
// source bytecode.
func (b *Backend) ProgramLength(idx int) (int, error) {
	if _, err := b.slots.Lookup(idx); err != nil {
		return 0, err
	}
	b.mu.Lock()
	m, ok := b.metas[idx]
	b.mu.Unlock()
	if !ok {
		return 0, ErrNotTranslated
	}
	return m.codeLen, nil
}

// Release frees idx's jitslot and drops its translation metadata, e.g.
// when the owning program slot is erased.
func (b *Backend) Release(idx int) error {
	b.mu.Lock()
	delete(b.metas, idx)
	b.mu.Unlock()
	return b.slots.Free(idx)
}
