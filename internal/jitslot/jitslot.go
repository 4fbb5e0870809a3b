// Package jitslot implements fixed-size native-code storage: a separate
// array of executable buffers, each holding one JIT back-end's
// translated machine code plus the byte offset its entry point begins
// at. Acquiring a slot for writing requires it be free; freeing zeros
// the buffer.
package jitslot

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	ErrSlotIndexOutOfRange = errors.New("jitslot: index out of range")
	ErrSlotOccupied        = errors.New("jitslot: slot is occupied")
	ErrSlotNotOccupied     = errors.New("jitslot: slot is not occupied")
)

// DefaultSize is the default JIT slot buffer size. JIT slots hold
// translated native code rather than source bytecode, so they are sized
// independently of program slots, and the JIT slot array is typically half
// the size of the program slot array in count, not byte size; this
// runtime keeps the same default byte size as a program slot since the
// femto/RawObject interpreter and its translated output are of comparable
// magnitude for the programs this runtime targets.
const DefaultSize = 2048

type jitSlot struct {
	occupied bool
	buf      []byte
	entry    int
}

// Manager owns every JIT slot.
type Manager struct {
	mu    sync.Mutex
	slots []jitSlot
}

// NewManager maps count JIT slots of size bytes each, all free. Buffers
// are anonymous read/write/execute mappings rather than ordinary Go
// allocations, so translated code can be jumped into directly.
func NewManager(count, size int) (*Manager, error) {
	slots := make([]jitSlot, count)
	for i := range slots {
		buf, err := unix.Mmap(-1, 0, size,
			unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
			unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			return nil, err
		}
		slots[i].buf = buf
	}
	return &Manager{slots: slots}, nil
}

// Count returns the number of JIT slots this manager owns.
func (m *Manager) Count() int {
	return len(m.slots)
}

func (m *Manager) checkIndex(idx int) error {
	if idx < 0 || idx >= len(m.slots) {
		return ErrSlotIndexOutOfRange
	}
	return nil
}

// Occupied reports whether slot idx currently holds translated code.
func (m *Manager) Occupied(idx int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkIndex(idx); err != nil {
		return false, err
	}
	return m.slots[idx].occupied, nil
}

// Writer is the exclusive handle returned by Acquire. It has no release
// step: the slot is occupied from Acquire on, and Lookup sees whatever
// bytes and entry offset the writer has set so far.
type Writer struct {
	m   *Manager
	idx int
}

// Acquire marks slot idx occupied and returns a handle with exclusive
// write access to its buffer. It fails if the slot is already occupied or
// idx is out of range.
func (m *Manager) Acquire(idx int) (*Writer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkIndex(idx); err != nil {
		return nil, err
	}
	if m.slots[idx].occupied {
		return nil, ErrSlotOccupied
	}
	m.slots[idx].occupied = true
	return &Writer{m: m, idx: idx}, nil
}

// Write copies code into the slot's buffer, starting at offset 0. Code
// must fit within the slot's fixed size.
func (w *Writer) Write(code []byte) error {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	s := &w.m.slots[w.idx]
	if len(code) > len(s.buf) {
		return errCodeTooLarge
	}
	clear(s.buf)
	copy(s.buf, code)
	return nil
}

// SetEntry records the byte offset of the first instruction of the
// translated .text within the slot's buffer.
func (w *Writer) SetEntry(offset int) {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	w.m.slots[w.idx].entry = offset
}

// Index returns the slot index this writer holds.
func (w *Writer) Index() int { return w.idx }

// Free zeros slot idx's buffer, clears its entry offset, and marks it
// free. It fails if the slot was not occupied.
func (m *Manager) Free(idx int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkIndex(idx); err != nil {
		return err
	}
	s := &m.slots[idx]
	if !s.occupied {
		return ErrSlotNotOccupied
	}
	clear(s.buf)
	s.entry = 0
	s.occupied = false
	return nil
}

// Lookup returns a view of slot idx's buffer starting at its recorded
// entry offset. The caller must guarantee the slot remains occupied for
// the duration of use. Lookup does not hold any lock across that use,
// since no lock may be held across a call into user code.
func (m *Manager) Lookup(idx int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkIndex(idx); err != nil {
		return nil, err
	}
	s := &m.slots[idx]
	if !s.occupied {
		return nil, ErrSlotNotOccupied
	}
	if s.entry > len(s.buf) {
		return nil, errBadEntryOffset
	}
	return s.buf[s.entry:], nil
}

var (
	errCodeTooLarge   = errors.New("jitslot: translated code larger than slot buffer")
	errBadEntryOffset = errors.New("jitslot: entry offset beyond buffer end")
)
