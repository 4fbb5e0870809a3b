// Package manager implements the execution manager: a fixed pool of worker
// goroutines, a typed-message dispatch loop standing in for cross-thread
// IPC, a single-slot assignment policy enforced through internal/slot's
// state machine, and completion notification back to a free list.
//
// One long-lived goroutine per worker, each reading off its own channel,
// with no lock held across a call into program code. Lifecycle (start and
// stop every worker goroutine together, surface the first failure) is
// handed to golang.org/x/sync/errgroup rather than hand-rolled WaitGroup
// bookkeeping.
package manager

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"golang.org/x/sync/errgroup"

	"microbpf/internal/helper"
	"microbpf/internal/jitslot"
	"microbpf/internal/slot"
	"microbpf/internal/vmcore"
	"microbpf/internal/vmcore/interp"
	"microbpf/internal/vmcore/jit"
)

// DefaultWorkerCount is the manager's default worker pool size (four).
const DefaultWorkerCount = 4

var (
	// ErrNoWorkerAvailable is returned to a caller whose execution request
	// arrived while every worker was busy. The dispatch loop logs and
	// silently drops the message; this build additionally reports the
	// failure back to the caller rather than leaving it to block forever.
	ErrNoWorkerAvailable = errors.New("manager: no free worker, request dropped")

	// ErrJITRequiresRawObject mirrors the JIT back-end's layout restriction:
	// it is only valid against the raw_object layout.
	ErrJITRequiresRawObject = errors.New("manager: jit execution requires the raw_object layout")

	// ErrFemtoRequiresFemtoHeader mirrors the femto-container back-end's
	// layout restriction.
	ErrFemtoRequiresFemtoHeader = errors.New("manager: femtocontainer target requires the femto_header layout")
)

// Request describes one execution: which slot to run, which back-end
// configuration to build against it, and an optional packet payload for
// execute_with_packet.
type Request struct {
	Slot        int
	Target      vmcore.Target
	Layout      vmcore.Layout
	ProgramBase uint32
	JIT         bool
	JITCompile  bool
	VerifyMode  helper.VerificationMode
	Allowed     *helper.AccessList
	// AllowedFromImage selects the binary's own embedded allowed-helper
	// list over the request's. Only the extended_header layout carries
	// one; every other layout forces the request-based list.
	AllowedFromImage bool
	Packet           []byte
}

type completion struct{ worker int }

type envelope struct {
	req    Request
	result chan vmcore.ExecutionResult
}

// inlineThread is the thread identity synchronous (non-pooled) executions
// bind under; worker goroutines bind under threadBase+their worker index
// instead, so the two populations never collide in internal/slot's binding
// map.
const (
	inlineThread slot.ThreadID = 0
	threadBase   slot.ThreadID = 1
)

// Manager is the fixed worker pool plus the typed dispatch loop routing
// execution requests to it.
type Manager struct {
	slots      *slot.Manager
	jitBackend *jit.Backend
	clock      vmcore.Clock
	logger     zerolog.Logger

	workerCh   []chan envelope
	inbound    chan completion
	dispatchCh chan envelope

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New starts workerCount worker goroutines plus the manager's own dispatch
// loop, all supervised by an errgroup so Close can stop them together.
// jitSlots is wrapped in a single *jit.Backend shared by every JIT
// execution this manager dispatches, so a translated program survives
// across requests rather than being rebuilt per VM instance.
func New(slots *slot.Manager, jitSlots *jitslot.Manager, clock vmcore.Clock, workerCount int, logger zerolog.Logger) *Manager {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	m := &Manager{
		slots:      slots,
		jitBackend: jit.NewBackend(jitSlots),
		clock:      clock,
		logger:     logger,
		workerCh:   make([]chan envelope, workerCount),
		inbound:    make(chan completion, workerCount),
		dispatchCh: make(chan envelope),
		group:      g,
		cancel:     cancel,
	}

	for i := 0; i < workerCount; i++ {
		m.workerCh[i] = make(chan envelope)
	}

	free := make([]int, workerCount)
	for i := range free {
		free[i] = i
	}

	for i := 0; i < workerCount; i++ {
		id := i
		g.Go(func() error {
			m.workerLoop(ctx, id)
			return nil
		})
	}
	g.Go(func() error {
		m.dispatchLoop(ctx, free)
		return nil
	})

	return m
}

// Close stops every worker and the dispatch loop, and waits for them to
// exit. A worker exits only after its in-flight execution returns: there
// is no cancellation of a running program, so a hung program blocks Close
// indefinitely.
func (m *Manager) Close() error {
	m.cancel()
	return m.group.Wait()
}

// Submit posts req to a free worker and blocks for its completion. If no
// worker is free the request is logged and dropped; ErrNoWorkerAvailable is
// returned to this caller rather than left silent.
func (m *Manager) Submit(req Request) vmcore.ExecutionResult {
	env := envelope{req: req, result: make(chan vmcore.ExecutionResult, 1)}
	m.dispatchCh <- env
	return <-env.result
}

// RunInline runs req synchronously on the calling goroutine, bypassing the
// worker pool entirely. It still goes through the same slot Running/
// Occupied transitions and thread→slot binding a pooled execution would,
// under the reserved inline thread identity.
func (m *Manager) RunInline(req Request) vmcore.ExecutionResult {
	return m.runRequest(inlineThread, req)
}

// dispatchLoop is the manager's single point of slot-worker assignment. A
// non-blocking drain of completions precedes the select so a worker freed
// this tick is eligible for the very next dispatch in the same tick:
// completion notifications are always processed before the next request
// dispatch.
func (m *Manager) dispatchLoop(ctx context.Context, free []int) {
	release := func(id int) { free = append(free, id) }

	for {
	drain:
		for {
			select {
			case c := <-m.inbound:
				release(c.worker)
			default:
				break drain
			}
		}

		select {
		case <-ctx.Done():
			return
		case c := <-m.inbound:
			release(c.worker)
		case env := <-m.dispatchCh:
			if len(free) == 0 {
				m.logger.Warn().Int("slot", env.req.Slot).Msg("no free worker, dropping execution request")
				env.result <- vmcore.ExecutionResult{Err: ErrNoWorkerAvailable}
				continue
			}
			id := free[len(free)-1]
			free = free[:len(free)-1]
			select {
			case m.workerCh[id] <- env:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (m *Manager) workerLoop(ctx context.Context, id int) {
	tid := threadBase + slot.ThreadID(id)
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-m.workerCh[id]:
			env.result <- m.runRequest(tid, env.req)
			select {
			case m.inbound <- completion{worker: id}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// runRequest binds the thread to the slot, marks it Running, loads,
// verifies and executes, then restores Occupied and removes the binding,
// in that order regardless of outcome, so a verify failure or a trapped
// program never leaves a slot stuck Running.
func (m *Manager) runRequest(tid slot.ThreadID, req Request) vmcore.ExecutionResult {
	if err := m.slots.RegisterSlotForThread(tid, req.Slot); err != nil {
		return vmcore.ExecutionResult{Err: err}
	}
	defer m.slots.DeregisterSlot(tid)

	if err := m.slots.MarkRunning(req.Slot); err != nil {
		return vmcore.ExecutionResult{Err: err}
	}
	defer func() {
		if err := m.slots.MarkOccupied(req.Slot); err != nil {
			m.logger.Error().Err(err).Int("slot", req.Slot).Msg("could not return slot to occupied after execution")
		}
	}()

	program, err := m.slots.LoadProgram(req.Slot)
	if err != nil {
		return vmcore.ExecutionResult{Err: err}
	}

	// RawObject has no generic parse (its segments only exist after
	// in-place resolution inside the VM), so helpers there see just the
	// packet region; every other layout exposes its parsed segments too.
	allowed := req.Allowed
	env := &helper.Env{Slots: m.slots, Thread: tid, Mem: interp.Memory{Packet: req.Packet}}
	if req.Layout != vmcore.RawObject {
		if parsed, perr := vmcore.Parse(req.Layout, program); perr == nil {
			env.Mem = parsed.Memory(req.Packet, nil)
			if req.AllowedFromImage && req.Layout == vmcore.ExtendedHeader {
				allowed = helper.NewAccessList(parsed.AllowedHelpers)
			}
		}
	}
	helpers := helper.NewBuiltinRegistry(env)

	vm, err := m.buildVM(req, helpers)
	if err != nil {
		return vmcore.ExecutionResult{Err: err}
	}

	res := vmcore.RunTimed(vm, m.clock, program, func(v vmcore.VM) error {
		return v.Verify(req.VerifyMode, allowed)
	}, req.Packet)

	if res.Err != nil {
		ev := m.logger.Debug().Err(res.Err).Int("slot", req.Slot)
		if req.Layout != vmcore.RawObject {
			if parsed, perr := vmcore.Parse(req.Layout, program); perr == nil {
				ev = ev.Str("disassembly", interp.Disassemble(parsed.Text))
			}
		}
		ev.Msg("execution did not complete successfully")
	}
	return res
}

func (m *Manager) buildVM(req Request, helpers *helper.Registry) (vmcore.VM, error) {
	if req.JIT {
		if req.Layout != vmcore.RawObject {
			return nil, ErrJITRequiresRawObject
		}
		return vmcore.NewJITVM(m.jitBackend, req.Slot, req.ProgramBase, req.JITCompile), nil
	}
	switch req.Target {
	case vmcore.FemtoContainer:
		if req.Layout != vmcore.FemtoHeader {
			return nil, ErrFemtoRequiresFemtoHeader
		}
		return vmcore.NewFemtoVM(helpers), nil
	case vmcore.Interpreter:
		return vmcore.NewInterpreterVM(req.Layout, req.ProgramBase, helpers), nil
	default:
		return nil, vmcore.ErrUnsupportedTarget
	}
}

// Fetch writes program into slot idx and, when mode is LoadTime,
// immediately runs the helper-access scan against it, erasing the slot
// again if it fails. allowed is nil-safe: an empty or nil access list
// simply rejects every call instruction.
func (m *Manager) Fetch(idx int, program []byte, manifest string, layout vmcore.Layout, mode helper.VerificationMode, allowed *helper.AccessList) error {
	if err := m.slots.Fetch(idx, program, manifest); err != nil {
		return err
	}
	if mode != helper.LoadTime {
		return nil
	}

	parsed, err := vmcore.Parse(layout, program)
	if err != nil {
		_ = m.slots.Erase(idx)
		return err
	}
	if err := helper.Verify(parsed.Text, allowed); err != nil {
		m.logger.Warn().Int("slot", idx).Err(err).Msg("load-time helper verification failed, erasing slot")
		_ = m.slots.Erase(idx)
		return err
	}
	return nil
}
