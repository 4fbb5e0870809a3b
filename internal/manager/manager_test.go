package manager

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"microbpf/internal/binimage"
	"microbpf/internal/helper"
	"microbpf/internal/jitslot"
	"microbpf/internal/slot"
	"microbpf/internal/vmcore"
)

func discardLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func regs(dst, src uint8) uint8 { return dst&0x0f | src<<4 }

func movProgram(ret int32) []byte {
	mov := binimage.CallInstr{Opcode: 0xb7, Registers: regs(0, 0), Immediate: uint32(ret)}.Encode()
	exit := binimage.CallInstr{Opcode: 0x95}.Encode()
	return append(mov, exit...)
}

func callProgram(id helper.ID) []byte {
	call := binimage.CallInstr{Opcode: binimage.CallOpcode, Immediate: uint32(id)}.Encode()
	exit := binimage.CallInstr{Opcode: 0x95}.Encode()
	return append(call, exit...)
}

// sleepProgram loads micros into r1 then calls PeriodicWakeup, the one
// helper the builtin registry actually blocks on, giving tests a
// deterministic way to keep a worker busy for a known duration.
func sleepProgram(micros int32) []byte {
	mov := binimage.CallInstr{Opcode: 0xb7, Registers: regs(1, 0), Immediate: uint32(micros)}.Encode()
	call := binimage.CallInstr{Opcode: binimage.CallOpcode, Immediate: uint32(helper.PeriodicWakeup)}.Encode()
	exit := binimage.CallInstr{Opcode: 0x95}.Encode()
	return append(append(mov, call...), exit...)
}

func newTestManager(t *testing.T, slotCount, workerCount int) (*Manager, *slot.Manager) {
	t.Helper()
	slots := slot.NewManager(slotCount, slot.DefaultSize)
	jitSlots, err := jitslot.NewManager(slotCount, jitslot.DefaultSize)
	require.NoError(t, err)
	m := New(slots, jitSlots, vmcore.SystemClock{}, workerCount, discardLogger())
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, slots
}

func TestSubmitRunsOnWorkerAndReturnsSlotToOccupied(t *testing.T) {
	m, slots := newTestManager(t, 2, 2)
	require.NoError(t, slots.Fetch(0, movProgram(42), ""))

	res := m.Submit(Request{Slot: 0, Target: vmcore.Interpreter, Layout: vmcore.OnlyText, VerifyMode: helper.NoVerification})
	require.NoError(t, res.Err)
	require.Equal(t, int64(42), res.ReturnValue)

	st, err := slots.State(0)
	require.NoError(t, err)
	require.Equal(t, slot.Occupied, st)
}

func TestRunInlineBypassesWorkerPool(t *testing.T) {
	m, slots := newTestManager(t, 1, 1)
	require.NoError(t, slots.Fetch(0, movProgram(7), ""))

	res := m.RunInline(Request{Slot: 0, Target: vmcore.Interpreter, Layout: vmcore.OnlyText, VerifyMode: helper.NoVerification})
	require.NoError(t, res.Err)
	require.Equal(t, int64(7), res.ReturnValue)
}

func TestSubmitExhaustsWorkerPool(t *testing.T) {
	m, slots := newTestManager(t, 3, 2)

	// Slots 0 and 1 each occupy one worker for 150ms; slot 2 arrives while
	// the pool is fully busy.
	const busy = 150 * time.Millisecond
	for i := 0; i < 2; i++ {
		require.NoError(t, slots.Fetch(i, sleepProgram(int32(busy.Microseconds())), ""))
	}
	require.NoError(t, slots.Fetch(2, movProgram(1), ""))

	var wg sync.WaitGroup
	results := make(chan vmcore.ExecutionResult, 2)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		i := i
		go func() {
			defer wg.Done()
			results <- m.Submit(Request{Slot: i, Target: vmcore.Interpreter, Layout: vmcore.OnlyText, VerifyMode: helper.NoVerification})
		}()
	}

	// Give both sleep calls time to actually start before probing for
	// exhaustion; this is inherently a little racy but 150ms of slack is
	// generous relative to goroutine scheduling jitter.
	time.Sleep(30 * time.Millisecond)
	third := m.Submit(Request{Slot: 2, Target: vmcore.Interpreter, Layout: vmcore.OnlyText, VerifyMode: helper.NoVerification})
	require.ErrorIs(t, third.Err, ErrNoWorkerAvailable)

	wg.Wait()
	close(results)
	for res := range results {
		require.NoError(t, res.Err)
	}

	// A worker freed by the sleep calls completing is eligible for a later
	// request.
	require.NoError(t, slots.Fetch(2, movProgram(3), ""))
	fourth := m.Submit(Request{Slot: 2, Target: vmcore.Interpreter, Layout: vmcore.OnlyText, VerifyMode: helper.NoVerification})
	require.NoError(t, fourth.Err)
	require.Equal(t, int64(3), fourth.ReturnValue)
}

func TestPreFlightDisallowedHelperDoesNotExecute(t *testing.T) {
	m, slots := newTestManager(t, 1, 1)
	require.NoError(t, slots.Fetch(0, callProgram(helper.DebugPrint), ""))

	res := m.Submit(Request{
		Slot:       0,
		Target:     vmcore.Interpreter,
		Layout:     vmcore.OnlyText,
		VerifyMode: helper.PreFlight,
		Allowed:    helper.NewAccessList(nil),
	})
	require.ErrorIs(t, res.Err, helper.ErrDisallowedHelper)

	st, err := slots.State(0)
	require.NoError(t, err)
	require.Equal(t, slot.Occupied, st)
}

func TestFetchAtLoadTimeErasesSlotOnDisallowedHelper(t *testing.T) {
	m, slots := newTestManager(t, 1, 1)

	err := m.Fetch(0, callProgram(helper.DebugPrint), "", vmcore.OnlyText, helper.LoadTime, helper.NewAccessList(nil))
	require.ErrorIs(t, err, helper.ErrDisallowedHelper)

	st, serr := slots.State(0)
	require.NoError(t, serr)
	require.Equal(t, slot.Free, st)
}

func TestFetchAtLoadTimeKeepsSlotOccupiedWhenAllowed(t *testing.T) {
	m, slots := newTestManager(t, 1, 1)

	allowed := helper.NewAccessList([]helper.ID{helper.DebugPrint})
	require.NoError(t, m.Fetch(0, callProgram(helper.DebugPrint), "", vmcore.OnlyText, helper.LoadTime, allowed))

	st, err := slots.State(0)
	require.NoError(t, err)
	require.Equal(t, slot.Occupied, st)
}

func extendedHeaderImage(text []byte, allowed []helper.ID) []byte {
	h := binimage.Header{Magic: binimage.Magic, Version: binimage.CurrentVersion, TextLen: uint32(len(text))}
	buf := h.Encode()
	buf = append(buf, text...)
	return append(buf, helper.EncodeCompactList(allowed)...)
}

func TestAllowedHelpersFromBinaryMetadata(t *testing.T) {
	m, slots := newTestManager(t, 1, 1)
	img := extendedHeaderImage(callProgram(helper.DebugPrint), []helper.ID{helper.DebugPrint})
	require.NoError(t, slots.Fetch(0, img, ""))

	// The request's own empty list would reject the call; the image's
	// embedded metadata list allows it.
	res := m.RunInline(Request{
		Slot:             0,
		Target:           vmcore.Interpreter,
		Layout:           vmcore.ExtendedHeader,
		VerifyMode:       helper.PreFlight,
		Allowed:          helper.NewAccessList(nil),
		AllowedFromImage: true,
	})
	require.NoError(t, res.Err)
}

func TestJITExecutionRejectedForNonRawObjectLayout(t *testing.T) {
	m, slots := newTestManager(t, 1, 1)
	require.NoError(t, slots.Fetch(0, movProgram(1), ""))

	res := m.Submit(Request{Slot: 0, Layout: vmcore.OnlyText, JIT: true, VerifyMode: helper.NoVerification})
	require.ErrorIs(t, res.Err, ErrJITRequiresRawObject)
}

func TestLocalStoreDoesNotLeakAcrossFetch(t *testing.T) {
	m, slots := newTestManager(t, 1, 1)

	store := callProgram(helper.StoreLocal)
	require.NoError(t, slots.Fetch(0, store, ""))
	res := m.RunInline(Request{Slot: 0, Target: vmcore.Interpreter, Layout: vmcore.OnlyText, VerifyMode: helper.NoVerification})
	require.NoError(t, res.Err)

	// Re-fetch a new program into the same slot; its local store must be
	// cleared.
	require.NoError(t, slots.Fetch(0, movProgram(0), ""))
	_, ok := slots.FetchLocal(inlineThread, 0)
	require.False(t, ok)
}
