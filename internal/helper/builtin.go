package helper

import (
	"bytes"
	"fmt"
	"time"

	"microbpf/internal/slot"
)

// Memory is the host-side view of a program's linear memory a helper may
// read or write; it is the same buffer the interpreter executes against,
// passed through so helpers can dereference program-supplied pointers.
type Memory interface {
	// Bytes returns a slice of the backing buffer starting at addr and
	// extending for at least n bytes, or false if the range is invalid.
	Bytes(addr uint64, n int) ([]byte, bool)
}

// Env bundles the host-side resources builtin helpers are wired against:
// the slot-local key-value store, the calling thread's identity, and the
// program's memory. Host OS primitives (GPIO, timers) are specified only
// to the extent the runtime observes them through this struct.
type Env struct {
	Slots  *slot.Manager
	Thread slot.ThreadID
	Mem    Memory
}

// NewBuiltinRegistry returns a Registry populated with every helper ID this
// runtime build supports, bound against env. SAUL/CoAP/GPIO/LCD helpers are
// out of scope for the core runtime (no device driver reimplementation) and
// are registered as no-op stubs returning zero so that programs compiled
// against the full helper table still load and run; only
// print/memcpy/kv-store/time helpers are functionally wired.
func NewBuiltinRegistry(env *Env) *Registry {
	reg := NewRegistry()

	reg.Register(DebugPrint, func(r1, _, _, _, _ uint64) uint64 {
		fmt.Println(int64(r1))
		return 0
	})

	reg.Register(Printf, func(fmtAddr, arg1, arg2, arg3, _ uint64) uint64 {
		raw, ok := env.Mem.Bytes(fmtAddr, 64)
		if !ok {
			return 1
		}
		msg := cString(raw)
		fmt.Printf(msg, arg1, arg2, arg3)
		return 0
	})

	reg.Register(Memcpy, func(dst, src, n, _, _ uint64) uint64 {
		srcBuf, ok := env.Mem.Bytes(src, int(n))
		if !ok {
			return 0
		}
		dstBuf, ok := env.Mem.Bytes(dst, int(n))
		if !ok {
			return 0
		}
		copy(dstBuf, srcBuf)
		return dst
	})

	reg.Register(Strlen, func(addr, _, _, _, _ uint64) uint64 {
		raw, ok := env.Mem.Bytes(addr, 256)
		if !ok {
			return 0
		}
		return uint64(len(cString(raw)))
	})

	reg.Register(StoreLocal, func(key, value, _, _, _ uint64) uint64 {
		env.Slots.StoreLocal(env.Thread, int32(key), int32(value))
		return 0
	})
	reg.Register(FetchLocal, func(key, _, _, _, _ uint64) uint64 {
		v, ok := env.Slots.FetchLocal(env.Thread, int32(key))
		if !ok {
			return 0
		}
		return uint64(uint32(v))
	})

	// StoreGlobal/FetchGlobal are registered as no-ops returning zero; no
	// global key-value store is wired, and the execution manager uses this
	// registry as is.
	reg.Register(StoreGlobal, func(_, _, _, _, _ uint64) uint64 { return 0 })
	reg.Register(FetchGlobal, func(_, _, _, _, _ uint64) uint64 { return 0 })

	reg.Register(NowMs, func(_, _, _, _, _ uint64) uint64 {
		return uint64(time.Now().UnixMilli())
	})
	reg.Register(ZtimerNow, func(_, _, _, _, _ uint64) uint64 {
		return uint64(time.Now().UnixMicro())
	})
	// PeriodicWakeup is the one helper the runtime expects may voluntarily
	// block; suspension inside execution is only possible if a helper
	// voluntarily blocks this way. r1 is a duration in microseconds.
	reg.Register(PeriodicWakeup, func(r1, _, _, _, _ uint64) uint64 {
		time.Sleep(time.Duration(r1) * time.Microsecond)
		return 0
	})

	for _, id := range []ID{
		SaulRegFindNth, SaulRegFindType, SaulRegRead, SaulRegWrite,
		GcoapRespInit, CoapOptFinish, CoapAddFormat, CoapGetPDU,
		FmtS16DFP, FmtU32Dec,
		GPIOReadInput, GPIOReadRaw, GPIOWrite,
		LCDInit, LCDClear, LCDPrint, LCDSetCursor,
	} {
		reg.Register(id, stubHelper)
	}

	return reg
}

func stubHelper(_, _, _, _, _ uint64) uint64 { return 0 }

// cString returns the NUL-terminated prefix of raw as a Go string, or the
// whole slice if no NUL byte is present.
func cString(raw []byte) string {
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		return string(raw[:i])
	}
	return string(raw)
}
