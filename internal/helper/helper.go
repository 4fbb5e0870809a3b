// Package helper implements the host helper-call registry: a closed
// enumeration of helper IDs mapped to native Go functions, construction of
// per-request access lists, and the pre-flight/load-time access
// verification modes.
//
// The ID numbering is fixed and must match the deploy-side compiler
// bit-for-bit; it is never renumbered or reordered across builds.
package helper

import "errors"

// ID is a stable, numeric helper identifier an eBPF program's call
// instructions reference.
type ID uint32

const (
	// Print/debug.
	Printf     ID = 0x01
	DebugPrint ID = 0x03

	// Memory copy.
	Memcpy ID = 0x02

	// Local/global key-value store.
	StoreLocal  ID = 0x10
	StoreGlobal ID = 0x11
	FetchLocal  ID = 0x12
	FetchGlobal ID = 0x13

	// SAUL sensor/actuator registry.
	SaulRegFindNth  ID = 0x30
	SaulRegFindType ID = 0x31
	SaulRegRead     ID = 0x32
	SaulRegWrite    ID = 0x33

	// (g)coap packet manipulation.
	GcoapRespInit ID = 0x40
	CoapOptFinish ID = 0x41
	CoapAddFormat ID = 0x42
	CoapGetPDU    ID = 0x43

	// Format and string utilities.
	FmtS16DFP ID = 0x50
	FmtU32Dec ID = 0x51
	Strlen    ID = 0x52

	// Time(r) functions.
	NowMs ID = 0x20

	// ZTIMER.
	ZtimerNow      ID = 0x60
	PeriodicWakeup ID = 0x61

	// GPIO.
	GPIOReadInput ID = 0x70
	GPIOReadRaw   ID = 0x71
	GPIOWrite     ID = 0x72

	// HD44780 LCD.
	LCDInit      ID = 0x80
	LCDClear     ID = 0x81
	LCDPrint     ID = 0x82
	LCDSetCursor ID = 0x83
)

// Func is the uniform five-argument, one-result calling convention every
// helper exposes to the interpreter and the JIT back-end.
// Unused parameters are passed as zero; helpers never panic across this
// boundary, errors are encoded in the return value by helper-specific
// convention.
type Func func(r1, r2, r3, r4, r5 uint64) uint64

// ErrUnknownHelper is returned by Registry.Lookup for an ID with no
// registered function.
var ErrUnknownHelper = errors.New("helper: unknown helper ID")

// Registry is the full set of helpers the runtime build supports, keyed by
// stable numeric ID.
type Registry struct {
	fns map[ID]Func
}

// NewRegistry returns an empty registry. Callers populate it with Register.
func NewRegistry() *Registry {
	return &Registry{fns: make(map[ID]Func)}
}

// Register binds id to fn, overwriting any previous binding.
func (r *Registry) Register(id ID, fn Func) {
	r.fns[id] = fn
}

// Lookup returns the function bound to id.
func (r *Registry) Lookup(id ID) (Func, bool) {
	fn, ok := r.fns[id]
	return fn, ok
}

// AccessList is an unordered, deduplicated set of helper IDs an executing
// program is permitted to call.
type AccessList struct {
	allowed map[ID]struct{}
}

// NewAccessList builds an AccessList from a raw set of requested IDs.
func NewAccessList(ids []ID) *AccessList {
	al := &AccessList{allowed: make(map[ID]struct{}, len(ids))}
	for _, id := range ids {
		al.allowed[id] = struct{}{}
	}
	return al
}

// Allows reports whether id is present in the access list.
func (al *AccessList) Allows(id ID) bool {
	if al == nil {
		return false
	}
	_, ok := al.allowed[id]
	return ok
}

// ConstructAccessList looks each requested ID up in the registry and
// returns the ordered list of resolved helpers. Unknown IDs are silently
// dropped rather than failing the request.
func ConstructAccessList(reg *Registry, allowed []ID) []Func {
	var out []Func
	for _, id := range allowed {
		if fn, ok := reg.Lookup(id); ok {
			out = append(out, fn)
		}
	}
	return out
}

// DecodeCompactList parses the hex-string or raw-byte compact form of an
// allowed-helper list, where each byte is one allowed ID.
func DecodeCompactList(raw []byte) []ID {
	ids := make([]ID, len(raw))
	for i, b := range raw {
		ids[i] = ID(b)
	}
	return ids
}

// EncodeCompactList is the inverse of DecodeCompactList.
func EncodeCompactList(ids []ID) []byte {
	raw := make([]byte, len(ids))
	for i, id := range ids {
		raw[i] = byte(id)
	}
	return raw
}
