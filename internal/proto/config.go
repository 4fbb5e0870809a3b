// Package proto implements the compact on-wire request decoders: a
// packed single-byte VM configuration, the "C|HH...HH" execute-request
// string, and the small fetch-request payload.
package proto

import (
	"errors"
	"fmt"

	"microbpf/internal/helper"
	"microbpf/internal/vmcore"
)

// ErrMalformedRequest and ErrDecodeFailure are the two wire-decode error
// kinds: the former for a request whose shape or field values are
// invalid, the latter for one a lower-level codec (hex, JSON) rejected
// outright.
var (
	ErrMalformedRequest = errors.New("proto: malformed request")
	ErrDecodeFailure    = errors.New("proto: decode failure")
)

// HelperSource names where the allowed-helper set for a configuration
// comes from: either the execute-request payload itself, or a binary's
// own embedded ExtendedHeader metadata.
type HelperSource int

const (
	ExecuteRequestSource HelperSource = iota
	BinaryMetadataSource
)

// Config is the decoded form of the packed configuration byte.
type Config struct {
	Target       vmcore.Target
	Layout       vmcore.Layout
	Slot         int
	JIT          bool
	JITCompile   bool
	VerifyMode   helper.VerificationMode
	HelperSource HelperSource
}

// Packed configuration byte layout (this package owns the exact bit
// assignment; only the target and slot bits are load-bearing elsewhere,
// the rest is this package's own derivation). Verified against a literal
// worked example: {target=Interpreter, layout=FemtoHeader, slot=0,
// jit=false, verify=PreFlight, source=ExecuteRequest} encodes to exactly
// the byte `4` this layout produces.
//
//	bit 0   target:        0=Interpreter, 1=FemtoContainer
//	bit 1   slot:          0 or 1 (default two-slot deployment)
//	bits 2-3 layout:       0=OnlyText, 1=FemtoHeader, 2=ExtendedHeader, 3=RawObject
//	bit 4   jit:           0=false, 1=true
//	bit 5   jit_compile:   0=false, 1=true
//	bit 6   verification:  0=PreFlight, 1=None
//	bit 7   helper source: 0=ExecuteRequest, 1=BinaryMetadata
//
// LoadTime verification is a fetch-time-only concept (it runs at fetch
// time and erases the slot on failure) and is never carried in an
// execute-time packed configuration; EncodeConfig rejects it.
const (
	bitTarget     = 1 << 0
	bitSlot       = 1 << 1
	shiftLayout   = 2
	maskLayout    = 0x3
	bitJIT        = 1 << 4
	bitJITCompile = 1 << 5
	bitNoVerify   = 1 << 6
	bitSource     = 1 << 7
)

// EncodeConfig packs cfg into its wire byte. It fails if Slot is outside
// {0,1} or Layout doesn't fit the 2-bit field, and if VerifyMode is
// LoadTime (not representable at execute time, see above).
func EncodeConfig(cfg Config) (byte, error) {
	if cfg.Slot < 0 || cfg.Slot > 1 {
		return 0, fmt.Errorf("%w: slot %d out of range", ErrMalformedRequest, cfg.Slot)
	}
	if cfg.Layout < vmcore.OnlyText || cfg.Layout > vmcore.RawObject {
		return 0, fmt.Errorf("%w: layout %d out of range", ErrMalformedRequest, cfg.Layout)
	}
	if cfg.VerifyMode == helper.LoadTime {
		return 0, fmt.Errorf("%w: load_time verification is fetch-time only", ErrMalformedRequest)
	}

	var b byte
	if cfg.Target == vmcore.FemtoContainer {
		b |= bitTarget
	}
	if cfg.Slot == 1 {
		b |= bitSlot
	}
	b |= byte(cfg.Layout&maskLayout) << shiftLayout
	if cfg.JIT {
		b |= bitJIT
	}
	if cfg.JITCompile {
		b |= bitJITCompile
	}
	if cfg.VerifyMode == helper.NoVerification {
		b |= bitNoVerify
	}
	if cfg.HelperSource == BinaryMetadataSource {
		b |= bitSource
	}
	return b, nil
}

// DecodeConfig is EncodeConfig's inverse; every byte value decodes to some
// Config, and decode(encode(cfg)) == cfg for every cfg EncodeConfig
// accepts.
func DecodeConfig(b byte) Config {
	cfg := Config{Slot: 0}
	if b&bitTarget != 0 {
		cfg.Target = vmcore.FemtoContainer
	} else {
		cfg.Target = vmcore.Interpreter
	}
	if b&bitSlot != 0 {
		cfg.Slot = 1
	}
	cfg.Layout = vmcore.Layout((b >> shiftLayout) & maskLayout)
	cfg.JIT = b&bitJIT != 0
	cfg.JITCompile = b&bitJITCompile != 0
	if b&bitNoVerify != 0 {
		cfg.VerifyMode = helper.NoVerification
	} else {
		cfg.VerifyMode = helper.PreFlight
	}
	if b&bitSource != 0 {
		cfg.HelperSource = BinaryMetadataSource
	} else {
		cfg.HelperSource = ExecuteRequestSource
	}
	return cfg
}
