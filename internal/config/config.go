// Package config centralizes the runtime-tunable knobs cmd/mibpfd exposes:
// slot counts and sizes, the worker pool size, and the default
// helper-access verification mode. It is populated through
// github.com/spf13/viper, binding flags and environment variables over a
// set of hard-coded defaults (flags > env > defaults).
//
// Every daemon knob goes through this one place instead of repeating an
// ad hoc LookupEnv/fallback dance at each call site.
package config

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"microbpf/internal/helper"
)

const envPrefix = "MIBPF"

// Config is the full set of values cmd/mibpfd needs to stand up an
// internal/manager.Manager and its backing slot/jitslot storage.
type Config struct {
	SlotCount                       int
	SlotSize                        int
	JITSlotCount                    int
	JITSlotSize                     int
	WorkerCount                     int
	DefaultHelperAccessVerification helper.VerificationMode
}

// Defaults mirrors the zero-flag, zero-env behaviour: two program slots at
// internal/slot.DefaultSize, matching JIT slot storage, and
// internal/manager.DefaultWorkerCount workers, with PreFlight verification
// as the safer default unless overridden.
func Defaults() Config {
	return Config{
		SlotCount:                       2,
		SlotSize:                        2048,
		JITSlotCount:                    2,
		JITSlotSize:                     2048,
		WorkerCount:                     4,
		DefaultHelperAccessVerification: helper.PreFlight,
	}
}

// BindFlags registers this package's flags on fs (typically a cobra
// command's persistent flag set) and binds viper to both those flags and
// their MIBPF_-prefixed environment equivalents (e.g. MIBPF_WORKER_COUNT).
// Call Load after the command's flags have been parsed.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) {
	d := Defaults()

	fs.Int("slot-count", d.SlotCount, "number of program slots")
	fs.Int("slot-size", d.SlotSize, "bytes per program slot")
	fs.Int("jit-slot-count", d.JITSlotCount, "number of JIT code slots")
	fs.Int("jit-slot-size", d.JITSlotSize, "bytes per JIT code slot")
	fs.Int("worker-count", d.WorkerCount, "execution manager worker pool size")
	fs.Bool("no-verify", false, "skip helper-access verification by default")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, name := range []string{"slot-count", "slot-size", "jit-slot-count", "jit-slot-size", "worker-count", "no-verify"} {
		_ = v.BindPFlag(name, fs.Lookup(name))
	}
}

// Load reads v's bound flags/env/defaults into a Config. BindFlags must
// have been called against the same viper.Viper first.
func Load(v *viper.Viper) Config {
	cfg := Config{
		SlotCount:                       v.GetInt("slot-count"),
		SlotSize:                        v.GetInt("slot-size"),
		JITSlotCount:                    v.GetInt("jit-slot-count"),
		JITSlotSize:                     v.GetInt("jit-slot-size"),
		WorkerCount:                     v.GetInt("worker-count"),
		DefaultHelperAccessVerification: helper.PreFlight,
	}
	if v.GetBool("no-verify") {
		cfg.DefaultHelperAccessVerification = helper.NoVerification
	}
	return cfg
}
