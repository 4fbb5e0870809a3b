package vmcore

import "time"

// Clock abstracts wall-clock reads so the timing wrapper can be exercised
// deterministically in tests, standing in for a hardware clock-peripheral
// handle passed around rather than calling a global clock directly.
type Clock interface {
	NowMicros() int64
}

// SystemClock is the production Clock, backed by the host's monotonic wall
// clock; time.Now() stands in for the hardware timer peripheral this
// runtime has no equivalent of.
type SystemClock struct{}

func (SystemClock) NowMicros() int64 { return time.Now().UnixMicro() }

// TimedVM wraps a VM and records the phase breakdown every execute/fetch
// response carries: load, verification, and execution time, each
// independently. Its Execute/ExecuteWithPacket set the total equal to the
// execution time they measured.
type TimedVM struct {
	vm    VM
	clock Clock
}

// NewTimedVM wraps vm, timing every phase against clock.
func NewTimedVM(vm VM, clock Clock) *TimedVM {
	return &TimedVM{vm: vm, clock: clock}
}

// Load times the underlying VM's Load call.
func (t *TimedVM) Load(program []byte) (int64, error) {
	start := t.clock.NowMicros()
	err := t.vm.Load(program)
	return t.clock.NowMicros() - start, err
}

// Execute times the underlying VM's Execute call and folds the elapsed
// time into the returned result's Timings.ExecutionTime/TotalTime.
func (t *TimedVM) Execute() ExecutionResult {
	start := t.clock.NowMicros()
	res := t.vm.Execute()
	elapsed := t.clock.NowMicros() - start
	res.Timings.ExecutionTime = elapsed
	res.Timings.TotalTime = elapsed
	return res
}

// ExecuteWithPacket is Execute's packet-carrying counterpart.
func (t *TimedVM) ExecuteWithPacket(packet []byte) ExecutionResult {
	start := t.clock.NowMicros()
	res := t.vm.ExecuteWithPacket(packet)
	elapsed := t.clock.NowMicros() - start
	res.Timings.ExecutionTime = elapsed
	res.Timings.TotalTime = elapsed
	return res
}

// RunTimed executes the full load -> verify -> execute pipeline in one
// call and returns the complete Timings breakdown, instrumenting all
// three phases of a single request rather than Execute alone.
func RunTimed(vm VM, clock Clock, program []byte, mode VerifyFunc, packet []byte) ExecutionResult {
	loadStart := clock.NowMicros()
	loadErr := vm.Load(program)
	loadTime := clock.NowMicros() - loadStart
	if loadErr != nil {
		return ExecutionResult{Err: loadErr, Timings: Timings{LoadTime: loadTime, TotalTime: loadTime}}
	}

	verifyStart := clock.NowMicros()
	verifyErr := mode(vm)
	verifyTime := clock.NowMicros() - verifyStart
	if verifyErr != nil {
		total := loadTime + verifyTime
		return ExecutionResult{Err: verifyErr, Timings: Timings{LoadTime: loadTime, VerificationTime: verifyTime, TotalTime: total}}
	}

	execStart := clock.NowMicros()
	var res ExecutionResult
	if packet != nil {
		res = vm.ExecuteWithPacket(packet)
	} else {
		res = vm.Execute()
	}
	execTime := clock.NowMicros() - execStart

	res.Timings.LoadTime = loadTime
	res.Timings.VerificationTime = verifyTime
	res.Timings.ExecutionTime = execTime
	res.Timings.TotalTime = loadTime + verifyTime + execTime
	return res
}

// VerifyFunc adapts a VM's Verify call (which needs a mode and access
// list) to RunTimed's single-argument phase signature.
type VerifyFunc func(VM) error
