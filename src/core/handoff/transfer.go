package handoff

// Transferer performs the final, non-returning control transfer into
// a loaded image. Both methods never return; reaching the instruction
// after the branch is undefined behavior.
//
// The real implementation (ARMTransfer, build-tagged mimiboot) cannot
// be exercised by a host test, so orchestration takes a Transferer
// value rather than calling the asm primitives directly — a test
// double records the call and returns instead of jumping.
type Transferer interface {
	// Transfer masks interrupts, issues the barrier sequence, and
	// branches to entry|1 with r0 = handoffAddr.
	Transfer(handoffAddr, entry uint32)
	// TransferWithSP additionally sets the main stack pointer to sp
	// before the barrier sequence.
	TransferWithSP(handoffAddr, entry, sp uint32)
}

// Recorder is a Transferer that captures the call instead of jumping.
// It is used by orchestration tests, where there is no hardware to
// actually transfer control to.
type Recorder struct {
	Called      bool
	WithSP      bool
	HandoffAddr uint32
	Entry       uint32
	SP          uint32
}

func (r *Recorder) Transfer(handoffAddr, entry uint32) {
	r.Called = true
	r.HandoffAddr = handoffAddr
	r.Entry = entry
}

func (r *Recorder) TransferWithSP(handoffAddr, entry, sp uint32) {
	r.Called = true
	r.WithSP = true
	r.HandoffAddr = handoffAddr
	r.Entry = entry
	r.SP = sp
}
