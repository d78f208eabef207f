//go:build mimiboot

package handoff

// transferARM and transferARMWithSP have no Go body; they are
// implemented in transfer_arm.s. Both are naked and noreturn: masking
// PRIMASK, issuing DSB/ISB, and branching to entry with the Thumb bit
// forced on. r0 carries handoffAddr per the ARM calling convention,
// matching the register protocol the loaded image expects at entry.

//export mimi_transfer
func transferARM(handoffAddr, entry uint32)

//export mimi_transfer_with_sp
func transferARMWithSP(handoffAddr, entry, sp uint32)
