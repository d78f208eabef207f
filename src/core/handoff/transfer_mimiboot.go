//go:build mimiboot

package handoff

// ARMTransfer is the production Transferer. Its methods are
// implemented in transfer_arm.s; on Cortex-M this is the only code
// path that runs after the loader completes.
type ARMTransfer struct{}

func (ARMTransfer) Transfer(handoffAddr, entry uint32) {
	transferARM(handoffAddr, entry)
}

func (ARMTransfer) TransferWithSP(handoffAddr, entry, sp uint32) {
	transferARMWithSP(handoffAddr, entry, sp)
}
