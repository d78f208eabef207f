package handoff

import "testing"

func TestRecorderCapturesTransfer(t *testing.T) {
	var r Recorder
	r.Transfer(0x2003FF00, 0x20000101)
	if !r.Called || r.WithSP {
		t.Fatalf("Recorder state = %+v", r)
	}
	if r.HandoffAddr != 0x2003FF00 || r.Entry != 0x20000101 {
		t.Fatalf("Recorder captured wrong args: %+v", r)
	}
}

func TestRecorderCapturesTransferWithSP(t *testing.T) {
	var r Recorder
	r.TransferWithSP(0x2003FF00, 0x20000101, 0x20040000)
	if !r.Called || !r.WithSP || r.SP != 0x20040000 {
		t.Fatalf("Recorder state = %+v", r)
	}
}
