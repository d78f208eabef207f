package sdspi

import (
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type flakySource struct {
	failCount int
	reads     int
}

func (f *flakySource) ReadSector(index uint32, buf *[512]byte) error {
	f.reads++
	if f.reads <= f.failCount {
		return errors.New("bus timeout")
	}
	buf[0] = 0x42
	return nil
}

func fastBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Microsecond
	b.MaxElapsedTime = 10 * time.Millisecond
	return b
}

func TestResilientRetriesTransientFailure(t *testing.T) {
	src := &flakySource{failCount: 2}
	r := &Resilient{Source: src, NewBackOff: fastBackOff}

	var buf [512]byte
	if err := r.ReadSector(5, &buf); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	if buf[0] != 0x42 {
		t.Fatalf("buf[0] = %#x, want 0x42", buf[0])
	}
	if src.reads != 3 {
		t.Fatalf("reads = %d, want 3", src.reads)
	}
}

func TestResilientCallsReinitOnceBeforeExhaustion(t *testing.T) {
	src := &flakySource{failCount: 100}
	reinitCalls := 0
	r := &Resilient{
		Source:     src,
		NewBackOff: fastBackOff,
		Reinit: func() error {
			reinitCalls++
			return nil
		},
	}

	var buf [512]byte
	if err := r.ReadSector(0, &buf); err == nil {
		t.Fatal("expected exhausted retries to surface an error")
	}
	if reinitCalls != 1 {
		t.Fatalf("reinitCalls = %d, want 1", reinitCalls)
	}
}

func TestResilientSucceedsWithoutReinitOnFirstTry(t *testing.T) {
	src := &flakySource{failCount: 0}
	reinitCalls := 0
	r := &Resilient{
		Source:     src,
		NewBackOff: fastBackOff,
		Reinit:     func() error { reinitCalls++; return nil },
	}

	var buf [512]byte
	if err := r.ReadSector(0, &buf); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	if reinitCalls != 0 {
		t.Fatalf("reinitCalls = %d, want 0", reinitCalls)
	}
}
