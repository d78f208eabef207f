// Package sdspi wraps a raw platform.BlockSource with the retry and
// reinitialization policy a physical SD card over SPI actually needs:
// a single bad sector read is common (bus noise, a card momentarily
// busy after a write) and should not be a mount-time failure.
package sdspi

import (
	"github.com/cenkalti/backoff/v4"

	"mimiboot/src/diag"
	"mimiboot/src/platform"
)

// Resilient retries a failed sector read with bounded exponential
// backoff and calls Reinit once, after the second consecutive failed
// attempt, before retrying further. This resolves the open question of what
// happens when the card times out mid multi-block read: the read is
// retried from scratch rather than left to propagate as a fatal
// mount or load error.
type Resilient struct {
	Source platform.BlockSource

	// Reinit re-establishes the SPI/SDIO session (CMD0/CMD8/ACMD41
	// re-negotiation). It is invoked at most once per ReadSector call,
	// after the second failed attempt, never on the first failure.
	Reinit func() error

	// NewBackOff overrides the retry schedule for one ReadSector call.
	// Nil uses a short exponential backoff comfortably inside a
	// sector-read timeout.
	NewBackOff func() backoff.BackOff
}

func (r *Resilient) newBackOff() backoff.BackOff {
	if r.NewBackOff != nil {
		return r.NewBackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2_000_000 // 2ms, expressed in backoff's time.Duration nanoseconds
	b.MaxElapsedTime = 50_000_000 // 50ms
	return b
}

// ReadSector satisfies platform.BlockSource, retrying transient
// failures and reinitializing the card once before giving up.
func (r *Resilient) ReadSector(index uint32, buf *[512]byte) error {
	attempt := 0
	reinitDone := false

	operation := func() error {
		attempt++
		err := r.Source.ReadSector(index, buf)
		if err == nil {
			return nil
		}
		diag.Warnf("sdspi: sector %d read failed (attempt %d): %v", index, attempt, err)
		if !reinitDone && r.Reinit != nil && attempt >= 2 {
			reinitDone = true
			if rerr := r.Reinit(); rerr != nil {
				diag.Errorf("sdspi: reinit failed: %v", rerr)
			}
		}
		return err
	}

	return backoff.Retry(operation, r.newBackOff())
}
