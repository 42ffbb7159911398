// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package natcore

import (
	"time"

	"ridgewatch.dev/natcore/internal/errors"
)

// Timer is the handle returned by Scheduler.Schedule — the Go analogue
// of the embedded bpf_timer the original keys every conntrack entry
// with, minus the kernel-side arming/cancellation calls.
type Timer interface {
	// Stop cancels a pending firing. Returns false if the timer already
	// fired or was already stopped, mirroring bpf_timer_cancel's return.
	Stop() bool
}

// Scheduler arms a one-shot callback after duration d. A non-nil error
// return models the "Timer setup failed" disposition from §7 — the
// real bpf_timer_start call can fail under memory pressure, and a fake
// Scheduler in tests exercises that path without needing to actually
// starve memory.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) (Timer, error)
}

// realScheduler is the production Scheduler, backed by time.AfterFunc.
type realScheduler struct{}

// NewRealScheduler returns the time.AfterFunc-backed Scheduler used
// outside of tests.
func NewRealScheduler() Scheduler { return realScheduler{} }

func (realScheduler) Schedule(d time.Duration, fn func()) (Timer, error) {
	t := time.AfterFunc(d, fn)
	return timeTimerAdapter{t}, nil
}

type timeTimerAdapter struct {
	t *time.Timer
}

func (a timeTimerAdapter) Stop() bool { return a.t.Stop() }

// timerSetupFailed wraps a Scheduler.Schedule error with the
// KindTimerFailed disposition (§7).
func timerSetupFailed(err error) error {
	return errors.Wrap(err, errors.KindTimerFailed, "natcore: timer arm failed")
}
