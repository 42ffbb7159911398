// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package natcore

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStateAxis_Apply(t *testing.T) {
	var s StateAxis
	require.Equal(t, ConnInit, s.Load())

	require.True(t, s.Apply(PktConnless))
	require.Equal(t, ConnLessEst, s.Load())

	require.True(t, s.Apply(PktTCPAck)) // no-op class
	require.Equal(t, ConnLessEst, s.Load())

	require.True(t, s.Apply(PktTCPFin))
	require.Equal(t, ConnFin, s.Load())
}

func TestStateAxis_Apply_ConcurrentTransitionsLandOnOneTarget(t *testing.T) {
	var s StateAxis
	s.v.Store(int64(ConnSyn))

	// Simulate a concurrent writer already having moved the value past
	// what this goroutine observed, by pre-seeding a different value and
	// immediately racing a CAS against a stale read via two goroutines.
	var wg sync.WaitGroup
	results := make([]bool, 2)
	wg.Add(2)
	go func() { defer wg.Done(); results[0] = s.Apply(PktTCPFin) }()
	go func() { defer wg.Done(); results[1] = s.Apply(PktTCPRst) }()
	wg.Wait()

	// Exactly one of the two racing transitions applies; both returning
	// true would mean they serialized cleanly (also acceptable), so the
	// only invariant worth asserting is that the axis lands on one of
	// the two target states.
	final := s.Load()
	require.True(t, final == ConnFin || final == ConnInit)
	_ = results
}

func TestReportAxis_MarkActive(t *testing.T) {
	var r ReportAxis
	require.True(t, r.MarkActive()) // INIT -> ACTIVE needs rearm
	require.Equal(t, ReportActive, r.Load())
	require.False(t, r.MarkActive()) // already ACTIVE
}

func TestReportAxis_AdvanceCAS(t *testing.T) {
	var r ReportAxis
	r.v.Store(int64(ReportActive))
	require.True(t, r.AdvanceCAS(ReportActive, ReportTimeout1))
	require.Equal(t, ReportTimeout1, r.Load())
	require.False(t, r.AdvanceCAS(ReportActive, ReportTimeout2)) // stale `from`
}

func TestRunReportTick_FullProgression(t *testing.T) {
	var axis ReportAxis
	var rearmed []time.Duration
	var released bool

	hooks := ReportTickHooks{
		ReportInterval: 5 * time.Second,
		IdleTimeout:    func() time.Duration { return 30 * time.Second },
		EmitActive:     func() bool { return true },
		EmitDelete:     func() bool { return true },
		OnRelease:      func() { released = true },
		Rearm:          func(d time.Duration) { rearmed = append(rearmed, d) },
	}

	RunReportTick(&axis, hooks) // INIT -> ACTIVE
	require.Equal(t, ReportActive, axis.Load())

	RunReportTick(&axis, hooks) // ACTIVE -> TIMEOUT_1
	require.Equal(t, ReportTimeout1, axis.Load())

	RunReportTick(&axis, hooks) // TIMEOUT_1 -> TIMEOUT_2
	require.Equal(t, ReportTimeout2, axis.Load())

	RunReportTick(&axis, hooks) // TIMEOUT_2 -> RELEASE (idle wait)
	require.Equal(t, ReportRelease, axis.Load())
	require.Equal(t, 30*time.Second, rearmed[len(rearmed)-1])

	RunReportTick(&axis, hooks) // RELEASE tick: emit delete succeeds
	require.True(t, released)
}

func TestRunReportTick_ActivePacketResetsProgression(t *testing.T) {
	var axis ReportAxis
	axis.v.Store(int64(ReportTimeout2))

	var rearmed time.Duration
	hooks := ReportTickHooks{
		ReportInterval: 5 * time.Second,
		IdleTimeout:    func() time.Duration { return 30 * time.Second },
		EmitActive:     func() bool { return true },
		EmitDelete:     func() bool { return true },
		OnRelease:      func() {},
		Rearm:          func(d time.Duration) { rearmed = d },
	}

	// A data packet bounces the state back to ACTIVE between ticks.
	axis.MarkActive()
	RunReportTick(&axis, hooks)
	require.Equal(t, ReportTimeout1, axis.Load())
	require.Equal(t, 5*time.Second, rearmed)
}

func TestRunReportTick_RingFullRetriesDelete(t *testing.T) {
	var axis ReportAxis
	axis.v.Store(int64(ReportRelease))

	released := false
	rearmCount := 0
	RunReportTick(&axis, ReportTickHooks{
		ReportInterval: 5 * time.Second,
		EmitDelete:     func() bool { return false },
		OnRelease:      func() { released = true },
		Rearm:          func(time.Duration) { rearmCount++ },
	})

	require.False(t, released)
	require.Equal(t, 1, rearmCount)
	require.Equal(t, ReportRelease, axis.Load())
}

func TestRunReportTick_RingFullOnActiveRetries(t *testing.T) {
	var axis ReportAxis
	rearmCount := 0
	RunReportTick(&axis, ReportTickHooks{
		ReportInterval: 5 * time.Second,
		EmitActive:     func() bool { return false },
		Rearm:          func(time.Duration) { rearmCount++ },
	})
	require.Equal(t, 1, rearmCount)
	require.Equal(t, ReportInit, axis.Load())
}
