// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package natcore

import (
	"sync/atomic"
	"time"
)

// ConnState is the per-direction connection state axis (§4.5). The
// numbering is arbitrary; only the transition table matters.
type ConnState int64

const (
	ConnInit ConnState = iota
	ConnSyn
	ConnLessEst
	ConnFin
)

// ReportState is the orthogonal reporting-state axis driven by the
// timer wheel. The numeric values mirror enum timer_status /
// firewall_connect_status from the original implementation (INIT=0,
// ACTIVE=20, TIMEOUT_1=30, TIMEOUT_2=31, RELEASE=40) — not required by
// the Go rendition but kept for anyone cross-referencing the original.
type ReportState int64

const (
	ReportInit     ReportState = 0
	ReportActive   ReportState = 20
	ReportTimeout1 ReportState = 30
	ReportTimeout2 ReportState = 31
	ReportRelease  ReportState = 40
)

// connStateTransition returns the next ConnState for a given packet
// class, and whether the class drives a transition at all (§4.5: "Any
// other class is a no-op on the connection axis").
func connStateTransition(class PktType) (ConnState, bool) {
	switch class {
	case PktConnless:
		return ConnLessEst, true
	case PktTCPSyn:
		return ConnSyn, true
	case PktTCPRst:
		return ConnInit, true
	case PktTCPFin:
		return ConnFin, true
	default:
		return 0, false
	}
}

// StateAxis holds one direction's connection state as a CAS-protected
// field, grounded on ct_change_state/ct_state_transition in
// land_nat_v4.h and land_nat_v6.h's ct6_state_transition (identical
// shape for both families).
type StateAxis struct {
	v atomic.Int64
}

func (s *StateAxis) Load() ConnState { return ConnState(s.v.Load()) }

// Apply performs the CAS-based transition driven by the observed
// packet class. Returns true for a no-op class (the state is left
// unchanged) and false only if a concurrent writer raced ahead of us
// (the caller's disposition on false is to drop the packet — §4.5).
func (s *StateAxis) Apply(class PktType) bool {
	next, driven := connStateTransition(class)
	if !driven {
		return true
	}
	for {
		cur := s.v.Load()
		if ConnState(cur) == next {
			return true
		}
		if s.v.CompareAndSwap(cur, int64(next)) {
			return true
		}
		// A concurrent writer changed the value between Load and
		// CompareAndSwap; land_nat_v4.h drops on CAS failure rather
		// than retrying, since the racing writer's transition is
		// equally valid and retrying could livelock under load.
		return false
	}
}

// ReportAxis holds the reporting-state field. report_state→ACTIVE is
// an atomic exchange (§4.5); every other advance is a CAS against the
// value the timer callback observed when it woke up.
type ReportAxis struct {
	v atomic.Int64
}

func (r *ReportAxis) Load() ReportState { return ReportState(r.v.Load()) }

// MarkActive performs the atomic_exchange(report_state, ACTIVE) a data
// packet triggers on every flow. It returns true when the timer needs
// to be (re-)armed, i.e. the previous value was not already ACTIVE.
func (r *ReportAxis) MarkActive() (rearm bool) {
	prev := r.v.Swap(int64(ReportActive))
	return ReportState(prev) != ReportActive
}

// AdvanceCAS attempts to move the reporting state from `from` to `to`,
// exactly as the timer callback's CAS does. False means a data packet
// raced the timer and bounced the state back to ACTIVE first; the
// caller re-arms at REPORT_INTERVAL and retries next tick.
func (r *ReportAxis) AdvanceCAS(from, to ReportState) bool {
	return r.v.CompareAndSwap(int64(from), int64(to))
}

// ReportTickHooks supplies the family-specific (v4/v6) behavior a
// timer tick needs: how to emit the two metric-event kinds, how long
// to wait before the final idle-timeout hop, how to actually delete
// the entry (and its dynamic mapping, for v4), and how to re-arm.
// Sharing this orchestration between conntrack_v4.go and
// conntrack_v6.go is grounded directly on timer_clean_callback and
// v6_timer_clean_callback in land_nat_v4.h/land_nat_v6.h, which have
// identical shape and differ only in their release-time side effects.
type ReportTickHooks struct {
	ReportInterval time.Duration
	IdleTimeout    func() time.Duration
	EmitActive     func() bool
	EmitDelete     func() bool
	OnRelease      func()
	Rearm          func(time.Duration)
}

// RunReportTick advances one timer tick for a conntrack entry's
// reporting state, implementing §4.5's "Timer callback progression"
// and "RELEASE tick" paragraphs verbatim.
func RunReportTick(axis *ReportAxis, h ReportTickHooks) {
	cur := axis.Load()

	if cur == ReportRelease {
		if h.EmitDelete() {
			h.OnRelease()
			return
		}
		h.Rearm(h.ReportInterval)
		return
	}

	if !h.EmitActive() {
		h.Rearm(h.ReportInterval)
		return
	}

	var next ReportState
	var wait time.Duration
	switch cur {
	case ReportInit:
		// Literal INIT -> ACTIVE hop (§4.5); in practice MarkActive
		// already performs this the moment the first data packet
		// arrives, so a tick observing INIT means the entry was
		// created but never touched before its first interval elapsed.
		next, wait = ReportActive, h.ReportInterval
	case ReportActive:
		next, wait = ReportTimeout1, h.ReportInterval
	case ReportTimeout1:
		next, wait = ReportTimeout2, h.ReportInterval
	case ReportTimeout2:
		next, wait = ReportRelease, h.IdleTimeout()
	default:
		return
	}

	if !axis.AdvanceCAS(cur, next) {
		h.Rearm(h.ReportInterval)
		return
	}
	h.Rearm(wait)
}
