// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package natcore

import (
	"sync"
	"sync/atomic"
	"time"

	wire "ridgewatch.dev/natcore/internal/ebpf/types"
	"ridgewatch.dev/natcore/internal/logging"
)

// CTStatus is the outcome of a conntrack lookup-or-create call.
type CTStatus int

const (
	CTExisting CTStatus = iota
	CTCreated
	CTNotFound
	CTError
)

// ConntrackEntryV4 is one nat_timer_value_v4 entry (§4.3): a
// per-direction connection-state pair, the orthogonal reporting state,
// the client endpoint and accounting fields, plus the Go timer handle
// standing in for the embedded bpf_timer.
type ConntrackEntryV4 struct {
	Key wire.NatTimerKeyV4

	ClientState StateAxis
	ServerState StateAxis
	Report      ReportAxis

	ClientAddr Addr4
	ClientPort uint16
	Gress      Gress
	FlowID     uint8
	CPUID      uint32
	CreateTime int64

	IngressBytes   atomic.Uint64
	IngressPackets atomic.Uint64
	EgressBytes    atomic.Uint64
	EgressPackets  atomic.Uint64

	timerMu sync.Mutex
	timer   Timer
}

// ConntrackV4 is the IPv4 conntrack store keyed by
// (l4proto, server_addr, server_port, nat_addr, nat_port), since
// conntrack exists per server-facing 5-tuple rather than per NAT
// mapping (§4.3).
type ConntrackV4 struct {
	mu      sync.RWMutex
	entries map[wire.NatTimerKeyV4]*ConntrackEntryV4

	clock     Clock
	logger    *logging.Logger
	scheduler Scheduler

	// ReportInterval is the fixed tick period (5s per §4.5) between
	// successive timer callback invocations.
	ReportInterval time.Duration
	// IdleTimeout returns the final wait before RELEASE, which differs
	// by protocol (TCP vs UDP have distinct idle timeouts per §2).
	IdleTimeout func(*ConntrackEntryV4) time.Duration
	// EmitActive/EmitDelete perform the NAT_CONN_ACTIVE / NAT_CONN_DELETE
	// metric-ring submissions (§4.5, §12); both return false on a
	// ring-full retry condition (P3).
	EmitActive func(*ConntrackEntryV4) bool
	EmitDelete func(*ConntrackEntryV4) bool
	// OnRelease performs the entry's teardown side effects once
	// NAT_CONN_DELETE has been durably emitted: removing the conntrack
	// entry itself, and for v4, the paired dynamic mapping too.
	OnRelease func(*ConntrackEntryV4)
}

// NewConntrackV4 constructs an empty store. The Emit*/OnRelease/
// IdleTimeout hooks are wired by the engine at startup; scheduler is
// NewRealScheduler() in production and a fake in tests.
func NewConntrackV4(clock Clock, logger *logging.Logger, scheduler Scheduler, reportInterval time.Duration) *ConntrackV4 {
	return &ConntrackV4{
		entries:        make(map[wire.NatTimerKeyV4]*ConntrackEntryV4),
		clock:          clock,
		logger:         logger,
		scheduler:      scheduler,
		ReportInterval: reportInterval,
	}
}

// Count returns the number of live IPv4 conntrack entries, used by the
// Prometheus ConntrackActive gauge.
func (c *ConntrackV4) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// LookupOrNewCT implements §4.3's "Conntrack lookup-or-create": an
// exact lookup; if absent and doNew is false, CTNotFound. Otherwise a
// new entry is constructed with both connection-state axes and the
// reporting axis at INIT, inserted only-if-absent, and its timer armed
// at ReportInterval. A failed arm rolls back the insert and reports
// CTError — the caller's disposition on CTError is Drop (§7's "Timer
// setup failed").
func (c *ConntrackV4) LookupOrNewCT(
	key wire.NatTimerKeyV4,
	doNew bool,
	clientAddr Addr4,
	clientPort uint16,
	gress Gress,
	flowID uint8,
	cpuID uint32,
) (entry *ConntrackEntryV4, status CTStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		return e, CTExisting
	}

	if !doNew {
		return nil, CTNotFound
	}

	e := &ConntrackEntryV4{
		Key:        key,
		ClientAddr: clientAddr,
		ClientPort: clientPort,
		Gress:      gress,
		FlowID:     flowID,
		CPUID:      cpuID,
		CreateTime: c.clock.NowNano(),
	}

	c.entries[key] = e

	t, err := c.scheduler.Schedule(c.ReportInterval, c.tickFunc(key, e))
	if err != nil {
		delete(c.entries, key)
		c.logger.Warn("conntrack_v4: timer arm failed", "error", timerSetupFailed(err))
		return nil, CTError
	}
	e.timer = t

	return e, CTCreated
}

// Touch implements the data-packet side of the reporting axis (§4.5):
// every packet that traverses an existing entry performs
// atomic_exchange(report_state, ACTIVE), and the timer is re-armed at
// ReportInterval only when the previous value was not already ACTIVE —
// MarkActive's own return value is exactly that condition.
func (c *ConntrackV4) Touch(key wire.NatTimerKeyV4, e *ConntrackEntryV4) {
	if !e.Report.MarkActive() {
		return
	}

	t, err := c.scheduler.Schedule(c.ReportInterval, c.tickFunc(key, e))
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if err != nil {
		c.logger.Warn("conntrack_v4: touch re-arm failed", "error", timerSetupFailed(err))
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = t
}

// Delete removes an entry directly and stops its timer; the release
// path calls it once NAT_CONN_DELETE has been emitted.
func (c *ConntrackV4) Delete(key wire.NatTimerKeyV4) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.timerMu.Lock()
		if e.timer != nil {
			e.timer.Stop()
		}
		e.timerMu.Unlock()
		delete(c.entries, key)
	}
}

// tickFunc returns the closure armed as this entry's timer callback,
// driving the shared RunReportTick state progression (§4.5).
func (c *ConntrackV4) tickFunc(key wire.NatTimerKeyV4, e *ConntrackEntryV4) func() {
	return func() {
		idle := c.ReportInterval
		if c.IdleTimeout != nil {
			idle = c.IdleTimeout(e)
		}
		RunReportTick(&e.Report, ReportTickHooks{
			ReportInterval: c.ReportInterval,
			IdleTimeout:    func() time.Duration { return idle },
			EmitActive: func() bool {
				if c.EmitActive == nil {
					return true
				}
				return c.EmitActive(e)
			},
			EmitDelete: func() bool {
				if c.EmitDelete == nil {
					return true
				}
				return c.EmitDelete(e)
			},
			OnRelease: func() {
				c.Delete(key)
				if c.OnRelease != nil {
					c.OnRelease(e)
				}
			},
			Rearm: func(d time.Duration) {
				t, err := c.scheduler.Schedule(d, c.tickFunc(key, e))
				e.timerMu.Lock()
				if err != nil {
					c.logger.Warn("conntrack_v4: timer re-arm failed", "error", err)
					e.timerMu.Unlock()
					return
				}
				e.timer = t
				e.timerMu.Unlock()
			},
		})
	}
}
