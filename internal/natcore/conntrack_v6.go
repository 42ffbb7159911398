// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package natcore

import (
	"sync"
	"sync/atomic"
	"time"

	wire "ridgewatch.dev/natcore/internal/ebpf/types"
	"ridgewatch.dev/natcore/internal/logging"
)

// ConntrackEntryV6 is the IPv6 analogue of ConntrackEntryV4, keyed on
// the client's address suffix, id nibble and port rather than on a
// server-facing 4-tuple — topology-stable across prefix rotation
// (§4.4, P7). ClientPrefix tracks the most recently observed egress
// prefix and is used to rebuild the client address for the ingress
// rewrite and the metric event; it is not part of the key.
type ConntrackEntryV6 struct {
	Key wire.NatTimerKeyV6

	ClientState StateAxis
	ServerState StateAxis
	Report      ReportAxis

	TriggerAddr  Addr6
	TriggerPort  uint16
	IsAllowReuse atomic.Bool
	ClientPrefix atomic.Value // stores [8]byte

	FlowID     uint8
	CreateTime int64
	CPUID      uint32

	IngressBytes   atomic.Uint64
	IngressPackets atomic.Uint64
	EgressBytes    atomic.Uint64
	EgressPackets  atomic.Uint64

	timerMu sync.Mutex
	timer   Timer
}

// LoadClientPrefix returns the last-observed egress prefix, or the zero
// value if none has been recorded yet.
func (e *ConntrackEntryV6) LoadClientPrefix() [8]byte {
	if v := e.ClientPrefix.Load(); v != nil {
		return v.([8]byte)
	}
	return [8]byte{}
}

// StoreClientPrefix records a newly observed egress prefix without
// creating a new conntrack entry (§4.4: "prefix rotation refreshes the
// existing entry's client_prefix rather than minting a new one").
func (e *ConntrackEntryV6) StoreClientPrefix(p [8]byte) { e.ClientPrefix.Store(p) }

// ConntrackV6 is the IPv6 conntrack store.
type ConntrackV6 struct {
	mu      sync.RWMutex
	entries map[wire.NatTimerKeyV6]*ConntrackEntryV6

	clock     Clock
	logger    *logging.Logger
	scheduler Scheduler

	ReportInterval time.Duration
	IdleTimeout    func(*ConntrackEntryV6) time.Duration
	EmitActive     func(*ConntrackEntryV6) bool
	EmitDelete     func(*ConntrackEntryV6) bool
	// OnRelease for v6 only tears down the conntrack entry itself —
	// there is no separate dynamic mapping table to pair-delete, since
	// prefix translation is stateless per packet once the static/
	// conntrack lookup has resolved an outcome (§4.4).
	OnRelease func(*ConntrackEntryV6)
}

func NewConntrackV6(clock Clock, logger *logging.Logger, scheduler Scheduler, reportInterval time.Duration) *ConntrackV6 {
	return &ConntrackV6{
		entries:        make(map[wire.NatTimerKeyV6]*ConntrackEntryV6),
		clock:          clock,
		logger:         logger,
		scheduler:      scheduler,
		ReportInterval: reportInterval,
	}
}

func (c *ConntrackV6) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// LookupOrNewCT mirrors ConntrackV4.LookupOrNewCT exactly, for the v6
// key shape (§4.4).
func (c *ConntrackV6) LookupOrNewCT(
	key wire.NatTimerKeyV6,
	doNew bool,
	triggerAddr Addr6,
	triggerPort uint16,
	allowReuse bool,
	clientPrefix [8]byte,
	flowID uint8,
	cpuID uint32,
) (entry *ConntrackEntryV6, status CTStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		return e, CTExisting
	}

	if !doNew {
		return nil, CTNotFound
	}

	e := &ConntrackEntryV6{
		Key:         key,
		TriggerAddr: triggerAddr,
		TriggerPort: triggerPort,
		FlowID:      flowID,
		CPUID:       cpuID,
		CreateTime:  c.clock.NowNano(),
	}
	e.IsAllowReuse.Store(allowReuse)
	e.StoreClientPrefix(clientPrefix)

	c.entries[key] = e

	t, err := c.scheduler.Schedule(c.ReportInterval, c.tickFunc(key, e))
	if err != nil {
		delete(c.entries, key)
		c.logger.Warn("conntrack_v6: timer arm failed", "error", timerSetupFailed(err))
		return nil, CTError
	}
	e.timer = t

	return e, CTCreated
}

// RefreshTrigger updates the allow-reuse flag and client prefix on an
// existing entry without re-arming its timer; the stored trigger
// endpoint is left unchanged. Used when an egress
// packet re-triggers a flow that the server side has already
// established (§4.2/§4.4's EIF trigger-match refresh, reused for v6).
func (c *ConntrackV6) RefreshTrigger(e *ConntrackEntryV6, allowReuse bool, clientPrefix [8]byte) {
	e.IsAllowReuse.Store(allowReuse)
	e.StoreClientPrefix(clientPrefix)
}

// Touch is the v6 analogue of ConntrackV4.Touch.
func (c *ConntrackV6) Touch(key wire.NatTimerKeyV6, e *ConntrackEntryV6) {
	if !e.Report.MarkActive() {
		return
	}

	t, err := c.scheduler.Schedule(c.ReportInterval, c.tickFunc(key, e))
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if err != nil {
		c.logger.Warn("conntrack_v6: touch re-arm failed", "error", timerSetupFailed(err))
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = t
}

func (c *ConntrackV6) Delete(key wire.NatTimerKeyV6) {
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

func (c *ConntrackV6) tickFunc(key wire.NatTimerKeyV6, e *ConntrackEntryV6) func() {
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
					c.logger.Warn("conntrack_v6: timer re-arm failed", "error", err)
					e.timerMu.Unlock()
					return
				}
				e.timer = t
				e.timerMu.Unlock()
			},
		})
	}
}
