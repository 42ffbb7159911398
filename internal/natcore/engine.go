// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package natcore

import (
	"time"

	"github.com/cilium/ebpf"

	"ridgewatch.dev/natcore/internal/ebpf/metrics"
	wire "ridgewatch.dev/natcore/internal/ebpf/types"
	"ridgewatch.dev/natcore/internal/errors"
	"ridgewatch.dev/natcore/internal/logging"
)

// EngineConfig gathers everything needed to construct a NatEngine: the
// per-protocol dynamic port ranges and idle timeouts (§2), the report
// tick period, the metric ring's capacity, and an optional pinned
// *ebpf.Map for the v4 mapping store to mirror.
type EngineConfig struct {
	Ranges          map[L4Proto]wire.MappingRange
	Timeouts        map[L4Proto]time.Duration
	ReportInterval  time.Duration
	RingBufCapacity int
	BPFMapV4        *ebpf.Map
}

// NatEngine ties the mapping store, static store, both conntrack
// stores and the metric pipeline together, mirroring the orchestration
// land_nat_v2.bpf.c performs per packet: classify, look up or create a
// mapping, apply EIF, look up or create conntrack, drive the state
// machine, accumulate counters, and hand back a NatAction (§4.6).
type NatEngine struct {
	clock     Clock
	logger    *logging.Logger
	scheduler Scheduler

	MappingV4   *MappingStoreV4
	StaticV6    *StaticStoreV6
	ConntrackV4 *ConntrackV4
	ConntrackV6 *ConntrackV6

	ring    *MetricRing
	Metrics *metrics.Metrics

	timeouts map[L4Proto]time.Duration
	ranges   map[L4Proto]wire.MappingRange
}

// NewNatEngine wires every store together and starts the metric drain
// goroutine. Callers should call Stop when shutting down.
func NewNatEngine(clock Clock, logger *logging.Logger, scheduler Scheduler, cfg EngineConfig) *NatEngine {
	m := metrics.NewMetrics()

	e := &NatEngine{
		clock:       clock,
		logger:      logger,
		scheduler:   scheduler,
		MappingV4:   NewMappingStoreV4(clock, logger, cfg.Ranges, cfg.Timeouts, cfg.BPFMapV4),
		StaticV6:    NewStaticStoreV6(),
		ConntrackV4: NewConntrackV4(clock, logger, scheduler, cfg.ReportInterval),
		ConntrackV6: NewConntrackV6(clock, logger, scheduler, cfg.ReportInterval),
		Metrics:     m,
		timeouts:    cfg.Timeouts,
		ranges:      cfg.Ranges,
	}

	e.ring = NewMetricRing(cfg.RingBufCapacity, e.drainMetricEvent, func() {
		m.RingBufferDrops.Inc()
		e.logger.Warn("natcore: metric ring full", "error", errors.New(errors.KindRingFull, "metric event dropped"))
	})
	e.ring.Start()

	e.ConntrackV4.IdleTimeout = func(ce *ConntrackEntryV4) time.Duration {
		return e.timeouts[ce.Key.L4Proto]
	}
	e.ConntrackV4.EmitActive = func(ce *ConntrackEntryV4) bool {
		return e.ring.Submit(e.buildEventV4(ce, wire.NatConnActive))
	}
	e.ConntrackV4.EmitDelete = func(ce *ConntrackEntryV4) bool {
		return e.ring.Submit(e.buildEventV4(ce, wire.NatConnDelete))
	}
	e.ConntrackV4.OnRelease = func(ce *ConntrackEntryV4) {
		e.MappingV4.DeletePair(ce.Key.L4Proto, Addr4(ce.Key.NatAddr), ce.Key.NatPort, ce.ClientAddr, ce.ClientPort)
		m.ReleaseEvents.WithLabelValues("v4").Inc()
	}

	e.ConntrackV6.IdleTimeout = func(ce *ConntrackEntryV6) time.Duration {
		return e.timeouts[ce.Key.L4Protocol]
	}
	e.ConntrackV6.EmitActive = func(ce *ConntrackEntryV6) bool {
		return e.ring.Submit(e.buildEventV6(ce, wire.NatConnActive))
	}
	e.ConntrackV6.EmitDelete = func(ce *ConntrackEntryV6) bool {
		return e.ring.Submit(e.buildEventV6(ce, wire.NatConnDelete))
	}
	e.ConntrackV6.OnRelease = func(ce *ConntrackEntryV6) {
		m.ReleaseEvents.WithLabelValues("v6").Inc()
	}

	return e
}

// Stop drains and stops the metric ring's consumer goroutine.
func (e *NatEngine) Stop() { e.ring.Stop() }

func (e *NatEngine) buildEventV4(ce *ConntrackEntryV4, status uint8) MetricEvent {
	var src, dst [16]byte
	copy(src[12:], []byte{byte(ce.ClientAddr >> 24), byte(ce.ClientAddr >> 16), byte(ce.ClientAddr >> 8), byte(ce.ClientAddr)})
	natAddr := Addr4(ce.Key.NatAddr)
	copy(dst[12:], []byte{byte(natAddr >> 24), byte(natAddr >> 16), byte(natAddr >> 8), byte(natAddr)})

	return MetricEvent{
		SrcAddr:        src,
		DstAddr:        dst,
		SrcPort:        ce.ClientPort,
		DstPort:        ce.Key.NatPort,
		CreateTime:     ce.CreateTime,
		Time:           e.clock.NowNano(),
		IngressBytes:   ce.IngressBytes.Load(),
		IngressPackets: ce.IngressPackets.Load(),
		EgressBytes:    ce.EgressBytes.Load(),
		EgressPackets:  ce.EgressPackets.Load(),
		L4Proto:        ce.Key.L4Proto,
		L3Proto:        4,
		FlowID:         ce.FlowID,
		CPUID:          ce.CPUID,
		Status:         status,
		Gress:          ce.Gress,
	}
}

func (e *NatEngine) buildEventV6(ce *ConntrackEntryV6, status uint8) MetricEvent {
	prefix := ce.LoadClientPrefix()
	var src Addr6
	copy(src[:8], prefix[:])
	copy(src[8:], ce.Key.ClientSuffix[:])
	src[7] = (src[7] &^ 0x0F) | ce.Key.IDByte

	return MetricEvent{
		SrcAddr:        src,
		DstAddr:        ce.TriggerAddr,
		SrcPort:        ce.Key.ClientPort,
		DstPort:        ce.TriggerPort,
		CreateTime:     ce.CreateTime,
		Time:           e.clock.NowNano(),
		IngressBytes:   ce.IngressBytes.Load(),
		IngressPackets: ce.IngressPackets.Load(),
		EgressBytes:    ce.EgressBytes.Load(),
		EgressPackets:  ce.EgressPackets.Load(),
		L4Proto:        ce.Key.L4Protocol,
		L3Proto:        6,
		FlowID:         ce.FlowID,
		CPUID:          ce.CPUID,
		Status:         status,
		Gress:          GressEgress,
	}
}

func (e *NatEngine) drainMetricEvent(ev MetricEvent) {
	e.logger.Debug("natcore: metric event", "status", ev.Status, "l4proto", ev.L4Proto.String())
}
