// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package natcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	wire "ridgewatch.dev/natcore/internal/ebpf/types"
	"ridgewatch.dev/natcore/internal/logging"
)

func newTestEngine(clock Clock, sched Scheduler) *NatEngine {
	cfg := EngineConfig{
		Ranges: map[L4Proto]wire.MappingRange{
			ProtoTCP: {Start: 40000, End: 40010},
			ProtoUDP: {Start: 40000, End: 40010},
		},
		Timeouts: map[L4Proto]time.Duration{
			ProtoTCP: 10 * time.Second,
			ProtoUDP: 5 * time.Second,
		},
		ReportInterval:  5 * time.Second,
		RingBufCapacity: 16,
	}
	return NewNatEngine(clock, logging.NewDefault(), sched, cfg)
}

func TestNatEngine_EgressThenReleaseTearsDownMapping(t *testing.T) {
	clock := &fakeClock{now: 0}
	sched := &fakeScheduler{}
	e := newTestEngine(clock, sched)
	defer e.Stop()

	pair := Pair4{Src: Addr4(0x0a000001), Sport: 12345, Dst: Addr4(0x08080808), Dport: 443}
	ev, _, verdict := e.MappingV4.EgressLookupOrNew(ProtoTCP, true, pair, PacketMeta{}, fixedWAN(Addr4(0xc0000201)))
	require.Equal(t, VerdictOK, verdict)
	require.Equal(t, 1, e.MappingV4.Count(GressEgress))

	key := wire.NatTimerKeyV4{
		L4Proto:    ProtoTCP,
		ServerAddr: uint32(pair.Dst),
		ServerPort: pair.Dport,
		NatAddr:    ev.Addr,
		NatPort:    ev.Port,
	}
	ct, status := e.ConntrackV4.LookupOrNewCT(key, true, pair.Src, pair.Sport, GressEgress, 0, 0)
	require.Equal(t, CTCreated, status)
	require.Equal(t, 1, e.ConntrackV4.Count())

	sched.FireAll() // INIT -> ACTIVE
	sched.FireAll() // ACTIVE -> TIMEOUT_1
	sched.FireAll() // TIMEOUT_1 -> TIMEOUT_2
	sched.FireAll() // TIMEOUT_2 -> RELEASE
	sched.FireAll() // RELEASE tick: emits delete, tears down

	require.Equal(t, ReportRelease, ct.Report.Load())
	require.Equal(t, 0, e.ConntrackV4.Count())
	require.Equal(t, 0, e.MappingV4.Count(GressEgress), "release must tear down the paired dynamic mapping")
	require.Equal(t, 0, e.MappingV4.Count(GressIngress))
}

func TestNatEngine_BuildEventV4_RoundTripsAddresses(t *testing.T) {
	clock := &fakeClock{now: 42}
	sched := &fakeScheduler{}
	e := newTestEngine(clock, sched)
	defer e.Stop()

	ce := &ConntrackEntryV4{
		Key:        wire.NatTimerKeyV4{L4Proto: ProtoTCP, NatAddr: 0xc0000201, NatPort: 40000},
		ClientAddr: Addr4(0x0a000001),
		ClientPort: 12345,
		CreateTime: 1,
	}
	ev := e.buildEventV4(ce, wire.NatConnActive)
	require.Equal(t, wire.NatConnActive, ev.Status)
	require.Equal(t, uint16(12345), ev.SrcPort)
	require.Equal(t, byte(0x0a), ev.SrcAddr[12])
	require.Equal(t, byte(0xc0), ev.DstAddr[12])
}
