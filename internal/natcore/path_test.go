// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package natcore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func fixedWANPrefix(p [8]byte) func() ([8]byte, bool) {
	return func() ([8]byte, bool) { return p, true }
}

func TestProcessEgressV4_AllocatesAndRewrites(t *testing.T) {
	clock := &fakeClock{now: 1000}
	sched := &fakeScheduler{}
	e := newTestEngine(clock, sched)
	defer e.Stop()

	pair := Pair4{Src: Addr4(0x0a000001), Sport: 12345, Dst: Addr4(0x08080808), Dport: 443}
	meta := PacketMeta{PktType: PktTCPSyn, Length: 64}

	verdict, action := e.ProcessEgressV4(pair, ProtoTCP, meta, fixedWAN(Addr4(0xc0000201)), nil)
	require.Equal(t, VerdictOK, verdict)
	require.Equal(t, uint32(0x0a000001), action.FromAddr)
	require.Equal(t, uint32(0xc0000201), action.ToAddr)
	require.Equal(t, uint16(12345), action.FromPort)
	require.Equal(t, 1, e.ConntrackV4.Count())
	require.Equal(t, 1, e.MappingV4.Count(GressEgress))
}

func TestProcessEgressV4_UnhandledProtoPassesThrough(t *testing.T) {
	clock := &fakeClock{now: 0}
	sched := &fakeScheduler{}
	e := newTestEngine(clock, sched)
	defer e.Stop()

	pair := Pair4{Src: Addr4(0x0a000001), Sport: 1, Dst: Addr4(0x08080808), Dport: 2}
	verdict, _ := e.ProcessEgressV4(pair, L4Proto(99), PacketMeta{}, fixedWAN(Addr4(0xc0000201)), nil)
	require.Equal(t, VerdictPassThrough, verdict)
	require.Equal(t, 0, e.MappingV4.Count(GressEgress))
}

func TestProcessEgressThenIngressV4_RoundTrips(t *testing.T) {
	clock := &fakeClock{now: 1000}
	sched := &fakeScheduler{}
	e := newTestEngine(clock, sched)
	defer e.Stop()

	egressPair := Pair4{Src: Addr4(0x0a000001), Sport: 12345, Dst: Addr4(0x08080808), Dport: 443}
	egressMeta := PacketMeta{PktType: PktTCPSyn, Length: 40}
	verdict, egressAction := e.ProcessEgressV4(egressPair, ProtoTCP, egressMeta, fixedWAN(Addr4(0xc0000201)), nil)
	require.Equal(t, VerdictOK, verdict)

	ingressPair := Pair4{Src: Addr4(0x08080808), Sport: 443, Dst: Addr4(egressAction.ToAddr), Dport: egressAction.ToPort}
	ingressMeta := PacketMeta{PktType: PktTCPSyn, Length: 60}
	verdict, ingressAction := e.ProcessIngressV4(ingressPair, ProtoTCP, &ingressMeta, nil)
	require.Equal(t, VerdictOK, verdict)
	require.Equal(t, uint32(0x0a000001), ingressAction.ToAddr)
	require.Equal(t, uint16(12345), ingressAction.ToPort)
	require.False(t, ingressMeta.Mark&IngressStaticMark != 0, "dynamic hit must not set the static mark")
}

func TestProcessIngressV4_UnmatchedDynamicPacketDrops(t *testing.T) {
	clock := &fakeClock{now: 0}
	sched := &fakeScheduler{}
	e := newTestEngine(clock, sched)
	defer e.Stop()

	pair := Pair4{Src: Addr4(0x08080808), Sport: 443, Dst: Addr4(0xc0000201), Dport: 40000}
	meta := PacketMeta{PktType: PktTCPAck}
	verdict, _ := e.ProcessIngressV4(pair, ProtoTCP, &meta, nil)
	require.Equal(t, VerdictDrop, verdict)
}

func TestProcessEgressV6_CreatesConntrackAndRewritesPrefix(t *testing.T) {
	clock := &fakeClock{now: 0}
	sched := &fakeScheduler{}
	e := newTestEngine(clock, sched)
	defer e.Stop()

	client := Addr6{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0x01, 0, 0, 0, 0, 0, 0, 0, 0x02}
	server := Addr6{0x20, 0x01, 0x48, 0x60, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x08}
	pair := Pair6{Src: client, Sport: 12345, Dst: server, Dport: 443}
	meta := PacketMeta{PktType: PktTCPSyn, Length: 80}

	wan := [8]byte{0x26, 0x02, 0x00, 0xf0, 0, 0, 0, 0x01}
	verdict, action := e.ProcessEgressV6(pair, ProtoTCP, meta, fixedWANPrefix(wan), nil)
	require.Equal(t, VerdictOK, verdict)
	require.Equal(t, wan, Addr6(action.ToAddr).Prefix())
	require.Equal(t, uint8(0x01), Addr6(action.ToAddr).IDNibble())
	require.Equal(t, 1, e.ConntrackV6.Count())
}

func TestProcessIngressV6_NoMatchWithoutConntrackDrops(t *testing.T) {
	clock := &fakeClock{now: 0}
	sched := &fakeScheduler{}
	e := newTestEngine(clock, sched)
	defer e.Stop()

	client := Addr6{0x26, 0x02, 0x00, 0xf0, 0, 0, 0, 0x01, 0, 0, 0, 0, 0, 0, 0, 0x02}
	server := Addr6{0x20, 0x01, 0x48, 0x60, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x08}
	pair := Pair6{Src: server, Sport: 443, Dst: client, Dport: 12345}
	meta := PacketMeta{PktType: PktTCPAck}

	verdict, _ := e.ProcessIngressV6(pair, ProtoTCP, &meta, nil)
	require.Equal(t, VerdictDrop, verdict)
}

func TestProcessIngressV6_StaticRewritePrefixSetsMark(t *testing.T) {
	clock := &fakeClock{now: 0}
	sched := &fakeScheduler{}
	e := newTestEngine(clock, sched)
	defer e.Stop()

	target := Addr6{0x20, 0x01, 0x48, 0x60, 0, 0, 0, 0x03, 0, 0, 0, 0, 0, 0, 0, 0x10}
	localPrefix := Addr6{0xfd, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	e.StaticV6.Insert(
		StaticBucketKeyV6{Gress: GressIngress, L4Protocol: ProtoTCP, Port: 8080},
		target, 96,
		&StaticMappingValueV6{Addr: localPrefix},
	)

	server := Addr6{0x20, 0x01, 0x48, 0x60, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x08}
	pair := Pair6{Src: server, Sport: 9999, Dst: target, Dport: 8080}
	meta := PacketMeta{PktType: PktTCPSyn}

	verdict, action := e.ProcessIngressV6(pair, ProtoTCP, &meta, nil)
	require.Equal(t, VerdictOK, verdict)
	require.True(t, meta.Mark&IngressStaticMark != 0)
	// High 60 bits come from the static prefix; byte 7's low nibble (0x3)
	// is kept from the original destination.
	require.Equal(t, [8]byte{0xfd, 0, 0, 0, 0, 0, 0, 0x03}, Addr6(action.ToAddr).Prefix())
	require.Equal(t, uint8(0x03), Addr6(action.ToAddr).IDNibble())
}
