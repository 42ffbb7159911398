// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package types holds the wire-level structures shared between the NAT
// data-path stores and the optional real eBPF maps they can mirror.
// Field names and layout follow nat_maps.h / land_nat_common.h from the
// original landscape implementation so a pinned kernel map can be
// attached without a translation layer.
package types

import "fmt"

// Gress identifies which side of the engine a key was observed on.
type Gress uint8

const (
	GressIngress Gress = 0
	GressEgress  Gress = 1
)

func (g Gress) Dual() Gress {
	if g == GressIngress {
		return GressEgress
	}
	return GressIngress
}

func (g Gress) String() string {
	if g == GressEgress {
		return "egress"
	}
	return "ingress"
}

// L4Proto is the transport protocol a mapping or conntrack entry was
// created for.
type L4Proto uint8

const (
	ProtoTCP    L4Proto = 6
	ProtoUDP    L4Proto = 17
	ProtoICMP   L4Proto = 1
	ProtoICMPv6 L4Proto = 58
)

func (p L4Proto) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoICMP:
		return "icmp"
	case ProtoICMPv6:
		return "icmpv6"
	default:
		return fmt.Sprintf("proto(%d)", uint8(p))
	}
}

// PktType classifies a packet for state-machine purposes. CONNLESS and
// TCP_SYN are the only two classes allowed to initiate a mapping or
// conntrack entry (pkt_allow_initiating_ct in land_nat_common.h).
type PktType uint8

const (
	PktConnless PktType = iota
	PktTCPSyn
	PktTCPAck
	PktTCPFin
	PktTCPRst
	PktICMPError
)

func (t PktType) AllowsInitiatingConntrack() bool {
	return t == PktConnless || t == PktTCPSyn
}

// NatMappingKeyV4 mirrors struct nat_mapping_key_v4.
type NatMappingKeyV4 struct {
	Gress    Gress
	L4Proto  L4Proto
	FromPort uint16
	FromAddr uint32
}

// NatMappingValueV4 mirrors struct nat_mapping_value_v4.
type NatMappingValueV4 struct {
	Addr         uint32
	TriggerAddr  uint32
	Port         uint16
	TriggerPort  uint16
	IsStatic     bool
	IsAllowReuse bool
	ActiveTime   int64 // monotonic nanoseconds, last-writer-wins hint
}

// NatTimerKeyV4 mirrors struct nat_timer_key_v4 — the conntrack key.
type NatTimerKeyV4 struct {
	L4Proto    L4Proto
	ServerAddr uint32
	ServerPort uint16
	NatAddr    uint32
	NatPort    uint16
}

// NatTimerValueV4 mirrors struct nat_timer_value_v4, minus the embedded
// bpf_timer (the Go rendition schedules timers through the engine's
// timer wheel instead of carrying one inline).
type NatTimerValueV4 struct {
	ServerStatus int64
	ClientStatus int64
	Status       int64
	ClientAddr   uint32
	ClientPort   uint16
	Gress        Gress
	FlowID       uint8

	CreateTime     int64
	IngressBytes   uint64
	IngressPackets uint64
	EgressBytes    uint64
	EgressPackets  uint64
	CPUID          uint32
}

// StaticNatMappingKeyV6 mirrors struct static_nat_mapping_key_v6.
type StaticNatMappingKeyV6 struct {
	PrefixLen  uint32
	Port       uint16
	Gress      Gress
	L3Protocol uint8
	L4Protocol L4Proto
	Addr       [16]byte
}

// StaticNatMappingValueV6 mirrors struct static_nat_mapping_value_v6.
type StaticNatMappingValueV6 struct {
	Addr         [16]byte
	TriggerAddr  [16]byte
	Port         uint16
	TriggerPort  uint16
	IsStatic     bool
	IsAllowReuse bool
	ActiveTime   int64
}

// NatTimerKeyV6 mirrors struct nat_timer_key_v6 — the v6 conntrack key.
type NatTimerKeyV6 struct {
	ClientSuffix [8]byte
	ClientPort   uint16
	IDByte       uint8
	L4Protocol   L4Proto
}

// NatTimerValueV6 mirrors struct nat_timer_value_v6.
type NatTimerValueV6 struct {
	ServerStatus int64
	ClientStatus int64
	Status       int64
	TriggerAddr  [16]byte
	TriggerPort  uint16
	IsAllowReuse bool
	FlowID       uint8

	CreateTime     int64
	IngressBytes   uint64
	IngressPackets uint64
	EgressBytes    uint64
	EgressPackets  uint64
	CPUID          uint32
	ClientPrefix   [8]byte
}

// Metric event status, mirroring NAT_CONN_ACTIVE / NAT_CONN_DELETE.
const (
	NatConnActive uint8 = 1
	NatConnDelete uint8 = 2
)

// NatConnMetricEvent mirrors struct nat_conn_metric_event.
type NatConnMetricEvent struct {
	SrcAddr        [16]byte
	DstAddr        [16]byte
	SrcPort        uint16
	DstPort        uint16
	CreateTime     int64
	Time           int64
	IngressBytes   uint64
	IngressPackets uint64
	EgressBytes    uint64
	EgressPackets  uint64
	L4Proto        L4Proto
	L3Proto        uint8
	FlowID         uint8
	TraceID        uint8
	CPUID          uint32
	Status         uint8
	Gress          Gress
}

// NatActionV4 mirrors struct nat_action_v4 — the header-rewrite contract.
type NatActionV4 struct {
	FromAddr uint32
	FromPort uint16
	ToAddr   uint32
	ToPort   uint16
}

// NatActionV6 is the v6 analogue; only the high 60 bits of the address
// are ever meant to be applied by a caller honoring nibble preservation.
type NatActionV6 struct {
	FromAddr [16]byte
	FromPort uint16
	ToAddr   [16]byte
	ToPort   uint16
}

// MappingRange mirrors struct mapping_range.
type MappingRange struct {
	Start uint16
	End   uint16
}

func (r MappingRange) Size() uint16 {
	return r.End - r.Start + 1
}
