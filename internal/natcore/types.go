// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package natcore implements the stateful NAT engine: the IPv4 NAPT
// mapping store, the IPv6 prefix-translation static store, the shared
// conntrack state machine, the timer-driven flow lifecycle, and the
// metric reporter. See SPEC_FULL.md for the full design.
package natcore

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"

	wire "ridgewatch.dev/natcore/internal/ebpf/types"
)

// Gress and L4Proto are re-exported from the wire package so callers
// of natcore rarely need to import it directly.
type (
	Gress   = wire.Gress
	L4Proto = wire.L4Proto
	PktType = wire.PktType
)

const (
	GressIngress = wire.GressIngress
	GressEgress  = wire.GressEgress

	ProtoTCP    = wire.ProtoTCP
	ProtoUDP    = wire.ProtoUDP
	ProtoICMP   = wire.ProtoICMP
	ProtoICMPv6 = wire.ProtoICMPv6

	PktConnless  = wire.PktConnless
	PktTCPSyn    = wire.PktTCPSyn
	PktTCPAck    = wire.PktTCPAck
	PktTCPFin    = wire.PktTCPFin
	PktTCPRst    = wire.PktTCPRst
	PktICMPError = wire.PktICMPError
)

// Addr4 is a 32-bit IPv4 address, network byte order preserved.
type Addr4 uint32

func (a Addr4) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(a>>24), byte(a>>16), byte(a>>8), byte(a))
}

// Addr6 is a 128-bit IPv6 address, split conceptually into an 8-byte
// prefix and an 8-byte suffix (land_nat_v6.h's prefix/suffix split).
type Addr6 [16]byte

func (a Addr6) Prefix() [8]byte {
	var p [8]byte
	copy(p[:], a[:8])
	return p
}

func (a Addr6) Suffix() [8]byte {
	var s [8]byte
	copy(s[:], a[8:])
	return s
}

// IDNibble is the preserved low nibble of byte 7 — the topology id
// that survives prefix rotation (P7 in the testable-properties list).
func (a Addr6) IDNibble() uint8 {
	return a[7] & 0x0F
}

// WithPrefix returns a copy of a with its high 60 bits replaced from
// newPrefix, preserving a's low nibble of byte 7 and all of the suffix.
func (a Addr6) WithPrefix(newPrefix [8]byte) Addr6 {
	out := a
	copy(out[:7], newPrefix[:7])
	out[7] = (newPrefix[7] &^ 0x0F) | (a[7] & 0x0F)
	return out
}

// Pair4 is a 4-tuple as observed on the wire for one packet.
type Pair4 struct {
	Src   Addr4
	Sport uint16
	Dst   Addr4
	Dport uint16
}

// Pair6 is the IPv6 analogue of Pair4.
type Pair6 struct {
	Src   Addr6
	Sport uint16
	Dst   Addr6
	Dport uint16
}

// PacketMeta carries the externally-parsed packet information named in
// §6 (PacketOffsetInfo) plus the flow-flag bits used by EIF.
type PacketMeta struct {
	L3Offset            int
	L4Offset            int
	PktType             PktType
	ICMPErrorL3Offset   int
	ICMPErrorInnerL4Off int
	ICMPErrorL4Protocol L4Proto
	IsICMPError         bool
	AllowReusePort      bool
	FlowID              uint8
	CPUID               uint32

	// Length is the packet's on-wire length in bytes, accumulated into
	// a conntrack entry's byte counters by the per-packet path (§2).
	Length uint32

	// Mark is the packet's routing-mark metadata field. The ingress
	// path sets INGRESS_STATIC_MARK on it via a masked write when the
	// mapping lookup resolves to a static entry (§4.2, §6).
	Mark uint32
}

// Verdict is the only way the engine communicates a disposition; no
// error is ever surfaced as an exception (§7).
type Verdict int

const (
	VerdictDrop Verdict = iota
	VerdictPassThrough
	VerdictOK
)

func (v Verdict) String() string {
	switch v {
	case VerdictDrop:
		return "drop"
	case VerdictPassThrough:
		return "pass_through"
	case VerdictOK:
		return "ok"
	default:
		return "unknown"
	}
}

// Clock abstracts monotonic time so tests can control it deterministically.
type Clock interface {
	NowNano() int64
}

// SystemClock is the production Clock, backed directly by
// CLOCK_MONOTONIC — the Go analogue of the original's
// bpf_ktime_get_ns(), which also reads a monotonic (not wall) clock.
type SystemClock struct{}

func (SystemClock) NowNano() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return ts.Nano()
}

// atomicTimeHint is a plain (non-atomic-instruction) last-writer-wins
// nanosecond timestamp per §5/§9: "active_time ... plain aligned
// writes; torn reads are tolerated". On amd64/arm64 an int64 store is
// already atomic at the hardware level; we additionally route it
// through atomic.Int64 so `go test -race` does not flag the concurrent
// access, without adding any ordering guarantee the spec doesn't ask for.
type atomicTimeHint struct {
	v atomic.Int64
}

func (h *atomicTimeHint) Load() int64   { return h.v.Load() }
func (h *atomicTimeHint) Store(t int64) { h.v.Store(t) }
