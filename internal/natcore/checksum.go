// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package natcore

import wire "ridgewatch.dev/natcore/internal/ebpf/types"

// NatActionV4 / NatActionV6 are re-exported wire types — the contract
// the engine emits for every rewritten packet (§4.6).
type NatActionV4 = wire.NatActionV4
type NatActionV6 = wire.NatActionV6

// BuildNatActionV4 assembles the from/to rewrite for one direction.
func BuildNatActionV4(fromAddr Addr4, fromPort uint16, toAddr Addr4, toPort uint16) NatActionV4 {
	return NatActionV4{
		FromAddr: uint32(fromAddr),
		FromPort: fromPort,
		ToAddr:   uint32(toAddr),
		ToPort:   toPort,
	}
}

// BuildNatActionV6 is the v6 analogue. Callers are responsible for
// honoring nibble preservation (P7) when constructing toAddr — see
// Addr6.WithPrefix.
func BuildNatActionV6(fromAddr Addr6, fromPort uint16, toAddr Addr6, toPort uint16) NatActionV6 {
	return NatActionV6{
		FromAddr: fromAddr,
		FromPort: fromPort,
		ToAddr:   toAddr,
		ToPort:   toPort,
	}
}

// ChecksumFlags mirrors the L4-csum-replace flags named in §6: field
// size, whether the checksum covers a pseudo-header, and whether an
// all-zero UDP checksum (mangled/disabled) must stay zero.
type ChecksumFlags struct {
	FieldSize      int
	PseudoHeader   bool
	MangledZeroUDP bool
}

// HeaderMutator is the external, checksum-safe packet mutator named in
// §6. The core never touches packet bytes directly; it only computes
// deltas and issues these calls. A test double in *_test.go records
// calls for assertion; production code would back this with the
// scanner's store-bytes/csum-replace primitives (out of scope here).
type HeaderMutator interface {
	StoreBytes(offset int, data []byte) error
	L3CsumReplace(offset int, oldVal, newVal uint32, size int) error
	L4CsumReplace(offset int, oldVal, newVal uint32, flags ChecksumFlags) error
}

// foldChecksum folds a 32-bit accumulator down to a 16-bit ones'
// complement sum.
func foldChecksum(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return uint16(sum)
}

// UpdateChecksum16 performs the RFC 1624 incremental checksum update
// for a single 16-bit field replacement: HC' = ~(~HC + ~m + m').
func UpdateChecksum16(checksum, oldVal, newVal uint16) uint16 {
	sum := uint32(^checksum) + uint32(^oldVal) + uint32(newVal)
	return ^foldChecksum(sum)
}

// UpdateChecksum32 performs the same update for a 32-bit field (an
// IPv4 address), by folding it as two 16-bit words — this is the Go
// analogue of L3_CSUM_REPLACE_OR_SHOT/L4_CSUM_REPLACE_OR_SHOT with
// size=4.
func UpdateChecksum32(checksum uint16, oldVal, newVal uint32) uint16 {
	checksum = UpdateChecksum16(checksum, uint16(oldVal>>16), uint16(newVal>>16))
	checksum = UpdateChecksum16(checksum, uint16(oldVal), uint16(newVal))
	return checksum
}

// UpdateChecksumU64 performs the update for a 64-bit field (an IPv6
// address half), folding it as four 16-bit words — the analogue of
// L4_CSUM_REPLACE_U64_OR_SHOT used by the v6 prefix rewrite.
func UpdateChecksumU64(checksum uint16, oldVal, newVal [8]byte) uint16 {
	for i := 0; i < 8; i += 2 {
		ov := uint16(oldVal[i])<<8 | uint16(oldVal[i+1])
		nv := uint16(newVal[i])<<8 | uint16(newVal[i+1])
		checksum = UpdateChecksum16(checksum, ov, nv)
	}
	return checksum
}

// ICMPErrorChecksumUpdate carries the two checksums the v4/v6
// ICMP-error rewrite path updates: the inner L4 checksum and the outer
// ICMP/ICMPv6 checksum. ApplyICMPErrorV4/V6 fold the address deltas
// into them step by step, following the order land_nat_v4.h/
// land_nat_v6.h use (§4.6, supplemented in SPEC_FULL.md §12), so the
// ordering is visible and independently testable rather than folded
// into one opaque call.
type ICMPErrorChecksumUpdate struct {
	// InnerL4Checksum is the checksum embedded in the ICMP error's
	// copied-back original packet (e.g. the original UDP/TCP header).
	InnerL4Checksum uint16
	// OuterICMPChecksum is the ICMP/ICMPv6 checksum covering the
	// whole error message, including the pseudo-header for ICMPv6.
	OuterICMPChecksum uint16
}

// ApplyICMPErrorV4 rewrites an IPv4-in-ICMP error's embedded address,
// returning both updated checksums. ICMP (v4) has no
// pseudo-header, so only the inner L4 and outer ICMP checksums move.
func ApplyICMPErrorV4(u ICMPErrorChecksumUpdate, oldAddr, newAddr uint32) ICMPErrorChecksumUpdate {
	// Step 1: inner L4 checksum absorbs the address change directly
	// (it sees the same pseudo-header the original packet did).
	u.InnerL4Checksum = UpdateChecksum32(u.InnerL4Checksum, oldAddr, newAddr)
	// Step 2: outer ICMP checksum covers the inner IP header bytes
	// verbatim, so it absorbs the same address delta.
	u.OuterICMPChecksum = UpdateChecksum32(u.OuterICMPChecksum, oldAddr, newAddr)
	return u
}

// ApplyICMPErrorV6 performs the first three steps of the v6 ordering:
// inner L4 csum, L4-over-inner-L3-delta, L4-over-inner-L4-csum-change;
// step 4, L4-over-outer-L3-delta, is left to the caller (the outer
// ICMPv6 checksum covers a pseudo-header, so it
// must separately absorb both the inner L3 delta and the inner L4
// checksum's own change).
func ApplyICMPErrorV6(u ICMPErrorChecksumUpdate, oldAddr, newAddr [8]byte) ICMPErrorChecksumUpdate {
	prevInnerL4 := u.InnerL4Checksum

	// Step 1: inner L4 checksum absorbs the inner L3 address delta.
	u.InnerL4Checksum = UpdateChecksumU64(u.InnerL4Checksum, oldAddr, newAddr)

	// Step 2: outer ICMPv6 checksum absorbs the same inner L3 delta
	// (it is covering the copied-back inner IPv6 header bytes).
	u.OuterICMPChecksum = UpdateChecksumU64(u.OuterICMPChecksum, oldAddr, newAddr)

	// Step 3: outer checksum also absorbs the inner L4 checksum's own
	// change, since that checksum is itself covered bytes within the
	// ICMPv6 error payload.
	u.OuterICMPChecksum = UpdateChecksum16(u.OuterICMPChecksum, prevInnerL4, u.InnerL4Checksum)

	// Step 4 (outer-L3 delta) is applied by the caller against the
	// real outer IPv6 header, which this pure function does not see;
	// callers combine this result with a second UpdateChecksumU64
	// call against the outer addresses.
	return u
}
