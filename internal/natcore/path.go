// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package natcore

import (
	wire "ridgewatch.dev/natcore/internal/ebpf/types"
	"ridgewatch.dev/natcore/internal/errors"
)

// This file is the per-packet orchestrator: the four entrypoints below
// are the Go analogue of land_nat_v2.bpf.c's classify-lookup-EIF-
// conntrack-state-counters-rewrite pipeline (§2, §4.1-§4.4, §4.6). Every
// other file in this package is a component LookupOrNew/Apply/Touch
// wires together here; none of them drive themselves.

const (
	ipv4SrcAddrOffset  = 12
	ipv4DstAddrOffset  = 16
	ipv4ChecksumOffset = 10

	ipv6SrcAddrOffset = 8
	ipv6DstAddrOffset = 24

	l4SrcPortOffset = 0
	l4DstPortOffset = 2

	// ingressStaticMarkMask is the bit the masked write in
	// ApplyIngressStaticMark touches; every other bit of meta.Mark is
	// left exactly as the caller set it.
	ingressStaticMarkMask uint32 = 0x01
	// IngressStaticMark is INGRESS_STATIC_MARK (§4.2, §6): the routing
	// mark an ingress packet receives when it resolves against a static
	// v4/v6 entry rather than a dynamic NAPT mapping.
	IngressStaticMark uint32 = 0x01
)

// ApplyIngressStaticMark performs the masked write named in §6: only
// ingressStaticMarkMask's bit is touched, so any other routing-mark bit
// the caller already set on the packet survives untouched.
func ApplyIngressStaticMark(meta *PacketMeta) {
	meta.Mark = (meta.Mark &^ ingressStaticMarkMask) | IngressStaticMark
}

func isHandledL4Proto(p L4Proto) bool {
	switch p {
	case ProtoTCP, ProtoUDP, ProtoICMP, ProtoICMPv6:
		return true
	default:
		return false
	}
}

func l4ChecksumOffset(p L4Proto) (offset int, ok bool) {
	switch p {
	case ProtoTCP:
		return 16, true
	case ProtoUDP:
		return 6, true
	case ProtoICMP, ProtoICMPv6:
		return 2, true
	default:
		return 0, false
	}
}

// dropped accounts a drop disposition (§7's KindDrop) and returns the
// verdict the caller should hand back up.
func (e *NatEngine) dropped(gress Gress, reason string) Verdict {
	e.Metrics.PacketsDropped.WithLabelValues(gress.String(), reason).Inc()
	e.logger.Debug("natcore: packet dropped", "gress", gress.String(), "reason", reason, "error", errors.New(errors.KindDrop, reason))
	return VerdictDrop
}

// passedThrough accounts the pass-through disposition (§7's
// KindPassThrough) for a protocol the engine does not handle.
func (e *NatEngine) passedThrough(gress Gress) Verdict {
	e.Metrics.PacketsPassed.WithLabelValues(gress.String()).Inc()
	e.logger.Debug("natcore: packet passed through", "gress", gress.String(), "error", errors.New(errors.KindPassThrough, "unhandled protocol"))
	return VerdictPassThrough
}

// observeConntrackGauges refreshes the live-entry gauges; cheap enough
// to call on every packet since ConntrackV4/V6.Count only reads the
// map's length under the store's RLock.
func (e *NatEngine) observeConntrackGauges() {
	e.Metrics.ConntrackActive.WithLabelValues("v4", "all").Set(float64(e.ConntrackV4.Count()))
	e.Metrics.ConntrackActive.WithLabelValues("v6", "all").Set(float64(e.ConntrackV6.Count()))
}

// observeMappingGaugesV4 refreshes the v4 mapping-table gauges, using
// the egress-side entry count as the utilization numerator since every
// egress entry holds exactly one allocated port.
func (e *NatEngine) observeMappingGaugesV4(l4proto L4Proto) {
	active := e.MappingV4.Count(GressEgress)
	e.Metrics.MappingsActive.WithLabelValues("v4").Set(float64(active))
	if rng, ok := e.ranges[l4proto]; ok && rng.Size() > 0 {
		e.Metrics.PortRangeUtilization.WithLabelValues(l4proto.String()).Set(float64(active) / float64(rng.Size()))
	}
}

// checkEIFv6 is checkEIF's v6 analogue (§4.4), operating on a
// ConntrackEntryV6's trigger fields instead of a mapping value's, since
// v6 endpoint filtering is enforced at the conntrack layer rather than
// at the mapping layer.
func checkEIFv6(ct *ConntrackEntryV6, remoteAddr Addr6, remotePort uint16, allowReuse bool) Verdict {
	isTrigger := ct.TriggerAddr == remoteAddr && ct.TriggerPort == remotePort
	if isTrigger {
		ct.IsAllowReuse.Store(allowReuse)
		return VerdictOK
	}
	if ct.IsAllowReuse.Load() {
		return VerdictOK
	}
	return VerdictDrop
}

// ProcessEgressV4 implements §4.1 end to end: allocate or refresh the
// NAPT mapping, apply EIF, look up or create the conntrack entry,
// advance the client-side connection state, touch the reporting axis,
// accumulate counters, and emit the rewrite action.
func (e *NatEngine) ProcessEgressV4(pair Pair4, l4proto L4Proto, meta PacketMeta, resolveWAN func() (Addr4, bool), mutator HeaderMutator) (Verdict, NatActionV4) {
	if !isHandledL4Proto(l4proto) {
		e.passedThrough(GressEgress)
		return VerdictPassThrough, NatActionV4{}
	}
	e.Metrics.PacketsProcessed.WithLabelValues(GressEgress.String()).Inc()

	allowCreate := meta.PktType.AllowsInitiatingConntrack()
	egress, _, verdict := e.MappingV4.EgressLookupOrNew(l4proto, allowCreate, pair, meta, resolveWAN)
	if verdict != VerdictOK {
		return e.dropped(GressEgress, "mapping_lookup_failed"), NatActionV4{}
	}

	key := wire.NatTimerKeyV4{
		L4Proto:    l4proto,
		ServerAddr: uint32(pair.Dst),
		ServerPort: pair.Dport,
		NatAddr:    egress.Addr,
		NatPort:    egress.Port,
	}
	ct, status := e.ConntrackV4.LookupOrNewCT(key, allowCreate, pair.Src, pair.Sport, GressEgress, meta.FlowID, meta.CPUID)
	if status == CTNotFound || status == CTError {
		return e.dropped(GressEgress, "conntrack_unavailable"), NatActionV4{}
	}

	if !ct.ClientState.Apply(meta.PktType) {
		return e.dropped(GressEgress, "state_cas_lost"), NatActionV4{}
	}
	e.ConntrackV4.Touch(key, ct)

	ct.EgressBytes.Add(uint64(meta.Length))
	ct.EgressPackets.Add(1)

	action := BuildNatActionV4(pair.Src, pair.Sport, Addr4(egress.Addr), egress.Port)
	if err := RewriteHeaderV4(mutator, meta, l4proto, action, ipv4SrcAddrOffset, l4SrcPortOffset); err != nil {
		e.logger.Warn("natcore: egress v4 header rewrite failed", "error", err)
	}

	e.observeMappingGaugesV4(l4proto)
	e.observeConntrackGauges()

	return VerdictOK, action
}

// ProcessIngressV4 implements §4.2: exact-then-wildcard mapping lookup
// (setting INGRESS_STATIC_MARK on a static hit), EIF, the matching
// dynamic conntrack entry when the hit was not static, state advance,
// touch, counters, and the rewrite action back to the client.
func (e *NatEngine) ProcessIngressV4(pair Pair4, l4proto L4Proto, meta *PacketMeta, mutator HeaderMutator) (Verdict, NatActionV4) {
	if !isHandledL4Proto(l4proto) {
		e.passedThrough(GressIngress)
		return VerdictPassThrough, NatActionV4{}
	}
	e.Metrics.PacketsProcessed.WithLabelValues(GressIngress.String()).Inc()

	val, isStaticHit, verdict := e.MappingV4.IngressLookup(l4proto, pair, *meta)
	if verdict != VerdictOK {
		return e.dropped(GressIngress, "mapping_lookup_failed"), NatActionV4{}
	}
	if isStaticHit {
		ApplyIngressStaticMark(meta)
	}

	var ct *ConntrackEntryV4
	if !val.IsStatic {
		key := wire.NatTimerKeyV4{
			L4Proto:    l4proto,
			ServerAddr: uint32(pair.Src),
			ServerPort: pair.Sport,
			NatAddr:    uint32(pair.Dst),
			NatPort:    pair.Dport,
		}
		var status CTStatus
		ct, status = e.ConntrackV4.LookupOrNewCT(key, false, Addr4(val.Addr), val.Port, GressIngress, meta.FlowID, meta.CPUID)
		if status != CTExisting {
			return e.dropped(GressIngress, "conntrack_missing"), NatActionV4{}
		}

		if !ct.ServerState.Apply(meta.PktType) {
			return e.dropped(GressIngress, "state_cas_lost"), NatActionV4{}
		}
		e.ConntrackV4.Touch(key, ct)

		ct.IngressBytes.Add(uint64(meta.Length))
		ct.IngressPackets.Add(1)
	}

	action := BuildNatActionV4(pair.Dst, pair.Dport, Addr4(val.Addr), val.Port)
	if err := RewriteHeaderV4(mutator, *meta, l4proto, action, ipv4DstAddrOffset, l4DstPortOffset); err != nil {
		e.logger.Warn("natcore: ingress v4 header rewrite failed", "error", err)
	}

	e.observeMappingGaugesV4(l4proto)
	e.observeConntrackGauges()

	return VerdictOK, action
}

// ProcessEgressV6 implements §4.4's egress half: create-or-refresh the
// conntrack entry keyed on the client's suffix/id/port, apply EIF once
// an entry already exists, advance the client-side state, touch,
// accumulate counters, and rewrite the source prefix to the resolved
// WAN prefix while preserving the low nibble of byte 7 (P7).
func (e *NatEngine) ProcessEgressV6(pair Pair6, l4proto L4Proto, meta PacketMeta, resolveWANPrefix func() ([8]byte, bool), mutator HeaderMutator) (Verdict, NatActionV6) {
	if !isHandledL4Proto(l4proto) {
		e.passedThrough(GressEgress)
		return VerdictPassThrough, NatActionV6{}
	}
	e.Metrics.PacketsProcessed.WithLabelValues(GressEgress.String()).Inc()

	allowCreate := meta.PktType.AllowsInitiatingConntrack()
	key := wire.NatTimerKeyV6{
		ClientSuffix: pair.Src.Suffix(),
		ClientPort:   pair.Sport,
		IDByte:       pair.Src.IDNibble(),
		L4Protocol:   l4proto,
	}
	srcPrefix := pair.Src.Prefix()
	ct, status := e.ConntrackV6.LookupOrNewCT(key, allowCreate, pair.Dst, pair.Dport, meta.AllowReusePort, srcPrefix, meta.FlowID, meta.CPUID)
	if status == CTNotFound || status == CTError {
		return e.dropped(GressEgress, "conntrack_unavailable"), NatActionV6{}
	}

	if status == CTExisting {
		if v := checkEIFv6(ct, pair.Dst, pair.Dport, meta.AllowReusePort); v != VerdictOK {
			return e.dropped(GressEgress, "eif_mismatch"), NatActionV6{}
		}
		e.ConntrackV6.RefreshTrigger(ct, meta.AllowReusePort, srcPrefix)
	}

	if !ct.ClientState.Apply(meta.PktType) {
		return e.dropped(GressEgress, "state_cas_lost"), NatActionV6{}
	}
	e.ConntrackV6.Touch(key, ct)

	ct.EgressBytes.Add(uint64(meta.Length))
	ct.EgressPackets.Add(1)

	wanPrefix, ok := resolveWANPrefix()
	if !ok {
		return e.dropped(GressEgress, "wan_prefix_unresolved"), NatActionV6{}
	}
	toAddr := pair.Src.WithPrefix(wanPrefix)

	action := BuildNatActionV6(pair.Src, pair.Sport, toAddr, pair.Sport)
	if err := RewriteHeaderV6(mutator, meta, l4proto, action, ipv6SrcAddrOffset); err != nil {
		e.logger.Warn("natcore: egress v6 header rewrite failed", "error", err)
	}

	e.observeConntrackGauges()

	return VerdictOK, action
}

// ProcessIngressV6 implements §4.4's ingress half: consult the static
// store first; a static hit sets INGRESS_STATIC_MARK and bypasses EIF
// and conntrack entirely (mirroring checkEIF's static bypass for v4).
// A miss falls back to the dynamic conntrack entry, which must already
// exist, and applies EIF there. The destination prefix is rewritten for
// the dynamic and RewritePrefix cases only — MapToLocal/VerifySuffix
// leave the packet's destination untouched (§4.4's literal yes/no rule).
func (e *NatEngine) ProcessIngressV6(pair Pair6, l4proto L4Proto, meta *PacketMeta, mutator HeaderMutator) (Verdict, NatActionV6) {
	if !isHandledL4Proto(l4proto) {
		e.passedThrough(GressIngress)
		return VerdictPassThrough, NatActionV6{}
	}
	e.Metrics.PacketsProcessed.WithLabelValues(GressIngress.String()).Inc()

	bucket := StaticBucketKeyV6{Gress: GressIngress, L4Protocol: l4proto, Port: pair.Dport}
	staticVal, outcome := e.StaticV6.Lookup(bucket, pair.Dst)

	switch outcome {
	case StaticMapToLocal, StaticVerifySuffix:
		ApplyIngressStaticMark(meta)
		action := BuildNatActionV6(pair.Dst, pair.Dport, pair.Dst, pair.Dport)
		e.observeConntrackGauges()
		return VerdictOK, action

	case StaticRewritePrefix:
		ApplyIngressStaticMark(meta)
		var newPrefix [8]byte
		copy(newPrefix[:], staticVal.Addr[:8])
		toAddr := pair.Dst.WithPrefix(newPrefix)
		action := BuildNatActionV6(pair.Dst, pair.Dport, toAddr, pair.Dport)
		if err := RewriteHeaderV6(mutator, *meta, l4proto, action, ipv6DstAddrOffset); err != nil {
			e.logger.Warn("natcore: ingress v6 header rewrite failed", "error", err)
		}
		e.observeConntrackGauges()
		return VerdictOK, action

	default: // StaticNoMatch: dynamic path
		key := wire.NatTimerKeyV6{
			ClientSuffix: pair.Dst.Suffix(),
			ClientPort:   pair.Dport,
			IDByte:       pair.Dst.IDNibble(),
			L4Protocol:   l4proto,
		}
		ct, status := e.ConntrackV6.LookupOrNewCT(key, false, Addr6{}, 0, false, [8]byte{}, meta.FlowID, meta.CPUID)
		if status != CTExisting {
			return e.dropped(GressIngress, "conntrack_missing"), NatActionV6{}
		}
		if v := checkEIFv6(ct, pair.Src, pair.Sport, meta.AllowReusePort); v != VerdictOK {
			return e.dropped(GressIngress, "eif_mismatch"), NatActionV6{}
		}

		if !ct.ServerState.Apply(meta.PktType) {
			return e.dropped(GressIngress, "state_cas_lost"), NatActionV6{}
		}
		e.ConntrackV6.Touch(key, ct)

		ct.IngressBytes.Add(uint64(meta.Length))
		ct.IngressPackets.Add(1)

		toAddr := pair.Dst.WithPrefix(ct.LoadClientPrefix())
		action := BuildNatActionV6(pair.Dst, pair.Dport, toAddr, pair.Dport)
		if err := RewriteHeaderV6(mutator, *meta, l4proto, action, ipv6DstAddrOffset); err != nil {
			e.logger.Warn("natcore: ingress v6 header rewrite failed", "error", err)
		}

		e.observeConntrackGauges()
		return VerdictOK, action
	}
}

// RewriteHeaderV4 applies one IPv4 NatAction via the external
// checksum-safe mutator (§4.6): store the rewritten address and, if the
// port also changed, the rewritten port, then issue the matching L3 and
// L4 incremental checksum updates. addrFieldOffset/portFieldOffset
// select which header field the action rewrites — source on egress,
// destination on ingress (RFC 791 places IPv4 src/dst at byte offsets
// 12/16; TCP/UDP place src/dst port at byte offsets 0/2 of the L4
// header). A nil mutator is a no-op, matching tests that only assert on
// the returned NatAction.
func RewriteHeaderV4(mutator HeaderMutator, meta PacketMeta, l4proto L4Proto, action NatActionV4, addrFieldOffset, portFieldOffset int) error {
	if mutator == nil {
		return nil
	}

	l4Off, hasL4 := l4ChecksumOffset(l4proto)
	flags := ChecksumFlags{FieldSize: 4, PseudoHeader: l4proto != ProtoICMP, MangledZeroUDP: l4proto == ProtoUDP}

	if action.FromAddr != action.ToAddr {
		newBytes := []byte{byte(action.ToAddr >> 24), byte(action.ToAddr >> 16), byte(action.ToAddr >> 8), byte(action.ToAddr)}
		if err := mutator.StoreBytes(meta.L3Offset+addrFieldOffset, newBytes); err != nil {
			return err
		}
		if err := mutator.L3CsumReplace(meta.L3Offset+ipv4ChecksumOffset, action.FromAddr, action.ToAddr, 4); err != nil {
			return err
		}
		if hasL4 {
			if err := mutator.L4CsumReplace(meta.L4Offset+l4Off, action.FromAddr, action.ToAddr, flags); err != nil {
				return err
			}
		}
	}

	if action.FromPort != action.ToPort && hasL4 && (l4proto == ProtoTCP || l4proto == ProtoUDP) {
		portBytes := []byte{byte(action.ToPort >> 8), byte(action.ToPort)}
		if err := mutator.StoreBytes(meta.L4Offset+portFieldOffset, portBytes); err != nil {
			return err
		}
		portFlags := ChecksumFlags{FieldSize: 2, PseudoHeader: flags.PseudoHeader, MangledZeroUDP: flags.MangledZeroUDP}
		if err := mutator.L4CsumReplace(meta.L4Offset+l4Off, uint32(action.FromPort), uint32(action.ToPort), portFlags); err != nil {
			return err
		}
	}

	return nil
}

// RewriteHeaderV6 applies one IPv6 NatAction. IPv6 carries no header
// checksum (RFC 8200), so only the high 64 bits of the address are
// stored (byte 7's low nibble already carries the preserved id, so only
// 60 bits change) and only the L4 pseudo-header checksum absorbs the delta, one
// 16-bit word at a time — the same decomposition UpdateChecksumU64
// performs internally. addrFieldOffset selects source (8) or
// destination (24) within the fixed 40-byte IPv6 header.
func RewriteHeaderV6(mutator HeaderMutator, meta PacketMeta, l4proto L4Proto, action NatActionV6, addrFieldOffset int) error {
	if mutator == nil || action.FromAddr == action.ToAddr {
		return nil
	}

	var newHigh [8]byte
	copy(newHigh[:], action.ToAddr[:8])
	if err := mutator.StoreBytes(meta.L3Offset+addrFieldOffset, newHigh[:]); err != nil {
		return err
	}

	l4Off, ok := l4ChecksumOffset(l4proto)
	if !ok {
		return nil
	}
	flags := ChecksumFlags{FieldSize: 2, PseudoHeader: true}
	for i := 0; i < 8; i += 2 {
		oldWord := uint32(action.FromAddr[i])<<8 | uint32(action.FromAddr[i+1])
		newWord := uint32(action.ToAddr[i])<<8 | uint32(action.ToAddr[i+1])
		if oldWord == newWord {
			continue
		}
		if err := mutator.L4CsumReplace(meta.L4Offset+l4Off, oldWord, newWord, flags); err != nil {
			return err
		}
	}

	return nil
}
