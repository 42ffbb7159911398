// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package natcore

import (
	"sync"
	"time"

	"github.com/cilium/ebpf"

	"ridgewatch.dev/natcore/internal/errors"
	wire "ridgewatch.dev/natcore/internal/ebpf/types"
	"ridgewatch.dev/natcore/internal/logging"
)

// MappingStoreV4 is the IPv4 NAPT mapping store (§4.1, §4.2): a single
// bidirectional table keyed by (gress, l4proto, from_addr, from_port),
// grounded on the dual-mode in-process-map-plus-optional-real-map
// pattern in the teacher's ebpf/flow manager — an in-process map is
// always the source of truth, and an optional real *ebpf.Map (the
// pinned nat4_mappings hash from nat_maps.h) is kept in sync when the
// engine is constructed with one.
type MappingStoreV4 struct {
	mu      sync.RWMutex
	entries map[wire.NatMappingKeyV4]*wire.NatMappingValueV4

	bpfMap *ebpf.Map // optional; nil in every unit test
	clock  Clock
	logger *logging.Logger

	ranges   map[L4Proto]wire.MappingRange
	timeouts map[L4Proto]time.Duration
}

// NewMappingStoreV4 constructs an empty store. ranges/timeouts should
// be populated for every protocol the engine handles; a nil bpfMap is
// the normal, test-friendly mode.
func NewMappingStoreV4(clock Clock, logger *logging.Logger, ranges map[L4Proto]wire.MappingRange, timeouts map[L4Proto]time.Duration, bpfMap *ebpf.Map) *MappingStoreV4 {
	return &MappingStoreV4{
		entries:  make(map[wire.NatMappingKeyV4]*wire.NatMappingValueV4),
		bpfMap:   bpfMap,
		clock:    clock,
		logger:   logger,
		ranges:   ranges,
		timeouts: timeouts,
	}
}

// Count returns the number of live entries for one gress direction,
// used by the Prometheus MappingsActive gauge.
func (m *MappingStoreV4) Count(gress Gress) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for k := range m.entries {
		if k.Gress == gress {
			n++
		}
	}
	return n
}

// EgressLookupOrNew implements egress_lookup_or_new_mapping_v4 (§4.1).
// resolveWAN looks up the externally-maintained WAN-IP binding for the
// current egress interface; it returns (addr, false) if no binding
// exists, in which case the packet is dropped.
func (m *MappingStoreV4) EgressLookupOrNew(
	l4proto L4Proto,
	allowCreate bool,
	pair Pair4,
	meta PacketMeta,
	resolveWAN func() (Addr4, bool),
) (egress, ingress *wire.NatMappingValueV4, verdict Verdict) {
	now := m.clock.NowNano()
	egressKey := wire.NatMappingKeyV4{Gress: GressEgress, L4Proto: l4proto, FromPort: pair.Sport, FromAddr: uint32(pair.Src)}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ev, ok := m.entries[egressKey]; ok {
		iv := m.pairedIngress(ev, l4proto)
		if iv == nil {
			// Pairing invariant broken somehow (shouldn't happen via
			// this store's own API) — treat as absent and recreate.
		} else {
			if v := m.checkEIF(ev, l4proto, pair.Dst, pair.Dport, meta); v != VerdictOK {
				return nil, nil, v
			}
			iv.IsAllowReuse = ev.IsAllowReuse
			ev.ActiveTime = now
			iv.ActiveTime = now
			return ev, iv, VerdictOK
		}
	}

	if !allowCreate {
		return nil, nil, VerdictDrop
	}

	natAddr, ok := resolveWAN()
	if !ok {
		return nil, nil, VerdictDrop
	}

	port, ok := m.findFreePort(l4proto, natAddr, pair.Sport, now)
	if !ok {
		return nil, nil, VerdictDrop
	}

	ev := &wire.NatMappingValueV4{
		Addr:         uint32(natAddr),
		TriggerAddr:  uint32(pair.Dst),
		Port:         port,
		TriggerPort:  pair.Dport,
		IsAllowReuse: meta.AllowReusePort,
		ActiveTime:   now,
	}
	iv := &wire.NatMappingValueV4{
		Addr:         uint32(pair.Src),
		TriggerAddr:  uint32(pair.Dst),
		Port:         pair.Sport,
		TriggerPort:  pair.Dport,
		IsAllowReuse: meta.AllowReusePort,
		ActiveTime:   now,
	}

	ingressKey := wire.NatMappingKeyV4{Gress: GressIngress, L4Proto: l4proto, FromPort: port, FromAddr: uint32(natAddr)}
	if err := m.insertPair(egressKey, ev, ingressKey, iv); err != nil {
		m.logger.Warn("mapping_v4: pair insert failed", "error", err)
		return nil, nil, VerdictDrop
	}

	return ev, iv, VerdictOK
}

// pairedIngress recovers the ingress entry that pairs with an egress
// value — it is addressed by (NAT addr, NAT port), which the egress
// value itself stores.
func (m *MappingStoreV4) pairedIngress(ev *wire.NatMappingValueV4, l4proto L4Proto) *wire.NatMappingValueV4 {
	key := wire.NatMappingKeyV4{Gress: GressIngress, L4Proto: l4proto, FromPort: ev.Port, FromAddr: ev.Addr}
	return m.entries[key]
}

// IngressLookup implements ingress_lookup_or_new_mapping4 minus
// creation (creation on ingress belongs to the static v6/v4 wildcard
// path, not the dynamic allocator) — exact match, falling back to the
// addr=0 static wildcard (§4.2).
func (m *MappingStoreV4) IngressLookup(l4proto L4Proto, pair Pair4, meta PacketMeta) (val *wire.NatMappingValueV4, isStaticHit bool, verdict Verdict) {
	now := m.clock.NowNano()

	m.mu.Lock()
	defer m.mu.Unlock()

	exact := wire.NatMappingKeyV4{Gress: GressIngress, L4Proto: l4proto, FromPort: pair.Dport, FromAddr: uint32(pair.Dst)}
	if v, ok := m.entries[exact]; ok {
		if verdict := m.checkEIF(v, l4proto, pair.Src, pair.Sport, meta); verdict != VerdictOK {
			return nil, false, verdict
		}
		if !v.IsStatic {
			ek := wire.NatMappingKeyV4{Gress: GressEgress, L4Proto: l4proto, FromPort: v.Port, FromAddr: v.Addr}
			if ev, ok := m.entries[ek]; ok {
				ev.IsAllowReuse = v.IsAllowReuse
			}
		}
		v.ActiveTime = now
		return v, v.IsStatic, VerdictOK
	}

	wildcard := wire.NatMappingKeyV4{Gress: GressIngress, L4Proto: l4proto, FromPort: pair.Dport, FromAddr: 0}
	if v, ok := m.entries[wildcard]; ok {
		v.ActiveTime = now
		return v, true, VerdictOK
	}

	return nil, false, VerdictDrop
}

// checkEIF applies the endpoint-independent-filtering policy (§4.1,
// §4.2): non-static, non-ICMP entries require the packet's remote
// endpoint to match the stored trigger unless allow-reuse is set; a
// trigger match refreshes is_allow_reuse from the packet's flag, and the
// callers copy the result onto the paired entry.
func (m *MappingStoreV4) checkEIF(v *wire.NatMappingValueV4, l4proto L4Proto, remoteAddr Addr4, remotePort uint16, meta PacketMeta) Verdict {
	if v.IsStatic || l4proto == ProtoICMP {
		return VerdictOK
	}
	isTrigger := v.TriggerAddr == uint32(remoteAddr) && v.TriggerPort == remotePort
	if isTrigger {
		v.IsAllowReuse = meta.AllowReusePort
		return VerdictOK
	}
	if v.IsAllowReuse {
		return VerdictOK
	}
	return VerdictDrop
}

// findFreePort implements the bounded linear scan of
// search_port_callback_v4: preserve the source port when it already
// falls in range, otherwise wrap it in; scan at most one full
// revolution, reclaiming stale slots and respecting a blocking static
// wildcard (addr=0) entry at the candidate port.
func (m *MappingStoreV4) findFreePort(l4proto L4Proto, natAddr Addr4, srcPort uint16, now int64) (uint16, bool) {
	rng := m.ranges[l4proto]
	timeout := m.timeouts[l4proto]
	size := uint32(rng.Size())
	if size == 0 {
		return 0, false
	}

	start := srcPort
	if start < rng.Start || start > rng.End {
		start = rng.Start + uint16(uint32(srcPort)%size)
	}

	for i := uint32(0); i < size; i++ {
		port := rng.Start + uint16((uint32(start-rng.Start)+i)%size)

		blockKey := wire.NatMappingKeyV4{Gress: GressIngress, L4Proto: l4proto, FromPort: port, FromAddr: 0}
		if _, blocked := m.entries[blockKey]; blocked {
			continue
		}

		key := wire.NatMappingKeyV4{Gress: GressIngress, L4Proto: l4proto, FromPort: port, FromAddr: uint32(natAddr)}
		existing, ok := m.entries[key]
		if !ok {
			return port, true
		}
		// Strictly-stale per the Open Question in §9: treat the
		// reclaim boundary as `>`, not `>=`.
		if !existing.IsStatic && now-existing.ActiveTime > int64(timeout) {
			return port, true
		}
	}

	return 0, false
}

// insertPair installs both directions atomically (§9: "expose
// pair-insert/pair-delete as the only mutation primitives"); on a
// partial failure (e.g. the optional real map rejects one side) it
// rolls back both.
func (m *MappingStoreV4) insertPair(ek wire.NatMappingKeyV4, ev *wire.NatMappingValueV4, ik wire.NatMappingKeyV4, iv *wire.NatMappingValueV4) error {
	m.entries[ek] = ev
	m.entries[ik] = iv

	if m.bpfMap != nil {
		if err := m.bpfMap.Update(&ek, ev, ebpf.UpdateNoExist); err != nil {
			delete(m.entries, ek)
			delete(m.entries, ik)
			return errors.Wrap(err, errors.KindConflict, "mapping_v4: egress map insert failed")
		}
		if err := m.bpfMap.Update(&ik, iv, ebpf.UpdateNoExist); err != nil {
			_ = m.bpfMap.Delete(&ek)
			delete(m.entries, ek)
			delete(m.entries, ik)
			return errors.Wrap(err, errors.KindConflict, "mapping_v4: ingress map insert failed")
		}
	}

	return nil
}

// DeletePair removes both directions of a dynamic mapping (P1); it is
// a no-op for keys that carry a static entry, since static mappings
// are owned by the control plane.
func (m *MappingStoreV4) DeletePair(l4proto L4Proto, natAddr Addr4, natPort uint16, clientAddr Addr4, clientPort uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ik := wire.NatMappingKeyV4{Gress: GressIngress, L4Proto: l4proto, FromPort: natPort, FromAddr: uint32(natAddr)}
	ek := wire.NatMappingKeyV4{Gress: GressEgress, L4Proto: l4proto, FromPort: clientPort, FromAddr: uint32(clientAddr)}

	if v, ok := m.entries[ik]; ok && v.IsStatic {
		return
	}

	delete(m.entries, ik)
	delete(m.entries, ek)

	if m.bpfMap != nil {
		_ = m.bpfMap.Delete(&ik)
		_ = m.bpfMap.Delete(&ek)
	}
}
