// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package natcore

import (
	"net/netip"
	"sync"

	"github.com/gaissmai/bart"

	wire "ridgewatch.dev/natcore/internal/ebpf/types"
)

// StaticBucketKeyV6 is the exact-match portion of a static v6 mapping
// key (§3, §11): gaissmai/bart only performs longest-prefix-match over
// a netip.Prefix, so the non-address fields of
// static_nat_mapping_key_v6 are used to select one LPM bucket.
type StaticBucketKeyV6 struct {
	Gress      Gress
	L4Protocol L4Proto
	Port       uint16
}

// StaticOutcome is the three-way (plus no-match) disposition
// check_ingress_mapping_exist derives from the stored address field's
// zero/non-zero halves (§4.4, supplemented in SPEC_FULL.md §12).
type StaticOutcome int

const (
	StaticNoMatch StaticOutcome = iota
	StaticMapToLocal
	StaticRewritePrefix
	StaticVerifySuffix
)

// StaticMappingValueV6 is re-exported from the wire package.
type StaticMappingValueV6 = wire.StaticNatMappingValueV6

// StaticStoreV6 is the longest-prefix-match static mapping store
// (§4.4's "Static v6 store"), bucketed by exact-match fields with a
// bart.Table performing the LPM within each bucket.
type StaticStoreV6 struct {
	mu      sync.RWMutex
	buckets map[StaticBucketKeyV6]*bart.Table[*StaticMappingValueV6]
}

func NewStaticStoreV6() *StaticStoreV6 {
	return &StaticStoreV6{buckets: make(map[StaticBucketKeyV6]*bart.Table[*StaticMappingValueV6])}
}

// Insert installs one static entry. prefixLen is 96 for ingress
// entries (port+optional suffix match) or 192 for egress entries
// (full /64 prefix + suffix + port) per §3; both collapse onto the
// same 128-bit address space bart.Table operates over, so prefixLen is
// used directly as the address prefix length, clamped to [0,128]
// (anything above 128 is a full-address match).
func (s *StaticStoreV6) Insert(key StaticBucketKeyV6, addr Addr6, prefixLen int, value *StaticMappingValueV6) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.buckets[key]
	if !ok {
		t = new(bart.Table[*StaticMappingValueV6])
		s.buckets[key] = t
	}

	bits := normalizePrefixLen(prefixLen)
	ip := netip.AddrFrom16(addr)
	prefix := netip.PrefixFrom(ip, bits).Masked()
	t.Insert(prefix, value)
}

func normalizePrefixLen(prefixLen int) int {
	switch {
	case prefixLen > 128:
		return 128
	case prefixLen < 0:
		return 0
	default:
		return prefixLen
	}
}

// Lookup performs the LPM and derives the three-way outcome from the
// matched value's address field: all-zero → MapToLocal; high-64
// non-zero, low-64 zero → RewritePrefix; both halves non-zero →
// VerifySuffix, which additionally requires the packet's low 64 bits
// to equal the stored value's.
func (s *StaticStoreV6) Lookup(key StaticBucketKeyV6, addr Addr6) (*StaticMappingValueV6, StaticOutcome) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.buckets[key]
	if !ok {
		return nil, StaticNoMatch
	}

	ip := netip.AddrFrom16(addr)
	v, ok := t.Lookup(ip)
	if !ok {
		return nil, StaticNoMatch
	}

	highZero := isZero(v.Addr[:8])
	lowZero := isZero(v.Addr[8:])

	switch {
	case highZero && lowZero:
		return v, StaticMapToLocal
	case !highZero && lowZero:
		return v, StaticRewritePrefix
	default:
		var pktLow [8]byte
		copy(pktLow[:], addr[8:])
		var valLow [8]byte
		copy(valLow[:], v.Addr[8:])
		if pktLow != valLow {
			return v, StaticNoMatch
		}
		return v, StaticVerifySuffix
	}
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
