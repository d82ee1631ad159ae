package drs

import (
	"fmt"
	"math/bits"
	"sort"
	"strings"
)

// CapabilitySet is the extension bitmask exchanged during bind.
// The low 32 bits carry the classic extension flags, the high 32 bits the
// second extension word.
type CapabilitySet uint64

const (
	ExtBase                     CapabilitySet = 0x00000001
	ExtAsyncReplication         CapabilitySet = 0x00000002
	ExtRemoveAPI                CapabilitySet = 0x00000004
	ExtMoveReqV2                CapabilitySet = 0x00000008
	ExtGetChgCompress           CapabilitySet = 0x00000010
	ExtDCInfoV1                 CapabilitySet = 0x00000020
	ExtRestoreUSNOptimization   CapabilitySet = 0x00000040
	ExtAddEntry                 CapabilitySet = 0x00000080
	ExtKCCExecute               CapabilitySet = 0x00000100
	ExtAddEntryV2               CapabilitySet = 0x00000200
	ExtLinkedValueReplication   CapabilitySet = 0x00000400
	ExtDCInfoV2                 CapabilitySet = 0x00000800
	ExtInstanceTypeNotReqOnMod  CapabilitySet = 0x00001000
	ExtCryptoBind               CapabilitySet = 0x00002000
	ExtGetReplInfo              CapabilitySet = 0x00004000
	ExtStrongEncryption         CapabilitySet = 0x00008000
	ExtDCInfoVFFFFFFFF          CapabilitySet = 0x00010000
	ExtTransitiveMembership     CapabilitySet = 0x00020000
	ExtAddSIDHistory            CapabilitySet = 0x00040000
	ExtPostBeta3                CapabilitySet = 0x00080000
	ExtGetChgReqV5              CapabilitySet = 0x00100000
	ExtGetMemberships2          CapabilitySet = 0x00200000
	ExtGetChgReqV6              CapabilitySet = 0x00400000
	ExtNonDomainNCs             CapabilitySet = 0x00800000
	ExtGetChgReqV8              CapabilitySet = 0x01000000
	ExtGetChgReplyV5            CapabilitySet = 0x02000000
	ExtGetChgReplyV6            CapabilitySet = 0x04000000
	ExtGetChgReplyV7            CapabilitySet = 0x08000000
	ExtXpressCompress           CapabilitySet = 0x10000000
	ExtGetChgReqV10             CapabilitySet = 0x20000000
	ExtAddEntryReplyV3                        = ExtGetChgReplyV7
	ExtAdam                     CapabilitySet = 0x00000001 << 32
	ExtLHBeta2                  CapabilitySet = 0x00000002 << 32
	ExtRecycleBin               CapabilitySet = 0x00000004 << 32
	ExtZstdCompress             CapabilitySet = 0x00010000 << 32
)

var capabilityNames = map[string]CapabilitySet{
	"base":                         ExtBase,
	"async_replication":            ExtAsyncReplication,
	"remove_api":                   ExtRemoveAPI,
	"move_req_v2":                  ExtMoveReqV2,
	"getchg_compress":              ExtGetChgCompress,
	"dcinfo_v1":                    ExtDCInfoV1,
	"restore_usn_optimization":     ExtRestoreUSNOptimization,
	"addentry":                     ExtAddEntry,
	"kcc_execute":                  ExtKCCExecute,
	"addentry_v2":                  ExtAddEntryV2,
	"linked_value_replication":     ExtLinkedValueReplication,
	"dcinfo_v2":                    ExtDCInfoV2,
	"instance_type_not_req_on_mod": ExtInstanceTypeNotReqOnMod,
	"crypto_bind":                  ExtCryptoBind,
	"get_repl_info":                ExtGetReplInfo,
	"strong_encryption":            ExtStrongEncryption,
	"dcinfo_vffffffff":             ExtDCInfoVFFFFFFFF,
	"transitive_membership":        ExtTransitiveMembership,
	"add_sid_history":              ExtAddSIDHistory,
	"post_beta3":                   ExtPostBeta3,
	"getchgreq_v5":                 ExtGetChgReqV5,
	"get_memberships2":             ExtGetMemberships2,
	"getchgreq_v6":                 ExtGetChgReqV6,
	"nondomain_ncs":                ExtNonDomainNCs,
	"getchgreq_v8":                 ExtGetChgReqV8,
	"getchgreply_v5":               ExtGetChgReplyV5,
	"getchgreply_v6":               ExtGetChgReplyV6,
	"getchgreply_v7":               ExtGetChgReplyV7,
	"addentryreply_v3":             ExtAddEntryReplyV3,
	"xpress_compress":              ExtXpressCompress,
	"getchgreq_v10":                ExtGetChgReqV10,
	"adam":                         ExtAdam,
	"lh_beta2":                     ExtLHBeta2,
	"recycle_bin":                  ExtRecycleBin,
	"zstd_compress":                ExtZstdCompress,
}

// DefaultCapabilities is what a joining node offers when nothing is configured
const DefaultCapabilities = ExtBase | ExtAsyncReplication | ExtRemoveAPI | ExtMoveReqV2 |
	ExtGetChgCompress | ExtDCInfoV1 | ExtRestoreUSNOptimization | ExtAddEntry |
	ExtKCCExecute | ExtAddEntryV2 | ExtLinkedValueReplication | ExtDCInfoV2 |
	ExtInstanceTypeNotReqOnMod | ExtCryptoBind | ExtGetReplInfo | ExtStrongEncryption |
	ExtDCInfoVFFFFFFFF | ExtTransitiveMembership | ExtAddSIDHistory | ExtPostBeta3 |
	ExtGetChgReqV5 | ExtGetMemberships2 | ExtGetChgReqV6 | ExtNonDomainNCs |
	ExtGetChgReqV8 | ExtGetChgReplyV5 | ExtGetChgReplyV6 | ExtGetChgReplyV7 |
	ExtZstdCompress

// ParseCapabilities turns configured extension names into a set
func ParseCapabilities(names []string) (CapabilitySet, error) {
	var set CapabilitySet
	for _, name := range names {
		bit, ok := capabilityNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("unknown replication extension %q", name)
		}
		set |= bit
	}
	return set, nil
}

// Has reports whether every bit of c is present
func (s CapabilitySet) Has(c CapabilitySet) bool {
	return s&c == c
}

// Intersect returns the extensions both sides support
func (s CapabilitySet) Intersect(other CapabilitySet) CapabilitySet {
	return s & other
}

// Missing returns the bits of required absent from s
func (s CapabilitySet) Missing(required CapabilitySet) CapabilitySet {
	return required &^ s
}

// Count returns the number of extensions in the set
func (s CapabilitySet) Count() int {
	return bits.OnesCount64(uint64(s))
}

// Names lists the known extension names present in the set
func (s CapabilitySet) Names() []string {
	names := make([]string, 0, s.Count())
	for name, bit := range capabilityNames {
		if name == "addentryreply_v3" {
			continue
		}
		if s.Has(bit) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (s CapabilitySet) String() string {
	return fmt.Sprintf("0x%016x[%s]", uint64(s), strings.Join(s.Names(), ","))
}

// Low returns the classic 32-bit extension word
func (s CapabilitySet) Low() uint32 {
	return uint32(s)
}

// High returns the second extension word
func (s CapabilitySet) High() uint32 {
	return uint32(s >> 32)
}

// RequestLevel picks the change-pull request shape for the negotiated set
func (s CapabilitySet) RequestLevel() uint32 {
	if s.Has(ExtGetChgReqV8) {
		return 8
	}
	return 5
}
