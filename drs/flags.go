package drs

import (
	"sort"
	"strings"
)

// ReplicaFlags are the replication option bits carried by pull and reference requests
type ReplicaFlags uint32

const (
	FlagAsyncOp                 ReplicaFlags = 0x00000001
	FlagGetChgCheck             ReplicaFlags = 0x00000002
	FlagAddRef                  ReplicaFlags = 0x00000004
	FlagDelRef                  ReplicaFlags = 0x00000008
	FlagWriteRep                ReplicaFlags = 0x00000010
	FlagInitSync                ReplicaFlags = 0x00000020
	FlagPerSync                 ReplicaFlags = 0x00000040
	FlagMailRep                 ReplicaFlags = 0x00000080
	FlagAsyncRep                ReplicaFlags = 0x00000100
	FlagTwoWaySync              ReplicaFlags = 0x00000200
	FlagCriticalOnly            ReplicaFlags = 0x00000400
	FlagGetAncestor             ReplicaFlags = 0x00000800
	FlagGetNCSize               ReplicaFlags = 0x00001000
	FlagNonGCReadOnlyRep        ReplicaFlags = 0x00004000
	FlagFullSyncNow             ReplicaFlags = 0x00008000
	FlagFullSyncInProgress      ReplicaFlags = 0x00010000
	FlagFullSyncPacket          ReplicaFlags = 0x00020000
	FlagSyncRequeue             ReplicaFlags = 0x00040000
	FlagSyncUrgent              ReplicaFlags = 0x00080000
	FlagNoDiscard               ReplicaFlags = 0x00100000
	FlagNeverSynced             ReplicaFlags = 0x00200000
	FlagSpecialSecretProcessing ReplicaFlags = 0x00400000
	FlagInitSyncNow             ReplicaFlags = 0x00800000
	FlagPreempted               ReplicaFlags = 0x01000000
	FlagSyncForced              ReplicaFlags = 0x02000000
	FlagDisableAutoSync         ReplicaFlags = 0x04000000
	FlagDisablePeriodicSync     ReplicaFlags = 0x08000000
	FlagUseCompression          ReplicaFlags = 0x10000000
	FlagNeverNotify             ReplicaFlags = 0x20000000
	FlagSyncPAS                 ReplicaFlags = 0x40000000
	FlagGetAllGroupMembership   ReplicaFlags = 0x80000000
)

// Writeable is an alias used by reference requests for a writable destination
const FlagWriteable = FlagWriteRep

var replicaFlagNames = map[ReplicaFlags]string{
	FlagAsyncOp:                 "ASYNC_OP",
	FlagGetChgCheck:             "GETCHG_CHECK",
	FlagAddRef:                  "ADD_REF",
	FlagDelRef:                  "DEL_REF",
	FlagWriteRep:                "WRIT_REP",
	FlagInitSync:                "INIT_SYNC",
	FlagPerSync:                 "PER_SYNC",
	FlagMailRep:                 "MAIL_REP",
	FlagAsyncRep:                "ASYNC_REP",
	FlagTwoWaySync:              "TWOWAY_SYNC",
	FlagCriticalOnly:            "CRITICAL_ONLY",
	FlagGetAncestor:             "GET_ANC",
	FlagGetNCSize:               "GET_NC_SIZE",
	FlagNonGCReadOnlyRep:        "NONGC_RO_REP",
	FlagFullSyncNow:             "FULL_SYNC_NOW",
	FlagFullSyncInProgress:      "FULL_SYNC_IN_PROGRESS",
	FlagFullSyncPacket:          "FULL_SYNC_PACKET",
	FlagSyncRequeue:             "SYNC_REQUEUE",
	FlagSyncUrgent:              "SYNC_URGENT",
	FlagNoDiscard:               "NO_DISCARD",
	FlagNeverSynced:             "NEVER_SYNCED",
	FlagSpecialSecretProcessing: "SPECIAL_SECRET_PROCESSING",
	FlagInitSyncNow:             "INIT_SYNC_NOW",
	FlagPreempted:               "PREEMPTED",
	FlagSyncForced:              "SYNC_FORCED",
	FlagDisableAutoSync:         "DISABLE_AUTO_SYNC",
	FlagDisablePeriodicSync:     "DISABLE_PERIODIC_SYNC",
	FlagUseCompression:          "USE_COMPRESSION",
	FlagNeverNotify:             "NEVER_NOTIFY",
	FlagSyncPAS:                 "SYNC_PAS",
	FlagGetAllGroupMembership:   "GET_ALL_GROUP_MEMBERSHIP",
}

// Has reports whether every bit of f is set
func (r ReplicaFlags) Has(f ReplicaFlags) bool {
	return r&f == f
}

func (r ReplicaFlags) String() string {
	if r == 0 {
		return "0"
	}
	var names []string
	for bit, name := range replicaFlagNames {
		if r&bit != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, "|")
}

// InitialSyncFlags are the flags a joining writable replica uses for a first full pull
func InitialSyncFlags(readOnly bool) ReplicaFlags {
	flags := FlagInitSync | FlagPerSync | FlagFullSyncInProgress | FlagNeverSynced | FlagUseCompression
	if readOnly {
		flags |= FlagNonGCReadOnlyRep
	} else {
		flags |= FlagWriteRep
	}
	return flags
}
