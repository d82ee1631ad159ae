// Package lifecycle drives a node into and out of an existing directory
// domain. Every orchestrator is linear: every phase runs once, in order,
// and a failure stops the run with a *PhaseError naming where it stopped.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/maxpert/dcjoin/directory"
	"github.com/maxpert/dcjoin/discovery"
	"github.com/maxpert/dcjoin/drs"
)

// Partition names used for sequencing, sinks and persisted cursors
const (
	PartitionSchema = "schema"
	PartitionConfig = "config"
	PartitionDomain = "domain"
)

// Functional levels this node can join
const (
	MinFunctionalLevel = 2
	MaxFunctionalLevel = 7
)

// User account control values for a computer account before and after it
// becomes a domain controller
const (
	UACWorkstationTrust = 0x1000
	UACServerTrust      = 0x2000 | 0x80000
	// UACTrustMask covers every bit join and leave flip; other bits are left alone
	UACTrustMask = UACWorkstationTrust | UACServerTrust
)

// ErrSiteNotFound is returned when the local site is not present in the configuration partition
var ErrSiteNotFound = errors.New("site not found")

// Phase is one step of an orchestrator run
type Phase interface {
	fmt.Stringer
	Ordinal() int
}

// JoinPhase enumerates the join steps in execution order
type JoinPhase int

const (
	JoinDiscover JoinPhase = iota
	JoinStageDirectory
	JoinCheckPolicy
	JoinEnsureAccountObject
	JoinEnsureServerObject
	JoinBindControl1
	JoinCreateSettingsObject
	JoinPrepareLocalStore
	JoinBindControl23
	JoinPullSchemaConfig
	JoinStageDirectoryPass2
	JoinPullDomain
	JoinAdvertiseReferences
	JoinDone
	JoinFailed
)

var joinPhaseNames = [...]string{
	"Discover", "StageDirectory", "CheckPolicy", "EnsureAccountObject",
	"EnsureServerObject", "BindControl1", "CreateSettingsObject",
	"PrepareLocalStore", "BindControl23", "PullSchemaConfig",
	"StageDirectoryPass2", "PullDomain", "AdvertiseReferences", "Done", "Failed",
}

func (p JoinPhase) String() string {
	if p < 0 || int(p) >= len(joinPhaseNames) {
		return fmt.Sprintf("JoinPhase(%d)", int(p))
	}
	return joinPhaseNames[p]
}

func (p JoinPhase) Ordinal() int { return int(p) }

// LeavePhase enumerates the leave steps in execution order
type LeavePhase int

const (
	LeaveDiscover LeavePhase = iota
	LeaveStageDirectory
	LeaveUnstageAccount
	LeaveBindControl
	LeaveRemoveDirectoryEntry
	LeaveDone
	LeaveFailed
)

var leavePhaseNames = [...]string{
	"Discover", "StageDirectory", "UnstageAccount", "BindControl",
	"RemoveDirectoryEntry", "Done", "Failed",
}

func (p LeavePhase) String() string {
	if p < 0 || int(p) >= len(leavePhaseNames) {
		return fmt.Sprintf("LeavePhase(%d)", int(p))
	}
	return leavePhaseNames[p]
}

func (p LeavePhase) Ordinal() int { return int(p) }

// PullPhase enumerates the steps of a standalone pull
type PullPhase int

const (
	PullDiscover PullPhase = iota
	PullLocateNode
	PullBind
	PullPartitions
	PullDone
	PullFailed
)

var pullPhaseNames = [...]string{
	"Discover", "LocateNode", "Bind", "Partitions", "Done", "Failed",
}

func (p PullPhase) String() string {
	if p < 0 || int(p) >= len(pullPhaseNames) {
		return fmt.Sprintf("PullPhase(%d)", int(p))
	}
	return pullPhaseNames[p]
}

func (p PullPhase) Ordinal() int { return int(p) }

// PhaseError reports the phase a run stopped in
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// NodeIdentity is who this node is in the domain. Fields are filled in as
// the join progresses; GUID is the settings object's GUID once created.
type NodeIdentity struct {
	NetbiosName    string
	DNSName        string
	SiteName       string
	ComputerDN     string
	ServerDN       string
	NTDSSettingsDN string
	GUID           uuid.UUID
	InvocationID   uuid.UUID
}

// DomainInfo describes the domain being joined
type DomainInfo struct {
	DN              string
	DNSName         string
	NetbiosName     string
	GUID            uuid.UUID
	SID             string
	FunctionalLevel int

	PDCOwner            string
	InfrastructureOwner string
}

// NC returns the domain partition identifier
func (d DomainInfo) NC() drs.NamingContextID {
	return drs.NamingContextID{GUID: d.GUID, SID: d.SID, DN: d.DN}
}

// ForestInfo describes the forest the domain belongs to
type ForestInfo struct {
	RootDomainDNS   string
	ConfigDN        string
	SchemaDN        string
	ConfigGUID      uuid.UUID
	SchemaGUID      uuid.UUID
	FunctionalLevel int

	SchemaOwner string
	NamingOwner string
}

// ConfigNC returns the configuration partition identifier
func (f ForestInfo) ConfigNC() drs.NamingContextID {
	return drs.NamingContextID{GUID: f.ConfigGUID, DN: f.ConfigDN}
}

// SchemaNC returns the schema partition identifier
func (f ForestInfo) SchemaNC() drs.NamingContextID {
	return drs.NamingContextID{GUID: f.SchemaGUID, DN: f.SchemaDN}
}

// JoinState is handed to PrepareLocalStore once the settings object exists
type JoinState struct {
	Identity NodeIdentity
	Domain   DomainInfo
	Forest   ForestInfo
	Peer     discovery.PeerInfo
}

// JoinResult is the outcome of a completed join
type JoinResult struct {
	Identity   NodeIdentity
	Domain     DomainInfo
	Forest     ForestInfo
	Peer       discovery.PeerInfo
	Partitions []drs.PartitionResult
	Elapsed    time.Duration
}

// LeaveResult is the outcome of a completed leave
type LeaveResult struct {
	Identity NodeIdentity
	Domain   DomainInfo
	// LastDCInDomain is the peer's answer to whether the removed server was the last one
	LastDCInDomain bool
	Elapsed        time.Duration
}

// Hooks let the caller take part in a join
type Hooks struct {
	// CheckPolicy vetoes a join by returning an error
	CheckPolicy func(domain DomainInfo, forest ForestInfo, peer discovery.PeerInfo) error
	// PrepareLocalStore runs before any partition is pulled
	PrepareLocalStore func(ctx context.Context, state *JoinState) error
	// SinkFor returns the sink that receives every page of one partition
	SinkFor func(partition string, nc drs.NamingContextID) drs.Sink
}

// Observer receives progress from a running orchestrator. Calls are made
// from the orchestrator goroutine.
type Observer interface {
	PhaseStarted(kind string, phase Phase)
	PhaseFinished(kind string, phase Phase, elapsed time.Duration, err error)
	PageApplied(partition string, batch *drs.ReplicaBatch)
	PartitionDrained(result drs.PartitionResult)
}

// NopObserver ignores every event
type NopObserver struct{}

func (NopObserver) PhaseStarted(string, Phase)                        {}
func (NopObserver) PhaseFinished(string, Phase, time.Duration, error) {}
func (NopObserver) PageApplied(string, *drs.ReplicaBatch)             {}
func (NopObserver) PartitionDrained(drs.PartitionResult)              {}

// Transport is one association with the peer, multiplexing named channels
type Transport interface {
	Channel(name string) drs.Caller
	Close() error
}

// Dialer opens a transport to target
type Dialer func(ctx context.Context, target string) (Transport, error)

// DirectoryOpener opens the management connection to the discovered peer
type DirectoryOpener func(ctx context.Context, peer *discovery.PeerInfo) (directory.Directory, error)

// LocalNode is the configured identity of this node
type LocalNode struct {
	NetbiosName  string
	DNSName      string
	SiteName     string
	InvocationID uuid.UUID
	// AccountContainer is where a missing computer account is created
	AccountContainer string
}

// PeerSettings locates the peer
type PeerSettings struct {
	Address string
	// OverrideAddress replaces the discovered replication target
	OverrideAddress string
	RPCPort         int
}

// BindSettings describes what every control bind offers and requires
type BindSettings struct {
	Offered     drs.CapabilitySet
	Required    drs.CapabilitySet
	Compression drs.CompressionAlgorithm
}

func (b BindSettings) options(client uuid.UUID) drs.BindOptions {
	offered := b.Offered
	if offered == 0 {
		offered = drs.DefaultCapabilities
	}
	return drs.BindOptions{
		ClientGUID:  client,
		Offered:     offered,
		Required:    b.Required,
		PID:         uint32(os.Getpid()),
		Compression: b.Compression,
	}
}
