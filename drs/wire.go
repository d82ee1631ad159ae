package drs

import (
	"github.com/google/uuid"
)

// Operation names as carried on the transport
const (
	OpBind           = "DsBind"
	OpUnbind         = "DsUnbind"
	OpGetNCChanges   = "DsGetNCChanges"
	OpUpdateRefs     = "DsReplicaUpdateRefs"
	OpAddEntry       = "DsAddEntry"
	OpRemoveDSServer = "DsRemoveDSServer"
)

// Reply levels of the change-pull call
const (
	ReplyLevelV1           uint32 = 1
	ReplyLevelV1Compressed uint32 = 2
	ReplyLevelV6           uint32 = 6
	ReplyLevelV7Compressed uint32 = 7
)

// BindInfo is the extension block each side sends during bind
type BindInfo struct {
	Extensions CapabilitySet `msgpack:"ext"`
	SiteGUID   uuid.UUID     `msgpack:"site"`
	PID        uint32        `msgpack:"pid"`
	ReplEpoch  uint32        `msgpack:"epoch"`
	ConfigGUID uuid.UUID     `msgpack:"config"`
}

type BindRequest struct {
	ClientGUID uuid.UUID `msgpack:"client"`
	Info       BindInfo  `msgpack:"info"`
}

type BindReply struct {
	Status uint32    `msgpack:"status"`
	Handle uuid.UUID `msgpack:"handle"`
	Info   BindInfo  `msgpack:"info"`
}

type UnbindRequest struct {
	Handle uuid.UUID `msgpack:"handle"`
}

type UnbindReply struct {
	Status uint32 `msgpack:"status"`
}

// GetNCChangesRequest covers request levels 5, 8 and 10.
// Fields only meaningful at higher levels are left zero below them.
type GetNCChangesRequest struct {
	Handle             uuid.UUID        `msgpack:"handle"`
	DestDSA            uuid.UUID        `msgpack:"dest"`
	SourceInvocationID uuid.UUID        `msgpack:"src_inv"`
	NC                 NamingContextID  `msgpack:"nc"`
	Watermark          Watermark        `msgpack:"wm"`
	UpToDateVector     []UpToDateCursor `msgpack:"utd,omitempty"`
	ReplicaFlags       ReplicaFlags     `msgpack:"flags"`
	MaxObjects         uint32           `msgpack:"max_objects"`
	MaxBytes           uint32           `msgpack:"max_bytes"`
	ExtendedOp         uint32           `msgpack:"ext_op"`
	FSMOInfo           uint64           `msgpack:"fsmo"`
	PartialAttributes  []uint32         `msgpack:"pas,omitempty"`
	MoreFlags          uint32           `msgpack:"more_flags,omitempty"`
	Compression        string           `msgpack:"compression,omitempty"`
}

// ObjectListItem is one node of the chained object list used by level 1 replies
type ObjectListItem struct {
	Object ReplicatedObject `msgpack:"obj"`
	Next   *ObjectListItem  `msgpack:"next,omitempty"`
}

// ChangesCtr1 is the older reply shape: objects chained, no linked values
type ChangesCtr1 struct {
	SourceDSA          uuid.UUID        `msgpack:"src_dsa"`
	SourceInvocationID uuid.UUID        `msgpack:"src_inv"`
	NC                 NamingContextID  `msgpack:"nc"`
	OldWatermark       Watermark        `msgpack:"old_wm"`
	NewWatermark       Watermark        `msgpack:"new_wm"`
	UpToDateVector     []UpToDateCursor `msgpack:"utd,omitempty"`
	FirstObject        *ObjectListItem  `msgpack:"first,omitempty"`
	MoreData           bool             `msgpack:"more"`
}

// ChangesCtr6 is the newer reply shape: flat object list with counts and linked values
type ChangesCtr6 struct {
	SourceDSA          uuid.UUID          `msgpack:"src_dsa"`
	SourceInvocationID uuid.UUID          `msgpack:"src_inv"`
	NC                 NamingContextID    `msgpack:"nc"`
	OldWatermark       Watermark          `msgpack:"old_wm"`
	NewWatermark       Watermark          `msgpack:"new_wm"`
	UpToDateVector     []UpToDateCursor   `msgpack:"utd,omitempty"`
	ObjectCount        uint32             `msgpack:"object_count"`
	Objects            []ReplicatedObject `msgpack:"objects"`
	LinkedValueCount   uint32             `msgpack:"link_count"`
	LinkedValues       []LinkedValue      `msgpack:"links"`
	NCObjectCount      uint32             `msgpack:"nc_objects,omitempty"`
	NCLinkCount        uint32             `msgpack:"nc_links,omitempty"`
	MoreData           bool               `msgpack:"more"`
	DRSError           uint32             `msgpack:"drs_error"`
}

// CompressionAlgorithm names the payload compression inside compressed reply levels
type CompressionAlgorithm uint16

const (
	CompressionNone CompressionAlgorithm = iota
	CompressionDeflate
	CompressionZstd
)

func (a CompressionAlgorithm) String() string {
	switch a {
	case CompressionNone:
		return "none"
	case CompressionDeflate:
		return "deflate"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompression maps a configured name to an algorithm
func ParseCompression(name string) CompressionAlgorithm {
	switch name {
	case "deflate", "DEFLATE":
		return CompressionDeflate
	case "zstd", "ZSTD":
		return CompressionZstd
	default:
		return CompressionNone
	}
}

// CompressedCtr wraps a compressed level 1 or level 6 reply payload
type CompressedCtr struct {
	Algorithm        CompressionAlgorithm `msgpack:"alg"`
	InnerLevel       uint32               `msgpack:"inner"`
	UncompressedSize uint32               `msgpack:"size"`
	Data             []byte               `msgpack:"data"`
}

// GetNCChangesReply is the tagged union returned by the change-pull call
type GetNCChangesReply struct {
	Status     uint32         `msgpack:"status"`
	Level      uint32         `msgpack:"level"`
	Ctr1       *ChangesCtr1   `msgpack:"ctr1,omitempty"`
	Ctr6       *ChangesCtr6   `msgpack:"ctr6,omitempty"`
	Compressed *CompressedCtr `msgpack:"compressed,omitempty"`
}

// UpdateRefsRequest asks the peer to add or remove a replication reference to us
type UpdateRefsRequest struct {
	Handle     uuid.UUID       `msgpack:"handle"`
	NC         NamingContextID `msgpack:"nc"`
	DestDSADNS string          `msgpack:"dest_dns"`
	DestDSA    uuid.UUID       `msgpack:"dest"`
	Options    ReplicaFlags    `msgpack:"options"`
}

type UpdateRefsReply struct {
	Status uint32 `msgpack:"status"`
}

// AddEntryObject is one object to create on the peer
type AddEntryObject struct {
	DN         string      `msgpack:"dn"`
	Attributes []Attribute `msgpack:"attrs"`
}

type AddEntryRequest struct {
	Handle  uuid.UUID        `msgpack:"handle"`
	Objects []AddEntryObject `msgpack:"objects"`
}

// ObjectIdentifier names an object created by the peer
type ObjectIdentifier struct {
	GUID uuid.UUID `msgpack:"guid"`
	SID  string    `msgpack:"sid,omitempty"`
	DN   string    `msgpack:"dn"`
}

// AddEntryCtr2 is the older add-entry reply: error fields inline
type AddEntryCtr2 struct {
	Identifiers []ObjectIdentifier `msgpack:"ids"`
	DirErr      ErrorKind          `msgpack:"dir_err"`
	ExtendedErr uint32             `msgpack:"ext_err"`
	Problem     uint32             `msgpack:"problem"`
}

// AddEntryErrorInfo is the error block of a level 3 add-entry reply
type AddEntryErrorInfo struct {
	Status  uint32    `msgpack:"status"`
	DirErr  ErrorKind `msgpack:"dir_err"`
	Problem uint32    `msgpack:"problem"`
	Message string    `msgpack:"message,omitempty"`
}

// AddEntryCtr3 is the newer add-entry reply with a separate error block
type AddEntryCtr3 struct {
	Identifiers []ObjectIdentifier `msgpack:"ids"`
	Err         *AddEntryErrorInfo `msgpack:"err,omitempty"`
}

type AddEntryReply struct {
	Status uint32        `msgpack:"status"`
	Level  uint32        `msgpack:"level"`
	Ctr2   *AddEntryCtr2 `msgpack:"ctr2,omitempty"`
	Ctr3   *AddEntryCtr3 `msgpack:"ctr3,omitempty"`
}

type RemoveDSServerRequest struct {
	Handle   uuid.UUID `msgpack:"handle"`
	ServerDN string    `msgpack:"server_dn"`
	DomainDN string    `msgpack:"domain_dn"`
	Commit   bool      `msgpack:"commit"`
}

type RemoveDSServerReply struct {
	Status         uint32 `msgpack:"status"`
	LastDCInDomain bool   `msgpack:"last_dc"`
}

// NewMessages returns zero request and reply values for op
func NewMessages(op string) (req, reply any, ok bool) {
	switch op {
	case OpBind:
		return &BindRequest{}, &BindReply{}, true
	case OpUnbind:
		return &UnbindRequest{}, &UnbindReply{}, true
	case OpGetNCChanges:
		return &GetNCChangesRequest{}, &GetNCChangesReply{}, true
	case OpUpdateRefs:
		return &UpdateRefsRequest{}, &UpdateRefsReply{}, true
	case OpAddEntry:
		return &AddEntryRequest{}, &AddEntryReply{}, true
	case OpRemoveDSServer:
		return &RemoveDSServerRequest{}, &RemoveDSServerReply{}, true
	}
	return nil, nil, false
}
