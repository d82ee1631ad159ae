package drs

import (
	"errors"
	"fmt"
)

var (
	// ErrPeerUnreachable is returned when the transport to the peer cannot be established or was lost
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrProtocolRejected is returned when the peer answered a call with a failure status
	ErrProtocolRejected = errors.New("protocol call rejected")

	// ErrVersionMismatch is returned when the negotiated extensions cannot serve the session
	ErrVersionMismatch = errors.New("no common protocol version")

	// ErrObjectNameCollision is returned when a directory write targets an existing name
	ErrObjectNameCollision = errors.New("object name collision")

	// ErrReferenceNotFound is returned when deleting a replication reference that does not exist
	ErrReferenceNotFound = errors.New("replication reference not found")

	// ErrReferenceAlreadyExists is returned when adding a replication reference that already exists
	ErrReferenceAlreadyExists = errors.New("replication reference already exists")

	// ErrMalformedReply is returned when a reply cannot be decoded or breaks protocol invariants
	ErrMalformedReply = errors.New("malformed reply")

	// ErrInvocationChanged is returned when a reply comes from a different source
	// invocation than the one the pull is pinned to
	ErrInvocationChanged = fmt.Errorf("%w: source invocation changed", ErrMalformedReply)

	// ErrCallerAbort is returned when a sink or hook stops a pull
	ErrCallerAbort = errors.New("aborted by caller")

	// ErrNotBound is returned when a call is issued on a closed session
	ErrNotBound = errors.New("session not bound")
)

// Status is a protocol-level result code
type Status uint32

const (
	StatusOK                  Status = 0
	StatusAccessDenied        Status = 5
	StatusNotSupported        Status = 50
	StatusInvalidParameter    Status = 87
	StatusBadDN               Status = 8242
	StatusObjectAlreadyExists Status = 8305
	StatusDRAGeneric          Status = 8341
	StatusDRAInvalidParameter Status = 8437
	StatusDRABadDN            Status = 8439
	StatusDRABadNC            Status = 8440
	StatusDRAInternalError    Status = 8442
	StatusDRARefAlreadyExists Status = 8329
	StatusDRARefNotFound      Status = 8330
	StatusDRAAccessDenied     Status = 8453
	StatusDRASchemaMismatch   Status = 8418
)

var statusNames = map[Status]string{
	StatusOK:                  "OK",
	StatusAccessDenied:        "ACCESS_DENIED",
	StatusNotSupported:        "NOT_SUPPORTED",
	StatusInvalidParameter:    "INVALID_PARAMETER",
	StatusBadDN:               "DS_BAD_DN",
	StatusObjectAlreadyExists: "DS_OBJ_ALREADY_EXISTS",
	StatusDRAGeneric:          "DS_DRA_GENERIC",
	StatusDRAInvalidParameter: "DS_DRA_INVALID_PARAMETER",
	StatusDRABadDN:            "DS_DRA_BAD_DN",
	StatusDRABadNC:            "DS_DRA_BAD_NC",
	StatusDRAInternalError:    "DS_DRA_INTERNAL_ERROR",
	StatusDRARefAlreadyExists: "DS_DRA_REF_ALREADY_EXISTS",
	StatusDRARefNotFound:      "DS_DRA_REF_NOT_FOUND",
	StatusDRAAccessDenied:     "DS_DRA_ACCESS_DENIED",
	StatusDRASchemaMismatch:   "DS_DRA_SCHEMA_MISMATCH",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("0x%08x", uint32(s))
}

// StatusError is returned when a call completed on the wire with a non-success status
type StatusError struct {
	Op     string
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: peer returned %s", e.Op, e.Status)
}

// Unwrap maps well-known statuses onto sentinel errors
func (e *StatusError) Unwrap() []error {
	switch e.Status {
	case StatusDRARefNotFound:
		return []error{ErrReferenceNotFound, ErrProtocolRejected}
	case StatusDRARefAlreadyExists:
		return []error{ErrReferenceAlreadyExists, ErrProtocolRejected}
	case StatusObjectAlreadyExists:
		return []error{ErrObjectNameCollision, ErrProtocolRejected}
	}
	return []error{ErrProtocolRejected}
}

func checkStatus(op string, status uint32) error {
	if Status(status) == StatusOK {
		return nil
	}
	return &StatusError{Op: op, Status: Status(status)}
}

// ErrorKind classifies a structured write failure reported by the peer
type ErrorKind uint32

const (
	KindNone ErrorKind = iota
	KindAttribute
	KindNameResolution
	KindReferral
	KindSecurity
	KindService
	KindUpdate
	KindSystem
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindAttribute:
		return "attribute"
	case KindNameResolution:
		return "name-resolution"
	case KindReferral:
		return "referral"
	case KindSecurity:
		return "security"
	case KindService:
		return "service"
	case KindUpdate:
		return "update"
	case KindSystem:
		return "system"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(k))
	}
}

// StructuredWriteError is a classified failure returned by the remote object-creation call
type StructuredWriteError struct {
	Kind    ErrorKind
	Status  Status
	Problem uint32
	Message string
}

func (e *StructuredWriteError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote write failed (%s error, status %s, problem %d): %s", e.Kind, e.Status, e.Problem, e.Message)
	}
	return fmt.Sprintf("remote write failed (%s error, status %s, problem %d)", e.Kind, e.Status, e.Problem)
}

// Unwrap exposes name collisions as ErrObjectNameCollision
func (e *StructuredWriteError) Unwrap() error {
	if e.Kind == KindUpdate && e.Status == StatusObjectAlreadyExists {
		return ErrObjectNameCollision
	}
	return ErrProtocolRejected
}

// PartitionError reports which partition a sequenced pull stopped at
type PartitionError struct {
	Partition string
	NC        NamingContextID
	Err       error
}

func (e *PartitionError) Error() string {
	return fmt.Sprintf("pull of %s partition %s failed: %v", e.Partition, e.NC.DN, e.Err)
}

func (e *PartitionError) Unwrap() error {
	return e.Err
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedReply, fmt.Sprintf(format, args...))
}
