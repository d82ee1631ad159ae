package drs

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NamingContextID identifies one replicable partition.
// GUID is uuid.Nil and SID is empty when the peer did not supply them.
type NamingContextID struct {
	GUID uuid.UUID `msgpack:"guid"`
	SID  string    `msgpack:"sid,omitempty"`
	DN   string    `msgpack:"dn"`
}

// NewNamingContextID builds an id from its distinguished name only
func NewNamingContextID(dn string) NamingContextID {
	return NamingContextID{DN: dn}
}

// Equal compares by GUID when both sides carry one, otherwise by DN
func (nc NamingContextID) Equal(other NamingContextID) bool {
	if nc.GUID != uuid.Nil && other.GUID != uuid.Nil {
		return nc.GUID == other.GUID
	}
	return strings.EqualFold(nc.DN, other.DN)
}

// Key returns the canonical string used for persistence and logging
func (nc NamingContextID) Key() string {
	return strings.ToLower(nc.DN)
}

func (nc NamingContextID) String() string {
	if nc.GUID == uuid.Nil {
		return nc.DN
	}
	return fmt.Sprintf("%s <GUID=%s>", nc.DN, nc.GUID)
}

// Watermark is the replication progress marker within one partition
type Watermark struct {
	TmpHighestUSN uint64 `msgpack:"tmp"`
	ReservedUSN   uint64 `msgpack:"rsv"`
	HighestUSN    uint64 `msgpack:"high"`
}

// Less orders watermarks by tentative then acknowledged highest USN
func (w Watermark) Less(other Watermark) bool {
	if w.TmpHighestUSN != other.TmpHighestUSN {
		return w.TmpHighestUSN < other.TmpHighestUSN
	}
	return w.HighestUSN < other.HighestUSN
}

// IsZero reports whether this is the start-of-partition watermark
func (w Watermark) IsZero() bool {
	return w == Watermark{}
}

func (w Watermark) String() string {
	return fmt.Sprintf("tmp=%d reserved=%d highest=%d", w.TmpHighestUSN, w.ReservedUSN, w.HighestUSN)
}

// UpToDateCursor records the highest USN seen from one invocation
type UpToDateCursor struct {
	InvocationID uuid.UUID `msgpack:"inv"`
	HighestUSN   uint64    `msgpack:"usn"`
}

// Attribute is one replicated attribute with its raw values
type Attribute struct {
	ID     uint32   `msgpack:"id"`
	Values [][]byte `msgpack:"v"`
}

// ReplicatedObject is one object carried by a change-pull page
type ReplicatedObject struct {
	DN         string      `msgpack:"dn"`
	GUID       uuid.UUID   `msgpack:"guid"`
	SID        string      `msgpack:"sid,omitempty"`
	ParentGUID uuid.UUID   `msgpack:"parent"`
	IsNCPrefix bool        `msgpack:"ncp,omitempty"`
	Attributes []Attribute `msgpack:"attrs"`
}

// Attribute returns the attribute with the given id, if present
func (o *ReplicatedObject) Attribute(id uint32) (Attribute, bool) {
	for _, a := range o.Attributes {
		if a.ID == id {
			return a, true
		}
	}
	return Attribute{}, false
}

// LinkedValue is one linked-attribute delta
type LinkedValue struct {
	AttributeID    uint32    `msgpack:"attr"`
	SourceGUID     uuid.UUID `msgpack:"src"`
	TargetDN       string    `msgpack:"dn"`
	TargetGUID     uuid.UUID `msgpack:"tgt"`
	Active         bool      `msgpack:"active"`
	OriginatingUSN uint64    `msgpack:"usn"`
}

// ReplicaBatch is the normalized result of one page of a partition pull.
// It is produced by the cursor, handed to the sink, then discarded.
type ReplicaBatch struct {
	Partition          string
	NC                 NamingContextID
	SourceDSA          uuid.UUID
	SourceInvocationID uuid.UUID
	Objects            []ReplicatedObject
	Links              []LinkedValue
	UpToDateVector     []UpToDateCursor
	OldWatermark       Watermark
	NewWatermark       Watermark
	MoreData           bool
	ReplyLevel         uint32
	Compressed         bool
	Page               int
}

// Sink receives every decoded page of one partition, in order
type Sink interface {
	Apply(ctx context.Context, batch *ReplicaBatch) error
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(ctx context.Context, batch *ReplicaBatch) error

// Apply calls f(ctx, batch)
func (f SinkFunc) Apply(ctx context.Context, batch *ReplicaBatch) error {
	return f(ctx, batch)
}

// MultiSink fans one page out to several sinks in order, stopping at the first error
func MultiSink(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, batch *ReplicaBatch) error {
		for _, s := range sinks {
			if s == nil {
				continue
			}
			if err := s.Apply(ctx, batch); err != nil {
				return err
			}
		}
		return nil
	})
}

// Cursor is the persisted, resumable position of one partition pull
type Cursor struct {
	Watermark          Watermark `msgpack:"wm"`
	MoreData           bool      `msgpack:"more"`
	SourceInvocationID uuid.UUID `msgpack:"inv"`
	Pages              int       `msgpack:"pages"`
}

// CursorStore persists partition cursors so an interrupted pull can resume
type CursorStore interface {
	LoadCursor(nc NamingContextID) (Cursor, bool, error)
	SaveCursor(nc NamingContextID, cursor Cursor) error
}
