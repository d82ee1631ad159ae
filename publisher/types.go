package publisher

import (
	"context"

	"github.com/google/uuid"

	"github.com/maxpert/dcjoin/drs"
)

// Event kinds
const (
	KindObject uint8 = 0
	KindLink   uint8 = 1
)

// AttrIsDeleted marks a tombstoned object
const AttrIsDeleted uint32 = 131120

// ChangeEvent is one replicated object or linked value delta
type ChangeEvent struct {
	SeqNum             uint64           `msgpack:"seq"`  // Monotonic sequence
	Partition          string           `msgpack:"part"` // schema, config or domain
	NC                 string           `msgpack:"nc"`
	Kind               uint8            `msgpack:"kind"` // 0=object, 1=link
	DN                 string           `msgpack:"dn"`
	GUID               uuid.UUID        `msgpack:"guid"`
	ParentGUID         uuid.UUID        `msgpack:"parent"`
	Deleted            bool             `msgpack:"del,omitempty"`
	Attributes         []drs.Attribute  `msgpack:"attrs,omitempty"`
	Link               *drs.LinkedValue `msgpack:"link,omitempty"`
	USN                uint64           `msgpack:"usn"` // Page watermark
	SourceInvocationID uuid.UUID        `msgpack:"inv"`
	ReceivedAt         int64            `msgpack:"ts"` // Unix ms
}

// Key is the partitioning key of the event on the sink
func (e *ChangeEvent) Key() string {
	return e.GUID.String()
}

// Message is one record handed to a sink
type Message struct {
	Topic   string
	Key     string
	Value   []byte // nil for tombstones
	Headers map[string]string
}

// Sink represents a destination for change events (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends one message to the sink
	Publish(ctx context.Context, msg Message) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts change events to sink-specific formats
type Transformer interface {
	// Transform converts an event to bytes for publishing
	Transform(event ChangeEvent) ([]byte, error)
	// Tombstone creates a tombstone/delete marker for the given key
	Tombstone(key string) []byte
}

// Filter determines whether a change event should be published
type Filter interface {
	// Match returns true if the event should be published
	Match(partition, dn string) bool
}
