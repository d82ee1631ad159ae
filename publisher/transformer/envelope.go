// Package transformer provides implementations of the publisher.Transformer
// interface for converting change events to sink-specific formats.
package transformer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/maxpert/dcjoin/drs"
	"github.com/maxpert/dcjoin/publisher"
)

func init() {
	publisher.RegisterTransformer("json", func() publisher.Transformer {
		return NewEnvelopeTransformer()
	})
}

// EnvelopeTransformer renders change events as a Debezium-style JSON
// envelope with an embedded schema section. Directory pulls carry no
// before-image, so every live object is a snapshot read ("r") and a
// deleted one is "d".
type EnvelopeTransformer struct {
	connectorName string
	schemaCache   sync.Map // partition -> *envelopeSchema
}

// NewEnvelopeTransformer creates a new envelope transformer
func NewEnvelopeTransformer() *EnvelopeTransformer {
	return &EnvelopeTransformer{connectorName: "dcjoin"}
}

type envelopeSchema struct {
	Type   string        `json:"type"`
	Name   string        `json:"name"`
	Fields []schemaField `json:"fields"`
}

type schemaField struct {
	Field    string        `json:"field"`
	Type     string        `json:"type"`
	Optional bool          `json:"optional,omitempty"`
	Name     string        `json:"name,omitempty"`
	Fields   []schemaField `json:"fields,omitempty"`
}

type envelopeMessage struct {
	Schema  *envelopeSchema `json:"schema"`
	Payload envelopePayload `json:"payload"`
}

type envelopePayload struct {
	Before any            `json:"before"`
	After  any            `json:"after"`
	Op     string         `json:"op"`
	TsMs   int64          `json:"ts_ms"`
	Source envelopeSource `json:"source"`
}

type envelopeSource struct {
	Connector    string    `json:"connector"`
	Partition    string    `json:"partition"`
	NC           string    `json:"nc"`
	USN          uint64    `json:"usn"`
	Seq          uint64    `json:"seq"`
	InvocationID uuid.UUID `json:"invocation_id"`
}

type objectValue struct {
	DN         string           `json:"dn"`
	GUID       uuid.UUID        `json:"guid"`
	ParentGUID uuid.UUID        `json:"parent_guid"`
	Attributes []attributeValue `json:"attributes"`
}

type attributeValue struct {
	ID     uint32   `json:"id"`
	Values [][]byte `json:"values"` // base64 in JSON
}

type linkValue struct {
	AttributeID uint32    `json:"attribute_id"`
	SourceGUID  uuid.UUID `json:"source_guid"`
	TargetDN    string    `json:"target_dn"`
	TargetGUID  uuid.UUID `json:"target_guid"`
	Active      bool      `json:"active"`
	USN         uint64    `json:"usn"`
}

// Transform converts a change event to the JSON envelope
func (e *EnvelopeTransformer) Transform(event publisher.ChangeEvent) ([]byte, error) {
	var value any
	switch event.Kind {
	case publisher.KindObject:
		value = objectPayload(event)
	case publisher.KindLink:
		if event.Link == nil {
			return nil, fmt.Errorf("link event %d carries no linked value", event.SeqNum)
		}
		value = linkPayload(event.Link)
	default:
		return nil, fmt.Errorf("unknown event kind %d", event.Kind)
	}

	payload := envelopePayload{
		Op:   "r",
		TsMs: event.ReceivedAt,
		Source: envelopeSource{
			Connector:    e.connectorName,
			Partition:    event.Partition,
			NC:           event.NC,
			USN:          event.USN,
			Seq:          event.SeqNum,
			InvocationID: event.SourceInvocationID,
		},
	}
	if event.Deleted {
		payload.Op = "d"
		payload.Before = value
	} else {
		payload.After = value
	}

	data, err := json.Marshal(envelopeMessage{Schema: e.schemaFor(event.Partition, event.Kind), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// Tombstone creates a tombstone marker (null value for Kafka log compaction)
func (e *EnvelopeTransformer) Tombstone(string) []byte {
	return nil
}

func objectPayload(event publisher.ChangeEvent) objectValue {
	attrs := make([]attributeValue, len(event.Attributes))
	for i, a := range event.Attributes {
		attrs[i] = attributeValue{ID: a.ID, Values: a.Values}
	}
	return objectValue{DN: event.DN, GUID: event.GUID, ParentGUID: event.ParentGUID, Attributes: attrs}
}

func linkPayload(l *drs.LinkedValue) linkValue {
	return linkValue{
		AttributeID: l.AttributeID,
		SourceGUID:  l.SourceGUID,
		TargetDN:    l.TargetDN,
		TargetGUID:  l.TargetGUID,
		Active:      l.Active,
		USN:         l.OriginatingUSN,
	}
}

func (e *EnvelopeTransformer) schemaFor(partition string, kind uint8) *envelopeSchema {
	key := fmt.Sprintf("%s/%d", partition, kind)
	if cached, ok := e.schemaCache.Load(key); ok {
		return cached.(*envelopeSchema)
	}
	schema := buildSchema(partition, kind)
	actual, _ := e.schemaCache.LoadOrStore(key, schema)
	return actual.(*envelopeSchema)
}

func buildSchema(partition string, kind uint8) *envelopeSchema {
	valueName := "dcjoin." + partition + ".Object"
	valueFields := []schemaField{
		{Field: "dn", Type: "string"},
		{Field: "guid", Type: "string"},
		{Field: "parent_guid", Type: "string"},
		{Field: "attributes", Type: "array"},
	}
	if kind == publisher.KindLink {
		valueName = "dcjoin." + partition + ".Link"
		valueFields = []schemaField{
			{Field: "attribute_id", Type: "int64"},
			{Field: "source_guid", Type: "string"},
			{Field: "target_dn", Type: "string"},
			{Field: "target_guid", Type: "string"},
			{Field: "active", Type: "boolean"},
			{Field: "usn", Type: "int64"},
		}
	}

	return &envelopeSchema{
		Type: "struct",
		Name: "dcjoin." + partition + ".Envelope",
		Fields: []schemaField{
			{Field: "before", Type: "struct", Optional: true, Name: valueName, Fields: valueFields},
			{Field: "after", Type: "struct", Optional: true, Name: valueName, Fields: valueFields},
			{Field: "op", Type: "string"},
			{Field: "ts_ms", Type: "int64"},
			{
				Field: "source",
				Type:  "struct",
				Name:  "dcjoin.Source",
				Fields: []schemaField{
					{Field: "connector", Type: "string"},
					{Field: "partition", Type: "string"},
					{Field: "nc", Type: "string"},
					{Field: "usn", Type: "int64"},
					{Field: "seq", Type: "int64"},
					{Field: "invocation_id", Type: "string"},
				},
			},
		},
	}
}
