package publisher

import (
	"time"

	"github.com/maxpert/dcjoin/drs"
)

// EventsFromBatch flattens one pulled page into change events, objects first
// then linked values, in page order
func EventsFromBatch(b *drs.ReplicaBatch, received time.Time) []ChangeEvent {
	events := make([]ChangeEvent, 0, len(b.Objects)+len(b.Links))
	ts := received.UnixMilli()
	usn := b.NewWatermark.HighestUSN

	for _, obj := range b.Objects {
		events = append(events, ChangeEvent{
			Partition:          b.Partition,
			NC:                 b.NC.DN,
			Kind:               KindObject,
			DN:                 obj.DN,
			GUID:               obj.GUID,
			ParentGUID:         obj.ParentGUID,
			Deleted:            isDeleted(&obj),
			Attributes:         obj.Attributes,
			USN:                usn,
			SourceInvocationID: b.SourceInvocationID,
			ReceivedAt:         ts,
		})
	}

	for i := range b.Links {
		l := b.Links[i]
		events = append(events, ChangeEvent{
			Partition:          b.Partition,
			NC:                 b.NC.DN,
			Kind:               KindLink,
			DN:                 l.TargetDN,
			GUID:               l.SourceGUID,
			Deleted:            !l.Active,
			Link:               &l,
			USN:                usn,
			SourceInvocationID: b.SourceInvocationID,
			ReceivedAt:         ts,
		})
	}

	return events
}

func isDeleted(obj *drs.ReplicatedObject) bool {
	attr, ok := obj.Attribute(AttrIsDeleted)
	if !ok || len(attr.Values) == 0 {
		return false
	}
	v := attr.Values[0]
	return len(v) > 0 && (v[0] == 1 || string(v) == "TRUE")
}

// stripSecrets returns attrs without session-key protected values
func stripSecrets(attrs []drs.Attribute) []drs.Attribute {
	out := attrs[:0:0]
	for _, a := range attrs {
		if drs.IsSecretAttribute(a.ID) {
			continue
		}
		out = append(out, a)
	}
	return out
}
