package publisher

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/dcjoin/drs"
)

func TestEventsFromBatch(t *testing.T) {
	inv := uuid.New()
	group, member := uuid.New(), uuid.New()
	b := &drs.ReplicaBatch{
		Partition:          "domain",
		NC:                 drs.NewNamingContextID("DC=example,DC=com"),
		SourceInvocationID: inv,
		Objects: []drs.ReplicatedObject{
			{DN: "CN=Admins,DC=example,DC=com", GUID: group},
			{DN: "CN=gone\\0ADEL:x,CN=Deleted Objects,DC=example,DC=com", GUID: uuid.New(),
				Attributes: []drs.Attribute{{ID: AttrIsDeleted, Values: [][]byte{{1}}}}},
		},
		Links: []drs.LinkedValue{
			{AttributeID: 31, SourceGUID: group, TargetGUID: member, TargetDN: "CN=alice,DC=example,DC=com", Active: true},
			{AttributeID: 31, SourceGUID: group, TargetGUID: uuid.New(), Active: false},
		},
		NewWatermark: drs.Watermark{HighestUSN: 5000},
	}
	received := time.UnixMilli(1700000000000)

	events := EventsFromBatch(b, received)
	require.Len(t, events, 4)

	assert.Equal(t, KindObject, events[0].Kind)
	assert.Equal(t, "CN=Admins,DC=example,DC=com", events[0].DN)
	assert.False(t, events[0].Deleted)
	assert.Equal(t, uint64(5000), events[0].USN)
	assert.Equal(t, inv, events[0].SourceInvocationID)
	assert.Equal(t, int64(1700000000000), events[0].ReceivedAt)
	assert.Equal(t, "DC=example,DC=com", events[0].NC)

	assert.True(t, events[1].Deleted)

	assert.Equal(t, KindLink, events[2].Kind)
	assert.Equal(t, group.String(), events[2].Key())
	require.NotNil(t, events[2].Link)
	assert.Equal(t, member, events[2].Link.TargetGUID)
	assert.False(t, events[2].Deleted)
	assert.True(t, events[3].Deleted)
	assert.NotSame(t, events[2].Link, events[3].Link)
}

func TestStripSecrets(t *testing.T) {
	attrs := []drs.Attribute{
		{ID: 1, Values: [][]byte{[]byte("cn")}},
		{ID: drs.AttrUnicodePwd, Values: [][]byte{[]byte("secret")}},
		{ID: drs.AttrSupplementalCredentials, Values: [][]byte{[]byte("secret")}},
	}

	out := stripSecrets(attrs)
	require.Len(t, out, 1)
	assert.Equal(t, uint32(1), out[0].ID)
	assert.Len(t, attrs, 3, "input must not be modified")
	assert.Equal(t, drs.AttrUnicodePwd, attrs[1].ID)
}
