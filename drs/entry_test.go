package drs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/dcjoin/drs"
	"github.com/maxpert/dcjoin/drs/drstest"
)

var settingsObject = drs.AddEntryObject{
	DN: "CN=NTDS Settings,CN=DC2,CN=Servers,CN=Default-First-Site-Name,CN=Sites,CN=Configuration,DC=example,DC=com",
	Attributes: []drs.Attribute{
		{ID: 0, Values: [][]byte{[]byte("nTDSDSA")}},
	},
}

func TestAddEntry_ReplyLevels(t *testing.T) {
	tests := []struct {
		name    string
		offered drs.CapabilitySet
	}{
		{"level 3 reply", drs.DefaultCapabilities},
		{"level 2 reply", drs.DefaultCapabilities &^ drs.ExtAddEntryReplyV3},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			peer := drstest.NewPeer()
			conn := bindPeer(t, peer, tc.offered)

			ids, err := drs.AddEntry(context.Background(), conn, []drs.AddEntryObject{settingsObject})
			require.NoError(t, err)
			require.Len(t, ids, 1)
			assert.Equal(t, settingsObject.DN, ids[0].DN)
			assert.NotEqual(t, [16]byte{}, [16]byte(ids[0].GUID))
			assert.Len(t, peer.Created(), 1)
		})
	}
}

func TestAddEntry_ClassifiesStructuredErrors(t *testing.T) {
	kinds := []drs.ErrorKind{
		drs.KindAttribute, drs.KindNameResolution, drs.KindReferral,
		drs.KindSecurity, drs.KindService, drs.KindUpdate, drs.KindSystem,
	}

	for _, v3 := range []bool{true, false} {
		for _, kind := range kinds {
			t.Run(kind.String(), func(t *testing.T) {
				peer := drstest.NewPeer()
				peer.AddEntryError = &drs.AddEntryErrorInfo{
					Status:  uint32(drs.StatusAccessDenied),
					DirErr:  kind,
					Problem: 7,
				}
				offered := drs.DefaultCapabilities
				if !v3 {
					offered &^= drs.ExtAddEntryReplyV3
				}
				conn := bindPeer(t, peer, offered)

				_, err := drs.AddEntry(context.Background(), conn, []drs.AddEntryObject{settingsObject})
				var werr *drs.StructuredWriteError
				require.ErrorAs(t, err, &werr)
				assert.Equal(t, kind, werr.Kind)
				assert.Equal(t, drs.StatusAccessDenied, werr.Status)
				assert.Equal(t, uint32(7), werr.Problem)
				assert.ErrorIs(t, err, drs.ErrProtocolRejected)
				assert.Equal(t, 1, peer.CallCount(drs.OpAddEntry), "structured failures are not retried")
			})
		}
	}
}

func TestAddEntry_NameCollision(t *testing.T) {
	peer := drstest.NewPeer()
	conn := bindPeer(t, peer, drs.DefaultCapabilities)

	_, err := drs.AddEntry(context.Background(), conn, []drs.AddEntryObject{settingsObject})
	require.NoError(t, err)

	_, err = drs.AddEntry(context.Background(), conn, []drs.AddEntryObject{settingsObject})
	assert.ErrorIs(t, err, drs.ErrObjectNameCollision)
}

func TestRemoveDSServer(t *testing.T) {
	peer := drstest.NewPeer()
	conn := bindPeer(t, peer, drs.DefaultCapabilities)
	serverDN := "CN=DC2,CN=Servers,CN=Default-First-Site-Name,CN=Sites,CN=Configuration,DC=example,DC=com"

	_, err := drs.RemoveDSServer(context.Background(), conn, serverDN, "DC=example,DC=com", false)
	require.NoError(t, err)
	assert.Empty(t, peer.Removed())

	last, err := drs.RemoveDSServer(context.Background(), conn, serverDN, "DC=example,DC=com", true)
	require.NoError(t, err)
	assert.False(t, last)
	assert.Equal(t, []string{serverDN}, peer.Removed())
}
