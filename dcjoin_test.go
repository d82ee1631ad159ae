package main

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/dcjoin/cfg"
	"github.com/maxpert/dcjoin/discovery"
	"github.com/maxpert/dcjoin/drs"
	"github.com/maxpert/dcjoin/lifecycle"
	"github.com/maxpert/dcjoin/publisher"
	"github.com/maxpert/dcjoin/store"
)

func withConfig(t *testing.T, mutate func(c *cfg.Configuration)) {
	t.Helper()
	original := cfg.Config
	c := *original
	mutate(&c)
	cfg.Config = &c
	t.Cleanup(func() { cfg.Config = original })
}

func TestLDAPURL(t *testing.T) {
	withConfig(t, func(c *cfg.Configuration) { c.Directory.URL = "" })
	assert.Equal(t, "ldap://dc1.example.com:389", ldapURL("dc1.example.com"))
	assert.Equal(t, "ldap://10.0.0.5:389", ldapURL("10.0.0.5:1350"))

	withConfig(t, func(c *cfg.Configuration) { c.Directory.URL = "ldaps://dc1.example.com" })
	assert.Equal(t, "ldaps://dc1.example.com", ldapURL("anything"))
}

func TestNewDiscovererUsesSRVForDomainOnly(t *testing.T) {
	withConfig(t, func(c *cfg.Configuration) {
		c.Peer.Address = ""
		c.Peer.Domain = "example.com"
	})
	_, ok := newDiscoverer().(*discovery.SRV)
	assert.True(t, ok)
	assert.Equal(t, "example.com", peerSettings().Address)

	withConfig(t, func(c *cfg.Configuration) { c.Peer.Address = "dc1.example.com" })
	_, ok = newDiscoverer().(*discovery.RootDSE)
	assert.True(t, ok)
}

func TestBindSettings(t *testing.T) {
	withConfig(t, func(c *cfg.Configuration) {
		c.Replication.OfferedExtensions = []string{"base", "getchgreq_v8", "getchgreply_v6"}
		c.Replication.RequiredExtensions = []string{"base"}
		c.Replication.Compression = "deflate"
	})
	b, err := bindSettings()
	require.NoError(t, err)
	assert.True(t, b.Offered.Has(drs.ExtGetChgReplyV6))
	assert.Equal(t, drs.CompressionDeflate, b.Compression)

	withConfig(t, func(c *cfg.Configuration) { c.Replication.OfferedExtensions = []string{"teleport"} })
	_, err = bindSettings()
	assert.Error(t, err)
}

func TestLocalNode(t *testing.T) {
	id := uuid.New()
	withConfig(t, func(c *cfg.Configuration) {
		c.Local.NetbiosName = "dc2"
		c.Local.InvocationID = id.String()
	})
	local, err := localNode()
	require.NoError(t, err)
	assert.Equal(t, "DC2", local.NetbiosName)
	assert.Equal(t, id, local.InvocationID)
}

func TestReplicationSettingsThrottle(t *testing.T) {
	withConfig(t, func(c *cfg.Configuration) { c.Replication.PagesPerSecond = 0 })
	assert.Nil(t, replicationSettings(nil, true).Limiter)

	withConfig(t, func(c *cfg.Configuration) { c.Replication.PagesPerSecond = 4 })
	s := replicationSettings(nil, false)
	require.NotNil(t, s.Limiter)
	assert.False(t, s.Resume)
	assert.True(t, s.ReadOnly)
}

func TestHooksResetStoreOnFreshJoin(t *testing.T) {
	st, err := store.Open(t.TempDir(), store.Options{})
	require.NoError(t, err)
	defer st.Close()

	state := &lifecycle.JoinState{
		Domain: lifecycle.DomainInfo{DN: "DC=example,DC=com"},
		Forest: lifecycle.ForestInfo{
			ConfigDN: "CN=Configuration,DC=example,DC=com",
			SchemaDN: "CN=Schema,CN=Configuration,DC=example,DC=com",
		},
	}
	nc := state.Domain.NC()
	ctx := context.Background()

	h := hooks(st, nil, false)
	require.NoError(t, h.SinkFor(lifecycle.PartitionDomain, nc).Apply(ctx, &drs.ReplicaBatch{
		Partition: lifecycle.PartitionDomain,
		NC:        nc,
		Objects:   []drs.ReplicatedObject{{DN: "CN=x,DC=example,DC=com", GUID: uuid.New()}},
	}))
	stats, err := st.PartitionStats()
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].Objects)

	require.NotNil(t, h.PrepareLocalStore)
	require.NoError(t, h.PrepareLocalStore(ctx, state))
	stats, err = st.PartitionStats()
	require.NoError(t, err)
	for _, s := range stats {
		assert.Zero(t, s.Objects)
	}

	assert.Nil(t, hooks(st, nil, true).PrepareLocalStore, "a resumed join keeps the store")
}

func TestHooksKeepCursorWhenPublisherRejectsPage(t *testing.T) {
	st, err := store.Open(t.TempDir(), store.Options{})
	require.NoError(t, err)
	defer st.Close()

	reg, err := publisher.NewRegistry(publisher.RegistryConfig{DataDir: t.TempDir()})
	require.NoError(t, err)
	reg.Stop()

	nc := drs.NamingContextID{DN: "DC=example,DC=com"}
	err = hooks(st, reg, true).SinkFor(lifecycle.PartitionDomain, nc).Apply(context.Background(), &drs.ReplicaBatch{
		Partition:    lifecycle.PartitionDomain,
		NC:           nc,
		Objects:      []drs.ReplicatedObject{{DN: "CN=x,DC=example,DC=com", GUID: uuid.New()}},
		NewWatermark: drs.Watermark{HighestUSN: 100},
		MoreData:     true,
	})
	require.ErrorIs(t, err, publisher.ErrLogClosed)

	_, ok, err := st.LoadCursor(nc)
	require.NoError(t, err)
	assert.False(t, ok, "a rejected page must not advance the stored cursor")
}
