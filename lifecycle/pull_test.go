package lifecycle_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/dcjoin/directory"
	"github.com/maxpert/dcjoin/drs"
	"github.com/maxpert/dcjoin/lifecycle"
)

func TestPull_RefreshesEveryPartition(t *testing.T) {
	h, joinRes := joined(t)
	h.resetPages()
	obs := newRecordingObserver()
	p := h.puller()
	p.Observer = obs

	res, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, joinRes.Identity.GUID, res.Identity.GUID)
	assert.Equal(t, []string{"schema", "schema", "schema", "config", "domain", "domain"}, h.appliedPages())
	assert.Equal(t, []string{"schema", "config", "domain"}, obs.drained)
	assert.Equal(t, []string{"Discover", "LocateNode", "Bind", "Partitions", "Done"}, obs.started)
	require.Len(t, res.Partitions, 3)
	assert.Zero(t, h.peer.OpenHandles())
	assert.Empty(t, h.forest.Dir.Writes(), "a pull never writes to the directory")
}

func TestPull_ResumesFromCursors(t *testing.T) {
	h := newHarness(t)
	cursors := &memCursors{}
	j := h.joiner()
	j.Replication.Cursors = cursors
	_, err := j.Run(context.Background())
	require.NoError(t, err)
	h.resetPages()

	p := h.puller()
	p.Replication = lifecycle.ReplicationSettings{Cursors: cursors, Resume: true}
	res, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"schema", "config", "domain"}, h.appliedPages())
	for _, r := range res.Partitions {
		assert.True(t, r.Resumed, r.Partition)
	}
}

func TestPull_SelectedPartitions(t *testing.T) {
	h, _ := joined(t)
	h.resetPages()
	p := h.puller()
	p.Partitions = []string{lifecycle.PartitionDomain}

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"domain", "domain"}, h.appliedPages())
	require.Len(t, res.Partitions, 1)
	assert.Equal(t, lifecycle.PartitionDomain, res.Partitions[0].Partition)
}

func TestPull_UnknownPartition(t *testing.T) {
	h := newHarness(t)
	p := h.puller()
	p.Partitions = []string{"users"}

	_, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, h.dialed)
}

func TestPull_RequiresJoinedNode(t *testing.T) {
	h := newHarness(t)

	_, err := h.puller().Run(context.Background())
	requirePhase(t, err, lifecycle.PullLocateNode)
	assert.ErrorIs(t, err, directory.ErrNoSuchObject)
	assert.Zero(t, h.peer.CallCount(drs.OpGetNCChanges))
}
