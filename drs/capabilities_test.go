package drs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/dcjoin/cfg"
	"github.com/maxpert/dcjoin/drs"
)

func TestParseCapabilities(t *testing.T) {
	set, err := drs.ParseCapabilities([]string{"base", " GETCHGREQ_V8 ", "zstd_compress"})
	require.NoError(t, err)
	assert.Equal(t, drs.ExtBase|drs.ExtGetChgReqV8|drs.ExtZstdCompress, set)
	assert.Equal(t, []string{"base", "getchgreq_v8", "zstd_compress"}, set.Names())
	assert.Equal(t, uint32(drs.ExtBase|drs.ExtGetChgReqV8), set.Low())
	assert.Equal(t, uint32(0x00010000), set.High())

	_, err = drs.ParseCapabilities([]string{"base", "teleport"})
	assert.Error(t, err)
}

func TestParseCapabilities_DefaultConfigNames(t *testing.T) {
	offered, err := drs.ParseCapabilities(cfg.Config.Replication.OfferedExtensions)
	require.NoError(t, err)

	required, err := drs.ParseCapabilities(cfg.Config.Replication.RequiredExtensions)
	require.NoError(t, err)

	assert.True(t, offered.Has(required), "default offer must cover default requirements")
	assert.Equal(t, uint32(8), offered.RequestLevel())
}

func TestCapabilitySet_Missing(t *testing.T) {
	local := drs.ExtBase | drs.ExtGetChgReqV5 | drs.ExtGetChgReqV8
	remote := drs.ExtBase | drs.ExtGetChgReqV5

	negotiated := local.Intersect(remote)
	assert.Equal(t, drs.CapabilitySet(0), negotiated.Missing(drs.ExtBase|drs.ExtGetChgReqV5))
	assert.Equal(t, drs.ExtGetChgReqV8, negotiated.Missing(drs.ExtGetChgReqV8))
	assert.Equal(t, uint32(5), negotiated.RequestLevel())
	assert.Equal(t, 2, negotiated.Count())
}

func TestReplicaFlags_String(t *testing.T) {
	assert.Equal(t, "0", drs.ReplicaFlags(0).String())
	assert.Equal(t, "ADD_REF|DEL_REF", (drs.FlagAddRef | drs.FlagDelRef).String())

	flags := drs.InitialSyncFlags(false)
	assert.True(t, flags.Has(drs.FlagWriteRep))
	assert.False(t, flags.Has(drs.FlagNonGCReadOnlyRep))
	assert.True(t, drs.InitialSyncFlags(true).Has(drs.FlagNonGCReadOnlyRep))
}
