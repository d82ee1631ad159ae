package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/dcjoin/directory"
	"github.com/maxpert/dcjoin/directory/dirtest"
	"github.com/maxpert/dcjoin/drs"
)

func TestStagerEnsureWritesOnlyDifferences(t *testing.T) {
	f := dirtest.NewForest("example.com", "DC1", "Default-First-Site-Name")
	dn := "CN=DC2,CN=Computers," + f.DomainDN
	f.Dir.Seed(dn, map[string][]string{
		"dNSHostName":     {"DC2.example.com"},
		"serverReference": {"cn=x, dc=example, dc=com"},
	})
	s := stager{dir: f.Dir}
	ctx := context.Background()

	e, err := s.lookup(ctx, dn)
	require.NoError(t, err)
	require.NoError(t, s.ensure(ctx, e, map[string]string{
		"dNSHostName":     "dc2.example.com",
		"serverReference": "CN=x,DC=example,DC=com",
	}))
	assert.Empty(t, f.Dir.Writes(), "case and spacing differences are not changes")

	require.NoError(t, s.ensure(ctx, e, map[string]string{"userAccountControl": "4096"}))
	require.Len(t, f.Dir.Writes(), 1)
	got, _ := f.Dir.Lookup(dn)
	assert.Equal(t, "4096", got.Get("userAccountControl"))
}

func TestStagerMove(t *testing.T) {
	f := dirtest.NewForest("example.com", "DC1", "Default-First-Site-Name")
	dn := "CN=DC2,CN=Computers," + f.DomainDN
	f.Dir.Seed(dn, map[string][]string{"sAMAccountName": {"DC2$"}})
	s := stager{dir: f.Dir}
	ctx := context.Background()

	e, err := s.lookup(ctx, dn)
	require.NoError(t, err)
	moved, err := s.move(ctx, e, "OU=Domain Controllers,"+f.DomainDN)
	require.NoError(t, err)
	assert.Equal(t, "CN=DC2,OU=Domain Controllers,"+f.DomainDN, moved)

	e, err = s.lookup(ctx, moved)
	require.NoError(t, err)
	f.Dir.ResetWrites()
	again, err := s.move(ctx, e, "ou=domain controllers,"+f.DomainDN)
	require.NoError(t, err)
	assert.Equal(t, moved, again)
	assert.Empty(t, f.Dir.Writes())
}

func TestStagerFindAccountCollision(t *testing.T) {
	f := dirtest.NewForest("example.com", "DC1", "Default-First-Site-Name")
	f.Dir.Seed("CN=DC2,CN=Computers,"+f.DomainDN, map[string][]string{"sAMAccountName": {"DC2$"}})
	f.Dir.Seed("CN=DC2,OU=Domain Controllers,"+f.DomainDN, map[string][]string{"sAMAccountName": {"dc2$"}})

	_, err := stager{dir: f.Dir}.findAccount(context.Background(), f.DomainDN, "dc2")
	assert.ErrorIs(t, err, drs.ErrObjectNameCollision)
}

func TestReadTopology(t *testing.T) {
	f := dirtest.NewForest("corp.example.com", "DC1", "HQ")

	domain, forest, err := stager{dir: f.Dir}.readTopology(context.Background())
	require.NoError(t, err)
	assert.Equal(t, f.DomainDN, domain.DN)
	assert.Equal(t, "corp.example.com", domain.DNSName)
	assert.Equal(t, "CORP", domain.NetbiosName)
	assert.Equal(t, f.DomainGUID, domain.GUID)
	assert.Equal(t, f.DomainSID, domain.SID)
	assert.Equal(t, f.PeerSettingsDN, domain.PDCOwner)
	assert.Equal(t, f.PeerSettingsDN, domain.InfrastructureOwner)
	assert.Equal(t, f.SchemaGUID, forest.SchemaGUID)
	assert.Equal(t, f.ConfigGUID, forest.ConfigGUID)
	assert.Equal(t, f.PeerSettingsDN, forest.SchemaOwner)
	assert.Equal(t, f.PeerSettingsDN, forest.NamingOwner)
	assert.Equal(t, 7, domain.FunctionalLevel)
	assert.Equal(t, f.SchemaDN, forest.SchemaNC().DN)
	assert.Equal(t, f.DomainSID, domain.NC().SID)
}

func TestReadTopologyWithoutRootDSE(t *testing.T) {
	_, _, err := stager{dir: directory.NewMemory()}.readTopology(context.Background())
	assert.Error(t, err)
}

func TestCheckFunctionalLevels(t *testing.T) {
	tests := []struct {
		domain, forest int
		ok             bool
	}{
		{7, 7, true},
		{2, 2, true},
		{1, 7, false},
		{7, 8, false},
		{-1, 7, false},
	}
	for _, tt := range tests {
		err := checkFunctionalLevels(DomainInfo{FunctionalLevel: tt.domain}, ForestInfo{FunctionalLevel: tt.forest})
		if tt.ok {
			assert.NoError(t, err)
		} else {
			assert.ErrorIs(t, err, drs.ErrVersionMismatch)
		}
	}
	assert.Equal(t, 5, functionalLevel("", "5"))
	assert.Equal(t, -1, functionalLevel("", "x"))
}
