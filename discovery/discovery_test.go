package discovery

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/dcjoin/directory"
	"github.com/maxpert/dcjoin/directory/dirtest"
)

func openerFor(f *dirtest.Forest, host string) Opener {
	return func(_ context.Context, address string) (directory.Directory, error) {
		if address != host {
			return nil, errors.New("connection refused")
		}
		return f.Dir, nil
	}
}

func TestRootDSE_Discover(t *testing.T) {
	forest := dirtest.NewForest("corp.example.com", "DC1", "Default-First-Site-Name")
	d := &RootDSE{Open: openerFor(forest, forest.PeerHost)}

	info, err := d.Discover(context.Background(), forest.PeerHost)
	require.NoError(t, err)

	assert.Equal(t, "corp.example.com", info.DomainDNSName)
	assert.Equal(t, "corp.example.com", info.ForestDNSName)
	assert.Equal(t, "CORP", info.DomainNetbiosName)
	assert.Equal(t, forest.DomainGUID, info.DomainGUID)
	assert.Equal(t, "dc1.corp.example.com", info.PeerDNSName)
	assert.Equal(t, "DC1", info.PeerNetbiosName)
	assert.Equal(t, "Default-First-Site-Name", info.PeerSiteName)
	assert.Equal(t, "Default-First-Site-Name", info.MySiteName)
	assert.Equal(t, "dc1.corp.example.com:1350", info.RPCTarget(1350))
}

func TestRootDSE_SiteOverride(t *testing.T) {
	forest := dirtest.NewForest("example.com", "DC1", "HQ")
	d := &RootDSE{Open: openerFor(forest, forest.PeerHost), SiteOverride: "Branch"}

	info, err := d.Discover(context.Background(), forest.PeerHost)
	require.NoError(t, err)
	assert.Equal(t, "HQ", info.PeerSiteName)
	assert.Equal(t, "Branch", info.MySiteName)
}

func TestRootDSE_Unreachable(t *testing.T) {
	forest := dirtest.NewForest("example.com", "DC1", "HQ")
	d := &RootDSE{Open: openerFor(forest, forest.PeerHost)}

	_, err := d.Discover(context.Background(), "dc9.example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = d.Discover(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotFound)
}

type fakeResolver struct {
	records []*net.SRV
	err     error
	names   []string
}

func (r *fakeResolver) LookupSRV(_ context.Context, service, proto, name string) (string, []*net.SRV, error) {
	r.names = append(r.names, "_"+service+"._"+proto+"."+name)
	return "", r.records, r.err
}

func TestSRV_PicksByPriorityAndFallsThrough(t *testing.T) {
	forest := dirtest.NewForest("example.com", "DC2", "HQ")
	resolver := &fakeResolver{records: []*net.SRV{
		{Target: "dc3.example.com.", Port: 389, Priority: 10, Weight: 100},
		{Target: "dc1.example.com.", Port: 389, Priority: 0, Weight: 100},
		{Target: "dc2.example.com.", Port: 389, Priority: 5, Weight: 100},
	}}

	var tried []string
	next := DiscovererFunc(func(ctx context.Context, host string) (*PeerInfo, error) {
		tried = append(tried, host)
		return (&RootDSE{Open: openerFor(forest, forest.PeerHost)}).Discover(ctx, host)
	})

	info, err := (&SRV{Resolver: resolver, Next: next}).Discover(context.Background(), "example.com.")
	require.NoError(t, err)
	assert.Equal(t, "dc2.example.com", info.PeerDNSName)
	assert.Equal(t, []string{"dc1.example.com", "dc2.example.com"}, tried)
	assert.Equal(t, []string{"_ldap._tcp.dc._msdcs.example.com"}, resolver.names)
}

func TestSRV_NotFound(t *testing.T) {
	next := DiscovererFunc(func(context.Context, string) (*PeerInfo, error) {
		t.Fatalf("no host should be tried")
		return nil, nil
	})

	_, err := (&SRV{Resolver: &fakeResolver{}, Next: next}).Discover(context.Background(), "example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = (&SRV{Resolver: &fakeResolver{err: errors.New("nxdomain")}, Next: next}).Discover(context.Background(), "example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatic(t *testing.T) {
	s := &Static{Info: PeerInfo{DomainDNSName: "example.com", PeerDNSName: "dc1.example.com"}}

	info, err := s.Discover(context.Background(), "10.0.0.5:1350")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:1350", info.RPCTarget(1350))
	assert.Equal(t, "", s.Info.Address)

	_, err = (&Static{}).Discover(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNameHelpers(t *testing.T) {
	assert.Equal(t, "corp.example.com", DNSNameFromDN("DC=Corp, DC=Example,DC=com"))
	assert.Equal(t, "DC=corp,DC=example,DC=com", DNFromDNSName("corp.example.com."))
	assert.Equal(t, "HQ", SiteFromServerDN("CN=DC1,CN=Servers,CN=HQ,CN=Sites,CN=Configuration,DC=example,DC=com"))
	assert.Empty(t, SiteFromServerDN("CN=DC1,OU=Domain Controllers,DC=example,DC=com"))

	id := uuid.New()
	raw := ObjectGUIDBytes(id)
	require.Len(t, raw, 16)
	parsed, err := ParseObjectGUID(raw)
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	parsed, err = ParseObjectGUID("{" + id.String() + "}")
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}
