package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/dcjoin/drs"
)

func seeded() *Memory {
	m := NewMemory()
	m.Seed("DC=example,DC=com", map[string][]string{"objectClass": {"domain"}})
	m.Seed("CN=Computers,DC=example,DC=com", map[string][]string{"objectClass": {"container"}})
	m.Seed("OU=Domain Controllers,DC=example,DC=com", map[string][]string{"objectClass": {"organizationalUnit"}})
	m.Seed("CN=DC2,CN=Computers,DC=example,DC=com", map[string][]string{
		"objectClass":        {"top", "computer"},
		"sAMAccountName":     {"DC2$"},
		"userAccountControl": {"4096"},
	})
	m.Seed("CN=WS1,CN=Computers,DC=example,DC=com", map[string][]string{
		"objectClass":    {"top", "computer"},
		"sAMAccountName": {"WS1$"},
	})
	return m
}

func TestMapResultCode(t *testing.T) {
	tests := []struct {
		code uint16
		want error
		kind drs.ErrorKind
	}{
		{ldap.LDAPResultNoSuchObject, ErrNoSuchObject, drs.KindNone},
		{ldap.LDAPResultEntryAlreadyExists, drs.ErrObjectNameCollision, drs.KindNone},
		{ldap.LDAPResultUnavailable, drs.ErrPeerUnreachable, drs.KindNone},
		{ldap.ErrorNetwork, drs.ErrPeerUnreachable, drs.KindNone},
		{ldap.LDAPResultInsufficientAccessRights, drs.ErrProtocolRejected, drs.KindSecurity},
		{ldap.LDAPResultReferral, drs.ErrProtocolRejected, drs.KindReferral},
		{ldap.LDAPResultConstraintViolation, drs.ErrProtocolRejected, drs.KindAttribute},
		{ldap.LDAPResultInvalidDNSyntax, drs.ErrProtocolRejected, drs.KindNameResolution},
		{ldap.LDAPResultUnwillingToPerform, drs.ErrProtocolRejected, drs.KindService},
		{ldap.LDAPResultObjectClassViolation, drs.ErrProtocolRejected, drs.KindUpdate},
		{ldap.LDAPResultOther, drs.ErrProtocolRejected, drs.KindSystem},
	}

	for _, tc := range tests {
		t.Run(ldap.LDAPResultCodeMap[tc.code], func(t *testing.T) {
			err := MapResultCode(tc.code)
			require.ErrorIs(t, err, tc.want)

			var swe *drs.StructuredWriteError
			if tc.kind == drs.KindNone {
				assert.False(t, errors.As(err, &swe))
				return
			}
			require.ErrorAs(t, err, &swe)
			assert.Equal(t, tc.kind, swe.Kind)
		})
	}

	assert.NoError(t, MapResultCode(ldap.LDAPResultSuccess))
}

func TestMemory_SearchScopes(t *testing.T) {
	m := seeded()
	ctx := context.Background()

	base, err := m.Search(ctx, SearchRequest{BaseDN: "cn=computers,dc=EXAMPLE,dc=com", Scope: ScopeBase})
	require.NoError(t, err)
	require.Len(t, base, 1)
	assert.Equal(t, "CN=Computers,DC=example,DC=com", base[0].DN)

	one, err := m.Search(ctx, SearchRequest{BaseDN: "DC=example,DC=com", Scope: ScopeOneLevel})
	require.NoError(t, err)
	assert.Len(t, one, 2)

	sub, err := m.Search(ctx, SearchRequest{
		BaseDN:     "DC=example,DC=com",
		Scope:      ScopeSubtree,
		Filter:     "(&(objectClass=computer)(sAMAccountName=dc2$))",
		Attributes: []string{"userAccountControl"},
	})
	require.NoError(t, err)
	require.Len(t, sub, 1)
	assert.Equal(t, "4096", sub[0].Get("userAccountControl"))
	assert.Empty(t, sub[0].Get("sAMAccountName"))

	missing, err := m.Search(ctx, SearchRequest{BaseDN: "OU=Gone,DC=example,DC=com", Scope: ScopeSubtree})
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestMemory_Filters(t *testing.T) {
	m := seeded()
	ctx := context.Background()

	tests := []struct {
		filter string
		want   int
	}{
		{"(sAMAccountName=*)", 2},
		{"(sAMAccountName=DC*)", 1},
		{"(sAMAccountName=*1$)", 1},
		{"(|(sAMAccountName=DC2$)(sAMAccountName=WS1$))", 2},
		{"(&(objectClass=computer)(!(userAccountControl=4096)))", 1},
		{"(userAccountControl=8192)", 0},
	}
	for _, tc := range tests {
		t.Run(tc.filter, func(t *testing.T) {
			res, err := m.Search(ctx, SearchRequest{BaseDN: "DC=example,DC=com", Scope: ScopeSubtree, Filter: tc.filter})
			require.NoError(t, err)
			assert.Len(t, res, tc.want)
		})
	}

	_, err := m.Search(ctx, SearchRequest{BaseDN: "DC=example,DC=com", Filter: "(broken"})
	assert.Error(t, err)
}

func TestMemory_WritesAreRecorded(t *testing.T) {
	m := seeded()
	ctx := context.Background()
	dn := "CN=DC3,CN=Computers,DC=example,DC=com"

	require.NoError(t, m.Add(ctx, dn, map[string][]string{"objectClass": {"computer"}}))
	require.ErrorIs(t, m.Add(ctx, dn, nil), drs.ErrObjectNameCollision)

	require.NoError(t, m.Modify(ctx, dn, []Change{
		{Op: ChangeReplace, Attribute: "userAccountControl", Values: []string{"532480"}},
		{Op: ChangeAdd, Attribute: "servicePrincipalName", Values: []string{"ldap/dc3"}},
	}))
	e, ok := m.Lookup(dn)
	require.True(t, ok)
	assert.Equal(t, "532480", e.Get("userAccountControl"))

	err := m.Modify(ctx, dn, []Change{{Op: ChangeAdd, Attribute: "servicePrincipalName", Values: []string{"LDAP/DC3"}}})
	var swe *drs.StructuredWriteError
	require.ErrorAs(t, err, &swe)
	assert.Equal(t, drs.KindAttribute, swe.Kind)

	require.NoError(t, m.Rename(ctx, dn, "CN=DC3", "OU=Domain Controllers,DC=example,DC=com"))
	_, ok = m.Lookup(dn)
	assert.False(t, ok)
	moved, ok := m.Lookup("CN=DC3,OU=Domain Controllers,DC=example,DC=com")
	require.True(t, ok)
	assert.Equal(t, "532480", moved.Get("userAccountControl"))

	require.ErrorIs(t, m.Delete(ctx, "DC=example,DC=com"), drs.ErrProtocolRejected)
	require.NoError(t, m.Delete(ctx, "CN=DC3,OU=Domain Controllers,DC=example,DC=com"))
	require.ErrorIs(t, m.Delete(ctx, "CN=DC3,OU=Domain Controllers,DC=example,DC=com"), ErrNoSuchObject)

	assert.Equal(t, []Write{
		{Op: "add", DN: dn},
		{Op: "modify", DN: dn},
		{Op: "rename", DN: dn},
		{Op: "delete", DN: "CN=DC3,OU=Domain Controllers,DC=example,DC=com"},
	}, m.Writes())
}

func TestMemory_FailOn(t *testing.T) {
	m := seeded()
	dn := "CN=DC2,CN=Computers,DC=example,DC=com"
	m.FailOn(dn, ldap.LDAPResultInsufficientAccessRights)

	err := m.Modify(context.Background(), dn, []Change{{Op: ChangeReplace, Attribute: "description", Values: []string{"x"}}})
	var swe *drs.StructuredWriteError
	require.ErrorAs(t, err, &swe)
	assert.Equal(t, drs.KindSecurity, swe.Kind)

	var re *ResultError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, uint16(ldap.LDAPResultInsufficientAccessRights), re.Code)
	assert.Empty(t, m.Writes())
}

type countingDirectory struct {
	*Memory
	searches int
}

func (c *countingDirectory) Search(ctx context.Context, req SearchRequest) ([]*Entry, error) {
	c.searches++
	return c.Memory.Search(ctx, req)
}

func TestCached_MemoizesUntilWrite(t *testing.T) {
	inner := &countingDirectory{Memory: seeded()}
	c, err := NewCached(inner, 8)
	require.NoError(t, err)
	ctx := context.Background()
	req := SearchRequest{BaseDN: "DC=example,DC=com", Scope: ScopeSubtree, Filter: "(objectClass=computer)"}

	first, err := c.Search(ctx, req)
	require.NoError(t, err)
	first[0].Attributes["mutated"] = []string{"yes"}

	second, err := c.Search(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, inner.searches)
	assert.Len(t, second, 2)
	assert.Empty(t, second[0].Get("mutated"))

	require.NoError(t, c.Add(ctx, "CN=DC4,CN=Computers,DC=example,DC=com", map[string][]string{"objectClass": {"computer"}}))
	assert.Equal(t, 0, c.Len())

	third, err := c.Search(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.searches)
	assert.Len(t, third, 3)
}

func TestDNHelpers(t *testing.T) {
	assert.Equal(t, "CN=Computers,DC=example,DC=com", ParentDN("CN=DC2,CN=Computers,DC=example,DC=com"))
	assert.Equal(t, "CN=DC2", RDN("CN=DC2,CN=Computers,DC=example,DC=com"))
	assert.True(t, EqualDN("cn=dc2, cn=computers,dc=example,dc=com", "CN=DC2,CN=Computers,DC=Example,DC=com"))
	assert.False(t, EqualDN("CN=DC2,CN=Computers,DC=example,DC=com", "CN=DC2,OU=Domain Controllers,DC=example,DC=com"))
	assert.Empty(t, ParentDN("DC=com"))
}
