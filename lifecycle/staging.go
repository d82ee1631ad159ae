package lifecycle

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/dcjoin/directory"
	"github.com/maxpert/dcjoin/discovery"
	"github.com/maxpert/dcjoin/drs"
	"github.com/maxpert/dcjoin/telemetry"
)

var rootDSEAttributes = []string{
	"defaultNamingContext", "rootDomainNamingContext", "configurationNamingContext",
	"schemaNamingContext", "domainFunctionality", "forestFunctionality",
}

// dnAttributes are compared as distinguished names
var dnAttributes = map[string]bool{
	"serverreference": true,
}

// stager reads before it writes: every ensure call is a no-op when the
// directory already holds the desired state.
type stager struct {
	dir directory.Directory
}

func (s stager) lookup(ctx context.Context, dn string, attrs ...string) (*directory.Entry, error) {
	entries, err := s.dir.Search(ctx, directory.SearchRequest{
		BaseDN:     dn,
		Scope:      directory.ScopeBase,
		Attributes: attrs,
	})
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", dn, err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

func (s stager) add(ctx context.Context, dn string, attrs map[string][]string) error {
	if err := s.dir.Add(ctx, dn, attrs); err != nil {
		return fmt.Errorf("create %s: %w", dn, err)
	}
	recordWrite("add", dn)
	return nil
}

// ensure replaces every attribute of e whose value differs from want
func (s stager) ensure(ctx context.Context, e *directory.Entry, want map[string]string) error {
	var changes []directory.Change
	for _, attr := range slices.Sorted(maps.Keys(want)) {
		if sameValue(attr, e.Get(attr), want[attr]) {
			continue
		}
		changes = append(changes, directory.Change{
			Op:        directory.ChangeReplace,
			Attribute: attr,
			Values:    []string{want[attr]},
		})
	}
	if len(changes) == 0 {
		return nil
	}
	if err := s.dir.Modify(ctx, e.DN, changes); err != nil {
		return fmt.Errorf("update %s: %w", e.DN, err)
	}
	recordWrite("modify", e.DN)
	return nil
}

// accountControl returns the userAccountControl of e with its trust bits set
// to trust. Bits outside UACTrustMask are kept as they are.
func accountControl(e *directory.Entry, trust int) (string, error) {
	current := 0
	if v := e.Get("userAccountControl"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return "", fmt.Errorf("%s: invalid userAccountControl %q: %w", e.DN, v, err)
		}
		current = n
	}
	return strconv.Itoa(current&^UACTrustMask | trust), nil
}

// move renames e under parent and returns its new DN
func (s stager) move(ctx context.Context, e *directory.Entry, parent string) (string, error) {
	if directory.EqualDN(directory.ParentDN(e.DN), parent) {
		return e.DN, nil
	}
	rdn := directory.RDN(e.DN)
	if err := s.dir.Rename(ctx, e.DN, rdn, parent); err != nil {
		return "", fmt.Errorf("move %s to %s: %w", e.DN, parent, err)
	}
	recordWrite("rename", e.DN)
	return rdn + "," + parent, nil
}

// findAccount locates the computer account by its sAMAccountName
func (s stager) findAccount(ctx context.Context, domainDN, netbiosName string) (*directory.Entry, error) {
	entries, err := s.dir.Search(ctx, directory.SearchRequest{
		BaseDN:     domainDN,
		Scope:      directory.ScopeSubtree,
		Filter:     fmt.Sprintf("(sAMAccountName=%s)", ldap.EscapeFilter(accountName(netbiosName))),
		Attributes: []string{"userAccountControl", "dNSHostName"},
	})
	if err != nil {
		return nil, fmt.Errorf("find account %s: %w", accountName(netbiosName), err)
	}
	switch len(entries) {
	case 0:
		return nil, nil
	case 1:
		return entries[0], nil
	}
	return nil, fmt.Errorf("%w: %d accounts named %s", drs.ErrObjectNameCollision, len(entries), accountName(netbiosName))
}

// findServer locates the server object referring to accountDN
func (s stager) findServer(ctx context.Context, configDN, accountDN string) (*directory.Entry, error) {
	entries, err := s.dir.Search(ctx, directory.SearchRequest{
		BaseDN:     "CN=Sites," + configDN,
		Scope:      directory.ScopeSubtree,
		Filter:     fmt.Sprintf("(&(objectClass=server)(serverReference=%s))", ldap.EscapeFilter(accountDN)),
		Attributes: []string{"serverReference", "dNSHostName"},
	})
	if err != nil {
		return nil, fmt.Errorf("find server for %s: %w", accountDN, err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

// readTopology reads domain and forest identity from the root DSE, the
// partition heads and the role holders
func (s stager) readTopology(ctx context.Context) (DomainInfo, ForestInfo, error) {
	var domain DomainInfo
	var forest ForestInfo

	root, err := s.lookup(ctx, "", rootDSEAttributes...)
	if err != nil {
		return domain, forest, err
	}
	if root == nil {
		return domain, forest, fmt.Errorf("%w: peer has no root DSE", discovery.ErrNotFound)
	}

	domain.DN = root.Get("defaultNamingContext")
	forest.ConfigDN = root.Get("configurationNamingContext")
	forest.SchemaDN = root.Get("schemaNamingContext")
	if domain.DN == "" || forest.ConfigDN == "" || forest.SchemaDN == "" {
		return domain, forest, fmt.Errorf("%w: root DSE lacks naming contexts", discovery.ErrNotFound)
	}
	domain.DNSName = discovery.DNSNameFromDN(domain.DN)
	forest.RootDomainDNS = discovery.DNSNameFromDN(root.Get("rootDomainNamingContext"))
	if forest.RootDomainDNS == "" {
		forest.RootDomainDNS = domain.DNSName
	}

	head, err := s.lookup(ctx, domain.DN, "objectGUID", "objectSid", "fSMORoleOwner", "msDS-Behavior-Version")
	if err != nil {
		return domain, forest, err
	}
	if head == nil {
		return domain, forest, fmt.Errorf("%w: domain head %s", directory.ErrNoSuchObject, domain.DN)
	}
	if domain.GUID, err = entryGUID(head); err != nil {
		return domain, forest, err
	}
	domain.SID = head.Get("objectSid")
	domain.PDCOwner = head.Get("fSMORoleOwner")
	domain.FunctionalLevel = functionalLevel(root.Get("domainFunctionality"), head.Get("msDS-Behavior-Version"))

	config, err := s.lookup(ctx, forest.ConfigDN, "objectGUID")
	if err != nil {
		return domain, forest, err
	}
	if config != nil {
		if forest.ConfigGUID, err = entryGUID(config); err != nil {
			return domain, forest, err
		}
	}

	schema, err := s.lookup(ctx, forest.SchemaDN, "objectGUID", "fSMORoleOwner")
	if err != nil {
		return domain, forest, err
	}
	if schema != nil {
		if forest.SchemaGUID, err = entryGUID(schema); err != nil {
			return domain, forest, err
		}
		forest.SchemaOwner = schema.Get("fSMORoleOwner")
	}

	partitions, err := s.lookup(ctx, "CN=Partitions,"+forest.ConfigDN, "fSMORoleOwner", "msDS-Behavior-Version")
	if err != nil {
		return domain, forest, err
	}
	var forestVersion string
	if partitions != nil {
		forest.NamingOwner = partitions.Get("fSMORoleOwner")
		forestVersion = partitions.Get("msDS-Behavior-Version")
	}
	forest.FunctionalLevel = functionalLevel(root.Get("forestFunctionality"), forestVersion)

	refs, err := s.dir.Search(ctx, directory.SearchRequest{
		BaseDN:     "CN=Partitions," + forest.ConfigDN,
		Scope:      directory.ScopeOneLevel,
		Filter:     fmt.Sprintf("(&(objectClass=crossRef)(nCName=%s))", ldap.EscapeFilter(domain.DN)),
		Attributes: []string{"nETBIOSName"},
	})
	if err != nil {
		return domain, forest, fmt.Errorf("read cross reference of %s: %w", domain.DN, err)
	}
	if len(refs) > 0 {
		domain.NetbiosName = strings.ToUpper(refs[0].Get("nETBIOSName"))
	}

	infra, err := s.lookup(ctx, "CN=Infrastructure,"+domain.DN, "fSMORoleOwner")
	if err != nil {
		return domain, forest, err
	}
	if infra != nil {
		domain.InfrastructureOwner = infra.Get("fSMORoleOwner")
	}

	log.Debug().
		Str("domain", domain.DNSName).
		Str("forest", forest.RootDomainDNS).
		Int("domain_level", domain.FunctionalLevel).
		Int("forest_level", forest.FunctionalLevel).
		Str("pdc", domain.PDCOwner).
		Str("schema_master", forest.SchemaOwner).
		Msg("Read domain topology")
	return domain, forest, nil
}

// checkFunctionalLevels rejects domains and forests this node cannot serve
func checkFunctionalLevels(domain DomainInfo, forest ForestInfo) error {
	for _, l := range []struct {
		name  string
		level int
	}{
		{"domain", domain.FunctionalLevel},
		{"forest", forest.FunctionalLevel},
	} {
		if l.level < MinFunctionalLevel || l.level > MaxFunctionalLevel {
			return fmt.Errorf("%w: %s functional level %d outside %d..%d",
				drs.ErrVersionMismatch, l.name, l.level, MinFunctionalLevel, MaxFunctionalLevel)
		}
	}
	return nil
}

func functionalLevel(values ...string) int {
	for _, v := range values {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return -1
}

func entryGUID(e *directory.Entry) (uuid.UUID, error) {
	raw := e.Get("objectGUID")
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := discovery.ParseObjectGUID(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s: %w", e.DN, err)
	}
	return id, nil
}

func sameValue(attr, have, want string) bool {
	if dnAttributes[strings.ToLower(attr)] {
		return directory.EqualDN(have, want)
	}
	return strings.EqualFold(have, want)
}

func accountName(netbiosName string) string {
	return strings.ToUpper(netbiosName) + "$"
}

func serverDN(netbiosName, site, configDN string) string {
	return fmt.Sprintf("CN=%s,CN=Servers,CN=%s,CN=Sites,%s", strings.ToUpper(netbiosName), site, configDN)
}

func recordWrite(op, dn string) {
	telemetry.DirectoryWritesTotal.With(op).Inc()
	log.Debug().Str("op", op).Str("dn", dn).Msg("Directory write")
}

// locateNode finds the account, server and settings objects of an existing
// replica. The settings GUID stays nil when no settings object exists.
func (s stager) locateNode(ctx context.Context, local LocalNode, domain DomainInfo, forest ForestInfo) (NodeIdentity, error) {
	netbios := strings.ToUpper(local.NetbiosName)
	id := NodeIdentity{
		NetbiosName:  netbios,
		DNSName:      local.DNSName,
		InvocationID: local.InvocationID,
	}

	account, err := s.findAccount(ctx, domain.DN, netbios)
	if err != nil {
		return id, err
	}
	if account == nil {
		return id, fmt.Errorf("%w: computer account %s", directory.ErrNoSuchObject, accountName(netbios))
	}
	id.ComputerDN = account.DN

	server, err := s.findServer(ctx, forest.ConfigDN, account.DN)
	if err != nil {
		return id, err
	}
	if server == nil && local.SiteName != "" {
		if server, err = s.lookup(ctx, serverDN(netbios, local.SiteName, forest.ConfigDN)); err != nil {
			return id, err
		}
	}
	if server == nil {
		return id, fmt.Errorf("%w: no server object refers to %s", directory.ErrNoSuchObject, account.DN)
	}
	id.ServerDN = server.DN
	id.SiteName = discovery.SiteFromServerDN(server.DN)
	id.NTDSSettingsDN = "CN=NTDS Settings," + server.DN

	settings, err := s.lookup(ctx, id.NTDSSettingsDN, "objectGUID")
	if err != nil || settings == nil {
		return id, err
	}
	id.GUID, err = entryGUID(settings)
	return id, err
}
