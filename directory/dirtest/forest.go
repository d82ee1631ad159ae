// Package dirtest seeds an in-memory directory with a single-domain forest
package dirtest

import (
	"strings"

	"github.com/google/uuid"

	"github.com/maxpert/dcjoin/directory"
)

// Forest describes the seeded single-domain forest
type Forest struct {
	Dir *directory.Memory

	DomainDNS  string
	DomainDN   string
	ConfigDN   string
	SchemaDN   string
	DomainGUID uuid.UUID
	ConfigGUID uuid.UUID
	SchemaGUID uuid.UUID
	DomainSID  string

	Site           string
	PeerHost       string
	PeerServerDN   string
	PeerSettingsDN string
}

// NewForest seeds domainDNS (e.g. example.com) with one peer controller
// named peerName in site
func NewForest(domainDNS, peerName, site string) *Forest {
	f := &Forest{
		Dir:        directory.NewMemory(),
		DomainDNS:  strings.ToLower(domainDNS),
		DomainGUID: uuid.New(),
		ConfigGUID: uuid.New(),
		SchemaGUID: uuid.New(),
		DomainSID:  "S-1-5-21-1004336348-1177238915-682003330",
		Site:       site,
	}

	var dcs []string
	for _, label := range strings.Split(f.DomainDNS, ".") {
		dcs = append(dcs, "DC="+label)
	}
	f.DomainDN = strings.Join(dcs, ",")
	f.ConfigDN = "CN=Configuration," + f.DomainDN
	f.SchemaDN = "CN=Schema," + f.ConfigDN
	f.PeerHost = strings.ToLower(peerName) + "." + f.DomainDNS
	sitesDN := "CN=Sites," + f.ConfigDN
	siteDN := "CN=" + site + "," + sitesDN
	f.PeerServerDN = "CN=" + peerName + ",CN=Servers," + siteDN
	f.PeerSettingsDN = "CN=NTDS Settings," + f.PeerServerDN

	d := f.Dir
	d.Seed("", map[string][]string{
		"dnsHostName":                   {f.PeerHost},
		"defaultNamingContext":          {f.DomainDN},
		"rootDomainNamingContext":       {f.DomainDN},
		"configurationNamingContext":    {f.ConfigDN},
		"schemaNamingContext":           {f.SchemaDN},
		"serverName":                    {f.PeerServerDN},
		"dsServiceName":                 {f.PeerSettingsDN},
		"domainFunctionality":           {"7"},
		"forestFunctionality":           {"7"},
		"domainControllerFunctionality": {"7"},
	})

	d.Seed(f.DomainDN, map[string][]string{
		"objectClass":           {"top", "domain", "domainDNS"},
		"objectGUID":            {f.DomainGUID.String()},
		"objectSid":             {f.DomainSID},
		"fSMORoleOwner":         {f.PeerSettingsDN},
		"msDS-Behavior-Version": {"7"},
	})
	d.Seed("CN=Computers,"+f.DomainDN, map[string][]string{"objectClass": {"container"}})
	d.Seed("OU=Domain Controllers,"+f.DomainDN, map[string][]string{"objectClass": {"organizationalUnit"}})
	d.Seed("CN=Infrastructure,"+f.DomainDN, map[string][]string{
		"objectClass":   {"infrastructureUpdate"},
		"fSMORoleOwner": {f.PeerSettingsDN},
	})

	d.Seed(f.ConfigDN, map[string][]string{
		"objectClass": {"configuration"},
		"objectGUID":  {f.ConfigGUID.String()},
	})
	d.Seed(f.SchemaDN, map[string][]string{
		"objectClass":   {"dMD"},
		"objectGUID":    {f.SchemaGUID.String()},
		"fSMORoleOwner": {f.PeerSettingsDN},
	})
	d.Seed("CN=Partitions,"+f.ConfigDN, map[string][]string{
		"objectClass":           {"crossRefContainer"},
		"fSMORoleOwner":         {f.PeerSettingsDN},
		"msDS-Behavior-Version": {"7"},
	})
	d.Seed("CN="+strings.ToUpper(strings.Split(f.DomainDNS, ".")[0])+",CN=Partitions,"+f.ConfigDN, map[string][]string{
		"objectClass": {"crossRef"},
		"nCName":      {f.DomainDN},
		"dnsRoot":     {f.DomainDNS},
		"nETBIOSName": {strings.ToUpper(strings.Split(f.DomainDNS, ".")[0])},
	})

	d.Seed(sitesDN, map[string][]string{"objectClass": {"sitesContainer"}})
	d.Seed(siteDN, map[string][]string{"objectClass": {"site"}})
	d.Seed("CN=Servers,"+siteDN, map[string][]string{"objectClass": {"serversContainer"}})
	d.Seed(f.PeerServerDN, map[string][]string{
		"objectClass": {"server"},
		"dNSHostName": {f.PeerHost},
	})
	d.Seed(f.PeerSettingsDN, map[string][]string{
		"objectClass": {"nTDSDSA"},
		"objectGUID":  {uuid.NewString()},
	})
	return f
}

// AddSite seeds another site with an empty servers container
func (f *Forest) AddSite(name string) {
	siteDN := "CN=" + name + ",CN=Sites," + f.ConfigDN
	f.Dir.Seed(siteDN, map[string][]string{"objectClass": {"site"}})
	f.Dir.Seed("CN=Servers,"+siteDN, map[string][]string{"objectClass": {"serversContainer"}})
}
