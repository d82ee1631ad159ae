package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/dcjoin/directory"
)

// Opener returns a directory connection to the given peer host
type Opener func(ctx context.Context, address string) (directory.Directory, error)

// RootDSE reads identity from the peer's root DSE, the domain head and the
// partitions container.
type RootDSE struct {
	Open Opener

	// SiteOverride forces the local site instead of inheriting the peer's
	SiteOverride string
}

var rootDSEAttributes = []string{
	"dnsHostName", "defaultNamingContext", "rootDomainNamingContext",
	"configurationNamingContext", "serverName",
}

func (r *RootDSE) Discover(ctx context.Context, peerAddress string) (*PeerInfo, error) {
	if peerAddress == "" {
		return nil, fmt.Errorf("%w: empty peer address", ErrNotFound)
	}

	dir, err := r.Open(ctx, peerAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, peerAddress, err)
	}
	defer dir.Close()

	return ReadRootDSE(ctx, dir, peerAddress, r.SiteOverride)
}

// ReadRootDSE fills PeerInfo from an open directory connection
func ReadRootDSE(ctx context.Context, dir directory.Directory, address, siteOverride string) (*PeerInfo, error) {
	entries, err := dir.Search(ctx, directory.SearchRequest{
		Scope:      directory.ScopeBase,
		Attributes: rootDSEAttributes,
	})
	if err != nil {
		return nil, fmt.Errorf("read root DSE of %s: %w", address, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s has no root DSE", ErrNotFound, address)
	}
	root := entries[0]

	domainDN := root.Get("defaultNamingContext")
	if domainDN == "" {
		return nil, fmt.Errorf("%w: %s reports no default naming context", ErrNotFound, address)
	}

	info := &PeerInfo{
		Address:       address,
		DomainDNSName: DNSNameFromDN(domainDN),
		ForestDNSName: DNSNameFromDN(root.Get("rootDomainNamingContext")),
		PeerDNSName:   strings.ToLower(root.Get("dnsHostName")),
		PeerSiteName:  SiteFromServerDN(root.Get("serverName")),
	}
	if info.ForestDNSName == "" {
		info.ForestDNSName = info.DomainDNSName
	}
	host, _, _ := strings.Cut(info.PeerDNSName, ".")
	info.PeerNetbiosName = strings.ToUpper(host)

	info.MySiteName = info.PeerSiteName
	if siteOverride != "" {
		info.MySiteName = siteOverride
	}

	head, err := dir.Search(ctx, directory.SearchRequest{
		BaseDN:     domainDN,
		Scope:      directory.ScopeBase,
		Attributes: []string{"objectGUID"},
	})
	if err != nil {
		return nil, fmt.Errorf("read domain head %s: %w", domainDN, err)
	}
	if len(head) > 0 {
		if raw := head[0].Get("objectGUID"); raw != "" {
			id, err := ParseObjectGUID(raw)
			if err != nil {
				return nil, err
			}
			info.DomainGUID = id
		}
	}

	if configDN := root.Get("configurationNamingContext"); configDN != "" {
		refs, err := dir.Search(ctx, directory.SearchRequest{
			BaseDN:     "CN=Partitions," + configDN,
			Scope:      directory.ScopeOneLevel,
			Filter:     fmt.Sprintf("(&(objectClass=crossRef)(nCName=%s))", domainDN),
			Attributes: []string{"nETBIOSName"},
		})
		if err != nil {
			return nil, fmt.Errorf("read cross reference of %s: %w", domainDN, err)
		}
		if len(refs) > 0 {
			info.DomainNetbiosName = strings.ToUpper(refs[0].Get("nETBIOSName"))
		}
	}

	log.Debug().
		Str("peer", info.PeerDNSName).
		Str("domain", info.DomainDNSName).
		Str("forest", info.ForestDNSName).
		Str("site", info.PeerSiteName).
		Msg("Discovered peer")
	return info, nil
}

// ParseObjectGUID decodes a GUID attribute, either the 16-byte wire form
// (little-endian leading fields) or its string form.
func ParseObjectGUID(raw string) (uuid.UUID, error) {
	if len(raw) == 16 {
		b := []byte(raw)
		var id uuid.UUID
		id[0], id[1], id[2], id[3] = b[3], b[2], b[1], b[0]
		id[4], id[5] = b[5], b[4]
		id[6], id[7] = b[7], b[6]
		copy(id[8:], b[8:])
		return id, nil
	}
	id, err := uuid.Parse(strings.Trim(raw, "{}"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid objectGUID: %w", err)
	}
	return id, nil
}

// ObjectGUIDBytes encodes a GUID in the 16-byte wire form
func ObjectGUIDBytes(id uuid.UUID) string {
	b := make([]byte, 16)
	b[0], b[1], b[2], b[3] = id[3], id[2], id[1], id[0]
	b[4], b[5] = id[5], id[4]
	b[6], b[7] = id[7], id[6]
	copy(b[8:], id[8:])
	return string(b)
}
