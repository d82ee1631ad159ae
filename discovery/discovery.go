// Package discovery locates a peer directory server and reports the domain,
// forest and site identity the lifecycle orchestrators start from.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no peer can be located
var ErrNotFound = errors.New("peer not found")

// PeerInfo is what discovery learns about the peer and the local site
type PeerInfo struct {
	Address           string // Host the peer's services answer on
	DomainDNSName     string
	DomainNetbiosName string
	DomainGUID        uuid.UUID
	ForestDNSName     string
	PeerDNSName       string
	PeerNetbiosName   string
	PeerSiteName      string
	MySiteName        string
}

// RPCTarget returns the peer's replication endpoint on port
func (p *PeerInfo) RPCTarget(port int) string {
	host := p.Address
	if host == "" {
		host = p.PeerDNSName
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Discoverer resolves a peer address (or domain) into PeerInfo
type Discoverer interface {
	Discover(ctx context.Context, peerAddress string) (*PeerInfo, error)
}

// DiscovererFunc adapts a function to Discoverer
type DiscovererFunc func(ctx context.Context, peerAddress string) (*PeerInfo, error)

func (f DiscovererFunc) Discover(ctx context.Context, peerAddress string) (*PeerInfo, error) {
	return f(ctx, peerAddress)
}

// Static returns fixed information, for tests and for fully configured deployments
type Static struct {
	Info PeerInfo
}

func (s *Static) Discover(ctx context.Context, peerAddress string) (*PeerInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info := s.Info
	if peerAddress != "" {
		info.Address = peerAddress
	}
	if info.Address == "" && info.PeerDNSName == "" {
		return nil, fmt.Errorf("%w: no address configured", ErrNotFound)
	}
	return &info, nil
}

// DNSNameFromDN turns DC components into a DNS name: DC=corp,DC=example,DC=com
// becomes corp.example.com.
func DNSNameFromDN(dn string) string {
	var labels []string
	for _, part := range strings.Split(dn, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(k, "DC") {
			labels = append(labels, v)
		}
	}
	return strings.ToLower(strings.Join(labels, "."))
}

// DNFromDNSName is the inverse of DNSNameFromDN
func DNFromDNSName(name string) string {
	labels := strings.Split(strings.Trim(name, "."), ".")
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		if l != "" {
			parts = append(parts, "DC="+l)
		}
	}
	return strings.Join(parts, ",")
}

// SiteFromServerDN extracts the site from a server object DN
// (CN=DC1,CN=Servers,CN=<site>,CN=Sites,CN=Configuration,...).
func SiteFromServerDN(dn string) string {
	parts := strings.Split(dn, ",")
	for i := 0; i+2 < len(parts); i++ {
		if strings.EqualFold(strings.TrimSpace(parts[i]), "CN=Servers") &&
			strings.EqualFold(strings.TrimSpace(parts[i+2]), "CN=Sites") {
			_, site, _ := strings.Cut(strings.TrimSpace(parts[i+1]), "=")
			return site
		}
	}
	return ""
}
