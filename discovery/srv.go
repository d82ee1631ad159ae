package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// Resolver is the SRV lookup surface of *net.Resolver
type Resolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

// SRV locates a domain controller of a domain through
// _ldap._tcp.dc._msdcs.<domain> and hands the chosen host to Next.
type SRV struct {
	Resolver Resolver
	Next     Discoverer
}

// NewSRV uses the system resolver
func NewSRV(next Discoverer) *SRV {
	return &SRV{Resolver: net.DefaultResolver, Next: next}
}

// Discover treats peerAddress as a domain name
func (s *SRV) Discover(ctx context.Context, peerAddress string) (*PeerInfo, error) {
	domain := strings.Trim(peerAddress, ".")
	if domain == "" {
		return nil, fmt.Errorf("%w: empty domain", ErrNotFound)
	}

	_, records, err := s.Resolver.LookupSRV(ctx, "ldap", "tcp", "dc._msdcs."+domain)
	if err != nil {
		return nil, fmt.Errorf("%w: SRV lookup for %s: %w", ErrNotFound, domain, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no domain controllers advertised for %s", ErrNotFound, domain)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})

	var lastErr error
	for _, rec := range records {
		host := strings.TrimSuffix(rec.Target, ".")
		info, err := s.Next.Discover(ctx, host)
		if err == nil {
			return info, nil
		}
		log.Debug().Err(err).Str("host", host).Str("domain", domain).Msg("Advertised domain controller did not answer")
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: no advertised controller of %s answered: %w", ErrNotFound, domain, lastErr)
}
