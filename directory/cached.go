package directory

import (
	"context"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cached memoizes searches of a Directory. Infrastructure lookups (root DSE,
// sites, role owners) repeat across phases and never change during a run.
// Any write through the cache drops every memoized result.
type Cached struct {
	next  Directory
	cache *lru.Cache[string, []*Entry]
}

// NewCached wraps next with an LRU of size searches
func NewCached(next Directory, size int) (*Cached, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, []*Entry](size)
	if err != nil {
		return nil, err
	}
	return &Cached{next: next, cache: cache}, nil
}

func searchKey(req SearchRequest) string {
	var b strings.Builder
	b.WriteString(normalizeDN(req.BaseDN))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(int(req.Scope)))
	b.WriteByte('|')
	b.WriteString(req.filter())
	for _, a := range req.Attributes {
		b.WriteByte('|')
		b.WriteString(strings.ToLower(a))
	}
	return b.String()
}

func (c *Cached) Search(ctx context.Context, req SearchRequest) ([]*Entry, error) {
	key := searchKey(req)
	if entries, ok := c.cache.Get(key); ok {
		return cloneEntries(entries), nil
	}
	entries, err := c.next.Search(ctx, req)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, cloneEntries(entries))
	return entries, nil
}

func (c *Cached) Add(ctx context.Context, dn string, attrs map[string][]string) error {
	c.cache.Purge()
	return c.next.Add(ctx, dn, attrs)
}

func (c *Cached) Modify(ctx context.Context, dn string, changes []Change) error {
	c.cache.Purge()
	return c.next.Modify(ctx, dn, changes)
}

func (c *Cached) Rename(ctx context.Context, dn, newRDN, newParent string) error {
	c.cache.Purge()
	return c.next.Rename(ctx, dn, newRDN, newParent)
}

func (c *Cached) Delete(ctx context.Context, dn string) error {
	c.cache.Purge()
	return c.next.Delete(ctx, dn)
}

// Len returns the number of memoized searches
func (c *Cached) Len() int {
	return c.cache.Len()
}

func (c *Cached) Close() error {
	c.cache.Purge()
	return c.next.Close()
}

func cloneEntries(entries []*Entry) []*Entry {
	if entries == nil {
		return nil
	}
	out := make([]*Entry, len(entries))
	for i, e := range entries {
		out[i] = e.clone(nil)
	}
	return out
}

var _ Directory = (*Cached)(nil)
