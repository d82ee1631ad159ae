package publisher

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// GlobFilter filters change events using glob patterns
type GlobFilter struct {
	partitionGlobs []glob.Glob
	dnGlobs        []glob.Glob
}

// NewGlobFilter creates a new glob-based filter.
// Empty patterns match everything. DN patterns match case-insensitively.
func NewGlobFilter(partitionPatterns, dnPatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		partitionGlobs: make([]glob.Glob, 0, len(partitionPatterns)),
		dnGlobs:        make([]glob.Glob, 0, len(dnPatterns)),
	}

	for _, pattern := range partitionPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid partition pattern %q: %w", pattern, err)
		}
		filter.partitionGlobs = append(filter.partitionGlobs, g)
	}

	// DN components are separated by commas, so ',' is the glob separator
	for _, pattern := range dnPatterns {
		g, err := glob.Compile(strings.ToLower(pattern), ',')
		if err != nil {
			return nil, fmt.Errorf("invalid DN pattern %q: %w", pattern, err)
		}
		filter.dnGlobs = append(filter.dnGlobs, g)
	}

	return filter, nil
}

// Match returns true if the partition and DN match the configured patterns
func (f *GlobFilter) Match(partition, dn string) bool {
	if !matchAny(f.partitionGlobs, partition) {
		return false
	}
	return matchAny(f.dnGlobs, strings.ToLower(dn))
}

func matchAny(globs []glob.Glob, s string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
