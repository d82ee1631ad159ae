package directory

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// matcher evaluates the subset of search filters the in-memory directory
// understands: and, or, not, presence, equality and substring.
type matcher func(e *Entry) bool

func compileFilter(filter string) (matcher, error) {
	if _, err := ldap.CompileFilter(filter); err != nil {
		return nil, err
	}
	m, rest, err := parseFilter(filter)
	if err != nil {
		return nil, err
	}
	if rest != "" {
		return nil, fmt.Errorf("trailing data in filter %q", filter)
	}
	return m, nil
}

func parseFilter(s string) (matcher, string, error) {
	if !strings.HasPrefix(s, "(") {
		return nil, s, fmt.Errorf("filter must start with '(': %q", s)
	}
	s = s[1:]
	if s == "" {
		return nil, s, fmt.Errorf("unterminated filter")
	}

	switch s[0] {
	case '&', '|':
		op := s[0]
		s = s[1:]
		var parts []matcher
		for strings.HasPrefix(s, "(") {
			m, rest, err := parseFilter(s)
			if err != nil {
				return nil, rest, err
			}
			parts = append(parts, m)
			s = rest
		}
		if !strings.HasPrefix(s, ")") {
			return nil, s, fmt.Errorf("unterminated filter set")
		}
		if op == '&' {
			return func(e *Entry) bool {
				for _, p := range parts {
					if !p(e) {
						return false
					}
				}
				return true
			}, s[1:], nil
		}
		return func(e *Entry) bool {
			for _, p := range parts {
				if p(e) {
					return true
				}
			}
			return false
		}, s[1:], nil
	case '!':
		inner, rest, err := parseFilter(s[1:])
		if err != nil {
			return nil, rest, err
		}
		if !strings.HasPrefix(rest, ")") {
			return nil, rest, fmt.Errorf("unterminated not filter")
		}
		return func(e *Entry) bool { return !inner(e) }, rest[1:], nil
	}

	end := strings.IndexByte(s, ')')
	if end < 0 {
		return nil, s, fmt.Errorf("unterminated item filter")
	}
	item, rest := s[:end], s[end+1:]
	attr, value, ok := strings.Cut(item, "=")
	if !ok {
		return nil, rest, fmt.Errorf("unsupported filter item %q", item)
	}
	if strings.HasSuffix(attr, ">") || strings.HasSuffix(attr, "<") || strings.HasSuffix(attr, "~") || strings.Contains(attr, ":") {
		return nil, rest, fmt.Errorf("unsupported filter operator in %q", item)
	}

	if value == "*" {
		return func(e *Entry) bool {
			if strings.EqualFold(attr, "objectClass") {
				return true
			}
			return len(e.Values(attr)) > 0
		}, rest, nil
	}
	if strings.Contains(value, "*") {
		pieces := strings.Split(strings.ToLower(value), "*")
		return func(e *Entry) bool {
			for _, v := range e.Values(attr) {
				if substringMatch(strings.ToLower(v), pieces) {
					return true
				}
			}
			return false
		}, rest, nil
	}
	return func(e *Entry) bool { return e.Has(attr, value) }, rest, nil
}

func substringMatch(v string, pieces []string) bool {
	if !strings.HasPrefix(v, pieces[0]) {
		return false
	}
	v = v[len(pieces[0]):]
	last := pieces[len(pieces)-1]
	for _, p := range pieces[1 : len(pieces)-1] {
		i := strings.Index(v, p)
		if i < 0 {
			return false
		}
		v = v[i+len(p):]
	}
	return strings.HasSuffix(v, last)
}
