package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-ldap/ldap/v3"
)

// Write is one mutation recorded by Memory
type Write struct {
	Op string // add, modify, rename, delete
	DN string
}

// Memory is an in-process directory. Every successful write is recorded so
// tests can assert on what a staging step changed.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	writes  []Write
	failOn  map[string]uint16
}

// NewMemory returns an empty in-memory directory
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*Entry),
		failOn:  make(map[string]uint16),
	}
}

// Seed stores an entry without recording a write
func (m *Memory) Seed(dn string, attrs map[string][]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[normalizeDN(dn)] = NewEntry(dn, attrs)
}

// FailOn makes every write to dn fail with the given result code
func (m *Memory) FailOn(dn string, code uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOn[normalizeDN(dn)] = code
}

// Writes returns the recorded writes in order
func (m *Memory) Writes() []Write {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Write(nil), m.writes...)
}

// ResetWrites forgets the recorded writes
func (m *Memory) ResetWrites() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = nil
}

// Lookup returns a copy of the entry at dn
func (m *Memory) Lookup(dn string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[normalizeDN(dn)]
	if !ok {
		return nil, false
	}
	return e.clone(nil), true
}

func (m *Memory) Search(ctx context.Context, req SearchRequest) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	match, err := compileFilter(req.filter())
	if err != nil {
		return nil, resultError("search", req.BaseDN, ldap.LDAPResultFilterError, err.Error())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	base := normalizeDN(req.BaseDN)
	if _, ok := m.entries[base]; !ok && base != "" {
		return nil, nil
	}

	var out []*Entry
	for key, e := range m.entries {
		if !inScope(key, base, req.Scope) || !match(e) {
			continue
		}
		out = append(out, e.clone(req.Attributes))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DN < out[j].DN })
	return out, nil
}

func inScope(key, base string, scope Scope) bool {
	switch scope {
	case ScopeBase:
		return key == base
	case ScopeOneLevel:
		return key != base && parentKey(key) == base
	default:
		if base == "" {
			return key != ""
		}
		return key == base || strings.HasSuffix(key, ","+base)
	}
}

func parentKey(key string) string {
	return normalizeDN(ParentDN(key))
}

func (m *Memory) Add(ctx context.Context, dn string, attrs map[string][]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := normalizeDN(dn)
	if err := m.injected("add", dn, key); err != nil {
		return err
	}
	if _, ok := m.entries[key]; ok {
		return resultError("add", dn, ldap.LDAPResultEntryAlreadyExists, "")
	}
	if parent := parentKey(key); parent != "" {
		if _, ok := m.entries[parent]; !ok {
			return resultError("add", dn, ldap.LDAPResultNoSuchObject, "parent does not exist")
		}
	}

	m.entries[key] = NewEntry(dn, attrs)
	m.writes = append(m.writes, Write{Op: "add", DN: dn})
	return nil
}

func (m *Memory) Modify(ctx context.Context, dn string, changes []Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := normalizeDN(dn)
	if err := m.injected("modify", dn, key); err != nil {
		return err
	}
	e, ok := m.entries[key]
	if !ok {
		return resultError("modify", dn, ldap.LDAPResultNoSuchObject, "")
	}

	next := e.clone(nil)
	for _, c := range changes {
		name := strings.ToLower(c.Attribute)
		switch c.Op {
		case ChangeAdd:
			for _, v := range c.Values {
				if next.Has(name, v) {
					return resultError("modify", dn, ldap.LDAPResultAttributeOrValueExists, c.Attribute)
				}
				next.Attributes[name] = append(next.Attributes[name], v)
			}
		case ChangeReplace:
			if len(c.Values) == 0 {
				delete(next.Attributes, name)
			} else {
				next.Attributes[name] = append([]string(nil), c.Values...)
			}
		case ChangeDelete:
			if len(c.Values) == 0 {
				if _, ok := next.Attributes[name]; !ok {
					return resultError("modify", dn, ldap.LDAPResultNoSuchAttribute, c.Attribute)
				}
				delete(next.Attributes, name)
				continue
			}
			for _, v := range c.Values {
				if !next.Has(name, v) {
					return resultError("modify", dn, ldap.LDAPResultNoSuchAttribute, c.Attribute)
				}
				kept := next.Attributes[name][:0]
				for _, existing := range next.Attributes[name] {
					if !strings.EqualFold(existing, v) {
						kept = append(kept, existing)
					}
				}
				next.Attributes[name] = kept
			}
		default:
			return fmt.Errorf("unknown change op %s", c.Op)
		}
	}

	m.entries[key] = next
	m.writes = append(m.writes, Write{Op: "modify", DN: dn})
	return nil
}

func (m *Memory) Rename(ctx context.Context, dn, newRDN, newParent string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := normalizeDN(dn)
	if err := m.injected("rename", dn, key); err != nil {
		return err
	}
	e, ok := m.entries[key]
	if !ok {
		return resultError("rename", dn, ldap.LDAPResultNoSuchObject, "")
	}
	if newParent == "" {
		newParent = ParentDN(dn)
	}
	if _, ok := m.entries[normalizeDN(newParent)]; !ok {
		return resultError("rename", dn, ldap.LDAPResultNoSuchObject, "new parent does not exist")
	}
	for other := range m.entries {
		if strings.HasSuffix(other, ","+key) {
			return resultError("rename", dn, ldap.LDAPResultNotAllowedOnNonLeaf, "")
		}
	}

	newDN := newRDN + "," + newParent
	newKey := normalizeDN(newDN)
	if _, ok := m.entries[newKey]; ok && newKey != key {
		return resultError("rename", dn, ldap.LDAPResultEntryAlreadyExists, newDN)
	}

	delete(m.entries, key)
	moved := e.clone(nil)
	moved.DN = newDN
	m.entries[newKey] = moved
	m.writes = append(m.writes, Write{Op: "rename", DN: dn})
	return nil
}

func (m *Memory) Delete(ctx context.Context, dn string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := normalizeDN(dn)
	if err := m.injected("delete", dn, key); err != nil {
		return err
	}
	if _, ok := m.entries[key]; !ok {
		return resultError("delete", dn, ldap.LDAPResultNoSuchObject, "")
	}
	for other := range m.entries {
		if strings.HasSuffix(other, ","+key) {
			return resultError("delete", dn, ldap.LDAPResultNotAllowedOnNonLeaf, "")
		}
	}
	delete(m.entries, key)
	m.writes = append(m.writes, Write{Op: "delete", DN: dn})
	return nil
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) injected(op, dn, key string) error {
	if code, ok := m.failOn[key]; ok {
		return resultError(op, dn, code, "injected")
	}
	return nil
}

var _ Directory = (*Memory)(nil)
