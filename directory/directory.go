// Package directory is the management connection used to stage objects
// before and after replication: scoped searches and add, modify, rename and
// delete primitives with LDAP result codes mapped onto the drs error taxonomy.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/maxpert/dcjoin/drs"
)

// Scope bounds a search relative to its base
type Scope int

const (
	ScopeBase Scope = iota
	ScopeOneLevel
	ScopeSubtree
)

func (s Scope) String() string {
	switch s {
	case ScopeBase:
		return "base"
	case ScopeOneLevel:
		return "one"
	case ScopeSubtree:
		return "sub"
	}
	return fmt.Sprintf("scope(%d)", int(s))
}

// SearchRequest is one scoped search
type SearchRequest struct {
	BaseDN     string
	Scope      Scope
	Filter     string // Empty means (objectClass=*)
	Attributes []string
}

func (r SearchRequest) filter() string {
	if r.Filter == "" {
		return "(objectClass=*)"
	}
	return r.Filter
}

// ChangeOp is the element semantics of one modification
type ChangeOp int

const (
	ChangeAdd ChangeOp = iota
	ChangeReplace
	ChangeDelete
)

func (o ChangeOp) String() string {
	switch o {
	case ChangeAdd:
		return "add"
	case ChangeReplace:
		return "replace"
	case ChangeDelete:
		return "delete"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Change modifies one attribute. A delete with no values removes the attribute.
type Change struct {
	Op        ChangeOp
	Attribute string
	Values    []string
}

// Entry is one search result. Attribute names are matched case-insensitively.
type Entry struct {
	DN         string
	Attributes map[string][]string
}

// NewEntry builds an entry with normalized attribute names
func NewEntry(dn string, attrs map[string][]string) *Entry {
	e := &Entry{DN: dn, Attributes: make(map[string][]string, len(attrs))}
	for name, values := range attrs {
		key := strings.ToLower(name)
		e.Attributes[key] = append(e.Attributes[key], values...)
	}
	return e
}

// Values returns every value of an attribute
func (e *Entry) Values(name string) []string {
	return e.Attributes[strings.ToLower(name)]
}

// Get returns the first value of an attribute or ""
func (e *Entry) Get(name string) string {
	if v := e.Values(name); len(v) > 0 {
		return v[0]
	}
	return ""
}

// Has reports whether the attribute carries value, ignoring case
func (e *Entry) Has(name, value string) bool {
	for _, v := range e.Values(name) {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}

func (e *Entry) clone(attrs []string) *Entry {
	out := &Entry{DN: e.DN, Attributes: make(map[string][]string)}
	if len(attrs) == 0 || (len(attrs) == 1 && attrs[0] == "*") {
		for k, v := range e.Attributes {
			out.Attributes[k] = append([]string(nil), v...)
		}
		return out
	}
	for _, name := range attrs {
		key := strings.ToLower(name)
		if v, ok := e.Attributes[key]; ok {
			out.Attributes[key] = append([]string(nil), v...)
		}
	}
	return out
}

// Directory is the read/write surface of the management connection.
// A search below a base that does not exist returns no entries and no error.
type Directory interface {
	Search(ctx context.Context, req SearchRequest) ([]*Entry, error)
	Add(ctx context.Context, dn string, attrs map[string][]string) error
	Modify(ctx context.Context, dn string, changes []Change) error
	Rename(ctx context.Context, dn, newRDN, newParent string) error
	Delete(ctx context.Context, dn string) error
	Close() error
}

// ErrNoSuchObject is returned by writes that target a missing object
var ErrNoSuchObject = errors.New("no such directory object")

// ResultError keeps the directory result code behind a mapped error
type ResultError struct {
	Op      string
	DN      string
	Code    uint16
	Message string
	mapped  error
}

func (e *ResultError) Error() string {
	name := ldap.LDAPResultCodeMap[e.Code]
	if name == "" {
		name = fmt.Sprintf("code %d", e.Code)
	}
	if e.Message != "" {
		return fmt.Sprintf("directory %s %q: %s: %s", e.Op, e.DN, name, e.Message)
	}
	return fmt.Sprintf("directory %s %q: %s", e.Op, e.DN, name)
}

func (e *ResultError) Unwrap() error {
	return e.mapped
}

// MapResultCode maps a directory result code into the drs taxonomy.
// Success maps to nil.
func MapResultCode(code uint16) error {
	switch code {
	case ldap.LDAPResultSuccess:
		return nil
	case ldap.LDAPResultNoSuchObject:
		return ErrNoSuchObject
	case ldap.LDAPResultEntryAlreadyExists:
		return drs.ErrObjectNameCollision
	case ldap.LDAPResultUnavailable, ldap.LDAPResultBusy, ldap.ErrorNetwork, ldap.LDAPResultServerDown, ldap.LDAPResultTimeout, ldap.LDAPResultConnectError:
		return drs.ErrPeerUnreachable
	case ldap.LDAPResultInsufficientAccessRights, ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInappropriateAuthentication, ldap.LDAPResultStrongAuthRequired,
		ldap.LDAPResultConfidentialityRequired:
		return &drs.StructuredWriteError{Kind: drs.KindSecurity, Status: drs.StatusAccessDenied, Problem: uint32(code)}
	case ldap.LDAPResultReferral:
		return &drs.StructuredWriteError{Kind: drs.KindReferral, Problem: uint32(code)}
	case ldap.LDAPResultNoSuchAttribute, ldap.LDAPResultUndefinedAttributeType,
		ldap.LDAPResultConstraintViolation, ldap.LDAPResultAttributeOrValueExists,
		ldap.LDAPResultInvalidAttributeSyntax, ldap.LDAPResultInappropriateMatching:
		return &drs.StructuredWriteError{Kind: drs.KindAttribute, Status: drs.StatusInvalidParameter, Problem: uint32(code)}
	case ldap.LDAPResultInvalidDNSyntax, ldap.LDAPResultNamingViolation, ldap.LDAPResultAliasProblem:
		return &drs.StructuredWriteError{Kind: drs.KindNameResolution, Status: drs.StatusBadDN, Problem: uint32(code)}
	case ldap.LDAPResultUnwillingToPerform, ldap.LDAPResultAdminLimitExceeded,
		ldap.LDAPResultUnavailableCriticalExtension, ldap.LDAPResultLoopDetect:
		return &drs.StructuredWriteError{Kind: drs.KindService, Problem: uint32(code)}
	case ldap.LDAPResultObjectClassViolation, ldap.LDAPResultNotAllowedOnNonLeaf,
		ldap.LDAPResultNotAllowedOnRDN, ldap.LDAPResultObjectClassModsProhibited,
		ldap.LDAPResultAffectsMultipleDSAs:
		return &drs.StructuredWriteError{Kind: drs.KindUpdate, Problem: uint32(code)}
	default:
		return &drs.StructuredWriteError{Kind: drs.KindSystem, Problem: uint32(code)}
	}
}

func resultError(op, dn string, code uint16, message string) error {
	mapped := MapResultCode(code)
	if mapped == nil {
		return nil
	}
	return &ResultError{Op: op, DN: dn, Code: code, Message: message, mapped: mapped}
}

// ParentDN returns the DN with its first RDN removed
func ParentDN(dn string) string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil || len(parsed.RDNs) <= 1 {
		return ""
	}
	return joinRDNs(parsed.RDNs[1:])
}

// RDN returns the first RDN of a DN
func RDN(dn string) string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil || len(parsed.RDNs) == 0 {
		return ""
	}
	return joinRDNs(parsed.RDNs[:1])
}

// EqualDN compares two DNs ignoring case and spacing between components
func EqualDN(a, b string) bool {
	pa, errA := ldap.ParseDN(a)
	pb, errB := ldap.ParseDN(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(a, b)
	}
	return pa.EqualFold(pb)
}

func joinRDNs(rdns []*ldap.RelativeDN) string {
	parts := make([]string, 0, len(rdns))
	for _, rdn := range rdns {
		attrs := make([]string, 0, len(rdn.Attributes))
		for _, a := range rdn.Attributes {
			attrs = append(attrs, a.Type+"="+ldap.EscapeDN(a.Value))
		}
		sort.Strings(attrs)
		parts = append(parts, strings.Join(attrs, "+"))
	}
	return strings.Join(parts, ",")
}

func normalizeDN(dn string) string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(dn))
	}
	return strings.ToLower(joinRDNs(parsed.RDNs))
}
