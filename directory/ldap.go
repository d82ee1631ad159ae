package directory

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/dcjoin/cfg"
	"github.com/maxpert/dcjoin/telemetry"
)

// LDAPOptions configures a directory connection
type LDAPOptions struct {
	URL         string
	BindDN      string
	Password    string
	StartTLS    bool
	InsecureTLS bool
	Timeout     time.Duration
}

// OptionsFromConfig reads the [directory] section
func OptionsFromConfig(c *cfg.Configuration) LDAPOptions {
	return LDAPOptions{
		URL:         c.Directory.URL,
		BindDN:      c.Directory.BindDN,
		Password:    c.Directory.Password,
		StartTLS:    c.Directory.StartTLS,
		InsecureTLS: c.Directory.InsecureTLS,
		Timeout:     time.Duration(c.Directory.TimeoutMS) * time.Millisecond,
	}
}

// LDAP is a Directory over one LDAP connection
type LDAP struct {
	conn    *ldap.Conn
	url     string
	timeout time.Duration
}

// DialLDAP connects, optionally upgrades to TLS, and binds
func DialLDAP(ctx context.Context, opts LDAPOptions) (*LDAP, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{InsecureSkipVerify: opts.InsecureTLS}
	dialOpts := []ldap.DialOpt{ldap.DialWithTLSConfig(tlsConfig)}
	if opts.Timeout > 0 {
		dialOpts = append(dialOpts, ldap.DialWithDialer(&net.Dialer{Timeout: opts.Timeout}))
	}

	conn, err := ldap.DialURL(opts.URL, dialOpts...)
	if err != nil {
		return nil, mapLDAPError("dial", opts.URL, err)
	}
	if opts.Timeout > 0 {
		conn.SetTimeout(opts.Timeout)
	}

	if opts.StartTLS {
		if err := conn.StartTLS(tlsConfig); err != nil {
			conn.Close()
			return nil, mapLDAPError("starttls", opts.URL, err)
		}
	}

	if opts.BindDN != "" {
		if err := conn.Bind(opts.BindDN, opts.Password); err != nil {
			conn.Close()
			return nil, mapLDAPError("bind", opts.BindDN, err)
		}
	} else if err := conn.UnauthenticatedBind(""); err != nil {
		conn.Close()
		return nil, mapLDAPError("bind", "", err)
	}

	log.Debug().Str("url", opts.URL).Str("bind_dn", opts.BindDN).Msg("Opened directory connection")
	return &LDAP{conn: conn, url: opts.URL, timeout: opts.Timeout}, nil
}

func (l *LDAP) Search(ctx context.Context, req SearchRequest) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var scope int
	switch req.Scope {
	case ScopeBase:
		scope = ldap.ScopeBaseObject
	case ScopeOneLevel:
		scope = ldap.ScopeSingleLevel
	default:
		scope = ldap.ScopeWholeSubtree
	}

	timeLimit := 0
	if l.timeout > 0 {
		timeLimit = int(l.timeout / time.Second)
	}

	sr := ldap.NewSearchRequest(req.BaseDN, scope, ldap.NeverDerefAliases, 0, timeLimit, false,
		req.filter(), req.Attributes, nil)
	res, err := l.conn.Search(sr)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, nil
		}
		return nil, mapLDAPError("search", req.BaseDN, err)
	}

	out := make([]*Entry, 0, len(res.Entries))
	for _, le := range res.Entries {
		attrs := make(map[string][]string, len(le.Attributes))
		for _, a := range le.Attributes {
			values := make([]string, len(a.ByteValues))
			for i, b := range a.ByteValues {
				values[i] = string(b)
			}
			attrs[a.Name] = values
		}
		out = append(out, NewEntry(le.DN, attrs))
	}
	return out, nil
}

func (l *LDAP) Add(ctx context.Context, dn string, attrs map[string][]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := ldap.NewAddRequest(dn, nil)
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		req.Attribute(name, attrs[name])
	}

	if err := l.conn.Add(req); err != nil {
		return mapLDAPError("add", dn, err)
	}
	telemetry.DirectoryWritesTotal.With("add").Inc()
	return nil
}

func (l *LDAP) Modify(ctx context.Context, dn string, changes []Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := ldap.NewModifyRequest(dn, nil)
	for _, c := range changes {
		switch c.Op {
		case ChangeAdd:
			req.Add(c.Attribute, c.Values)
		case ChangeReplace:
			req.Replace(c.Attribute, c.Values)
		case ChangeDelete:
			req.Delete(c.Attribute, c.Values)
		default:
			return fmt.Errorf("unknown change op %s", c.Op)
		}
	}

	if err := l.conn.Modify(req); err != nil {
		return mapLDAPError("modify", dn, err)
	}
	telemetry.DirectoryWritesTotal.With("modify").Inc()
	return nil
}

func (l *LDAP) Rename(ctx context.Context, dn, newRDN, newParent string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := ldap.NewModifyDNRequest(dn, newRDN, true, newParent)
	if err := l.conn.ModifyDN(req); err != nil {
		return mapLDAPError("rename", dn, err)
	}
	telemetry.DirectoryWritesTotal.With("rename").Inc()
	return nil
}

func (l *LDAP) Delete(ctx context.Context, dn string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := l.conn.Del(ldap.NewDelRequest(dn, nil)); err != nil {
		return mapLDAPError("delete", dn, err)
	}
	telemetry.DirectoryWritesTotal.With("delete").Inc()
	return nil
}

func (l *LDAP) Close() error {
	log.Debug().Str("url", l.url).Msg("Closing directory connection")
	l.conn.Close()
	return nil
}

func mapLDAPError(op, dn string, err error) error {
	var lerr *ldap.Error
	if errors.As(err, &lerr) {
		msg := ""
		if lerr.Err != nil {
			msg = lerr.Err.Error()
		}
		return resultError(op, dn, lerr.ResultCode, msg)
	}
	return resultError(op, dn, ldap.ErrorNetwork, err.Error())
}

var _ Directory = (*LDAP)(nil)
