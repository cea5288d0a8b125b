package meta

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"unique"
)

// Kind distinguishes raw socket endpoints from driver-level data sources.
type Kind uint8

const (
	KindSocket Kind = iota
	KindDataSource
)

func (k Kind) String() string {
	switch k {
	case KindSocket:
		return "socket"
	case KindDataSource:
		return "datasource"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "socket", "":
		return KindSocket, nil
	case "datasource":
		return KindDataSource, nil
	default:
		return 0, fmt.Errorf("unknown target kind: %s", s)
	}
}

// Target is the logical endpoint a connection is made to. Socket targets use
// Host and Port, data source targets use URL and Principal. Used as a registry
// rule, an empty Host or a zero Port matches any value.
type Target struct {
	Kind      Kind
	Host      string
	Port      int
	URL       string
	Principal string
}

// SocketTarget builds a host:port target. Host names are case-insensitive
// and stored lowercased.
func SocketTarget(host string, port int) Target {
	return Target{Kind: KindSocket, Host: strings.ToLower(host), Port: port}
}

// DataSourceTarget builds a (url, principal) target.
func DataSourceTarget(url, principal string) Target {
	return Target{Kind: KindDataSource, URL: url, Principal: principal}
}

// ParseTarget parses "host:port" socket notation. Either side may be "*".
func ParseTarget(s string) (Target, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Target{}, fmt.Errorf("invalid target %q: %w", s, err)
	}
	if host == "*" {
		host = ""
	}
	port := 0
	if portStr != "*" && portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil || port < 0 || port > 65535 {
			return Target{}, fmt.Errorf("invalid port in target %q", s)
		}
	}
	return SocketTarget(host, port), nil
}

// IsWildcard reports whether any identifying field is left open.
func (t Target) IsWildcard() bool {
	if t.Kind == KindDataSource {
		return t.URL == "" || t.Principal == ""
	}
	return t.Host == "" || t.Port == 0
}

// Matches reports whether t, used as a rule, applies to the concrete target o.
func (t Target) Matches(o Target) bool {
	if t.Kind != o.Kind {
		return false
	}
	if t.Kind == KindDataSource {
		return (t.URL == "" || t.URL == o.URL) && (t.Principal == "" || t.Principal == o.Principal)
	}
	return (t.Host == "" || strings.EqualFold(t.Host, o.Host)) && (t.Port == 0 || t.Port == o.Port)
}

func (t Target) String() string {
	if t.Kind == KindDataSource {
		principal := t.Principal
		if principal == "" {
			principal = "*"
		}
		url := t.URL
		if url == "" {
			url = "*"
		}
		return principal + "@" + url
	}
	host, port := t.Host, "*"
	if host == "" {
		host = "*"
	}
	if t.Port != 0 {
		port = strconv.Itoa(t.Port)
	}
	return net.JoinHostPort(host, port)
}

// Thread describes the unit of work that owns an event. The zero value means
// absent and collapses events across units of work.
type Thread struct {
	ID   uint64
	Name string
}

func (t Thread) IsZero() bool { return t.ID == 0 && t.Name == "" }

// Key identifies one class of recorded event. It is comparable and safe to
// use as a map key from any goroutine. Zero-valued fields are absent.
type Key struct {
	Target Target
	ConnID int64
	Trace  string
	Thread Thread
}

// NewKey builds a key, interning the trace text so repeated call sites or SQL
// statements share one backing string.
func NewKey(target Target, connID int64, trace string, thread Thread) Key {
	return Key{Target: target, ConnID: connID, Trace: Intern(trace), Thread: thread}
}

// interned pins every handle returned by unique.Make. Without a live handle
// the canonical entry may be collected and a later Intern of the same text
// would get a fresh copy. Traces live as long as the stats keyed by them.
var interned sync.Map // map[unique.Handle[string]]struct{}

// Intern returns a canonical copy of s.
func Intern(s string) string {
	if s == "" {
		return ""
	}
	h := unique.Make(s)
	if _, ok := interned.Load(h); !ok {
		interned.LoadOrStore(h, struct{}{})
	}
	return h.Value()
}

// GroupingOptions selects the dimensions kept when collapsing keys. A disabled
// dimension collapses entries that differ only in it.
type GroupingOptions struct {
	ByThread     bool
	ByTrace      bool
	ByConnection bool
}

// AllDimensions keeps every dimension of a key.
var AllDimensions = GroupingOptions{ByThread: true, ByTrace: true, ByConnection: true}

// Reduce clears the dimensions not selected by g.
func (k Key) Reduce(g GroupingOptions) Key {
	if !g.ByThread {
		k.Thread = Thread{}
	}
	if !g.ByTrace {
		k.Trace = ""
	}
	if !g.ByConnection {
		k.ConnID = 0
	}
	return k
}
