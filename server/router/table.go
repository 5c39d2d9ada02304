package router

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
)

const DefaultBackendPort = 80

var ErrBadBackend = errors.New("bad backend address")

// proxy target parsed from "host[:port]"
type Backend struct {
	Host string
	Port int
}

func (b Backend) String() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// split spec at ':' into host and optional port, port 80 when absent
func ParseBackend(spec string) (Backend, error) {
	spec = strings.TrimSpace(spec)
	host, port := spec, ""
	if strings.HasPrefix(spec, "[") { // ipv6 literal
		end := strings.IndexByte(spec, ']')
		if end == -1 {
			return Backend{}, fmt.Errorf("%w: %q", ErrBadBackend, spec)
		}
		host, port = spec[1:end], strings.TrimPrefix(spec[end+1:], ":")
	} else if h, p, ok := strings.Cut(spec, ":"); ok {
		host, port = h, p
	}

	if host == "" {
		return Backend{}, fmt.Errorf("%w: %q has no host", ErrBadBackend, spec)
	}
	b := Backend{Host: host, Port: DefaultBackendPort}
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return Backend{}, fmt.Errorf("%w: %q has bad port", ErrBadBackend, spec)
		}
		b.Port = n
	}
	return b, nil
}

// Table maps request domain -> backend.
// it is shared by all conns; reads and runtime updates may run concurrently
type Table struct {
	m *xsync.MapOf[string, Backend]
}

func NewTable() *Table {
	return &Table{m: xsync.NewMapOf[string, Backend]()}
}

// domains are case-insensitive
func normDomain(d string) string {
	return strings.ToLower(strings.TrimSuffix(d, "."))
}

func (t *Table) Set(domain, spec string) error {
	if domain == "" {
		return fmt.Errorf("%w: empty domain", ErrBadBackend)
	}
	b, err := ParseBackend(spec)
	if err != nil {
		return err
	}
	t.m.Store(normDomain(domain), b)
	return nil
}

func (t *Table) Delete(domain string) {
	t.m.Delete(normDomain(domain))
}

func (t *Table) Lookup(domain []byte) (Backend, bool) {
	return t.m.Load(normDomain(string(domain)))
}

// Has implements protocol.Routes
func (t *Table) Has(domain []byte) bool {
	_, ok := t.Lookup(domain)
	return ok
}

func (t *Table) Len() int {
	return t.m.Size()
}
