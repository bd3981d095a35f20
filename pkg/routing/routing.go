// Package routing reconciles the reverse-proxy's route table with the
// fleet: one route per bot instance, validated against SSRF before it is
// ever accepted.
package routing

import (
	"context"
	"net"
	"net/netip"
	"regexp"
	"strings"
	"sync"

	"github.com/hiverun/controlplane/internal/apperr"
)

var subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

var rejectedHostSuffixes = []string{".local", ".internal"}

// privateRanges are the CIDR blocks an upstream address must not fall
// within: loopback, link-local, and the RFC1918 private ranges for IPv4,
// plus their IPv6 equivalents.
var privateRanges = mustParsePrefixes(
	"10.0.0.0/8",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"0.0.0.0/8",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"::/128",
)

func mustParsePrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			panic("routing: invalid built-in CIDR " + c + ": " + err.Error())
		}
		out = append(out, p)
	}
	return out
}

// Resolver looks up the IP addresses a host resolves to. Production code
// uses net.DefaultResolver; tests can substitute a fake.
type Resolver interface {
	LookupIP(ctx context.Context, host string) ([]net.IP, error)
}

type netResolver struct{}

func (netResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	return net.DefaultResolver.LookupIP(ctx, "ip", host)
}

// Route binds a tenant subdomain to an upstream host:port and health state.
type Route struct {
	InstanceID string `json:"instance_id"`
	Subdomain  string `json:"subdomain"`
	Upstream   string `json:"upstream"`
	Healthy    bool   `json:"healthy"`
}

// Table is the in-memory reverse-proxy route table, reconciled to storage
// by whatever calls Reload. It is safe for concurrent use.
type Table struct {
	resolver Resolver

	mu     sync.RWMutex
	routes map[string]*Route // keyed by instance id
}

// New creates a Table using the system DNS resolver.
func New() *Table {
	return &Table{resolver: netResolver{}, routes: make(map[string]*Route)}
}

// NewWithResolver creates a Table using a custom Resolver, for tests.
func NewWithResolver(r Resolver) *Table {
	return &Table{resolver: r, routes: make(map[string]*Route)}
}

// AddRoute validates and inserts a route. It rejects malformed subdomains
// and upstreams that resolve to a private, link-local, or loopback address,
// or whose hostname is a reserved internal suffix — all surfaced as
// InvalidUpstream (the subdomain shape failure is InvalidInput).
func (t *Table) AddRoute(ctx context.Context, r Route) error {
	if !subdomainPattern.MatchString(r.Subdomain) {
		return apperr.New(apperr.KindInvalidInput, "subdomain does not match the required shape")
	}

	if err := t.validateUpstream(ctx, r.Upstream); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[r.InstanceID] = &r
	return nil
}

// RemoveRoute deletes the route for instanceID, if any.
func (t *Table) RemoveRoute(instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.routes, instanceID)
}

// UpdateHealth flips the healthy flag for an existing route.
func (t *Table) UpdateHealth(instanceID string, healthy bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.routes[instanceID]
	if !ok {
		return apperr.New(apperr.KindNotFound, "no route for this instance")
	}
	r.Healthy = healthy
	return nil
}

// Reload returns a snapshot of every route, for whatever component pushes
// the table to the actual reverse proxy.
func (t *Table) Reload() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Route, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, *r)
	}
	return out
}

func (t *Table) validateUpstream(ctx context.Context, upstream string) error {
	host := upstream
	if h, _, err := net.SplitHostPort(upstream); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	if host == "localhost" {
		return apperr.New(apperr.KindInvalidUpstream, "upstream host is localhost")
	}
	for _, suffix := range rejectedHostSuffixes {
		if strings.HasSuffix(host, suffix) {
			return apperr.New(apperr.KindInvalidUpstream, "upstream host uses a reserved internal suffix")
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if isPrivate(addr) {
			return apperr.New(apperr.KindInvalidUpstream, "upstream resolves to a private or loopback address")
		}
		return nil
	}

	ips, err := t.resolver.LookupIP(ctx, host)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidUpstream, "resolving upstream host", err)
	}
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		if isPrivate(addr) {
			return apperr.New(apperr.KindInvalidUpstream, "upstream resolves to a private or loopback address")
		}
	}
	return nil
}

func isPrivate(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, prefix := range privateRanges {
		if prefix.Addr().Is4() != addr.Is4() {
			continue
		}
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
