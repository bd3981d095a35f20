package routing

import (
	"context"
	"net"
	"testing"

	"github.com/hiverun/controlplane/internal/apperr"
)

type fakeResolver map[string][]net.IP

func (f fakeResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	return f[host], nil
}

func TestAddRoute_RejectsInvalidSubdomain(t *testing.T) {
	tbl := New()
	err := tbl.AddRoute(context.Background(), Route{InstanceID: "i1", Subdomain: "Not_Valid!", Upstream: "example.com:8080"})
	if !apperr.Is(err, apperr.KindInvalidInput) {
		t.Fatalf("error = %v, want InvalidInput", err)
	}
}

func TestAddRoute_RejectsLiteralPrivateIP(t *testing.T) {
	tbl := New()
	err := tbl.AddRoute(context.Background(), Route{InstanceID: "i1", Subdomain: "tenant-abc", Upstream: "10.0.0.5:8080"})
	if !apperr.Is(err, apperr.KindInvalidUpstream) {
		t.Fatalf("error = %v, want InvalidUpstream", err)
	}
}

func TestAddRoute_RejectsLoopback(t *testing.T) {
	tbl := New()
	err := tbl.AddRoute(context.Background(), Route{InstanceID: "i1", Subdomain: "tenant-abc", Upstream: "127.0.0.1:9000"})
	if !apperr.Is(err, apperr.KindInvalidUpstream) {
		t.Fatalf("error = %v, want InvalidUpstream", err)
	}
}

func TestAddRoute_RejectsInternalHostnameSuffix(t *testing.T) {
	tbl := New()
	err := tbl.AddRoute(context.Background(), Route{InstanceID: "i1", Subdomain: "tenant-abc", Upstream: "bot.internal:8080"})
	if !apperr.Is(err, apperr.KindInvalidUpstream) {
		t.Fatalf("error = %v, want InvalidUpstream", err)
	}
}

func TestAddRoute_RejectsLocalhost(t *testing.T) {
	tbl := New()
	err := tbl.AddRoute(context.Background(), Route{InstanceID: "i1", Subdomain: "tenant-abc", Upstream: "localhost:8080"})
	if !apperr.Is(err, apperr.KindInvalidUpstream) {
		t.Fatalf("error = %v, want InvalidUpstream", err)
	}
}

func TestAddRoute_RejectsHostnameResolvingToPrivateIP(t *testing.T) {
	tbl := NewWithResolver(fakeResolver{"sneaky.example.com": {net.ParseIP("192.168.1.5")}})
	err := tbl.AddRoute(context.Background(), Route{InstanceID: "i1", Subdomain: "tenant-abc", Upstream: "sneaky.example.com:8080"})
	if !apperr.Is(err, apperr.KindInvalidUpstream) {
		t.Fatalf("error = %v, want InvalidUpstream", err)
	}
}

func TestAddRoute_AcceptsPublicUpstream(t *testing.T) {
	tbl := NewWithResolver(fakeResolver{"bots.example.com": {net.ParseIP("203.0.113.5")}})
	err := tbl.AddRoute(context.Background(), Route{InstanceID: "i1", Subdomain: "tenant-abc", Upstream: "bots.example.com:8080"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	routes := tbl.Reload()
	if len(routes) != 1 || routes[0].Subdomain != "tenant-abc" {
		t.Fatalf("got %+v, want one route for tenant-abc", routes)
	}
}

func TestUpdateHealth_NotFoundForUnknownInstance(t *testing.T) {
	tbl := New()
	err := tbl.UpdateHealth("missing", true)
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("error = %v, want NotFound", err)
	}
}
