package common

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRootCAs(t *testing.T) {
	t.Parallel()

	pool := RootCAs()
	if pool == nil {
		t.Fatal("expected a non-nil certificate pool")
	}
	if len(pool.Subjects()) == 0 { //nolint:staticcheck // Subjects is deprecated but still the simplest non-empty check
		t.Fatal("expected the pool to contain at least one certificate")
	}
}

func TestTLSSettingsBuild(t *testing.T) {
	t.Parallel()

	cfg := (&TLSSettings{}).Build("example.hub")
	if cfg.ServerName != "example.hub" {
		t.Fatalf("ServerName = %q, want %q", cfg.ServerName, "example.hub")
	}
	if cfg.RootCAs == nil {
		t.Fatal("expected default RootCAs to be populated")
	}

	custom := RootCAs()
	cfg = (&TLSSettings{RootCAs: custom}).Build("edge")
	if cfg.RootCAs != custom {
		t.Fatal("expected custom RootCAs to be used")
	}
}

func TestTrustBundleHTTP(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(TrustBundleResponse{Certificate: string(caCerts)})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := TrustBundle(ctx, srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if pool == nil {
		t.Fatal("expected a non-nil certificate pool")
	}
}

func TestTrustBundleUnixSocket(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sockPath := dir + "/workload.sock"

	l, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(TrustBundleResponse{Certificate: string(caCerts)})
	})}
	go srv.Serve(l) //nolint:errcheck
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := TrustBundle(ctx, "unix://"+sockPath)
	if err != nil {
		t.Fatal(err)
	}
	if pool == nil {
		t.Fatal("expected a non-nil certificate pool")
	}
}
