package health

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

func TestCheckHealthyServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	identityPath := filepath.Join(t.TempDir(), "identity.json")
	status := Check(srv.URL, identityPath, 300)
	if !status.Healthy {
		t.Fatalf("expected healthy, issues: %v", status.Issues)
	}
	if !status.ServerReachable || !status.StateWritable {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestCheckUnreachableServer(t *testing.T) {
	identityPath := filepath.Join(t.TempDir(), "identity.json")
	status := Check("http://127.0.0.1:1", identityPath, 300)
	if status.Healthy {
		t.Fatal("expected unhealthy for unreachable server")
	}
	if status.ServerReachable {
		t.Fatal("server should not be reachable")
	}
}
