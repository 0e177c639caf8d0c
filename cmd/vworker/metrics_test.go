// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/invowk/vworker/internal/issue"
	"github.com/invowk/vworker/internal/telemetry"
)

func TestMetricsRouter(t *testing.T) {
	t.Parallel()

	m := telemetry.NewMetrics()
	m.SpawnRejected.Inc()
	router := newMetricsRouter(m)

	tests := []struct {
		name   string
		method string
		path   string
		status int
		body   string
	}{
		{"metrics", http.MethodGet, "/metrics", http.StatusOK, "vworker_spawn_rejected_total 1"},
		{"health", http.MethodGet, "/health", http.StatusOK, `"healthy"`},
		{"wrong method", http.MethodPost, "/metrics", http.StatusMethodNotAllowed, ""},
		{"unknown path", http.MethodGet, "/nope", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.body != "" && !strings.Contains(rec.Body.String(), tt.body) {
				t.Errorf("body missing %q:\n%s", tt.body, rec.Body.String())
			}
		})
	}
}

func TestStartMetricsServer(t *testing.T) {
	t.Parallel()

	srv, err := startMetricsServer("127.0.0.1:0", telemetry.NewMetrics(), telemetry.Discard())
	if err != nil {
		t.Fatalf("startMetricsServer() error = %v", err)
	}
	defer srv.shutdown()

	resp, err := http.Get("http://" + srv.addr + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestStartMetricsServer_AddressInUse(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	_, err = startMetricsServer(ln.Addr().String(), telemetry.NewMetrics(), telemetry.Discard())
	got, ok := issue.IssueOf(err)
	if !ok || got.Id() != issue.MetricsListenFailedId {
		t.Errorf("startMetricsServer() error = %v, want MetricsListenFailedId", err)
	}
}
