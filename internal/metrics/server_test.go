package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestServer_StartServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCommitMetricsWithRegistry(reg)
	m.RecordMerge(0.002, OutcomeSuccess, 3)
	m.RecordMerge(0.008, OutcomeConflict, 0)

	s := NewServer("127.0.0.1:0", ServerOptions{Gatherer: reg})
	if got := s.Addr(); got != "127.0.0.1:0" {
		t.Errorf("Addr() before Start = %q", got)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Close()

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	if !strings.Contains(string(body), "oak_commit_merge_latency_seconds") {
		t.Error("expected oak_commit_merge_latency_seconds in metrics output")
	}
	if !strings.Contains(string(body), `outcome="conflict"`) {
		t.Error("expected outcome=conflict label in metrics output")
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Errorf("Content-Type = %q, expected text/plain", ct)
	}
}

func TestServer_Close(t *testing.T) {
	s := NewServer("127.0.0.1:0", ServerOptions{Gatherer: prometheus.NewRegistry()})
	if err := s.Close(); err != nil {
		t.Errorf("Close on unstarted server returned error: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	addr := s.Addr()
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if _, err := http.Get("http://" + addr + "/metrics"); err == nil {
		t.Error("expected error after server close")
	}
}

func TestServer_HandlerCountsScrapes(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewGCMetricsWithRegistry(reg).RecordRun(0.5, OutcomeCollected, 2, 1)

	s := NewServer(":0", ServerOptions{Gatherer: reg, Registerer: reg})
	body := scrape(t, s.Handler())
	if !strings.Contains(body, "oak_gc_deleted_documents_total 2") {
		t.Errorf("missing deleted documents counter in:\n%s", body)
	}

	body = scrape(t, s.Handler())
	if !strings.Contains(body, `promhttp_metric_handler_requests_total{code="200"} 1`) {
		t.Errorf("missing scrape counter in:\n%s", body)
	}
}
