package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandler_nilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveTileFetch("ok")
	m.SetPendingEntries(3)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestHandler_exposesRegisteredMetrics(t *testing.T) {
	m := New()
	m.ObserveHTTPRequest(http.MethodPost, "/editor/save", http.StatusOK, 12*time.Millisecond)
	m.ObserveTileFetch("ok")
	m.ObserveTileFetch("ok")
	m.IncTileCacheHit()
	m.SetTileVersion(4)
	m.ObserveSave("success", time.Second)
	m.ObserveBackendCall("bulk_upsert", "NetworkFailure")
	m.IncPatternRasterized()
	m.SetPendingEntries(2)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := rr.Body.String()
	for _, want := range []string{
		`zonemap_http_requests_total{method="POST",path="/editor/save",status="200"} 1`,
		`zonemap_tile_fetches_total{result="ok"} 2`,
		`zonemap_tile_cache_hits_total 1`,
		`zonemap_tile_version 4`,
		`zonemap_saves_total{result="success"} 1`,
		`zonemap_save_duration_seconds_count 1`,
		`zonemap_backend_calls_total{kind="NetworkFailure",op="bulk_upsert"} 1`,
		`zonemap_patterns_rasterized_total 1`,
		`zonemap_pending_entries 2`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in body:\n%s", want, body)
		}
	}
}
