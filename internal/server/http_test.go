package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skypro1111/udp-relay-service/internal/storage"
)

func newTestHTTPServer(t *testing.T) (*HTTPServer, *relayFixture) {
	t.Helper()

	f := newRelayFixture(t)
	f.config.Storage.DSN = "postgres://relay:hunter2@db/relay"
	f.config.Storage.Webhook.APIKey = "secret-key"

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHTTPServer(f.config.HTTP, logger, f.config, f.engine, f.peers, f.udp, nil, f.m, f.reg)
	return h, f
}

func get(t *testing.T, h *HTTPServer, path string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHTTPEndpoints(t *testing.T) {
	h, _ := newTestHTTPServer(t)

	tests := []struct {
		path         string
		expectStatus int
		expectKey    string
	}{
		{"/", http.StatusOK, "endpoints"},
		{"/health", http.StatusOK, "components"},
		{"/peers", http.StatusOK, "peers"},
		{"/config", http.StatusOK, "storage"},
		{"/stats", http.StatusOK, "relay"},
		{"/missing", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := get(t, h, tt.path)
			if rec.Code != tt.expectStatus {
				t.Fatalf("Expected status %d, got %d", tt.expectStatus, rec.Code)
			}
			if tt.expectKey == "" {
				return
			}

			var body map[string]interface{}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("Invalid JSON: %v", err)
			}
			if _, ok := body[tt.expectKey]; !ok {
				t.Errorf("Expected key %q in %s", tt.expectKey, rec.Body.String())
			}
		})
	}
}

func TestPeersListsRegisteredEndpoints(t *testing.T) {
	h, f := newTestHTTPServer(t)

	conn := dialRelay(t, f.udp.LocalAddr())
	connect(t, conn)

	var body struct {
		TotalPeers int `json:"total_peers"`
		Peers      []struct {
			ID   string `json:"session_id"`
			Addr string `json:"addr"`
		} `json:"peers"`
	}
	rec := get(t, h, "/peers")
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}

	if body.TotalPeers != 1 || len(body.Peers) != 1 {
		t.Fatalf("Expected 1 peer, got %s", rec.Body.String())
	}
	if body.Peers[0].Addr != conn.LocalAddr().String() {
		t.Errorf("Expected peer %s, got %s", conn.LocalAddr(), body.Peers[0].Addr)
	}
}

func TestConfigOmitsCredentials(t *testing.T) {
	h, _ := newTestHTTPServer(t)

	body := get(t, h, "/config").Body.String()
	if strings.Contains(body, "hunter2") || strings.Contains(body, "secret-key") {
		t.Errorf("Config leaked credentials: %s", body)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h, f := newTestHTTPServer(t)

	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stats", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}

	if got := testutil.ToFloat64(f.m.HTTPErrors.WithLabelValues(http.MethodPost, "/stats", "client_error")); got != 1 {
		t.Errorf("Expected 1 recorded client error, got %v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, f := newTestHTTPServer(t)

	conn := dialRelay(t, f.udp.LocalAddr())
	connect(t, conn)

	rec := get(t, h, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "relay_connects_total") {
		t.Errorf("Expected relay metrics in output")
	}
}

func TestStatsIncludeWebhookCounters(t *testing.T) {
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	store, err := storage.NewWebhookStore(storage.WebhookConfig{Endpoint: hook.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewWebhookStore failed: %v", err)
	}
	defer store.Close()

	if err := store.RecordLocation(context.Background(), "76561198000000000", 1, 2, 3); err != nil {
		t.Fatalf("RecordLocation failed: %v", err)
	}

	f := newRelayFixture(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHTTPServer(f.config.HTTP, logger, f.config, f.engine, f.peers, f.udp, store, f.m, f.reg)

	var body struct {
		Storage *storage.WebhookStats `json:"storage"`
	}
	if err := json.Unmarshal(get(t, h, "/stats").Body.Bytes(), &body); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if body.Storage == nil {
		t.Fatal("Expected storage section in /stats")
	}
	if body.Storage.TotalRequests != 1 || body.Storage.SuccessRequests != 1 {
		t.Errorf("Unexpected storage stats: %+v", *body.Storage)
	}
}

func TestStatsOmitStorageWithoutCounters(t *testing.T) {
	h, _ := newTestHTTPServer(t)

	var body map[string]interface{}
	if err := json.Unmarshal(get(t, h, "/stats").Body.Bytes(), &body); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if _, ok := body["storage"]; ok {
		t.Errorf("Expected no storage section, got %v", body["storage"])
	}
}
