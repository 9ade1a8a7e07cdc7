package collector

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
)

func newTestServer(t *testing.T, apiKey string) (*Server, *Store) {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(0, store, logger, apiKey), store
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestIngestEventStoredAndListed(t *testing.T) {
	srv, _ := newTestServer(t, "")

	w := doJSON(t, srv, http.MethodPost, "/v1/sessions", map[string]any{
		"session_id": "sess-1",
		"started_at": time.Now().UTC(),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("init session = %d: %s", w.Code, w.Body)
	}

	w = doJSON(t, srv, http.MethodPost, "/v1/events", map[string]any{
		"client_event_id": "ev-1",
		"session_id":      "sess-1",
		"type":            "generic",
		"occurred_at":     time.Now().UTC(),
		"payload":         map[string]any{"details": map[string]any{"k": "v"}},
		"tags":            []string{"eval"},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("ingest = %d: %s", w.Code, w.Body)
	}
	if resp := decodeBody(t, w); resp["blob_upload_url"] != nil {
		t.Errorf("unexpected blob url for inline event: %v", resp)
	}

	w = doJSON(t, srv, http.MethodGet, "/v1/sessions/sess-1/events", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d: %s", w.Code, w.Body)
	}
	resp := decodeBody(t, w)
	events, _ := resp["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("listed %d events: %v", len(events), resp)
	}
	ev, _ := events[0].(map[string]any)
	if ev["client_event_id"] != "ev-1" || ev["type"] != "generic" {
		t.Errorf("event = %v", ev)
	}
	payload, _ := ev["payload"].(map[string]any)
	details, _ := payload["details"].(map[string]any)
	if details["k"] != "v" {
		t.Errorf("payload did not round-trip: %v", ev["payload"])
	}
}

func TestListEventsWithoutPayload(t *testing.T) {
	srv, _ := newTestServer(t, "")
	doJSON(t, srv, http.MethodPost, "/v1/sessions", map[string]any{"session_id": "sess-1"})

	// An event with no payload stores a NULL column; listing must not
	// choke on it.
	w := doJSON(t, srv, http.MethodPost, "/v1/events", map[string]any{
		"client_event_id": "ev-bare",
		"session_id":      "sess-1",
		"type":            "generic",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("ingest = %d: %s", w.Code, w.Body)
	}

	w = doJSON(t, srv, http.MethodGet, "/v1/sessions/sess-1/events", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d: %s", w.Code, w.Body)
	}
	events, _ := decodeBody(t, w)["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("listed %d events", len(events))
	}
	ev, _ := events[0].(map[string]any)
	if ev["payload"] != nil {
		t.Errorf("payload = %v, want absent", ev["payload"])
	}
}

func TestIngestRejectsIncompleteEvent(t *testing.T) {
	srv, _ := newTestServer(t, "")
	w := doJSON(t, srv, http.MethodPost, "/v1/events", map[string]any{
		"session_id": "sess-1",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestBlobRoundTrip(t *testing.T) {
	srv, store := newTestServer(t, "")

	w := doJSON(t, srv, http.MethodPost, "/v1/events", map[string]any{
		"client_event_id": "ev-big",
		"session_id":      "sess-1",
		"type":            "llm_generation",
		"needs_blob":      true,
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("ingest = %d: %s", w.Code, w.Body)
	}
	uploadURL, _ := decodeBody(t, w)["blob_upload_url"].(string)
	if !strings.HasPrefix(uploadURL, "/v1/blobs/") {
		t.Fatalf("blob_upload_url = %q", uploadURL)
	}

	payload := []byte(`{"request":"` + strings.Repeat("x", 1000) + `"}`)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		t.Fatal(err)
	}
	zw.Close()

	req := httptest.NewRequest(http.MethodPut, uploadURL, &buf)
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("upload = %d: %s", rec.Code, rec.Body)
	}

	blobID := strings.TrimPrefix(uploadURL, "/v1/blobs/")
	stored, err := store.GetBlob(req.Context(), blobID)
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if !bytes.Equal(stored, payload) {
		t.Error("stored blob does not match uploaded payload")
	}
}

func TestBlobUploadUnknownID(t *testing.T) {
	srv, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodPut, "/v1/blobs/no-such-blob", strings.NewReader("x"))
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestSessionEndIsIdempotent(t *testing.T) {
	srv, _ := newTestServer(t, "")
	doJSON(t, srv, http.MethodPost, "/v1/sessions", map[string]any{"session_id": "sess-1"})

	w := doJSON(t, srv, http.MethodPost, "/v1/sessions/sess-1/end", map[string]any{
		"success": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("end = %d: %s", w.Code, w.Body)
	}
	if resp := decodeBody(t, w); resp["closed"] != true {
		t.Errorf("first end: %v", resp)
	}

	w = doJSON(t, srv, http.MethodPost, "/v1/sessions/sess-1/end", map[string]any{
		"success": false, "reason": "late duplicate",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("repeat end = %d: %s", w.Code, w.Body)
	}
	if resp := decodeBody(t, w); resp["closed"] != false {
		t.Errorf("repeat end: %v", resp)
	}
}

func TestSessionEndUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t, "")
	w := doJSON(t, srv, http.MethodPost, "/v1/sessions/ghost/end", map[string]any{"success": true})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestSessionUpdate(t *testing.T) {
	srv, store := newTestServer(t, "")
	doJSON(t, srv, http.MethodPost, "/v1/sessions", map[string]any{"session_id": "sess-1"})

	w := doJSON(t, srv, http.MethodPatch, "/v1/sessions/sess-1", map[string]any{
		"tags":     []string{"phase-2"},
		"metadata": map[string]any{"checkpoint": 7},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("patch = %d: %s", w.Code, w.Body)
	}

	rec, err := store.GetSession(httptest.NewRequest("GET", "/", nil).Context(), "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !strings.Contains(rec.Tags.String, "phase-2") {
		t.Errorf("tags = %q", rec.Tags.String)
	}

	w = doJSON(t, srv, http.MethodPatch, "/v1/sessions/ghost", map[string]any{"tags": []string{"x"}})
	if w.Code != http.StatusNotFound {
		t.Errorf("patch ghost = %d, want 404", w.Code)
	}
}

func TestDuplicateSessionRejected(t *testing.T) {
	srv, _ := newTestServer(t, "")
	doJSON(t, srv, http.MethodPost, "/v1/sessions", map[string]any{"session_id": "sess-1"})
	w := doJSON(t, srv, http.MethodPost, "/v1/sessions", map[string]any{"session_id": "sess-1"})
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := newTestServer(t, "secret-key")

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader(`{"session_id":"s"}`))
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no auth = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader(`{"session_id":"s"}`))
	req.Header.Set("Authorization", "Bearer secret-key")
	w = httptest.NewRecorder()
	srv.Router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Errorf("with auth = %d, want 201", w.Code)
	}

	// Health stays open.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w = httptest.NewRecorder()
	srv.Router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("healthz = %d", w.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	srv, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, req)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("no X-Request-ID header")
	}
}
