package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// maxBlobBytes caps a single decompressed blob upload.
const maxBlobBytes = 32 << 20

// Server exposes the ingestion API over HTTP.
type Server struct {
	Router *chi.Mux
	Port   int

	store  *Store
	logger *slog.Logger
	apiKey string
	http   *http.Server
}

// New builds the collector server. apiKey may be empty, in which case
// requests are not authenticated.
func New(port int, store *Store, logger *slog.Logger, apiKey string) *Server {
	s := &Server{
		Port:   port,
		store:  store,
		logger: logger,
		apiKey: apiKey,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		if apiKey != "" {
			r.Use(s.authMiddleware)
		}
		r.Post("/events", s.handleIngestEvent)
		r.Put("/blobs/{blobID}", s.handleUploadBlob)
		r.Post("/sessions", s.handleInitSession)
		r.Patch("/sessions/{sessionID}", s.handleUpdateSession)
		r.Post("/sessions/{sessionID}/end", s.handleEndSession)
		r.Get("/sessions/{sessionID}/events", s.handleListEvents)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.Router = r
	return s
}

// Start serves until ctx is canceled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("collector listening", slog.Int("port", s.Port))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token != s.apiKey {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ingestEvent is the wire shape the SDK posts to /v1/events.
type ingestEvent struct {
	ClientEventID       string          `json:"client_event_id"`
	ParentClientEventID string          `json:"parent_client_event_id,omitempty"`
	SessionID           string          `json:"session_id"`
	Type                string          `json:"type"`
	OccurredAt          time.Time       `json:"occurred_at"`
	Duration            int64           `json:"duration,omitempty"`
	Tags                []string        `json:"tags,omitempty"`
	Metadata            map[string]any  `json:"metadata,omitempty"`
	Payload             json.RawMessage `json:"payload,omitempty"`
	NeedsBlob           bool            `json:"needs_blob,omitempty"`
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var in ingestEvent
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event body")
		return
	}
	if in.ClientEventID == "" || in.SessionID == "" || in.Type == "" {
		writeError(w, http.StatusBadRequest, "client_event_id, session_id, and type are required")
		return
	}
	if in.OccurredAt.IsZero() {
		in.OccurredAt = time.Now().UTC()
	}

	rec := &EventRecord{
		ClientEventID:       in.ClientEventID,
		SessionID:           in.SessionID,
		ParentClientEventID: nullable(in.ParentClientEventID),
		Type:                in.Type,
		OccurredAt:          in.OccurredAt,
		Payload:             rawJSON(in.Payload),
		NeedsBlob:           in.NeedsBlob,
		ReceivedAt:          time.Now().UTC(),
	}
	if in.Duration > 0 {
		rec.DurationNS.Int64 = in.Duration
		rec.DurationNS.Valid = true
	}
	rec.Tags = nullable(marshalOrEmpty(in.Tags))
	rec.Metadata = nullable(marshalOrEmpty(in.Metadata))

	if err := s.store.InsertEvent(r.Context(), rec); err != nil {
		addError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "store event failed")
		return
	}

	resp := map[string]any{"client_event_id": in.ClientEventID}
	if in.NeedsBlob {
		blobID := uuid.NewString()
		if err := s.store.AllocateBlob(r.Context(), blobID, in.ClientEventID); err != nil {
			addError(r.Context(), err)
			writeError(w, http.StatusInternalServerError, "allocate blob failed")
			return
		}
		resp["blob_upload_url"] = "/v1/blobs/" + blobID
	}
	addLogField(r.Context(), "event_type", in.Type)
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleUploadBlob(w http.ResponseWriter, r *http.Request) {
	blobID := chi.URLParam(r, "blobID")

	body := io.Reader(r.Body)
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid gzip body")
			return
		}
		defer zr.Close()
		body = zr
	}

	content, err := io.ReadAll(io.LimitReader(body, maxBlobBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read blob body failed")
		return
	}
	if len(content) > maxBlobBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "blob exceeds size limit")
		return
	}

	err = s.store.PutBlob(r.Context(), blobID, content)
	if errors.Is(err, ErrBlobNotFound) {
		writeError(w, http.StatusNotFound, "unknown blob id")
		return
	}
	if err != nil {
		addError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "store blob failed")
		return
	}
	addLogField(r.Context(), "blob_bytes", fmt.Sprintf("%d", len(content)))
	w.WriteHeader(http.StatusNoContent)
}

type sessionStart struct {
	SessionID string         `json:"session_id"`
	StartedAt time.Time      `json:"started_at"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleInitSession(w http.ResponseWriter, r *http.Request) {
	var in sessionStart
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid session body")
		return
	}
	if in.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if in.StartedAt.IsZero() {
		in.StartedAt = time.Now().UTC()
	}

	err := s.store.InsertSession(r.Context(), in.SessionID, in.StartedAt,
		marshalOrEmpty(in.Tags), marshalOrEmpty(in.Metadata))
	if err != nil {
		addError(r.Context(), err)
		writeError(w, http.StatusConflict, "session already exists")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": in.SessionID})
}

type sessionPatch struct {
	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var in sessionPatch
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid patch body")
		return
	}

	err := s.store.UpdateSession(r.Context(), sessionID,
		marshalOrEmpty(in.Tags), marshalOrEmpty(in.Metadata))
	if errors.Is(err, ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	if err != nil {
		addError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "update session failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID})
}

type sessionEnd struct {
	EndedAt time.Time `json:"ended_at"`
	Success bool      `json:"success"`
	Reason  string    `json:"reason,omitempty"`
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var in sessionEnd
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid end body")
		return
	}
	if in.EndedAt.IsZero() {
		in.EndedAt = time.Now().UTC()
	}

	closed, err := s.store.EndSession(r.Context(), sessionID, in.EndedAt, in.Success, in.Reason)
	if errors.Is(err, ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	if err != nil {
		addError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "end session failed")
		return
	}
	// A repeated end answers 200 so SDK retries stay harmless.
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"closed":     closed,
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		addError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "load session failed")
		return
	}

	events, err := s.store.ListEvents(r.Context(), sessionID)
	if err != nil {
		addError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "list events failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"events":     events,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func marshalOrEmpty(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return ""
	}
	return string(b)
}
