// Package collector implements a local development collector: an HTTP
// server speaking the tracevine ingestion API, backed by SQLite, so SDK
// traces can be inspected without a hosted backend.
package collector

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Store persists sessions, events, and offloaded blobs.
type Store struct {
	db *sqlx.DB
}

// NewStore opens (and initializes) the SQLite database at path.
func NewStore(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent handlers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			success INTEGER,
			reason TEXT,
			tags TEXT,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			client_event_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			parent_client_event_id TEXT,
			type TEXT NOT NULL,
			occurred_at TIMESTAMP NOT NULL,
			duration_ns INTEGER,
			tags TEXT,
			metadata TEXT,
			payload TEXT,
			needs_blob INTEGER NOT NULL DEFAULT 0,
			received_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, received_at)`,
		`CREATE TABLE IF NOT EXISTS blobs (
			id TEXT PRIMARY KEY,
			client_event_id TEXT NOT NULL,
			content BLOB,
			received_at TIMESTAMP
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SessionRecord is a stored session.
type SessionRecord struct {
	ID        string         `db:"id" json:"session_id"`
	StartedAt time.Time      `db:"started_at" json:"started_at"`
	EndedAt   sql.NullTime   `db:"ended_at" json:"-"`
	Success   sql.NullBool   `db:"success" json:"-"`
	Reason    sql.NullString `db:"reason" json:"-"`
	Tags      sql.NullString `db:"tags" json:"-"`
	Metadata  sql.NullString `db:"metadata" json:"-"`
}

// rawJSON is pre-marshaled JSON stored in a nullable TEXT column. It
// scans from both TEXT and NULL rows and re-emits verbatim when the
// record is marshaled for API responses.
type rawJSON []byte

func (r *rawJSON) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*r = nil
	case string:
		*r = []byte(v)
	case []byte:
		*r = append((*r)[:0], v...)
	default:
		return fmt.Errorf("scan json column: unsupported type %T", src)
	}
	return nil
}

func (r rawJSON) Value() (driver.Value, error) {
	if len(r) == 0 {
		return nil, nil
	}
	return string(r), nil
}

func (r rawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// EventRecord is a stored event. Payload stays raw JSON.
type EventRecord struct {
	ClientEventID       string         `db:"client_event_id" json:"client_event_id"`
	SessionID           string         `db:"session_id" json:"session_id"`
	ParentClientEventID sql.NullString `db:"parent_client_event_id" json:"-"`
	Type                string         `db:"type" json:"type"`
	OccurredAt          time.Time      `db:"occurred_at" json:"occurred_at"`
	DurationNS          sql.NullInt64  `db:"duration_ns" json:"-"`
	Tags                sql.NullString `db:"tags" json:"-"`
	Metadata            sql.NullString `db:"metadata" json:"-"`
	Payload             rawJSON        `db:"payload" json:"payload,omitempty"`
	NeedsBlob           bool           `db:"needs_blob" json:"needs_blob,omitempty"`
	ReceivedAt          time.Time      `db:"received_at" json:"received_at"`
}

// InsertSession registers a session. Re-registering an id is an error.
func (s *Store) InsertSession(ctx context.Context, id string, startedAt time.Time, tags, metadata string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, started_at, tags, metadata) VALUES (?, ?, ?, ?)`,
		id, startedAt, nullable(tags), nullable(metadata))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateSession patches tags/metadata on a live session.
func (s *Store) UpdateSession(ctx context.Context, id, tags, metadata string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET tags = COALESCE(?, tags), metadata = COALESCE(?, metadata) WHERE id = ?`,
		nullable(tags), nullable(metadata), id)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ErrSessionNotFound reports an operation against an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// EndSession closes a session. Ending an already-ended session is a
// no-op reported via the bool so handlers can answer idempotently.
func (s *Store) EndSession(ctx context.Context, id string, endedAt time.Time, success bool, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, success = ?, reason = ? WHERE id = ? AND ended_at IS NULL`,
		endedAt, success, nullable(reason), id)
	if err != nil {
		return false, fmt.Errorf("end session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		var exists int
		if err := s.db.GetContext(ctx, &exists, `SELECT COUNT(1) FROM sessions WHERE id = ?`, id); err != nil {
			return false, err
		}
		if exists == 0 {
			return false, ErrSessionNotFound
		}
		return false, nil
	}
	return true, nil
}

// GetSession fetches one session.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	var rec SessionRecord
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &rec, nil
}

// InsertEvent stores one ingested event.
func (s *Store) InsertEvent(ctx context.Context, rec *EventRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (client_event_id, session_id, parent_client_event_id, type,
			occurred_at, duration_ns, tags, metadata, payload, needs_blob, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ClientEventID, rec.SessionID, rec.ParentClientEventID, rec.Type,
		rec.OccurredAt, rec.DurationNS, rec.Tags, rec.Metadata,
		rec.Payload, rec.NeedsBlob, rec.ReceivedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns a session's events in arrival order.
func (s *Store) ListEvents(ctx context.Context, sessionID string) ([]EventRecord, error) {
	var out []EventRecord
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM events WHERE session_id = ? ORDER BY received_at, client_event_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}

// AllocateBlob reserves a blob slot for an offloaded payload and returns
// its id.
func (s *Store) AllocateBlob(ctx context.Context, blobID, clientEventID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (id, client_event_id) VALUES (?, ?)`, blobID, clientEventID)
	if err != nil {
		return fmt.Errorf("allocate blob: %w", err)
	}
	return nil
}

// PutBlob stores the uploaded (already decompressed) payload.
func (s *Store) PutBlob(ctx context.Context, blobID string, content []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE blobs SET content = ?, received_at = ? WHERE id = ?`,
		content, time.Now().UTC(), blobID)
	if err != nil {
		return fmt.Errorf("put blob: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrBlobNotFound
	}
	return nil
}

// ErrBlobNotFound reports an upload against an unallocated blob id.
var ErrBlobNotFound = errors.New("blob not found")

// GetBlob fetches an uploaded blob's content.
func (s *Store) GetBlob(ctx context.Context, blobID string) ([]byte, error) {
	var content []byte
	err := s.db.GetContext(ctx, &content, `SELECT content FROM blobs WHERE id = ?`, blobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get blob: %w", err)
	}
	return content, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
