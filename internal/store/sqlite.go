package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/lukasbauer/murmur/internal/document"
)

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*SQLite)(nil)
)

// SQLite implements Store on a local database file. Timestamps are stored
// as unix nanoseconds.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) and migrates the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := Migrate(ctx, db, goose.DialectSQLite3); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func (s *SQLite) CreateDocument(ctx context.Context, userID, title string) (*document.Document, error) {
	now := time.Now().UTC()
	d := &document.Document{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	raw, err := marshalContent(d.Content)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, user_id, title, content, markdown, created_at, updated_at)
		VALUES (?, ?, ?, ?, '', ?, ?)
	`, d.ID, d.UserID, d.Title, string(raw), toNanos(now), toNanos(now))
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}
	return d, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*document.Document, error) {
	var d document.Document
	var raw string
	var created, updated int64
	if err := row.Scan(&d.ID, &d.UserID, &d.Title, &raw, &d.Markdown, &created, &updated); err != nil {
		return nil, err
	}
	c, err := unmarshalContent([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("decode document content: %w", err)
	}
	d.Content = c
	d.CreatedAt = fromNanos(created)
	d.UpdatedAt = fromNanos(updated)
	return &d, nil
}

func (s *SQLite) GetDocument(ctx context.Context, id string) (*document.Document, error) {
	d, err := scanDocument(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, content, markdown, created_at, updated_at
		FROM documents
		WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *SQLite) ListDocuments(ctx context.Context, userID string) ([]document.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, content, markdown, created_at, updated_at
		FROM documents
		WHERE user_id = ?
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []document.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

func (s *SQLite) SaveDocument(ctx context.Context, id string, content document.Content, markdown string, at time.Time) (*document.Version, error) {
	raw, err := marshalContent(content)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE documents SET content = ?, markdown = ?, updated_at = ?
		WHERE id = ?
	`, string(raw), markdown, toNanos(at), id)
	if err != nil {
		return nil, fmt.Errorf("update document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	v := &document.Version{
		ID:         uuid.NewString(),
		DocumentID: id,
		Content:    content,
		Markdown:   markdown,
		CreatedAt:  at.UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO document_versions (id, document_id, content, markdown, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, v.ID, id, string(raw), markdown, toNanos(at))
	if err != nil {
		return nil, fmt.Errorf("insert version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return v, nil
}

func scanVersion(row rowScanner) (*document.Version, error) {
	var v document.Version
	var raw string
	var created int64
	if err := row.Scan(&v.ID, &v.DocumentID, &raw, &v.Markdown, &created); err != nil {
		return nil, err
	}
	c, err := unmarshalContent([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("decode version content: %w", err)
	}
	v.Content = c
	v.CreatedAt = fromNanos(created)
	return &v, nil
}

func (s *SQLite) ListVersions(ctx context.Context, documentID string) ([]document.Version, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, content, markdown, created_at
		FROM document_versions
		WHERE document_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []document.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func (s *SQLite) GetVersion(ctx context.Context, documentID, versionID string) (*document.Version, error) {
	v, err := scanVersion(s.db.QueryRowContext(ctx, `
		SELECT id, document_id, content, markdown, created_at
		FROM document_versions
		WHERE document_id = ? AND id = ?
	`, documentID, versionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *SQLite) CreateSession(ctx context.Context, sess Session) error {
	raw, err := marshalTranscript(sess.Transcript)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, document_id, started_at, transcript, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.UserID, sess.DocumentID, toNanos(sess.StartedAt), string(raw), sess.Status)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLite) EndSession(ctx context.Context, id string, endedAt time.Time, transcript []Fragment) error {
	raw, err := marshalTranscript(transcript)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, ended_at = ?, transcript = ?
		WHERE id = ?
	`, SessionEnded, toNanos(endedAt), string(raw), id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	var raw string
	var started int64
	var ended sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, document_id, status, started_at, ended_at, transcript
		FROM sessions
		WHERE id = ?
	`, id).Scan(&sess.ID, &sess.UserID, &sess.DocumentID, &sess.Status, &started, &ended, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.StartedAt = fromNanos(started)
	if ended.Valid {
		t := fromNanos(ended.Int64)
		sess.EndedAt = &t
	}
	if sess.Transcript, err = unmarshalTranscript([]byte(raw)); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return &sess, nil
}

func (s *SQLite) InsertConversation(ctx context.Context, sessionID, role, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, session_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.NewString(), sessionID, role, content, toNanos(time.Now()))
	return err
}

func (s *SQLite) ListConversation(ctx context.Context, sessionID string, limit int) ([]ConversationMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, created_at FROM (
			SELECT id, session_id, role, content, created_at, rowid AS seq
			FROM conversations
			WHERE session_id = ?
			ORDER BY created_at DESC, rowid DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, seq ASC
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConversationMessage
	for rows.Next() {
		var m ConversationMessage
		var created int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = fromNanos(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLite) InsertEvent(ctx context.Context, sessionID, eventType string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_events (session_id, event_type, event_data, created_at)
		VALUES (?, ?, ?, ?)
	`, sessionID, eventType, string(data), toNanos(time.Now()))
	return err
}

func (s *SQLite) ListEvents(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, event_type, event_data, created_at
		FROM session_events
		WHERE session_id = ?
		ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var raw string
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EventType, &raw, &created); err != nil {
			return nil, err
		}
		e.EventData = []byte(raw)
		e.CreatedAt = fromNanos(created)
		out = append(out, e)
	}
	return out, rows.Err()
}
