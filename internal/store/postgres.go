package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/lukasbauer/murmur/internal/document"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres wraps an existing pool. The schema must already exist.
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects, pings and migrates.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	db, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	sqlDB := stdlib.OpenDBFromPool(db)
	defer sqlDB.Close()
	if err := Migrate(ctx, sqlDB, goose.DialectPostgres); err != nil {
		db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// Pool exposes the underlying pool.
func (s *Postgres) Pool() *pgxpool.Pool { return s.db }

func (s *Postgres) Close() error {
	s.db.Close()
	return nil
}

func validUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (s *Postgres) CreateDocument(ctx context.Context, userID, title string) (*document.Document, error) {
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
	_, err = s.db.Exec(ctx, `
		INSERT INTO documents (id, user_id, title, content, markdown, created_at, updated_at)
		VALUES ($1, $2, $3, $4, '', $5, $5)
	`, d.ID, d.UserID, d.Title, raw, now)
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}
	return d, nil
}

func (s *Postgres) GetDocument(ctx context.Context, id string) (*document.Document, error) {
	if !validUUID(id) {
		return nil, ErrNotFound
	}
	var d document.Document
	var raw []byte
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, title, content, markdown, created_at, updated_at
		FROM documents
		WHERE id = $1
	`, id).Scan(&d.ID, &d.UserID, &d.Title, &raw, &d.Markdown, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if d.Content, err = unmarshalContent(raw); err != nil {
		return nil, fmt.Errorf("decode document content: %w", err)
	}
	return &d, nil
}

func (s *Postgres) ListDocuments(ctx context.Context, userID string) ([]document.Document, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, title, content, markdown, created_at, updated_at
		FROM documents
		WHERE user_id = $1
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []document.Document
	for rows.Next() {
		var d document.Document
		var raw []byte
		if err := rows.Scan(&d.ID, &d.UserID, &d.Title, &raw, &d.Markdown, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		if d.Content, err = unmarshalContent(raw); err != nil {
			return nil, fmt.Errorf("decode document content: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *Postgres) SaveDocument(ctx context.Context, id string, content document.Content, markdown string, at time.Time) (*document.Version, error) {
	if !validUUID(id) {
		return nil, ErrNotFound
	}
	raw, err := marshalContent(content)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE documents SET content = $2, markdown = $3, updated_at = $4
		WHERE id = $1
	`, id, raw, markdown, at)
	if err != nil {
		return nil, fmt.Errorf("update document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}

	v := &document.Version{
		ID:         uuid.NewString(),
		DocumentID: id,
		Content:    content,
		Markdown:   markdown,
		CreatedAt:  at,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO document_versions (id, document_id, content, markdown, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, v.ID, id, raw, markdown, at)
	if err != nil {
		return nil, fmt.Errorf("insert version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Postgres) ListVersions(ctx context.Context, documentID string) ([]document.Version, error) {
	if !validUUID(documentID) {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, document_id, content, markdown, created_at
		FROM document_versions
		WHERE document_id = $1
		ORDER BY created_at ASC
	`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []document.Version
	for rows.Next() {
		var v document.Version
		var raw []byte
		if err := rows.Scan(&v.ID, &v.DocumentID, &raw, &v.Markdown, &v.CreatedAt); err != nil {
			return nil, err
		}
		if v.Content, err = unmarshalContent(raw); err != nil {
			return nil, fmt.Errorf("decode version content: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Postgres) GetVersion(ctx context.Context, documentID, versionID string) (*document.Version, error) {
	if !validUUID(documentID) || !validUUID(versionID) {
		return nil, ErrNotFound
	}
	var v document.Version
	var raw []byte
	err := s.db.QueryRow(ctx, `
		SELECT id, document_id, content, markdown, created_at
		FROM document_versions
		WHERE document_id = $1 AND id = $2
	`, documentID, versionID).Scan(&v.ID, &v.DocumentID, &raw, &v.Markdown, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if v.Content, err = unmarshalContent(raw); err != nil {
		return nil, fmt.Errorf("decode version content: %w", err)
	}
	return &v, nil
}

func (s *Postgres) CreateSession(ctx context.Context, sess Session) error {
	raw, err := marshalTranscript(sess.Transcript)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO sessions (id, user_id, document_id, started_at, transcript, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sess.ID, sess.UserID, sess.DocumentID, sess.StartedAt, raw, sess.Status)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Postgres) EndSession(ctx context.Context, id string, endedAt time.Time, transcript []Fragment) error {
	raw, err := marshalTranscript(transcript)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE sessions SET status = $2, ended_at = $3, transcript = $4
		WHERE id = $1
	`, id, SessionEnded, endedAt, raw)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) GetSession(ctx context.Context, id string) (*Session, error) {
	if !validUUID(id) {
		return nil, ErrNotFound
	}
	var sess Session
	var raw []byte
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, document_id, status, started_at, ended_at, transcript
		FROM sessions
		WHERE id = $1
	`, id).Scan(&sess.ID, &sess.UserID, &sess.DocumentID, &sess.Status, &sess.StartedAt, &sess.EndedAt, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if sess.Transcript, err = unmarshalTranscript(raw); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return &sess, nil
}

func (s *Postgres) InsertConversation(ctx context.Context, sessionID, role, content string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO conversations (id, session_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), sessionID, role, content, time.Now().UTC())
	return err
}

// ListConversation returns the most recent limit messages in chronological order.
func (s *Postgres) ListConversation(ctx context.Context, sessionID string, limit int) ([]ConversationMessage, error) {
	if !validUUID(sessionID) {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, role, content, created_at FROM (
			SELECT id, session_id, role, content, created_at
			FROM conversations
			WHERE session_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConversationMessage
	for rows.Next() {
		var m ConversationMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Postgres) InsertEvent(ctx context.Context, sessionID, eventType string, data []byte) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO session_events (session_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, sessionID, eventType, data)
	return err
}

func (s *Postgres) ListEvents(ctx context.Context, sessionID string) ([]Event, error) {
	if !validUUID(sessionID) {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, event_type, event_data, created_at
		FROM session_events
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var raw []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EventType, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EventData = raw
		out = append(out, e)
	}
	return out, rows.Err()
}
