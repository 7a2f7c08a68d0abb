package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lukasbauer/murmur/internal/document"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Session statuses.
const (
	SessionActive = "active"
	SessionEnded  = "ended"
)

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Fragment is one transcript entry, interim or final.
type Fragment struct {
	Text    string    `json:"text"`
	IsFinal bool      `json:"is_final"`
	At      time.Time `json:"at"`
}

// Session is the persisted record of one recording session.
type Session struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	DocumentID string     `json:"document_id"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Transcript []Fragment `json:"transcript"`
}

// ConversationMessage is one persisted turn between the user and the assistant.
type ConversationMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is a diagnostic session event.
type Event struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	EventType string          `json:"event_type"`
	EventData json.RawMessage `json:"event_data"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store persists documents, versions, sessions, conversations and events.
// Postgres and SQLite implementations share the same semantics.
type Store interface {
	CreateDocument(ctx context.Context, userID, title string) (*document.Document, error)
	GetDocument(ctx context.Context, id string) (*document.Document, error)
	ListDocuments(ctx context.Context, userID string) ([]document.Document, error)
	// SaveDocument updates the document body and inserts a version row in
	// one transaction.
	SaveDocument(ctx context.Context, id string, content document.Content, markdown string, at time.Time) (*document.Version, error)
	ListVersions(ctx context.Context, documentID string) ([]document.Version, error)
	GetVersion(ctx context.Context, documentID, versionID string) (*document.Version, error)

	CreateSession(ctx context.Context, s Session) error
	EndSession(ctx context.Context, id string, endedAt time.Time, transcript []Fragment) error
	GetSession(ctx context.Context, id string) (*Session, error)

	InsertConversation(ctx context.Context, sessionID, role, content string) error
	ListConversation(ctx context.Context, sessionID string, limit int) ([]ConversationMessage, error)

	InsertEvent(ctx context.Context, sessionID, eventType string, data []byte) error
	ListEvents(ctx context.Context, sessionID string) ([]Event, error)

	Close() error
}

func marshalContent(c document.Content) ([]byte, error) {
	if c.Sections == nil {
		c.Sections = []document.Section{}
	}
	return json.Marshal(c)
}

func unmarshalContent(raw []byte) (document.Content, error) {
	var c document.Content
	if len(raw) == 0 {
		return c, nil
	}
	err := json.Unmarshal(raw, &c)
	return c, err
}

func marshalTranscript(f []Fragment) ([]byte, error) {
	if f == nil {
		f = []Fragment{}
	}
	return json.Marshal(f)
}

func unmarshalTranscript(raw []byte) ([]Fragment, error) {
	var f []Fragment
	if len(raw) == 0 {
		return f, nil
	}
	err := json.Unmarshal(raw, &f)
	return f, err
}
