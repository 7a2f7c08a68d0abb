// Package session tracks recording session lifecycles and their transcript
// logs. It holds no AI or transcription logic.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lukasbauer/murmur/internal/docstore"
	"github.com/lukasbauer/murmur/internal/document"
	"github.com/lukasbauer/murmur/internal/store"
)

// ErrNotFound is returned for unknown sessions and documents.
var ErrNotFound = store.ErrNotFound

type (
	Session  = store.Session
	Fragment = store.Fragment
)

// Export is a downloadable rendering of a document.
type Export struct {
	Filename string
	Markdown string
}

// Manager creates and ends sessions. Active sessions keep their transcript
// in memory until they end.
type Manager struct {
	store  store.Store
	docs   *docstore.Service
	logger *log.Logger
	now    func() time.Time

	mu   sync.Mutex
	live map[string]*Session
}

// NewManager creates a Manager.
func NewManager(s store.Store, docs *docstore.Service, logger *log.Logger) *Manager {
	return &Manager{
		store:  s,
		docs:   docs,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		live:   make(map[string]*Session),
	}
}

// Start opens a session on documentID, or on a new empty document when the
// ID is empty or unknown.
func (m *Manager) Start(ctx context.Context, userID, documentID string) (Session, document.Document, error) {
	var doc document.Document
	var err error
	if documentID != "" {
		doc, err = m.docs.Snapshot(ctx, documentID)
		if errors.Is(err, docstore.ErrNotFound) {
			m.logger.Printf("session: document %s not found, starting a new one", documentID)
			documentID = ""
		} else if err != nil {
			return Session{}, document.Document{}, err
		}
	}
	if documentID == "" {
		doc, err = m.docs.Create(ctx, userID, "")
		if err != nil {
			return Session{}, document.Document{}, err
		}
	}

	s := Session{
		ID:         uuid.NewString(),
		UserID:     userID,
		DocumentID: doc.ID,
		Status:     store.SessionActive,
		StartedAt:  m.now(),
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		return Session{}, document.Document{}, fmt.Errorf("%w: create session: %v", docstore.ErrPersistence, err)
	}

	m.mu.Lock()
	m.live[s.ID] = &s
	m.mu.Unlock()
	m.logger.Printf("session: started %s on document %s", s.ID, doc.ID)
	return s, doc, nil
}

// Record appends a fragment to an active session's transcript log.
func (m *Manager) Record(sessionID string, f Fragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.live[sessionID]
	if !ok {
		return ErrNotFound
	}
	if f.At.IsZero() {
		f.At = m.now()
	}
	s.Transcript = append(s.Transcript, f)
	return nil
}

// FinalTranscript joins the final fragments of an active session.
func (m *Manager) FinalTranscript(sessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.live[sessionID]
	if !ok {
		return ""
	}
	return joinFinal(s.Transcript)
}

func joinFinal(frags []Fragment) string {
	parts := make([]string, 0, len(frags))
	for _, f := range frags {
		if f.IsFinal {
			parts = append(parts, f.Text)
		}
	}
	return strings.Join(parts, " ")
}

// End marks the session ended and persists its transcript. Ending a session
// that already ended returns the stored record.
func (m *Manager) End(ctx context.Context, sessionID string) (Session, error) {
	m.mu.Lock()
	s, ok := m.live[sessionID]
	if ok {
		delete(m.live, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		stored, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return Session{}, err
		}
		if stored.Status == store.SessionEnded {
			return *stored, nil
		}
		return Session{}, ErrNotFound
	}

	ended := m.now()
	s.Status = store.SessionEnded
	s.EndedAt = &ended
	if err := m.store.EndSession(ctx, s.ID, ended, s.Transcript); err != nil {
		return *s, fmt.Errorf("%w: end session: %v", docstore.ErrPersistence, err)
	}
	m.logger.Printf("session: ended %s (%d fragments)", s.ID, len(s.Transcript))
	return *s, nil
}

// Get returns a session, live or stored.
func (m *Manager) Get(ctx context.Context, sessionID string) (Session, error) {
	m.mu.Lock()
	if s, ok := m.live[sessionID]; ok {
		cp := *s
		cp.Transcript = append([]Fragment(nil), s.Transcript...)
		m.mu.Unlock()
		return cp, nil
	}
	m.mu.Unlock()

	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	return *s, nil
}

// Active returns the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Documents lists a user's documents, most recently updated first.
func (m *Manager) Documents(ctx context.Context, userID string) ([]document.Document, error) {
	return m.store.ListDocuments(ctx, userID)
}

// Document returns the latest state of a document.
func (m *Manager) Document(ctx context.Context, documentID string) (document.Document, error) {
	return m.docs.Snapshot(ctx, documentID)
}

// Export renders a document for download. The filename is derived from the
// title and the creation date.
func (m *Manager) Export(ctx context.Context, documentID string) (Export, error) {
	doc, err := m.docs.Snapshot(ctx, documentID)
	if err != nil {
		return Export{}, err
	}
	return Export{
		Filename: ExportFilename(doc),
		Markdown: document.Export(doc.Title, doc.Markdown),
	}, nil
}

// ExportFilename is <Safe_Title>_<YYYY-MM-DD>.md.
func ExportFilename(doc document.Document) string {
	return document.SafeFilename(doc.Title) + "_" + doc.CreatedAt.UTC().Format("2006-01-02") + ".md"
}
