package docstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lukasbauer/murmur/internal/document"
	"github.com/lukasbauer/murmur/internal/store"
)

// ErrPersistence marks a merge that was applied in memory but could not be
// written. The next successful merge persists the full content.
var ErrPersistence = errors.New("document persistence failed")

// ErrNotFound is returned for unknown documents or versions.
var ErrNotFound = store.ErrNotFound

// MergeResult is what a merge produced.
type MergeResult struct {
	Document document.Document
	Outcome  document.Outcome
	Version  *document.Version // nil when nothing was persisted
}

type entry struct {
	doc   document.Document
	dirty bool
}

type docLock struct {
	mu   sync.Mutex
	refs int
}

// Service serializes read-modify-write cycles per document. Distinct
// documents merge in parallel.
type Service struct {
	store  store.Store
	logger *log.Logger
	now    func() time.Time

	locksMu sync.Mutex
	locks   map[string]*docLock

	cacheMu sync.RWMutex
	cache   map[string]*entry
}

// New creates a Service backed by s.
func New(s store.Store, logger *log.Logger) *Service {
	return &Service{
		store:  s,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		locks:  make(map[string]*docLock),
		cache:  make(map[string]*entry),
	}
}

func (s *Service) lock(id string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &docLock{}
		s.locks[id] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.locksMu.Unlock()
	}
}

func cloneDoc(d document.Document) document.Document {
	d.Content = d.Content.Clone()
	return d
}

// Create makes a new empty document.
func (s *Service) Create(ctx context.Context, userID, title string) (document.Document, error) {
	if strings.TrimSpace(title) == "" {
		title = document.DefaultTitle
	}
	d, err := s.store.CreateDocument(ctx, userID, title)
	if err != nil {
		return document.Document{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	s.cacheMu.Lock()
	s.cache[d.ID] = &entry{doc: cloneDoc(*d)}
	s.cacheMu.Unlock()
	return *d, nil
}

// Snapshot returns the latest content of a document, preferring the cache.
func (s *Service) Snapshot(ctx context.Context, id string) (document.Document, error) {
	s.cacheMu.RLock()
	e, ok := s.cache[id]
	if ok {
		d := cloneDoc(e.doc)
		s.cacheMu.RUnlock()
		return d, nil
	}
	s.cacheMu.RUnlock()

	d, err := s.store.GetDocument(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return document.Document{}, ErrNotFound
		}
		return document.Document{}, fmt.Errorf("load document: %w", err)
	}
	return *d, nil
}

// load returns the current document for a merge. Caller holds the doc lock.
func (s *Service) load(ctx context.Context, id string) (document.Document, bool, error) {
	s.cacheMu.RLock()
	e, ok := s.cache[id]
	s.cacheMu.RUnlock()
	if ok {
		return cloneDoc(e.doc), e.dirty, nil
	}

	d, err := s.store.GetDocument(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return document.Document{}, false, ErrNotFound
		}
		return document.Document{}, false, fmt.Errorf("load document: %w", err)
	}
	s.cacheMu.Lock()
	s.cache[id] = &entry{doc: cloneDoc(*d)}
	s.cacheMu.Unlock()
	return *d, false, nil
}

func (s *Service) put(d document.Document, dirty bool) {
	s.cacheMu.Lock()
	s.cache[d.ID] = &entry{doc: cloneDoc(d), dirty: dirty}
	s.cacheMu.Unlock()
}

// Merge applies ops to the latest content of the document. A batch that
// fails validation is rejected whole and nothing is persisted. When the
// write fails, the merged content stays in memory and the returned error
// wraps ErrPersistence.
func (s *Service) Merge(ctx context.Context, id string, ops []document.EditOperation) (MergeResult, error) {
	unlock := s.lock(id)
	defer unlock()

	cur, dirty, err := s.load(ctx, id)
	if err != nil {
		return MergeResult{}, err
	}

	content, outcome, err := document.Apply(cur.Content, ops)
	if err != nil {
		return MergeResult{Document: cur}, err
	}
	for _, note := range outcome.Skipped {
		s.logger.Printf("docstore: %s: skipped: %s", id, note)
	}
	if !outcome.Changed() && !dirty {
		return MergeResult{Document: cur, Outcome: outcome}, nil
	}

	return s.save(ctx, cur, content, outcome)
}

func (s *Service) save(ctx context.Context, cur document.Document, content document.Content, outcome document.Outcome) (MergeResult, error) {
	next := cur
	next.Content = content
	next.Markdown = document.Render(content)
	next.UpdatedAt = s.now()

	v, err := s.store.SaveDocument(ctx, next.ID, next.Content, next.Markdown, next.UpdatedAt)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return MergeResult{Document: cur}, ErrNotFound
		}
		s.put(next, true)
		s.logger.Printf("docstore: %s: persist failed, keeping in memory: %v", next.ID, err)
		return MergeResult{Document: next, Outcome: outcome}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	s.put(next, false)
	return MergeResult{Document: next, Outcome: outcome, Version: v}, nil
}

// Versions lists the version history, oldest first.
func (s *Service) Versions(ctx context.Context, id string) ([]document.Version, error) {
	if _, err := s.Snapshot(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListVersions(ctx, id)
}

// Revert restores an older version's content as a new version.
func (s *Service) Revert(ctx context.Context, id, versionID string) (MergeResult, error) {
	unlock := s.lock(id)
	defer unlock()

	cur, _, err := s.load(ctx, id)
	if err != nil {
		return MergeResult{}, err
	}
	v, err := s.store.GetVersion(ctx, id, versionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return MergeResult{}, ErrNotFound
		}
		return MergeResult{}, fmt.Errorf("load version: %w", err)
	}
	return s.save(ctx, cur, v.Content.Clone(), document.Outcome{Applied: 1})
}

// Flush retries persisting a document left dirty by a failed write.
func (s *Service) Flush(ctx context.Context, id string) error {
	unlock := s.lock(id)
	defer unlock()

	s.cacheMu.RLock()
	e, ok := s.cache[id]
	s.cacheMu.RUnlock()
	if !ok || !e.dirty {
		return nil
	}
	cur := cloneDoc(e.doc)
	_, err := s.save(ctx, cur, cur.Content, document.Outcome{})
	return err
}

// Evict drops a clean document from the cache.
func (s *Service) Evict(id string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if e, ok := s.cache[id]; ok && !e.dirty {
		delete(s.cache, id)
	}
}
