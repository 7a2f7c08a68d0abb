// Package orchestrator decides when accumulated speech becomes a thought
// worth sending to the model, and merges the model's edits back into the
// session's document.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/lukasbauer/murmur/internal/docstore"
	"github.com/lukasbauer/murmur/internal/document"
	"github.com/lukasbauer/murmur/internal/eventlog"
	"github.com/lukasbauer/murmur/internal/llm"
	"github.com/lukasbauer/murmur/internal/store"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionExists  = errors.New("session already open")
	ErrSessionEnded   = errors.New("session ended")
	// ErrSessionAttached is returned by Attach while another sink is live.
	ErrSessionAttached = errors.New("session attached to another connection")
)

// State is the pause-detector state of one session.
type State int

const (
	StateIdle State = iota
	StateAccumulating
	StateDispatching
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateDispatching:
		return "dispatching"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Processing statuses.
const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
)

// Response is one completed AI turn.
type Response struct {
	Conversation string
	Updates      []document.Wire // operations that were merged
	Document     document.Document
}

// Sink receives a session's outbound events. Calls for one session never
// overlap.
type Sink interface {
	PauseDetected(utterance string)
	Processing(status string)
	AIResponse(resp Response)
	Error(message string)
}

// Processor produces a reply for one utterance.
type Processor interface {
	Process(ctx context.Context, req llm.Request) (*llm.Reply, error)
}

// Conversations stores completed turns.
type Conversations interface {
	InsertConversation(ctx context.Context, sessionID, role, content string) error
}

// Config holds the orchestrator's timing knobs.
type Config struct {
	PauseThreshold time.Duration // default 2s
	AITimeout      time.Duration // default 30s
	HistoryLimit   int           // messages passed to the model, default 10
	GracePeriod    time.Duration // detached sessions are kept this long, default 2m
}

func (c Config) withDefaults() Config {
	if c.PauseThreshold <= 0 {
		c.PauseThreshold = 2 * time.Second
	}
	if c.AITimeout <= 0 {
		c.AITimeout = 30 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 10
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 2 * time.Minute
	}
	return c
}

// mergeTimeout bounds the document write after a reply arrives.
const mergeTimeout = 10 * time.Second

type utterance struct {
	text   string
	forced bool
}

type sessionState struct {
	id         string
	documentID string

	mu          sync.Mutex
	sink        Sink // nil while detached
	pending     []string
	lastArrival time.Time
	timer       *time.Timer
	gen         uint64
	queue       []utterance
	dispatching bool
	drained     chan struct{} // closed when the queue empties
	ending      bool
	graceTimer  *time.Timer
	history     *llm.History
	transcript  []string

	emitMu sync.Mutex
}

// Orchestrator owns per-session pause detection and dispatch. At most one
// AI call is in flight per session.
type Orchestrator struct {
	cfg      Config
	proc     Processor
	docs     *docstore.Service
	convs    Conversations
	events   *eventlog.Logger
	logger   *log.Logger
	onExpire func(sessionID string, doc document.Document)

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// New creates an orchestrator.
func New(cfg Config, proc Processor, docs *docstore.Service, convs Conversations, events *eventlog.Logger, logger *log.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		proc:     proc,
		docs:     docs,
		convs:    convs,
		events:   events,
		logger:   logger,
		sessions: make(map[string]*sessionState),
	}
}

// OnExpire registers a callback run after a session was ended without its
// client: its grace period ran out, or the server shut down.
func (o *Orchestrator) OnExpire(fn func(sessionID string, doc document.Document)) {
	o.mu.Lock()
	o.onExpire = fn
	o.mu.Unlock()
}

// Open starts tracking a session bound to documentID.
func (o *Orchestrator) Open(sessionID, documentID string, sink Sink) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.sessions[sessionID]; ok {
		return ErrSessionExists
	}
	o.sessions[sessionID] = &sessionState{
		id:         sessionID,
		documentID: documentID,
		sink:       sink,
		history:    llm.NewHistory(2 * o.cfg.HistoryLimit),
	}
	return nil
}

func (o *Orchestrator) get(sessionID string) (*sessionState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// DocumentID returns the document a session is bound to.
func (o *Orchestrator) DocumentID(sessionID string) (string, error) {
	s, err := o.get(sessionID)
	if err != nil {
		return "", err
	}
	return s.documentID, nil
}

// State reports the session's current state.
func (o *Orchestrator) State(sessionID string) (State, error) {
	s, err := o.get(sessionID)
	if err != nil {
		return StateIdle, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.dispatching:
		return StateDispatching, nil
	case len(s.pending) > 0:
		return StateAccumulating, nil
	default:
		return StateIdle, nil
	}
}

// Submit adds a final transcript fragment or typed text to the pending
// utterance and restarts the pause timer. Whitespace is ignored.
func (o *Orchestrator) Submit(sessionID, text string) error {
	text = strings.TrimSpace(text)
	s, err := o.get(sessionID)
	if err != nil {
		return err
	}
	if text == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ending {
		return ErrSessionEnded
	}
	s.pending = append(s.pending, text)
	s.transcript = append(s.transcript, text)
	s.lastArrival = time.Now()
	if s.sink != nil {
		o.armLocked(s)
	}
	return nil
}

// armLocked cancels any running pause timer and schedules a new one.
func (o *Orchestrator) armLocked(s *sessionState) {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
	}
	gen := s.gen
	s.timer = time.AfterFunc(o.cfg.PauseThreshold, func() { o.pauseElapsed(s, gen) })
}

func (o *Orchestrator) disarmLocked(s *sessionState) {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// pauseElapsed reports the pause when it happens and queues the utterance.
// Holding emitMu across both keeps pause_detected ahead of that dispatch's
// own events.
func (o *Orchestrator) pauseElapsed(s *sessionState, gen uint64) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if gen != s.gen || s.ending || len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	text := takePendingLocked(s)
	o.events.LogAsync(s.id, eventlog.EventPauseDetected, map[string]any{
		"silence_ms": time.Since(s.lastArrival).Milliseconds(),
		"chars":      len(text),
	})
	o.enqueueLocked(s, utterance{text: text})
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		sink.PauseDetected(text)
	}
}

func takePendingLocked(s *sessionState) string {
	text := strings.Join(s.pending, " ")
	s.pending = nil
	return text
}

func (o *Orchestrator) enqueueLocked(s *sessionState, u utterance) {
	s.queue = append(s.queue, u)
	if s.dispatching {
		return
	}
	s.dispatching = true
	s.drained = make(chan struct{})
	go o.drain(s)
}

func (o *Orchestrator) drain(s *sessionState) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.dispatching = false
			close(s.drained)
			s.mu.Unlock()
			return
		}
		u := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		o.dispatch(s, u)
	}
}

// emit delivers one event to the attached sink, if any.
func (o *Orchestrator) emit(s *sessionState, fn func(Sink)) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink == nil {
		return
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	fn(sink)
}

func (o *Orchestrator) dispatch(s *sessionState, u utterance) {
	o.emit(s, func(k Sink) { k.Processing(StatusStarted) })
	defer o.emit(s, func(k Sink) { k.Processing(StatusCompleted) })

	o.logger.Printf("orchestrator: %s: dispatching %d chars (forced=%t)", s.id, len(u.text), u.forced)
	o.events.LogAsync(s.id, eventlog.EventAIDispatched, map[string]any{
		"chars":  len(u.text),
		"forced": u.forced,
	})

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.AITimeout)
	defer cancel()

	snapshot, err := o.docs.Snapshot(ctx, s.documentID)
	if err != nil {
		o.logger.Printf("orchestrator: %s: document snapshot failed: %v", s.id, err)
	}

	s.mu.Lock()
	req := llm.Request{
		Utterance:  u.text,
		Document:   snapshot.Markdown,
		History:    s.history.Recent(o.cfg.HistoryLimit),
		Transcript: strings.Join(s.transcript, " "),
	}
	s.mu.Unlock()

	started := time.Now()
	reply, err := o.proc.Process(ctx, req)
	if err != nil {
		o.logger.Printf("orchestrator: %s: AI processing failed, dropping utterance: %v", s.id, err)
		sentry.CaptureException(err)
		o.events.LogAsync(s.id, eventlog.EventAIError, map[string]any{
			"error":      err.Error(),
			"dropped":    u.text,
			"latency_ms": time.Since(started).Milliseconds(),
		})
		o.emit(s, func(k Sink) { k.Error(aiErrorMessage(err)) })
		return
	}
	o.events.LogAsync(s.id, eventlog.EventAICompleted, map[string]any{
		"latency_ms": time.Since(started).Milliseconds(),
		"operations": len(reply.Operations),
	})

	doc, applied := o.merge(s, snapshot, reply)

	s.mu.Lock()
	s.history.Add(llm.RoleUser, u.text)
	if reply.Conversation != "" {
		s.history.Add(llm.RoleAssistant, reply.Conversation)
	}
	s.mu.Unlock()
	o.saveTurns(s.id, u.text, reply.Conversation)

	o.emit(s, func(k Sink) {
		k.AIResponse(Response{
			Conversation: reply.Conversation,
			Updates:      document.WireAll(applied),
			Document:     doc,
		})
	})
}

// merge applies the reply's operations. It returns the document to show
// and the operations that took effect.
func (o *Orchestrator) merge(s *sessionState, snapshot document.Document, reply *llm.Reply) (document.Document, []document.EditOperation) {
	if reply.OperationsErr != nil {
		o.logger.Printf("orchestrator: %s: discarding malformed operations: %v", s.id, reply.OperationsErr)
		o.events.LogAsync(s.id, eventlog.EventMergeRejected, map[string]any{"error": reply.OperationsErr.Error()})
		return snapshot, nil
	}
	if len(reply.Operations) == 0 {
		return snapshot, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), mergeTimeout)
	defer cancel()

	res, err := o.docs.Merge(ctx, s.documentID, reply.Operations)
	switch {
	case err == nil:
	case errors.Is(err, document.ErrInvalidOperation):
		o.logger.Printf("orchestrator: %s: merge rejected: %v", s.id, err)
		o.events.LogAsync(s.id, eventlog.EventMergeRejected, map[string]any{"error": err.Error()})
		return res.Document, nil
	case errors.Is(err, docstore.ErrPersistence):
		o.logger.Printf("orchestrator: %s: merge kept in memory: %v", s.id, err)
		sentry.CaptureException(err)
		o.events.LogAsync(s.id, eventlog.EventPersistFailed, map[string]any{"error": err.Error()})
		o.emit(s, func(k Sink) { k.Error("Document changes could not be saved yet; they will be retried") })
		return res.Document, reply.Operations
	default:
		o.logger.Printf("orchestrator: %s: merge failed: %v", s.id, err)
		sentry.CaptureException(err)
		o.emit(s, func(k Sink) { k.Error("Failed to update document") })
		return snapshot, nil
	}

	for _, note := range res.Outcome.Skipped {
		o.logger.Printf("orchestrator: %s: skipped operation: %s", s.id, note)
	}
	if !res.Outcome.Changed() {
		o.events.LogAsync(s.id, eventlog.EventMergeSkipped, map[string]any{"skipped": res.Outcome.Skipped})
		return res.Document, nil
	}
	data := map[string]any{
		"applied": res.Outcome.Applied,
		"skipped": len(res.Outcome.Skipped),
	}
	if res.Version != nil {
		data["version_id"] = res.Version.ID
	}
	o.events.LogAsync(s.id, eventlog.EventMergeApplied, data)
	return res.Document, reply.Operations
}

func (o *Orchestrator) saveTurns(sessionID, user, assistant string) {
	if o.convs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.convs.InsertConversation(ctx, sessionID, store.RoleUser, user); err != nil {
		o.logger.Printf("orchestrator: %s: save user turn: %v", sessionID, err)
		return
	}
	if assistant == "" {
		return
	}
	if err := o.convs.InsertConversation(ctx, sessionID, store.RoleAssistant, assistant); err != nil {
		o.logger.Printf("orchestrator: %s: save assistant turn: %v", sessionID, err)
	}
}

func aiErrorMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "AI processing timed out; that thought was not processed"
	}
	return "AI processing failed; that thought was not processed"
}

// End cancels the pause timer, dispatches any pending text once, waits for
// outstanding dispatches and returns the final document. The session is
// forgotten afterwards.
func (o *Orchestrator) End(ctx context.Context, sessionID string) (document.Document, error) {
	s, err := o.get(sessionID)
	if err != nil {
		return document.Document{}, err
	}

	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return document.Document{}, ErrSessionEnded
	}
	s.ending = true
	o.disarmLocked(s)
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	if len(s.pending) > 0 {
		text := takePendingLocked(s)
		o.events.LogAsync(s.id, eventlog.EventForcedFlush, map[string]any{"chars": len(text)})
		o.enqueueLocked(s, utterance{text: text, forced: true})
	}
	var drained chan struct{}
	if s.dispatching {
		drained = s.drained
	}
	s.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.sessions, sessionID)
		o.mu.Unlock()
	}()

	if drained != nil {
		select {
		case <-drained:
		case <-ctx.Done():
			return document.Document{}, fmt.Errorf("drain dispatches: %w", ctx.Err())
		}
	}

	if err := o.docs.Flush(ctx, s.documentID); err != nil {
		o.logger.Printf("orchestrator: %s: final flush failed: %v", s.id, err)
	}
	doc, err := o.docs.Snapshot(ctx, s.documentID)
	if err != nil {
		return document.Document{}, err
	}
	o.docs.Evict(s.documentID)
	return doc, nil
}

// Detach stops emitting to sink and pauses the session's timer. The session
// is ended automatically unless Attach is called within the grace period.
// It is a no-op when sink was already replaced by a newer Attach.
func (o *Orchestrator) Detach(sessionID string, sink Sink) error {
	s, err := o.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ending {
		return ErrSessionEnded
	}
	if s.sink != sink {
		return nil
	}
	s.sink = nil
	o.disarmLocked(s)
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.graceTimer = time.AfterFunc(o.cfg.GracePeriod, func() { o.expire(sessionID) })
	o.events.LogAsync(s.id, eventlog.EventSessionDetached, map[string]any{
		"grace_seconds": o.cfg.GracePeriod.Seconds(),
		"pending":       len(s.pending),
	})
	return nil
}

// Attach resumes a detached session with a new sink. A session whose sink
// is still attached cannot be taken over.
func (o *Orchestrator) Attach(sessionID string, sink Sink) error {
	s, err := o.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ending {
		return ErrSessionEnded
	}
	if s.sink != nil {
		return ErrSessionAttached
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.sink = sink
	if len(s.pending) > 0 {
		o.armLocked(s)
	}
	o.events.LogAsync(s.id, eventlog.EventSessionResumed, nil)
	return nil
}

func (o *Orchestrator) expire(sessionID string) {
	s, err := o.get(sessionID)
	if err != nil {
		return
	}
	s.mu.Lock()
	detached := s.sink == nil && !s.ending
	s.mu.Unlock()
	if !detached {
		return
	}

	o.logger.Printf("orchestrator: %s: grace period expired, ending session", sessionID)
	ctx, cancel := context.WithTimeout(context.Background(), 2*o.cfg.AITimeout)
	defer cancel()
	doc, err := o.End(ctx, sessionID)
	if err != nil {
		o.logger.Printf("orchestrator: %s: end after grace period: %v", sessionID, err)
		return
	}

	o.mu.Lock()
	fn := o.onExpire
	o.mu.Unlock()
	if fn != nil {
		fn(sessionID, doc)
	}
}

// Shutdown ends every tracked session as End does, including a forced flush
// of pending text, and runs the OnExpire callback for each so its records
// are closed out. Sessions ended concurrently by their clients are skipped.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	fn := o.onExpire
	o.mu.Unlock()

	var errs []error
	for _, id := range ids {
		doc, err := o.End(ctx, id)
		if errors.Is(err, ErrUnknownSession) || errors.Is(err, ErrSessionEnded) {
			continue
		}
		if err != nil {
			o.logger.Printf("orchestrator: %s: end on shutdown: %v", id, err)
			errs = append(errs, fmt.Errorf("end %s: %w", id, err))
			continue
		}
		if fn != nil {
			fn(id, doc)
		}
	}
	if len(ids) > 0 {
		o.logger.Printf("orchestrator: shutdown ended %d sessions", len(ids)-len(errs))
	}
	return errors.Join(errs...)
}

// Active returns the number of open sessions.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}
