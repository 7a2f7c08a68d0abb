package eventlog

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// EventType represents the type of session event
type EventType string

const (
	EventSessionStarted  EventType = "session_started"
	EventSessionResumed  EventType = "session_resumed"
	EventSessionDetached EventType = "session_detached"
	EventSessionEnded    EventType = "session_ended"
	EventTranscriptFinal EventType = "transcript_final"
	EventSTTUnavailable  EventType = "stt_unavailable"
	EventPauseDetected   EventType = "pause_detected"
	EventForcedFlush     EventType = "forced_flush"
	EventAIDispatched    EventType = "ai_dispatched"
	EventAICompleted     EventType = "ai_completed"
	EventAIError         EventType = "ai_error"
	EventMergeApplied    EventType = "merge_applied"
	EventMergeRejected   EventType = "merge_rejected"
	EventMergeSkipped    EventType = "merge_skipped"
	EventPersistFailed   EventType = "persist_failed"
)

// Writer persists one encoded event.
type Writer interface {
	InsertEvent(ctx context.Context, sessionID, eventType string, data []byte) error
}

// Logger provides async event logging to the database
type Logger struct {
	w  Writer
	wg sync.WaitGroup
}

// New creates a new event logger. A nil writer disables logging.
func New(w Writer) *Logger {
	return &Logger{w: w}
}

// Log writes an event synchronously
func (l *Logger) Log(ctx context.Context, sessionID string, eventType EventType, data map[string]any) error {
	if l == nil || l.w == nil || sessionID == "" {
		return nil
	}

	dataJSON, err := json.Marshal(data)
	if err != nil || data == nil {
		dataJSON = []byte("{}")
	}

	return l.w.InsertEvent(ctx, sessionID, string(eventType), dataJSON)
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(sessionID string, eventType EventType, data map[string]any) {
	if l == nil || l.w == nil || sessionID == "" {
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Log(ctx, sessionID, eventType, data)
	}()
}

// Wait blocks until pending async writes finish.
func (l *Logger) Wait() {
	if l == nil {
		return
	}
	l.wg.Wait()
}
