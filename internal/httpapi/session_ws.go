package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lukasbauer/murmur/internal/document"
	"github.com/lukasbauer/murmur/internal/eventlog"
	"github.com/lukasbauer/murmur/internal/orchestrator"
	"github.com/lukasbauer/murmur/internal/session"
	"github.com/lukasbauer/murmur/internal/stt"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// writeWait bounds a single frame write to the client.
const writeWait = 10 * time.Second

// clientMessage is any frame the browser sends.
type clientMessage struct {
	Type        string `json:"type"`
	DocumentID  string `json:"document_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	ResumeToken string `json:"resume_token,omitempty"`
	Data        string `json:"data,omitempty"`
	Content     string `json:"content,omitempty"`
}

type sessionStartedMessage struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	DocumentID  string `json:"document_id"`
	Document    string `json:"document"`
	ResumeToken string `json:"resume_token"`
	Resumed     bool   `json:"resumed"`
}

type transcriptMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

type pauseDetectedMessage struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
}

type processingMessage struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

type aiResponseMessage struct {
	Type            string          `json:"type"`
	Conversation    string          `json:"conversation"`
	DocumentUpdates []document.Wire `json:"document_updates"`
	UpdatedDocument string          `json:"updated_document"`
}

type documentMessage struct {
	Type      string           `json:"type"`
	Markdown  string           `json:"markdown"`
	Structure document.Content `json:"structure"`
}

type sessionEndedMessage struct {
	Type            string `json:"type"`
	SessionID       string `json:"session_id"`
	DocumentID      string `json:"document_id"`
	FinalTranscript string `json:"final_transcript"`
	FinalDocument   string `json:"final_document"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// wsSession drives one client connection. The reader loop owns the session
// fields; outbound frames from any goroutine go through send.
type wsSession struct {
	r      *Router
	conn   *websocket.Conn
	connMu sync.Mutex
	logger *log.Logger

	sessionID  string
	documentID string
	userID     string
	ended      bool

	sttClient      stt.Client
	sttDone        chan struct{}
	sttUnavailable bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (r *Router) handleSessionWS(w http.ResponseWriter, req *http.Request) {
	if !r.registry.Add() {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	defer r.registry.Done()

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("session_ws: upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &wsSession{
		r:      r,
		conn:   conn,
		logger: r.logger,
		ctx:    ctx,
		cancel: cancel,
	}

	r.logger.Printf("session_ws: connection established, waiting for start_session")
	s.run()
}

func (s *wsSession) run() {
	defer s.cleanup()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Printf("session_ws: connection closed for session %s", s.sessionID)
			} else {
				s.logger.Printf("session_ws: read error for session %s: %v", s.sessionID, err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Printf("session_ws: failed to parse message: %v", err)
			s.Error("Invalid message: expected JSON")
			continue
		}

		switch msg.Type {
		case "start_session":
			s.handleStart(msg)

		case "audio":
			s.handleAudio(msg.Data)

		case "text":
			s.handleText(msg.Content)

		case "end_session":
			if s.requireSession() {
				s.endSession()
				return
			}

		case "get_document":
			s.handleGetDocument()

		case "ping":
			s.send(map[string]string{"type": "pong"})

		default:
			s.Error(fmt.Sprintf("Unknown message type: %s", msg.Type))
		}
	}
}

func (s *wsSession) requireSession() bool {
	if s.sessionID == "" {
		s.Error("No active session. Send start_session first.")
		return false
	}
	return true
}

func (s *wsSession) handleStart(msg clientMessage) {
	if s.sessionID != "" {
		s.Error("Session already started")
		return
	}

	userID := msg.UserID
	if userID == "" {
		userID = s.r.cfg.DefaultUserID
	}
	documentID := msg.DocumentID

	if msg.ResumeToken != "" {
		claims, err := parseResumeToken(s.r.secret, msg.ResumeToken)
		if err == nil {
			if s.resume(claims) {
				return
			}
			documentID = claims.DocumentID
			userID = claims.UserID
		} else {
			s.logger.Printf("session_ws: rejected resume token: %v", err)
		}
		s.Error("Previous session could not be resumed; starting a new one")
	}

	sess, doc, err := s.r.svc.Sessions.Start(s.ctx, userID, documentID)
	if err != nil {
		s.logger.Printf("session_ws: start failed: %v", err)
		captureError(nil, err, "session_ws: start failed")
		s.Error("Failed to start session")
		return
	}
	if err := s.r.svc.Orchestrator.Open(sess.ID, doc.ID, s); err != nil {
		s.logger.Printf("session_ws: open orchestrator session: %v", err)
		_, _ = s.r.svc.Sessions.End(s.ctx, sess.ID)
		s.Error("Failed to start session")
		return
	}

	s.sessionID = sess.ID
	s.documentID = doc.ID
	s.userID = userID
	s.startTranscription()

	s.r.svc.EventLog.LogAsync(sess.ID, eventlog.EventSessionStarted, map[string]any{
		"document_id": doc.ID,
		"user_id":     userID,
		"text_only":   s.sttClient == nil,
	})
	s.sendStarted(doc, false)
}

// resume reattaches to a session still inside its grace period.
func (s *wsSession) resume(claims *resumeClaims) bool {
	if err := s.r.svc.Orchestrator.Attach(claims.SessionID, s); err != nil {
		s.logger.Printf("session_ws: resume %s failed: %v", claims.SessionID, err)
		return false
	}
	doc, err := s.r.svc.Sessions.Document(s.ctx, claims.DocumentID)
	if err != nil {
		s.logger.Printf("session_ws: resume %s: load document: %v", claims.SessionID, err)
	}

	s.sessionID = claims.SessionID
	s.documentID = claims.DocumentID
	s.userID = claims.UserID
	s.startTranscription()

	s.logger.Printf("session_ws: resumed session %s", s.sessionID)
	s.sendStarted(doc, true)
	return true
}

func (s *wsSession) sendStarted(doc document.Document, resumed bool) {
	token, err := issueResumeToken(s.r.secret, s.sessionID, s.documentID, s.userID, s.r.cfg.ResumeTokenTTL)
	if err != nil {
		s.logger.Printf("session_ws: issue resume token: %v", err)
	}
	s.send(sessionStartedMessage{
		Type:        "session_started",
		SessionID:   s.sessionID,
		DocumentID:  s.documentID,
		Document:    doc.Markdown,
		ResumeToken: token,
		Resumed:     resumed,
	})
}

// startTranscription opens the speech-to-text stream. Without one the
// session keeps working on typed text.
func (s *wsSession) startTranscription() {
	if s.r.svc.NewTranscriber == nil {
		s.sttUnavailable = true
		return
	}
	client, err := s.r.svc.NewTranscriber(s.ctx)
	if err != nil {
		s.sttUnavailable = true
		s.logger.Printf("session_ws: transcription unavailable for %s: %v", s.sessionID, err)
		s.r.svc.EventLog.LogAsync(s.sessionID, eventlog.EventSTTUnavailable, map[string]any{"error": err.Error()})
		if !errors.Is(err, stt.ErrUnavailable) {
			captureError(nil, err, "session_ws: transcription start failed")
		}
		s.Error("Transcription unavailable; you can keep typing your thoughts")
		return
	}
	s.sttClient = client
	s.sttDone = make(chan struct{})
	go s.processSTTResults(client, s.sessionID, s.sttDone)
}

// stopTranscription closes the stream and waits until every result it
// produced has been handled.
func (s *wsSession) stopTranscription() {
	if s.sttClient == nil {
		return
	}
	if err := s.sttClient.Close(); err != nil {
		s.logger.Printf("session_ws: close transcription: %v", err)
	}
	select {
	case <-s.sttDone:
	case <-time.After(15 * time.Second):
		s.logger.Printf("session_ws: transcription reader did not finish for %s", s.sessionID)
	}
	s.sttClient = nil
}

func (s *wsSession) processSTTResults(client stt.Client, sessionID string, done chan struct{}) {
	defer close(done)

	results := client.Results()
	errs := client.Errors()
	for results != nil {
		select {
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.logger.Printf("session_ws: STT error for %s: %v", sessionID, err)
			s.Error("Transcription error: " + err.Error())

		case result, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			text := strings.TrimSpace(result.Text)
			if text == "" {
				continue
			}

			at := result.At
			if at.IsZero() {
				at = nowUTC()
			}
			_ = s.r.svc.Sessions.Record(sessionID, session.Fragment{Text: text, IsFinal: result.IsFinal, At: at})
			s.send(transcriptMessage{Type: "transcript", Text: text, IsFinal: result.IsFinal})

			if result.IsFinal {
				s.r.svc.EventLog.LogAsync(sessionID, eventlog.EventTranscriptFinal, map[string]any{
					"text":       text,
					"confidence": result.Confidence,
				})
				if err := s.r.svc.Orchestrator.Submit(sessionID, text); err != nil {
					s.logger.Printf("session_ws: submit transcript for %s: %v", sessionID, err)
				}
			}
		}
	}
}

func (s *wsSession) handleAudio(data string) {
	if !s.requireSession() || data == "" {
		return
	}
	if s.sttClient == nil {
		// Audio is dropped silently once the client has been told.
		if !s.sttUnavailable {
			s.sttUnavailable = true
			s.Error("Transcription unavailable; you can keep typing your thoughts")
		}
		return
	}
	audio, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		s.Error("Invalid audio data")
		return
	}
	if err := s.sttClient.StreamAudio(s.ctx, audio); err != nil {
		s.logger.Printf("session_ws: stream audio for %s: %v", s.sessionID, err)
	}
}

func (s *wsSession) handleText(content string) {
	if !s.requireSession() {
		return
	}
	text := strings.TrimSpace(content)
	if text == "" {
		return
	}
	_ = s.r.svc.Sessions.Record(s.sessionID, session.Fragment{Text: text, IsFinal: true, At: nowUTC()})
	s.send(transcriptMessage{Type: "transcript", Text: text, IsFinal: true})
	if err := s.r.svc.Orchestrator.Submit(s.sessionID, text); err != nil {
		s.logger.Printf("session_ws: submit text for %s: %v", s.sessionID, err)
		s.Error("Session is no longer active")
	}
}

func (s *wsSession) handleGetDocument() {
	if !s.requireSession() {
		return
	}
	doc, err := s.r.svc.Sessions.Document(s.ctx, s.documentID)
	if err != nil {
		s.logger.Printf("session_ws: get document %s: %v", s.documentID, err)
		s.Error("Failed to load document")
		return
	}
	structure := doc.Content
	if structure.Sections == nil {
		structure.Sections = []document.Section{}
	}
	s.send(documentMessage{Type: "document", Markdown: doc.Markdown, Structure: structure})
}

// endSession flushes transcription, forces a final dispatch, persists the
// session and reports the final document.
func (s *wsSession) endSession() {
	s.stopTranscription()

	ctx, cancel := context.WithTimeout(context.Background(), s.r.cfg.EndTimeout)
	defer cancel()

	finalDoc, err := s.r.svc.Orchestrator.End(ctx, s.sessionID)
	if err != nil {
		s.logger.Printf("session_ws: end orchestrator session %s: %v", s.sessionID, err)
		if doc, derr := s.r.svc.Sessions.Document(ctx, s.documentID); derr == nil {
			finalDoc = doc
		}
	}

	transcript := s.r.svc.Sessions.FinalTranscript(s.sessionID)
	if _, err := s.r.svc.Sessions.End(ctx, s.sessionID); err != nil {
		s.logger.Printf("session_ws: end session %s: %v", s.sessionID, err)
		captureError(nil, err, "session_ws: end session failed")
		s.Error("Session transcript could not be saved")
	}
	s.r.svc.EventLog.LogAsync(s.sessionID, eventlog.EventSessionEnded, map[string]any{
		"reason":           "client",
		"transcript_chars": len(transcript),
	})

	s.send(sessionEndedMessage{
		Type:            "session_ended",
		SessionID:       s.sessionID,
		DocumentID:      s.documentID,
		FinalTranscript: transcript,
		FinalDocument:   finalDoc.Markdown,
	})
	s.ended = true
}

func (s *wsSession) cleanup() {
	s.cancel()

	if s.sessionID != "" && !s.ended {
		s.stopTranscription()
		if err := s.r.svc.Orchestrator.Detach(s.sessionID, s); err != nil {
			s.logger.Printf("session_ws: detach %s: %v", s.sessionID, err)
		} else {
			s.logger.Printf("session_ws: session %s detached, waiting for reconnect", s.sessionID)
		}
	}

	s.connMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.conn.Close()
	s.connMu.Unlock()

	s.logger.Printf("session_ws: connection cleaned up for session %s", s.sessionID)
}

func (s *wsSession) send(v any) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(v); err != nil {
		s.logger.Printf("session_ws: write failed for session %s: %v", s.sessionID, err)
	}
}

// Sink implementation: the orchestrator reports through these.

func (s *wsSession) PauseDetected(utterance string) {
	s.send(pauseDetectedMessage{Type: "pause_detected", Transcript: utterance})
}

func (s *wsSession) Processing(status string) {
	s.send(processingMessage{Type: "processing", Status: status})
}

func (s *wsSession) AIResponse(resp orchestrator.Response) {
	updates := resp.Updates
	if updates == nil {
		updates = []document.Wire{}
	}
	s.send(aiResponseMessage{
		Type:            "ai_response",
		Conversation:    resp.Conversation,
		DocumentUpdates: updates,
		UpdatedDocument: resp.Document.Markdown,
	})
}

func (s *wsSession) Error(message string) {
	s.send(errorMessage{Type: "error", Message: message})
}
