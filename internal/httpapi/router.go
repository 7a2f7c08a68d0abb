package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lukasbauer/murmur/internal/docstore"
	"github.com/lukasbauer/murmur/internal/document"
	"github.com/lukasbauer/murmur/internal/eventlog"
	"github.com/lukasbauer/murmur/internal/orchestrator"
	"github.com/lukasbauer/murmur/internal/session"
	"github.com/lukasbauer/murmur/internal/store"
	"github.com/lukasbauer/murmur/internal/stt"
)

type RouterConfig struct {
	// Used when a request names no user.
	DefaultUserID string

	// Resume tokens let a client reattach to a session after a dropped
	// connection. A random secret is generated when empty.
	ResumeTokenSecret string
	ResumeTokenTTL    time.Duration

	// Time allowed for the final dispatch when a session ends.
	EndTimeout time.Duration
}

// Services are the components the HTTP layer drives.
type Services struct {
	Store        store.Store
	Docs         *docstore.Service
	Sessions     *session.Manager
	Orchestrator *orchestrator.Orchestrator
	EventLog     *eventlog.Logger

	// NewTranscriber starts a transcription stream for one session. A nil
	// func or an error puts the session in text-only mode.
	NewTranscriber func(ctx context.Context) (stt.Client, error)
}

type Router struct {
	cfg      RouterConfig
	logger   *log.Logger
	svc      Services
	registry *SessionRegistry
	secret   []byte
	mux      chi.Router
}

func NewRouter(cfg RouterConfig, logger *log.Logger, svc Services, registry *SessionRegistry) http.Handler {
	if cfg.DefaultUserID == "" {
		cfg.DefaultUserID = "default_user"
	}
	if cfg.ResumeTokenTTL <= 0 {
		cfg.ResumeTokenTTL = 2 * time.Minute
	}
	if cfg.EndTimeout <= 0 {
		cfg.EndTimeout = time.Minute
	}
	if registry == nil {
		registry = NewSessionRegistry()
	}

	secret := []byte(cfg.ResumeTokenSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		_, _ = rand.Read(secret)
		logger.Printf("httpapi: RESUME_TOKEN_SECRET not set, resume tokens only survive this process")
	}

	r := &Router{
		cfg:      cfg,
		logger:   logger,
		svc:      svc,
		registry: registry,
		secret:   secret,
		mux:      chi.NewRouter(),
	}

	svc.Orchestrator.OnExpire(r.onSessionExpired)

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	r.mux.Use(middleware.RequestID)
	r.mux.Use(middleware.RealIP)

	r.mux.Get("/health", r.handleHealth)
	r.mux.Get("/readyz", r.handleReadyz)
	r.mux.Get("/ws", r.handleSessionWS)

	r.mux.Route("/api", func(api chi.Router) {
		api.Use(middleware.Logger)

		api.Get("/documents", r.handleListDocuments)
		api.Get("/documents/{documentID}", r.handleGetDocument)
		api.Get("/documents/{documentID}/export", r.handleExportDocument)
		api.Get("/documents/{documentID}/versions", r.handleListVersions)
		api.Post("/documents/{documentID}/versions/{versionID}/revert", r.handleRevertVersion)

		api.Get("/sessions/{sessionID}", r.handleGetSession)
	})
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"service":         "murmur",
		"active_sessions": r.registry.ActiveCount(),
		"draining":        r.registry.IsDraining(),
	})
}

// handleReadyz fails while draining so load balancers stop routing new
// sessions here.
func (r *Router) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if r.registry.IsDraining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// onSessionExpired closes out a session whose connection never came back.
func (r *Router) onSessionExpired(sessionID string, _ document.Document) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := r.svc.Sessions.End(ctx, sessionID); err != nil {
		r.logger.Printf("httpapi: end session without client %s: %v", sessionID, err)
		return
	}
	r.svc.EventLog.LogAsync(sessionID, eventlog.EventSessionEnded, map[string]any{"reason": "client_gone"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func nowUTC() time.Time { return time.Now().UTC() }

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		if req != nil {
			scope.SetRequest(req)
		}
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
