package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lukasbauer/murmur/internal/session"
	"github.com/lukasbauer/murmur/internal/store"
)

type sessionResponse struct {
	session.Session
	State        string                      `json:"state,omitempty"`
	Conversation []store.ConversationMessage `json:"conversation"`
	Events       []store.Event               `json:"events,omitempty"`
}

const defaultConversationLimit = 50

func (r *Router) handleGetSession(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "sessionID")
	ctx := req.Context()

	sess, err := r.svc.Sessions.Get(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		r.logger.Printf("sessions: get %s: %v", id, err)
		captureError(req, err, "sessions: get failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := sessionResponse{Session: sess}
	if state, err := r.svc.Orchestrator.State(id); err == nil {
		resp.State = state.String()
	}

	limit := defaultConversationLimit
	if v, err := strconv.Atoi(req.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	resp.Conversation, err = r.svc.Store.ListConversation(ctx, id, limit)
	if err != nil {
		r.logger.Printf("sessions: conversation %s: %v", id, err)
	}
	if resp.Conversation == nil {
		resp.Conversation = []store.ConversationMessage{}
	}

	if req.URL.Query().Get("events") == "1" {
		resp.Events, err = r.svc.Store.ListEvents(ctx, id)
		if err != nil {
			r.logger.Printf("sessions: events %s: %v", id, err)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
