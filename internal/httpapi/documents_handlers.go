package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lukasbauer/murmur/internal/docstore"
	"github.com/lukasbauer/murmur/internal/document"
)

type documentSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type documentResponse struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Markdown  string           `json:"markdown"`
	Structure document.Content `json:"structure"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func toDocumentResponse(d document.Document) documentResponse {
	structure := d.Content
	if structure.Sections == nil {
		structure.Sections = []document.Section{}
	}
	return documentResponse{
		ID:        d.ID,
		Title:     d.Title,
		Markdown:  d.Markdown,
		Structure: structure,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

type versionSummary struct {
	ID        string    `json:"id"`
	Markdown  string    `json:"markdown"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *Router) handleListDocuments(w http.ResponseWriter, req *http.Request) {
	userID := req.URL.Query().Get("user_id")
	if userID == "" {
		userID = r.cfg.DefaultUserID
	}

	docs, err := r.svc.Sessions.Documents(req.Context(), userID)
	if err != nil {
		r.logger.Printf("documents: list failed: %v", err)
		captureError(req, err, "documents: list failed")
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}

	out := make([]documentSummary, 0, len(docs))
	for _, d := range docs {
		out = append(out, documentSummary{ID: d.ID, Title: d.Title, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleGetDocument(w http.ResponseWriter, req *http.Request) {
	doc, ok := r.loadDocument(w, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toDocumentResponse(doc))
}

func (r *Router) handleExportDocument(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "documentID")
	exp, err := r.svc.Sessions.Export(req.Context(), id)
	if err != nil {
		r.documentError(w, req, err)
		return
	}
	if req.URL.Query().Get("download") == "1" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exp.Filename))
		_, _ = w.Write([]byte(exp.Markdown))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"markdown": exp.Markdown,
		"filename": exp.Filename,
	})
}

func (r *Router) handleListVersions(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "documentID")
	versions, err := r.svc.Docs.Versions(req.Context(), id)
	if err != nil {
		r.documentError(w, req, err)
		return
	}
	out := make([]versionSummary, 0, len(versions))
	for _, v := range versions {
		out = append(out, versionSummary{ID: v.ID, Markdown: v.Markdown, CreatedAt: v.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleRevertVersion(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "documentID")
	versionID := chi.URLParam(req, "versionID")

	res, err := r.svc.Docs.Revert(req.Context(), id, versionID)
	if err != nil {
		r.documentError(w, req, err)
		return
	}
	r.logger.Printf("documents: %s reverted to version %s", id, versionID)
	writeJSON(w, http.StatusOK, toDocumentResponse(res.Document))
}

func (r *Router) loadDocument(w http.ResponseWriter, req *http.Request) (document.Document, bool) {
	id := chi.URLParam(req, "documentID")
	doc, err := r.svc.Sessions.Document(req.Context(), id)
	if err != nil {
		r.documentError(w, req, err)
		return document.Document{}, false
	}
	return doc, true
}

func (r *Router) documentError(w http.ResponseWriter, req *http.Request, err error) {
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "document not found")
	case errors.Is(err, docstore.ErrPersistence):
		r.logger.Printf("documents: %s %s: %v", req.Method, req.URL.Path, err)
		captureError(req, err, "documents: persistence failure")
		writeError(w, http.StatusServiceUnavailable, "document could not be saved")
	default:
		r.logger.Printf("documents: %s %s: %v", req.Method, req.URL.Path, err)
		captureError(req, err, "documents: request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
