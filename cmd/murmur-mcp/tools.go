package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/lukasbauer/murmur/internal/docstore"
	"github.com/lukasbauer/murmur/internal/session"
)

type documentTools struct {
	sessions      *session.Manager
	docs          *docstore.Service
	defaultUserID string
}

func (t *documentTools) register(s *server.MCPServer) {
	s.AddTool(mcp.NewTool("list_documents",
		mcp.WithDescription("List a user's thinking documents, most recently updated first."),
		mcp.WithString("user_id", mcp.Description("Owner of the documents. Defaults to the configured user.")),
	), t.listDocuments)

	s.AddTool(mcp.NewTool("get_document",
		mcp.WithDescription("Get the current markdown of a document."),
		mcp.WithString("document_id", mcp.Required(), mcp.Description("Document ID")),
	), t.getDocument)

	s.AddTool(mcp.NewTool("export_document",
		mcp.WithDescription("Export a document as a standalone markdown file with a title header."),
		mcp.WithString("document_id", mcp.Required(), mcp.Description("Document ID")),
	), t.exportDocument)

	s.AddTool(mcp.NewTool("list_versions",
		mcp.WithDescription("List the saved versions of a document, oldest first."),
		mcp.WithString("document_id", mcp.Required(), mcp.Description("Document ID")),
	), t.listVersions)
}

type documentSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	UpdatedAt string `json:"updated_at"`
}

func (t *documentTools) listDocuments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", t.defaultUserID)
	docs, err := t.sessions.Documents(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list documents: %v", err)), nil
	}
	out := make([]documentSummary, 0, len(docs))
	for _, d := range docs {
		out = append(out, documentSummary{ID: d.ID, Title: d.Title, UpdatedAt: d.UpdatedAt.Format("2006-01-02T15:04:05Z07:00")})
	}
	return jsonResult(out)
}

func (t *documentTools) getDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("document_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	doc, err := t.sessions.Document(ctx, id)
	if err != nil {
		return toolError(id, err), nil
	}
	if doc.Markdown == "" {
		return mcp.NewToolResultText("(empty document)"), nil
	}
	return mcp.NewToolResultText(doc.Markdown), nil
}

func (t *documentTools) exportDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("document_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	exp, err := t.sessions.Export(ctx, id)
	if err != nil {
		return toolError(id, err), nil
	}
	return jsonResult(map[string]string{"filename": exp.Filename, "markdown": exp.Markdown})
}

func (t *documentTools) listVersions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("document_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	versions, err := t.docs.Versions(ctx, id)
	if err != nil {
		return toolError(id, err), nil
	}
	return jsonResult(versions)
}

func toolError(id string, err error) *mcp.CallToolResult {
	if errors.Is(err, docstore.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("document %s not found", id))
	}
	return mcp.NewToolResultError(err.Error())
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}
