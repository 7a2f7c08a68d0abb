// Command murmur-mcp exposes murmur documents to MCP clients over stdio.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/lukasbauer/murmur/internal/app"
	"github.com/lukasbauer/murmur/internal/docstore"
	"github.com/lukasbauer/murmur/internal/session"
)

func main() {
	// stdout carries the protocol.
	logger := log.New(os.Stderr, "", log.LstdFlags)

	_ = godotenv.Load()
	cfg := app.LoadConfigFromEnv()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	s, err := app.OpenStore(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer s.Close()

	docs := docstore.New(s, logger)
	tools := &documentTools{
		sessions:      session.NewManager(s, docs, logger),
		docs:          docs,
		defaultUserID: cfg.DefaultUserID,
	}

	srv := server.NewMCPServer("murmur", "1.0.0", server.WithToolCapabilities(false))
	tools.register(srv)

	if err := server.ServeStdio(srv); err != nil {
		logger.Fatalf("serve stdio: %v", err)
	}
}
