package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/lukasbauer/murmur/internal/docstore"
	"github.com/lukasbauer/murmur/internal/eventlog"
	"github.com/lukasbauer/murmur/internal/httpapi"
	"github.com/lukasbauer/murmur/internal/llm"
	"github.com/lukasbauer/murmur/internal/orchestrator"
	"github.com/lukasbauer/murmur/internal/session"
	"github.com/lukasbauer/murmur/internal/store"
	"github.com/lukasbauer/murmur/internal/stt"
)

type App struct {
	cfg      Config
	logger   *log.Logger
	store    store.Store
	eventLog *eventlog.Logger
	docs     *docstore.Service
	sessions *session.Manager
	orch     *orchestrator.Orchestrator
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	completer, err := NewCompleter(ctx, cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	logger.Printf("app: AI provider %s", completer.Name())

	policy := llm.DefaultRetryPolicy
	policy.MaxRetries = cfg.AIMaxRetries

	el := eventlog.New(s)
	docs := docstore.New(s, logger)
	orch := orchestrator.New(orchestrator.Config{
		PauseThreshold: cfg.PauseThreshold(),
		AITimeout:      cfg.AITimeout,
		HistoryLimit:   cfg.HistoryLimit,
		GracePeriod:    cfg.SessionGracePeriod,
	}, llm.NewProcessor(completer, policy, logger), docs, s, el, logger)

	return &App{
		cfg:      cfg,
		logger:   logger,
		store:    s,
		eventLog: el,
		docs:     docs,
		sessions: session.NewManager(s, docs, logger),
		orch:     orch,
	}, nil
}

// OpenStore connects to Postgres when DATABASE_URL is set and to the SQLite
// file otherwise. Migrations run on open.
func OpenStore(ctx context.Context, cfg Config, logger *log.Logger) (store.Store, error) {
	if cfg.DatabaseURL != "" {
		s, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		logger.Printf("app: using postgres")
		return s, nil
	}
	s, err := store.OpenSQLite(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
	}
	logger.Printf("app: using sqlite at %s", cfg.SQLitePath)
	return s, nil
}

// NewCompleter builds the chat client for AI_PROVIDER.
func NewCompleter(ctx context.Context, cfg Config) (llm.Completer, error) {
	switch cfg.AIProvider {
	case "", "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required for AI_PROVIDER=anthropic")
		}
		return llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey: cfg.AnthropicAPIKey,
			Model:  cfg.AnthropicModel,
		}), nil
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for AI_PROVIDER=openai")
		}
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
		}), nil
	case "ark":
		return llm.NewArkClient(ctx, llm.ArkConfig{
			APIKey:  cfg.ArkAPIKey,
			Model:   cfg.ArkModel,
			BaseURL: cfg.ArkBaseURL,
		})
	default:
		return nil, fmt.Errorf("unknown AI_PROVIDER %q", cfg.AIProvider)
	}
}

func (a *App) newTranscriber(ctx context.Context) (stt.Client, error) {
	return stt.New(ctx, stt.Config{
		Provider:        a.cfg.TranscriptionProvider,
		Language:        a.cfg.TranscriptionLanguage,
		DeepgramAPIKey:  a.cfg.DeepgramAPIKey,
		OpenAIAPIKey:    a.cfg.OpenAIAPIKey,
		OpenAIBaseURL:   a.cfg.OpenAIBaseURL,
		WhisperInterval: a.cfg.WhisperInterval,
	})
}

func (a *App) Router(registry *httpapi.SessionRegistry) http.Handler {
	routerCfg := httpapi.RouterConfig{
		DefaultUserID:     a.cfg.DefaultUserID,
		ResumeTokenSecret: a.cfg.ResumeTokenSecret,
		ResumeTokenTTL:    a.cfg.SessionGracePeriod,
		EndTimeout:        2*a.cfg.AITimeout + 10*time.Second,
	}
	return httpapi.NewRouter(routerCfg, a.logger, httpapi.Services{
		Store:          a.store,
		Docs:           a.docs,
		Sessions:       a.sessions,
		Orchestrator:   a.orch,
		EventLog:       a.eventLog,
		NewTranscriber: a.newTranscriber,
	}, registry)
}

// Close ends every session still open in the orchestrator, flushing pending
// text, before the event log and store go away.
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*a.cfg.AITimeout+10*time.Second)
	defer cancel()
	if err := a.orch.Shutdown(ctx); err != nil {
		a.logger.Printf("app: shutdown sessions: %v", err)
	}
	a.eventLog.Wait()
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}
