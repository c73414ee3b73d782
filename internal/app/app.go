// Package app assembles the server from its configuration.
package app

import (
	"fmt"
	"net/http"

	"github.com/RichardoC/searchchat/internal/agent"
	"github.com/RichardoC/searchchat/internal/api"
	"github.com/RichardoC/searchchat/internal/config"
	"github.com/RichardoC/searchchat/internal/db"
	"github.com/RichardoC/searchchat/internal/llm"
	"github.com/RichardoC/searchchat/internal/search"
	"github.com/RichardoC/searchchat/internal/tools"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type App struct {
	Store   db.Store
	Agent   *agent.Agent
	Handler *api.Handler

	cfg    *config.Config
	logger *zap.Logger
}

// New builds every collaborator once. The caller owns the returned App and must
// Close it.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	store, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	if cfg.Search.APIKey == "" {
		logger.Warn("search.api_key is empty, searches will fail")
	}
	searcher := search.New(cfg.Search.BaseURL, cfg.Search.APIKey,
		search.WithMaxResults(cfg.Search.MaxResults),
		search.WithTopic(cfg.Search.Topic),
		search.WithTimeout(cfg.Search.Timeout),
	)

	invoker := tools.NewInvoker(logger.Named("tools"))
	if err := invoker.Register(searcher, search.Schema); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to register search tool: %w", err), store.Close())
	}

	model, err := llm.New(cfg.Model, invoker.Definitions(), logger.Named("llm"))
	if err != nil {
		return nil, multierr.Append(err, store.Close())
	}

	loop := agent.New(store, model, invoker,
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithLogger(logger.Named("agent")),
	)

	logger.Info("Application initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("provider", cfg.Model.Provider),
		zap.String("model", cfg.Model.Name),
		zap.Bool("stream", cfg.Model.Stream))

	return &App{
		Store:   store,
		Agent:   loop,
		Handler: api.NewHandler(loop, store, search.ToolName, logger.Named("api")),
		cfg:     cfg,
		logger:  logger,
	}, nil
}

func openStore(cfg config.StoreConfig) (db.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		store, err := db.NewSQLite(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store at %s: %w", cfg.Path, err)
		}
		return store, nil
	case "memory", "":
		return db.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func (a *App) Routes() http.Handler {
	return a.Handler.Routes(a.cfg.Server.AllowedOrigins)
}

// Close releases the store.
func (a *App) Close() error {
	if err := a.Store.Close(); err != nil {
		return fmt.Errorf("failed to close %s store: %w", a.cfg.Store.Driver, err)
	}
	return nil
}
