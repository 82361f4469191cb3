package internal

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/starford/excelwiz/internal/engine"
	"github.com/starford/excelwiz/internal/mcpserver"
	"github.com/starford/excelwiz/internal/models"
	"github.com/starford/excelwiz/internal/session"
	"github.com/starford/excelwiz/internal/sse"
	"github.com/starford/excelwiz/internal/templates"
)

// Runtime holds the wired components shared by every command.
type Runtime struct {
	Config  *Config
	Logger  *slog.Logger
	Engine  *engine.Client
	Store   *templates.Store
	Session *session.Session
	// Broker is nil unless the runtime was opened for serving.
	Broker *sse.Broker

	version string
	closers []func() error
}

// Open builds the logger, template store, engine client and session from
// the configured options.
func Open(ctx context.Context, opts ...Option) (*Runtime, error) {
	return open(ctx, false, opts...)
}

func open(ctx context.Context, withEvents bool, opts ...Option) (*Runtime, error) {
	app := &application{logOutput: os.Stdout, version: "dev"}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	cfg := app.config

	logger := slog.New(slog.NewJSONHandler(app.logOutput, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	rt := &Runtime{Config: cfg, Logger: logger, version: app.version}

	repo, closeRepo, err := openRepository(cfg.Templates)
	if err != nil {
		return nil, err
	}
	if closeRepo != nil {
		rt.closers = append(rt.closers, closeRepo)
	}

	storeOpts := []templates.Option{
		templates.WithLogger(logger),
		templates.WithAutoRunDefault(cfg.Templates.AutoRunDefault),
	}
	sessOpts := []session.Option{
		session.WithLogger(logger),
		session.WithExecuteOnApply(cfg.Templates.ExecuteOnApply),
	}
	if withEvents {
		broker := sse.NewBroker(cfg.App.HTTP.EventThrottle)
		rt.Broker = broker
		rt.closers = append(rt.closers, func() error { broker.Close(); return nil })
		storeOpts = append(storeOpts, templates.WithOnChange(func(list []models.Template) {
			broker.Publish(EventTemplatesChanged, map[string]int{"count": len(list)})
		}))
		sessOpts = append(sessOpts, session.WithPublisher(broker))
	}

	rt.Store = templates.NewStore(ctx, repo, storeOpts...)
	rt.Engine = engine.NewClient(cfg.Engine.BaseURL, cfg.Engine.Timeout, engine.WithLogger(logger))
	rt.Session = session.New(rt.Engine, rt.Store, sessOpts...)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("engine_base_url", cfg.Engine.BaseURL),
		slog.String("templates_backend", cfg.Templates.Backend),
		slog.String("templates_path", cfg.Templates.Path),
		slog.String("inbox_path", cfg.Inbox.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	return rt, nil
}

// EventTemplatesChanged is published after every template mutation.
const EventTemplatesChanged = "templates.changed"

// Close releases the broker and the template repository.
func (rt *Runtime) Close() error {
	var first error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	rt.closers = nil
	return first
}

// MCPServer returns the MCP tool server over this runtime.
func (rt *Runtime) MCPServer() *mcpserver.Server {
	return mcpserver.New(rt.Session, rt.Store, rt.version)
}

func openRepository(cfg TemplatesConfig) (templates.Repository, func() error, error) {
	switch cfg.Backend {
	case BackendMemory:
		return templates.NewMemoryRepo(nil), nil, nil
	case BackendFile:
		repo, err := templates.NewFileRepo(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("init template file: %w", err)
		}
		return repo, nil, nil
	case BackendSQLite, "":
		repo, err := templates.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("init template db: %w", err)
		}
		return repo, repo.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown templates backend %q", cfg.Backend)
	}
}
