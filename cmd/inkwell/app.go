package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/zulandar/inkwell/internal/chat"
	"github.com/zulandar/inkwell/internal/config"
	"github.com/zulandar/inkwell/internal/conversation"
	"github.com/zulandar/inkwell/internal/dashboard"
	"github.com/zulandar/inkwell/internal/db"
	"github.com/zulandar/inkwell/internal/execrun"
	"github.com/zulandar/inkwell/internal/filestore"
	"github.com/zulandar/inkwell/internal/inference"
	"github.com/zulandar/inkwell/internal/logging"
	"github.com/zulandar/inkwell/internal/persist"
	"github.com/zulandar/inkwell/internal/proposal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// app is the wired client: storage, collaborators and the chat engine.
type app struct {
	cfg *config.Config
	log *zap.Logger
	db  *gorm.DB

	state  *persist.State
	syncer *persist.Syncer
	store  *conversation.Store
	files  *filestore.Client
	cache  *filestore.Cache
	queue  *proposal.Queue
	runner *execrun.Runner
	live   *chat.LiveEdits
	hub    *dashboard.Hub
	engine *chat.Engine
}

// appOpts overrides parts of the wiring.
type appOpts struct {
	Logger  *zap.Logger
	Backend inference.Backend // built from config when nil
	// ExecObserver sees every exec entry update.
	ExecObserver func(execrun.Entry)
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Options{Level: cfg.Log.Level, Development: cfg.Log.Development})
}

// newBackend selects the inference backend named by the config.
func newBackend(ctx context.Context, cfg *config.Config, log *zap.Logger) (inference.Backend, error) {
	switch cfg.Backend {
	case config.BackendGenAI:
		return inference.NewGenAIBackend(ctx, inference.GenAIBackendOpts{APIKey: cfg.APIKey(), Logger: log})
	default:
		return inference.NewSSEBackend(inference.SSEBackendOpts{BaseURL: cfg.Server.BaseURL, Logger: log})
	}
}

// newApp opens storage and wires every component. The caller owns Close.
func newApp(ctx context.Context, cfg *config.Config, opts appOpts) (*app, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	a := &app{cfg: cfg, log: log, store: conversation.NewStore(), live: chat.NewLiveEdits(), hub: dashboard.NewHub()}

	instruction, err := cfg.Instruction()
	if err != nil {
		return nil, err
	}

	a.db, err = db.OpenAndMigrate(cfg.Storage)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*app, error) {
		db.Close(a.db)
		return nil, err
	}

	if a.state, err = persist.NewState(a.db, log.Named("persist")); err != nil {
		return fail(err)
	}

	a.files, err = filestore.NewClient(filestore.ClientOpts{
		BaseURL:    cfg.Server.BaseURL,
		HTTPClient: &http.Client{Timeout: cfg.HTTP.Timeout},
		Logger:     log.Named("filestore"),
	})
	if err != nil {
		return fail(err)
	}
	a.cache = filestore.NewCache(filestore.CacheOpts{Reader: a.files, Files: cfg.Cache.CoreFiles, Logger: log.Named("cache")})
	a.syncer = persist.NewSyncer(persist.SyncerOpts{
		State:    a.state,
		Store:    a.store,
		Cache:    a.cache,
		Debounce: cfg.Storage.SaveDebounce,
		Logger:   log.Named("persist"),
	})

	if a.queue, err = proposal.NewQueue(proposal.QueueOpts{Store: a.files, Cache: a.cache, Logger: log.Named("proposal")}); err != nil {
		return fail(err)
	}
	// Exec streams run as long as the command does; the collaborator
	// enforces the per-command timeout.
	opener, err := execrun.NewClient(cfg.Server.BaseURL, &http.Client{})
	if err != nil {
		return fail(err)
	}
	a.runner, err = execrun.NewRunner(execrun.RunnerOpts{Opener: opener, Logger: log.Named("exec"), Observer: opts.ExecObserver})
	if err != nil {
		return fail(err)
	}

	backend := opts.Backend
	if backend == nil {
		if backend, err = newBackend(ctx, cfg, log.Named("inference")); err != nil {
			return fail(err)
		}
	}
	a.engine, err = chat.NewEngine(chat.EngineOpts{
		Store:             a.store,
		Backend:           backend,
		Queue:             a.queue,
		Runner:            a.runner,
		LiveEdit:          a.live,
		Observer:          a.hub.Publish,
		Logger:            log.Named("chat"),
		Model:             cfg.Model,
		SystemInstruction: instruction,
		WebSearch:         cfg.WebSearchEnabled(),
	})
	if err != nil {
		return fail(err)
	}
	return a, nil
}

// restore loads persisted conversations and cache, opens their sessions
// and starts saving changes.
func (a *app) restore(ctx context.Context) (int, error) {
	n, err := a.syncer.Restore(ctx)
	if err != nil {
		return n, err
	}
	a.engine.OpenSessions()
	a.syncer.Start()
	return n, nil
}

// Close flushes state, releases open streams and closes storage.
func (a *app) Close(ctx context.Context) error {
	return errors.Join(
		a.engine.Sessions().CloseAll(),
		a.syncer.Close(ctx),
		db.Close(a.db),
	)
}
