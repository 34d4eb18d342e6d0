package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bnema/symstream/internal/adapters/analysis/baseline"
	"github.com/bnema/symstream/internal/adapters/analysis/remote"
	"github.com/bnema/symstream/internal/adapters/connections/memory"
	sessionsrender "github.com/bnema/symstream/internal/adapters/render/sessions"
	sqliterepo "github.com/bnema/symstream/internal/adapters/repo/sqlite"
	"github.com/bnema/symstream/internal/adapters/transport/ws"
	"github.com/bnema/symstream/internal/application"
	"github.com/bnema/symstream/internal/config"
	"github.com/bnema/symstream/internal/domain"
	"github.com/bnema/symstream/internal/logging"
	"github.com/bnema/symstream/internal/ports"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type app struct {
	cfg            config.Config
	logger         *zap.Logger
	store          *sqliterepo.Store
	analyzer       ports.Analyzer
	remote         *remote.Client
	sessions       *application.SessionService
	dispatcher     *application.Dispatcher
	orchestrator   *application.Orchestrator
	server         *ws.Server
	sessionsRender func([]domain.SessionSummary, sessionsrender.RenderOptions) (string, error)
	now            func() time.Time
}

func loadConfig(opts *rootOptions) (config.Config, error) {
	cfg, err := config.Load(viper.New(), opts.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}

	return cfg, nil
}

func wireApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
	if err != nil {
		return nil, fmt.Errorf("wire logger: %w", err)
	}

	clock := ports.SystemClock{}

	store, err := sqliterepo.Open(ctx, sqliterepo.Config{
		Path:     cfg.Storage.Path,
		PoolSize: cfg.Storage.PoolSize,
		Clock:    clock,
		Logger:   logger.Named("storage"),
	})
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("wire storage: %w", err)
	}

	var (
		analyzer     ports.Analyzer
		remoteClient *remote.Client
	)
	if cfg.Analysis.Endpoint != "" {
		remoteClient = &remote.Client{
			BaseURL:        cfg.Analysis.Endpoint,
			HTTPClient:     &http.Client{},
			RequestTimeout: cfg.Analysis.Timeout,
		}
		analyzer = remoteClient
	} else {
		analyzer = baseline.New()
	}

	directory := memory.NewDirectory()
	router := application.NewRouter(directory, clock, logger.Named("router"))
	sessions := application.NewSessionService(store.Sessions(), store.Ledger(), store.Jobs(), cfg.Milestones, clock)
	dispatcher := application.NewDispatcher(
		store.Jobs(),
		store.Ledger(),
		analyzer,
		router,
		clock,
		logger.Named("dispatcher"),
		application.DispatcherConfig{
			Workers:       cfg.Analysis.Workers,
			QueueSize:     cfg.Analysis.QueueSize,
			MaxAttempts:   cfg.Analysis.MaxAttempts,
			Backoff:       cfg.Analysis.Backoff,
			SweepInterval: cfg.Analysis.SweepInterval,
		},
	)
	orchestrator := application.NewOrchestrator(sessions, store.Ledger(), dispatcher, directory, clock, logger.Named("orchestrator"))
	server := ws.NewServer(func(conn ports.Connection) ws.Handler {
		return orchestrator.NewHandler(conn)
	}, ws.Config{
		ReadLimit:      cfg.Server.ReadLimit,
		WriteTimeout:   cfg.Server.WriteTimeout,
		PongWait:       cfg.Server.PongWait,
		SendBuffer:     cfg.Server.SendBuffer,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger.Named("ws"))

	return &app{
		cfg:            cfg,
		logger:         logger,
		store:          store,
		analyzer:       analyzer,
		remote:         remoteClient,
		sessions:       sessions,
		dispatcher:     dispatcher,
		orchestrator:   orchestrator,
		server:         server,
		sessionsRender: sessionsrender.Render,
		now:            time.Now,
	}, nil
}

func (a *app) Close() error {
	err := a.store.Close()
	_ = a.logger.Sync()
	if err != nil {
		return fmt.Errorf("close storage: %w", err)
	}

	return nil
}
