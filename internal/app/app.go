package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/yungbote/jobstream/internal/db"
	"github.com/yungbote/jobstream/internal/handlers"
	"github.com/yungbote/jobstream/internal/jobs"
	"github.com/yungbote/jobstream/internal/middleware"
	"github.com/yungbote/jobstream/internal/pkg/logger"
	"github.com/yungbote/jobstream/internal/platform/envutil"
	"github.com/yungbote/jobstream/internal/repos"
	"github.com/yungbote/jobstream/internal/server"
	"github.com/yungbote/jobstream/internal/services"
	"github.com/yungbote/jobstream/internal/sse"
)

type Repos struct {
	Jobs      repos.JobRepo
	Events    repos.EventRepo
	Artifacts repos.ArtifactRepo
}

type Services struct {
	Supervisor *services.Supervisor
	Receipts   *services.ReceiptWriter
	Heartbeat  *services.Heartbeat
	Compactor  *services.Compactor
	Status     *services.StatusService
}

type App struct {
	Log         *logger.Logger
	DB          *gorm.DB
	Cfg         Config
	Router      *gin.Engine
	Repos       Repos
	Services    Services
	Broadcaster *sse.Broadcaster
	Registry    *jobs.Registry
	Worker      *jobs.Worker
	SafeMode    bool
}

func New() (*App, error) {
	logMode := envutil.String("LOG_MODE", "development")
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg, err := LoadConfig(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("load config: %w", err)
	}

	store, err := db.NewSQLiteService(cfg.DBPath, cfg.BusyTimeoutMS, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init sqlite: %w", err)
	}
	if err := store.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("sqlite automigrate: %w", err)
	}
	theDB := store.DB()

	// A store that fails its integrity check still serves reads, but no new
	// jobs are claimed until the operator intervenes. Safe mode can also be
	// forced for diagnostics.
	safeMode := cfg.SafeMode
	if err := store.CheckIntegrity(); err != nil {
		log.Error("Store integrity check failed, entering safe mode", "error", err)
		safeMode = true
	}

	reposet := Repos{
		Jobs:      repos.NewJobRepo(theDB, log),
		Events:    repos.NewEventRepo(theDB, log),
		Artifacts: repos.NewArtifactRepo(theDB, log),
	}

	bcast := sse.NewBroadcaster(reposet.Events, cfg.RingCapacity, log)

	receipts := services.NewReceiptWriter(reposet.Artifacts, log)
	sup := services.NewSupervisor(theDB, log, reposet.Jobs, reposet.Events, reposet.Artifacts, bcast, receipts, services.SupervisorConfig{
		WorkspaceBase:    cfg.WorkspaceBase,
		ClaimTimeout:     cfg.ClaimTimeout,
		MaxClaimAttempts: cfg.MaxClaimAttempts,
		SafeMode:         safeMode,
	})
	heartbeat := services.NewHeartbeat(reposet.Jobs, reposet.Events, bcast, cfg.HeartbeatInterval, log)
	compactor := services.NewCompactor(reposet.Events, services.CompactorConfig{
		EventTTL:      cfg.EventTTL,
		ErrorEventTTL: cfg.ErrorEventTTL,
		SweepInterval: cfg.SweepInterval,
	}, log)
	status := services.NewStatusService(reposet.Jobs, reposet.Events, bcast, Version, safeMode, log)

	streamer := sse.NewStreamer(reposet.Events, bcast, sse.StreamerConfig{
		ReplayChunk:  cfg.ReplayChunk,
		PingInterval: cfg.PingInterval,
		RetryMillis:  cfg.RetryMillis,
	}, log)

	registry := jobs.NewRegistry()
	if err := registry.Register(&jobs.EchoHandler{}); err != nil {
		log.Sync()
		return nil, fmt.Errorf("register handlers: %w", err)
	}
	worker := jobs.NewWorker(sup, reposet.Artifacts, registry, cfg.WorkerPollInterval, log)

	authMW := middleware.NewAuthMiddleware(log, cfg.AuthTokens)
	router := server.NewRouter(server.RouterConfig{
		Mode:           cfg.GinMode,
		AllowOrigins:   cfg.AllowOrigins,
		AuthMiddleware: authMW,
		JobsHandler:    handlers.NewJobsHandler(sup, reposet.Artifacts),
		StreamHandler:  handlers.NewStreamHandler(streamer),
		StatusHandler:  handlers.NewStatusHandler(status),
	})

	return &App{
		Log:    log,
		DB:     theDB,
		Cfg:    cfg,
		Router: router,
		Repos:  reposet,
		Services: Services{
			Supervisor: sup,
			Receipts:   receipts,
			Heartbeat:  heartbeat,
			Compactor:  compactor,
			Status:     status,
		},
		Broadcaster: bcast,
		Registry:    registry,
		Worker:      worker,
		SafeMode:    safeMode,
	}, nil
}

// Run drives the full lifecycle: crash recovery, then the broadcaster
// opens, then the long-running loops and the HTTP listener. It blocks
// until ctx is cancelled and shuts down in order.
func (a *App) Run(ctx context.Context) error {
	recovered, err := a.Services.Supervisor.RecoverOrphans(ctx)
	if err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}
	if len(recovered) > 0 {
		a.Log.Warn("Recovered orphaned jobs at startup", "count", len(recovered))
	}

	// No subscriber can connect before recovery is fully reconciled.
	if err := a.Broadcaster.Open(ctx); err != nil {
		return fmt.Errorf("open broadcaster: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Worker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.Services.Supervisor.RunClaimMonitor(gctx, a.Cfg.ClaimMonitorInterval)
		return nil
	})
	g.Go(func() error {
		a.Services.Compactor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.Services.Heartbeat.Run(gctx)
		return nil
	})

	srv := &http.Server{
		Addr:    a.Cfg.Addr,
		Handler: a.Router,
	}
	g.Go(func() error {
		a.Log.Info("Listening", "addr", a.Cfg.Addr, "safeMode", a.SafeMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.shutdown(srv)
		return nil
	})

	return g.Wait()
}

// shutdown announces the stop to connected stream clients, waits a grace
// period for in-flight work, then closes the listener.
func (a *App) shutdown(srv *http.Server) {
	grace := a.Cfg.ShutdownGrace
	a.Log.Info("Shutting down", "grace", grace)

	emitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := a.Services.Heartbeat.EmitShutdown(emitCtx, "shutdown requested", grace); err != nil {
		a.Log.Warn("Shutdown event emit failed", "error", err)
	}
	cancel()

	shutCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		a.Log.Warn("HTTP shutdown incomplete", "error", err)
	}
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
