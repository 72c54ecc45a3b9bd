package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/sentinelfleet/sentinel/internal/config"
	"github.com/sentinelfleet/sentinel/internal/database"
	"github.com/sentinelfleet/sentinel/internal/eventlog"
	"github.com/sentinelfleet/sentinel/internal/fts"
	"github.com/sentinelfleet/sentinel/internal/handlers"
	authhandler "github.com/sentinelfleet/sentinel/internal/handlers/auth"
	ftshandler "github.com/sentinelfleet/sentinel/internal/handlers/fts"
	queryhandler "github.com/sentinelfleet/sentinel/internal/handlers/query"
	sessionhandler "github.com/sentinelfleet/sentinel/internal/handlers/session"
	"github.com/sentinelfleet/sentinel/internal/repository"
	"github.com/sentinelfleet/sentinel/internal/routes"
	"github.com/sentinelfleet/sentinel/internal/session"
	"github.com/sentinelfleet/sentinel/pkg/debug"
)

func main() {
	if err := godotenv.Load(); err != nil {
		debug.Info("No .env file found, using environment variables")
	}
	debug.Reinitialize()

	cfg, err := config.New()
	if err != nil {
		debug.Error("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	debug.Info("Server instance ID: %s", cfg.ServerID)

	db, err := database.Connect()
	if err != nil {
		debug.Error("Failed to connect to database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := database.RunMigrations(db); err != nil {
		debug.Error("Failed to run migrations: %v", err)
		os.Exit(1)
	}

	authority, err := cfg.LoadOrCreateAuthority()
	if err != nil {
		debug.Error("Failed to load signing keys: %v", err)
		os.Exit(1)
	}

	agentRepo := repository.NewAgentRepository(db)
	userRepo := repository.NewUserRepository(db)
	indexRepo := repository.NewIndexRepository(db)

	events := eventlog.New(eventlog.DefaultCapacity)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := session.NewManager(agentRepo, authority, events, session.Config{
		TokenExpiry:   cfg.TokenExpiry,
		PingTimeout:   cfg.PingTimeout,
		SweepInterval: cfg.SweepInterval,
	})
	manager.Start(ctx)

	codec := fts.NewDeltaCodec(cfg.DeltaBinary)
	if !codec.Available() {
		debug.Warning("%s not found on PATH, delta patches will fail to apply", cfg.DeltaBinary)
	}
	engine := fts.NewEngine(cfg, indexRepo, codec, events)

	// The index must be consistent with the store trees before agents
	// start syncing against it.
	if err := engine.BuildChecksumIndex(ctx); err != nil {
		debug.Error("Failed to build checksum index: %v", err)
		os.Exit(1)
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.RescanSpec, func() {
		if err := engine.BuildChecksumIndex(context.Background()); err != nil {
			debug.Error("Scheduled index rescan failed: %v", err)
		}
	}); err != nil {
		debug.Error("Invalid rescan schedule %q: %v", cfg.RescanSpec, err)
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	mgmt := handlers.NewManagementAuthorizer(authority)
	router := routes.Setup(routes.Handlers{
		Session: sessionhandler.NewHandler(manager, userRepo, authority, mgmt, cfg.MgmtExpiry, events),
		Auth:    authhandler.NewHandler(cfg, agentRepo, userRepo, manager, mgmt, events),
		FTS:     ftshandler.NewHandler(engine, manager, agentRepo, userRepo),
		Query:   queryhandler.NewHandler(agentRepo, userRepo, manager, events, mgmt),
	})

	server := &http.Server{
		Addr:         cfg.GetAddress(),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		debug.Info("Listening on %s", cfg.GetAddress())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			debug.Error("Server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	debug.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		debug.Error("Forced shutdown: %v", err)
	}

	// Let in-flight delta applies finish so no store file is left behind
	// its cached patch.
	engine.WaitForPendingDeltas()
	debug.Info("Shutdown complete")
}
