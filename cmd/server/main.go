// Package main is the entry point of the application
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tecu23/live-server/internal/auth"
	"github.com/tecu23/live-server/pkg/config"
	"github.com/tecu23/live-server/pkg/events"
	"github.com/tecu23/live-server/pkg/game"
	"github.com/tecu23/live-server/pkg/livestate"
	"github.com/tecu23/live-server/pkg/repository"
	"github.com/tecu23/live-server/pkg/server"
)

// App encapsulates global dependencies
type application struct {
	Auth     *auth.APIKeyAuth
	Tokens   *auth.TokenAuth
	Logger   *zap.Logger
	Config   *config.Config
	Manager  *game.Manager
	Hub      *server.Hub
	Live     *livestate.Store
	Archive  repository.Archive
	Archiver *repository.Archiver
	Upgrader websocket.Upgrader
	Server   *http.Server

	StartTime time.Time

	pgArchive    *repository.PostgresArchive
	stopRunLoops context.CancelFunc
}

func main() {
	debug := flag.Bool("debug", false, "enable debug logging")
	port := flag.String("port", "", "override the configured port")
	configPath := flag.String("config", "", "directory holding config.yaml")
	flag.Parse()

	// A .env file is a development convenience; the environment itself is
	// the source of truth.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *debug {
		cfg.Debug = true
	}

	// Initialize logger
	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	secret := cfg.TokenSecret
	if secret == "" {
		secret = randomSecret()
		logger.Warn("No token secret configured, using an ephemeral one; player tokens will not survive a restart")
	}

	tokens, err := auth.NewTokenAuth(secret, cfg.TokenTTL)
	if err != nil {
		logger.Fatal("Initializing token authority failed", zap.Error(err))
	}

	// Initialize event dispatcher
	dispatcher := events.NewDispatcher(cfg.EventBuffer, logger)

	// Live-state store is optional; without it sessions live in memory
	// only and disappear on restart.
	var (
		liveStore *livestate.Store
		liveView  game.LiveStore
	)
	if cfg.RedisURL != "" {
		liveStore, err = livestate.Connect(cfg.RedisURL, cfg.SnapshotTTL, logger)
		if err != nil {
			logger.Fatal("Connecting live-state store failed", zap.Error(err))
		}
		liveView = liveStore
	} else {
		logger.Warn("No redis configured, live games will not survive a restart")
	}

	// Finished games land in postgres when configured, otherwise in an
	// in-memory archive.
	var (
		archive   repository.Archive
		pgArchive *repository.PostgresArchive
	)
	if cfg.DatabaseURL != "" {
		pgArchive, err = repository.NewPostgresArchive(cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatal("Connecting archive database failed", zap.Error(err))
		}
		archive = pgArchive
	} else {
		archive = repository.NewInMemoryArchive(logger)
		logger.Warn("No database configured, finished games are archived in memory only")
	}

	archiver := repository.NewArchiver(archive, cfg.ArchiveWorkers, cfg.ArchiveBacklog, logger)
	archiver.Start()

	// Initialize game manager
	manager := game.NewManager(
		cfg.SessionGameConfig(),
		dispatcher,
		newGameRecorder(liveStore, archiver),
		liveView,
		logger,
	)

	runCtx, stopRunLoops := context.WithCancel(context.Background())

	restoreCtx, cancelRestore := context.WithTimeout(runCtx, 30*time.Second)
	restored, err := manager.Restore(restoreCtx)
	cancelRestore()
	if err != nil {
		logger.Error("Restoring live sessions failed", zap.Error(err))
	} else if restored > 0 {
		logger.Info("Restored live sessions", zap.Int("count", restored))
	}

	hub := server.NewHub(manager, dispatcher, logger)

	app := &application{
		Auth:     auth.NewAPIKeyAuth(cfg.APIKeys),
		Tokens:   tokens,
		Logger:   logger,
		Config:   cfg,
		Manager:  manager,
		Hub:      hub,
		Live:     liveStore,
		Archive:  archive,
		Archiver: archiver,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,

			CheckOrigin: func(r *http.Request) bool {
				if cfg.FrontendOrigin == "" {
					return true
				}
				return r.Header.Get("Origin") == cfg.FrontendOrigin
			},
		},
		StartTime:    time.Now(),
		pgArchive:    pgArchive,
		stopRunLoops: stopRunLoops,
	}

	go app.Manager.Run(runCtx)
	go app.Hub.Run(runCtx)

	err = app.serve()
	if err != nil {
		logger.Fatal("error serving", zap.Error(err))
	}
}

func initLogger(debug bool) *zap.Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	return logger
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("Failed to read random bytes: " + err.Error())
	}

	return hex.EncodeToString(buf)
}

// Shutdown cleans up resources once the http server has drained. Session
// actors stop first so nothing produces new records, then the archive
// backlog flushes, then the stores close.
func (app *application) Shutdown(ctx context.Context) {
	app.stopRunLoops()
	app.Manager.Shutdown()

	if err := app.Archiver.Shutdown(ctx); err != nil {
		app.Logger.Warn("Archive backlog not fully drained", zap.Error(err))
	}

	if app.Live != nil {
		if err := app.Live.Close(); err != nil {
			app.Logger.Warn("Closing live-state store failed", zap.Error(err))
		}
	}

	if app.pgArchive != nil {
		if err := app.pgArchive.Close(); err != nil {
			app.Logger.Warn("Closing archive database failed", zap.Error(err))
		}
	}

	app.Logger.Info("All components shut down successfully")
}
