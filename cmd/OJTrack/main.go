package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ZJUSCT/OJTrack/internal/analysis"
	"github.com/ZJUSCT/OJTrack/internal/api/admin"
	"github.com/ZJUSCT/OJTrack/internal/auth"
	"github.com/ZJUSCT/OJTrack/internal/cache"
	"github.com/ZJUSCT/OJTrack/internal/config"
	"github.com/ZJUSCT/OJTrack/internal/database"
	"github.com/ZJUSCT/OJTrack/internal/jobs"
	"github.com/ZJUSCT/OJTrack/internal/pubsub"
	"github.com/ZJUSCT/OJTrack/internal/scraper/platforms"
	"github.com/ZJUSCT/OJTrack/internal/syncer"

	"go.uber.org/zap"
)

var Version = "dev-build"

func main() {

	fmt.Fprintf(os.Stderr, "ZJUSCT OJTrack %s - Training Progress Tracker for Online Judges\n\n", Version)

	var configPath, hashPassword string
	flag.StringVar(&configPath, "c", "configs/config.yaml", "path to config file")
	flag.StringVar(&hashPassword, "hash-password", "", "print the bcrypt hash of a password and exit")
	flag.Parse()

	if hashPassword != "" {
		hash, err := auth.HashPassword(hashPassword)
		if err != nil {
			log.Fatalf("failed to hash password: %v", err)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// logger
	logger, err := newLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if cfg.Auth.JWT.Secret == "" || cfg.Auth.Admin.PasswordHash == "" {
		zap.S().Fatal("auth.jwt.secret and auth.admin.password_hash must be set")
	}

	// database
	db, err := database.Init(cfg.Storage)
	if err != nil {
		zap.S().Fatalf("failed to initialize database: %v", err)
	}
	if err := database.SeedTags(db); err != nil {
		zap.S().Fatalf("failed to seed tags: %v", err)
	}
	zap.S().Info("database initialized successfully")

	store, err := cache.New(cfg.Cache)
	if err != nil {
		zap.S().Fatalf("failed to initialize cache: %v", err)
	}

	// services
	svc := syncer.New(db, platforms.Registry(), cfg, store)
	analyzer := analysis.New(db, cfg.AI, store)
	if analyzer.Enabled() {
		svc.SetAnalyzer(analyzer)
		zap.S().Infof("AI analysis enabled with provider %s", cfg.AI.Provider)
	}
	broker := pubsub.New()
	dispatcher := jobs.NewDispatcher(db, svc, analysis.NewBackfill(db, analyzer, cfg.AI.Backfill), broker)
	scheduler := jobs.NewScheduler(db, dispatcher)

	// recovery and cleanup
	if err := jobs.RecoverAndCleanup(db); err != nil {
		zap.S().Errorf("failed to recover and cleanup interrupted jobs: %v", err)
	} else {
		zap.S().Info("successfully recovered and cleaned up interrupted jobs")
	}
	if err := jobs.RequeuePendingJobs(db, scheduler); err != nil {
		zap.S().Fatalf("failed to requeue pending jobs: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go scheduler.Run(ctx)
	go jobs.SweepStale(ctx, db, cfg.Sync)
	zap.S().Info("job scheduler started")

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: admin.NewAdminRouter(admin.NewHandler(cfg, db, svc, analyzer, scheduler, broker)),
	}
	go func() {
		zap.S().Infof("starting admin server at %s", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.S().Fatalf("failed to start admin server: %v", err)
		}
	}()

	// graceful shutdown
	<-ctx.Done()
	zap.S().Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zap.S().Errorf("server shutdown: %v", err)
	}
}

func newLogger(cfg config.Logger) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Level == "debug" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if cfg.File != "" {
		zc.OutputPaths = append(zc.OutputPaths, cfg.File)
	}
	return zc.Build()
}
