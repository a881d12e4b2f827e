package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"gatehouse.org/internal/auth"
	"gatehouse.org/internal/config"
	"gatehouse.org/internal/httpapi"
	"gatehouse.org/internal/obs"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("GATEHOUSE_CONFIG"), "Path to YAML config")
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := sql.Open("pgx", cfg.Store.PGDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	defer db.Close()

	// Directory and roles always live in Postgres; the backend switch
	// only moves refresh-token records.
	var tokens auth.TokenStore
	var rdb *redis.Client
	switch cfg.Store.Backend {
	case "redis":
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})
		defer rdb.Close()
		tokens = auth.NewRedisTokenStore(rdb)
	default:
		tokens = auth.NewPGTokenStore(db)
	}

	roles := auth.NewPGRoles(db)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := roles.EnsureRoles(ctx, auth.DefaultHierarchy); err != nil {
		cancel()
		log.Fatalf("ensure roles: %v", err)
	}
	cancel()

	svc, err := auth.NewService(auth.NewPGDirectory(db), tokens, roles, cfg.Auth.SigningSecret,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithHashCost(cfg.Auth.HashCost),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
		auth.WithLoginLimit(cfg.Auth.LoginBurst, cfg.Auth.LoginPerMinute),
	)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, svc, version)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting gatehoused %s on %s (store=%s)", version, srv.Addr, cfg.Store.Backend)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}
