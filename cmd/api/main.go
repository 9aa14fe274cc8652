package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"strikeboard.org/internal/audit"
	"strikeboard.org/internal/auth"
	"strikeboard.org/internal/config"
	"strikeboard.org/internal/httpapi"
	"strikeboard.org/internal/lifecycle"
	"strikeboard.org/internal/obs"
)

var version = "0.3.0"

func main() {
	obs.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	sessions, err := auth.NewSessionManager(cfg.SessionSecret,
		auth.WithSecureCookies(cfg.Production()))
	if err != nil {
		log.Fatalf("sessions: %v", err)
	}
	resolver, err := auth.NewResolver(db)
	if err != nil {
		log.Fatalf("resolver: %v", err)
	}
	recorder, err := audit.NewRecorder(db)
	if err != nil {
		log.Fatalf("audit: %v", err)
	}
	users, err := lifecycle.NewService(db, recorder)
	if err != nil {
		log.Fatalf("lifecycle: %v", err)
	}

	api := httpapi.New(db, sessions, resolver, users, recorder,
		httpapi.WithVersion(version),
		httpapi.WithProduction(cfg.Production()))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting strikeboard-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = db.Close()
	log.Println("Stopped")
}
