package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/sqe-prep/backend/internal/auth"
	"github.com/sqe-prep/backend/internal/bootstrap"
	"github.com/sqe-prep/backend/internal/config"
	"github.com/sqe-prep/backend/internal/database"
	"github.com/sqe-prep/backend/internal/logger"
	"github.com/sqe-prep/backend/internal/middleware"
	"github.com/sqe-prep/backend/internal/questions"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log.Mode, cfg.Log.Verbose)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Migrate(db, log); err != nil {
		return err
	}

	ret, err := bootstrap.NewRetrieval(ctx, cfg.Retrieval, log)
	if err != nil {
		return err
	}
	defer ret.Close()

	gen, verifier, err := bootstrap.NewGeneration(cfg.Generator, cfg.Scheduler.Exam, log)
	if err != nil {
		return err
	}

	store := questions.NewStore(db, cfg.Scheduler.Exam)
	service := questions.NewService(store, ret.Searcher, gen, verifier, cfg, log)
	go service.StartRunWorker(ctx)

	authHandler := auth.NewHandler(db, cfg.Server.JWTSecret)
	runHandler := questions.NewHandler(service)

	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()

	// Public routes
	api.HandleFunc("/auth/register", authHandler.Register).Methods("POST")
	api.HandleFunc("/auth/login", authHandler.Login).Methods("POST")

	// Protected routes
	protected := api.PathPrefix("").Subrouter()
	protected.Use(middleware.Auth(cfg.Server.JWTSecret, log))
	protected.HandleFunc("/auth/me", authHandler.GetCurrentUser).Methods("GET")
	runHandler.Register(protected)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           c.Handler(r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
