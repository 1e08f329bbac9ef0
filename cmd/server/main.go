package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"github.com/courselab/courselab/internal/config"
	"github.com/courselab/courselab/internal/container"
	"github.com/courselab/courselab/internal/course"
	"github.com/courselab/courselab/internal/handler"
	"github.com/courselab/courselab/internal/logger"
	"github.com/courselab/courselab/internal/orchestrator"
	"github.com/courselab/courselab/internal/session"
	"github.com/courselab/courselab/internal/sqlgate"
	"github.com/courselab/courselab/internal/store"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	lg, err := logger.New(logger.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer lg.Close()

	// Docker daemon
	api, err := container.NewDockerAPI(cfg.DockerHost, lg)
	if err != nil {
		lg.Error("failed to connect to Docker daemon", "error", err)
		os.Exit(1)
	}

	ctrl := container.NewController(api, cfg.ContainerPrefix, lg)
	defer ctrl.Close()

	// Adopt containers left over from a previous run
	reconcileCtx, cancelReconcile := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := ctrl.Reconcile(reconcileCtx); err != nil {
		lg.Warn("container reconciliation failed", "error", err)
	}
	cancelReconcile()

	// Course catalog
	registry := course.NewRegistry(cfg.CourseDir, lg)
	if err := registry.Load(); err != nil {
		lg.Error("failed to load courses", "dir", cfg.CourseDir, "error", err)
		os.Exit(1)
	}
	if err := registry.Watch(); err != nil {
		lg.Warn("course catalog watch unavailable", "error", err)
	}
	defer registry.Close()

	// SQL gateway: ports come from the course catalog
	gate := sqlgate.New(func(courseID string) (int, error) {
		c, ok := registry.Get(courseID)
		if !ok {
			return 0, sqlgate.ErrUnknownCourse
		}
		if c.Backend.Port == 0 {
			return 0, fmt.Errorf("course %s has no backend port", courseID)
		}
		return c.Backend.Port, nil
	}, sqlgate.Options{
		User:         cfg.SQLUser,
		Database:     cfg.SQLDatabase,
		ReadyTimeout: cfg.SQLReadyTimeout,
	}, lg)
	defer gate.Close()

	// Progress persistence
	progress, err := store.Open(cfg.ProgressDSN)
	if err != nil {
		lg.Error("failed to open progress store", "dsn", cfg.ProgressDSN, "error", err)
		os.Exit(1)
	}

	orch := orchestrator.New(ctrl, registry, cfg.DefaultImage, cfg.CourseDir, lg)

	sessions := session.NewManager(ctrl, gate, func(courseID string) bool {
		_, ok := registry.Get(courseID)
		return ok
	}, lg)

	h := handler.New(registry, orch, gate, progress, sessions, lg)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)

	// REST routes get a request timeout; WebSocket routes must not
	r.Route("/api", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(60 * time.Second))

		r.Get("/courses", h.ListCourses)
		r.Route("/courses/{id}", func(r chi.Router) {
			r.Get("/", h.GetCourse)
			r.Post("/start", h.StartCourse)
			r.Post("/stop", h.StopCourse)
			r.Get("/check-port-conflict", h.CheckPortConflict)
			r.Post("/cleanup-containers", h.CleanupCourseContainers)
			r.Get("/progress", h.GetProgress)
			r.Post("/progress", h.SaveProgress)
			r.Delete("/progress", h.ResetProgress)
		})

		r.Get("/containers", h.ListContainers)
		r.Delete("/containers", h.CleanupAllContainers)
		r.Route("/containers/{id}", func(r chi.Router) {
			r.Get("/status", h.ContainerStatus)
			r.Get("/logs", h.ContainerLogs)
			r.Post("/restart", h.RestartContainer)
			r.Post("/stop", h.StopContainer)
			r.Post("/pause", h.PauseContainer)
			r.Post("/resume", h.ResumeContainer)
		})

		r.Get("/sql/info", h.SQLInfo)
		r.Get("/sql/health", h.SQLHealth)
	})

	r.Get("/ws/terminal", h.TerminalWebSocket)
	r.Get("/ws/sql", h.SQLWebSocket)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
		// no ReadTimeout/WriteTimeout: deadlines would carry over to
		// hijacked WebSocket connections and kill long-lived terminals
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		lg.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	lg.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		lg.Error("server forced to shutdown", "error", err)
	}

	lg.Info("server stopped")
}
