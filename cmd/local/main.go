package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"risk-backend/cmd"
	"risk-backend/internal/api"
	"risk-backend/internal/core"
	"risk-backend/internal/database"
	"risk-backend/internal/messaging"
	"risk-backend/internal/scorer"
	"risk-backend/internal/storage"
	"risk-backend/pkg/models"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/gorm"
)

// The local binary runs the full pipeline in one process: sqlite for state,
// an in-memory queue, datasets on the local filesystem, and the built-in
// heuristic scorer. Useful for development and demos without any
// infrastructure.
type Config struct {
	Root          string `env:"ROOT" envDefault:"./risk-local"`
	Port          int    `env:"PORT" envDefault:"3001"`
	DatasetBucket string `env:"DATASET_BUCKET" envDefault:"datasets"`
	Workers       int    `env:"WORKERS" envDefault:"1"`
}

func createDatabase(root string) *gorm.DB {
	path := filepath.Join(root, "db", "risk-backend.db")
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		log.Fatalf("failed to create database directory: %v", err)
	}

	db, err := database.NewDatabase("sqlite://" + path)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	return db
}

// requeuePendingJobs republishes jobs that were queued or running when the
// previous process exited, since the in-memory queue does not survive
// restarts.
func requeuePendingJobs(db *gorm.DB, queue *messaging.InMemoryQueue) {
	var jobs []database.Job
	if err := db.Where("status IN ?", []string{database.JobPending, database.JobRunning}).Find(&jobs).Error; err != nil {
		log.Fatalf("failed to fetch unfinished jobs: %v", err)
	}

	for _, job := range jobs {
		tier, err := messaging.ParseTier(job.Tier)
		if err != nil {
			slog.Error("job has unknown tier, skipping requeue", "job_id", job.Id, "tier", job.Tier)
			continue
		}
		if err := queue.PublishJobTask(context.Background(), tier, models.JobTaskPayload{JobId: job.Id}); err != nil {
			log.Fatalf("failed to requeue job: %v", err)
		}
	}

	if len(jobs) > 0 {
		slog.Info("requeued unfinished jobs", "count", len(jobs))
	}
}

func main() {
	cmd.LoadEnvFile()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating root directory: %v", err)
	}

	slog.Info("starting local backend", "root", cfg.Root, "port", cfg.Port)

	db := createDatabase(cfg.Root)

	store, err := storage.NewLocalObjectStore(filepath.Join(cfg.Root, "storage"))
	if err != nil {
		log.Fatalf("failed to create storage client: %v", err)
	}
	if err := store.CreateBucket(context.Background(), cfg.DatasetBucket); err != nil {
		log.Fatalf("failed to create dataset bucket: %v", err)
	}

	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	pipelineCfg := core.Config{
		Workers:         cfg.Workers,
		DatasetBucket:   cfg.DatasetBucket,
		MonitorInterval: time.Minute,
	}
	pipelineCfg.Normalize()

	router := core.NewJobRouter(db, queue, store, pipelineCfg)
	requeuePendingJobs(db, queue)

	pool := core.NewWorkerPool(db, queue, store, scorer.NewHeuristicScorer(), pipelineCfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go pool.Run(ctx)
	go core.NewMonitor(queue, pool, pipelineCfg.MonitorInterval).Run(ctx)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	apiHandler := api.NewBackendService(db, router, store, cfg.DatasetBucket)
	r.Route("/api/v1", func(r chi.Router) {
		apiHandler.AddRoutes(r)
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Fatalf("server forced to shutdown: %v", err)
		}
	}()

	log.Printf("local backend listening on port %d", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("could not listen on %d: %v", cfg.Port, err)
	}

	log.Println("server stopped")
}
