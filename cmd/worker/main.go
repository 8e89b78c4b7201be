package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"risk-backend/cmd"
	"risk-backend/internal/core"
	"risk-backend/internal/database"
	"risk-backend/internal/messaging"
	"risk-backend/internal/scorer"
	"risk-backend/internal/storage"

	"github.com/caarlos0/env/v11"
)

type WorkerConfig struct {
	DatabaseURL       string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL       string `env:"RABBITMQ_URL,notEmpty,required"`
	ScorerURL         string `env:"SCORER_URL,notEmpty,required"`
	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
	S3UsePathStyle    bool   `env:"S3_USE_PATH_STYLE" envDefault:"false"`
	DatasetBucket     string `env:"DATASET_BUCKET" envDefault:"datasets"`

	Workers            int           `env:"WORKERS" envDefault:"2"`
	ChunkSize          int           `env:"CHUNK_SIZE" envDefault:"2000"`
	ChunkConcurrency   int           `env:"CHUNK_CONCURRENCY" envDefault:"8"`
	MaxChunksPerWorker int           `env:"MAX_CHUNKS_PER_WORKER" envDefault:"50"`
	ChunkTimeout       time.Duration `env:"CHUNK_TIMEOUT" envDefault:"30m"`
	SoftTimeout        time.Duration `env:"SOFT_TIMEOUT" envDefault:"25m"`
	ChunkRetryCap      int           `env:"CHUNK_RETRY_CAP" envDefault:"3"`
	StarvationGuard    int           `env:"STARVATION_GUARD" envDefault:"10"`
	DuplicatePolicy    string        `env:"DUP_POLICY" envDefault:"skip"`
	MonitorInterval    time.Duration `env:"MONITOR_INTERVAL" envDefault:"5m"`
	ShutdownGrace      time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`
	ScorerTimeout      time.Duration `env:"SCORER_TIMEOUT" envDefault:"2m"`
}

func main() {
	log.Println("starting worker process")

	cmd.LoadEnvFile()

	var cfg WorkerConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	store, err := storage.NewS3ObjectStore(context.Background(), storage.S3ClientConfig{
		Endpoint:        cfg.S3EndpointURL,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		UsePathStyle:    cfg.S3UsePathStyle,
	})
	if err != nil {
		log.Fatalf("failed to create object store: %v", err)
	}

	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer receiver.Close()

	batchScorer := scorer.NewHTTPScorer(cfg.ScorerURL, cfg.ScorerTimeout)

	pipelineCfg := core.Config{
		ChunkSize:          cfg.ChunkSize,
		Workers:            cfg.Workers,
		ChunkConcurrency:   cfg.ChunkConcurrency,
		MaxChunksPerWorker: cfg.MaxChunksPerWorker,
		ChunkTimeout:       cfg.ChunkTimeout,
		SoftTimeout:        cfg.SoftTimeout,
		ChunkRetryCap:      cfg.ChunkRetryCap,
		StarvationGuard:    cfg.StarvationGuard,
		DuplicatePolicy:    cfg.DuplicatePolicy,
		MonitorInterval:    cfg.MonitorInterval,
		ShutdownGrace:      cfg.ShutdownGrace,
		DatasetBucket:      cfg.DatasetBucket,
	}
	pipelineCfg.Normalize()

	pool := core.NewWorkerPool(db, receiver, store, batchScorer, pipelineCfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	preflightCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := pool.Preflight(preflightCtx); err != nil {
		cancel()
		log.Fatalf("preflight check failed: %v", err)
	}
	cancel()

	monitor := core.NewMonitor(receiver, pool, pipelineCfg.MonitorInterval)
	go monitor.Run(ctx)

	log.Println("worker started, waiting for tasks")
	pool.Run(ctx)

	log.Println("worker process stopped")
}
