package core_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"risk-backend/internal/core"
	"risk-backend/internal/database"
	"risk-backend/internal/messaging"
	"risk-backend/internal/scorer"
	"risk-backend/pkg/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func workerConfig() core.Config {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.ChunkConcurrency = 2
	cfg.ShutdownGrace = time.Second
	return cfg
}

// runUntilTerminal drives the pool until the job reaches a terminal status,
// then shuts the pool down.
func runUntilTerminal(t *testing.T, db *gorm.DB, pool *core.WorkerPool, jobId uuid.UUID) database.Job {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("worker pool did not shut down")
		}
	}()

	var job database.Job
	require.Eventually(t, func() bool {
		if err := db.First(&job, "id = ?", jobId).Error; err != nil {
			return false
		}
		switch job.Status {
		case database.JobCompleted, database.JobFailed, database.JobPartial:
			return true
		}
		return false
	}, 30*time.Second, 50*time.Millisecond, "job never reached a terminal status")

	return job
}

func TestPoolProcessesPartialJob(t *testing.T) {
	db := createDB(t)
	store := createStore(t)
	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	// 47 scorable rows, 2 malformed, 1 within-job duplicate: 50 total.
	var sb strings.Builder
	sb.WriteString(goodRows(47, "ACME"))
	sb.WriteString("{broken\n")
	sb.WriteString("also broken\n")
	sb.WriteString(`{"symbol": "ACME0000", "period": "2025-Q1", "features": {"revenue": 100, "total_assets": 900, "total_liabilities": 400}}` + "\n")
	putDataset(t, store, "mixed.jsonl", sb.String())

	cfg := workerConfig()
	router := core.NewJobRouter(db, queue, store, cfg)
	job, err := router.Submit(context.Background(), "acme", "mixed.jsonl")
	require.NoError(t, err)

	pool := core.NewWorkerPool(db, queue, store, scorer.NewHeuristicScorer(), cfg)
	final := runUntilTerminal(t, db, pool, job.Id)

	assert.Equal(t, database.JobPartial, final.Status)
	assert.Equal(t, int64(47), final.SucceededCount)
	assert.Equal(t, int64(2), final.FailedCount)
	assert.Equal(t, int64(1), final.SkippedCount)
	assert.Equal(t, final.TotalRows, final.SucceededCount+final.FailedCount+final.SkippedCount)
	assert.True(t, final.StartedAt.Valid)
	assert.True(t, final.FinishedAt.Valid)

	var rowErrors []database.RowError
	require.NoError(t, db.Where("job_id = ?", job.Id).Find(&rowErrors).Error)
	assert.Len(t, rowErrors, 3)

	var predictions int64
	require.NoError(t, db.Model(&database.Prediction{}).Where("job_id = ?", job.Id).Count(&predictions).Error)
	assert.Equal(t, int64(47), predictions)
}

func TestPoolProcessesMultiChunkJob(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping multi chunk job in short mode")
	}

	db := createDB(t)
	store := createStore(t)
	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	putDataset(t, store, "bulk.jsonl", goodRows(2500, "BULK"))

	cfg := workerConfig()
	router := core.NewJobRouter(db, queue, store, cfg)
	job, err := router.Submit(context.Background(), "acme", "bulk.jsonl")
	require.NoError(t, err)
	require.Equal(t, string(messaging.TierLow), job.Tier)
	require.Equal(t, 2, job.TotalChunks)

	pool := core.NewWorkerPool(db, queue, store, scorer.NewHeuristicScorer(), cfg)
	final := runUntilTerminal(t, db, pool, job.Id)

	assert.Equal(t, database.JobCompleted, final.Status)
	assert.Equal(t, int64(2500), final.SucceededCount)
	assert.Equal(t, int64(0), final.FailedCount)

	var chunks []database.ChunkTask
	require.NoError(t, db.Where("job_id = ?", job.Id).Order("chunk_id").Find(&chunks).Error)
	require.Len(t, chunks, 2)
	for _, chunk := range chunks {
		assert.Equal(t, database.ChunkDone, chunk.Status)
		assert.True(t, chunk.CompletionTime.Valid)
	}
}

func TestPoolHonorsSubmittedChunkGeometry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping chunk geometry job in short mode")
	}

	db := createDB(t)
	store := createStore(t)
	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	putDataset(t, store, "geometry.jsonl", goodRows(2500, "GEO"))

	// The submitter and the worker run with different chunk sizes. The row
	// ranges must follow the size recorded on the job, or rows beyond the
	// worker's smaller chunks would never be processed.
	submitCfg := workerConfig()
	submitCfg.ChunkSize = 5000
	router := core.NewJobRouter(db, queue, store, submitCfg)
	job, err := router.Submit(context.Background(), "acme", "geometry.jsonl")
	require.NoError(t, err)
	require.Equal(t, 1, job.TotalChunks)
	require.Equal(t, 5000, job.ChunkSize)

	workerCfg := workerConfig()
	workerCfg.ChunkSize = 1000
	pool := core.NewWorkerPool(db, queue, store, scorer.NewHeuristicScorer(), workerCfg)
	final := runUntilTerminal(t, db, pool, job.Id)

	assert.Equal(t, database.JobCompleted, final.Status)
	assert.Equal(t, int64(2500), final.SucceededCount)
	assert.Equal(t, final.TotalRows, final.SucceededCount+final.FailedCount+final.SkippedCount)

	var chunks []database.ChunkTask
	require.NoError(t, db.Where("job_id = ?", job.Id).Find(&chunks).Error)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].RowStart)
	assert.Equal(t, 2500, chunks[0].RowEnd)
}

func TestPoolDoesNotDoubleCountOnRedelivery(t *testing.T) {
	db := createDB(t)
	store := createStore(t)
	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	putDataset(t, store, "small.jsonl", goodRows(10, "ACME"))

	cfg := workerConfig()
	cfg.Workers = 2
	router := core.NewJobRouter(db, queue, store, cfg)
	job, err := router.Submit(context.Background(), "acme", "small.jsonl")
	require.NoError(t, err)

	// Duplicate delivery of the same job task, as a broker redelivery would
	// produce.
	require.NoError(t, queue.PublishJobTask(context.Background(), messaging.TierHigh, models.JobTaskPayload{JobId: job.Id}))

	pool := core.NewWorkerPool(db, queue, store, scorer.NewHeuristicScorer(), cfg)
	final := runUntilTerminal(t, db, pool, job.Id)

	assert.Equal(t, database.JobCompleted, final.Status)
	assert.Equal(t, int64(10), final.SucceededCount)
	assert.Equal(t, int64(0), final.FailedCount)
	assert.Equal(t, int64(0), final.SkippedCount)

	var predictions int64
	require.NoError(t, db.Model(&database.Prediction{}).Where("job_id = ?", job.Id).Count(&predictions).Error)
	assert.Equal(t, int64(10), predictions)
}

func TestPoolFailsCancelledJob(t *testing.T) {
	db := createDB(t)
	store := createStore(t)
	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	putDataset(t, store, "small.jsonl", goodRows(10, "ACME"))

	cfg := workerConfig()
	router := core.NewJobRouter(db, queue, store, cfg)
	job, err := router.Submit(context.Background(), "acme", "small.jsonl")
	require.NoError(t, err)

	// Cancel before any worker picks the task up.
	require.NoError(t, database.StopJob(context.Background(), db, job.Id))

	pool := core.NewWorkerPool(db, queue, store, scorer.NewHeuristicScorer(), cfg)
	final := runUntilTerminal(t, db, pool, job.Id)

	assert.Equal(t, database.JobFailed, final.Status)
	assert.Equal(t, int64(0), final.SucceededCount)
	assert.Equal(t, int64(10), final.FailedCount)

	var rowErrors []database.RowError
	require.NoError(t, db.Where("job_id = ?", job.Id).Find(&rowErrors).Error)
	require.Len(t, rowErrors, 10)
	for _, re := range rowErrors {
		assert.Equal(t, core.ReasonCancelled, re.Reason)
	}
}

func TestPoolFailsChunkAfterRetryBudget(t *testing.T) {
	db := createDB(t)
	store := createStore(t)
	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	putDataset(t, store, "small.jsonl", goodRows(10, "ACME"))

	cfg := workerConfig()
	router := core.NewJobRouter(db, queue, store, cfg)
	job, err := router.Submit(context.Background(), "acme", "small.jsonl")
	require.NoError(t, err)

	// Simulate earlier failed deliveries by exhausting the attempt budget.
	require.NoError(t, db.Create(&database.ChunkTask{
		JobId:        job.Id,
		ChunkId:      0,
		Status:       database.ChunkPending,
		RowStart:     0,
		RowEnd:       10,
		Attempts:     cfg.ChunkRetryCap,
		CreationTime: time.Now().UTC(),
	}).Error)

	pool := core.NewWorkerPool(db, queue, store, scorer.NewHeuristicScorer(), cfg)
	final := runUntilTerminal(t, db, pool, job.Id)

	assert.Equal(t, database.JobFailed, final.Status)
	assert.Equal(t, int64(10), final.FailedCount)

	var chunk database.ChunkTask
	require.NoError(t, db.First(&chunk, "job_id = ?", job.Id).Error)
	assert.Equal(t, database.ChunkFailed, chunk.Status)
	assert.Equal(t, cfg.ChunkRetryCap+1, chunk.Attempts)

	var rowErrors []database.RowError
	require.NoError(t, db.Where("job_id = ?", job.Id).Find(&rowErrors).Error)
	require.NotEmpty(t, rowErrors)
	assert.Equal(t, core.ReasonTimeout, rowErrors[0].Reason)
}

func TestPoolPreflight(t *testing.T) {
	db := createDB(t)
	store := createStore(t)
	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	pool := core.NewWorkerPool(db, queue, store, scorer.NewHeuristicScorer(), workerConfig())
	require.NoError(t, pool.Preflight(context.Background()))

	failing := core.NewWorkerPool(db, queue, store, failingScorer{}, workerConfig())
	err := failing.Preflight(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scorer unreachable")
}

type failingScorer struct{}

func (failingScorer) Score(ctx context.Context, vectors [][]float64) ([]scorer.Result, error) {
	return nil, fmt.Errorf("scorer down")
}

func (failingScorer) Version() string { return "down" }

func (failingScorer) Ping(ctx context.Context) error { return fmt.Errorf("connection refused") }
