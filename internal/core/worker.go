package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"risk-backend/internal/database"
	"risk-backend/internal/messaging"
	"risk-backend/internal/scorer"
	"risk-backend/internal/storage"
	"risk-backend/pkg/models"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WorkerPool consumes job tasks from the tier queues and drives them to a
// terminal status. Workers pull high tier work first, with a starvation
// guard that services one low tier task after a configurable run of
// higher tier ones. Each worker retires after a fixed number of chunks and
// is replaced, so a slow resource leak in a long-lived worker cannot
// accumulate forever.
type WorkerPool struct {
	db        *gorm.DB
	receiver  messaging.Receiver
	store     storage.ObjectStore
	scorer    scorer.BatchScorer
	processor *ChunkProcessor
	cfg       Config

	inFlight    atomic.Int64
	liveWorkers atomic.Int64
	nextWorker  atomic.Int64
}

func NewWorkerPool(db *gorm.DB, receiver messaging.Receiver, store storage.ObjectStore, batchScorer scorer.BatchScorer, cfg Config) *WorkerPool {
	cfg.Normalize()
	cache := NewEntityCache(db)
	return &WorkerPool{
		db:        db,
		receiver:  receiver,
		store:     store,
		scorer:    batchScorer,
		processor: NewChunkProcessor(db, cache, batchScorer, cfg),
		cfg:       cfg,
	}
}

// InFlight reports the number of job tasks currently being processed.
func (p *WorkerPool) InFlight() int64 { return p.inFlight.Load() }

// LiveWorkers reports the number of running worker goroutines.
func (p *WorkerPool) LiveWorkers() int64 { return p.liveWorkers.Load() }

// Preflight verifies the queue, the database, and the scorer are reachable.
// A worker process that cannot reach its dependencies should fail fast at
// startup instead of consuming tasks it cannot complete.
func (p *WorkerPool) Preflight(ctx context.Context) error {
	if err := p.receiver.Ping(ctx); err != nil {
		return fmt.Errorf("queue unreachable: %w", err)
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return fmt.Errorf("error getting database handle: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	if err := p.scorer.Ping(ctx); err != nil {
		return fmt.Errorf("scorer unreachable: %w", err)
	}
	return nil
}

// Run blocks until ctx is cancelled and all workers have drained. After
// cancellation, in-flight tasks get ShutdownGrace to finish; past that their
// contexts are cancelled and the tasks are returned to the queue.
func (p *WorkerPool) Run(ctx context.Context) {
	procCtx, procCancel := context.WithCancel(context.Background())
	go func() {
		<-ctx.Done()
		timer := time.NewTimer(p.cfg.ShutdownGrace)
		defer timer.Stop()
		<-timer.C
		procCancel()
	}()
	defer procCancel()

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		p.spawn(ctx, procCtx, &wg)
	}
	wg.Wait()
}

func (p *WorkerPool) spawn(ctx, procCtx context.Context, wg *sync.WaitGroup) {
	id := p.nextWorker.Add(1)
	wg.Add(1)
	p.liveWorkers.Add(1)
	go func() {
		defer wg.Done()
		defer p.liveWorkers.Add(-1)
		w := &worker{pool: p, id: id, log: slog.With("worker", id)}
		w.run(ctx, procCtx, wg)
	}()
}

type worker struct {
	pool     *WorkerPool
	id       int64
	log      *slog.Logger
	sinceLow int
	chunks   int
}

func (w *worker) run(ctx, procCtx context.Context, wg *sync.WaitGroup) {
	w.log.Info("worker state", "state", "starting")

	high := w.pool.receiver.Tasks(messaging.TierHigh)
	medium := w.pool.receiver.Tasks(messaging.TierMedium)
	low := w.pool.receiver.Tasks(messaging.TierLow)

	for {
		w.log.Info("worker state", "state", "ready")
		task, ok := w.next(ctx, high, medium, low)
		if !ok {
			w.log.Info("worker state", "state", "stopped")
			return
		}

		w.log.Info("worker state", "state", "processing", "tier", task.Tier())
		w.pool.inFlight.Add(1)
		w.handle(procCtx, task)
		w.pool.inFlight.Add(-1)

		if w.chunks >= w.pool.cfg.MaxChunksPerWorker {
			w.log.Info("worker state", "state", "draining", "chunks_processed", w.chunks)
			if ctx.Err() == nil {
				w.pool.spawn(ctx, procCtx, wg)
			}
			w.log.Info("worker state", "state", "stopped")
			return
		}
	}
}

// next dequeues the next task. Higher tiers win when multiple queues have
// work, except that after StarvationGuard consecutive high or medium tasks
// a waiting low tier task is serviced first.
func (w *worker) next(ctx context.Context, high, medium, low <-chan messaging.Task) (messaging.Task, bool) {
	if w.sinceLow >= w.pool.cfg.StarvationGuard {
		select {
		case task, ok := <-low:
			if ok {
				w.sinceLow = 0
				return task, true
			}
		default:
		}
	}

	select {
	case task, ok := <-high:
		if ok {
			w.sinceLow++
			return task, true
		}
	default:
	}
	select {
	case task, ok := <-medium:
		if ok {
			w.sinceLow++
			return task, true
		}
	default:
	}
	select {
	case task, ok := <-low:
		if ok {
			w.sinceLow = 0
			return task, true
		}
	default:
	}

	select {
	case task, ok := <-high:
		if !ok {
			return nil, false
		}
		w.sinceLow++
		return task, true
	case task, ok := <-medium:
		if !ok {
			return nil, false
		}
		w.sinceLow++
		return task, true
	case task, ok := <-low:
		if !ok {
			return nil, false
		}
		w.sinceLow = 0
		return task, true
	case <-ctx.Done():
		return nil, false
	}
}

func (w *worker) handle(ctx context.Context, task messaging.Task) {
	var payload models.JobTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		w.log.Error("received unparseable job task, rejecting", "tier", task.Tier(), "error", err)
		if err := task.Reject(); err != nil {
			w.log.Error("error rejecting job task", "error", err)
		}
		return
	}

	log := w.log.With("job_id", payload.JobId)
	retryable, err := w.processJob(ctx, log, payload.JobId)
	switch {
	case err != nil && retryable:
		log.Warn("job task did not finish, returning to queue", "error", err)
		if err := task.Nack(); err != nil {
			log.Error("error nacking job task", "error", err)
		}
	case err != nil:
		log.Error("job task failed permanently, rejecting", "error", err)
		if err := task.Reject(); err != nil {
			log.Error("error rejecting job task", "error", err)
		}
	default:
		if err := task.Ack(); err != nil {
			log.Error("error acking job task", "error", err)
		}
	}
}

// processJob drives every outstanding chunk of the job. The returned bool
// says whether a failure should send the task back to the queue.
func (w *worker) processJob(ctx context.Context, log *slog.Logger, jobId uuid.UUID) (bool, error) {
	db := w.pool.db

	var job database.Job
	if err := db.WithContext(ctx).First(&job, "id = ?", jobId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, fmt.Errorf("job does not exist")
		}
		return true, fmt.Errorf("error loading job: %w", err)
	}

	if job.Status != database.JobPending && job.Status != database.JobRunning {
		log.Info("job already finished, dropping redelivered task", "status", job.Status)
		return false, nil
	}

	if err := database.MarkJobRunning(ctx, db, jobId); err != nil {
		return true, err
	}

	if err := w.ensureChunks(ctx, &job); err != nil {
		return true, err
	}

	if job.Stopped {
		return w.cancelJob(ctx, log, &job)
	}

	var chunks []database.ChunkTask
	if err := db.WithContext(ctx).
		Where("job_id = ? AND status NOT IN ?", jobId, []string{database.ChunkDone, database.ChunkFailed}).
		Order("chunk_id").
		Find(&chunks).Error; err != nil {
		return true, fmt.Errorf("error loading chunks: %w", err)
	}

	var incomplete atomic.Int64
	var group errgroup.Group
	group.SetLimit(w.pool.cfg.ChunkConcurrency)
	for i := range chunks {
		chunk := chunks[i]
		group.Go(func() error {
			if !w.runChunk(ctx, log, &job, chunk) {
				incomplete.Add(1)
			}
			return nil
		})
	}
	group.Wait()
	w.chunks += len(chunks)

	if _, err := database.MaybeFinalizeJob(ctx, db, jobId); err != nil {
		return true, err
	}

	if n := incomplete.Load(); n > 0 {
		return true, fmt.Errorf("%d chunks did not reach a terminal status", n)
	}
	return false, nil
}

// ensureChunks materializes the job's chunk records. Row ranges come from
// the chunk size recorded on the job at submission, so the geometry stays
// consistent with TotalChunks even when this worker is configured with a
// different chunk size. The conflict clause makes this safe under
// redelivery: chunks that already exist, including ones already completed,
// are left alone.
func (w *worker) ensureChunks(ctx context.Context, job *database.Job) error {
	size := job.ChunkSize
	if size <= 0 {
		size = w.pool.cfg.ChunkSize
	}
	chunks := make([]database.ChunkTask, 0, job.TotalChunks)
	now := time.Now().UTC()
	for i := 0; i < job.TotalChunks; i++ {
		start := i * size
		end := start + size
		if end > int(job.TotalRows) {
			end = int(job.TotalRows)
		}
		chunks = append(chunks, database.ChunkTask{
			JobId:        job.Id,
			ChunkId:      i,
			Status:       database.ChunkPending,
			RowStart:     start,
			RowEnd:       end,
			CreationTime: now,
		})
	}
	if err := w.pool.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&chunks, 100).Error; err != nil {
		return fmt.Errorf("error creating chunk records: %w", err)
	}
	return nil
}

// runChunk processes a single chunk to a terminal status. Returns false when
// the chunk is left non-terminal and the job task should be redelivered.
func (w *worker) runChunk(ctx context.Context, log *slog.Logger, job *database.Job, chunk database.ChunkTask) bool {
	db := w.pool.db
	log = log.With("chunk_id", chunk.ChunkId)

	started, err := database.StartChunk(ctx, db, job.Id, chunk.ChunkId)
	if err != nil {
		return false
	}
	if !started {
		return true // already terminal, e.g. completed before a redelivery
	}
	chunk.Attempts++

	if chunk.Attempts > w.pool.cfg.ChunkRetryCap {
		log.Warn("chunk exceeded retry budget, failing its rows", "attempts", chunk.Attempts)
		return w.failChunk(ctx, log, job, chunk, ReasonTimeout, "chunk retry budget exhausted")
	}

	var fresh database.Job
	if err := db.WithContext(ctx).Select("stopped").First(&fresh, "id = ?", job.Id).Error; err == nil && fresh.Stopped {
		return w.failChunk(ctx, log, job, chunk, ReasonCancelled, "job was cancelled")
	}

	hardCtx, cancel := context.WithTimeout(ctx, w.pool.cfg.ChunkTimeout)
	defer cancel()
	softCtx, softCancel := context.WithTimeout(hardCtx, w.pool.cfg.SoftTimeout)
	defer softCancel()

	rows, err := w.readRows(hardCtx, job, chunk)
	if err != nil {
		log.Warn("error reading chunk rows, leaving chunk for redelivery", "error", err)
		return false
	}

	outcome, err := w.pool.processor.Process(hardCtx, softCtx, job, chunk, rows)
	if err != nil {
		var chunkErr *ChunkError
		if errors.As(err, &chunkErr) && !chunkErr.Retryable {
			log.Error("chunk failed permanently", "error", err)
			return w.failChunk(ctx, log, job, chunk, ReasonPersistenceFailed, err.Error())
		}
		log.Warn("chunk failed, leaving chunk for redelivery", "attempts", chunk.Attempts, "error", err)
		return false
	}

	applied, err := database.CompleteChunk(ctx, db, job.Id, chunk.ChunkId, database.ChunkDone,
		outcome.Succeeded, outcome.Failed, outcome.Skipped)
	if err != nil {
		return false
	}
	if applied {
		// Row errors are only recorded by the delivery whose counters won,
		// so a lost redelivery race leaves no duplicate error rows.
		database.SaveRowErrors(ctx, db, outcome.RowErrors)
		log.Info("chunk completed", "succeeded", outcome.Succeeded, "failed", outcome.Failed, "skipped", outcome.Skipped)
	}
	return true
}

// failChunk marks every row in the chunk failed with the given reason and
// completes the chunk so the job's counters stay consistent.
func (w *worker) failChunk(ctx context.Context, log *slog.Logger, job *database.Job, chunk database.ChunkTask, reason, detail string) bool {
	total := chunk.RowEnd - chunk.RowStart
	applied, err := database.CompleteChunk(ctx, w.pool.db, job.Id, chunk.ChunkId, database.ChunkFailed, 0, int64(total), 0)
	if err != nil {
		return false
	}
	if !applied {
		return true
	}

	rowErrors := make([]database.RowError, 0, total)
	for row := chunk.RowStart; row < chunk.RowEnd; row++ {
		rowErrors = append(rowErrors, database.RowError{
			JobId:    job.Id,
			ChunkId:  chunk.ChunkId,
			RowIndex: row,
			Reason:   reason,
			Detail:   detail,
		})
	}
	database.SaveRowErrors(ctx, w.pool.db, rowErrors)
	return true
}

// cancelJob fails every outstanding chunk of a stopped job and finalizes it.
func (w *worker) cancelJob(ctx context.Context, log *slog.Logger, job *database.Job) (bool, error) {
	var chunks []database.ChunkTask
	if err := w.pool.db.WithContext(ctx).
		Where("job_id = ? AND status NOT IN ?", job.Id, []string{database.ChunkDone, database.ChunkFailed}).
		Find(&chunks).Error; err != nil {
		return true, fmt.Errorf("error loading chunks of cancelled job: %w", err)
	}

	for i := range chunks {
		if !w.failChunk(ctx, log, job, chunks[i], ReasonCancelled, "job was cancelled") {
			return true, fmt.Errorf("error failing chunk %d of cancelled job", chunks[i].ChunkId)
		}
	}

	log.Info("cancelled job drained", "chunks_failed", len(chunks))
	if _, err := database.MaybeFinalizeJob(ctx, w.pool.db, job.Id); err != nil {
		return true, err
	}
	return false, nil
}

func (w *worker) readRows(ctx context.Context, job *database.Job, chunk database.ChunkTask) ([]storage.DatasetRow, error) {
	body, err := w.pool.store.GetObject(ctx, w.pool.cfg.DatasetBucket, job.DatasetKey)
	if err != nil {
		return nil, fmt.Errorf("error fetching dataset %s: %w", job.DatasetKey, err)
	}
	defer body.Close()

	rows, err := storage.ReadRowRange(body, chunk.RowStart, chunk.RowEnd)
	if err != nil {
		return nil, fmt.Errorf("error reading rows [%d, %d) of dataset %s: %w", chunk.RowStart, chunk.RowEnd, job.DatasetKey, err)
	}
	return rows, nil
}
