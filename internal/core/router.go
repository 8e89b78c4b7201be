package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"risk-backend/internal/database"
	"risk-backend/internal/messaging"
	"risk-backend/internal/storage"
	"risk-backend/pkg/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobRouter sizes an incoming job, assigns it a priority tier, writes the
// pending Job record and enqueues one queue entry. Small jobs are latency
// sensitive and go high; bulk jobs go low so they cannot starve interactive
// work.
type JobRouter struct {
	db        *gorm.DB
	publisher messaging.Publisher
	store     storage.ObjectStore
	cfg       Config
}

func NewJobRouter(db *gorm.DB, publisher messaging.Publisher, store storage.ObjectStore, cfg Config) *JobRouter {
	cfg.Normalize()
	return &JobRouter{db: db, publisher: publisher, store: store, cfg: cfg}
}

// TierFor applies the tiering rule: rows < HighThreshold -> high,
// rows <= MediumThreshold -> medium, above that -> low.
func (r *JobRouter) TierFor(rows int) (messaging.Tier, error) {
	if rows < 1 {
		return "", fmt.Errorf("%w: job must contain at least one row, got %d", ErrInvalidJob, rows)
	}
	switch {
	case rows < r.cfg.HighThreshold:
		return messaging.TierHigh, nil
	case rows <= r.cfg.MediumThreshold:
		return messaging.TierMedium, nil
	default:
		return messaging.TierLow, nil
	}
}

func (r *JobRouter) Submit(ctx context.Context, tenant, datasetKey string) (*database.Job, error) {
	if tenant == "" {
		return nil, fmt.Errorf("%w: tenant is required", ErrInvalidJob)
	}

	obj, err := r.store.GetObject(ctx, r.cfg.DatasetBucket, datasetKey)
	if err != nil {
		return nil, fmt.Errorf("%w: dataset %q is not readable: %v", ErrInvalidJob, datasetKey, err)
	}
	rows, err := storage.CountRows(obj)
	obj.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: dataset %q is not readable: %v", ErrInvalidJob, datasetKey, err)
	}

	tier, err := r.TierFor(rows)
	if err != nil {
		return nil, err
	}

	job := &database.Job{
		Id:          uuid.New(),
		Tenant:      tenant,
		DatasetKey:  datasetKey,
		Tier:        string(tier),
		Status:      database.JobPending,
		TotalRows:   int64(rows),
		TotalChunks: (rows + r.cfg.ChunkSize - 1) / r.cfg.ChunkSize,
		ChunkSize:   r.cfg.ChunkSize,
		SubmittedAt: time.Now().UTC(),
	}

	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		slog.Error("error creating job record", "tenant", tenant, "error", err)
		return nil, fmt.Errorf("error creating job record: %w", err)
	}

	if err := r.publisher.PublishJobTask(ctx, tier, models.JobTaskPayload{JobId: job.Id}); err != nil {
		slog.Error("error enqueueing job", "job_id", job.Id, "tier", tier, "error", err)
		// surface the failure to the caller rather than leaving a job that
		// will never run in PENDING
		if dbErr := r.db.WithContext(ctx).
			Model(&database.Job{}).
			Where("id = ?", job.Id).
			Updates(map[string]any{"status": database.JobFailed, "finished_at": time.Now().UTC()}).
			Error; dbErr != nil {
			slog.Error("error marking unqueueable job as failed", "job_id", job.Id, "error", dbErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	slog.Info("job submitted", "job_id", job.Id, "tenant", tenant, "tier", tier, "rows", rows, "chunks", job.TotalChunks)

	return job, nil
}
