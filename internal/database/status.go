package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func MarkJobRunning(ctx context.Context, txn *gorm.DB, jobId uuid.UUID) error {
	if err := txn.WithContext(ctx).
		Model(&Job{}).
		Where("id = ? AND status = ?", jobId, JobPending).
		Updates(map[string]any{"status": JobRunning, "started_at": time.Now().UTC()}).
		Error; err != nil {
		slog.Error("error marking job as running", "job_id", jobId, "error", err)
		return fmt.Errorf("error marking job as running: %w", err)
	}
	return nil
}

// StartChunk bumps the attempt counter and moves the chunk to RUNNING. A
// redelivered chunk that already reached a terminal status is left untouched;
// the returned bool tells the caller whether the chunk should be processed.
func StartChunk(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, chunkId int) (bool, error) {
	res := txn.WithContext(ctx).
		Model(&ChunkTask{}).
		Where("job_id = ? AND chunk_id = ? AND status NOT IN ?", jobId, chunkId, []string{ChunkDone, ChunkFailed}).
		Updates(map[string]any{
			"status":     ChunkRunning,
			"attempts":   gorm.Expr("attempts + 1"),
			"start_time": time.Now().UTC(),
		})
	if res.Error != nil {
		slog.Error("error marking chunk as running", "job_id", jobId, "chunk_id", chunkId, "error", res.Error)
		return false, fmt.Errorf("error marking chunk as running: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// CompleteChunk transitions the chunk to a terminal status and folds its
// counters into the owning Job. The transition is guarded on the chunk not
// already being terminal, which makes the whole operation idempotent under
// queue redelivery: a chunk that was already counted affects nothing.
func CompleteChunk(ctx context.Context, db *gorm.DB, jobId uuid.UUID, chunkId int, status string, succeeded, failed, skipped int64) (bool, error) {
	applied := false

	err := db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		res := txn.
			Model(&ChunkTask{}).
			Where("job_id = ? AND chunk_id = ? AND status NOT IN ?", jobId, chunkId, []string{ChunkDone, ChunkFailed}).
			Updates(map[string]any{
				"status":          status,
				"succeeded_count": succeeded,
				"failed_count":    failed,
				"skipped_count":   skipped,
				"completion_time": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil // already counted, e.g. redelivered chunk
		}

		if err := txn.
			Model(&Job{}).
			Where("id = ?", jobId).
			Updates(map[string]any{
				"succeeded_count": gorm.Expr("succeeded_count + ?", succeeded),
				"failed_count":    gorm.Expr("failed_count + ?", failed),
				"skipped_count":   gorm.Expr("skipped_count + ?", skipped),
			}).Error; err != nil {
			return err
		}

		applied = true
		return nil
	})
	if err != nil {
		slog.Error("error completing chunk", "job_id", jobId, "chunk_id", chunkId, "error", err)
		return false, fmt.Errorf("error completing chunk: %w", err)
	}

	return applied, nil
}

// MaybeFinalizeJob moves the Job to its terminal status once every chunk has
// reported an outcome. The guarded update makes finalization exactly-once
// even when the last two chunks complete concurrently.
func MaybeFinalizeJob(ctx context.Context, db *gorm.DB, jobId uuid.UUID) (bool, error) {
	var remaining int64
	if err := db.WithContext(ctx).
		Model(&ChunkTask{}).
		Where("job_id = ? AND status NOT IN ?", jobId, []string{ChunkDone, ChunkFailed}).
		Count(&remaining).Error; err != nil {
		return false, fmt.Errorf("error counting unfinished chunks: %w", err)
	}
	if remaining > 0 {
		return false, nil
	}

	var job Job
	if err := db.WithContext(ctx).First(&job, "id = ?", jobId).Error; err != nil {
		return false, fmt.Errorf("error fetching job for finalization: %w", err)
	}

	outcome := JobCompleted
	switch {
	case job.Stopped, job.TotalRows > 0 && job.FailedCount >= job.TotalRows:
		outcome = JobFailed
	case job.FailedCount > 0 || job.SkippedCount > 0:
		outcome = JobPartial
	}

	res := db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ? AND status = ?", jobId, JobRunning).
		Updates(map[string]any{"status": outcome, "finished_at": time.Now().UTC()})
	if res.Error != nil {
		slog.Error("error finalizing job", "job_id", jobId, "outcome", outcome, "error", res.Error)
		return false, fmt.Errorf("error finalizing job: %w", res.Error)
	}

	if res.RowsAffected == 1 {
		slog.Info("job finalized", "job_id", jobId, "outcome", outcome,
			"succeeded", job.SucceededCount, "failed", job.FailedCount, "skipped", job.SkippedCount)
	}
	return res.RowsAffected == 1, nil
}

func StopJob(ctx context.Context, txn *gorm.DB, jobId uuid.UUID) error {
	res := txn.WithContext(ctx).
		Model(&Job{}).
		Where("id = ? AND status IN ?", jobId, []string{JobPending, JobRunning}).
		Update("stopped", true)
	if res.Error != nil {
		slog.Error("error stopping job", "job_id", jobId, "error", res.Error)
		return fmt.Errorf("error stopping job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func SaveRowErrors(ctx context.Context, txn *gorm.DB, rowErrors []RowError) {
	if len(rowErrors) == 0 {
		return
	}
	now := time.Now().UTC()
	for i := range rowErrors {
		if rowErrors[i].Id == uuid.Nil {
			rowErrors[i].Id = uuid.New()
		}
		rowErrors[i].Timestamp = now
	}
	if err := txn.WithContext(ctx).CreateInBatches(&rowErrors, 100).Error; err != nil {
		slog.Error("error saving row errors", "job_id", rowErrors[0].JobId, "count", len(rowErrors), "error", err)
	}
}
