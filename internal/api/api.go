package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"risk-backend/internal/core"
	"risk-backend/internal/database"
	"risk-backend/internal/storage"
	"risk-backend/pkg/models"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type BackendService struct {
	db     *gorm.DB
	router *core.JobRouter
	store  storage.ObjectStore
	bucket string
}

func NewBackendService(db *gorm.DB, router *core.JobRouter, store storage.ObjectStore, bucket string) *BackendService {
	return &BackendService{db: db, router: router, store: store, bucket: bucket}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/datasets", func(r chi.Router) {
		r.Post("/", RestHandler(s.UploadDataset))
	})
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", RestHandler(s.SubmitJob))
		r.Get("/", RestHandler(s.ListJobs))
		r.Get("/{job_id}", RestHandler(s.GetJob))
		r.Post("/{job_id}/cancel", RestHandler(s.CancelJob))
		r.Get("/{job_id}/errors", RestHandler(s.ListRowErrors))
	})
}

// UploadDataset stores the request body as a JSONL dataset and reports its
// row count so the caller knows which tier a job over it would land in.
func (s *BackendService) UploadDataset(r *http.Request) (any, error) {
	ctx := r.Context()
	key := fmt.Sprintf("uploads/%s.jsonl", uuid.New())

	if err := s.store.PutObject(ctx, s.bucket, key, r.Body); err != nil {
		slog.Error("error storing uploaded dataset", "key", key, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to store dataset")
	}

	obj, err := s.store.GetObject(ctx, s.bucket, key)
	if err != nil {
		slog.Error("error reading back uploaded dataset", "key", key, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to read back dataset")
	}
	defer obj.Close()

	rows, err := storage.CountRows(obj)
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "uploaded dataset is not readable: %v", err)
	}

	slog.Info("dataset uploaded", "key", key, "rows", rows)
	return models.UploadDatasetResponse{DatasetKey: key, Rows: rows}, nil
}

func (s *BackendService) SubmitJob(r *http.Request) (any, error) {
	req, err := ParseRequest[models.SubmitJobRequest](r)
	if err != nil {
		return nil, err
	}

	if req.DatasetKey == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "missing required field: dataset_key")
	}

	job, err := s.router.Submit(r.Context(), req.Tenant, req.DatasetKey)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrInvalidJob):
			return nil, CodedError(http.StatusBadRequest, err)
		case errors.Is(err, core.ErrQueueUnavailable):
			return nil, CodedErrorf(http.StatusServiceUnavailable, "job could not be queued, try again later")
		default:
			slog.Error("error submitting job", "tenant", req.Tenant, "error", err)
			return nil, CodedErrorf(http.StatusInternalServerError, "failed to submit job")
		}
	}

	return models.SubmitJobResponse{
		Message: "Job submitted",
		JobId:   job.Id,
		Tier:    job.Tier,
		Rows:    int(job.TotalRows),
	}, nil
}

func (s *BackendService) GetJob(r *http.Request) (any, error) {
	jobId, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	var job database.Job
	if err := s.db.WithContext(r.Context()).First(&job, "id = ?", jobId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "job not found")
		}
		slog.Error("error getting job", "job_id", jobId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving job record")
	}

	return jobStatusResponse(job), nil
}

func (s *BackendService) CancelJob(r *http.Request) (any, error) {
	jobId, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	var job database.Job
	if err := s.db.WithContext(r.Context()).Select("id").First(&job, "id = ?", jobId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "job not found")
		}
		slog.Error("error getting job", "job_id", jobId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving job record")
	}

	if err := database.StopJob(r.Context(), s.db, jobId); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// The job exists but is already terminal.
			return nil, CodedErrorf(http.StatusConflict, "job is not cancellable")
		}
		slog.Error("error cancelling job", "job_id", jobId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error cancelling job")
	}

	slog.Info("job cancellation requested", "job_id", jobId)
	return nil, nil
}

func (s *BackendService) ListJobs(r *http.Request) (any, error) {
	req, err := ParseRequestQueryParams[models.ListJobsRequest](r)
	if err != nil {
		return nil, err
	}
	if req.Limit <= 0 || req.Limit > maxListLimit {
		req.Limit = defaultListLimit
	}
	if req.Offset < 0 {
		req.Offset = 0
	}

	query := s.db.WithContext(r.Context()).Model(&database.Job{})
	if req.Tenant != "" {
		query = query.Where("tenant = ?", req.Tenant)
	}

	var jobs []database.Job
	if err := query.Order("submitted_at DESC").Limit(req.Limit).Offset(req.Offset).Find(&jobs).Error; err != nil {
		slog.Error("error listing jobs", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing jobs")
	}

	res := models.ListJobsResponse{Jobs: make([]models.JobStatusResponse, 0, len(jobs))}
	for _, job := range jobs {
		res.Jobs = append(res.Jobs, jobStatusResponse(job))
	}
	return res, nil
}

func (s *BackendService) ListRowErrors(r *http.Request) (any, error) {
	jobId, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	var job database.Job
	if err := s.db.WithContext(r.Context()).First(&job, "id = ?", jobId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "job not found")
		}
		slog.Error("error getting job", "job_id", jobId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving job record")
	}

	var rowErrors []database.RowError
	if err := s.db.WithContext(r.Context()).
		Where("job_id = ?", jobId).
		Order("row_index").
		Find(&rowErrors).Error; err != nil {
		slog.Error("error listing row errors", "job_id", jobId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing row errors")
	}

	res := models.ListRowErrorsResponse{Errors: make([]models.RowErrorResponse, 0, len(rowErrors))}
	for _, re := range rowErrors {
		res.Errors = append(res.Errors, models.RowErrorResponse{
			ChunkId:  re.ChunkId,
			RowIndex: re.RowIndex,
			Reason:   re.Reason,
			Detail:   re.Detail,
		})
	}
	return res, nil
}

func jobStatusResponse(job database.Job) models.JobStatusResponse {
	res := models.JobStatusResponse{
		JobId:       job.Id,
		Tenant:      job.Tenant,
		Tier:        job.Tier,
		Status:      job.Status,
		TotalRows:   job.TotalRows,
		TotalChunks: job.TotalChunks,
		Counters: models.JobCounters{
			Succeeded: job.SucceededCount,
			Failed:    job.FailedCount,
			Skipped:   job.SkippedCount,
		},
		SubmittedAt: job.SubmittedAt,
	}
	if job.StartedAt.Valid {
		started := job.StartedAt.Time
		res.StartedAt = &started
	}
	if job.FinishedAt.Valid {
		finished := job.FinishedAt.Time
		res.FinishedAt = &finished
	}
	return res
}
