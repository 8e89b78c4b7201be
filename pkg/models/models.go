package models

import (
	"time"

	"github.com/google/uuid"
)

// --- Task Payload Structs ---

// JobTaskPayload is the queue entry body. The row data itself stays in the
// dataset store; the worker streams it back chunk by chunk.
type JobTaskPayload struct {
	JobId uuid.UUID
}

// --- API Request/Response Structs ---

type SubmitJobRequest struct {
	Tenant     string `json:"tenant"`
	DatasetKey string `json:"dataset_key"`
}

type SubmitJobResponse struct {
	Message string    `json:"message"`
	JobId   uuid.UUID `json:"job_id"`
	Tier    string    `json:"tier"`
	Rows    int       `json:"rows"`
}

type UploadDatasetResponse struct {
	DatasetKey string `json:"dataset_key"`
	Rows       int    `json:"rows"`
}

type JobCounters struct {
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
}

type JobStatusResponse struct {
	JobId       uuid.UUID   `json:"job_id"`
	Tenant      string      `json:"tenant"`
	Tier        string      `json:"tier"`
	Status      string      `json:"status"`
	TotalRows   int64       `json:"total_rows"`
	TotalChunks int         `json:"total_chunks"`
	Counters    JobCounters `json:"counters"`
	SubmittedAt time.Time   `json:"submitted_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
}

type ListJobsRequest struct {
	Tenant string `schema:"tenant"`
	Limit  int    `schema:"limit"`
	Offset int    `schema:"offset"`
}

type ListJobsResponse struct {
	Jobs []JobStatusResponse `json:"jobs"`
}

type RowErrorResponse struct {
	ChunkId  int    `json:"chunk_id"`
	RowIndex int    `json:"row_index"`
	Reason   string `json:"reason"`
	Detail   string `json:"detail,omitempty"`
}

type ListRowErrorsResponse struct {
	Errors []RowErrorResponse `json:"errors"`
}
