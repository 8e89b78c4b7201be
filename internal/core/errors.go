package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidJob rejects a submission before anything is enqueued.
	ErrInvalidJob = errors.New("invalid job")

	// ErrQueueUnavailable is returned synchronously when the durable queue
	// cannot accept the job; the job record is marked failed, never dropped
	// silently.
	ErrQueueUnavailable = errors.New("queue unavailable")
)

// Machine readable reason codes attached to every failed or skipped row.
const (
	ReasonMalformedRow      = "malformed_row"
	ReasonMissingFeature    = "missing_feature"
	ReasonEntityResolution  = "entity_resolution_failed"
	ReasonDuplicateInJob    = "duplicate_in_job"
	ReasonDuplicateExisting = "duplicate_existing"
	ReasonScoringFailed     = "scoring_failed"
	ReasonPersistenceFailed = "persistence_failed"
	ReasonTimeout           = "timeout"
	ReasonCancelled         = "cancelled"
)

// ChunkError is a chunk-level failure: the chunk did not reach a terminal
// per-row outcome and may be redelivered. Retryable distinguishes transient
// infrastructure failures from conditions that will recur.
type ChunkError struct {
	Err       error
	Retryable bool
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk processing failed (retryable=%v): %v", e.Retryable, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}
