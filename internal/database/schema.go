package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	JobPending   string = "PENDING"
	JobRunning   string = "RUNNING"
	JobCompleted string = "COMPLETED"
	JobFailed    string = "FAILED"
	JobPartial   string = "PARTIAL"
)

const (
	ChunkPending string = "PENDING"
	ChunkRunning string = "RUNNING"
	ChunkDone    string = "DONE"
	ChunkFailed  string = "FAILED"
)

type Job struct {
	Id     uuid.UUID `gorm:"type:uuid;primaryKey"`
	Tenant string    `gorm:"size:64;not null;index"`

	DatasetKey string `gorm:"not null"`

	Tier   string `gorm:"size:10;not null"`
	Status string `gorm:"size:20;not null"`

	Stopped bool `gorm:"default:false"`

	TotalRows   int64 `gorm:"not null"`
	TotalChunks int   `gorm:"not null"`
	ChunkSize   int   `gorm:"not null"`

	SucceededCount int64 `gorm:"default:0"`
	FailedCount    int64 `gorm:"default:0"`
	SkippedCount   int64 `gorm:"default:0"`

	SubmittedAt time.Time
	StartedAt   sql.NullTime
	FinishedAt  sql.NullTime

	Chunks    []ChunkTask `gorm:"foreignKey:JobId;constraint:OnDelete:CASCADE"`
	RowErrors []RowError  `gorm:"foreignKey:JobId;constraint:OnDelete:CASCADE"`
}

// ChunkTask is both the unit of work and the idempotency key for counter
// updates: a chunk's counters are folded into its Job exactly once, on the
// chunk's first transition to a terminal status.
type ChunkTask struct {
	JobId   uuid.UUID `gorm:"type:uuid;primaryKey"`
	ChunkId int       `gorm:"primaryKey"`
	Job     *Job      `gorm:"foreignKey:JobId;constraint:OnDelete:CASCADE"`

	Status string `gorm:"size:20;not null"`

	RowStart int `gorm:"not null"`
	RowEnd   int `gorm:"not null"`

	Attempts int `gorm:"default:0"`

	SucceededCount int64 `gorm:"default:0"`
	FailedCount    int64 `gorm:"default:0"`
	SkippedCount   int64 `gorm:"default:0"`

	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime
}

type Company struct {
	Id     uuid.UUID `gorm:"type:uuid;primaryKey"`
	Symbol string    `gorm:"size:32;not null;uniqueIndex"`

	CreationTime time.Time
}

type Prediction struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	CompanyId uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_predictions_company_period"`
	Company   *Company  `gorm:"foreignKey:CompanyId"`
	Period    string    `gorm:"size:16;not null;uniqueIndex:idx_predictions_company_period"`

	JobId  uuid.UUID `gorm:"type:uuid;not null;index"`
	Tenant string    `gorm:"size:64;not null"`

	Score        float64 `gorm:"not null"`
	Confidence   float64 `gorm:"not null"`
	RiskBand     string  `gorm:"size:16;not null"`
	ModelVersion string  `gorm:"size:32;not null"`

	Features datatypes.JSON `gorm:"type:jsonb"`

	CreationTime time.Time
}

type RowError struct {
	Id       uuid.UUID `gorm:"type:uuid;primaryKey"`
	JobId    uuid.UUID `gorm:"type:uuid;not null;index"`
	ChunkId  int       `gorm:"not null"`
	RowIndex int       `gorm:"not null"`

	Reason string `gorm:"size:32;not null"`
	Detail string

	Timestamp time.Time
}
