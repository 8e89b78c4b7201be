package core

import "time"

const (
	DuplicatePolicySkip      = "skip"
	DuplicatePolicyOverwrite = "overwrite"
)

// Config holds the pipeline tunables. Zero values are replaced by the
// documented defaults in Normalize.
type Config struct {
	// Rows per chunk; clamped to [1000, 5000].
	ChunkSize int

	// Number of worker instances in this process.
	Workers int

	// Simultaneous chunk tasks per worker.
	ChunkConcurrency int

	// Chunks a worker may process before it is retired and replaced.
	MaxChunksPerWorker int

	// Hard per-chunk deadline; the chunk is terminated and returned to the
	// queue for retry.
	ChunkTimeout time.Duration

	// Cooperative cancellation point; already-computed results are flushed.
	SoftTimeout time.Duration

	// Redeliveries before a chunk is marked permanently failed.
	ChunkRetryCap int

	// Tier thresholds: rows < HighThreshold -> high,
	// rows <= MediumThreshold -> medium, else low.
	HighThreshold   int
	MediumThreshold int

	// Consecutive high/medium services before a low entry must be taken.
	StarvationGuard int

	// Bounded retries of the batch scoring call within one chunk attempt.
	ScoreRetries uint64

	// skip or overwrite for (entity, period) pairs already persisted by an
	// earlier job.
	DuplicatePolicy string

	MonitorInterval time.Duration

	// How long in-flight chunks may run after a shutdown signal.
	ShutdownGrace time.Duration

	DatasetBucket string
}

func DefaultConfig() Config {
	cfg := Config{}
	cfg.Normalize()
	return cfg
}

func (c *Config) Normalize() {
	if c.ChunkSize == 0 {
		c.ChunkSize = 2000
	}
	if c.ChunkSize < 1000 {
		c.ChunkSize = 1000
	}
	if c.ChunkSize > 5000 {
		c.ChunkSize = 5000
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.ChunkConcurrency <= 0 {
		c.ChunkConcurrency = 8
	}
	if c.MaxChunksPerWorker <= 0 {
		c.MaxChunksPerWorker = 50
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = 30 * time.Minute
	}
	if c.SoftTimeout <= 0 || c.SoftTimeout > c.ChunkTimeout {
		c.SoftTimeout = 25 * time.Minute
	}
	if c.ChunkRetryCap <= 0 {
		c.ChunkRetryCap = 3
	}
	if c.HighThreshold <= 0 {
		c.HighThreshold = 100
	}
	if c.MediumThreshold <= 0 {
		c.MediumThreshold = 1000
	}
	if c.StarvationGuard <= 0 {
		c.StarvationGuard = 10
	}
	if c.ScoreRetries == 0 {
		c.ScoreRetries = 1
	}
	if c.DuplicatePolicy == "" {
		c.DuplicatePolicy = DuplicatePolicySkip
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 5 * time.Minute
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.DatasetBucket == "" {
		c.DatasetBucket = "datasets"
	}
}
