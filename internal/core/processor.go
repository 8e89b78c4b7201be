package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"risk-backend/internal/database"
	"risk-backend/internal/scorer"
	"risk-backend/internal/storage"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChunkProcessor runs the per-chunk pipeline: entity resolution, duplicate
// suppression, feature extraction, one batch scoring call, one bulk persist
// transaction. Row-level problems never abort the chunk; every row leaves
// with an outcome and a reason code.
type ChunkProcessor struct {
	db     *gorm.DB
	cache  *EntityCache
	scorer scorer.BatchScorer
	cfg    Config
}

func NewChunkProcessor(db *gorm.DB, cache *EntityCache, batchScorer scorer.BatchScorer, cfg Config) *ChunkProcessor {
	cfg.Normalize()
	return &ChunkProcessor{db: db, cache: cache, scorer: batchScorer, cfg: cfg}
}

type ChunkOutcome struct {
	Succeeded int64
	Failed    int64
	Skipped   int64
	RowErrors []database.RowError
}

const (
	rowLive = iota
	rowSucceeded
	rowFailed
	rowSkipped
)

type rowOutcome struct {
	state  int
	reason string
	detail string
}

type pairKey struct {
	company uuid.UUID
	period  string
}

// Process handles one chunk. ctx carries the hard deadline; softCtx expires
// earlier and cooperatively stops the pipeline before the scoring stage so
// already-determined row outcomes can still be flushed. A returned error
// means the chunk reached no terminal outcome and is eligible for
// redelivery.
func (p *ChunkProcessor) Process(ctx, softCtx context.Context, job *database.Job, chunk database.ChunkTask, rows []storage.DatasetRow) (ChunkOutcome, error) {
	outcomes := make([]rowOutcome, len(rows))
	fail := func(i int, reason, detail string) {
		outcomes[i] = rowOutcome{state: rowFailed, reason: reason, detail: detail}
	}
	skip := func(i int, reason, detail string) {
		outcomes[i] = rowOutcome{state: rowSkipped, reason: reason, detail: detail}
	}

	// Stage 1: entity resolution. Structurally broken rows cannot name an
	// entity and fail here.
	symbolSet := make(map[string]struct{})
	for i, row := range rows {
		switch {
		case row.Err != nil:
			fail(i, ReasonMalformedRow, row.Err.Error())
		case row.Row.Symbol == "" || row.Row.Period == "":
			fail(i, ReasonMalformedRow, "missing symbol or period")
		default:
			symbolSet[row.Row.Symbol] = struct{}{}
		}
	}

	symbols := make([]string, 0, len(symbolSet))
	for symbol := range symbolSet {
		symbols = append(symbols, symbol)
	}

	var entities map[string]uuid.UUID
	if len(symbols) > 0 {
		var err error
		entities, err = p.cache.Resolve(ctx, symbols)
		if err != nil {
			return ChunkOutcome{}, &ChunkError{Err: fmt.Errorf("entity resolution: %w", err), Retryable: true}
		}
	}

	companyIds := make([]uuid.UUID, len(rows))
	for i := range rows {
		if outcomes[i].state != rowLive {
			continue
		}
		id, ok := entities[rows[i].Row.Symbol]
		if !ok {
			fail(i, ReasonEntityResolution, fmt.Sprintf("symbol %q could not be resolved", rows[i].Row.Symbol))
			continue
		}
		companyIds[i] = id
	}

	// Stage 2: duplicate suppression. One bulk existence check against
	// already persisted (entity, period) pairs under the skip policy, then
	// first-occurrence-wins inside the chunk.
	existing := make(map[pairKey]struct{})
	if p.cfg.DuplicatePolicy == DuplicatePolicySkip {
		var err error
		existing, err = p.existingPairs(ctx, companyIds, rows, outcomes)
		if err != nil {
			return ChunkOutcome{}, &ChunkError{Err: fmt.Errorf("duplicate check: %w", err), Retryable: true}
		}
	}

	seen := make(map[pairKey]struct{})
	for i := range rows {
		if outcomes[i].state != rowLive {
			continue
		}
		key := pairKey{company: companyIds[i], period: rows[i].Row.Period}
		if _, ok := existing[key]; ok {
			skip(i, ReasonDuplicateExisting, "prediction already exists for this entity and period")
			continue
		}
		if _, ok := seen[key]; ok {
			skip(i, ReasonDuplicateInJob, "duplicate entity and period within this job")
			continue
		}
		seen[key] = struct{}{}
	}

	// Stage 3: feature extraction, preserving original row order so scores
	// stay attributable by position.
	var vectors [][]float64
	var liveIdx []int
	for i := range rows {
		if outcomes[i].state != rowLive {
			continue
		}
		if err := rows[i].Row.Validate(); err != nil {
			fail(i, ReasonMissingFeature, err.Error())
			continue
		}
		vectors = append(vectors, rows[i].Row.Vector())
		liveIdx = append(liveIdx, i)
	}

	// Stage 4: one batch scoring call with a bounded retry.
	var results []scorer.Result
	if len(vectors) > 0 {
		select {
		case <-softCtx.Done():
			for _, i := range liveIdx {
				fail(i, ReasonTimeout, "soft timeout reached before scoring")
			}
			return p.summarize(job, chunk, rows, outcomes), nil
		default:
		}

		var err error
		results, err = backoff.RetryWithData(
			func() ([]scorer.Result, error) { return p.scorer.Score(ctx, vectors) },
			backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.cfg.ScoreRetries), ctx),
		)
		if err != nil {
			if ctx.Err() != nil {
				return ChunkOutcome{}, &ChunkError{Err: fmt.Errorf("scoring: %w", ctx.Err()), Retryable: true}
			}
			slog.Error("batch scoring failed permanently", "job_id", job.Id, "chunk_id", chunk.ChunkId, "rows", len(vectors), "error", err)
			for _, i := range liveIdx {
				fail(i, ReasonScoringFailed, err.Error())
			}
			return p.summarize(job, chunk, rows, outcomes), nil
		}
	}

	// Stage 5: persistence, one bulk-insert transaction scoped to the chunk
	// with a per-row fallback so one bad record cannot poison its siblings.
	if len(results) > 0 {
		preds := make([]database.Prediction, len(results))
		now := time.Now().UTC()
		for pos, res := range results {
			i := liveIdx[pos]
			snapshot, _ := json.Marshal(rows[i].Row.Features)
			preds[pos] = database.Prediction{
				Id:           uuid.New(),
				CompanyId:    companyIds[i],
				Period:       rows[i].Row.Period,
				JobId:        job.Id,
				Tenant:       job.Tenant,
				Score:        res.Score,
				Confidence:   res.Confidence,
				RiskBand:     scorer.RiskBand(res.Score),
				ModelVersion: p.scorer.Version(),
				Features:     datatypes.JSON(snapshot),
				CreationTime: now,
			}
		}

		if err := p.persist(ctx, preds, liveIdx, outcomes); err != nil {
			return ChunkOutcome{}, &ChunkError{Err: fmt.Errorf("persisting predictions: %w", err), Retryable: true}
		}
	}

	for i := range outcomes {
		if outcomes[i].state == rowLive {
			outcomes[i].state = rowSucceeded
		}
	}

	return p.summarize(job, chunk, rows, outcomes), nil
}

func (p *ChunkProcessor) existingPairs(ctx context.Context, companyIds []uuid.UUID, rows []storage.DatasetRow, outcomes []rowOutcome) (map[pairKey]struct{}, error) {
	idSet := make(map[uuid.UUID]struct{})
	for i := range rows {
		if outcomes[i].state == rowLive {
			idSet[companyIds[i]] = struct{}{}
		}
	}
	if len(idSet) == 0 {
		return map[pairKey]struct{}{}, nil
	}

	ids := make([]uuid.UUID, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}

	var persisted []database.Prediction
	if err := p.db.WithContext(ctx).
		Select("company_id", "period").
		Where("company_id IN ?", ids).
		Find(&persisted).Error; err != nil {
		return nil, fmt.Errorf("error checking existing predictions: %w", err)
	}

	existing := make(map[pairKey]struct{}, len(persisted))
	for _, pred := range persisted {
		existing[pairKey{company: pred.CompanyId, period: pred.Period}] = struct{}{}
	}
	return existing, nil
}

func (p *ChunkProcessor) persist(ctx context.Context, preds []database.Prediction, liveIdx []int, outcomes []rowOutcome) error {
	conflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "company_id"}, {Name: "period"}},
		DoNothing: true,
	}
	if p.cfg.DuplicatePolicy == DuplicatePolicyOverwrite {
		conflict.DoNothing = false
		conflict.DoUpdates = clause.AssignmentColumns([]string{
			"job_id", "tenant", "score", "confidence", "risk_band", "model_version", "features", "creation_time",
		})
	}

	res := p.db.WithContext(ctx).Clauses(conflict).CreateInBatches(&preds, 500)
	if res.Error != nil {
		// The bulk write failed as a whole; retry row by row so only the
		// actually-broken records fail.
		slog.Warn("bulk prediction insert failed, falling back to per-row writes", "count", len(preds), "error", res.Error)
		for pos := range preds {
			row := p.db.WithContext(ctx).Clauses(conflict).Create(&preds[pos])
			if row.Error != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				outcomes[liveIdx[pos]] = rowOutcome{state: rowFailed, reason: ReasonPersistenceFailed, detail: row.Error.Error()}
				continue
			}
			// Under the skip policy a conflicting pair is absorbed by the
			// conflict clause without an error; RowsAffected tells the two
			// cases apart.
			if p.cfg.DuplicatePolicy == DuplicatePolicySkip && row.RowsAffected == 0 {
				outcomes[liveIdx[pos]] = rowOutcome{
					state:  rowSkipped,
					reason: ReasonDuplicateExisting,
					detail: "prediction was persisted concurrently",
				}
			}
		}
		return nil
	}

	if p.cfg.DuplicatePolicy == DuplicatePolicySkip && res.RowsAffected < int64(len(preds)) {
		// A concurrent chunk or job persisted one of our pairs between the
		// existence check and the insert. Find which of our rows lost the
		// race and mark them skipped.
		ids := make([]uuid.UUID, len(preds))
		for pos := range preds {
			ids[pos] = preds[pos].Id
		}
		var inserted []database.Prediction
		if err := p.db.WithContext(ctx).Select("id").Where("id IN ?", ids).Find(&inserted).Error; err != nil {
			return fmt.Errorf("error reconciling bulk insert: %w", err)
		}
		present := make(map[uuid.UUID]struct{}, len(inserted))
		for _, pred := range inserted {
			present[pred.Id] = struct{}{}
		}
		for pos := range preds {
			if _, ok := present[preds[pos].Id]; !ok {
				outcomes[liveIdx[pos]] = rowOutcome{
					state:  rowSkipped,
					reason: ReasonDuplicateExisting,
					detail: "prediction was persisted concurrently",
				}
			}
		}
	}

	return nil
}

func (p *ChunkProcessor) summarize(job *database.Job, chunk database.ChunkTask, rows []storage.DatasetRow, outcomes []rowOutcome) ChunkOutcome {
	var outcome ChunkOutcome
	for i := range outcomes {
		switch outcomes[i].state {
		case rowSucceeded:
			outcome.Succeeded++
		case rowFailed:
			outcome.Failed++
		case rowSkipped:
			outcome.Skipped++
		}
		if outcomes[i].state == rowFailed || outcomes[i].state == rowSkipped {
			outcome.RowErrors = append(outcome.RowErrors, database.RowError{
				JobId:    job.Id,
				ChunkId:  chunk.ChunkId,
				RowIndex: rows[i].Index,
				Reason:   outcomes[i].reason,
				Detail:   outcomes[i].detail,
			})
		}
	}
	return outcome
}
