package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"risk-backend/internal/database"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EntityCache maps company symbols to their durable ids. It is process
// local: a miss falls through to the database, which is authoritative, so no
// cross-worker coherency is needed.
type EntityCache struct {
	mu  sync.RWMutex
	ids map[string]uuid.UUID
	db  *gorm.DB
}

func NewEntityCache(db *gorm.DB) *EntityCache {
	return &EntityCache{
		ids: make(map[string]uuid.UUID),
		db:  db,
	}
}

// Resolve maps every given symbol to a company id, creating companies not
// yet seen anywhere. The miss path is two round trips at most: one bulk
// select and, if new symbols remain, one bulk insert plus a re-select to pick
// up rows lost to concurrent creators.
func (c *EntityCache) Resolve(ctx context.Context, symbols []string) (map[string]uuid.UUID, error) {
	resolved := make(map[string]uuid.UUID, len(symbols))

	c.mu.RLock()
	var misses []string
	for _, symbol := range symbols {
		if id, ok := c.ids[symbol]; ok {
			resolved[symbol] = id
		} else {
			misses = append(misses, symbol)
		}
	}
	c.mu.RUnlock()

	if len(misses) == 0 {
		return resolved, nil
	}

	found, err := c.lookup(ctx, misses)
	if err != nil {
		return nil, err
	}

	var unknown []string
	for _, symbol := range misses {
		if _, ok := found[symbol]; !ok {
			unknown = append(unknown, symbol)
		}
	}

	if len(unknown) > 0 {
		companies := make([]database.Company, len(unknown))
		now := time.Now().UTC()
		for i, symbol := range unknown {
			companies[i] = database.Company{Id: uuid.New(), Symbol: symbol, CreationTime: now}
		}

		// DoNothing tolerates a concurrent creator winning the insert; the
		// re-select below picks up whichever row ended up in the table.
		if err := c.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "symbol"}}, DoNothing: true}).
			Create(&companies).Error; err != nil {
			return nil, fmt.Errorf("error creating companies: %w", err)
		}

		created, err := c.lookup(ctx, unknown)
		if err != nil {
			return nil, err
		}
		for symbol, id := range created {
			found[symbol] = id
		}
	}

	c.mu.Lock()
	for symbol, id := range found {
		c.ids[symbol] = id
		resolved[symbol] = id
	}
	c.mu.Unlock()

	return resolved, nil
}

func (c *EntityCache) lookup(ctx context.Context, symbols []string) (map[string]uuid.UUID, error) {
	var companies []database.Company
	if err := c.db.WithContext(ctx).Where("symbol IN ?", symbols).Find(&companies).Error; err != nil {
		return nil, fmt.Errorf("error looking up companies: %w", err)
	}

	found := make(map[string]uuid.UUID, len(companies))
	for _, company := range companies {
		found[company.Symbol] = company.Id
	}
	return found, nil
}

// Len reports the number of cached symbols; used by tests and the monitor.
func (c *EntityCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}
