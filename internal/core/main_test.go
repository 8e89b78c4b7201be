package core_test

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"risk-backend/internal/core"
	"risk-backend/internal/database"
	"risk-backend/internal/messaging"
	"risk-backend/internal/storage"
	"risk-backend/pkg/models"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testBucket = "datasets"

func createDB(t *testing.T, create ...any) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)

	// sqlite tolerates no concurrent writers; serialize connections so the
	// worker pool tests are not flaky.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.GetMigrator(db).Migrate())

	for _, c := range create {
		require.NoError(t, db.Create(c).Error)
	}

	return db
}

func createStore(t *testing.T) storage.ObjectStore {
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.CreateBucket(context.Background(), testBucket))
	return store
}

func putDataset(t *testing.T, store storage.ObjectStore, key, content string) {
	require.NoError(t, store.PutObject(context.Background(), testBucket, key, strings.NewReader(content)))
}

// goodRows renders n well-formed dataset rows with distinct symbols.
func goodRows(n int, prefix string) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb,
			`{"symbol": "%s%04d", "period": "2025-Q1", "features": {"revenue": %d, "total_assets": 900, "total_liabilities": 400}}`+"\n",
			prefix, i, 100+i)
	}
	return sb.String()
}

type failingPublisher struct{}

func (failingPublisher) PublishJobTask(ctx context.Context, tier messaging.Tier, payload models.JobTaskPayload) error {
	return fmt.Errorf("broker connection refused")
}

func (failingPublisher) Close() {}

func testConfig() core.Config {
	cfg := core.Config{}
	cfg.Normalize()
	cfg.DatasetBucket = testBucket
	return cfg
}
