package storage_test

import (
	"strings"
	"testing"

	"risk-backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDataset = `{"symbol": "ACME", "period": "2025-Q1", "features": {"revenue": 100, "total_assets": 500, "total_liabilities": 200}}

{"symbol": "GLOBEX", "period": "2025-Q1", "features": {"revenue": 90, "total_assets": 400, "total_liabilities": 300}}
not json at all
{"symbol": "INITECH", "period": "2025-Q2", "features": {"revenue": 10, "total_assets": 50, "total_liabilities": 45}}
`

func TestCountRowsSkipsBlankLines(t *testing.T) {
	count, err := storage.CountRows(strings.NewReader(sampleDataset))
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestCountRowsEmptyDataset(t *testing.T) {
	count, err := storage.CountRows(strings.NewReader("\n\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestReadRowRange(t *testing.T) {
	rows, err := storage.ReadRowRange(strings.NewReader(sampleDataset), 1, 3)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, 1, rows[0].Index)
	assert.NoError(t, rows[0].Err)
	assert.Equal(t, "GLOBEX", rows[0].Row.Symbol)

	// Undecodable lines keep their position and carry the decode error.
	assert.Equal(t, 2, rows[1].Index)
	assert.Error(t, rows[1].Err)
}

func TestReadRowRangeWholeDataset(t *testing.T) {
	rows, err := storage.ReadRowRange(strings.NewReader(sampleDataset), 0, 4)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "ACME", rows[0].Row.Symbol)
	assert.Equal(t, "INITECH", rows[3].Row.Symbol)
}

func TestReadRowRangeBeyondDataset(t *testing.T) {
	_, err := storage.ReadRowRange(strings.NewReader(sampleDataset), 2, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dataset ended")
}
