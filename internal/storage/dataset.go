package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"risk-backend/internal/core/types"
)

// Datasets are JSONL: one row object per line. Blank lines are ignored.

const maxRowBytes = 1024 * 1024

// DatasetRow carries a decoded row or its decode error; the line keeps its
// position either way so every row's fate can be reported.
type DatasetRow struct {
	Index int
	Row   types.Row
	Err   error
}

func newRowScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxRowBytes)
	return scanner
}

// CountRows counts the non-blank lines of a dataset. This is the
// authoritative row count used for tiering and for the job's counter
// invariant.
func CountRows(r io.Reader) (int, error) {
	scanner := newRowScanner(r)
	count := 0
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "" {
			continue
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("error reading dataset: %w", err)
	}
	return count, nil
}

// ReadRowRange decodes rows [start, end) of the dataset. Undecodable lines
// are returned with Err set rather than dropped.
func ReadRowRange(r io.Reader, start, end int) ([]DatasetRow, error) {
	scanner := newRowScanner(r)

	rows := make([]DatasetRow, 0, end-start)
	index := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if index >= end {
			break
		}
		if index >= start {
			row := DatasetRow{Index: index}
			if err := json.Unmarshal([]byte(line), &row.Row); err != nil {
				row.Err = fmt.Errorf("malformed row: %w", err)
			}
			rows = append(rows, row)
		}
		index++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading dataset: %w", err)
	}

	if len(rows) != end-start {
		return nil, fmt.Errorf("dataset ended at row %d, expected rows %d-%d", start+len(rows), start, end)
	}

	return rows, nil
}
