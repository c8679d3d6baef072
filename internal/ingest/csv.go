package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cararth/syndicate/internal/store"
)

// CSVAdapter reads partner batch files from a drop directory. Each source
// gets its own subdirectory (<dropDir>/<sourceID>/); processed files are
// renamed with a ".done" suffix so a crashed run re-reads them rather than
// losing them.
type CSVAdapter struct {
	dropDir string
}

// NewCSVAdapter creates a CSV drop-directory adapter.
func NewCSVAdapter(dropDir string) *CSVAdapter {
	return &CSVAdapter{dropDir: dropDir}
}

// FeedType implements SourceAdapter.
func (a *CSVAdapter) FeedType() string { return FeedCSV }

// Pull parses all pending CSV files for the source. Rows are numbered
// 1-based across the whole batch, matching data rows (the header is row 0).
func (a *CSVAdapter) Pull(ctx context.Context, src *store.PartnerSource) ([]RawRecord, error) {
	dir := filepath.Join(a.dropDir, src.ID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read drop dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".csv") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)

	var records []RawRecord
	row := 0
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(dir, name)
		recs, err := parseCSVFile(path, src.ID, &row)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		records = append(records, recs...)
		if err := os.Rename(path, path+".done"); err != nil {
			return nil, fmt.Errorf("mark %s done: %w", name, err)
		}
	}
	return records, nil
}

// ParseCSV converts CSV bytes to raw records, one JSON object per data row
// keyed by the header names. Shared with the SFTP adapter.
func ParseCSV(data []byte, sourceID string, row *int) ([]RawRecord, error) {
	r := csv.NewReader(strings.NewReader(string(data)))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, nil // header only, or empty
	}

	header := rows[0]
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var records []RawRecord
	for _, line := range rows[1:] {
		*row++
		obj := make(map[string]string, len(header))
		for i, cell := range line {
			if i >= len(header) || header[i] == "" {
				continue
			}
			obj[header[i]] = strings.TrimSpace(cell)
		}
		payload, err := json.Marshal(obj)
		if err != nil {
			return nil, err
		}
		records = append(records, NewRawRecord(sourceID, *row, payload))
	}
	return records, nil
}

func parseCSVFile(path, sourceID string, row *int) ([]RawRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCSV(data, sourceID, row)
}
