// Package inventory parses the Eurostat table-of-contents TSV into a
// dataset_id -> {last_update, download_url} lookup.
//
// Grounded on original_source/parser.py's InventoryParser (pandas filter on
// Type=="DATASET", lowercased code as lookup key), rewritten as a streaming
// encoding/csv reader since the corpus has no dataframe library.
package inventory

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ErrInventoryMissing is returned by Lookup when a dataset id is absent
// from the inventory, or present with a malformed last_update timestamp.
var ErrInventoryMissing = errors.New("inventory: dataset not found or malformed")

// Record is one dataset's inventory entry.
type Record struct {
	DatasetID   string
	LastUpdate  time.Time
	DownloadURL string
}

// Inventory is the parsed table of contents, keyed by lowercased dataset id.
type Inventory struct {
	byID map[string]Record
}

// timeLayouts are the timestamp formats observed in the Eurostat TOC's
// "Last data change" column.
var timeLayouts = []string{
	"02.01.2006",
	"2006-01-02",
	time.RFC3339,
}

// Parse reads a tab-separated inventory stream. Header matching is
// case-insensitive; only the "code" column is required. The "type",
// "last data change", and "data download url (tsv)" columns are read when
// present (extra columns are ignored); without a parseable "last data
// change" value, Lookup reports the dataset as missing. When a "type"
// column exists, rows with Type != "DATASET" are skipped.
func Parse(r io.Reader) (*Inventory, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("inventory: reading header: %w", err)
	}

	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}

	codeCol, ok := idx["code"]
	if !ok {
		return nil, fmt.Errorf("inventory: missing required column %q", "code")
	}
	typeCol, hasType := idx["type"]
	updateCol, hasUpdate := idx["last data change"]
	urlCol, hasURL := idx["data download url (tsv)"]

	inv := &Inventory{byID: make(map[string]Record)}

	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("inventory: reading row: %w", err)
		}

		if hasType && typeCol < len(row) && strings.TrimSpace(row[typeCol]) != "DATASET" {
			continue
		}

		if codeCol >= len(row) {
			continue
		}
		code := strings.TrimSpace(row[codeCol])
		if code == "" {
			continue
		}

		rec := Record{DatasetID: strings.ToLower(code)}
		if hasUpdate && updateCol < len(row) {
			if ts, ok := parseAnyLayout(strings.TrimSpace(row[updateCol])); ok {
				rec.LastUpdate = ts
			}
		}
		if hasURL && urlCol < len(row) {
			rec.DownloadURL = strings.TrimSpace(row[urlCol])
		}

		inv.byID[rec.DatasetID] = rec
	}

	return inv, nil
}

func parseAnyLayout(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Lookup returns the inventory record for datasetID (case-insensitive). It
// wraps ErrInventoryMissing when the dataset is absent or its last_update
// timestamp failed to parse.
func (inv *Inventory) Lookup(datasetID string) (Record, error) {
	rec, ok := inv.byID[strings.ToLower(datasetID)]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrInventoryMissing, datasetID)
	}
	if rec.LastUpdate.IsZero() {
		return rec, fmt.Errorf("%w: %s has no parseable last_update", ErrInventoryMissing, datasetID)
	}
	return rec, nil
}
