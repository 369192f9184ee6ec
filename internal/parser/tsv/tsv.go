// Package tsv streams the wide-format Eurostat data matrix: gzip-compressed,
// tab-separated, one row per dimension-tuple, one column per time period.
//
// Grounded on original_source/parser.py's TsvParser, which reads the header
// as "dim_header_part\time_header_part" split on the first literal tab, then
// pulls the body through pandas.read_csv(chunksize=...). Go has no
// dataframe library in the retrieved pack, so chunking is hand-rolled over
// encoding/csv, bounding memory to one Chunk's worth of rows at a time over
// a dataset that can run to millions of rows.
//
// This package does not interpret cell contents: each raw token is handed
// to the transformer unparsed, preserving the exact grammar-parsing
// ambiguities SPEC_FULL.md assigns to that stage.
package tsv

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// DefaultChunkSize mirrors original_source/parser.py's CHUNK_SIZE.
const DefaultChunkSize = 100_000

// Chunk is one bounded-size slab of rows: each row's dimension values and
// the raw (unparsed) token for every time column.
type Chunk struct {
	DimensionValues [][]string // len(rows) x len(DimensionColumns)
	Tokens          [][]string // len(rows) x len(TimeColumns)
}

// Reader pulls bounded chunks from a gzip-compressed TSV stream.
type Reader struct {
	cr               *csv.Reader
	gz               *gzip.Reader
	underlying       io.Closer
	DimensionColumns []string
	TimeColumns      []string
	chunkSize        int
	done             bool
}

// Open opens path as a gzip-compressed TSV file and reads its header.
func Open(path string, chunkSize int) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tsv: opening %s: %w", path, err)
	}
	rd, err := NewReader(f, chunkSize)
	if err != nil {
		f.Close()
		return nil, err
	}
	rd.underlying = f
	return rd, nil
}

// NewReader wraps r (a gzip-compressed TSV stream) and reads its header.
func NewReader(r io.Reader, chunkSize int) (*Reader, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("tsv: opening gzip stream: %w", err)
	}

	cr := csv.NewReader(gz)
	cr.Comma = '\t'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		gz.Close()
		return nil, fmt.Errorf("tsv: reading header: %w", err)
	}
	if len(header) < 2 {
		gz.Close()
		return nil, fmt.Errorf("tsv: header has no time columns")
	}

	dimPart := header[0]
	if idx := strings.IndexByte(dimPart, '\\'); idx >= 0 {
		dimPart = dimPart[:idx]
	}
	dimCols := strings.Split(dimPart, ",")
	for i := range dimCols {
		dimCols[i] = strings.ToLower(strings.TrimSpace(dimCols[i]))
	}

	timeCols := make([]string, len(header)-1)
	for i, h := range header[1:] {
		timeCols[i] = strings.TrimSpace(h)
	}

	return &Reader{
		cr:               cr,
		gz:               gz,
		DimensionColumns: dimCols,
		TimeColumns:      timeCols,
		chunkSize:        chunkSize,
	}, nil
}

// Close releases the underlying gzip stream (and file, if opened via Open).
func (r *Reader) Close() error {
	err := r.gz.Close()
	if r.underlying != nil {
		if cerr := r.underlying.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Next returns the next bounded chunk of rows, or io.EOF once the stream is
// exhausted. The returned Chunk's slices are owned by the caller; Next does
// not reuse them across calls.
func (r *Reader) Next() (*Chunk, error) {
	if r.done {
		return nil, io.EOF
	}

	chunk := &Chunk{
		DimensionValues: make([][]string, 0, r.chunkSize),
		Tokens:          make([][]string, 0, r.chunkSize),
	}

	for len(chunk.DimensionValues) < r.chunkSize {
		row, err := r.cr.Read()
		if err == io.EOF {
			r.done = true
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tsv: reading row: %w", err)
		}
		if len(row) == 0 {
			continue
		}

		dimValues := strings.Split(row[0], ",")
		for i := range dimValues {
			dimValues[i] = strings.TrimSpace(dimValues[i])
		}
		if len(dimValues) != len(r.DimensionColumns) {
			return nil, fmt.Errorf("tsv: row has %d dimension values, want %d", len(dimValues), len(r.DimensionColumns))
		}

		tokens := make([]string, len(r.TimeColumns))
		for i := range r.TimeColumns {
			if i+1 < len(row) {
				tokens[i] = row[i+1]
			}
		}

		chunk.DimensionValues = append(chunk.DimensionValues, dimValues)
		chunk.Tokens = append(chunk.Tokens, tokens)
	}

	if len(chunk.DimensionValues) == 0 {
		return nil, io.EOF
	}
	return chunk, nil
}
