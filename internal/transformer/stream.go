// Package transformer unpivots a tsv.Chunk's wide dimension x time-period
// matrix into a stream of model.Observation rows, splitting each raw cell
// into a numeric value and a flag string, and optionally resolving dimension
// codes into codelist labels.
//
// Grounded on original_source/transformer.py's Transformer.transform, which
// melts each chunk and substitutes Full-representation labels via a
// dim_to_codelist_map. This pipeline deliberately diverges from one part of
// that original: the Python transform calls
// long_df.dropna(subset=["value"], inplace=True) after melting, discarding
// every observation whose value didn't parse; this Go implementation must
// never drop a cell (SPEC_FULL.md's null-emitting policy), so an unparseable
// or missing value still produces an Observation with ObsValue == nil.
package transformer

import (
	"fmt"
	"io"

	"eurostatpipeline/internal/model"
	"eurostatpipeline/internal/parser/tsv"
	"eurostatpipeline/internal/sdmx"
)

// Stream lazily unpivots a tsv.Reader into a sequence of Observations,
// pulling one chunk at a time so memory use stays bounded by the reader's
// chunk size regardless of dataset size.
type Stream struct {
	reader     *tsv.Reader
	dsd        *sdmx.DSD
	codelists  map[string]*sdmx.Codelist
	repr       model.Representation
	dimToCL    []string // per DimensionColumns() index, codelist id or ""
	chunk      *tsv.Chunk
	rowIdx     int
	colIdx     int
	exhausted  bool
}

// New builds a Stream over reader's chunks, resolving codes to labels
// according to repr when repr == RepresentationFull.
func New(reader *tsv.Reader, dsd *sdmx.DSD, codelists map[string]*sdmx.Codelist, repr model.Representation) (*Stream, error) {
	dsdCols := dsd.DimensionColumns()
	if len(dsdCols) != len(reader.DimensionColumns) {
		return nil, fmt.Errorf("transformer: dsd has %d dimensions, tsv header has %d", len(dsdCols), len(reader.DimensionColumns))
	}
	for i, c := range dsdCols {
		if c != reader.DimensionColumns[i] {
			return nil, fmt.Errorf("transformer: dsd dimension %q at position %d does not match tsv header %q", c, i, reader.DimensionColumns[i])
		}
	}

	dimToCL := make([]string, len(dsd.Dimensions))
	for i, d := range dsd.Dimensions {
		dimToCL[i] = d.CodelistID
	}

	return &Stream{
		reader:    reader,
		dsd:       dsd,
		codelists: codelists,
		repr:      repr,
		dimToCL:   dimToCL,
	}, nil
}

// Next returns the next Observation, or io.EOF when the underlying reader is
// exhausted.
func (s *Stream) Next() (*model.Observation, error) {
	for {
		if s.exhausted {
			return nil, io.EOF
		}
		if s.chunk == nil || s.rowIdx >= len(s.chunk.DimensionValues) {
			chunk, err := s.reader.Next()
			if err == io.EOF {
				s.exhausted = true
				return nil, io.EOF
			}
			if err != nil {
				return nil, err
			}
			s.chunk = chunk
			s.rowIdx = 0
			s.colIdx = 0
		}

		if s.colIdx >= len(s.reader.TimeColumns) {
			s.rowIdx++
			s.colIdx = 0
			continue
		}

		row := s.rowIdx
		col := s.colIdx
		s.colIdx++

		obs := s.buildObservation(row, col)
		return obs, nil
	}
}

func (s *Stream) buildObservation(row, col int) *model.Observation {
	dimValues := s.chunk.DimensionValues[row]
	dims := make([]model.DimValue, len(dimValues))
	for i, raw := range dimValues {
		val := raw
		if s.repr == model.RepresentationFull && s.dimToCL[i] != "" {
			if cl, ok := s.codelists[s.dimToCL[i]]; ok {
				if label, ok := cl.Label(raw); ok {
					val = label
				}
			}
		}
		dims[i] = model.DimValue{DimensionID: s.dsd.Dimensions[i].ID, Value: val}
	}

	value, flags := parseToken(s.chunk.Tokens[row][col])

	return &model.Observation{
		Dimensions: dims,
		TimePeriod: s.reader.TimeColumns[col],
		ObsValue:   value,
		ObsFlags:   flags,
	}
}
