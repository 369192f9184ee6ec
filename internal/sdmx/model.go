// Package sdmx defines the SDMX metadata model: the Data Structure Definition
// (DSD) and Code Lists that describe the shape of a Eurostat dataset.
package sdmx

import (
	"fmt"
	"strings"
)

// Dimension describes one non-time dimension of a DSD.
type Dimension struct {
	ID         string
	Name       string
	CodelistID string
	Position   int
	DataType   string
}

// Attribute describes one SDMX attribute of a DSD.
type Attribute struct {
	ID         string
	Name       string
	CodelistID string
	DataType   string
}

// Measure describes an SDMX measure component.
type Measure struct {
	ID       string
	Name     string
	DataType string
}

// DSD is a Data Structure Definition: dataset_id, version, ordered
// non-time dimensions, ordered attributes, a primary measure, and a
// distinguished time dimension.
//
// A DSD is immutable once constructed by NewDSD; Transformer and Loader only
// read it.
type DSD struct {
	DatasetID        string
	Version          string
	Dimensions       []Dimension // ordered, non-time
	Attributes       []Attribute // ordered
	Measures         []Measure
	PrimaryMeasureID string
	TimeDimensionID  string
}

// NewDSD validates and constructs a DSD.
//
// Invariants enforced (spec §3):
//   - dimension ids are unique and case-folded
//   - the time dimension is present and not duplicated among non-time dimensions
//
// codelists is not consulted: a CodelistID that does not resolve is accepted.
func NewDSD(
	datasetID, version string,
	dimensions []Dimension,
	attributes []Attribute,
	measures []Measure,
	primaryMeasureID string,
	timeDimensionID string,
	codelists map[string]*Codelist,
) (*DSD, error) {
	if strings.TrimSpace(timeDimensionID) == "" {
		return nil, fmt.Errorf("%w: missing time dimension", ErrDsdInvalid)
	}

	seen := make(map[string]struct{}, len(dimensions))
	foldedDims := make([]Dimension, len(dimensions))
	for i, d := range dimensions {
		id := strings.ToLower(strings.TrimSpace(d.ID))
		if id == "" {
			return nil, fmt.Errorf("%w: empty dimension id", ErrDsdInvalid)
		}
		if id == strings.ToLower(timeDimensionID) {
			return nil, fmt.Errorf("%w: time dimension %q duplicated in non-time dimensions", ErrDsdInvalid, timeDimensionID)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate dimension id %q", ErrDsdInvalid, id)
		}
		seen[id] = struct{}{}

		d.ID = id
		// A dimension's CodelistID may not resolve against codelists; that is
		// permitted, and the Transformer treats the code as its own label.
		foldedDims[i] = d
	}

	foldedAttrs := make([]Attribute, len(attributes))
	for i, a := range attributes {
		a.ID = strings.ToLower(strings.TrimSpace(a.ID))
		foldedAttrs[i] = a
	}

	if primaryMeasureID == "" {
		primaryMeasureID = "obs_value"
	}

	return &DSD{
		DatasetID:        datasetID,
		Version:          version,
		Dimensions:       foldedDims,
		Attributes:       foldedAttrs,
		Measures:         measures,
		PrimaryMeasureID: primaryMeasureID,
		TimeDimensionID:  strings.ToLower(strings.TrimSpace(timeDimensionID)),
	}, nil
}

// DimensionColumns returns the ordered non-time dimension ids, used
// downstream as column order.
func (d *DSD) DimensionColumns() []string {
	out := make([]string, len(d.Dimensions))
	for i, dim := range d.Dimensions {
		out[i] = dim.ID
	}
	return out
}

// Code is a single entry in a Codelist.
type Code struct {
	Code        string
	Label       string
	Description string
	ParentCode  string
}

// Codelist maps a code to its {label, description?, parent_code?}.
//
// Codes are unique within a list (enforced by construction: Codes is a map
// keyed by code). Parent-code cycles are not enforced here; that is a
// test-suite responsibility per spec Design Notes.
type Codelist struct {
	ID      string
	Version string
	Codes   map[string]Code
}

// Label returns the label for a code, or false if the code is not present.
func (c *Codelist) Label(code string) (string, bool) {
	if c == nil {
		return "", false
	}
	entry, ok := c.Codes[code]
	if !ok {
		return "", false
	}
	return entry.Label, true
}
