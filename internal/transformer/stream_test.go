package transformer

import (
	"bytes"
	"compress/gzip"
	"io"
	"testing"

	"eurostatpipeline/internal/model"
	"eurostatpipeline/internal/parser/tsv"
	"eurostatpipeline/internal/sdmx"
)

func gzipTSV(t *testing.T, body string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write([]byte(body)); err != nil {
		t.Fatalf("writing gzip body: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("closing gzip writer: %v", err)
	}
	return &buf
}

func buildDSD(t *testing.T) *sdmx.DSD {
	t.Helper()
	dsd, err := sdmx.NewDSD("NAMA_10_GDP", "1.0",
		[]sdmx.Dimension{
			{ID: "geo", CodelistID: "GEO", Position: 0},
			{ID: "freq", Position: 1},
		},
		nil,
		[]sdmx.Measure{{ID: "obs_value"}},
		"obs_value",
		"time",
		nil,
	)
	if err != nil {
		t.Fatalf("NewDSD: %v", err)
	}
	return dsd
}

func TestStreamEmitsOneObservationPerCellIncludingMissing(t *testing.T) {
	body := "geo,freq\\time\t2020\t2021\n" +
		"DE,A\t10.5\t: c\n"

	r, err := tsv.NewReader(gzipTSV(t, body), 10)
	if err != nil {
		t.Fatalf("tsv.NewReader: %v", err)
	}

	dsd := buildDSD(t)
	s, err := New(r, dsd, nil, model.RepresentationStandard)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var obs []*model.Observation
	for {
		o, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		obs = append(obs, o)
	}

	if len(obs) != 2 {
		t.Fatalf("got %d observations, want 2 (one per cell, none dropped)", len(obs))
	}

	if obs[0].TimePeriod != "2020" || obs[0].ObsValue == nil || *obs[0].ObsValue != 10.5 {
		t.Fatalf("obs[0] = %+v", obs[0])
	}
	if obs[1].TimePeriod != "2021" || obs[1].ObsValue != nil {
		t.Fatalf("obs[1] expected nil value (missing marker), got %+v", obs[1])
	}
	if obs[1].ObsFlags == nil || *obs[1].ObsFlags != "c" {
		t.Fatalf("obs[1] flags = %v, want \"c\"", obs[1].ObsFlags)
	}
	if obs[0].Get("geo") != "DE" || obs[0].Get("freq") != "A" {
		t.Fatalf("dimension values not preserved: %+v", obs[0].Dimensions)
	}
}

func TestStreamFullRepresentationResolvesLabels(t *testing.T) {
	body := "geo,freq\\time\t2020\n" +
		"DE,A\t1\n"

	r, err := tsv.NewReader(gzipTSV(t, body), 10)
	if err != nil {
		t.Fatalf("tsv.NewReader: %v", err)
	}

	dsd := buildDSD(t)
	codelists := map[string]*sdmx.Codelist{
		"GEO": {
			ID: "GEO",
			Codes: map[string]sdmx.Code{
				"DE": {Code: "DE", Label: "Germany"},
			},
		},
	}

	s, err := New(r, dsd, codelists, model.RepresentationFull)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	obs, err := s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if obs.Get("geo") != "Germany" {
		t.Fatalf("geo = %q, want label %q", obs.Get("geo"), "Germany")
	}
}

func TestStreamDimensionMismatchErrors(t *testing.T) {
	body := "geo\\time\t2020\n" +
		"DE\t1\n"

	r, err := tsv.NewReader(gzipTSV(t, body), 10)
	if err != nil {
		t.Fatalf("tsv.NewReader: %v", err)
	}

	dsd := buildDSD(t) // declares 2 dimensions, tsv header only has 1
	if _, err := New(r, dsd, nil, model.RepresentationStandard); err == nil {
		t.Fatalf("expected error for dimension count mismatch")
	}
}
