package storage

import (
	"context"
	"testing"

	"eurostatpipeline/internal/sdmx"
)

func TestObservationColumns(t *testing.T) {
	dsd, err := sdmx.NewDSD("TEST", "1.0",
		[]sdmx.Dimension{{ID: "geo"}, {ID: "freq"}},
		nil, nil, "obs_value", "time", nil)
	if err != nil {
		t.Fatalf("NewDSD: %v", err)
	}

	cols := ObservationColumns(dsd)
	wantNames := []string{"geo", "freq", "time_period", "obs_value", "obs_flags"}
	if len(cols) != len(wantNames) {
		t.Fatalf("got %d columns, want %d", len(cols), len(wantNames))
	}
	for i, c := range cols {
		if c.Name != wantNames[i] {
			t.Fatalf("column %d = %q, want %q", i, c.Name, wantNames[i])
		}
	}
	if cols[3].Kind != ColumnDouble {
		t.Fatalf("obs_value kind = %v, want ColumnDouble", cols[3].Kind)
	}
	if !cols[0].PrimaryKey || !cols[2].PrimaryKey {
		t.Fatalf("expected geo and time_period to be primary key columns")
	}
	if cols[3].PrimaryKey || cols[4].PrimaryKey {
		t.Fatalf("measure/flags columns must not be primary key")
	}
}

func TestPrimaryKeyColumns(t *testing.T) {
	dsd, err := sdmx.NewDSD("TEST", "1.0",
		[]sdmx.Dimension{{ID: "geo"}, {ID: "freq"}},
		nil, nil, "", "time", nil)
	if err != nil {
		t.Fatalf("NewDSD: %v", err)
	}
	pk := PrimaryKeyColumns(dsd)
	want := []string{"geo", "freq", "time_period"}
	if len(pk) != len(want) {
		t.Fatalf("got %v, want %v", pk, want)
	}
	for i := range want {
		if pk[i] != want[i] {
			t.Fatalf("pk[%d] = %q, want %q", i, pk[i], want[i])
		}
	}
}

func TestSanitizeIdent(t *testing.T) {
	cases := map[string]string{
		"NAMA_10_GDP": "nama_10_gdp",
		"a-b.c":       "a_b_c",
		"":            "_",
		"a'; DROP TABLE x; --": "a___drop_table_x____",
	}
	for in, want := range cases {
		if got := SanitizeIdent(in); got != want {
			t.Fatalf("SanitizeIdent(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTableName(t *testing.T) {
	if got, want := TableName("NAMA_10_GDP"), "data_nama_10_gdp"; got != want {
		t.Fatalf("TableName = %q, want %q", got, want)
	}
}

func TestRegisterLoaderPanicsOnDuplicate(t *testing.T) {
	dummy := func(ctx context.Context, cfg Config) (Loader, error) { return nil, nil }
	RegisterLoader("test-dup-kind", dummy)

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic on duplicate RegisterLoader")
		}
	}()
	RegisterLoader("test-dup-kind", dummy)
}

func TestRegisterLoaderPanicsOnEmptyKind(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic on empty kind")
		}
	}()
	RegisterLoader("", func(ctx context.Context, cfg Config) (Loader, error) { return nil, nil })
}
