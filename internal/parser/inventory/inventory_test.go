package inventory

import (
	"strings"
	"testing"
)

const sampleTOC = "Code\tType\tLast data change\tData download url (tsv)\n" +
	"NAMA_10_GDP\tDATASET\t02.01.2026\thttps://example.test/nama_10_gdp.tsv.gz\n" +
	"SOME_DATAFLOW\tDATAFLOW\t01.01.2026\thttps://example.test/some_dataflow.tsv.gz\n" +
	"BAD_DATE\tDATASET\tnot-a-date\thttps://example.test/bad_date.tsv.gz\n"

func TestParseAndLookup(t *testing.T) {
	inv, err := Parse(strings.NewReader(sampleTOC))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	rec, err := inv.Lookup("nama_10_gdp")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if rec.DownloadURL != "https://example.test/nama_10_gdp.tsv.gz" {
		t.Fatalf("DownloadURL = %q", rec.DownloadURL)
	}
	if rec.LastUpdate.IsZero() {
		t.Fatalf("LastUpdate not parsed")
	}
}

func TestLookupCaseInsensitive(t *testing.T) {
	inv, err := Parse(strings.NewReader(sampleTOC))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := inv.Lookup("NAMA_10_GDP"); err != nil {
		t.Fatalf("Lookup uppercase: %v", err)
	}
}

func TestLookupNonDatasetTypeExcluded(t *testing.T) {
	inv, err := Parse(strings.NewReader(sampleTOC))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := inv.Lookup("some_dataflow"); err == nil {
		t.Fatalf("expected DATAFLOW row to be excluded from inventory")
	}
}

func TestLookupMalformedDateIsMissing(t *testing.T) {
	inv, err := Parse(strings.NewReader(sampleTOC))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	_, err = inv.Lookup("bad_date")
	if err == nil {
		t.Fatalf("expected malformed last_update to be reported as missing")
	}
}

func TestLookupUnknownDataset(t *testing.T) {
	inv, err := Parse(strings.NewReader(sampleTOC))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := inv.Lookup("does_not_exist"); err == nil {
		t.Fatalf("expected error for unknown dataset")
	}
}
