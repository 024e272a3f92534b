package feed

import (
	"testing"
)

func TestFilterer_NoFilters(t *testing.T) {
	filterer := NewFilterer()

	entries := []RawEntry{
		{Title: "Test Entry 1", Summary: "Test summary"},
		{Title: "Test Entry 2", Summary: "Another summary"},
	}

	kept, filtered := filterer.Run(entries, &Config{Filters: []ConfigFilter{}})

	if len(kept) != 2 {
		t.Errorf("Expected 2 entries, got %d", len(kept))
	}
	if filtered != 0 {
		t.Errorf("Expected 0 filtered entries, got %d", filtered)
	}
}

func TestFilterer_TitleIncludeFilter(t *testing.T) {
	filterer := NewFilterer()

	entries := []RawEntry{
		{Title: "Critical vulnerability in Fortinet", Summary: "summary"},
		{Title: "Quarterly earnings call", Summary: "summary"},
		{Title: "Zero-day exploited in the wild", Summary: "summary"},
	}

	feedConfig := &Config{
		Filters: []ConfigFilter{
			{Field: "title", Includes: []string{"vulnerability", "zero-day"}},
		},
	}

	kept, filtered := filterer.Run(entries, feedConfig)

	if len(kept) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(kept))
	}
	if filtered != 1 {
		t.Errorf("Expected 1 filtered entry, got %d", filtered)
	}
	if kept[0].Title != "Critical vulnerability in Fortinet" || kept[1].Title != "Zero-day exploited in the wild" {
		t.Errorf("Expected document order to be preserved, got %q, %q", kept[0].Title, kept[1].Title)
	}
}

func TestFilterer_ExcludeWinsOverInclude(t *testing.T) {
	filterer := NewFilterer()

	entries := []RawEntry{
		{Title: "Vulnerability webinar", Summary: "Sponsored content"},
		{Title: "Vulnerability in OpenSSH", Summary: "Remote code execution"},
	}

	feedConfig := &Config{
		Filters: []ConfigFilter{
			{Field: "title", Includes: []string{"vulnerability"}},
			{Field: "summary", Excludes: []string{"sponsored"}},
		},
	}

	kept, filtered := filterer.Run(entries, feedConfig)

	if len(kept) != 1 || kept[0].Title != "Vulnerability in OpenSSH" {
		t.Errorf("Expected only the OpenSSH entry, got %+v", kept)
	}
	if filtered != 1 {
		t.Errorf("Expected 1 filtered entry, got %d", filtered)
	}
}

func TestFilterer_URLField(t *testing.T) {
	filterer := NewFilterer()

	entries := []RawEntry{
		{Title: "a", URL: "https://vendor.example/blog/product-launch"},
		{Title: "b", URL: "https://vendor.example/security/advisory-1"},
	}

	feedConfig := &Config{
		Filters: []ConfigFilter{
			{Field: "url", Includes: []string{"/security/"}},
		},
	}

	kept, _ := filterer.Run(entries, feedConfig)

	if len(kept) != 1 || kept[0].Title != "b" {
		t.Errorf("Expected only the advisory entry, got %+v", kept)
	}
}

func TestFilterer_CaseInsensitive(t *testing.T) {
	filterer := NewFilterer()

	if !filterer.matchesFilter("Actively EXPLOITED", "exploited") {
		t.Error("Expected case-insensitive match")
	}
	if filterer.matchesFilter("patched", "exploited") {
		t.Error("Expected no match")
	}
}

func TestFilterer_GetFieldValue(t *testing.T) {
	filterer := NewFilterer()
	entry := RawEntry{Title: "title", Summary: "summary", URL: "https://example.com"}

	tests := map[string]string{
		"title":   "title",
		"summary": "summary",
		"url":     "https://example.com",
		"unknown": "",
	}

	for field, want := range tests {
		if got := filterer.getFieldValue(entry, field); got != want {
			t.Errorf("Field %s: expected '%s', got '%s'", field, want, got)
		}
	}
}
