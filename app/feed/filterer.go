package feed

import (
	"fmt"
	"log/slog"
	"strings"
)

type Filterer struct{}

func NewFilterer() *Filterer {
	return &Filterer{}
}

// Run drops entries rejected by the source filters and reports how many
// were dropped. Order of the kept entries is preserved.
func (f *Filterer) Run(entries []RawEntry, feedConfig *Config) ([]RawEntry, int) {
	if len(feedConfig.Filters) == 0 {
		return entries, 0
	}

	kept := make([]RawEntry, 0, len(entries))
	for _, entry := range entries {
		if excluded, reason := f.applyFilters(entry, feedConfig.Filters); excluded {
			slog.Debug("Entry filtered", "feed", feedConfig.Name, "title", entry.Title, "reason", reason)
			continue
		}
		kept = append(kept, entry)
	}

	return kept, len(entries) - len(kept)
}

func (f *Filterer) applyFilters(entry RawEntry, filters []ConfigFilter) (bool, string) {
	for _, filter := range filters {
		value := f.getFieldValue(entry, filter.Field)

		for _, exclude := range filter.Excludes {
			if f.matchesFilter(value, exclude) {
				return true, fmt.Sprintf("Excluded by %s filter: contains '%s'", filter.Field, exclude)
			}
		}

		if len(filter.Includes) > 0 {
			matched := false
			for _, include := range filter.Includes {
				if f.matchesFilter(value, include) {
					matched = true
					break
				}
			}
			if !matched {
				return true, fmt.Sprintf("Excluded by %s filter: does not contain any of %v", filter.Field, filter.Includes)
			}
		}
	}

	return false, ""
}

func (f *Filterer) matchesFilter(value, pattern string) bool {
	return strings.Contains(strings.ToLower(value), strings.ToLower(pattern))
}

func (f *Filterer) getFieldValue(entry RawEntry, field string) string {
	switch field {
	case "title":
		return entry.Title
	case "summary":
		return entry.Summary
	case "url":
		return entry.URL
	default:
		return ""
	}
}
