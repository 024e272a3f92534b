package feed

import (
	"time"
)

const (
	DefaultMaxItems = 50
	DefaultTimeout  = 30
)

type SourceType string

const (
	SourceTypeGov      SourceType = "gov"
	SourceTypeVendor   SourceType = "vendor"
	SourceTypeResearch SourceType = "research"
	SourceTypeNews     SourceType = "news"
)

func (s SourceType) Valid() bool {
	switch s {
	case SourceTypeGov, SourceTypeVendor, SourceTypeResearch, SourceTypeNews:
		return true
	}
	return false
}

// RawEntry is one entry as found in a feed document. PublishedAt keeps the
// original text; PublishedParsed is a best-effort reading of it.
type RawEntry struct {
	Title           string
	URL             string
	Summary         string
	PublishedAt     string
	PublishedParsed *time.Time
}

// Configuration types

type Config struct {
	Name       string         // Derived from filename (without .yml extension)
	URL        string         `yaml:"url"`
	SourceType SourceType     `yaml:"source_type"`
	Priority   int            `yaml:"priority"` // lower runs first
	Type       string         `yaml:"type"`     // auto, rss or atom; informational only
	Settings   ConfigSettings `yaml:"settings"`
	Filters    []ConfigFilter `yaml:"filters"`
}

type ConfigSettings struct {
	Enabled        bool `yaml:"enabled"`
	MaxItems       int  `yaml:"max_items"`
	Timeout        int  `yaml:"timeout"`         // seconds
	ExtractContent bool `yaml:"extract_content"` // fetch and index article bodies
}

type ConfigFilter struct {
	Field    string   `yaml:"field"`
	Includes []string `yaml:"includes"`
	Excludes []string `yaml:"excludes"`
}
