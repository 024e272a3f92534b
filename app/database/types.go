package database

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Feed is the persisted status of a configured source.
type Feed struct {
	Name              string     `json:"name"`
	URL               string     `json:"url"`
	SourceType        string     `json:"source_type"`
	Priority          int        `json:"priority"`
	LastFetchedAt     *time.Time `json:"last_fetched_at"`
	LastSuccessAt     *time.Time `json:"last_success_at"`
	LastStatus        int        `json:"last_status"`
	LastError         string     `json:"last_error"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	EntriesSeen       int        `json:"entries_seen"`
	ItemsInserted     int        `json:"items_inserted"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// FetchResult is recorded after every fetch attempt of a source.
type FetchResult struct {
	Status   int
	Error    string
	Seen     int
	Inserted int
	At       time.Time
}

type Item struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Source      string     `json:"source"`
	SourceType  string     `json:"source_type"`
	PublishedAt string     `json:"published_at"`
	PublishedTS time.Time  `json:"published_ts"`
	FetchedAt   time.Time  `json:"fetched_at"`
	Summary     string     `json:"summary"`
	Body        string     `json:"body,omitempty"`
	ContentHash string     `json:"content_hash"`
	CVE         *string    `json:"cve"`
	Exploited   *bool      `json:"exploited"`
	EPSS        *float64   `json:"epss"`
	EnrichedAt  *time.Time `json:"enriched_at"`
	IOCs        []IOC      `json:"iocs,omitempty"`
}

type IOC struct {
	ItemID string `json:"-"`
	Kind   string `json:"kind"`
	Value  string `json:"value"`
}

// Enrichment is the outcome written back to an item by the consumer.
type Enrichment struct {
	CVE       *string
	Exploited bool
	EPSS      float64
	At        time.Time
}

type ItemForExtraction struct {
	ID  string
	URL string
}

// Tri is a tri-state filter: unset matches everything.
type Tri int

const (
	TriAny Tri = iota
	TriTrue
	TriFalse
)

const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 100
)

type ItemQuery struct {
	Since      *time.Time
	Q          string
	SourceType string
	Source     string
	Exploited  Tri
	HasCVE     Tri
	Limit      int
	Offset     int
}

type Stats struct {
	BySourceType map[string]int `json:"by_source_type"`
	Last24h      int            `json:"last_24h"`
	Exploited    int            `json:"exploited"`
	Total        int            `json:"total"`
	Enriched     int            `json:"enriched"`
	IOCs         int            `json:"iocs"`
}
