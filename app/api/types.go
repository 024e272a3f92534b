package api

import (
	"time"

	"github.com/lysyi3m/threat-comb/app/database"
	"github.com/lysyi3m/threat-comb/app/feed"
	"github.com/lysyi3m/threat-comb/app/queue"
	"github.com/lysyi3m/threat-comb/app/tasks"
)

type GeneratorInterface interface {
	Run(channel feed.Channel, items []database.Item) (string, error)
}

var _ GeneratorInterface = (*feed.Generator)(nil)

type Handler struct {
	feedRepo    database.FeedRepository
	itemRepo    database.ItemRepository
	generator   GeneratorInterface
	configCache *feed.ConfigCache
	scheduler   tasks.TaskSchedulerInterface
	publisher   queue.Publisher
	baseURL     string
	version     string
	now         func() time.Time
}

// feedStatus is one row of the /feeds preview.
type feedStatus struct {
	Name              string     `json:"name"`
	URL               string     `json:"url"`
	SourceType        string     `json:"source_type"`
	Priority          int        `json:"priority"`
	Enabled           bool       `json:"enabled"`
	ExtractContent    bool       `json:"extract_content"`
	Filters           int        `json:"filters"`
	ItemCount         int        `json:"item_count"`
	LastFetchedAt     *time.Time `json:"last_fetched_at"`
	LastSuccessAt     *time.Time `json:"last_success_at"`
	LastStatus        int        `json:"last_status"`
	LastError         string     `json:"last_error,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
}
