package api

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lysyi3m/threat-comb/app/database"
	"github.com/lysyi3m/threat-comb/app/feed"
	"github.com/lysyi3m/threat-comb/app/ingest"
	"github.com/lysyi3m/threat-comb/app/queue"
	"github.com/lysyi3m/threat-comb/app/tasks"
)

func NewHandler(configCache *feed.ConfigCache, feedRepo database.FeedRepository,
	itemRepo database.ItemRepository, scheduler tasks.TaskSchedulerInterface,
	publisher queue.Publisher, baseURL, version string) *Handler {
	return &Handler{
		feedRepo:    feedRepo,
		itemRepo:    itemRepo,
		generator:   feed.NewGenerator(),
		configCache: configCache,
		scheduler:   scheduler,
		publisher:   publisher,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		version:     version,
		now:         time.Now,
	}
}

func (h *Handler) ListItems(c *gin.Context) {
	query, err := parseItemQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	items, err := h.itemRepo.Query(c.Request.Context(), query)
	if err != nil {
		slog.Error("Database error", "operation", "query_items", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	if items == nil {
		items = []database.Item{}
	}

	c.JSON(http.StatusOK, items)
}

func (h *Handler) GetItem(c *gin.Context) {
	id := c.Param("id")

	item, err := h.itemRepo.GetItem(c.Request.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Item not found"})
		return
	}
	if err != nil {
		slog.Error("Database error", "operation", "get_item", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	iocs, err := h.itemRepo.GetIOCs(c.Request.Context(), id)
	if err != nil {
		slog.Error("Database error", "operation", "get_iocs", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	item.IOCs = iocs

	c.JSON(http.StatusOK, item)
}

// ItemsRSS renders the same query as ListItems as an RSS 2.0 document.
func (h *Handler) ItemsRSS(c *gin.Context) {
	query, err := parseItemQuery(c)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}

	items, err := h.itemRepo.Query(c.Request.Context(), query)
	if err != nil {
		slog.Error("Database error", "operation", "query_items", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	selfURL := ""
	if h.baseURL != "" {
		selfURL = h.baseURL + c.Request.URL.RequestURI()
	}

	rss, err := h.generator.Run(feed.Channel{
		Title:   "Threat Comb",
		Link:    h.baseURL,
		SelfURL: selfURL,
		Version: h.version,
	}, items)
	if err != nil {
		slog.Error("RSS generation error", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	c.Header("Content-Type", "application/xml; charset=utf-8")
	c.Header("X-Feed-Items", strconv.Itoa(len(items)))
	c.String(http.StatusOK, rss)
}

func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.itemRepo.GetStats(c.Request.Context(), h.now())
	if err != nil {
		slog.Error("Database error", "operation", "get_stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// ListFeeds previews every configured source with its last fetch outcome.
func (h *Handler) ListFeeds(c *gin.Context) {
	configs := h.configCache.GetConfigs()

	sorted := make([]*feed.Config, 0, len(configs))
	for _, feedConfig := range configs {
		sorted = append(sorted, feedConfig)
	}
	slices.SortFunc(sorted, func(a, b *feed.Config) int {
		return cmp.Or(cmp.Compare(a.Priority, b.Priority), strings.Compare(a.Name, b.Name))
	})

	ctx := c.Request.Context()
	feeds := make([]feedStatus, 0, len(sorted))

	for _, feedConfig := range sorted {
		status := feedStatus{
			Name:           feedConfig.Name,
			URL:            feedConfig.URL,
			SourceType:     string(feedConfig.SourceType),
			Priority:       feedConfig.Priority,
			Enabled:        feedConfig.Settings.Enabled,
			ExtractContent: feedConfig.Settings.ExtractContent,
			Filters:        len(feedConfig.Filters),
		}

		if f, err := h.feedRepo.GetFeed(ctx, feedConfig.Name); err != nil {
			slog.Warn("Failed to load feed status", "feed", feedConfig.Name, "error", err)
		} else if f != nil {
			status.LastFetchedAt = f.LastFetchedAt
			status.LastSuccessAt = f.LastSuccessAt
			status.LastStatus = f.LastStatus
			status.LastError = f.LastError
			status.ConsecutiveErrors = f.ConsecutiveErrors
		}

		if count, err := h.itemRepo.GetItemCount(ctx, feedConfig.Name); err == nil {
			status.ItemCount = count
		}

		feeds = append(feeds, status)
	}

	c.JSON(http.StatusOK, gin.H{
		"feeds":  feeds,
		"health": h.scheduler.Health(),
	})
}

func (h *Handler) GetHealth(c *gin.Context) {
	health := map[string]interface{}{
		"status":    "ok",
		"version":   h.version,
		"timestamp": h.now().In(time.Local).Format(time.RFC3339),
	}

	if feedCount, err := h.feedRepo.GetFeedCount(c.Request.Context()); err == nil {
		health["feeds"] = feedCount
	} else {
		health["status"] = "degraded"
		health["database_error"] = err.Error()
	}

	health["loaded_configurations"] = h.configCache.GetConfigCount()
	health["scheduler"] = h.scheduler.Health()["status"]

	c.JSON(http.StatusOK, health)
}

func (h *Handler) APIRefreshFeed(c *gin.Context) {
	name := c.Param("name")

	err := h.scheduler.RefreshFeed(name)
	if errors.Is(err, tasks.ErrUnknownFeed) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Feed configuration not found"})
		return
	}
	if err != nil {
		slog.Error("Error enqueueing refresh", "feed", name, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "Failed to enqueue refresh",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"message": "Feed refresh enqueued",
		"feed":    name,
	})
}

// APIEnrichItem publishes a fresh enrichment job for an existing item.
func (h *Handler) APIEnrichItem(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	item, err := h.itemRepo.GetItem(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Item not found"})
		return
	}
	if err != nil {
		slog.Error("Database error", "operation", "get_item", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	if err := h.publisher.Publish(ctx, ingest.JobFor(*item)); err != nil {
		slog.Error("Error publishing enrichment job", "id", id, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "Failed to enqueue enrichment",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"message": "Enrichment job enqueued",
		"id":      id,
	})
}

func parseItemQuery(c *gin.Context) (database.ItemQuery, error) {
	var q database.ItemQuery

	if since := c.Query("since"); since != "" {
		t := feed.ParseTime(since)
		if t == nil {
			return q, fmt.Errorf("invalid since: %s", since)
		}
		q.Since = t
	}

	q.Q = strings.TrimSpace(c.Query("q"))
	q.Source = c.Query("source")

	if sourceType := c.Query("source_type"); sourceType != "" {
		if !feed.SourceType(sourceType).Valid() {
			return q, fmt.Errorf("invalid source_type: %s", sourceType)
		}
		q.SourceType = sourceType
	}

	var err error
	if q.Exploited, err = parseTri(c.Query("exploited")); err != nil {
		return q, fmt.Errorf("invalid exploited: %w", err)
	}
	if q.HasCVE, err = parseTri(c.Query("has_cve")); err != nil {
		return q, fmt.Errorf("invalid has_cve: %w", err)
	}

	if q.Limit, err = parseNonNegative(c.Query("limit")); err != nil {
		return q, fmt.Errorf("invalid limit: %w", err)
	}
	if q.Offset, err = parseNonNegative(c.Query("offset")); err != nil {
		return q, fmt.Errorf("invalid offset: %w", err)
	}

	return q, nil
}

func parseTri(v string) (database.Tri, error) {
	if v == "" {
		return database.TriAny, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return database.TriAny, err
	}
	if b {
		return database.TriTrue, nil
	}
	return database.TriFalse, nil
}

func parseNonNegative(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must be non-negative")
	}
	return n, nil
}
