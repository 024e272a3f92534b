package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lysyi3m/threat-comb/app/cache"
	"github.com/lysyi3m/threat-comb/app/metrics"
)

const (
	DefaultKEVURL = "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json"
	DefaultKEVTTL = 12 * time.Hour

	kevCacheKey     = "kev:catalog"
	kevFetchTimeout = 2 * time.Minute
)

// kevRoot is the subset of the CISA KEV document we read.
type kevRoot struct {
	CatalogVersion  string `json:"catalogVersion"`
	Count           int    `json:"count"`
	Vulnerabilities []struct {
		CVEID string `json:"cveID"`
	} `json:"vulnerabilities"`
}

// kevSnapshot is what gets stored in the cache.
type kevSnapshot struct {
	FetchedAt int64    `json:"fetched_at"`
	CVEs      []string `json:"cves"`
}

// KEVClient answers whether a CVE is in the CISA Known Exploited
// Vulnerabilities catalog. The catalog is read through Cache and refetched
// once it is older than TTL according to Clock.
type KEVClient struct {
	HTTP  *http.Client
	URL   string
	Cache cache.Cache
	Clock func() time.Time
	TTL   time.Duration

	flight singleflight.Group
}

func NewKEVClient(httpClient *http.Client, url string, c cache.Cache, ttl time.Duration) *KEVClient {
	if url == "" {
		url = DefaultKEVURL
	}
	if ttl <= 0 {
		ttl = DefaultKEVTTL
	}
	return &KEVClient{
		HTTP:  httpClient,
		URL:   url,
		Cache: c,
		Clock: time.Now,
		TTL:   ttl,
	}
}

func (c *KEVClient) IsExploited(ctx context.Context, cve string) (bool, error) {
	catalog, err := c.Catalog(ctx)
	if err != nil {
		return false, err
	}
	_, ok := catalog[strings.ToUpper(cve)]
	return ok, nil
}

// Catalog returns the set of CVE ids in the catalog. Concurrent callers
// that miss the cache share a single download.
func (c *KEVClient) Catalog(ctx context.Context) (map[string]struct{}, error) {
	if set, ok := c.cached(ctx); ok {
		metrics.KEVCache.WithLabelValues("hit").Inc()
		return set, nil
	}
	metrics.KEVCache.WithLabelValues("miss").Inc()

	// The shared download is detached from the caller that started it, so
	// one cancelled caller does not fail the others waiting on it.
	ch := c.flight.DoChan(kevCacheKey, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), kevFetchTimeout)
		defer cancel()

		if set, ok := c.cached(fetchCtx); ok {
			return set, nil
		}
		return c.refresh(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to load KEV catalog: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			slog.Debug("KEV catalog fetch shared between callers")
		}
		return res.Val.(map[string]struct{}), nil
	}
}

func (c *KEVClient) cached(ctx context.Context) (map[string]struct{}, bool) {
	if c.Cache == nil {
		return nil, false
	}

	raw, err := c.Cache.Get(ctx, kevCacheKey)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			slog.Warn("KEV cache read failed", "error", err)
		}
		return nil, false
	}

	var snap kevSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		slog.Warn("Discarding unreadable KEV cache entry", "error", err)
		return nil, false
	}

	if c.now().Sub(time.Unix(snap.FetchedAt, 0)) >= c.TTL {
		return nil, false
	}

	return toSet(snap.CVEs), true
}

func (c *KEVClient) refresh(ctx context.Context) (map[string]struct{}, error) {
	ids, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}

	slog.Info("KEV catalog downloaded", "count", len(ids))

	if c.Cache != nil {
		payload, err := json.Marshal(kevSnapshot{FetchedAt: c.now().Unix(), CVEs: ids})
		if err != nil {
			return nil, fmt.Errorf("failed to encode KEV snapshot: %w", err)
		}
		if err := c.Cache.Set(ctx, kevCacheKey, string(payload), c.TTL); err != nil {
			slog.Warn("Failed to store KEV catalog in cache", "error", err)
		}
	}

	return toSet(ids), nil
}

func (c *KEVClient) fetch(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create KEV request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch KEV catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch KEV catalog: unexpected status %d", resp.StatusCode)
	}

	var root kevRoot
	if err := json.NewDecoder(resp.Body).Decode(&root); err != nil {
		return nil, fmt.Errorf("failed to decode KEV catalog: %w", err)
	}

	ids := make([]string, 0, len(root.Vulnerabilities))
	for _, v := range root.Vulnerabilities {
		if id := strings.ToUpper(strings.TrimSpace(v.CVEID)); id != "" {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	return slices.Compact(ids), nil
}

func (c *KEVClient) now() time.Time {
	if c.Clock == nil {
		return time.Now()
	}
	return c.Clock()
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
