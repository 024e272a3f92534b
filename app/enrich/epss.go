package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lysyi3m/threat-comb/app/metrics"
)

const (
	DefaultEPSSURL = "https://api.first.org/data/v1/epss"

	// EPSSBatchSize is the most CVEs sent in one request.
	EPSSBatchSize = 50
)

// score accepts the probability either as a JSON number or as a numeric
// string, which is what the FIRST API returns.
type score float64

func (s *score) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*s = 0
		return nil
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("invalid epss value %q: %w", b, err)
	}
	*s = score(f)
	return nil
}

type epssResponse struct {
	Status string `json:"status"`
	Data   []struct {
		CVE  string `json:"cve"`
		EPSS score  `json:"epss"`
	} `json:"data"`
}

// EPSSClient looks up exploit prediction scores from the FIRST EPSS API.
type EPSSClient struct {
	HTTP    *http.Client
	URL     string
	Limiter *rate.Limiter
}

func NewEPSSClient(httpClient *http.Client, url string, perSecond float64) *EPSSClient {
	if url == "" {
		url = DefaultEPSSURL
	}
	return &EPSSClient{
		HTTP:    httpClient,
		URL:     url,
		Limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
	}
}

// Scores returns a score for every requested CVE. CVEs the API does not
// know map to 0.
func (c *EPSSClient) Scores(ctx context.Context, cves []string) (map[string]float64, error) {
	ids := make([]string, 0, len(cves))
	for _, cve := range cves {
		if id := strings.ToUpper(strings.TrimSpace(cve)); id != "" {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	scores := make(map[string]float64, len(ids))
	for _, id := range ids {
		scores[id] = 0
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for chunk := range slices.Chunk(ids, EPSSBatchSize) {
		g.Go(func() error {
			found, err := c.fetch(gctx, chunk)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for id, v := range found {
				if _, ok := scores[id]; ok {
					scores[id] = v
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scores, nil
}

func (c *EPSSClient) fetch(ctx context.Context, ids []string) (map[string]float64, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("failed to wait for EPSS rate limiter: %w", err)
		}
	}

	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse EPSS URL: %w", err)
	}
	query := u.Query()
	query.Set("cve", strings.Join(ids, ","))
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create EPSS request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		metrics.EPSSRequests.WithLabelValues("false").Inc()
		return nil, fmt.Errorf("failed to fetch EPSS scores: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.EPSSRequests.WithLabelValues("false").Inc()
		return nil, fmt.Errorf("failed to fetch EPSS scores: unexpected status %d", resp.StatusCode)
	}

	var body epssResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		metrics.EPSSRequests.WithLabelValues("false").Inc()
		return nil, fmt.Errorf("failed to decode EPSS response: %w", err)
	}
	metrics.EPSSRequests.WithLabelValues("true").Inc()

	found := make(map[string]float64, len(body.Data))
	for _, d := range body.Data {
		found[strings.ToUpper(d.CVE)] = float64(d.EPSS)
	}
	return found, nil
}
