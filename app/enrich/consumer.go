// Package enrich attaches CVE exploitation context and indicators of
// compromise to stored items.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lysyi3m/threat-comb/app/database"
	"github.com/lysyi3m/threat-comb/app/extract"
	"github.com/lysyi3m/threat-comb/app/metrics"
	"github.com/lysyi3m/threat-comb/app/queue"
)

type KEVLookup interface {
	Catalog(ctx context.Context) (map[string]struct{}, error)
}

type EPSSLookup interface {
	Scores(ctx context.Context, cves []string) (map[string]float64, error)
}

// Consumer turns enrichment jobs into stored CVE, KEV, EPSS and IOC data.
// Handling the same job twice writes the same values.
type Consumer struct {
	items database.ItemRepository
	kev   KEVLookup
	epss  EPSSLookup
	Clock func() time.Time
}

func NewConsumer(items database.ItemRepository, kev KEVLookup, epss EPSSLookup) *Consumer {
	return &Consumer{
		items: items,
		kev:   kev,
		epss:  epss,
		Clock: time.Now,
	}
}

type extracted struct {
	job    queue.Job
	cve    *string
	result extract.Result
}

// HandleBatch enriches every job in the batch with one KEV lookup and one
// EPSS lookup shared by all of them. Lookup failures degrade to
// exploited=false and epss=0; store failures are returned.
func (c *Consumer) HandleBatch(ctx context.Context, jobs []queue.Job) error {
	batch := make([]extracted, 0, len(jobs))
	seen := make(map[string]struct{})
	var cves []string

	for _, job := range jobs {
		result := extract.Extract(job.Title + "\n" + job.Summary)
		cve := result.PrimaryCVE()
		if cve != nil {
			if _, ok := seen[*cve]; !ok {
				seen[*cve] = struct{}{}
				cves = append(cves, *cve)
			}
		}
		batch = append(batch, extracted{job: job, cve: cve, result: result})
	}

	catalog, scores := c.lookup(ctx, cves)
	now := c.Clock().UTC()

	for _, e := range batch {
		if err := c.store(ctx, e, catalog, scores, now); err != nil {
			metrics.JobsFailed.Add(float64(len(jobs)))
			return err
		}
		metrics.JobsEnriched.Inc()
	}

	slog.Info("Enrichment batch completed", "jobs", len(jobs), "cves", len(cves))
	return nil
}

func (c *Consumer) lookup(ctx context.Context, cves []string) (map[string]struct{}, map[string]float64) {
	if len(cves) == 0 {
		return nil, nil
	}

	catalog, err := c.kev.Catalog(ctx)
	if err != nil {
		slog.Warn("KEV lookup failed, treating batch as not exploited", "cves", len(cves), "error", err)
		catalog = nil
	}

	scores, err := c.epss.Scores(ctx, cves)
	if err != nil {
		slog.Warn("EPSS lookup failed, scoring batch as 0", "cves", len(cves), "error", err)
		scores = nil
	}

	return catalog, scores
}

func (c *Consumer) store(ctx context.Context, e extracted, catalog map[string]struct{}, scores map[string]float64, now time.Time) error {
	enrichment := database.Enrichment{CVE: e.cve, At: now}
	if e.cve != nil {
		_, enrichment.Exploited = catalog[*e.cve]
		enrichment.EPSS = scores[*e.cve]
	}

	if err := c.items.UpdateEnrichment(ctx, e.job.ID, enrichment); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			slog.Warn("Enrichment target no longer exists, skipping", "id", e.job.ID)
			return nil
		}
		return fmt.Errorf("failed to store enrichment for item %s: %w", e.job.ID, err)
	}

	if len(e.result.IOCs) == 0 {
		return nil
	}

	iocs := make([]database.IOC, 0, len(e.result.IOCs))
	for _, ioc := range e.result.IOCs {
		iocs = append(iocs, database.IOC{ItemID: e.job.ID, Kind: string(ioc.Kind), Value: ioc.Value})
	}
	if err := c.items.InsertIOCs(ctx, iocs); err != nil {
		return fmt.Errorf("failed to store IOCs for item %s: %w", e.job.ID, err)
	}

	slog.Debug("Item enriched", "id", e.job.ID, "source", e.job.Source, "iocs", len(iocs))
	return nil
}
