package enrich

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/lysyi3m/threat-comb/app/database"
	"github.com/lysyi3m/threat-comb/app/queue"
)

type fakeKEV struct {
	catalog map[string]struct{}
	err     error
	calls   int
}

func (f *fakeKEV) Catalog(context.Context) (map[string]struct{}, error) {
	f.calls++
	return f.catalog, f.err
}

type fakeEPSS struct {
	scores    map[string]float64
	err       error
	calls     int
	requested []string
}

func (f *fakeEPSS) Scores(_ context.Context, cves []string) (map[string]float64, error) {
	f.calls++
	f.requested = append(f.requested, cves...)
	return f.scores, f.err
}

func newItemRepo(t *testing.T) database.ItemRepository {
	t.Helper()

	db, err := database.NewConnection(filepath.Join(t.TempDir(), "enrich.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, _, err := database.RunMigrations(db); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	return database.NewItemRepository(db)
}

func seed(t *testing.T, repo database.ItemRepository, jobs ...queue.Job) {
	t.Helper()

	ts := time.Date(2024, 4, 12, 10, 0, 0, 0, time.UTC)
	for _, job := range jobs {
		_, err := repo.InsertIfAbsent(context.Background(), database.Item{
			ID:          job.ID,
			URL:         job.URL,
			Title:       job.Title,
			Source:      job.Source,
			SourceType:  "gov",
			PublishedTS: ts,
			FetchedAt:   ts,
			Summary:     job.Summary,
			ContentHash: job.ID,
		})
		if err != nil {
			t.Fatalf("Failed to seed item %s: %v", job.ID, err)
		}
	}
}

var testJobs = []queue.Job{
	{
		ID:      "pan",
		URL:     "https://example.com/pan",
		Title:   "CVE-2024-3400 exploited in GlobalProtect",
		Summary: "Attackers at 203.0.113.5 dropped payloads from evil-domain.com",
		Source:  "cisa",
	},
	{
		ID:      "log4j",
		URL:     "https://example.com/log4j",
		Title:   "Log4Shell retrospective",
		Summary: "CVE-2021-44228 remains widely scanned. See also CVE-2024-3400.",
		Source:  "krebs",
	},
	{
		ID:      "plain",
		URL:     "https://example.com/plain",
		Title:   "Quarterly threat landscape",
		Summary: "No identifiers here.",
		Source:  "krebs",
	},
}

func TestHandleBatchEnrichesItems(t *testing.T) {
	ctx := context.Background()
	repo := newItemRepo(t)
	seed(t, repo, testJobs...)

	kev := &fakeKEV{catalog: map[string]struct{}{"CVE-2024-3400": {}}}
	epss := &fakeEPSS{scores: map[string]float64{"CVE-2024-3400": 0.95, "CVE-2021-44228": 0.97}}

	consumer := NewConsumer(repo, kev, epss)
	if err := consumer.HandleBatch(ctx, testJobs); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if kev.calls != 1 || epss.calls != 1 {
		t.Errorf("Expected one KEV and one EPSS lookup per batch, got: %d and %d", kev.calls, epss.calls)
	}
	if diff := cmp.Diff([]string{"CVE-2024-3400", "CVE-2021-44228"}, epss.requested); diff != "" {
		t.Errorf("EPSS request mismatch (-want +got):\n%s", diff)
	}

	pan, err := repo.GetItem(ctx, "pan")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if pan.CVE == nil || *pan.CVE != "CVE-2024-3400" {
		t.Errorf("Expected CVE-2024-3400, got: %v", pan.CVE)
	}
	if pan.Exploited == nil || !*pan.Exploited {
		t.Error("Expected pan to be exploited")
	}
	if pan.EPSS == nil || *pan.EPSS != 0.95 {
		t.Errorf("Expected EPSS 0.95, got: %v", pan.EPSS)
	}

	log4j, err := repo.GetItem(ctx, "log4j")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if log4j.CVE == nil || *log4j.CVE != "CVE-2021-44228" {
		t.Errorf("Expected the first CVE in text, got: %v", log4j.CVE)
	}
	if log4j.Exploited == nil || *log4j.Exploited {
		t.Error("Expected log4j not exploited")
	}

	plain, err := repo.GetItem(ctx, "plain")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if plain.CVE != nil {
		t.Errorf("Expected no CVE, got: %v", *plain.CVE)
	}
	if plain.Exploited == nil || *plain.Exploited {
		t.Error("Expected exploited=false without a CVE")
	}
	if plain.EnrichedAt == nil {
		t.Error("Expected enriched_at to be set")
	}

	iocs, err := repo.GetIOCs(ctx, "pan")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	got := map[string]string{}
	for _, ioc := range iocs {
		got[ioc.Kind] = ioc.Value
	}
	if got["ipv4"] != "203.0.113.5" || got["domain"] != "evil-domain.com" {
		t.Errorf("Expected ipv4 and domain IOCs, got: %v", iocs)
	}
}

func TestHandleBatchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newItemRepo(t)
	seed(t, repo, testJobs[0])

	kev := &fakeKEV{catalog: map[string]struct{}{"CVE-2024-3400": {}}}
	epss := &fakeEPSS{scores: map[string]float64{"CVE-2024-3400": 0.95}}
	consumer := NewConsumer(repo, kev, epss)

	at := time.Date(2024, 4, 12, 11, 0, 0, 0, time.UTC)
	consumer.Clock = func() time.Time { return at }

	snapshot := func() (*database.Item, []database.IOC) {
		t.Helper()
		item, err := repo.GetItem(ctx, "pan")
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		iocs, err := repo.GetIOCs(ctx, "pan")
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		return item, iocs
	}

	if err := consumer.HandleBatch(ctx, testJobs[:1]); err != nil {
		t.Fatalf("First delivery: expected no error, got: %v", err)
	}
	first, firstIOCs := snapshot()

	if err := consumer.HandleBatch(ctx, testJobs[:1]); err != nil {
		t.Fatalf("Redelivery: expected no error, got: %v", err)
	}
	second, secondIOCs := snapshot()

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("Item changed on redelivery (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(firstIOCs, secondIOCs); diff != "" {
		t.Errorf("IOCs changed on redelivery (-first +second):\n%s", diff)
	}

	if len(secondIOCs) != 2 {
		t.Errorf("Expected 2 IOCs after redelivery, got: %d", len(secondIOCs))
	}
	if second.CVE == nil || *second.CVE != "CVE-2024-3400" {
		t.Errorf("Expected CVE-2024-3400, got: %v", second.CVE)
	}
	if second.Exploited == nil || !*second.Exploited {
		t.Errorf("Expected exploited=true, got: %v", second.Exploited)
	}
	if second.EPSS == nil || *second.EPSS != 0.95 {
		t.Errorf("Expected epss 0.95, got: %v", second.EPSS)
	}
	if second.EnrichedAt == nil || !second.EnrichedAt.Equal(at) {
		t.Errorf("Expected enriched_at %s, got: %v", at, second.EnrichedAt)
	}
}

func TestHandleBatchLookupFailuresAreSoft(t *testing.T) {
	ctx := context.Background()
	repo := newItemRepo(t)
	seed(t, repo, testJobs[0])

	kev := &fakeKEV{err: errors.New("catalog unavailable")}
	epss := &fakeEPSS{err: errors.New("rate limited")}

	if err := NewConsumer(repo, kev, epss).HandleBatch(ctx, testJobs[:1]); err != nil {
		t.Fatalf("Expected lookup failures to be absorbed, got: %v", err)
	}

	item, err := repo.GetItem(ctx, "pan")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if item.CVE == nil || *item.CVE != "CVE-2024-3400" {
		t.Errorf("Expected CVE to be stored, got: %v", item.CVE)
	}
	if item.Exploited == nil || *item.Exploited {
		t.Error("Expected exploited=false on KEV failure")
	}
	if item.EPSS == nil || *item.EPSS != 0 {
		t.Errorf("Expected EPSS 0 on EPSS failure, got: %v", item.EPSS)
	}
}

func TestHandleBatchSkipsLookupsWithoutCVEs(t *testing.T) {
	ctx := context.Background()
	repo := newItemRepo(t)
	seed(t, repo, testJobs[2])

	kev := &fakeKEV{}
	epss := &fakeEPSS{}

	if err := NewConsumer(repo, kev, epss).HandleBatch(ctx, testJobs[2:]); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if kev.calls != 0 || epss.calls != 0 {
		t.Errorf("Expected no lookups, got: %d KEV and %d EPSS", kev.calls, epss.calls)
	}
}

func TestHandleBatchMissingItem(t *testing.T) {
	repo := newItemRepo(t)

	err := NewConsumer(repo, &fakeKEV{}, &fakeEPSS{}).HandleBatch(context.Background(), []queue.Job{{ID: "gone", Title: "CVE-2024-3400"}})
	if err != nil {
		t.Errorf("Expected missing item to be skipped, got: %v", err)
	}
}

type failingRepo struct {
	database.ItemRepository
}

func (failingRepo) UpdateEnrichment(context.Context, string, database.Enrichment) error {
	return errors.New("database is locked")
}

func TestHandleBatchStoreFailure(t *testing.T) {
	err := NewConsumer(failingRepo{}, &fakeKEV{}, &fakeEPSS{}).HandleBatch(context.Background(), testJobs[:1])
	if err == nil {
		t.Error("Expected store failure to fail the batch")
	}
}
