package enrich

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestEPSSClientScores(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("cve"); got != "CVE-2021-44228,CVE-2024-3400,CVE-2099-0001" {
			t.Errorf("Unexpected cve parameter: %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"OK","data":[
			{"cve":"CVE-2021-44228","epss":"0.975660000","percentile":"0.999990000"},
			{"cve":"CVE-2024-3400","epss":0.95717}
		]}`)
	}))
	defer srv.Close()

	client := NewEPSSClient(srv.Client(), srv.URL, 100)

	scores, err := client.Scores(context.Background(), []string{"CVE-2024-3400", "cve-2021-44228", "CVE-2099-0001", "CVE-2024-3400"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := map[string]float64{
		"CVE-2021-44228": 0.97566,
		"CVE-2024-3400":  0.95717,
		"CVE-2099-0001":  0,
	}
	if len(scores) != len(want) {
		t.Fatalf("Expected %d scores, got: %v", len(want), scores)
	}
	for cve, v := range want {
		if scores[cve] != v {
			t.Errorf("Expected %s score %v, got: %v", cve, v, scores[cve])
		}
	}
}

func TestEPSSClientChunksRequests(t *testing.T) {
	var mu sync.Mutex
	var sizes []int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids := strings.Split(r.URL.Query().Get("cve"), ",")
		mu.Lock()
		sizes = append(sizes, len(ids))
		mu.Unlock()

		var data []string
		for _, id := range ids {
			data = append(data, fmt.Sprintf(`{"cve":%q,"epss":"0.5"}`, id))
		}
		fmt.Fprintf(w, `{"status":"OK","data":[%s]}`, strings.Join(data, ","))
	}))
	defer srv.Close()

	var cves []string
	for i := 0; i < 120; i++ {
		cves = append(cves, fmt.Sprintf("CVE-2024-%04d", 1000+i))
	}

	client := NewEPSSClient(srv.Client(), srv.URL, 1000)
	scores, err := client.Scores(context.Background(), cves)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(sizes) != 3 {
		t.Fatalf("Expected 3 requests, got: %d", len(sizes))
	}
	total := 0
	for _, n := range sizes {
		if n > EPSSBatchSize {
			t.Errorf("Expected at most %d CVEs per request, got: %d", EPSSBatchSize, n)
		}
		total += n
	}
	if total != 120 {
		t.Errorf("Expected 120 CVEs requested, got: %d", total)
	}
	if len(scores) != 120 || scores["CVE-2024-1119"] != 0.5 {
		t.Errorf("Expected 120 scores of 0.5, got %d entries", len(scores))
	}
}

func TestEPSSClientEmptyInput(t *testing.T) {
	client := NewEPSSClient(http.DefaultClient, "http://127.0.0.1:1", 1)

	scores, err := client.Scores(context.Background(), nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(scores) != 0 {
		t.Errorf("Expected no scores, got: %v", scores)
	}
}

func TestEPSSClientUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewEPSSClient(srv.Client(), srv.URL, 100)
	if _, err := client.Scores(context.Background(), []string{"CVE-2024-3400"}); err == nil {
		t.Error("Expected error for upstream failure")
	}
}
