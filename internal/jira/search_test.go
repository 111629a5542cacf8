package jira

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"testing"
)

// searchHandler serves a fixed issue list with startAt/maxResults paging.
func searchHandler(t *testing.T, issues []*Issue) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/api/2/search" {
			t.Errorf("Path = %q, want /rest/api/2/search", r.URL.Path)
		}
		startAt, _ := strconv.Atoi(r.URL.Query().Get("startAt"))
		maxResults, _ := strconv.Atoi(r.URL.Query().Get("maxResults"))

		end := startAt + maxResults
		if end > len(issues) {
			end = len(issues)
		}
		var page []*Issue
		if startAt < len(issues) {
			page = issues[startAt:end]
		}

		json.NewEncoder(w).Encode(SearchResult{
			StartAt:    startAt,
			MaxResults: maxResults,
			Total:      len(issues),
			Issues:     page,
		})
	}
}

func makeIssues(n int) []*Issue {
	issues := make([]*Issue, n)
	for i := range issues {
		issues[i] = &Issue{
			ID:  strconv.Itoa(10000 + i),
			Key: fmt.Sprintf("TP-%d", i+1),
			Fields: map[string]any{
				"summary": fmt.Sprintf("Issue %d", i+1),
				"updated": "2025-01-08T03:45:23.000+0000",
			},
		}
	}
	return issues
}

// TestSearchAll_SinglePage verifies small result sets arrive in one batch.
func TestSearchAll_SinglePage(t *testing.T) {
	var requests atomic.Int32
	issues := makeIssues(7)
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		searchHandler(t, issues)(w, r)
	}))

	got, err := client.SearchAll(context.Background(), "project = TP", []string{"summary", "updated"})
	if err != nil {
		t.Fatalf("SearchAll() failed: %v", err)
	}
	if len(got) != 7 {
		t.Errorf("SearchAll() returned %d issues, want 7", len(got))
	}
	// One probe plus one data page.
	if n := requests.Load(); n != 2 {
		t.Errorf("Request count = %d, want 2", n)
	}
	if got[0].Key != "TP-1" || got[6].Key != "TP-7" {
		t.Errorf("Result order wrong: first=%s last=%s", got[0].Key, got[6].Key)
	}
}

// TestSearchAll_Paginated verifies batched fetching over multiple pages.
func TestSearchAll_Paginated(t *testing.T) {
	issues := makeIssues(1200)
	client := newTestClient(t, searchHandler(t, issues))

	got, err := client.SearchAll(context.Background(), "project = TP", []string{"summary"})
	if err != nil {
		t.Fatalf("SearchAll() failed: %v", err)
	}
	if len(got) != 1200 {
		t.Errorf("SearchAll() returned %d issues, want 1200", len(got))
	}

	seen := make(map[string]bool, len(got))
	for _, issue := range got {
		if seen[issue.Key] {
			t.Fatalf("Duplicate key in results: %s", issue.Key)
		}
		seen[issue.Key] = true
	}
}

// TestSearchAll_Empty verifies a zero total short-circuits.
func TestSearchAll_Empty(t *testing.T) {
	var requests atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		json.NewEncoder(w).Encode(SearchResult{Total: 0})
	}))

	got, err := client.SearchAll(context.Background(), "project = NONE", nil)
	if err != nil {
		t.Fatalf("SearchAll() failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("SearchAll() returned %d issues, want 0", len(got))
	}
	if n := requests.Load(); n != 1 {
		t.Errorf("Request count = %d, want 1 (probe only)", n)
	}
}

// TestSearchAll_RetriesTransientError verifies a flaky page succeeds on
// the second attempt.
func TestSearchAll_RetriesTransientError(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping retry timing test in short mode")
	}

	issues := makeIssues(5)
	var dataCalls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("maxResults") == "0" {
			searchHandler(t, issues)(w, r)
			return
		}
		if dataCalls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		searchHandler(t, issues)(w, r)
	}))

	got, err := client.SearchAll(context.Background(), "project = TP", nil)
	if err != nil {
		t.Fatalf("SearchAll() failed: %v", err)
	}
	if len(got) != 5 {
		t.Errorf("SearchAll() returned %d issues, want 5", len(got))
	}
	if n := dataCalls.Load(); n != 2 {
		t.Errorf("Data page calls = %d, want 2 (one failure, one retry)", n)
	}
}

// TestSearchAll_PermanentErrorFailsFast verifies client errors are not
// retried.
func TestSearchAll_PermanentErrorFailsFast(t *testing.T) {
	var requests atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"errorMessages":["The value 'NOPE' does not exist for the field 'project'."]}`)
	}))

	_, err := client.SearchAll(context.Background(), "project = NOPE", nil)
	if err == nil {
		t.Fatal("SearchAll() should fail on bad JQL")
	}
	if n := requests.Load(); n != 1 {
		t.Errorf("Request count = %d, want 1 (no retries on 400)", n)
	}
}

// TestSearchAll_IncompleteOnFailedBatch verifies a page that keeps failing
// yields ErrDataIncomplete rather than a partial result.
func TestSearchAll_IncompleteOnFailedBatch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping retry timing test in short mode")
	}

	issues := makeIssues(3)
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("maxResults") == "0" {
			searchHandler(t, issues)(w, r)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := client.SearchAll(context.Background(), "project = TP", nil)
	if err == nil {
		t.Fatal("SearchAll() should fail when a batch keeps failing")
	}
	if !errors.Is(err, ErrDataIncomplete) {
		t.Errorf("Error = %v, want ErrDataIncomplete", err)
	}
}

// TestSearchAll_DedupAcrossPages verifies overlapping pages collapse to
// unique keys without an error.
func TestSearchAll_DedupAcrossPages(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("maxResults") == "0" {
			json.NewEncoder(w).Encode(SearchResult{Total: 3})
			return
		}
		json.NewEncoder(w).Encode(SearchResult{
			Total: 3,
			Issues: []*Issue{
				{Key: "TP-1", Fields: map[string]any{}},
				{Key: "TP-1", Fields: map[string]any{}},
				{Key: "TP-2", Fields: map[string]any{}},
			},
		})
	}))

	got, err := client.SearchAll(context.Background(), "project = TP", nil)
	if err != nil {
		t.Fatalf("SearchAll() failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("SearchAll() returned %d issues, want 2 after dedup", len(got))
	}
}

// TestSearchAll_DedupKeepsNewestSnapshot verifies that when pages overlap
// and an issue changed between fetches, the snapshot with the newer
// update stamp wins regardless of page order.
func TestSearchAll_DedupKeepsNewestSnapshot(t *testing.T) {
	older := &Issue{Key: "TP-1", Fields: map[string]any{
		"summary": "old", "updated": "2025-01-01T00:00:00.000+0000",
	}}
	newer := &Issue{Key: "TP-1", Fields: map[string]any{
		"summary": "new", "updated": "2025-06-01T00:00:00.000+0000",
	}}
	filler := makeIssues(500)

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("maxResults") == "0" {
			json.NewEncoder(w).Encode(SearchResult{Total: 501})
			return
		}
		startAt, _ := strconv.Atoi(r.URL.Query().Get("startAt"))
		page := append([]*Issue{older}, filler[1:]...)
		if startAt > 0 {
			page = []*Issue{newer}
		}
		json.NewEncoder(w).Encode(SearchResult{Total: 501, StartAt: startAt, Issues: page})
	}))

	got, err := client.SearchAll(context.Background(), "project = TP", nil)
	if err != nil {
		t.Fatalf("SearchAll() failed: %v", err)
	}

	var found *Issue
	for _, issue := range got {
		if issue.Key == "TP-1" {
			if found != nil {
				t.Fatal("TP-1 appears twice after dedup")
			}
			found = issue
		}
	}
	if found == nil {
		t.Fatal("TP-1 missing from results")
	}
	if found.Fields["summary"] != "new" {
		t.Errorf("kept summary %q, want the newer snapshot", found.Fields["summary"])
	}
}

// TestSearchAll_CountAnomaly verifies more unique issues than the reported
// total is treated as incomplete data.
func TestSearchAll_CountAnomaly(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("maxResults") == "0" {
			json.NewEncoder(w).Encode(SearchResult{Total: 1})
			return
		}
		json.NewEncoder(w).Encode(SearchResult{
			Total: 1,
			Issues: []*Issue{
				{Key: "TP-1", Fields: map[string]any{}},
				{Key: "TP-2", Fields: map[string]any{}},
			},
		})
	}))

	_, err := client.SearchAll(context.Background(), "project = TP", nil)
	if !errors.Is(err, ErrDataIncomplete) {
		t.Errorf("Error = %v, want ErrDataIncomplete", err)
	}
}

// TestOptimalBatchSize verifies the page sizing policy.
func TestOptimalBatchSize(t *testing.T) {
	tests := []struct {
		total int
		want  int
	}{
		{1, 1},
		{500, 500},
		{501, 500},
		{5000, 500},
		{5001, 1000},
		{50000, 1000},
	}

	for _, tt := range tests {
		if got := optimalBatchSize(tt.total); got != tt.want {
			t.Errorf("optimalBatchSize(%d) = %d, want %d", tt.total, got, tt.want)
		}
	}
}

// TestEnsureKeyField verifies key is appended exactly once.
func TestEnsureKeyField(t *testing.T) {
	if got := ensureKeyField(nil); got != nil {
		t.Errorf("ensureKeyField(nil) = %v, want nil", got)
	}

	got := ensureKeyField([]string{"summary"})
	if len(got) != 2 || got[1] != "key" {
		t.Errorf("ensureKeyField([summary]) = %v, want [summary key]", got)
	}

	got = ensureKeyField([]string{"key", "summary"})
	if len(got) != 2 {
		t.Errorf("ensureKeyField should not duplicate key, got %v", got)
	}
}
