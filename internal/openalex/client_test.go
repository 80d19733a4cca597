package openalex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func noSleep(c *Client) {
	c.sleep = func(ctx context.Context, d time.Duration) bool { return true }
}

func testClient(serverURL string, opts ...Option) *Client {
	base := []Option{
		WithBaseURL(serverURL),
		WithRateLimit(10000),
	}
	c := NewClient(append(base, opts...)...)
	noSleep(c)
	return c
}

func worksPage(t *testing.T, w http.ResponseWriter, ids []string, total int, nextCursor string) {
	t.Helper()

	type metaDoc struct {
		Count      int     `json:"count"`
		NextCursor *string `json:"next_cursor"`
		PerPage    int     `json:"per_page"`
	}
	doc := struct {
		Meta    metaDoc          `json:"meta"`
		Results []map[string]any `json:"results"`
	}{
		Meta: metaDoc{Count: total},
	}
	if nextCursor != "" {
		doc.Meta.NextCursor = &nextCursor
	}
	for _, id := range ids {
		doc.Results = append(doc.Results, map[string]any{"id": id, "title": "t-" + id})
	}
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		t.Fatalf("encode page: %v", err)
	}
}

func ids(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return out
}

func TestFetchWindowPaginates(t *testing.T) {
	t.Parallel()

	var cursors []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		cursors = append(cursors, q.Get("cursor"))

		if got := q.Get("per-page"); got != "3" {
			t.Errorf("per-page = %s, want 3", got)
		}
		if got := q.Get("mailto"); got != "ops@example.org" {
			t.Errorf("mailto = %s", got)
		}

		switch q.Get("cursor") {
		case "*":
			worksPage(t, w, ids("A", 3), 5, "cursor-2")
		case "cursor-2":
			worksPage(t, w, ids("B", 2), 5, "")
		default:
			t.Errorf("unexpected cursor %q", q.Get("cursor"))
		}
	}))
	defer srv.Close()

	c := testClient(srv.URL, WithPageSize(3), WithMailto("ops@example.org"))

	var progress []PageInfo
	works, err := c.FetchWindow(context.Background(),
		LastDays(3, time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)), "1702",
		func(info PageInfo) { progress = append(progress, info) })
	if err != nil {
		t.Fatalf("FetchWindow: %v", err)
	}

	if len(works) != 5 {
		t.Fatalf("works = %d, want 5", len(works))
	}
	if works[0].ID != "A0" || works[4].ID != "B1" {
		t.Errorf("order broken: first=%s last=%s", works[0].ID, works[4].ID)
	}
	if len(cursors) != 2 || cursors[0] != "*" || cursors[1] != "cursor-2" {
		t.Errorf("cursors = %v", cursors)
	}
	if len(progress) != 2 {
		t.Fatalf("progress calls = %d, want 2", len(progress))
	}
	if progress[1].Page != 2 || progress[1].Items != 2 || progress[1].Cumulative != 5 || progress[1].Total != 5 {
		t.Errorf("progress[1] = %+v", progress[1])
	}
}

func TestFetchWindowFilter(t *testing.T) {
	t.Parallel()

	var filter string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter = r.URL.Query().Get("filter")
		worksPage(t, w, nil, 0, "")
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	window := Window{
		From: time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC),
	}
	if _, err := c.FetchWindow(context.Background(), window, "1702", nil); err != nil {
		t.Fatalf("FetchWindow: %v", err)
	}

	want := "topics.subfield.id:1702,from_publication_date:2026-08-20,to_publication_date:2026-08-23"
	if filter != want {
		t.Errorf("filter = %q, want %q", filter, want)
	}

	if _, err := c.FetchWindow(context.Background(), window, "", nil); err != nil {
		t.Fatalf("FetchWindow: %v", err)
	}
	if want := "from_publication_date:2026-08-20,to_publication_date:2026-08-23"; filter != want {
		t.Errorf("unfiltered = %q, want %q", filter, want)
	}
}

func TestFetchWindowRetriesTransient(t *testing.T) {
	t.Parallel()

	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
			return
		}
		worksPage(t, w, ids("A", 1), 1, "")
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	works, err := c.FetchWindow(context.Background(), LastDays(1, time.Now()), "", nil)
	if err != nil {
		t.Fatalf("FetchWindow: %v", err)
	}
	if len(works) != 1 || attempts != 3 {
		t.Errorf("works = %d, attempts = %d", len(works), attempts)
	}
}

func TestFetchWindowHonorsRetryAfter(t *testing.T) {
	t.Parallel()

	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "7")
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		worksPage(t, w, ids("A", 1), 1, "")
	}))
	defer srv.Close()

	var slept []time.Duration
	c := NewClient(WithBaseURL(srv.URL), WithRateLimit(10000))
	c.sleep = func(ctx context.Context, d time.Duration) bool {
		slept = append(slept, d)
		return true
	}

	if _, err := c.FetchWindow(context.Background(), LastDays(1, time.Now()), "", nil); err != nil {
		t.Fatalf("FetchWindow: %v", err)
	}
	if len(slept) != 1 || slept[0] != 7*time.Second {
		t.Errorf("slept = %v, want [7s]", slept)
	}
}

func TestFetchWindowClientErrorNotRetried(t *testing.T) {
	t.Parallel()

	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "bad filter", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.FetchWindow(context.Background(), LastDays(1, time.Now()), "", nil)

	var herr *HTTPError
	if !errors.As(err, &herr) || herr.StatusCode != http.StatusBadRequest {
		t.Fatalf("err = %v, want HTTPError 400", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on 4xx)", attempts)
	}
}

func TestFetchWindowKeepsPartialResults(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "*" {
			worksPage(t, w, ids("A", 2), 10, "cursor-2")
			return
		}
		http.Error(w, "persistent failure", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(srv.URL, WithPageSize(2), WithMaxAttempts(2))
	works, err := c.FetchWindow(context.Background(), LastDays(1, time.Now()), "", nil)

	if err == nil {
		t.Fatal("expected an error from the failing page")
	}
	if len(works) != 2 {
		t.Errorf("works = %d, want the 2 from page 1 kept", len(works))
	}
	var herr *HTTPError
	if !errors.As(err, &herr) || herr.StatusCode != http.StatusInternalServerError {
		t.Errorf("err = %v, want wrapped HTTPError 500", err)
	}
}

func TestFetchWindowMaxPages(t *testing.T) {
	t.Parallel()

	pages := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pages++
		// Always full pages with a next cursor; only the cap stops us.
		worksPage(t, w, ids("A", 2), 100, "more")
	}))
	defer srv.Close()

	c := testClient(srv.URL, WithPageSize(2), WithMaxPages(3))
	works, err := c.FetchWindow(context.Background(), LastDays(1, time.Now()), "", nil)
	if err != nil {
		t.Fatalf("FetchWindow: %v", err)
	}
	if pages != 3 || len(works) != 6 {
		t.Errorf("pages = %d, works = %d; want 3 pages / 6 works", pages, len(works))
	}
}

func TestLastDays(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 23, 15, 0, 0, 0, time.UTC)
	w := LastDays(3, now)
	if w.To != now {
		t.Errorf("To = %v", w.To)
	}
	if want := time.Date(2026, 8, 20, 15, 0, 0, 0, time.UTC); w.From != want {
		t.Errorf("From = %v, want %v", w.From, want)
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "30", 30 * time.Second},
		{"zero", "0", 0},
		{"negative", "-5", 0},
		{"garbage", "soon", 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := http.Header{}
			if tt.value != "" {
				h.Set("Retry-After", tt.value)
			}
			if got := parseRetryAfter(h); got != tt.want {
				t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}

	t.Run("http date", func(t *testing.T) {
		t.Parallel()
		h := http.Header{}
		h.Set("Retry-After", time.Now().Add(10*time.Second).UTC().Format(http.TimeFormat))
		got := parseRetryAfter(h)
		if got <= 0 || got > 10*time.Second {
			t.Errorf("parseRetryAfter(date) = %v", got)
		}
	})
}
