// Package openalex fetches work records from the OpenAlex works API.
//
// The client drives cursor pagination for a publication-date window,
// accumulating every page into memory. Requests are rate limited client-side
// and each page is retried a bounded number of times with exponential
// backoff; a page that still fails after the last attempt surfaces the error
// together with everything fetched so far, so the caller can decide whether
// a partial set is usable.
package openalex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"paperetl/internal/metrics"
)

const (
	// DefaultBaseURL is the public works API endpoint.
	DefaultBaseURL = "https://api.openalex.org"

	// DefaultPageSize is the maximum page size the API allows.
	DefaultPageSize = 200

	// DefaultMaxPages bounds a single window fetch (~10k works at full pages).
	DefaultMaxPages = 50

	// DefaultRateLimit is requests per second; the API politely asks for 10.
	DefaultRateLimit = 10.0

	// DefaultMaxAttempts is the per-page attempt budget (first try included).
	DefaultMaxAttempts = 4

	defaultTimeout     = 60 * time.Second
	defaultBaseBackoff = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
)

// Window is the publication-date lookback range, inclusive on both ends.
type Window struct {
	From time.Time
	To   time.Time
}

// LastDays returns the window covering the past n days up to now.
func LastDays(n int, now time.Time) Window {
	return Window{From: now.AddDate(0, 0, -n), To: now}
}

// PageInfo reports progress after each fetched page.
type PageInfo struct {
	Page       int // 1-based page number
	Items      int // items on this page
	Cumulative int // items fetched so far, this page included
	Total      int // total available per the API's meta.count
}

// HTTPError is a non-2xx response that exhausted its retry budget (or was
// not retryable at all).
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("works api: unexpected status %s", e.Status)
}

// Client fetches works pages.
type Client struct {
	httpClient  *http.Client
	limiter     *rate.Limiter
	baseURL     string
	mailto      string
	pageSize    int
	maxPages    int
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	// sleep is a test seam; production uses context-aware sleeping.
	sleep func(ctx context.Context, d time.Duration) bool
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint (used by tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMailto attaches the polite-pool contact parameter to every request.
func WithMailto(addr string) Option {
	return func(c *Client) { c.mailto = addr }
}

// WithPageSize sets the requested page size (clamped to DefaultPageSize).
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 && n <= DefaultPageSize {
			c.pageSize = n
		}
	}
}

// WithMaxPages bounds the number of pages fetched per window.
func WithMaxPages(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxPages = n
		}
	}
}

// WithMaxAttempts sets the per-page attempt budget, first attempt included.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithRateLimit sets the client-side request rate in requests per second.
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// NewClient constructs a works API client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 8,
			},
		},
		limiter:     rate.NewLimiter(rate.Limit(DefaultRateLimit), 1),
		baseURL:     DefaultBaseURL,
		pageSize:    DefaultPageSize,
		maxPages:    DefaultMaxPages,
		maxAttempts: DefaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
		maxBackoff:  defaultMaxBackoff,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchWindow fetches every work whose publication date falls inside w and
// whose topic classification matches subfieldID (empty means no subject
// filter).
//
// Pagination stops when a page returns fewer items than the requested page
// size, when the API reports no further cursor, or when the page cap is
// reached. progress, when non-nil, is invoked once per fetched page.
//
// On a page failure after the attempt budget, FetchWindow returns the works
// accumulated from earlier pages together with the error; successfully
// fetched pages are never discarded.
func (c *Client) FetchWindow(ctx context.Context, w Window, subfieldID string, progress func(PageInfo)) ([]Work, error) {
	var all []Work
	cursor := "*"
	filter := buildFilter(w, subfieldID)

	for pageNum := 1; pageNum <= c.maxPages; pageNum++ {
		p, err := c.fetchPage(ctx, filter, cursor)
		if err != nil {
			return all, fmt.Errorf("page %d: %w", pageNum, err)
		}

		all = append(all, p.Results...)
		if progress != nil {
			progress(PageInfo{
				Page:       pageNum,
				Items:      len(p.Results),
				Cumulative: len(all),
				Total:      p.Meta.Count,
			})
		}

		if len(p.Results) < c.pageSize {
			break
		}
		if p.Meta.NextCursor == nil || *p.Meta.NextCursor == "" {
			break
		}
		cursor = *p.Meta.NextCursor
	}

	return all, nil
}

// buildFilter renders the works filter expression for a window and an
// optional subject subfield.
func buildFilter(w Window, subfieldID string) string {
	parts := make([]string, 0, 3)
	if subfieldID != "" {
		parts = append(parts, "topics.subfield.id:"+subfieldID)
	}
	parts = append(parts,
		"from_publication_date:"+w.From.Format("2006-01-02"),
		"to_publication_date:"+w.To.Format("2006-01-02"),
	)
	return strings.Join(parts, ",")
}

// fetchPage requests one page, retrying transient failures with bounded
// exponential backoff. 429 responses honor Retry-After when present.
func (c *Client) fetchPage(ctx context.Context, filter, cursor string) (*page, error) {
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		p, retryAfter, err := c.doPage(ctx, filter, cursor)
		if err == nil {
			return p, nil
		}
		lastErr = err

		if !isTransient(err) || attempt == c.maxAttempts {
			return nil, lastErr
		}

		wait := c.backoff(attempt)
		if retryAfter > 0 {
			wait = retryAfter
		}
		if !c.sleep(ctx, wait) {
			return nil, ctx.Err()
		}
	}

	return nil, lastErr
}

// doPage performs a single request attempt. The returned duration is the
// server's Retry-After hint for 429 responses, zero otherwise.
func (c *Client) doPage(ctx context.Context, filter, cursor string) (*page, time.Duration, error) {
	q := url.Values{}
	q.Set("filter", filter)
	q.Set("per-page", strconv.Itoa(c.pageSize))
	q.Set("cursor", cursor)
	if c.mailto != "" {
		q.Set("mailto", c.mailto)
	}

	reqURL := c.baseURL + "/works?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordHTTP(0, err, time.Since(start))
		return nil, 0, &transientError{err: err}
	}
	defer resp.Body.Close()

	metrics.RecordHTTP(resp.StatusCode, nil, time.Since(start))

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused across retries.
		_, _ = io.Copy(io.Discard, resp.Body)

		herr := &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, parseRetryAfter(resp.Header), &transientError{err: herr}
		}
		if resp.StatusCode >= 500 {
			return nil, 0, &transientError{err: herr}
		}
		return nil, 0, herr
	}

	var p page
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, 0, fmt.Errorf("decode works page: %w", err)
	}
	return &p, 0, nil
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.baseBackoff << uint(attempt-1)
	if d > c.maxBackoff {
		d = c.maxBackoff
	}
	return d
}

// transientError marks failures worth retrying: network errors, 429, 5xx.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

func parseRetryAfter(h http.Header) time.Duration {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}
	if secs, err := strconv.Atoi(ra); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
