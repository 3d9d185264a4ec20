package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/logging"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/metrics"
)

const (
	defaultPageSize      = 500
	defaultMaxRetries    = 4
	defaultRetryInterval = 2 * time.Second
)

// HTTPSource fetches purchase orders from the upstream REST endpoint, one
// offset/limit page per call. Transient failures (5xx, network errors, 429)
// are retried with exponential backoff before the page is abandoned.
type HTTPSource struct {
	baseURL    string
	client     *http.Client
	pageSize   int
	maxRetries int
	interval   time.Duration
	rateDelay  time.Duration
	logger     *slog.Logger
}

// NewHTTPSource creates a source backed by the upstream HTTP endpoint.
func NewHTTPSource(cfg Config) *HTTPSource {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	interval := cfg.RetryInterval
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	return &HTTPSource{
		baseURL:    cfg.BaseURL,
		client:     &http.Client{Timeout: 60 * time.Second},
		pageSize:   pageSize,
		maxRetries: maxRetries,
		interval:   interval,
		rateDelay:  cfg.RateLimitDelay,
		logger:     logging.Component("source"),
	}
}

// pageEnvelope covers the response shapes the upstream has been observed to
// serve: records under "purchase_orders" or "data", pagination optional.
type pageEnvelope struct {
	PurchaseOrders []RawRecord `json:"purchase_orders"`
	Data           []RawRecord `json:"data"`
	Pagination     *struct {
		Returned int  `json:"returned"`
		HasMore  bool `json:"has_more"`
	} `json:"pagination"`
}

// Fetch retrieves one page for the query window.
func (s *HTTPSource) Fetch(ctx context.Context, q Query) (Page, error) {
	if q.Limit <= 0 {
		q.Limit = s.pageSize
	}
	if s.rateDelay > 0 && q.Offset > 0 {
		select {
		case <-time.After(s.rateDelay):
		case <-ctx.Done():
			return Page{}, ctx.Err()
		}
	}

	reqURL := s.buildURL(q)

	var page Page
	op := func() error {
		// An honored Retry-After is the full wait; retry directly so the
		// backoff policy does not add a second delay on top of it.
		throttled := 0
		for {
			var err error
			page, err = s.fetchOnce(ctx, reqURL)
			var te *throttleError
			if errors.As(err, &te) && throttled < s.maxRetries {
				throttled++
				s.logger.Warn("rate limited",
					"offset", q.Offset,
					"wait", te.wait)
				select {
				case <-time.After(te.wait):
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				}
				continue
			}
			return err
		}
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(s.interval)),
		uint64(s.maxRetries)), ctx)

	notify := func(err error, wait time.Duration) {
		if m := metrics.Get(); m != nil {
			m.RetryAttempts.WithLabelValues("fetch").Inc()
		}
		s.logger.Warn("fetch retry",
			"offset", q.Offset,
			"wait", wait,
			"error", err)
	}
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		return Page{}, fmt.Errorf("%w: offset %d: %v", ErrUpstream, q.Offset, err)
	}
	return page, nil
}

func (s *HTTPSource) buildURL(q Query) string {
	v := url.Values{}
	v.Set("offset", strconv.Itoa(q.Offset))
	v.Set("limit", strconv.Itoa(q.Limit))
	if !q.From.IsZero() {
		v.Set("from_date", q.From.UTC().Format("2006-01-02"))
	}
	if !q.To.IsZero() {
		v.Set("to_date", q.To.UTC().Format("2006-01-02"))
	}
	return s.baseURL + "?" + v.Encode()
}

func (s *HTTPSource) fetchOnce(ctx context.Context, reqURL string) (Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Page{}, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Page{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if wait := retryAfter(resp); wait > 0 {
			return Page{}, &throttleError{wait: wait}
		}
		return Page{}, fmt.Errorf("rate limited (429)")
	case resp.StatusCode >= 500:
		return Page{}, fmt.Errorf("server error: %s", resp.Status)
	case resp.StatusCode != http.StatusOK:
		return Page{}, backoff.Permanent(fmt.Errorf("unexpected status: %s", resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256<<20))
	if err != nil {
		return Page{}, err
	}

	var env pageEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Page{}, backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}

	records := env.PurchaseOrders
	if records == nil {
		records = env.Data
	}

	page := Page{Records: records, Returned: len(records), HasMore: len(records) > 0}
	if env.Pagination != nil {
		page.Returned = env.Pagination.Returned
		page.HasMore = env.Pagination.HasMore
	}
	return page, nil
}

// throttleError marks a 429 whose Retry-After header names the wait the
// caller owes before the next attempt.
type throttleError struct{ wait time.Duration }

func (e *throttleError) Error() string {
	return fmt.Sprintf("rate limited (429), retry after %s", e.wait)
}

func retryAfter(resp *http.Response) time.Duration {
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Close is a no-op; the HTTP client holds no persistent resources.
func (s *HTTPSource) Close() error { return nil }
