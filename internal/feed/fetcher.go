package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/pders01/feedtriage/internal/config"
	"github.com/pders01/feedtriage/internal/storage"
	"github.com/pders01/feedtriage/internal/validation"
)

// ErrTransientFetch marks failures that the next cycle may not repeat:
// timeouts, non-2xx responses, oversized or unparseable bodies.
var ErrTransientFetch = errors.New("transient fetch failure")

type Fetcher struct {
	client    *http.Client
	validator *validation.SafetyValidator
	userAgent string
	maxBody   int64
}

// NewFetcher builds a fetcher whose client never follows redirects and
// refuses to dial reserved addresses.
func NewFetcher(cfg *config.Config, v *validation.SafetyValidator) *Fetcher {
	return &Fetcher{
		client:    v.HTTPClient(cfg.Feed.HTTPTimeout),
		validator: v,
		userAgent: cfg.Feed.UserAgent,
		maxBody:   cfg.Feed.MaxBodyBytes,
	}
}

// Fetch validates the feed URL and returns the response body.
func (f *Fetcher) Fetch(ctx context.Context, feed *storage.Feed) ([]byte, error) {
	if err := f.validator.Validate(ctx, feed.URL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml")

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, validation.ErrRejected) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: fetching feed: %v", ErrTransientFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if loc := resp.Header.Get("Location"); loc != "" {
			return nil, fmt.Errorf("%w: HTTP %d redirect to %s not followed", ErrTransientFetch, resp.StatusCode, loc)
		}
		return nil, fmt.Errorf("%w: HTTP error: %d", ErrTransientFetch, resp.StatusCode)
	}

	limit := f.maxBody
	if limit <= 0 {
		limit = 10 << 20
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrTransientFetch, err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: response larger than %d bytes", ErrTransientFetch, limit)
	}
	return body, nil
}
