// Package feed fetches incident snapshots from a Waze-style partner feed.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/roadwatch/internal/incident"
)

// ErrFeedUnavailable is returned for any failure to obtain a usable snapshot:
// transport errors, non-2xx responses and undecodable bodies.
var ErrFeedUnavailable = errors.New("feed unavailable")

// DefaultTimeout bounds a single snapshot fetch.
const DefaultTimeout = 10 * time.Second

// maxBody caps the response body; partner feeds for a metro area are a few MB.
const maxBody = 32 << 20

// Snapshot is one point-in-time view of the feed.
type Snapshot struct {
	Reports []incident.RawReport
}

type payload struct {
	Alerts []incident.RawReport `json:"alerts"`
}

// Client fetches snapshots from a single feed URL.
type Client struct {
	url        string
	httpClient *http.Client
}

// New returns a Client for feedURL. A non-positive timeout uses DefaultTimeout.
func New(feedURL string, timeout time.Duration) (*Client, error) {
	if feedURL == "" {
		return nil, fmt.Errorf("%w: feed url is empty", ErrFeedUnavailable)
	}
	u, err := url.Parse(feedURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid feed url %q", ErrFeedUnavailable, feedURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		url: u.String(),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// FetchSnapshot retrieves the current feed contents. A body without an
// "alerts" key decodes to an empty snapshot.
func (c *Client) FetchSnapshot(ctx context.Context) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %w", ErrFeedUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704 - url is set at construction from config.
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFeedUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: feed returned %d: %s", ErrFeedUnavailable, resp.StatusCode, string(body))
	}

	return decode(io.LimitReader(resp.Body, maxBody))
}

func decode(r io.Reader) (*Snapshot, error) {
	var p payload
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: decode body: %w", ErrFeedUnavailable, err)
	}
	reports := p.Alerts
	if reports == nil {
		reports = []incident.RawReport{}
	}
	return &Snapshot{Reports: reports}, nil
}
