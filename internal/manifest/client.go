package manifest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/distantorigin/mod-updater/internal/logging"
	"github.com/distantorigin/mod-updater/internal/metrics"
	"github.com/distantorigin/mod-updater/internal/syncerr"
)

// ClientOptions configures a Client
type ClientOptions struct {
	Endpoint  string
	Timeout   time.Duration
	Retries   int
	UserAgent string
	// HTTPClient overrides the transport (useful for testing)
	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Client fetches manifests from the update service
type Client struct {
	endpoint string
	http     *resty.Client
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewClient creates a new manifest client
func NewClient(opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	var cli *resty.Client
	if opts.HTTPClient != nil {
		cli = resty.NewWithClient(opts.HTTPClient)
	} else {
		cli = resty.New()
	}
	cli.SetTimeout(opts.Timeout).
		SetRetryCount(opts.Retries).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err == nil && r.StatusCode() >= http.StatusInternalServerError
		})
	if opts.UserAgent != "" {
		cli.SetHeader("User-Agent", opts.UserAgent)
	}

	return &Client{
		endpoint: opts.Endpoint,
		http:     cli,
		logger:   logging.OrNop(opts.Logger),
		metrics:  opts.Metrics,
	}
}

// Fetch posts req and parses the manifest the service answers with. Every
// failure other than cancellation is a *syncerr.ManifestFetchError.
func (c *Client) Fetch(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.fetch(ctx, req)
	c.metrics.ManifestFetch(err)
	return resp, err
}

func (c *Client) fetch(ctx context.Context, req *Request) (*Response, error) {
	c.logger.Debug("fetching update manifest",
		zap.String("url", c.endpoint),
		zap.Ints("classic", req.Classic),
		zap.Ints("modmaker", req.ModMaker))

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/xml, text/xml").
		SetBody(req).
		Post(c.endpoint)
	if err != nil {
		if ctx.Err() != nil {
			return nil, syncerr.Canceled(ctx)
		}
		return nil, &syncerr.ManifestFetchError{Endpoint: c.endpoint, Err: err}
	}
	if err := statusError(resp); err != nil {
		return nil, &syncerr.ManifestFetchError{Endpoint: c.endpoint, Err: err}
	}

	manifest, err := Parse(bytes.NewReader(resp.Body()))
	if err != nil {
		return nil, &syncerr.ManifestFetchError{Endpoint: c.endpoint, Err: err}
	}

	for _, rej := range manifest.Rejected {
		c.logger.Warn("ignoring invalid manifest entry",
			zap.String("scheme", rej.Scheme), zap.Int("id", rej.ID), zap.Error(rej.Err))
	}
	c.logger.Debug("update manifest received",
		zap.Int("mods", len(manifest.Mods)),
		zap.Int("modmaker", len(manifest.ModMaker)),
		zap.Int("nexus", len(manifest.Nexus)),
		zap.Int("rejected", len(manifest.Rejected)))
	return manifest, nil
}

func statusError(resp *resty.Response) error {
	if resp.StatusCode() >= http.StatusOK && resp.StatusCode() < http.StatusMultipleChoices {
		return nil
	}
	body := strings.TrimSpace(string(resp.Body()))
	if body == "" {
		body = http.StatusText(resp.StatusCode())
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode(), body)
}
