// Package tracker talks to the coordination service that hands out items and
// records completions.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/blog-archiver/internal/archive"
)

// statusEnhanceYourCalm is the tracker's legacy back-off status.
const statusEnhanceYourCalm = 420

var itemNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.-]*$`)

// ValidItemName reports whether name is safe to use as a hostname, a path
// segment and a literal inside the fetch accept pattern.
func ValidItemName(name string) bool {
	return itemNamePattern.MatchString(name)
}

// Config controls the tracker client.
type Config struct {
	BaseURL    string
	Downloader string
	Timeout    time.Duration
}

// Client implements archive.Tracker over HTTP.
type Client struct {
	base       *url.URL
	downloader string
	http       *http.Client
	logger     *zap.Logger
}

// New constructs a tracker client. A nil httpClient gets one with cfg.Timeout.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("tracker url is required")
	}
	if cfg.Downloader == "" {
		return nil, fmt.Errorf("downloader is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse tracker url: %w", err)
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{base: base, downloader: cfg.Downloader, http: httpClient, logger: logger}, nil
}

func (c *Client) endpoint(name string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + name
	return u.String()
}

// Claim asks the tracker for the next item.
func (c *Client) Claim(ctx context.Context) (string, error) {
	u := c.endpoint("request") + "?" + url.Values{"downloader": {c.downloader}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build claim request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("claim item: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // body fully consumed below

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("read claim response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusNoContent:
		return "", archive.ErrNoItem
	case statusEnhanceYourCalm, http.StatusTooManyRequests:
		return "", archive.ErrRateLimited
	default:
		return "", fmt.Errorf("claim item: unexpected status %d", resp.StatusCode)
	}

	name := strings.TrimSpace(string(body))
	if name == "" {
		return "", archive.ErrNoItem
	}
	if !ValidItemName(name) {
		return "", fmt.Errorf("%w: %q", archive.ErrInvalidItem, name)
	}
	c.logger.Debug("item claimed", zap.String("item_name", name))
	return name, nil
}

// Done reports a completed item. Any 2xx is an acknowledgement.
func (c *Client) Done(ctx context.Context, stats archive.Stats) error {
	payload, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("done"), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build done request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("report done: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // drained below
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("report done: unexpected status %d", resp.StatusCode)
	}
	c.logger.Debug("completion acknowledged", zap.String("item_name", stats.Item))
	return nil
}
