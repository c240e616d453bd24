// Package cms talks to the Ghost publishing platform: the Content API for
// article metadata, the Admin API for membership lookups and the Members API
// for sign-in links and reader sessions.
package cms

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	collyfetcher "github.com/JakeFAU/stateofplay-edge/internal/fetcher/colly"
	"github.com/JakeFAU/stateofplay-edge/internal/edge"
)

// AcceptVersion pins the Ghost API version.
const AcceptVersion = "v5.0"

// Config holds the Ghost endpoints and credentials.
type Config struct {
	BaseURL    string
	ContentKey string
	AdminKey   string
	UserAgent  string
	Timeout    time.Duration
}

// Fetcher performs one upstream GET.
type Fetcher interface {
	Fetch(ctx context.Context, request collyfetcher.Request) (collyfetcher.Response, error)
}

// Waiter throttles Admin API calls. ratelimit.Limiter satisfies it.
type Waiter interface {
	Wait(ctx context.Context, key string) error
}

// Client implements edge.ContentStore and edge.MembershipVerifier.
type Client struct {
	base    *url.URL
	cfg     Config
	fetcher Fetcher
	clock   edge.Clock
	limiter Waiter
	logger  *zap.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithFetcher replaces the colly-backed fetcher.
func WithFetcher(f Fetcher) Option {
	return func(c *Client) { c.fetcher = f }
}

// WithLimiter throttles Admin API calls.
func WithLimiter(w Waiter) Option {
	return func(c *Client) { c.limiter = w }
}

// New builds a Client.
func New(cfg Config, clock edge.Clock, logger *zap.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse cms url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, errors.New("cms url must be absolute")
	}
	c := &Client{
		base:   base,
		cfg:    cfg,
		clock:  clock,
		logger: logger.Named("cms"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fetcher == nil {
		c.fetcher = collyfetcher.New(collyfetcher.Config{UserAgent: cfg.UserAgent, Timeout: cfg.Timeout})
	}
	return c, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *Client) get(ctx context.Context, rawURL string, headers http.Header) (collyfetcher.Response, error) {
	return c.do(ctx, collyfetcher.Request{URL: rawURL, Headers: headers})
}

func (c *Client) do(ctx context.Context, req collyfetcher.Request) (collyfetcher.Response, error) {
	if req.Headers == nil {
		req.Headers = http.Header{}
	}
	req.Headers.Set("Accept", "application/json")
	req.Headers.Set("Accept-Version", AcceptVersion)
	resp, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		return collyfetcher.Response{}, fmt.Errorf("cms request: %w", err)
	}
	return resp, nil
}

// StatusError reports an unexpected upstream status.
type StatusError struct {
	Endpoint   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("cms %s returned status %d", e.Endpoint, e.StatusCode)
}
