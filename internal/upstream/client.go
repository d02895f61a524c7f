// Package upstream issues the single outbound HTTP request a pipeline run
// makes to the proxied MCP origin, wrapping it in 429-only retry and
// circuit-breaker isolation.
package upstream

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/wtfsayo/mcpay-sub002/internal/circuitbreaker"
)

// Response is a buffered upstream response: the body is read fully so it
// can be mirrored, cached, and inspected without re-reading a network
// stream.
type Response struct {
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
}

// Config tunes the retry policy.
type Config struct {
	BaseDelay  time.Duration // default 250ms
	MaxRetries int           // default 3
}

// DefaultConfig matches the gateway's documented defaults.
func DefaultConfig() Config {
	return Config{BaseDelay: 250 * time.Millisecond, MaxRetries: 3}
}

// Client issues outbound requests through an *http.Client, applying 429-only
// exponential backoff and a circuit breaker around the whole retry loop.
type Client struct {
	http    *http.Client
	cfg     Config
	cb      *circuitbreaker.Manager
	jitter  func() time.Duration
}

// New builds a Client. cb may be nil to disable circuit-breaker wrapping
// (used in tests).
func New(httpClient *http.Client, cfg Config, cb *circuitbreaker.Manager) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		http: httpClient,
		cfg:  cfg,
		cb:   cb,
		jitter: func() time.Duration {
			return time.Duration(rand.Intn(1000)) * time.Millisecond
		},
	}
}

// Do issues req, retrying on HTTP 429 with exponential backoff up to
// MaxRetries additional attempts (MaxRetries+1 total). Non-429 responses,
// including 5xx, are returned immediately without retry. A network error
// (no response at all) propagates immediately without retry.
func (c *Client) Do(ctx context.Context, req *http.Request) (*Response, error) {
	if c.cb == nil {
		return c.doWithRetry(ctx, req)
	}

	out, err := c.cb.Execute(circuitbreaker.ServiceUpstream, func() (interface{}, error) {
		return c.doWithRetry(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return out.(*Response), nil
}

func (c *Client) doWithRetry(ctx context.Context, req *http.Request) (*Response, error) {
	var lastResp *Response

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			req.Body = body
		}

		resp, err := c.attempt(req)
		if err != nil {
			return nil, err
		}
		lastResp = resp

		if resp.Status != http.StatusTooManyRequests {
			return resp, nil
		}
		if attempt == c.cfg.MaxRetries {
			break
		}

		delay := c.cfg.BaseDelay*time.Duration(1<<uint(attempt)) + c.jitter()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return lastResp, nil
}

func (c *Client) attempt(req *http.Request) (*Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}
