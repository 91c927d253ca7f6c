// Package transport provides the HTTP client shared by the Worker and the
// Prober. It is grounded on the teacher's utils.HTTPClient (crypto/tls
// transport tuning, optional SOCKS5/HTTP proxy dialing via
// golang.org/x/net/proxy) but strips the teacher's internal retry loop:
// retry policy belongs to an outer supervisor per the error handling
// design, not to the transport itself.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// Config configures a Client.
type Config struct {
	UserAgent string
	ProxyURL  string
	Timeout   time.Duration
}

// Client is a thin, single-attempt HTTP round-tripper tuned for large
// streamed downloads: generous idle-connection limits, no automatic retry,
// no redirect cap beyond Go's default.
type Client struct {
	http      *http.Client
	userAgent string
}

// New builds a Client from cfg. An empty ProxyURL leaves the default
// transport's dialer untouched.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}

	if cfg.ProxyURL != "" {
		if err := configureProxy(transport, cfg.ProxyURL); err != nil {
			return nil, fmt.Errorf("transport: configure proxy: %w", err)
		}
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			// Large streamed bodies: no client-wide read deadline beyond
			// per-dial/header timeouts above; the caller controls overall
			// lifetime via context.
		},
		userAgent: cfg.UserAgent,
	}, nil
}

func configureProxy(transport *http.Transport, proxyURL string) error {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %w", err)
	}
	switch parsed.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsed)
	case "socks5":
		dialer, err := proxy.SOCKS5("tcp", parsed.Host, nil, proxy.Direct)
		if err != nil {
			return fmt.Errorf("socks5 dialer: %w", err)
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	default:
		return fmt.Errorf("unsupported proxy scheme: %s", parsed.Scheme)
	}
	return nil
}

// Head issues a HEAD request with the configured User-Agent.
func (c *Client) Head(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req)
	return c.http.Do(req)
}

// GetRange issues a single GET carrying a Range header covering
// [start, end] inclusive.
func (c *Client) GetRange(ctx context.Context, rawURL string, start, end int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	return c.http.Do(req)
}

func (c *Client) applyHeaders(req *http.Request) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Connection", "keep-alive")
}
