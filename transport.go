package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// upstreamClient is the uniform outbound HTTP layer: a plain transport
// for the official API and, when the fingerprinting stack is usable, a
// Chrome-impersonated transport for the web interface. Timeouts are
// per-phase — connect and per-read stay strict while the overall clock
// is unbounded for streaming, so long completions survive.
type upstreamClient struct {
	plain     http.RoundTripper
	chrome    http.RoundTripper // nil when fingerprinting is unavailable
	readTO    time.Duration
	overallTO time.Duration
}

func newUpstreamClient(cfg config) (*upstreamClient, error) {
	var proxyURL *url.URL
	if cfg.proxyURL != "" {
		u, err := url.Parse(cfg.proxyURL)
		if err != nil {
			return nil, fmt.Errorf("proxy url: %w", err)
		}
		proxyURL = u
	}

	plain := &http.Transport{
		Proxy: func(*http.Request) (*url.URL, error) { return proxyURL, nil },
		DialContext: (&net.Dialer{
			Timeout:   cfg.connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		ForceAttemptHTTP2:     true,
	}

	c := &upstreamClient{
		plain:     plain,
		readTO:    cfg.readTimeout,
		overallTO: cfg.requestTimeout,
	}

	if fingerprintAvailable() {
		webBase, err := url.Parse(cfg.claudeWebBase)
		if err != nil {
			return nil, fmt.Errorf("web base url: %w", err)
		}
		c.chrome = newHybridTransport(
			newChromeTransport(cfg.connectTimeout, proxyURL), plain, webBase)
	} else {
		log.Printf("browser fingerprinting unavailable on this platform; web transport disabled")
	}
	return c, nil
}

func (c *upstreamClient) webEnabled() bool { return c.chrome != nil }

// upstreamRequest describes one outbound call.
type upstreamRequest struct {
	method  string
	url     string
	headers http.Header
	cookie  string // session cookie pinned to the request, web transport
	body    []byte
	stream  bool
	web     bool // route via the fingerprinted transport
}

// do executes the request. Streaming responses get an unbounded overall
// deadline with a per-read watchdog; buffered responses are bounded by
// the overall timeout and returned fully read.
func (c *upstreamClient) do(ctx context.Context, r upstreamRequest) (*http.Response, error) {
	cancel := func() {}
	if !r.stream && c.overallTO > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.overallTO)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	var body io.Reader
	if len(r.body) > 0 {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, r.url, body)
	if err != nil {
		cancel()
		return nil, wrapError(errInternal, "build request", err)
	}
	if r.headers != nil {
		req.Header = cloneHeader(r.headers)
	}
	if r.cookie != "" {
		req.Header.Set("Cookie", r.cookie)
	}

	transport := c.plain
	if r.web {
		if c.chrome == nil {
			cancel()
			return nil, perror(errUpstreamFatal, "web transport disabled")
		}
		transport = c.chrome
	}

	resp, err := transport.RoundTrip(req)
	if err != nil {
		cancel()
		return nil, classifyTransportError(err)
	}

	if r.stream {
		resp.Body = newReadWatchdog(resp.Body, c.readTO, cancel)
	} else {
		// Drain into memory so the deadline covers the whole body and
		// the caller never blocks on a half-read connection.
		data, rerr := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		resp.Body.Close()
		cancel()
		if rerr != nil {
			return nil, classifyTransportError(rerr)
		}
		resp.Body = io.NopCloser(bytes.NewReader(data))
	}
	return resp, nil
}

// classifyTransportError buckets transport failures into the retryable
// taxonomy: connect-failed, read-timeout and body errors are all
// transient from the caller's point of view.
func classifyTransportError(err error) error {
	var nerr net.Error
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return wrapError(errStreamCut, "request cancelled", err)
	case errors.As(err, &nerr) && nerr.Timeout():
		return wrapError(errUpstreamTransient, "read timeout", err)
	default:
		s := err.Error()
		if strings.Contains(s, "connection reset") ||
			strings.Contains(s, "connection refused") ||
			strings.Contains(s, "stream error") ||
			strings.Contains(s, "unexpected EOF") ||
			strings.Contains(s, "EOF") {
			return wrapError(errUpstreamTransient, "upstream connection failed", err)
		}
		return wrapError(errUpstreamTransient, "upstream request failed", err)
	}
}

