package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
)

// The web endpoint sits behind bot detection keyed on the TLS client
// hello and ALPN. Requests to it go out over a uTLS connection that
// presents a current Chrome fingerprint; the official API gets a
// standard Go transport.

// chromeConn adapts a uTLS connection to the crypto/tls state shape
// expected by net/http.
type chromeConn struct{ *utls.UConn }

func (c *chromeConn) ConnectionState() tls.ConnectionState {
	cs := c.UConn.ConnectionState()
	return tls.ConnectionState{
		Version: cs.Version, HandshakeComplete: cs.HandshakeComplete,
		DidResume: cs.DidResume, CipherSuite: cs.CipherSuite,
		NegotiatedProtocol: cs.NegotiatedProtocol, ServerName: cs.ServerName,
		PeerCertificates: cs.PeerCertificates, VerifiedChains: cs.VerifiedChains,
	}
}

// chromeDialer creates TLS connections with a Chrome client hello,
// optionally through an HTTP CONNECT proxy.
type chromeDialer struct {
	dialer   *net.Dialer
	proxyURL *url.URL
}

func newChromeDialer(connectTimeout time.Duration, proxyURL *url.URL) *chromeDialer {
	return &chromeDialer{
		dialer: &net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		},
		proxyURL: proxyURL,
	}
}

func (d *chromeDialer) dialTLS(ctx context.Context, network, addr string) (net.Conn, string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
		port = "443"
		addr = net.JoinHostPort(host, port)
	}
	_ = port

	var rawConn net.Conn

	if d.proxyURL != nil {
		proxyConn, err := d.dialer.DialContext(ctx, "tcp", d.proxyURL.Host)
		if err != nil {
			return nil, "", fmt.Errorf("dial proxy: %w", err)
		}

		connectReq := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
		if d.proxyURL.User != nil {
			auth := d.proxyURL.User.Username()
			if pass, ok := d.proxyURL.User.Password(); ok {
				auth += ":" + pass
			}
			connectReq += "Proxy-Authorization: Basic " + base64.StdEncoding.EncodeToString([]byte(auth)) + "\r\n"
		}
		connectReq += "\r\n"

		if _, err := proxyConn.Write([]byte(connectReq)); err != nil {
			proxyConn.Close()
			return nil, "", fmt.Errorf("write CONNECT: %w", err)
		}

		br := bufio.NewReader(proxyConn)
		resp, err := http.ReadResponse(br, nil)
		if err != nil {
			proxyConn.Close()
			return nil, "", fmt.Errorf("read CONNECT response: %w", err)
		}
		resp.Body.Close()

		if resp.StatusCode != 200 {
			proxyConn.Close()
			return nil, "", fmt.Errorf("CONNECT failed: %s", resp.Status)
		}

		rawConn = proxyConn
	} else {
		rawConn, err = d.dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, "", err
		}
	}

	config := &utls.Config{
		ServerName:         host,
		InsecureSkipVerify: false,
	}

	uConn := utls.UClient(rawConn, config, utls.HelloChrome_Auto)
	if err := uConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, "", fmt.Errorf("TLS handshake: %w", err)
	}

	return &chromeConn{UConn: uConn}, uConn.ConnectionState().NegotiatedProtocol, nil
}

// chromeTransport speaks HTTP/2 or HTTP/1.1 over Chrome-fingerprinted
// connections, per the negotiated ALPN protocol.
type chromeTransport struct {
	dialer *chromeDialer
	h1     *http.Transport
	h2     *http2.Transport
}

func newChromeTransport(connectTimeout time.Duration, proxyURL *url.URL) *chromeTransport {
	dialer := newChromeDialer(connectTimeout, proxyURL)
	t := &chromeTransport{dialer: dialer}
	t.h1 = &http.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, _, err := dialer.dialTLS(ctx, network, addr)
			return conn, err
		},
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 0,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		ForceAttemptHTTP2:     false,
	}
	t.h2 = &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			conn, _, err := dialer.dialTLS(ctx, network, addr)
			return conn, err
		},
		// Streams can be quiet for a long time while the model thinks;
		// the per-read watchdog owns liveness, not HTTP/2 pings.
		ReadIdleTimeout: 0,
	}
	return t
}

func (t *chromeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Chrome negotiates h2 with the web endpoint; HTTP/1.1 only comes
	// up against older middleboxes.
	resp, err := t.h2.RoundTrip(req)
	if err != nil && isALPNMismatch(err) {
		return t.h1.RoundTrip(req)
	}
	return resp, err
}

func isALPNMismatch(err error) bool {
	s := err.Error()
	return strings.Contains(s, "unexpected ALPN protocol") || strings.Contains(s, "http2: unsupported scheme")
}

func (t *chromeTransport) CloseIdleConnections() {
	t.h1.CloseIdleConnections()
	t.h2.CloseIdleConnections()
}

// fingerprintAvailable reports whether the impersonated transport can
// be constructed on this platform. When it cannot, the web transport
// is disabled at startup rather than failing per request.
func fingerprintAvailable() bool {
	spec, err := utls.UTLSIdToSpec(utls.HelloChrome_Auto)
	if err != nil {
		return false
	}
	return len(spec.CipherSuites) > 0
}

var _ http.RoundTripper = (*chromeTransport)(nil)

// hybridTransport routes web-host requests through the fingerprinted
// transport and everything else through the standard one.
type hybridTransport struct {
	chrome   http.RoundTripper
	standard http.RoundTripper
	webHosts []string
}

func newHybridTransport(chrome, standard http.RoundTripper, webBase *url.URL) *hybridTransport {
	return &hybridTransport{
		chrome:   chrome,
		standard: standard,
		webHosts: []string{strings.ToLower(webBase.Hostname())},
	}
}

func (h *hybridTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	host := strings.ToLower(req.URL.Hostname())
	for _, wh := range h.webHosts {
		if host == wh || strings.HasSuffix(host, "."+wh) {
			if h.chrome != nil {
				return h.chrome.RoundTrip(req)
			}
			break
		}
	}
	return h.standard.RoundTrip(req)
}

var _ http.RoundTripper = (*hybridTransport)(nil)
