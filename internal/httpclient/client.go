// Package httpclient provides the guarded HTTP client used by nodes that
// fetch external content. Pipeline definitions are user-authored, and node
// data may interpolate entity-derived values into URLs, so outbound requests
// are treated as untrusted: private address ranges and localhost are blocked
// at both URL validation and dial time.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dazflow/dazflow/errors"
)

// Client wraps http.Client with outbound request guarding.
type Client struct {
	*http.Client
	guardPrivate bool
	maxRedirects int
}

// New creates a guarded HTTP client with the given timeout. Requests to
// private, loopback, link-local, and multicast addresses are refused, and
// redirects are re-validated.
func New(timeout time.Duration) *Client {
	c := &Client{
		Client:       &http.Client{Timeout: timeout},
		guardPrivate: true,
		maxRedirects: 10,
	}

	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= c.maxRedirects {
			return errors.Newf("stopped after %d redirects", c.maxRedirects)
		}
		if err := c.checkURL(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	// The URL check alone is insufficient: a public hostname can resolve to
	// a private address (DNS rebinding). Re-check at dial time.
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	c.Transport = &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, errors.Wrap(err, "invalid address")
			}
			ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
			if err != nil {
				return nil, errors.Wrapf(err, "resolving %q", host)
			}
			for _, ip := range ips {
				if isGuardedIP(ip) {
					return nil, errors.Newf("address %s is not routable for node fetches", ip)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return c
}

// Wrap adapts an existing http.Client without the private-address guard.
// Intended for tests that talk to httptest servers on loopback.
func Wrap(client *http.Client) *Client {
	return &Client{Client: client, maxRedirects: 10}
}

// Do executes a request after validating its URL.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.checkURL(req.URL); err != nil {
		return nil, err
	}
	return c.Client.Do(req)
}

func (c *Client) checkURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return errors.Newf("scheme %q not allowed", scheme)
	}
	if u.User != nil {
		return errors.New("URL userinfo not allowed")
	}

	hostname := u.Hostname()
	if hostname == "" {
		return errors.New("URL missing hostname")
	}

	if c.guardPrivate {
		if isLocalhostName(hostname) {
			return errors.New("localhost access blocked")
		}
		if ip := net.ParseIP(hostname); ip != nil && isGuardedIP(ip) {
			return errors.Newf("address %s is not routable for node fetches", hostname)
		}
	}
	return nil
}

func isLocalhostName(hostname string) bool {
	hostname = strings.ToLower(hostname)
	return hostname == "localhost" || strings.HasSuffix(hostname, ".localhost")
}

// isGuardedIP reports whether an IP falls in a range node fetches must not
// reach: loopback, RFC 1918 private, link-local, multicast, or unspecified.
func isGuardedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified()
}
