// Package gemini fetches resources over the Gemini protocol.
//
// A fetch normalizes the URL, opens a TLS connection presenting the selected
// client identity, lets a TrustVerifier decide on the server certificate and
// only then sends the request. Responses are dispatched by status class:
// redirects are followed, 44 responses feed the backoff controller and the
// rest end the fetch with an Outcome.
package gemini

import (
	"context"
	"crypto/x509"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gemcap/gemcap/backoff"
	"github.com/gemcap/gemcap/identity"
	"github.com/gemcap/gemcap/internal/certbind"
	"github.com/gemcap/gemcap/internal/ratelimit"
	"github.com/gemcap/gemcap/libs/log"
	"github.com/gemcap/gemcap/tofu"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultReadTimeout      = 30 * time.Second
	DefaultMaxRedirects     = 5
)

// IdentityMatcher finds identities whose scopes cover a host and path.
// *identity.Manager implements it.
type IdentityMatcher interface {
	FindMatching(host, path string) ([]identity.Identity, error)
	FindBestMatch(host, path string) (identity.Identity, bool, error)
}

// Client fetches Gemini URLs. It is safe for concurrent use.
type Client struct {
	verifier   TrustVerifier
	identities IdentityMatcher
	backoff    *backoff.Controller
	limiter    *ratelimit.HostLimiter
	dialer     dialer

	maxRedirects    int
	maxResponseSize int64

	logger  log.Logger
	metrics *Metrics
}

// Option sets a parameter for the Client.
type Option func(*Client)

// Logger sets the logger.
func Logger(l log.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// Identities sets the matcher used to pick a client certificate when the
// caller gives none, and to list candidates on 6x responses.
func Identities(m IdentityMatcher) Option {
	return func(c *Client) {
		c.identities = m
	}
}

// Backoff sets the controller that records 44 responses.
func Backoff(b *backoff.Controller) Option {
	return func(c *Client) {
		c.backoff = b
	}
}

// RateLimiter paces requests per host.
func RateLimiter(l *ratelimit.HostLimiter) Option {
	return func(c *Client) {
		c.limiter = l
	}
}

// HandshakeTimeout bounds dialing plus the TLS handshake.
func HandshakeTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.dialer.handshakeTimeout = d
	}
}

// ReadTimeout bounds sending the request and reading the response.
func ReadTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.dialer.ioTimeout = d
	}
}

// MaxRedirects sets how many consecutive redirects are followed.
func MaxRedirects(n int) Option {
	return func(c *Client) {
		c.maxRedirects = n
	}
}

// MaxResponseSize caps the size of a response.
func MaxResponseSize(n int64) Option {
	return func(c *Client) {
		c.maxResponseSize = n
	}
}

// NewClient returns a Client trusting servers through verifier and loading
// client certificates from keys.
func NewClient(verifier TrustVerifier, keys identity.KeyStore, opts ...Option) *Client {
	c := &Client{
		verifier:        verifier,
		backoff:         backoff.NewController(),
		maxRedirects:    DefaultMaxRedirects,
		maxResponseSize: DefaultMaxResponseSize,
		logger:          log.NewNopLogger(),
		metrics:         NopMetrics(),
		dialer: dialer{
			handshakeTimeout: DefaultHandshakeTimeout,
			ioTimeout:        DefaultReadTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dialer.binder = certbind.NewBinder(keys, c.logger.With("module", "certbind"))
	return c
}

// BackoffController returns the controller recording 44 responses.
func (c *Client) BackoffController() *backoff.Controller {
	return c.backoff
}

// Fetch requests rawURL, following redirects. alias names the identity to
// present; it applies while the host stays that of rawURL. Without one, or
// after a redirect to another host, the best matching identity is used.
//
// Transport and protocol failures are returned as errors: ErrConnection,
// ErrProtocol, ErrURITooLong, ErrRedirectLoop or ErrInvalidURL. If ctx is
// cancelled the error wraps ctx.Err().
func (c *Client) Fetch(ctx context.Context, rawURL, alias string) (Outcome, error) {
	u, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	origHost, _ := hostPort(u)

	for hops := 0; ; hops++ {
		host, port := hostPort(u)
		hopAlias := c.selectIdentity(u, host, origHost, alias)

		ex, out, err := c.fetchOnce(ctx, u, host, port, hopAlias)
		if err != nil || out != nil {
			return out, err
		}
		resp := ex.resp

		current := u.String()
		c.metrics.Requests.With("status", strconv.Itoa(resp.Status)).Add(1)
		c.logger.Debug("response", "url", current, "status", resp.Status, "meta", resp.Meta)

		switch ClassOf(resp.Status) {
		case ClassInput:
			return InputRequired{
				URL:       current,
				Prompt:    resp.Meta,
				Sensitive: resp.Status == StatusSensitiveInput,
			}, nil

		case ClassSuccess:
			c.backoff.Clear(current)
			success := Success{Response: resp, URL: current, ServerCert: ex.serverCert}
			if changed, ok := ex.trust.(tofu.CertificateChanged); ok {
				success.TrustNotice = &changed
			}
			return success, nil

		case ClassRedirect:
			if hops >= c.maxRedirects {
				return nil, ErrRedirectLoop{Hops: hops + 1, URL: current}
			}
			if resp.Meta == "" {
				return nil, ErrProtocol{Reason: "redirect without target"}
			}
			next, err := Resolve(u, resp.Meta)
			if err != nil {
				return nil, err
			}
			c.metrics.Redirects.Add(1)
			c.logger.Info("following redirect", "from", current, "to", next.String(), "status", resp.Status)
			u = next

		case ClassTemporaryFailure:
			if resp.Status == StatusSlowDown {
				st := c.backoff.Record(current, resp.Meta)
				c.logger.Info("server asked to slow down", "backoff", st)
				return SlowDown{URL: current, Meta: resp.Meta, State: st}, nil
			}
			return ServerError{URL: current, Status: resp.Status, Meta: resp.Meta, Temporary: true, Retryable: true}, nil

		case ClassPermanentFailure:
			return ServerError{URL: current, Status: resp.Status, Meta: resp.Meta}, nil

		case ClassClientCertificate:
			return c.certificateRequired(resp, u, host), nil

		default:
			return ServerError{URL: current, Status: resp.Status, Meta: resp.Meta, Temporary: true}, nil
		}
	}
}

// exchange is one request and its response on a trusted connection.
type exchange struct {
	resp       *Response
	serverCert *x509.Certificate
	trust      tofu.Outcome
}

// fetchOnce performs a single request. It returns a non-nil Outcome instead
// of an exchange when the server certificate was not accepted.
func (c *Client) fetchOnce(
	ctx context.Context,
	u *url.URL,
	host string,
	port int,
	alias string,
) (*exchange, Outcome, error) {
	if err := c.limiter.Wait(ctx, host); err != nil {
		return nil, nil, connErr(ctx, "pace", err)
	}

	start := time.Now()
	hc, err := c.dialer.dial(ctx, host, port, alias)
	if err != nil {
		c.logger.Error("connection failed", "host", host, "port", port, "err", err)
		return nil, nil, err
	}
	c.metrics.HandshakeSeconds.Observe(time.Since(start).Seconds())

	vc, trust, err := hc.verify(c.verifier)
	if err != nil {
		return nil, nil, err
	}
	c.metrics.TofuOutcomes.With("outcome", tofu.Label(trust)).Add(1)
	if vc == nil {
		c.logger.Info("server certificate not accepted", "host", host, "port", port, "outcome", trust.String())
		return nil, trustOutcome(trust, port, u.String()), nil
	}
	defer vc.Close()

	resp, err := vc.roundTrip(u.String(), c.maxResponseSize)
	if err != nil {
		return nil, nil, err
	}
	return &exchange{resp: resp, serverCert: vc.serverCert, trust: trust}, nil, nil
}

func (c *Client) selectIdentity(u *url.URL, host, origHost, alias string) string {
	if alias != "" && strings.EqualFold(host, origHost) {
		return alias
	}
	if c.identities == nil {
		return ""
	}
	id, ok, err := c.identities.FindBestMatch(host, u.Path)
	if err != nil {
		c.logger.Error("can't match identities", "host", host, "err", err)
		return ""
	}
	if !ok {
		return ""
	}
	c.logger.Debug("selected identity", "identity", id, "url", u.String())
	return id.Alias
}

func (c *Client) certificateRequired(resp *Response, u *url.URL, host string) Outcome {
	out := CertificateRequired{
		Status: resp.Status,
		Meta:   resp.Meta,
		URL:    u.String(),
		Host:   host,
		Path:   u.Path,
	}
	if c.identities != nil {
		matching, err := c.identities.FindMatching(host, u.Path)
		if err != nil {
			c.logger.Error("can't match identities", "host", host, "err", err)
		}
		out.Matching = matching
	}
	return out
}
