package gemini

import (
	"fmt"
	"net/url"
	"strings"

	gcnet "github.com/gemcap/gemcap/libs/net"
)

const (
	// Scheme is the only URL scheme this client requests.
	Scheme = "gemini"

	// MaxRequestLength is the maximum length in bytes of a request URL,
	// excluding the trailing CRLF.
	MaxRequestLength = 1024

	// MaxMetaLength is the maximum length in bytes of a response meta.
	MaxMetaLength = 1024
)

// NormalizeURL parses raw and returns the form sent on the wire: the scheme
// defaults to gemini, the host is lower-cased, the fragment is dropped and an
// empty path becomes "/". Normalizing twice gives the same result.
func NormalizeURL(raw string) (*url.URL, error) {
	s := strings.TrimSpace(raw)
	if !strings.Contains(s, "://") {
		s = Scheme + "://" + strings.TrimPrefix(s, "//")
	}

	u, err := url.Parse(s)
	if err != nil {
		return nil, ErrInvalidURL{URL: raw, Reason: err.Error()}
	}
	return normalize(u, raw)
}

func normalize(u *url.URL, raw string) (*url.URL, error) {
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != Scheme {
		return nil, ErrInvalidURL{URL: raw, Reason: "unsupported scheme " + u.Scheme}
	}
	if u.Opaque != "" {
		return nil, ErrInvalidURL{URL: raw, Reason: "opaque URL"}
	}
	if u.User != nil {
		return nil, ErrInvalidURL{URL: raw, Reason: "userinfo is not allowed"}
	}
	if u.Hostname() == "" {
		return nil, ErrInvalidURL{URL: raw, Reason: "missing host"}
	}
	if _, err := gcnet.SplitPort(u.Port()); err != nil {
		return nil, ErrInvalidURL{URL: raw, Reason: err.Error()}
	}

	u.Host = canonicalHost(u)
	u.RawQuery = escapeQuery(u.RawQuery)
	u.Fragment = ""
	u.RawFragment = ""
	u.ForceQuery = false
	if u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}

	if n := len(u.String()); n > MaxRequestLength {
		return nil, ErrURITooLong{Length: n}
	}
	return u, nil
}

// Resolve resolves ref relative to base, as for a redirect target or a link.
func Resolve(base *url.URL, ref string) (*url.URL, error) {
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, ErrInvalidURL{URL: ref, Reason: err.Error()}
	}
	resolved := base.ResolveReference(r)
	return normalize(resolved, ref)
}

// WithInput returns raw with its query replaced by the percent-encoded input,
// as sent in response to a 1x prompt.
func WithInput(raw, input string) (*url.URL, error) {
	u, err := NormalizeURL(raw)
	if err != nil {
		return nil, err
	}
	u.RawQuery = queryEscape(input)
	if n := len(u.String()); n > MaxRequestLength {
		return nil, ErrURITooLong{Length: n}
	}
	return u, nil
}

// queryEscape escapes s for a query; spaces become %20 rather than "+".
func queryEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// escapeQuery percent-encodes the bytes of q that may not appear in a query
// component. Existing %XX escapes are kept, so escaping is idempotent.
func escapeQuery(q string) string {
	var b strings.Builder
	for i := 0; i < len(q); i++ {
		c := q[i]
		switch {
		case c == '%' && i+2 < len(q) && isHex(q[i+1]) && isHex(q[i+2]):
			b.WriteString(q[i : i+3])
			i += 2
		case isQueryChar(c):
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

// isQueryChar reports whether c may appear unescaped in a query: unreserved
// and sub-delims characters plus ':', '@', '/' and '?'.
func isQueryChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("-._~!$&'()*+,;=:@/?", c) >= 0
}

// canonicalHost returns u's host in ASCII lower case, keeping an explicit
// port.
func canonicalHost(u *url.URL) string {
	host := gcnet.NormalizeHost(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := u.Port(); port != "" {
		return host + ":" + port
	}
	return host
}

// hostPort returns the normalized host and the port of u.
func hostPort(u *url.URL) (string, int) {
	port, _ := gcnet.SplitPort(u.Port())
	return gcnet.NormalizeHost(u.Hostname()), port
}
