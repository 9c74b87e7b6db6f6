package gemini

import (
	"context"
	"crypto/x509"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gemcap/gemcap/identity"
	"github.com/gemcap/gemcap/internal/ratelimit"
	"github.com/gemcap/gemcap/internal/test/factory"
	"github.com/gemcap/gemcap/tofu"
)

func TestFetchSuccess(t *testing.T) {
	defer leaktest.Check(t)()

	srv := startServer(t, static("20 text/gemini; lang=en\r\n# Hello\n"))
	defer srv.stop()
	env := newTestEnv(t, nil)

	out, err := env.client.Fetch(context.Background(), srv.url("/page#top"), "")
	require.NoError(t, err)

	success, ok := out.(Success)
	require.True(t, ok, "got %v", out)
	assert.Equal(t, srv.url("/page"), success.URL)
	assert.Equal(t, 20, success.Response.Status)
	assert.Equal(t, "text/gemini", success.Response.MediaType())
	assert.Equal(t, []byte("# Hello\n"), success.Response.Body)
	assert.NotNil(t, success.ServerCert)
	assert.Nil(t, success.TrustNotice)

	// The request line is the normalized URL, fragment stripped.
	assert.Equal(t, []string{srv.url("/page")}, srv.requests())
}

func TestFetchRedirect(t *testing.T) {
	srv := startServer(t, routes(map[string]string{
		"/a": "30 /b\r\n",
		"/b": "20 text/gemini\r\n# B\n",
	}))
	env := newTestEnv(t, nil)

	out, err := env.client.Fetch(context.Background(), srv.url("/a"), "")
	require.NoError(t, err)

	success, ok := out.(Success)
	require.True(t, ok, "got %v", out)
	assert.Equal(t, srv.url("/b"), success.URL)
	assert.Equal(t, []byte("# B\n"), success.Response.Body)
	assert.Equal(t, []string{srv.url("/a"), srv.url("/b")}, srv.requests())
}

func TestFetchRedirectLoop(t *testing.T) {
	srv := startServer(t, static("31 /loop\r\n"))
	env := newTestEnv(t, nil)

	_, err := env.client.Fetch(context.Background(), srv.url("/start"), "")
	require.Error(t, err)
	assert.Equal(t, ErrRedirectLoop{Hops: DefaultMaxRedirects + 1, URL: srv.url("/loop")}, err)
	assert.Len(t, srv.requests(), DefaultMaxRedirects+1)
}

func TestFetchRedirectLimit(t *testing.T) {
	srv := startServer(t, routes(map[string]string{
		"/1": "30 /2\r\n",
		"/2": "30 /3\r\n",
		"/3": "20 text/plain\r\ndone",
	}))

	env := newTestEnv(t, nil, MaxRedirects(2))
	out, err := env.client.Fetch(context.Background(), srv.url("/1"), "")
	require.NoError(t, err)
	assert.IsType(t, Success{}, out)

	env = newTestEnv(t, nil, MaxRedirects(1))
	_, err = env.client.Fetch(context.Background(), srv.url("/1"), "")
	assert.IsType(t, ErrRedirectLoop{}, err)
}

func TestFetchRedirectWithoutTarget(t *testing.T) {
	srv := startServer(t, static("30\r\n"))
	env := newTestEnv(t, nil)

	_, err := env.client.Fetch(context.Background(), srv.url("/"), "")
	assert.IsType(t, ErrProtocol{}, err)
}

func TestFetchStatusDispatch(t *testing.T) {
	srv := startServer(t, routes(map[string]string{
		"/input":   "10 Your name?\r\n",
		"/secret":  "11 Password\r\n",
		"/busy":    "41 maintenance\r\n",
		"/gone":    "52 gone for good\r\n",
		"/missing": "51 Not found\r\n",
		"/strange": "70 what is this\r\n",
	}))
	env := newTestEnv(t, nil)

	testCases := map[string]Outcome{
		"/input":   InputRequired{URL: srv.url("/input"), Prompt: "Your name?"},
		"/secret":  InputRequired{URL: srv.url("/secret"), Prompt: "Password", Sensitive: true},
		"/busy":    ServerError{URL: srv.url("/busy"), Status: 41, Meta: "maintenance", Temporary: true, Retryable: true},
		"/gone":    ServerError{URL: srv.url("/gone"), Status: 52, Meta: "gone for good"},
		"/missing": ServerError{URL: srv.url("/missing"), Status: 51, Meta: "Not found"},
		"/strange": ServerError{URL: srv.url("/strange"), Status: 70, Meta: "what is this", Temporary: true},
	}

	for path, want := range testCases {
		path, want := path, want
		t.Run(path, func(t *testing.T) {
			out, err := env.client.Fetch(context.Background(), srv.url(path), "")
			require.NoError(t, err)
			assert.Equal(t, want, out)
		})
	}
}

func TestFetchMalformedResponse(t *testing.T) {
	srv := startServer(t, routes(map[string]string{
		"/status":     "xx oops\r\n",
		"/terminator": "20 text/gemini",
		"/meta":       "20 " + strings.Repeat("m", MaxMetaLength+1) + "\r\n",
	}))
	env := newTestEnv(t, nil)

	for _, path := range []string{"/status", "/terminator", "/meta"} {
		_, err := env.client.Fetch(context.Background(), srv.url(path), "")
		assert.IsType(t, ErrProtocol{}, err, path)
	}
}

func TestFetchResponseTooLarge(t *testing.T) {
	srv := startServer(t, static("20 text/plain\r\n"+strings.Repeat("x", 100)))
	env := newTestEnv(t, nil, MaxResponseSize(64))

	_, err := env.client.Fetch(context.Background(), srv.url("/"), "")
	assert.IsType(t, ErrProtocol{}, err)
}

func TestFetchSlowDown(t *testing.T) {
	var hits int32
	srv := startServer(t, func(string, *x509.Certificate, <-chan struct{}) string {
		if atomic.AddInt32(&hits, 1) <= 2 {
			return "44 5\r\n"
		}
		return "20 text/plain\r\nok"
	})
	env := newTestEnv(t, nil)
	target := srv.url("/feed")

	out, err := env.client.Fetch(context.Background(), target, "")
	require.NoError(t, err)
	slow, ok := out.(SlowDown)
	require.True(t, ok, "got %v", out)
	assert.Equal(t, target, slow.URL)
	assert.Equal(t, 1, slow.State.RetryCount)
	assert.Equal(t, 5*time.Second, slow.State.ServerSuggestedDelay)

	out, err = env.client.Fetch(context.Background(), target, "")
	require.NoError(t, err)
	slow, ok = out.(SlowDown)
	require.True(t, ok, "got %v", out)
	assert.Equal(t, 2, slow.State.RetryCount)

	st, ok := env.client.BackoffController().Get(target)
	require.True(t, ok)
	assert.Equal(t, 2, st.RetryCount)

	out, err = env.client.Fetch(context.Background(), target, "")
	require.NoError(t, err)
	assert.IsType(t, Success{}, out)
	_, ok = env.client.BackoffController().Get(target)
	assert.False(t, ok, "success clears the backoff")
}

// echoIdentity answers with the common name of the client certificate, or
// asks for one.
func echoIdentity(req string, peer *x509.Certificate, _ <-chan struct{}) string {
	if strings.HasSuffix(req, "/denied") {
		return "61 Not authorized\r\n"
	}
	if peer == nil {
		return "60 Certificate required\r\n"
	}
	return "20 text/plain\r\n" + peer.Subject.CommonName
}

func TestFetchClientCertificate(t *testing.T) {
	srv := startServer(t, echoIdentity)
	env := newTestEnv(t, nil)

	out, err := env.client.Fetch(context.Background(), srv.url("/private"), "")
	require.NoError(t, err)
	required, ok := out.(CertificateRequired)
	require.True(t, ok, "got %v", out)
	assert.Equal(t, StatusCertificateRequired, required.Status)
	assert.Equal(t, "Certificate required", required.Meta)
	assert.Equal(t, "127.0.0.1", required.Host)
	assert.Equal(t, "/private", required.Path)
	assert.Empty(t, required.Matching)

	alice, err := env.identities.Generate(identity.GenerateParams{CommonName: "alice"})
	require.NoError(t, err)

	// An explicit alias is presented.
	out, err = env.client.Fetch(context.Background(), srv.url("/private"), alice.Alias)
	require.NoError(t, err)
	success, ok := out.(Success)
	require.True(t, ok, "got %v", out)
	assert.Equal(t, []byte("alice"), success.Response.Body)

	// Without usages nothing is selected automatically.
	out, err = env.client.Fetch(context.Background(), srv.url("/private"), "")
	require.NoError(t, err)
	assert.IsType(t, CertificateRequired{}, out)

	// A matching scope selects the identity.
	scope := identity.UsageScope{Host: "127.0.0.1", Type: identity.Domain}
	require.NoError(t, env.identities.AddUsage(alice.Alias, scope))

	out, err = env.client.Fetch(context.Background(), srv.url("/private"), "")
	require.NoError(t, err)
	success, ok = out.(Success)
	require.True(t, ok, "got %v", out)
	assert.Equal(t, []byte("alice"), success.Response.Body)

	// A refusal lists the matching identities.
	out, err = env.client.Fetch(context.Background(), srv.url("/denied"), "")
	require.NoError(t, err)
	required, ok = out.(CertificateRequired)
	require.True(t, ok, "got %v", out)
	assert.Equal(t, StatusCertificateNotAuthorized, required.Status)
	require.Len(t, required.Matching, 1)
	assert.Equal(t, alice.Alias, required.Matching[0].Alias)
}

func TestSelectIdentity(t *testing.T) {
	env := newTestEnv(t, nil)
	alice, err := env.identities.Generate(identity.GenerateParams{CommonName: "alice"})
	require.NoError(t, err)
	require.NoError(t, env.identities.AddUsage(alice.Alias, identity.UsageScope{
		Host: "other.example",
		Type: identity.Directory,
		Path: "/app",
	}))

	u, err := NormalizeURL("gemini://other.example/app/x")
	require.NoError(t, err)

	// The caller's alias holds while the host is unchanged.
	assert.Equal(t, "explicit", env.client.selectIdentity(u, "other.example", "Other.Example", "explicit"))
	// After a redirect to another host it is replaced by the best match.
	assert.Equal(t, alice.Alias, env.client.selectIdentity(u, "other.example", "first.example", "explicit"))

	u, err = NormalizeURL("gemini://other.example/elsewhere")
	require.NoError(t, err)
	assert.Equal(t, "", env.client.selectIdentity(u, "other.example", "first.example", "explicit"))
}

func TestFetchCertificateChanged(t *testing.T) {
	srv := startServer(t, static("20 text/plain\r\nhi"))
	env := newTestEnv(t, nil)

	out, err := env.client.Fetch(context.Background(), srv.url("/"), "")
	require.NoError(t, err)
	require.IsType(t, Success{}, out)

	newCert, _ := factory.ServerCertificate()
	srv.setCertificate(newCert)

	out, err = env.client.Fetch(context.Background(), srv.url("/next"), "")
	require.NoError(t, err)
	warning, ok := out.(TofuWarning)
	require.True(t, ok, "got %v", out)
	assert.Equal(t, "127.0.0.1", warning.Host)
	assert.Equal(t, srv.port, warning.Port)
	assert.Equal(t, srv.url("/next"), warning.PendingURL)
	assert.NotEqual(t, warning.OldFingerprint, warning.NewFingerprint)
	assert.False(t, warning.WasExpired)
	assert.Len(t, srv.requests(), 1, "no request is sent to an untrusted server")

	require.NoError(t, env.verifier.AcceptNewCertificate(warning.Host, warning.Port, warning.NewFingerprint, warning.NewExpiry))

	out, err = env.client.Fetch(context.Background(), warning.PendingURL, "")
	require.NoError(t, err)
	success, ok := out.(Success)
	require.True(t, ok, "got %v", out)
	assert.Nil(t, success.TrustNotice)
	assert.Len(t, srv.requests(), 2)
}

func TestFetchCertificateChangedAfterExpiry(t *testing.T) {
	var now atomic.Int64
	now.Store(time.Now().UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()) }

	srv := startServer(t, static("20 text/plain\r\nhi"))
	key := factory.Key()
	shortLived := factory.Certificate(key, factory.CertParams{
		CommonName: "localhost",
		IPs:        []net.IP{net.ParseIP("127.0.0.1")},
		NotAfter:   time.Now().Add(time.Hour),
	})
	srv.setCertificate(factory.TLSCertificate(key, shortLived))

	env := newTestEnv(t, []tofu.Option{tofu.Clock(clock)})

	out, err := env.client.Fetch(context.Background(), srv.url("/"), "")
	require.NoError(t, err)
	require.IsType(t, Success{}, out)

	now.Store(time.Now().Add(2 * time.Hour).UnixNano())
	renewed, _ := factory.ServerCertificate()
	srv.setCertificate(renewed)

	out, err = env.client.Fetch(context.Background(), srv.url("/"), "")
	require.NoError(t, err)
	success, ok := out.(Success)
	require.True(t, ok, "got %v", out)
	require.NotNil(t, success.TrustNotice)
	assert.True(t, success.TrustNotice.WasExpired)
	assert.Len(t, srv.requests(), 2)
}

func TestFetchDomainMismatch(t *testing.T) {
	srv := startServer(t, static("20 text/plain\r\nhi"))
	key := factory.Key()
	cert := factory.Certificate(key, factory.CertParams{
		CommonName: "other.example",
		DNSNames:   []string{"other.example"},
	})
	srv.setCertificate(factory.TLSCertificate(key, cert))
	env := newTestEnv(t, nil)

	out, err := env.client.Fetch(context.Background(), srv.url("/"), "")
	require.NoError(t, err)
	mismatch, ok := out.(TofuDomainMismatch)
	require.True(t, ok, "got %v", out)
	assert.Equal(t, []string{"other.example"}, mismatch.CertDomains)
	assert.Equal(t, srv.url("/"), mismatch.PendingURL)
	assert.Empty(t, srv.requests())

	env.verifier.AddDomainBypass(mismatch.Host, mismatch.Port)
	out, err = env.client.Fetch(context.Background(), mismatch.PendingURL, "")
	require.NoError(t, err)
	assert.IsType(t, Success{}, out)
}

func TestFetchExpiredCertificate(t *testing.T) {
	srv := startServer(t, static("20 text/plain\r\nhi"))
	key := factory.Key()
	cert := factory.Certificate(key, factory.CertParams{
		IPs:       []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore: time.Now().Add(-48 * time.Hour),
		NotAfter:  time.Now().Add(-24 * time.Hour),
	})
	srv.setCertificate(factory.TLSCertificate(key, cert))
	env := newTestEnv(t, nil)

	out, err := env.client.Fetch(context.Background(), srv.url("/"), "")
	require.NoError(t, err)
	expired, ok := out.(TofuExpired)
	require.True(t, ok, "got %v", out)
	assert.Equal(t, srv.url("/"), expired.PendingURL)
	assert.Empty(t, srv.requests())
}

func TestFetchCancel(t *testing.T) {
	defer leaktest.Check(t)()

	srv := startServer(t, func(_ string, _ *x509.Certificate, done <-chan struct{}) string {
		<-done
		return ""
	})
	defer srv.stop()
	env := newTestEnv(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-srv.received:
			cancel()
		case <-ctx.Done():
		}
	}()

	_, err := env.client.Fetch(ctx, srv.url("/slow"), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	var connErr ErrConnection
	assert.False(t, errors.As(err, &connErr), "cancellation is not a connection error: %v", err)
}

func TestFetchReadTimeout(t *testing.T) {
	srv := startServer(t, func(_ string, _ *x509.Certificate, done <-chan struct{}) string {
		<-done
		return ""
	})
	env := newTestEnv(t, nil, ReadTimeout(100*time.Millisecond))

	_, err := env.client.Fetch(context.Background(), srv.url("/slow"), "")
	var connErr ErrConnection
	require.True(t, errors.As(err, &connErr), "got %v", err)
	assert.Equal(t, "read", connErr.Op)
}

func TestFetchConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	env := newTestEnv(t, nil)
	_, err = env.client.Fetch(context.Background(), "gemini://127.0.0.1:"+strconv.Itoa(port)+"/", "")
	var connErr ErrConnection
	require.True(t, errors.As(err, &connErr), "got %v", err)
	assert.Equal(t, "dial", connErr.Op)
}

func TestFetchInvalidURL(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.client.Fetch(context.Background(), "https://example.org/", "")
	assert.IsType(t, ErrInvalidURL{}, err)

	_, err = env.client.Fetch(context.Background(), "gemini://127.0.0.1:1/"+strings.Repeat("a", MaxRequestLength), "")
	assert.IsType(t, ErrURITooLong{}, err)
}

func TestFetchRateLimited(t *testing.T) {
	srv := startServer(t, static("20 text/plain\r\nhi"))
	env := newTestEnv(t, nil, RateLimiter(ratelimit.New(0.01, 1, time.Minute)))

	_, err := env.client.Fetch(context.Background(), srv.url("/"), "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = env.client.Fetch(ctx, srv.url("/"), "")
	require.Error(t, err)
	assert.Len(t, srv.requests(), 1)
}
