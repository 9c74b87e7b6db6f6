package gemini

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/gemcap/gemcap/identity"
	"github.com/gemcap/gemcap/identity/keystore"
	identitydb "github.com/gemcap/gemcap/identity/store/db"
	"github.com/gemcap/gemcap/internal/test/factory"
	"github.com/gemcap/gemcap/libs/log"
	"github.com/gemcap/gemcap/tofu"
	tofudb "github.com/gemcap/gemcap/tofu/store/db"
)

// handlerFunc answers a request line with a raw response. peer is the client
// certificate, if one was presented. done is closed when the server stops.
type handlerFunc func(req string, peer *x509.Certificate, done <-chan struct{}) string

// testServer is an in-process Gemini server on 127.0.0.1.
type testServer struct {
	ln      net.Listener
	port    int
	cert    atomic.Value // tls.Certificate
	handler handlerFunc

	received chan string
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	mtx  sync.Mutex
	reqs []string
}

func startServer(t *testing.T, handler handlerFunc) *testServer {
	t.Helper()

	s := &testServer{
		handler:  handler,
		received: make(chan string, 100),
		done:     make(chan struct{}),
	}
	cert, _ := factory.ServerCertificate()
	s.cert.Store(cert)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			c := s.cert.Load().(tls.Certificate)
			return &c, nil
		},
		ClientAuth: tls.RequestClientCert,
		NextProtos: []string{"gemini"},

		// Resumed sessions would replay the certificate of the first
		// handshake after setCertificate.
		SessionTicketsDisabled: true,
	})
	require.NoError(t, err)
	s.ln = ln
	s.port = ln.Addr().(*net.TCPAddr).Port
	t.Cleanup(s.stop)

	s.wg.Add(1)
	go s.serve()
	return s
}

func (s *testServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.handle(conn.(*tls.Conn))
	}
}

func (s *testServer) handle(conn *tls.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	if err := conn.Handshake(); err != nil {
		return
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	req := strings.TrimSuffix(line, "\r\n")

	s.mtx.Lock()
	s.reqs = append(s.reqs, req)
	s.mtx.Unlock()
	select {
	case s.received <- req:
	default:
	}

	var peer *x509.Certificate
	if peers := conn.ConnectionState().PeerCertificates; len(peers) > 0 {
		peer = peers[0]
	}
	_, _ = conn.Write([]byte(s.handler(req, peer, s.done)))
}

func (s *testServer) stop() {
	s.once.Do(func() {
		close(s.done)
		s.ln.Close()
		s.wg.Wait()
	})
}

func (s *testServer) setCertificate(c tls.Certificate) {
	s.cert.Store(c)
}

func (s *testServer) requests() []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]string(nil), s.reqs...)
}

func (s *testServer) url(path string) string {
	return fmt.Sprintf("gemini://127.0.0.1:%d%s", s.port, path)
}

// static answers every request with resp.
func static(resp string) handlerFunc {
	return func(string, *x509.Certificate, <-chan struct{}) string { return resp }
}

// routes answers by request path; unknown paths get 51.
func routes(m map[string]string) handlerFunc {
	return func(req string, _ *x509.Certificate, _ <-chan struct{}) string {
		u, err := url.Parse(req)
		if err != nil {
			return "59 bad request\r\n"
		}
		if resp, ok := m[u.Path]; ok {
			return resp
		}
		return "51 not found\r\n"
	}
}

type testEnv struct {
	client     *Client
	verifier   *tofu.Verifier
	identities *identity.Manager
}

func newTestEnv(t *testing.T, verifierOpts []tofu.Option, opts ...Option) *testEnv {
	t.Helper()

	verifierOpts = append([]tofu.Option{tofu.SystemRoots(false)}, verifierOpts...)
	v := tofu.NewVerifier(tofudb.New(dbm.NewMemDB(), ""), verifierOpts...)
	keys := keystore.NewMemKeyStore()
	ids := identity.NewManager(identitydb.New(dbm.NewMemDB(), ""), keys)

	opts = append([]Option{Logger(log.TestingLogger()), Identities(ids)}, opts...)
	return &testEnv{
		client:     NewClient(v, keys, opts...),
		verifier:   v,
		identities: ids,
	}
}
