package commands

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/gemcap/gemcap/config"
	"github.com/gemcap/gemcap/identity"
	"github.com/gemcap/gemcap/identity/keystore"
	"github.com/gemcap/gemcap/internal/test/factory"
	"github.com/gemcap/gemcap/libs/log"
)

// capsule is an in-process Gemini server answering by request path.
type capsule struct {
	ln   net.Listener
	port int
	cert atomic.Value // tls.Certificate

	mtx    sync.Mutex
	routes map[string]string
	wg     sync.WaitGroup
}

func startCapsule(t *testing.T, routes map[string]string) *capsule {
	t.Helper()

	c := &capsule{routes: routes}
	cert, _ := factory.ServerCertificate()
	c.cert.Store(cert)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert := c.cert.Load().(tls.Certificate)
			return &cert, nil
		},
		NextProtos:             []string{"gemini"},
		ClientAuth:             tls.RequestClientCert,
		SessionTicketsDisabled: true,
	})
	require.NoError(t, err)
	c.ln = ln
	c.port = ln.Addr().(*net.TCPAddr).Port

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			c.wg.Add(1)
			go c.handle(conn)
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		c.wg.Wait()
	})
	return c
}

func (c *capsule) handle(conn net.Conn) {
	defer c.wg.Done()
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	resp := "51 not found\r\n"
	if u, err := url.Parse(strings.TrimSuffix(line, "\r\n")); err == nil {
		c.mtx.Lock()
		if r, ok := c.routes[u.Path]; ok {
			resp = r
		}
		c.mtx.Unlock()
		if u.Path == whoamiPath {
			resp = whoami(conn)
		}
	}
	_, _ = io.WriteString(conn, resp)
}

// whoamiPath answers with the common name of the client certificate, or
// asks for one.
const whoamiPath = "/whoami"

func whoami(conn net.Conn) string {
	tc, ok := conn.(*tls.Conn)
	if !ok {
		return "59 not tls\r\n"
	}
	certs := tc.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return "60 certificate please\r\n"
	}
	return "20 text/plain\r\n" + certs[0].Subject.CommonName + "\n"
}

func (c *capsule) rotateCertificate() {
	cert, _ := factory.ServerCertificate()
	c.cert.Store(cert)
}

func (c *capsule) url(path string) string {
	return fmt.Sprintf("gemini://127.0.0.1:%d%s", c.port, path)
}

// cliHarness runs commands against one in-memory database and key store.
type cliHarness struct {
	t    *testing.T
	home string
	db   dbm.DB
	keys *keystore.MemKeyStore
	in   io.Reader
}

func newHarness(t *testing.T) *cliHarness {
	t.Helper()

	h := &cliHarness{
		t:    t,
		home: t.TempDir(),
		db:   dbm.NewMemDB(),
		keys: keystore.NewMemKeyStore(),
	}

	oldDB, oldKeys := DBProvider, KeyStoreProvider
	DBProvider = func(*config.DBContext) (dbm.DB, error) { return h.db, nil }
	KeyStoreProvider = func(*config.Config) (identity.KeyStore, error) { return h.keys, nil }
	t.Cleanup(func() {
		DBProvider, KeyStoreProvider = oldDB, oldKeys
		viper.Reset()
	})
	return h
}

func (h *cliHarness) rootCmd(conf *config.Config) *cobra.Command {
	logger := log.NewNopLogger()
	cmd := RootCommand(conf, logger)
	cmd.AddCommand(
		MakeInitCommand(conf, logger),
		MakeFetchCommand(conf, logger),
		MakeBrowseCommand(conf, logger),
		MakeIdentityCommand(conf, logger),
		MakeTrustCommand(conf, logger),
		MakeHistoryCommand(conf, logger),
		MakeBookmarkCommand(conf, logger),
		VersionCmd,
	)
	return cmd
}

// run executes args and returns what the command printed.
func (h *cliHarness) run(args ...string) (string, error) {
	h.t.Helper()
	viper.Reset()

	conf := config.TestConfig()
	cmd := h.rootCmd(conf)

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	if h.in != nil {
		cmd.SetIn(h.in)
	}
	cmd.SetArgs(append(args, "--home", h.home, "--log_level", "error"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func (h *cliHarness) mustRun(args ...string) string {
	h.t.Helper()
	out, err := h.run(args...)
	require.NoError(h.t, err, out)
	return out
}
