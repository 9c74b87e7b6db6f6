package gemini

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gemcap/gemcap/internal/certbind"
	gcnet "github.com/gemcap/gemcap/libs/net"
	"github.com/gemcap/gemcap/tofu"
)

// TrustVerifier decides whether a server certificate is trusted.
// *tofu.Verifier implements it.
type TrustVerifier interface {
	Verify(host string, port int, chain []*x509.Certificate) (tofu.Outcome, error)
}

// dialer opens TLS connections. A connection it returns can only be used to
// send a request after the server certificate has been verified.
type dialer struct {
	binder           *certbind.Binder
	handshakeTimeout time.Duration
	ioTimeout        time.Duration
}

// handshakeConn is a connection whose handshake has completed but whose peer
// is not yet trusted. Its only use is verify.
type handshakeConn struct {
	conn      *tls.Conn
	host      string
	port      int
	ctx       context.Context
	stop      func() bool
	ioTimeout time.Duration
}

// verifiedConn is a connection to a trusted peer.
type verifiedConn struct {
	*handshakeConn
	serverCert *x509.Certificate
}

// dial connects to host:port and completes the TLS handshake presenting the
// identity alias, if any. Cancelling ctx closes the socket at any point until
// the connection is closed.
func (d *dialer) dial(ctx context.Context, host string, port int, alias string) (*handshakeConn, error) {
	hsCtx, cancel := context.WithTimeout(ctx, d.handshakeTimeout)
	defer cancel()

	var nd net.Dialer
	raw, err := nd.DialContext(hsCtx, "tcp", gcnet.Address(host, port))
	if err != nil {
		return nil, connErr(ctx, "dial", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = raw.Close() })

	conn := tls.Client(raw, d.binder.ConfigFor(host, alias))
	if err := conn.HandshakeContext(certbind.WithAlias(hsCtx, alias)); err != nil {
		stop()
		_ = raw.Close()
		return nil, connErr(ctx, "handshake", err)
	}

	return &handshakeConn{
		conn:      conn,
		host:      host,
		port:      port,
		ctx:       ctx,
		stop:      stop,
		ioTimeout: d.ioTimeout,
	}, nil
}

// verify runs the trust verifier over the peer chain. The returned
// verifiedConn is nil unless the outcome is accepting, in which case the
// caller owns it; otherwise the connection has been closed.
func (c *handshakeConn) verify(v TrustVerifier) (*verifiedConn, tofu.Outcome, error) {
	chain := c.conn.ConnectionState().PeerCertificates
	if len(chain) == 0 {
		c.Close()
		return nil, nil, ErrConnection{Op: "handshake", Reason: certbind.ErrNoPeerCertificate}
	}

	out, err := v.Verify(c.host, c.port, chain)
	if err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("verify server certificate: %w", err)
	}
	if !tofu.Accepting(out) {
		c.Close()
		return nil, out, nil
	}
	return &verifiedConn{handshakeConn: c, serverCert: chain[0]}, out, nil
}

// Close closes the connection.
func (c *handshakeConn) Close() error {
	c.stop()
	return c.conn.Close()
}

// roundTrip sends the request line for rawURL and reads the whole response.
func (c *verifiedConn) roundTrip(rawURL string, maxSize int64) (*Response, error) {
	if err := c.conn.SetDeadline(time.Now().Add(c.ioTimeout)); err != nil {
		return nil, connErr(c.ctx, "write", err)
	}
	if _, err := c.conn.Write([]byte(rawURL + "\r\n")); err != nil {
		return nil, connErr(c.ctx, "write", err)
	}

	resp, err := ReadResponse(c.conn, maxSize)
	if err != nil {
		var perr ErrProtocol
		if errors.As(err, &perr) && c.ctx.Err() == nil {
			return nil, err
		}
		return nil, connErr(c.ctx, "read", err)
	}
	return resp, nil
}

// connErr wraps err as ErrConnection unless ctx was cancelled, in which case
// the context error is returned wrapped.
func connErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return ErrConnection{Op: op, Reason: err}
}
