package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerCertificate(t *testing.T) {
	tc, cert := ServerCertificate("example.org")
	require.Len(t, tc.Certificate, 1)
	assert.Equal(t, cert.Raw, tc.Certificate[0])
	assert.NoError(t, cert.VerifyHostname("localhost"))
	assert.NoError(t, cert.VerifyHostname("example.org"))
	assert.NoError(t, cert.VerifyHostname("127.0.0.1"))
}

func TestClientCertificate(t *testing.T) {
	cert := Certificate(Key(), CertParams{CommonName: "alice", ClientAuth: true, Serial: 7})
	assert.Equal(t, "alice", cert.Subject.CommonName)
	assert.EqualValues(t, 7, cert.SerialNumber.Int64())
}
