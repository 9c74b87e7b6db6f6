// Package store defines persistence for pinned server certificates.
package store

import (
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	gcnet "github.com/gemcap/gemcap/libs/net"
)

// ErrNotFound is returned when no record exists for a host and port.
var ErrNotFound = errors.New("trust record not found")

// TrustRecord pins the public key of the certificate last accepted for
// host:port.
type TrustRecord struct {
	Host string
	Port int
	// Fingerprint is the lower-case hex SHA-256 of the certificate's
	// SubjectPublicKeyInfo.
	Fingerprint string
	// Expiry is the NotAfter of the pinned certificate.
	Expiry time.Time
}

// Key returns the persisted key for the record.
func (r TrustRecord) Key() string {
	return Key(r.Host, r.Port)
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (r TrustRecord) MarshalZerologObject(e *zerolog.Event) {
	e.Str("host", r.Host)
	e.Int("port", r.Port)
	e.Str("fingerprint", r.Fingerprint)
	e.Time("expiry", r.Expiry)
}

// Key builds the "<host>;<port>" key used for persisted records. The host is
// normalized and the port defaults to 1965.
func Key(host string, port int) string {
	return gcnet.NormalizeHost(host) + ";" + strconv.Itoa(gcnet.PortOrDefault(port))
}

// Store is anything that can persistently store trust records.
type Store interface {
	// Get returns the record for host:port.
	//
	// If there is none, ErrNotFound is returned.
	Get(host string, port int) (TrustRecord, error)

	// Save creates or overwrites the record for r.Host:r.Port.
	Save(r TrustRecord) error

	// List returns every record ordered by key.
	List() ([]TrustRecord, error)
}
