package tofu

import (
	"fmt"
	"strings"
	"time"
)

// Outcome is the result of verifying a server certificate. The set of
// variants is closed: Trusted, FirstUse, CertificateChanged, DomainMismatch,
// Expired and NotYetValid.
type Outcome interface {
	fmt.Stringer
	isOutcome()
}

// Trusted means the pinned key matched, or an authorized rotation replaced it.
type Trusted struct {
	Fingerprint string
}

// FirstUse means host:port had no record and one was created.
type FirstUse struct {
	Fingerprint string
	Expiry      time.Time
}

// CertificateChanged means the presented key differs from the pinned one.
//
// When WasExpired is true the old pin had already expired; the record has
// been overwritten and the connection may proceed. Otherwise the record is
// unchanged and the user has to decide.
type CertificateChanged struct {
	Host           string
	Port           int
	OldFingerprint string
	NewFingerprint string
	OldExpiry      time.Time
	NewExpiry      time.Time
	WasExpired     bool
	CATrusted      bool
}

// DomainMismatch means the certificate does not name the requested host.
type DomainMismatch struct {
	Host        string
	CertDomains []string
}

// Expired means the presented certificate is past its NotAfter.
type Expired struct {
	Host      string
	ExpiredAt time.Time
}

// NotYetValid means the presented certificate is before its NotBefore.
type NotYetValid struct {
	Host      string
	NotBefore time.Time
}

func (Trusted) isOutcome()            {}
func (FirstUse) isOutcome()           {}
func (CertificateChanged) isOutcome() {}
func (DomainMismatch) isOutcome()     {}
func (Expired) isOutcome()            {}
func (NotYetValid) isOutcome()        {}

func (o Trusted) String() string { return fmt.Sprintf("Trusted{%s}", o.Fingerprint) }

func (o FirstUse) String() string {
	return fmt.Sprintf("FirstUse{%s expires %v}", o.Fingerprint, o.Expiry)
}

func (o CertificateChanged) String() string {
	return fmt.Sprintf("CertificateChanged{%s:%d %s -> %s expired:%v ca:%v}",
		o.Host, o.Port, o.OldFingerprint, o.NewFingerprint, o.WasExpired, o.CATrusted)
}

func (o DomainMismatch) String() string {
	return fmt.Sprintf("DomainMismatch{%s not in [%s]}", o.Host, strings.Join(o.CertDomains, ", "))
}

func (o Expired) String() string {
	return fmt.Sprintf("Expired{%s at %v}", o.Host, o.ExpiredAt)
}

func (o NotYetValid) String() string {
	return fmt.Sprintf("NotYetValid{%s before %v}", o.Host, o.NotBefore)
}

// Accepting reports whether a connection with outcome o may proceed to send
// a request.
func Accepting(o Outcome) bool {
	switch o := o.(type) {
	case Trusted, FirstUse:
		return true
	case CertificateChanged:
		return o.WasExpired
	default:
		return false
	}
}

// Label returns a short, stable name for o, suitable as a metric label.
func Label(o Outcome) string {
	switch o.(type) {
	case Trusted:
		return "trusted"
	case FirstUse:
		return "first_use"
	case CertificateChanged:
		return "certificate_changed"
	case DomainMismatch:
		return "domain_mismatch"
	case Expired:
		return "expired"
	case NotYetValid:
		return "not_yet_valid"
	default:
		return "unknown"
	}
}
