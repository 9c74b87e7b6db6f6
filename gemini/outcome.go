package gemini

import (
	"crypto/x509"
	"fmt"
	"time"

	"github.com/gemcap/gemcap/backoff"
	"github.com/gemcap/gemcap/identity"
	"github.com/gemcap/gemcap/tofu"
)

// Outcome is the result of a fetch that reached a decision point. The set of
// variants is closed; transport and protocol failures are returned as errors
// instead.
type Outcome interface {
	fmt.Stringer
	isOutcome()
}

// Success is a 2x response.
type Success struct {
	Response   *Response
	URL        string
	ServerCert *x509.Certificate
	// TrustNotice is set when the server's key changed after the old pin had
	// expired. The new key has already been pinned.
	TrustNotice *tofu.CertificateChanged
}

// InputRequired is a 1x response.
type InputRequired struct {
	URL       string
	Prompt    string
	Sensitive bool
}

// SlowDown is a 44 response. The backoff state has been recorded.
type SlowDown struct {
	URL   string
	Meta  string
	State backoff.State
}

// ServerError is a 4x (other than 44), 5x or unrecognized response.
type ServerError struct {
	URL       string
	Status    int
	Meta      string
	Temporary bool
	Retryable bool
}

// CertificateRequired is a 6x response.
type CertificateRequired struct {
	Status int
	Meta   string
	URL    string
	Host   string
	Path   string
	// Matching lists identities whose scopes cover Host and Path, most
	// specific first.
	Matching []identity.Identity
}

// TofuWarning means the server's key changed while the old pin was still
// valid. No request was sent.
type TofuWarning struct {
	Host           string
	Port           int
	OldFingerprint string
	NewFingerprint string
	NewExpiry      time.Time
	WasExpired     bool
	CATrusted      bool
	PendingURL     string
}

// TofuDomainMismatch means the server certificate does not name the host.
// No request was sent.
type TofuDomainMismatch struct {
	Host        string
	Port        int
	CertDomains []string
	PendingURL  string
}

// TofuExpired means the server certificate has expired. No request was sent.
type TofuExpired struct {
	Host       string
	ExpiredAt  time.Time
	PendingURL string
}

// TofuNotYetValid means the server certificate is not valid yet. No request
// was sent.
type TofuNotYetValid struct {
	Host       string
	NotBefore  time.Time
	PendingURL string
}

func (Success) isOutcome()             {}
func (InputRequired) isOutcome()       {}
func (SlowDown) isOutcome()            {}
func (ServerError) isOutcome()         {}
func (CertificateRequired) isOutcome() {}
func (TofuWarning) isOutcome()         {}
func (TofuDomainMismatch) isOutcome()  {}
func (TofuExpired) isOutcome()         {}
func (TofuNotYetValid) isOutcome()     {}

func (o Success) String() string {
	return fmt.Sprintf("Success{%s %s %d bytes}", o.URL, o.Response.Meta, len(o.Response.Body))
}

func (o InputRequired) String() string {
	return fmt.Sprintf("InputRequired{%s %q sensitive:%v}", o.URL, o.Prompt, o.Sensitive)
}

func (o SlowDown) String() string {
	return fmt.Sprintf("SlowDown{%s retry at %v}", o.URL, o.State.RetryAt)
}

func (o ServerError) String() string {
	return fmt.Sprintf("ServerError{%s %d %s}", o.URL, o.Status, o.Meta)
}

func (o CertificateRequired) String() string {
	return fmt.Sprintf("CertificateRequired{%s %d %s, %d matching}", o.URL, o.Status, o.Meta, len(o.Matching))
}

func (o TofuWarning) String() string {
	return fmt.Sprintf("TofuWarning{%s:%d %s -> %s}", o.Host, o.Port, o.OldFingerprint, o.NewFingerprint)
}

func (o TofuDomainMismatch) String() string {
	return fmt.Sprintf("TofuDomainMismatch{%s %v}", o.Host, o.CertDomains)
}

func (o TofuExpired) String() string {
	return fmt.Sprintf("TofuExpired{%s at %v}", o.Host, o.ExpiredAt)
}

func (o TofuNotYetValid) String() string {
	return fmt.Sprintf("TofuNotYetValid{%s before %v}", o.Host, o.NotBefore)
}

// Title returns a short heading for a 6x status.
func (o CertificateRequired) Title() string {
	if ClassOf(o.Status) == ClassClientCertificate {
		if text := StatusText(o.Status); text != "" {
			return text
		}
	}
	return "Certificate Error"
}

// CanSelectExisting reports whether the user may pick one of Matching.
func (o CertificateRequired) CanSelectExisting() bool {
	return len(o.Matching) > 0 && o.Status == StatusCertificateRequired
}

// CanGenerateNew reports whether generating a fresh identity can help.
func (o CertificateRequired) CanGenerateNew() bool {
	return o.Status == StatusCertificateRequired
}

// trustOutcome converts a rejecting tofu outcome for rawURL into a fetch
// outcome.
func trustOutcome(o tofu.Outcome, port int, rawURL string) Outcome {
	switch o := o.(type) {
	case tofu.CertificateChanged:
		return TofuWarning{
			Host:           o.Host,
			Port:           o.Port,
			OldFingerprint: o.OldFingerprint,
			NewFingerprint: o.NewFingerprint,
			NewExpiry:      o.NewExpiry,
			WasExpired:     o.WasExpired,
			CATrusted:      o.CATrusted,
			PendingURL:     rawURL,
		}
	case tofu.DomainMismatch:
		return TofuDomainMismatch{Host: o.Host, Port: port, CertDomains: o.CertDomains, PendingURL: rawURL}
	case tofu.Expired:
		return TofuExpired{Host: o.Host, ExpiredAt: o.ExpiredAt, PendingURL: rawURL}
	case tofu.NotYetValid:
		return TofuNotYetValid{Host: o.Host, NotBefore: o.NotBefore, PendingURL: rawURL}
	default:
		panic(fmt.Sprintf("unexpected rejecting trust outcome %T", o))
	}
}
