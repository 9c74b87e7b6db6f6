// Package identity manages client certificates ("identities") and decides
// which one to present for a given host and path.
package identity

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	gcnet "github.com/gemcap/gemcap/libs/net"
)

// ScopeType says how much of a host a UsageScope covers.
type ScopeType int

const (
	// Domain covers every path on the host.
	Domain ScopeType = iota
	// Directory covers a path prefix.
	Directory
	// Page covers a single path.
	Page
)

func (t ScopeType) String() string {
	switch t {
	case Domain:
		return "domain"
	case Directory:
		return "directory"
	case Page:
		return "page"
	default:
		return fmt.Sprintf("ScopeType(%d)", int(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t ScopeType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ScopeType) UnmarshalText(text []byte) error {
	st, err := ParseScopeType(string(text))
	if err != nil {
		return err
	}
	*t = st
	return nil
}

// ParseScopeType parses "domain", "directory" or "page" (case-insensitive).
func ParseScopeType(s string) (ScopeType, error) {
	switch strings.ToLower(s) {
	case "domain":
		return Domain, nil
	case "directory", "dir":
		return Directory, nil
	case "page":
		return Page, nil
	default:
		return 0, fmt.Errorf("unknown scope type %q", s)
	}
}

// UsageScope is a place where an identity is presented.
type UsageScope struct {
	Host string    `json:"host" yaml:"host"`
	Type ScopeType `json:"type" yaml:"type"`
	// Path is ignored for Domain scopes.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Matches reports whether the scope covers host and path.
func (s UsageScope) Matches(host, path string) bool {
	if gcnet.NormalizeHost(s.Host) != gcnet.NormalizeHost(host) {
		return false
	}
	switch s.Type {
	case Domain:
		return true
	case Directory:
		return strings.HasPrefix(path, s.Path) || path == strings.TrimRight(s.Path, "/")
	case Page:
		return path == s.Path
	default:
		return false
	}
}

// Specificity ranks scopes; more specific scopes score higher.
func (s UsageScope) Specificity() int {
	switch s.Type {
	case Page:
		return 1000 + len(s.Path)
	case Directory:
		return 500 + len(s.Path)
	default:
		return 1
	}
}

// sameTarget reports whether s and o address the same host and path.
func (s UsageScope) sameTarget(o UsageScope) bool {
	return gcnet.NormalizeHost(s.Host) == gcnet.NormalizeHost(o.Host) && s.Path == o.Path
}

func (s UsageScope) equal(o UsageScope) bool {
	return s.sameTarget(o) && s.Type == o.Type
}

func (s UsageScope) String() string {
	if s.Type == Domain {
		return s.Host
	}
	return s.Host + s.Path
}

// Identity is the metadata of a client certificate. The private key and the
// certificate chain live in a KeyStore under Alias.
type Identity struct {
	Alias        string       `json:"alias" yaml:"alias"`
	CommonName   string       `json:"common_name" yaml:"common_name"`
	Email        string       `json:"email,omitempty" yaml:"email,omitempty"`
	Organization string       `json:"organization,omitempty" yaml:"organization,omitempty"`
	Usages       []UsageScope `json:"usages" yaml:"usages"`
	// Fingerprint is the SHA-256 of the whole certificate, upper-case hex
	// separated by colons.
	Fingerprint string    `json:"fingerprint" yaml:"fingerprint"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
	ExpiresAt   time.Time `json:"expires_at" yaml:"expires_at"`
	Active      bool      `json:"active" yaml:"active"`
}

// IsExpired reports whether now is past ExpiresAt.
func (id Identity) IsExpired(now time.Time) bool {
	return now.After(id.ExpiresAt)
}

// BestScope returns the most specific scope matching host and path. It
// returns false when the identity is inactive, expired or has no matching
// scope.
func (id Identity) BestScope(host, path string, now time.Time) (UsageScope, bool) {
	if !id.Active || id.IsExpired(now) {
		return UsageScope{}, false
	}
	var (
		best  UsageScope
		found bool
	)
	for _, s := range id.Usages {
		if !s.Matches(host, path) {
			continue
		}
		if !found || s.Specificity() > best.Specificity() {
			best, found = s, true
		}
	}
	return best, found
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (id Identity) MarshalZerologObject(e *zerolog.Event) {
	e.Str("alias", id.Alias)
	e.Str("cn", id.CommonName)
	e.Str("fingerprint", id.Fingerprint)
	e.Bool("active", id.Active)
	e.Int("usages", len(id.Usages))
}
