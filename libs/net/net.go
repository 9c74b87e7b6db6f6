// Package net holds host and address helpers shared by the trust store, the
// identity matcher and the transport.
package net

import (
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// DefaultPort is the Gemini port used when a URL carries none.
const DefaultPort = 1965

var lookup = idna.Lookup

// NormalizeHost lower-cases host, strips IPv6 brackets and a trailing dot and
// converts internationalized names to their ASCII form. Hosts that fail IDNA
// conversion are returned lower-cased.
func NormalizeHost(host string) string {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	host = strings.TrimSuffix(host, ".")
	if IsIP(host) {
		return strings.ToLower(host)
	}
	ascii, err := lookup.ToASCII(host)
	if err != nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(ascii)
}

// IsIP reports whether host is a literal IPv4 or IPv6 address.
func IsIP(host string) bool {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	return net.ParseIP(host) != nil
}

// PortOrDefault returns port, or DefaultPort when port is not positive.
func PortOrDefault(port int) int {
	if port <= 0 {
		return DefaultPort
	}
	return port
}

// SplitPort parses a URL port string, returning DefaultPort when it is empty.
func SplitPort(port string) (int, error) {
	if port == "" {
		return DefaultPort, nil
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return 0, &net.AddrError{Err: "invalid port", Addr: port}
	}
	return n, nil
}

// Address joins host and port for dialing.
func Address(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(PortOrDefault(port)))
}
