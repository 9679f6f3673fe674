package security

import (
	"fmt"
	"net"
	"strconv"
)

// ParseHostPort splits and validates an "ip:port" peer address. The host
// must be a literal IP (peers exchange raw addresses, never hostnames) and
// the port must be in the usable TCP range.
func ParseHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	if net.ParseIP(host) == nil {
		return "", 0, fmt.Errorf("%w: host %q is not an IP", ErrBadAddress, host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || !ValidPort(port) {
		return "", 0, fmt.Errorf("%w: port %q out of range", ErrBadAddress, portStr)
	}
	return host, port, nil
}

// ValidPort reports whether p is a usable TCP port.
func ValidPort(p int) bool {
	return p >= 1 && p <= 65535
}

// HostOf returns the host half of a remote address string, or "" when the
// address cannot be split. Used to compare a connection's source IP
// against a client-reported endpoint.
func HostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	return host
}
