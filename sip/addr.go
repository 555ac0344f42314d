package sip

import (
	"net"
	"strconv"
	"strings"
)

// Addr is a UDP peer endpoint: the unit the transport layer hands to the
// dispatch function as a datagram's source, and that routing decisions use
// as a forwarding destination.
type Addr struct {
	IP   net.IP
	Port int
}

func (a Addr) String() string {
	if a.IP == nil {
		return ""
	}
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
}

// IsZero reports whether the address carries no IP.
func (a Addr) IsZero() bool {
	return a.IP == nil
}

// ParseAddr splits "host:port" into its parts. host may be a literal IP or
// a name; callers that need an IP resolve separately.
func ParseAddr(addr string) (host string, port int, err error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err = strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

// AddrFromUDP converts a resolved net.UDPAddr.
func AddrFromUDP(u *net.UDPAddr) Addr {
	return Addr{IP: u.IP, Port: u.Port}
}

// UDPAddr converts back for use with net.PacketConn.WriteTo.
func (a Addr) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP, Port: a.Port}
}

// splitHostPort is a permissive helper used by the parser/headers code for
// sent-by parsing (Via host[:port]), which may legally omit the port.
func splitHostPort(s string) (string, int) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return s, 0
	}
	if strings.Contains(s[i+1:], ":") {
		return s, 0 // IPv6 literal without brackets; treat whole thing as host
	}
	port, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return s, 0
	}
	return s[:i], port
}
