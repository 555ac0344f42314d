package sip

import (
	"net"
	"strconv"
)

func atoi(s string) (int, error) {
	return strconv.Atoi(s)
}

// parseIP resolves a Via/Contact host to a net.IP. Hostnames are not
// expected on this proxy's wire traffic (peers are identified by literal
// IP); an unparsable value yields nil, which callers treat as "unknown".
func parseIP(host string) net.IP {
	return net.ParseIP(host)
}
