package sip

import (
	"strconv"
	"strings"
)

// Uri is a parsed SIP or SIPS URI: scheme:user[:password]@host[:port][;params][?headers].
type Uri struct {
	Encrypted bool // sips:
	Wildcard  bool // Contact: *

	User     string
	Password string
	Host     string
	Port     int // 0 means "not specified"; use DefaultPort for wire defaults

	UriParams HeaderParams
	Headers   HeaderParams
}

// DefaultPort returns the default port for a transport. Only UDP is carried
// by this proxy; it is returned unconditionally.
func DefaultPort(_ string) int {
	return 5060
}

// DefaultProtocol is the only transport this proxy forwards over.
const DefaultProtocol = "UDP"

// Clone returns a deep copy.
func (u Uri) Clone() Uri {
	return Uri{
		Encrypted: u.Encrypted,
		Wildcard:  u.Wildcard,
		User:      u.User,
		Password:  u.Password,
		Host:      u.Host,
		Port:      u.Port,
		UriParams: u.UriParams.Clone(),
		Headers:   u.Headers.Clone(),
	}
}

// HostPort returns "host:port", substituting DefaultPort when Port is unset.
func (u Uri) HostPort() string {
	port := u.Port
	if port == 0 {
		port = DefaultPort(DefaultProtocol)
	}
	return u.Host + ":" + strconv.Itoa(port)
}

func (u Uri) String() string {
	var b strings.Builder
	u.StringWrite(&b)
	return b.String()
}

func (u Uri) StringWrite(b *strings.Builder) {
	if u.Wildcard {
		b.WriteByte('*')
		return
	}
	if u.Encrypted {
		b.WriteString("sips:")
	} else {
		b.WriteString("sip:")
	}
	if u.User != "" {
		b.WriteString(u.User)
		if u.Password != "" {
			b.WriteByte(':')
			b.WriteString(u.Password)
		}
		b.WriteByte('@')
	}
	b.WriteString(u.Host)
	if u.Port != 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(u.Port))
	}
	if len(u.UriParams) > 0 {
		b.WriteByte(';')
		b.WriteString(u.UriParams.ToString(';'))
	}
	if len(u.Headers) > 0 {
		b.WriteByte('?')
		b.WriteString(u.Headers.ToString('&'))
	}
}

// IsSIP reports the unencrypted scheme.
func (u Uri) IsSIP() bool {
	return !u.Encrypted
}

// ParseUri parses a bare SIP/SIPS URI (no surrounding "<" ">" or display name).
func ParseUri(s string) (Uri, error) {
	var u Uri
	s = strings.TrimSpace(s)
	if s == "*" {
		u.Wildcard = true
		return u, nil
	}

	rest := s
	switch {
	case strings.HasPrefix(rest, "sips:"):
		u.Encrypted = true
		rest = rest[len("sips:"):]
	case strings.HasPrefix(rest, "sip:"):
		rest = rest[len("sip:"):]
	default:
		return u, &ParseError{Reason: "uri missing sip:/sips: scheme", Offset: 0}
	}

	// Split off ?headers first (headers may contain ';' so do them before params).
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		hdrs, err := parseParamString(rest[i+1:], '&')
		if err != nil {
			return u, err
		}
		u.Headers = hdrs
		rest = rest[:i]
	}

	// Split off ;params, but only those after the host[:port], i.e. after '@' if present.
	atIdx := strings.IndexByte(rest, '@')
	hostPart := rest
	userPart := ""
	if atIdx >= 0 {
		userPart = rest[:atIdx]
		hostPart = rest[atIdx+1:]
	}

	if userPart != "" {
		if i := strings.IndexByte(userPart, ':'); i >= 0 {
			u.User = userPart[:i]
			u.Password = userPart[i+1:]
		} else {
			u.User = userPart
		}
	}

	if i := strings.IndexByte(hostPart, ';'); i >= 0 {
		params, err := parseParamString(hostPart[i+1:], ';')
		if err != nil {
			return u, err
		}
		u.UriParams = params
		hostPart = hostPart[:i]
	}

	if i := strings.LastIndexByte(hostPart, ':'); i >= 0 && !strings.Contains(hostPart[i+1:], ":") {
		port, err := strconv.Atoi(hostPart[i+1:])
		if err != nil {
			return u, &ParseError{Reason: "non-numeric uri port", Offset: 0}
		}
		u.Port = port
		u.Host = hostPart[:i]
	} else {
		u.Host = hostPart
	}

	if u.Host == "" {
		return u, &ParseError{Reason: "uri missing host", Offset: 0}
	}

	return u, nil
}

func parseParamString(s string, sep byte) (HeaderParams, error) {
	params := NewParams()
	if s == "" {
		return params, nil
	}
	for _, part := range strings.Split(s, string(sep)) {
		if part == "" {
			continue
		}
		if i := strings.IndexByte(part, '='); i >= 0 {
			params = params.Add(part[:i], part[i+1:])
		} else {
			params = params.Add(part, "")
		}
	}
	return params, nil
}
