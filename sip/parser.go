package sip

import (
	"strconv"
	"strings"
)

// ParseMessage parses a single UDP datagram payload into a Request or
// Response. It tolerates bare-LF line endings in addition to CRLF, and
// accepts compact header forms, normalizing both to canonical form.
func ParseMessage(data []byte) (Message, error) {
	text := string(data)

	startLine, _, ok := splitLine(text, 0)
	if !ok {
		return nil, ErrParseLineNoCRLF
	}

	msg, err := parseStartLine(startLine)
	if err != nil {
		return nil, err
	}

	return parseFromCursor(text, msg)
}

func splitLine(text string, _ int) (line, rest string, ok bool) {
	if i := strings.Index(text, "\r\n"); i >= 0 {
		return text[:i], text[i+2:], true
	}
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i], text[i+1:], true
	}
	return "", "", false
}

func parseStartLine(line string) (Message, error) {
	if strings.HasPrefix(line, "SIP/2.0") {
		return parseStatusLine(line)
	}
	return parseRequestLine(line)
}

func parseRequestLine(line string) (*Request, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, &ParseError{Reason: "malformed request line: " + line}
	}
	method := RequestMethod(strings.ToUpper(parts[0]))
	uri, err := ParseUri(parts[1])
	if err != nil {
		return nil, err
	}
	if uri.Wildcard {
		return nil, &ParseError{Reason: "request-uri may not be the wildcard '*'"}
	}
	if parts[2] != "SIP/2.0" {
		return nil, &ParseError{Reason: "unsupported sip-version: " + parts[2]}
	}
	req := NewRequest(method, uri)
	return req, nil
}

func parseStatusLine(line string) (*Response, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, &ParseError{Reason: "malformed status line: " + line}
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, &ParseError{Reason: "non-numeric status code: " + parts[1]}
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	return NewResponse(code, reason), nil
}

// parseFromCursor re-scans text from the top (start line again, discarded)
// so that header and body boundaries are computed from one consistent
// cursor instead of two independently-computed ones.
func parseFromCursor(text string, msg Message) (Message, error) {
	_, rest, ok := splitLine(text, 0)
	if !ok {
		return nil, ErrParseLineNoCRLF
	}

	for {
		line, next, ok := splitLine(rest, 0)
		if !ok {
			return nil, &ParseError{Reason: "message has no blank line terminating the header block"}
		}
		if line == "" {
			rest = next
			break
		}
		// RFC 3261 header folding: a continuation line begins with SP/TAB.
		for len(next) > 0 && (next[0] == ' ' || next[0] == '\t') {
			var cont string
			cont, next, ok = splitLine(next, 0)
			if !ok {
				return nil, ErrParseLineNoCRLF
			}
			line = line + " " + strings.TrimSpace(cont)
		}
		if err := parseHeaderLine(msg, line); err != nil {
			return nil, err
		}
		rest = next
	}

	if req, isReq := msg.(*Request); isReq {
		if err := validateRequiredRequestHeaders(req); err != nil {
			return nil, err
		}
	}

	cl := int(msg.ContentLength())
	if cl > len(rest) {
		cl = len(rest)
	}
	if cl > 0 {
		msg.SetBody([]byte(rest[:cl]))
	}
	return msg, nil
}

func validateRequiredRequestHeaders(req *Request) error {
	if req.CallID() == "" {
		return &ParseError{Reason: "request missing Call-ID"}
	}
	if req.From() == nil {
		return &ParseError{Reason: "request missing From"}
	}
	if req.To() == nil {
		return &ParseError{Reason: "request missing To"}
	}
	if req.CSeq() == nil {
		return &ParseError{Reason: "request missing CSeq"}
	}
	if req.Via() == nil {
		return &ParseError{Reason: "request missing Via"}
	}
	return nil
}

// parseHeaderLine parses one unfolded "Name: value[, value...]" line and
// appends the resulting header(s) to msg, expanding comma-separated
// repetitions of Via/Route/Record-Route/Contact. A repeated field line is
// appended as a separate header entry, not linked onto an earlier one.
func parseHeaderLine(msg Message, line string) error {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return &ParseError{Reason: "malformed header line: " + line}
	}
	name := headerToCanonical(strings.TrimSpace(line[:i]))
	value := strings.TrimSpace(line[i+1:])

	switch name {
	case "Via":
		vias, err := parseViaValue(value)
		if err != nil {
			return err
		}
		msg.AppendHeader(vias)
	case "Route":
		r, err := parseRouteValue(value)
		if err != nil {
			return err
		}
		msg.AppendHeader(r)
	case "Record-Route":
		rr, err := parseRecordRouteValue(value)
		if err != nil {
			return err
		}
		msg.AppendHeader(rr)
	case "Contact":
		if strings.TrimSpace(value) == "*" {
			msg.AppendHeader(&ContactHeader{Address: Uri{Wildcard: true}})
			return nil
		}
		for _, one := range splitTopLevelComma(value) {
			c, err := parseContactValue(one)
			if err != nil {
				return err
			}
			msg.AppendHeader(c)
		}
	case "From":
		f, err := parseFromValue(value)
		if err != nil {
			return err
		}
		msg.AppendHeader(f)
	case "To":
		t, err := parseToValue(value)
		if err != nil {
			return err
		}
		msg.AppendHeader(t)
	case "Call-ID":
		msg.AppendHeader(CallIDHeader(value))
	case "CSeq":
		parts := strings.SplitN(value, " ", 2)
		if len(parts) != 2 {
			return &ParseError{Reason: "malformed CSeq: " + value}
		}
		n, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			return &ParseError{Reason: "non-numeric CSeq: " + value}
		}
		msg.AppendHeader(&CSeqHeader{SeqNo: uint32(n), Method: RequestMethod(strings.ToUpper(parts[1]))})
	case "Max-Forwards":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return &ParseError{Reason: "non-numeric Max-Forwards: " + value}
		}
		msg.AppendHeader(MaxForwardsHeader(n))
	case "Expires":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return &ParseError{Reason: "non-numeric Expires: " + value}
		}
		msg.AppendHeader(ExpiresHeader(n))
	case "Content-Length":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return &ParseError{Reason: "non-numeric Content-Length: " + value}
		}
		msg.AppendHeader(ContentLengthHeader(n))
	case "Content-Type":
		msg.AppendHeader(ContentTypeHeader(value))
	default:
		msg.AppendHeader(NewHeader(name, value))
	}
	return nil
}

// splitTopLevelComma splits on commas that are not inside a quoted string
// or angle-bracket name-addr, used for Contact lists (Via/Route/
// Record-Route have their own dedicated splitters below since they chain
// into linked structures rather than independent header instances).
func splitTopLevelComma(s string) []string {
	var out []string
	depthAngle, inQuote := 0, false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case '<':
			if !inQuote {
				depthAngle++
			}
		case '>':
			if !inQuote && depthAngle > 0 {
				depthAngle--
			}
		case ',':
			if !inQuote && depthAngle == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	out = append(out, strings.TrimSpace(s[start:]))
	return out
}

func parseNameAddr(s string) (displayName string, uri Uri, params HeaderParams, err error) {
	s = strings.TrimSpace(s)
	params = NewParams()
	if i := strings.IndexByte(s, '<'); i >= 0 {
		displayName = strings.Trim(strings.TrimSpace(s[:i]), "\"")
		j := strings.IndexByte(s[i:], '>')
		if j < 0 {
			return "", Uri{}, nil, &ParseError{Reason: "unterminated name-addr: " + s}
		}
		uriStr := s[i+1 : i+j]
		uri, err = ParseUri(uriStr)
		if err != nil {
			return "", Uri{}, nil, err
		}
		paramStr := strings.TrimSpace(s[i+j+1:])
		paramStr = strings.TrimPrefix(paramStr, ";")
		if paramStr != "" {
			params, err = parseParamString(paramStr, ';')
			if err != nil {
				return "", Uri{}, nil, err
			}
		}
		return displayName, uri, params, nil
	}
	// Bare URI with no angle brackets (legal for From/To/Contact, though
	// rare for To/From outside torture tests); params trail the URI using
	// the same ';' delimiter, already consumed by ParseUri as UriParams.
	uri, err = ParseUri(s)
	if err != nil {
		return "", Uri{}, nil, err
	}
	return "", uri, params, nil
}

func parseFromValue(value string) (*FromHeader, error) {
	name, uri, params, err := parseNameAddr(value)
	if err != nil {
		return nil, err
	}
	return &FromHeader{DisplayName: name, Address: uri, Params: params}, nil
}

func parseToValue(value string) (*ToHeader, error) {
	name, uri, params, err := parseNameAddr(value)
	if err != nil {
		return nil, err
	}
	return &ToHeader{DisplayName: name, Address: uri, Params: params}, nil
}

func parseContactValue(value string) (*ContactHeader, error) {
	name, uri, params, err := parseNameAddr(value)
	if err != nil {
		return nil, err
	}
	return &ContactHeader{DisplayName: name, Address: uri, Params: params}, nil
}

func parseRouteValue(value string) (*RouteHeader, error) {
	var head, tail *RouteHeader
	for _, one := range splitTopLevelComma(value) {
		_, uri, params, err := parseNameAddr(one)
		if err != nil {
			return nil, err
		}
		r := &RouteHeader{Address: uri, Params: params}
		if head == nil {
			head = r
		} else {
			tail.Next = r
		}
		tail = r
	}
	return head, nil
}

func parseRecordRouteValue(value string) (*RecordRouteHeader, error) {
	var head, tail *RecordRouteHeader
	for _, one := range splitTopLevelComma(value) {
		_, uri, params, err := parseNameAddr(one)
		if err != nil {
			return nil, err
		}
		rr := &RecordRouteHeader{Address: uri, Params: params}
		if head == nil {
			head = rr
		} else {
			tail.Next = rr
		}
		tail = rr
	}
	return head, nil
}

func parseViaValue(value string) (*ViaHeader, error) {
	var head, tail *ViaHeader
	for _, one := range splitTopLevelComma(value) {
		v, err := parseOneVia(one)
		if err != nil {
			return nil, err
		}
		if head == nil {
			head = v
		} else {
			tail.Next = v
		}
		tail = v
	}
	return head, nil
}

func parseOneVia(s string) (*ViaHeader, error) {
	s = strings.TrimSpace(s)
	sp := strings.IndexByte(s, ' ')
	if sp < 0 {
		return nil, &ParseError{Reason: "malformed Via: " + s}
	}
	proto := s[:sp]
	rest := strings.TrimSpace(s[sp+1:])

	protoParts := strings.Split(proto, "/")
	if len(protoParts) != 3 {
		return nil, &ParseError{Reason: "malformed Via protocol: " + proto}
	}

	v := &ViaHeader{ProtocolName: protoParts[0], ProtocolVersion: protoParts[1], Transport: protoParts[2]}

	sentBy := rest
	if i := strings.IndexByte(rest, ';'); i >= 0 {
		sentBy = rest[:i]
		params, err := parseParamString(rest[i+1:], ';')
		if err != nil {
			return nil, err
		}
		v.Params = params
	} else {
		v.Params = NewParams()
	}
	sentBy = strings.TrimSpace(sentBy)
	host, port := splitHostPort(sentBy)
	v.Host = host
	v.Port = port
	return v, nil
}
