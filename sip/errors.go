package sip

import "fmt"

// ParseError reports a malformed SIP message or URI. Offset is the byte
// position within the input where the problem was detected, best-effort.
type ParseError struct {
	Reason string
	Offset int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("sip: parse error at byte %d: %s", e.Offset, e.Reason)
}

// ErrParseLineNoCRLF is returned when a line is missing its line terminator
// entirely (not even a bare LF).
var ErrParseLineNoCRLF = &ParseError{Reason: "line has no CRLF or LF terminator"}
