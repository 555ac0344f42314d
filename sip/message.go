package sip

import (
	"strings"
)

// RequestMethod is a SIP method token.
type RequestMethod string

const (
	REGISTER  RequestMethod = "REGISTER"
	INVITE    RequestMethod = "INVITE"
	ACK       RequestMethod = "ACK"
	CANCEL    RequestMethod = "CANCEL"
	BYE       RequestMethod = "BYE"
	OPTIONS   RequestMethod = "OPTIONS"
	MESSAGE   RequestMethod = "MESSAGE"
	SUBSCRIBE RequestMethod = "SUBSCRIBE"
	NOTIFY    RequestMethod = "NOTIFY"
	REFER     RequestMethod = "REFER"
	INFO      RequestMethod = "INFO"
	PRACK     RequestMethod = "PRACK"
	UPDATE    RequestMethod = "UPDATE"
	PUBLISH   RequestMethod = "PUBLISH"
)

// StatusCode is a SIP response status-code.
type StatusCode int

// Message is the common surface of Request and Response: header access,
// serialization, and the body/transport/source/destination bookkeeping the
// transport and routing layers attach after parsing.
type Message interface {
	StartLine() string
	StartLineWrite(b *strings.Builder)
	String() string
	StringWrite(b *strings.Builder)
	Short() string

	Headers() []Header
	GetHeaders(name string) []Header
	GetHeader(name string) Header
	AppendHeader(h Header)
	PrependHeader(h Header)
	RemoveHeader(name string)
	ReplaceHeader(h Header)
	CloneHeaders() []Header

	CallID() string
	Via() *ViaHeader
	From() *FromHeader
	To() *ToHeader
	CSeq() *CSeqHeader
	Contact() *ContactHeader
	Route() *RouteHeader
	RecordRoute() *RecordRouteHeader
	ContentLength() ContentLengthHeader
	ContentType() ContentTypeHeader

	Body() []byte
	SetBody(body []byte)

	Transport() string
	SetTransport(tp string)

	Source() Addr
	SetSource(a Addr)

	Destination() Addr
	SetDestination(a Addr)
}

// MessageData is the shared storage embedded by Request and Response.
type MessageData struct {
	headers
	SipVersion string

	body []byte
	tp   string
	src  Addr
	dest Addr
}

func (m *MessageData) Body() []byte      { return m.body }
func (m *MessageData) SetBody(b []byte)  { m.body = b }
func (m *MessageData) Transport() string { return m.tp }
func (m *MessageData) SetTransport(tp string) { m.tp = tp }
func (m *MessageData) Source() Addr      { return m.src }
func (m *MessageData) SetSource(a Addr)  { m.src = a }
func (m *MessageData) Destination() Addr { return m.dest }
func (m *MessageData) SetDestination(a Addr) { m.dest = a }

// writeHeadersAndBody renders the header block in the stable wire order
// (Via, Record-Route, Route, From, To, Call-ID, CSeq, Max-Forwards,
// Contact, everything else, Content-Length) followed by a blank line and
// the body. Content-Length is always recomputed from the actual body.
func (m *MessageData) writeHeadersAndBody(b *strings.Builder) {
	ordered := orderHeadersForWire(m.headerOrder)
	for _, h := range ordered {
		if _, isCL := h.(ContentLengthHeader); isCL {
			continue
		}
		h.StringWrite(b)
		b.WriteString("\r\n")
	}
	cl := ContentLengthHeader(len(m.body))
	cl.StringWrite(b)
	b.WriteString("\r\n\r\n")
	b.Write(m.body)
}

var wireOrder = []string{
	"Via", "Record-Route", "Route", "From", "To", "Call-ID", "CSeq", "Max-Forwards", "Contact",
}

// orderHeadersForWire returns headerOrder rearranged so the families in
// wireOrder come first, in that order, each family preserving its own
// internal relative order; everything else follows in original order, then
// Content-Length last (handled separately by the caller).
func orderHeadersForWire(in []Header) []Header {
	buckets := make(map[string][]Header, len(wireOrder))
	var rest []Header
	for _, h := range in {
		canon := headerToCanonical(h.Name())
		matched := false
		for _, w := range wireOrder {
			if canon == w {
				buckets[w] = append(buckets[w], h)
				matched = true
				break
			}
		}
		if !matched && canon != "Content-Length" {
			rest = append(rest, h)
		}
	}
	out := make([]Header, 0, len(in))
	for _, w := range wireOrder {
		out = append(out, buckets[w]...)
	}
	out = append(out, rest...)
	return out
}

// MessageShortString renders a one-line summary suitable for log lines.
func MessageShortString(m Message) string {
	return m.Short()
}
