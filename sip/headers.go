package sip

import (
	"strconv"
	"strings"
)

// Header is any SIP header field value capable of rendering itself back to
// wire form. Structured headers (Via, Route, Record-Route, Contact, From,
// To, CSeq, Call-ID, Max-Forwards, Content-Length, Content-Type, Expires)
// implement it directly; anything else falls back to GenericHeader.
type Header interface {
	Name() string
	Value() string
	String() string
	StringWrite(b *strings.Builder)
	headerClone() Header
}

// headerToCanonical expands a compact header form, or matches a long name
// case-insensitively, to its canonical wire name; names it does not know
// are returned unchanged. Header name comparison is case-insensitive; this
// is the single place that decides canonical casing.
func headerToCanonical(name string) string {
	if len(name) == 1 {
		switch name[0] {
		case 'v', 'V':
			return "Via"
		case 'f', 'F':
			return "From"
		case 't', 'T':
			return "To"
		case 'm', 'M':
			return "Contact"
		case 'i', 'I':
			return "Call-ID"
		case 'l', 'L':
			return "Content-Length"
		case 's', 'S':
			return "Subject"
		case 'c', 'C':
			return "Content-Type"
		case 'k', 'K':
			return "Supported"
		}
	}
	switch strings.ToLower(name) {
	case "via":
		return "Via"
	case "from":
		return "From"
	case "to":
		return "To"
	case "contact":
		return "Contact"
	case "call-id":
		return "Call-ID"
	case "content-length":
		return "Content-Length"
	case "content-type":
		return "Content-Type"
	case "cseq":
		return "CSeq"
	case "max-forwards":
		return "Max-Forwards"
	case "route":
		return "Route"
	case "record-route":
		return "Record-Route"
	case "expires":
		return "Expires"
	case "www-authenticate":
		return "WWW-Authenticate"
	case "authorization":
		return "Authorization"
	case "proxy-authenticate":
		return "Proxy-Authenticate"
	case "proxy-authorization":
		return "Proxy-Authorization"
	case "user-agent":
		return "User-Agent"
	case "supported":
		return "Supported"
	}
	return name
}

// GenericHeader is the escape hatch for any header field this package does
// not model structurally.
type GenericHeader struct {
	HeaderName  string
	HeaderValue string
}

// NewHeader builds a GenericHeader. It is the general constructor used when
// a handler wants to append a header this package has no structured type
// for (WWW-Authenticate, User-Agent, and the like).
func NewHeader(name, value string) Header {
	return &GenericHeader{HeaderName: headerToCanonical(name), HeaderValue: value}
}

func (h *GenericHeader) Name() string  { return h.HeaderName }
func (h *GenericHeader) Value() string { return h.HeaderValue }
func (h *GenericHeader) String() string {
	var b strings.Builder
	h.StringWrite(&b)
	return b.String()
}
func (h *GenericHeader) StringWrite(b *strings.Builder) {
	b.WriteString(h.HeaderName)
	b.WriteString(": ")
	b.WriteString(h.HeaderValue)
}
func (h *GenericHeader) headerClone() Header {
	c := *h
	return &c
}

// CallIDHeader is the Call-ID header, a bare token string.
type CallIDHeader string

func (h CallIDHeader) Name() string  { return "Call-ID" }
func (h CallIDHeader) Value() string { return string(h) }
func (h CallIDHeader) String() string {
	return "Call-ID: " + string(h)
}
func (h CallIDHeader) StringWrite(b *strings.Builder) {
	b.WriteString("Call-ID: ")
	b.WriteString(string(h))
}
func (h CallIDHeader) headerClone() Header { return h }

// MaxForwardsHeader is the Max-Forwards header.
type MaxForwardsHeader uint32

func (h MaxForwardsHeader) Name() string  { return "Max-Forwards" }
func (h MaxForwardsHeader) Value() string { return strconv.FormatUint(uint64(h), 10) }
func (h MaxForwardsHeader) String() string {
	return "Max-Forwards: " + h.Value()
}
func (h MaxForwardsHeader) StringWrite(b *strings.Builder) {
	b.WriteString("Max-Forwards: ")
	b.WriteString(h.Value())
}
func (h MaxForwardsHeader) headerClone() Header { return h }

// Dec decrements, floored at 0 (the wire value is never allowed negative).
func (h MaxForwardsHeader) Dec() MaxForwardsHeader {
	if h == 0 {
		return 0
	}
	return h - 1
}

// ExpiresHeader is the Expires header, seconds.
type ExpiresHeader uint32

func (h ExpiresHeader) Name() string  { return "Expires" }
func (h ExpiresHeader) Value() string { return strconv.FormatUint(uint64(h), 10) }
func (h ExpiresHeader) String() string {
	return "Expires: " + h.Value()
}
func (h ExpiresHeader) StringWrite(b *strings.Builder) {
	b.WriteString("Expires: ")
	b.WriteString(h.Value())
}
func (h ExpiresHeader) headerClone() Header { return h }

// ContentLengthHeader is the Content-Length header, bytes. Always
// recomputed at serialization time from the actual body length.
type ContentLengthHeader uint32

func (h ContentLengthHeader) Name() string  { return "Content-Length" }
func (h ContentLengthHeader) Value() string { return strconv.FormatUint(uint64(h), 10) }
func (h ContentLengthHeader) String() string {
	return "Content-Length: " + h.Value()
}
func (h ContentLengthHeader) StringWrite(b *strings.Builder) {
	b.WriteString("Content-Length: ")
	b.WriteString(h.Value())
}
func (h ContentLengthHeader) headerClone() Header { return h }

// ContentTypeHeader is the Content-Type header (e.g. "application/sdp").
type ContentTypeHeader string

func (h ContentTypeHeader) Name() string  { return "Content-Type" }
func (h ContentTypeHeader) Value() string { return string(h) }
func (h ContentTypeHeader) String() string {
	return "Content-Type: " + string(h)
}
func (h ContentTypeHeader) StringWrite(b *strings.Builder) {
	b.WriteString("Content-Type: ")
	b.WriteString(string(h))
}
func (h ContentTypeHeader) headerClone() Header { return h }

// CSeqHeader is the CSeq header: a sequence number and the request method
// it belongs to.
type CSeqHeader struct {
	SeqNo  uint32
	Method RequestMethod
}

func (h CSeqHeader) Name() string  { return "CSeq" }
func (h CSeqHeader) Value() string { return strconv.FormatUint(uint64(h.SeqNo), 10) + " " + string(h.Method) }
func (h CSeqHeader) String() string {
	return "CSeq: " + h.Value()
}
func (h CSeqHeader) StringWrite(b *strings.Builder) {
	b.WriteString("CSeq: ")
	b.WriteString(strconv.FormatUint(uint64(h.SeqNo), 10))
	b.WriteByte(' ')
	b.WriteString(string(h.Method))
}
func (h CSeqHeader) headerClone() Header { return h }

// ToHeader and FromHeader share the same shape: an optional display name,
// an address URI, and parameters (notably "tag").
type ToHeader struct {
	DisplayName string
	Address     Uri
	Params      HeaderParams
}

func (h *ToHeader) Name() string  { return "To" }
func (h *ToHeader) Value() string { return h.String()[len("To: "):] }
func (h *ToHeader) String() string {
	var b strings.Builder
	h.StringWrite(&b)
	return b.String()
}
func (h *ToHeader) StringWrite(b *strings.Builder) {
	b.WriteString("To: ")
	writeNameAddr(b, h.DisplayName, h.Address, h.Params)
}
func (h *ToHeader) headerClone() Header {
	c := *h
	c.Params = h.Params.Clone()
	return &c
}

// Tag returns the "tag" parameter, if present.
func (h *ToHeader) Tag() (string, bool) { return h.Params.Get("tag") }

type FromHeader struct {
	DisplayName string
	Address     Uri
	Params      HeaderParams
}

func (h *FromHeader) Name() string  { return "From" }
func (h *FromHeader) Value() string { return h.String()[len("From: "):] }
func (h *FromHeader) String() string {
	var b strings.Builder
	h.StringWrite(&b)
	return b.String()
}
func (h *FromHeader) StringWrite(b *strings.Builder) {
	b.WriteString("From: ")
	writeNameAddr(b, h.DisplayName, h.Address, h.Params)
}
func (h *FromHeader) headerClone() Header {
	c := *h
	c.Params = h.Params.Clone()
	return &c
}

func (h *FromHeader) Tag() (string, bool) { return h.Params.Get("tag") }

func writeNameAddr(b *strings.Builder, displayName string, addr Uri, params HeaderParams) {
	if displayName != "" {
		b.WriteByte('"')
		b.WriteString(displayName)
		b.WriteString("\" ")
	}
	b.WriteByte('<')
	addr.StringWrite(b)
	b.WriteByte('>')
	if len(params) > 0 {
		b.WriteByte(';')
		b.WriteString(params.ToString(';'))
	}
}

// ContactHeader. A single REGISTER/INVITE may carry several; Wildcard
// (Contact: *) is used by REGISTER to unregister all bindings.
type ContactHeader struct {
	DisplayName string
	Address     Uri
	Params      HeaderParams
}

func (h *ContactHeader) Name() string  { return "Contact" }
func (h *ContactHeader) Value() string { return h.String()[len("Contact: "):] }
func (h *ContactHeader) String() string {
	var b strings.Builder
	h.StringWrite(&b)
	return b.String()
}
func (h *ContactHeader) StringWrite(b *strings.Builder) {
	b.WriteString("Contact: ")
	if h.Address.Wildcard {
		b.WriteByte('*')
		return
	}
	writeNameAddr(b, h.DisplayName, h.Address, h.Params)
}
func (h *ContactHeader) headerClone() Header {
	c := *h
	c.Params = h.Params.Clone()
	return &c
}

// Expires returns the Contact-scoped expires parameter, if any.
func (h *ContactHeader) Expires() (int, bool) {
	v, ok := h.Params.Get("expires")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ViaHeader is one hop of the Via stack. Next chains to additional Via
// values folded into the same "Via: a, b" field line (or chained on by
// PushTopVia); the chain preserves wire order top to bottom. Separate Via
// field lines stay separate entries in the field list.
type ViaHeader struct {
	ProtocolName    string // "SIP"
	ProtocolVersion string // "2.0"
	Transport       string // "UDP"
	Host            string
	Port            int
	Params          HeaderParams

	Next *ViaHeader
}

func (h *ViaHeader) Name() string  { return "Via" }
func (h *ViaHeader) Value() string { return h.String()[len("Via: "):] }
func (h *ViaHeader) String() string {
	var b strings.Builder
	h.StringWrite(&b)
	return b.String()
}
func (h *ViaHeader) StringWrite(b *strings.Builder) {
	b.WriteString("Via: ")
	h.writeOne(b)
	for v := h.Next; v != nil; v = v.Next {
		b.WriteString(", ")
		v.writeOne(b)
	}
}
func (h *ViaHeader) writeOne(b *strings.Builder) {
	b.WriteString(h.ProtocolName)
	b.WriteByte('/')
	b.WriteString(h.ProtocolVersion)
	b.WriteByte('/')
	b.WriteString(h.Transport)
	b.WriteByte(' ')
	b.WriteString(h.Host)
	if h.Port != 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(h.Port))
	}
	if len(h.Params) > 0 {
		b.WriteByte(';')
		b.WriteString(h.Params.ToString(';'))
	}
}
func (h *ViaHeader) headerClone() Header {
	c := &ViaHeader{
		ProtocolName:    h.ProtocolName,
		ProtocolVersion: h.ProtocolVersion,
		Transport:       h.Transport,
		Host:            h.Host,
		Port:            h.Port,
		Params:          h.Params.Clone(),
	}
	if h.Next != nil {
		c.Next = h.Next.headerClone().(*ViaHeader)
	}
	return c
}

// SentBy returns "host:port" honoring DefaultPort when Port is unset.
func (h *ViaHeader) SentBy() string {
	port := h.Port
	if port == 0 {
		port = DefaultPort(h.Transport)
	}
	return h.Host + ":" + strconv.Itoa(port)
}

// Branch returns the "branch" parameter.
func (h *ViaHeader) Branch() (string, bool) { return h.Params.Get("branch") }

// RouteHeader and RecordRouteHeader share an identical shape: a name-addr
// chain (a single field line may carry several comma-separated route sets).
type RouteHeader struct {
	Address Uri
	Params  HeaderParams
	Next    *RouteHeader
}

func (h *RouteHeader) Name() string  { return "Route" }
func (h *RouteHeader) Value() string { return h.String()[len("Route: "):] }
func (h *RouteHeader) String() string {
	var b strings.Builder
	h.StringWrite(&b)
	return b.String()
}
func (h *RouteHeader) StringWrite(b *strings.Builder) {
	b.WriteString("Route: ")
	h.writeOne(b)
	for r := h.Next; r != nil; r = r.Next {
		b.WriteString(", ")
		r.writeOne(b)
	}
}
func (h *RouteHeader) writeOne(b *strings.Builder) {
	b.WriteByte('<')
	h.Address.StringWrite(b)
	b.WriteByte('>')
	if len(h.Params) > 0 {
		b.WriteByte(';')
		b.WriteString(h.Params.ToString(';'))
	}
}
func (h *RouteHeader) headerClone() Header {
	c := &RouteHeader{Address: h.Address.Clone(), Params: h.Params.Clone()}
	if h.Next != nil {
		c.Next = h.Next.headerClone().(*RouteHeader)
	}
	return c
}

type RecordRouteHeader struct {
	Address Uri
	Params  HeaderParams
	Next    *RecordRouteHeader
}

func (h *RecordRouteHeader) Name() string  { return "Record-Route" }
func (h *RecordRouteHeader) Value() string { return h.String()[len("Record-Route: "):] }
func (h *RecordRouteHeader) String() string {
	var b strings.Builder
	h.StringWrite(&b)
	return b.String()
}
func (h *RecordRouteHeader) StringWrite(b *strings.Builder) {
	b.WriteString("Record-Route: ")
	h.writeOne(b)
	for r := h.Next; r != nil; r = r.Next {
		b.WriteString(", ")
		r.writeOne(b)
	}
}
func (h *RecordRouteHeader) writeOne(b *strings.Builder) {
	b.WriteByte('<')
	h.Address.StringWrite(b)
	b.WriteByte('>')
	if len(h.Params) > 0 {
		b.WriteByte(';')
		b.WriteString(h.Params.ToString(';'))
	}
}
func (h *RecordRouteHeader) headerClone() Header {
	c := &RecordRouteHeader{Address: h.Address.Clone(), Params: h.Params.Clone()}
	if h.Next != nil {
		c.Next = h.Next.headerClone().(*RecordRouteHeader)
	}
	return c
}

// headers holds the ordered field list plus cached pointers to the
// structured fields every handler needs on every message, so repeated
// lookups don't walk headerOrder.
type headers struct {
	headerOrder []Header

	via           *ViaHeader
	from          *FromHeader
	to            *ToHeader
	callID        *CallIDHeader
	contact       *ContactHeader
	cseq          *CSeqHeader
	maxForwards   *MaxForwardsHeader
	contentLength *ContentLengthHeader
	contentType   *ContentTypeHeader
	route         *RouteHeader
	recordRoute   *RecordRouteHeader
}

// AppendHeader adds h at the end of the field list and updates the typed
// cache if h is one of the structured kinds.
func (hs *headers) AppendHeader(h Header) {
	hs.headerOrder = append(hs.headerOrder, h)
	hs.cache(h)
}

// PrependHeader adds h at the front of the field list (used for pushing a
// new top Via or a new Record-Route).
func (hs *headers) PrependHeader(h Header) {
	hs.headerOrder = append([]Header{h}, hs.headerOrder...)
	hs.cache(h)
}

func (hs *headers) cache(h Header) {
	switch v := h.(type) {
	case *ViaHeader:
		if hs.via == nil {
			hs.via = v
		}
	case *FromHeader:
		hs.from = v
	case *ToHeader:
		hs.to = v
	case *CallIDHeader:
		hs.callID = v
	case CallIDHeader:
		hs.callID = &v
	case *ContactHeader:
		if hs.contact == nil {
			hs.contact = v
		}
	case *CSeqHeader:
		hs.cseq = v
	case CSeqHeader:
		hs.cseq = &v
	case *MaxForwardsHeader:
		hs.maxForwards = v
	case MaxForwardsHeader:
		hs.maxForwards = &v
	case *ContentLengthHeader:
		hs.contentLength = v
	case ContentLengthHeader:
		hs.contentLength = &v
	case *ContentTypeHeader:
		hs.contentType = v
	case ContentTypeHeader:
		hs.contentType = &v
	case *RouteHeader:
		if hs.route == nil {
			hs.route = v
		}
	case *RecordRouteHeader:
		if hs.recordRoute == nil {
			hs.recordRoute = v
		}
	}
}

// Headers returns the ordered field list.
func (hs *headers) Headers() []Header { return hs.headerOrder }

// GetHeaders returns all fields whose name matches (case-insensitive),
// expanding compact forms.
func (hs *headers) GetHeaders(name string) []Header {
	canon := headerToCanonical(name)
	var out []Header
	for _, h := range hs.headerOrder {
		if strings.EqualFold(headerToCanonical(h.Name()), canon) {
			out = append(out, h)
		}
	}
	return out
}

// GetHeader returns the first field matching name, or nil.
func (hs *headers) GetHeader(name string) Header {
	canon := headerToCanonical(name)
	for _, h := range hs.headerOrder {
		if strings.EqualFold(headerToCanonical(h.Name()), canon) {
			return h
		}
	}
	return nil
}

// RemoveHeader drops the first field matching name, if any. For Via,
// Route, Record-Route and Contact the typed cache is reset at once to the
// next remaining field of that name, or nil if none is left; the cached
// values of other header names are left as they were.
func (hs *headers) RemoveHeader(name string) {
	canon := headerToCanonical(name)
	for i, h := range hs.headerOrder {
		if strings.EqualFold(headerToCanonical(h.Name()), canon) {
			hs.headerOrder = append(hs.headerOrder[:i], hs.headerOrder[i+1:]...)
			hs.invalidateCache(canon)
			return
		}
	}
}

func (hs *headers) invalidateCache(canon string) {
	switch canon {
	case "Via":
		hs.via = nil
		for _, h := range hs.headerOrder {
			if v, ok := h.(*ViaHeader); ok {
				hs.via = v
				break
			}
		}
	case "Route":
		hs.route = nil
		for _, h := range hs.headerOrder {
			if v, ok := h.(*RouteHeader); ok {
				hs.route = v
				break
			}
		}
	case "Record-Route":
		hs.recordRoute = nil
		for _, h := range hs.headerOrder {
			if v, ok := h.(*RecordRouteHeader); ok {
				hs.recordRoute = v
				break
			}
		}
	case "Contact":
		hs.contact = nil
		for _, h := range hs.headerOrder {
			if v, ok := h.(*ContactHeader); ok {
				hs.contact = v
				break
			}
		}
	}
}

// ReplaceHeader swaps out the first field matching h.Name() for h, or
// appends it if absent.
func (hs *headers) ReplaceHeader(h Header) {
	canon := headerToCanonical(h.Name())
	for i, existing := range hs.headerOrder {
		if strings.EqualFold(headerToCanonical(existing.Name()), canon) {
			hs.headerOrder[i] = h
			hs.cache(h)
			return
		}
	}
	hs.AppendHeader(h)
}

func (hs *headers) CloneHeaders() []Header {
	out := make([]Header, len(hs.headerOrder))
	for i, h := range hs.headerOrder {
		out[i] = h.headerClone()
	}
	return out
}

func (hs *headers) Via() *ViaHeader { return hs.via }

// PopTopVia removes the topmost Via value and returns it. If that value was
// folded together with others on one field line (comma-separated), the
// remaining chain becomes the new top-of-stack in its place; otherwise the
// whole field line is removed.
func (hs *headers) PopTopVia() (*ViaHeader, bool) {
	for i, h := range hs.headerOrder {
		v, ok := h.(*ViaHeader)
		if !ok {
			continue
		}
		popped := &ViaHeader{
			ProtocolName: v.ProtocolName, ProtocolVersion: v.ProtocolVersion,
			Transport: v.Transport, Host: v.Host, Port: v.Port, Params: v.Params,
		}
		if v.Next != nil {
			hs.headerOrder[i] = v.Next
			hs.via = v.Next
		} else {
			hs.headerOrder = append(hs.headerOrder[:i], hs.headerOrder[i+1:]...)
			hs.invalidateCache("Via")
		}
		return popped, true
	}
	return nil, false
}

// PushTopVia inserts v as the new top of the Via stack. v takes the place
// of the first Via field in the field list and chains to it through Next,
// so each Via value is still serialized exactly once.
func (hs *headers) PushTopVia(v *ViaHeader) {
	for i, h := range hs.headerOrder {
		if top, ok := h.(*ViaHeader); ok {
			v.Next = top
			hs.headerOrder[i] = v
			hs.via = v
			return
		}
	}
	v.Next = nil
	hs.PrependHeader(v)
	hs.via = v
}

// PopTopRoute removes the first Route value, mirroring PopTopVia's
// fold-aware behavior.
func (hs *headers) PopTopRoute() (*RouteHeader, bool) {
	for i, h := range hs.headerOrder {
		r, ok := h.(*RouteHeader)
		if !ok {
			continue
		}
		popped := &RouteHeader{Address: r.Address, Params: r.Params}
		if r.Next != nil {
			hs.headerOrder[i] = r.Next
			hs.route = r.Next
		} else {
			hs.headerOrder = append(hs.headerOrder[:i], hs.headerOrder[i+1:]...)
			hs.invalidateCache("Route")
		}
		return popped, true
	}
	return nil, false
}
func (hs *headers) From() *FromHeader                   { return hs.from }
func (hs *headers) To() *ToHeader                       { return hs.to }
func (hs *headers) Contact() *ContactHeader              { return hs.contact }
func (hs *headers) CSeq() *CSeqHeader                   { return hs.cseq }
func (hs *headers) Route() *RouteHeader                 { return hs.route }
func (hs *headers) RecordRoute() *RecordRouteHeader     { return hs.recordRoute }

func (hs *headers) CallID() string {
	if hs.callID == nil {
		return ""
	}
	return string(*hs.callID)
}

func (hs *headers) MaxForwards() (MaxForwardsHeader, bool) {
	if hs.maxForwards == nil {
		return 0, false
	}
	return *hs.maxForwards, true
}

func (hs *headers) ContentLength() ContentLengthHeader {
	if hs.contentLength == nil {
		return 0
	}
	return *hs.contentLength
}

func (hs *headers) ContentType() ContentTypeHeader {
	if hs.contentType == nil {
		return ""
	}
	return *hs.contentType
}

// CopyHeaders copies every field named name from src to dst, in order,
// cloning each so later mutation of one message never affects the other.
func CopyHeaders(name string, src, dst Message) {
	for _, h := range src.GetHeaders(name) {
		dst.AppendHeader(h.headerClone())
	}
}
