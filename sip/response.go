package sip

import (
	"strconv"
	"strings"
)

// Response is a SIP response: a status line plus the common message
// fields.
type Response struct {
	MessageData
	StatusCode StatusCode
	Reason     string
}

// NewResponse builds an empty response with no headers set.
func NewResponse(statusCode int, reason string) *Response {
	r := &Response{StatusCode: StatusCode(statusCode), Reason: reason}
	r.SipVersion = "SIP/2.0"
	r.tp = DefaultProtocol
	return r
}

func (r *Response) Short() string {
	var b strings.Builder
	b.WriteString(r.SipVersion)
	b.WriteByte(' ')
	b.WriteString(itoa(int(r.StatusCode)))
	b.WriteByte(' ')
	b.WriteString(r.Reason)
	if cid := r.CallID(); cid != "" {
		b.WriteString(" (")
		b.WriteString(cid)
		b.WriteByte(')')
	}
	return b.String()
}

func (r *Response) StartLine() string {
	var b strings.Builder
	r.StartLineWrite(&b)
	return b.String()
}

func (r *Response) StartLineWrite(b *strings.Builder) {
	b.WriteString(r.SipVersion)
	b.WriteByte(' ')
	b.WriteString(itoa(int(r.StatusCode)))
	b.WriteByte(' ')
	b.WriteString(r.Reason)
}

func (r *Response) String() string {
	var b strings.Builder
	r.StringWrite(&b)
	return b.String()
}

func (r *Response) StringWrite(b *strings.Builder) {
	r.StartLineWrite(b)
	b.WriteString("\r\n")
	r.writeHeadersAndBody(b)
}

func (r *Response) Clone() *Response {
	c := &Response{StatusCode: r.StatusCode, Reason: r.Reason}
	c.SipVersion = r.SipVersion
	c.tp = r.tp
	c.src = r.src
	c.dest = r.dest
	c.body = append([]byte(nil), r.body...)
	c.headerOrder = nil
	for _, h := range r.CloneHeaders() {
		c.AppendHeader(h)
	}
	return c
}

func (r *Response) IsProvisional() bool  { return r.StatusCode >= 100 && r.StatusCode < 200 }
func (r *Response) IsSuccess() bool      { return r.StatusCode >= 200 && r.StatusCode < 300 }
func (r *Response) IsRedirection() bool  { return r.StatusCode >= 300 && r.StatusCode < 400 }
func (r *Response) IsClientError() bool  { return r.StatusCode >= 400 && r.StatusCode < 500 }
func (r *Response) IsServerError() bool  { return r.StatusCode >= 500 && r.StatusCode < 600 }
func (r *Response) IsGlobalError() bool  { return r.StatusCode >= 600 && r.StatusCode < 700 }
func (r *Response) IsFinal() bool        { return r.StatusCode >= 200 }

// NewResponseFromRequest builds a response that shares the request's
// dialog-identifying headers: Via stack, From, To (stamping a fresh tag
// unless the request already carries one, e.g. a retransmitted in-dialog
// request), Call-ID, and CSeq. body may be nil.
func NewResponseFromRequest(req *Request, statusCode int, reason string, body []byte) *Response {
	res := NewResponse(statusCode, reason)

	for _, h := range req.GetHeaders("Record-Route") {
		res.AppendHeader(h.headerClone())
	}
	for _, h := range req.GetHeaders("Via") {
		res.AppendHeader(h.headerClone())
	}
	CopyHeaders("From", req, res)

	if to := req.To(); to != nil {
		toClone := to.headerClone().(*ToHeader)
		if _, hasTag := toClone.Params.Get("tag"); !hasTag && res.StatusCode != 100 {
			toClone.Params = toClone.Params.Add("tag", GenerateTag())
		}
		res.AppendHeader(toClone)
	}

	CopyHeaders("Call-ID", req, res)
	CopyHeaders("CSeq", req, res)

	if body != nil {
		res.SetBody(body)
	}
	res.SetTransport(req.Transport())
	res.SetDestination(req.SourceWithViaFallback())
	return res
}

// NewSDPResponseFromRequest is NewResponseFromRequest with the
// Content-Type set to application/sdp.
func NewSDPResponseFromRequest(req *Request, statusCode int, reason string, sdp []byte) *Response {
	res := NewResponseFromRequest(req, statusCode, reason, sdp)
	res.ReplaceHeader(ContentTypeHeader("application/sdp"))
	return res
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
