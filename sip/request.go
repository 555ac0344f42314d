package sip

import "strings"

// Request is a SIP request: a method, a request-URI, and the common
// message fields.
type Request struct {
	MessageData
	Method    RequestMethod
	Recipient Uri
}

// NewRequest builds an empty request with no headers set.
func NewRequest(method RequestMethod, recipient Uri) *Request {
	r := &Request{Method: method, Recipient: recipient}
	r.SipVersion = "SIP/2.0"
	r.tp = DefaultProtocol
	return r
}

func (r *Request) Short() string {
	var b strings.Builder
	b.WriteString(string(r.Method))
	b.WriteByte(' ')
	r.Recipient.StringWrite(&b)
	if cid := r.CallID(); cid != "" {
		b.WriteString(" (")
		b.WriteString(cid)
		b.WriteByte(')')
	}
	return b.String()
}

func (r *Request) StartLine() string {
	var b strings.Builder
	r.StartLineWrite(&b)
	return b.String()
}

func (r *Request) StartLineWrite(b *strings.Builder) {
	b.WriteString(string(r.Method))
	b.WriteByte(' ')
	r.Recipient.StringWrite(b)
	b.WriteByte(' ')
	b.WriteString(r.SipVersion)
}

func (r *Request) String() string {
	var b strings.Builder
	r.StringWrite(&b)
	return b.String()
}

func (r *Request) StringWrite(b *strings.Builder) {
	r.StartLineWrite(b)
	b.WriteString("\r\n")
	r.writeHeadersAndBody(b)
}

// Clone returns a deep copy sharing no mutable state with the original.
func (r *Request) Clone() *Request {
	c := &Request{
		Method:    r.Method,
		Recipient: r.Recipient.Clone(),
	}
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

func (r *Request) IsInvite() bool { return r.Method == INVITE }
func (r *Request) IsAck() bool    { return r.Method == ACK }
func (r *Request) IsCancel() bool { return r.Method == CANCEL }

// SourceWithViaFallback returns the observed UDP source, falling back to
// the top Via's sent-by (honoring received/rport) when src was never set —
// used by in-process tests that build requests without going through the
// transport layer.
func (r *Request) SourceWithViaFallback() Addr {
	if !r.src.IsZero() {
		return r.src
	}
	v := r.Via()
	if v == nil {
		return Addr{}
	}
	host, port := v.Host, v.Port
	if rcv, ok := v.Params.Get("received"); ok && rcv != "" {
		host = rcv
	}
	if rp, ok := v.Params.Get("rport"); ok && rp != "" {
		if p, err := atoi(rp); err == nil {
			port = p
		}
	}
	if port == 0 {
		port = DefaultPort(r.tp)
	}
	return Addr{IP: parseIP(host), Port: port}
}

// NewNon2xxAckRequest builds the ACK for a non-2xx final response to an
// INVITE. Per RFC 3261 §17.1.1.3 this ACK belongs to the same transaction
// as the INVITE: same Request-URI, same top-Via branch, no new Via pushed
// by the element that generates it. The forwarding engine does not call
// it: a forwarded ACK is relayed as received.
func NewNon2xxAckRequest(inviteReq *Request, inviteRes *Response, body []byte) *Request {
	ack := NewRequest(ACK, inviteReq.Recipient.Clone())
	if v := inviteReq.Via(); v != nil {
		ack.AppendHeader(v.headerClone())
	}
	if route := inviteReq.Route(); route != nil {
		ack.AppendHeader(route.headerClone())
	} else if rr := inviteRes.RecordRoute(); rr != nil {
		// When the original INVITE had no Route, only the response's
		// first Record-Route value is copied, as a single Route.
		ack.AppendHeader(&RouteHeader{Address: rr.Address.Clone(), Params: rr.Params.Clone()})
	}
	ack.AppendHeader(MaxForwardsHeader(70))
	CopyHeaders("From", inviteReq, ack)
	CopyHeaders("Call-ID", inviteReq, ack)
	if to := inviteRes.To(); to != nil {
		ack.AppendHeader(to.headerClone())
	}
	if cseq := inviteReq.CSeq(); cseq != nil {
		ack.AppendHeader(&CSeqHeader{SeqNo: cseq.SeqNo, Method: ACK})
	}
	if c := inviteReq.Contact(); c != nil {
		ack.AppendHeader(c.headerClone())
	}
	if body != nil {
		ack.SetBody(body)
	}
	return ack
}

// NewCancelRequest builds the CANCEL for a request currently awaiting a
// final response. Per RFC 3261 §9.1 it is addressed identically to that
// request and must carry the identical top-Via branch so the downstream
// server transaction matches it to the original INVITE.
func NewCancelRequest(requestToCancel *Request) *Request {
	cancel := NewRequest(CANCEL, requestToCancel.Recipient.Clone())
	if v := requestToCancel.Via(); v != nil {
		top := &ViaHeader{
			ProtocolName:    v.ProtocolName,
			ProtocolVersion: v.ProtocolVersion,
			Transport:       v.Transport,
			Host:            v.Host,
			Port:            v.Port,
			Params:          v.Params.Clone(),
		}
		cancel.AppendHeader(top)
	}
	if route := requestToCancel.Route(); route != nil {
		cancel.AppendHeader(route.headerClone())
	}
	cancel.AppendHeader(MaxForwardsHeader(70))
	CopyHeaders("From", requestToCancel, cancel)
	CopyHeaders("To", requestToCancel, cancel)
	CopyHeaders("Call-ID", requestToCancel, cancel)
	if cseq := requestToCancel.CSeq(); cseq != nil {
		cancel.AppendHeader(&CSeqHeader{SeqNo: cseq.SeqNo, Method: CANCEL})
	}
	cancel.SetTransport(requestToCancel.Transport())
	cancel.SetDestination(requestToCancel.Destination())
	return cancel
}
