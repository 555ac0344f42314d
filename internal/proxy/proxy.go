// Package proxy implements the Routing/Forwarding Engine: request
// classification, target lookup, Via push/pop, Max-Forwards, Route/
// Record-Route handling, NAT rewriting, and loop detection, per
// spec.md §4.5. This is the component the rest of the core exists to
// support.
package proxy

import (
	"log/slog"

	"github.com/sipcore/proxy/internal/auth"
	"github.com/sipcore/proxy/internal/cdr"
	"github.com/sipcore/proxy/internal/config"
	"github.com/sipcore/proxy/internal/dialog"
	"github.com/sipcore/proxy/internal/metrics"
	"github.com/sipcore/proxy/internal/registrar"
	"github.com/sipcore/proxy/sip"
)

// Sender is the subset of the transport layer the engine depends on,
// narrowed to ease testing without a real socket.
type Sender interface {
	Send(payload []byte, dest sip.Addr) error
}

// Engine wires every other component into the forwarding decisions of
// spec.md §4.5.
type Engine struct {
	cfg       *config.Snapshot
	registrar *registrar.Registrar
	dialogs   *dialog.Table
	pending   *dialog.PendingTable
	branches  *dialog.InviteBranchTable
	recorder  *cdr.Recorder
	auth      *auth.Authenticator
	sender    Sender
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New builds an Engine.
func New(
	cfg *config.Snapshot,
	reg *registrar.Registrar,
	dialogs *dialog.Table,
	pending *dialog.PendingTable,
	branches *dialog.InviteBranchTable,
	recorder *cdr.Recorder,
	authenticator *auth.Authenticator,
	sender Sender,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		cfg:       cfg,
		registrar: reg,
		dialogs:   dialogs,
		pending:   pending,
		branches:  branches,
		recorder:  recorder,
		auth:      authenticator,
		sender:    sender,
		metrics:   m,
		logger:    logger.With("component", "proxy"),
	}
}

// HandleDatagram is the Transport dispatch entry point.
func (e *Engine) HandleDatagram(payload []byte, source sip.Addr) {
	if e.metrics != nil {
		e.metrics.RxTotal.Inc()
	}
	e.logger.Debug("RX datagram", "source", source.String(), "bytes", len(payload))

	msg, err := sip.ParseMessage(payload)
	if err != nil {
		e.logger.Warn("DROP malformed datagram", "source", source.String(), "error", err)
		if req, ok := msg.(*sip.Request); ok && req != nil {
			e.reply(req, source, 400, "Bad Request")
		}
		return
	}

	switch m := msg.(type) {
	case *sip.Request:
		m.SetSource(source)
		e.handleRequest(m)
	case *sip.Response:
		m.SetSource(source)
		e.handleResponse(m)
	}
}

func (e *Engine) send(payload []byte, dest sip.Addr) error {
	err := e.sender.Send(payload, dest)
	if err == nil && e.metrics != nil {
		e.metrics.TxTotal.Inc()
	}
	return err
}

func (e *Engine) sendMessage(msg sip.Message, dest sip.Addr) error {
	return e.send([]byte(msg.String()), dest)
}

func (e *Engine) reply(req *sip.Request, dest sip.Addr, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := e.sendMessage(res, dest); err != nil {
		e.logger.Error("NETWORK failed to send reply", "error", err, "dest", dest.String())
	}
}

// --- request classification (spec.md §4.5 "Request classification") ---

func isInitial(req *sip.Request) bool {
	if req.Method == sip.ACK || req.Method == sip.CANCEL {
		return false
	}
	to := req.To()
	if to == nil {
		return true
	}
	_, hasTag := to.Tag()
	return !hasTag
}

func (e *Engine) handleRequest(req *sip.Request) {
	cfg := e.cfg.Load()

	if mf, ok := req.MaxForwards(); ok {
		if mf == 0 {
			e.logger.Warn("DROP max-forwards exceeded", "call_id", req.CallID(), "method", string(req.Method))
			e.reply(req, req.SourceWithViaFallback(), 483, "Too Many Hops")
			e.dropMetric("max-forwards")
			return
		}
	} else {
		req.AppendHeader(sip.MaxForwardsHeader(cfg.MaxForwards))
	}

	if e.detectLoop(req, cfg) {
		e.logger.Warn("DROP loop detected", "call_id", req.CallID(), "method", string(req.Method))
		e.reply(req, req.SourceWithViaFallback(), 482, "Loop Detected")
		e.recordFailedCDR(req, 482, "LoopDetected")
		e.dropMetric("loop-detected")
		return
	}

	switch req.Method {
	case sip.REGISTER:
		e.handleRegister(req, cfg)
		return
	case sip.ACK:
		e.handleAck(req, cfg)
		return
	case sip.CANCEL:
		e.handleCancel(req, cfg)
		return
	}

	if isInitial(req) {
		e.forwardInitial(req, cfg)
		return
	}
	e.forwardInDialog(req, cfg)
}

// detectLoop reports whether our own host:port already appears anywhere in
// the request's Via stack — meaning this request has already passed through
// us once and has looped back, regardless of what branch value the looping
// hop generated for its own Via.
func (e *Engine) detectLoop(req *sip.Request, cfg *config.Config) bool {
	self := cfg.AdvertisedHost()
	for _, h := range req.GetHeaders("Via") {
		for v, _ := h.(*sip.ViaHeader); v != nil; v = v.Next {
			if v.SentBy() == self {
				return true
			}
		}
	}
	return false
}

func topBranch(req *sip.Request) (string, bool) {
	v := req.Via()
	if v == nil {
		return "", false
	}
	return v.Branch()
}

func (e *Engine) dropMetric(reason string) {
	if e.metrics != nil {
		e.metrics.DroppedTotal.WithLabelValues(reason).Inc()
	}
}

func (e *Engine) forwardedMetric(method sip.RequestMethod) {
	if e.metrics != nil {
		e.metrics.ForwardedTotal.WithLabelValues(string(method)).Inc()
	}
}

// recordFailedCDR emits a FAILED CDR row for every method recordTypeFor
// maps to a record type (INVITE, BYE and CANCEL as CALL; REGISTER; MESSAGE;
// OPTIONS) and is a no-op for any other method.
func (e *Engine) recordFailedCDR(req *sip.Request, status int, reason string) {
	rt := recordTypeFor(req.Method)
	if rt == "" {
		return
	}
	key := cdr.DedupKey(rt, req.CallID(), req.CSeq().SeqNo)
	e.recorder.RecordOrUpdate(key, rt, req.CallID(), cdr.MilestoneEnded, func(row *cdr.Row) {
		row.State = cdr.StateFailed
		row.FinalStatus = status
		row.Reason = reason
		fillCallerCallee(row, req)
	})
	if err := e.recorder.Flush(key, false); err != nil {
		e.logger.Error("failed to flush cdr row", "error", err, "call_id", req.CallID())
	} else if e.metrics != nil {
		e.metrics.CDRRowsWritten.Inc()
	}
}

func recordTypeFor(method sip.RequestMethod) cdr.RecordType {
	switch method {
	case sip.INVITE, sip.BYE, sip.CANCEL:
		return cdr.Call
	case sip.REGISTER:
		return cdr.Register
	case sip.MESSAGE:
		return cdr.Message
	case sip.OPTIONS:
		return cdr.Options
	default:
		return ""
	}
}

func fillCallerCallee(row *cdr.Row, req *sip.Request) {
	if from := req.From(); from != nil {
		row.CallerURI = from.Address.String()
		row.CallerUser = from.Address.User
	}
	row.CalleeURI = req.Recipient.String()
	row.CalleeUser = req.Recipient.User
	row.CallerHost = req.SourceWithViaFallback().String()
	if ua := req.GetHeader("User-Agent"); ua != nil {
		row.UserAgent = ua.Value()
	}
	if c := req.Contact(); c != nil {
		row.Contact = c.Address.String()
	}
	if cseq := req.CSeq(); cseq != nil {
		row.CSeq = cseq.SeqNo
	}
}

