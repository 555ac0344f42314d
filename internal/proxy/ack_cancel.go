package proxy

import (
	"github.com/sipcore/proxy/internal/cdr"
	"github.com/sipcore/proxy/internal/config"
	"github.com/sipcore/proxy/internal/transport"
	"github.com/sipcore/proxy/sip"
)

// handleAck implements spec.md §4.5 "ACK handling". After our own Route
// entry is popped, the next hop is the remaining top Route if there is one,
// else the callee endpoint of the Dialog Context matched by Call-ID, else
// the Request-URI. Neither kind of ACK gets a Via pushed: an ACK is never
// itself retransmitted by this proxy, so there is no branch for a later
// response to unwind.
func (e *Engine) handleAck(req *sip.Request, cfg *config.Config) {
	if r := req.Route(); r != nil && routePointsAtSelf(r, cfg) {
		req.PopTopRoute()
	}

	var dest sip.Addr
	if r := req.Route(); r != nil {
		dest = addrFromUri(r.Address)
	} else if ctx := e.dialogs.Get(req.CallID()); ctx != nil {
		dest = ctx.CalleeEndpoint
	} else {
		dest = addrFromUri(req.Recipient)
	}

	if dest.IsZero() {
		e.logger.Warn("DROP ack with no resolvable destination", "call_id", req.CallID())
		e.dropMetric("ack-no-route")
		return
	}

	if mf, ok := req.MaxForwards(); ok {
		req.ReplaceHeader(mf.Dec())
	}

	if err := e.sendMessage(req, dest); err != nil {
		e.logSendFailure("ack", err, req.CallID())
		return
	}
	e.forwardedMetric(req.Method)
}

// logSendFailure applies spec.md §4.2's WARNING/ERROR split to a send
// failure that has no method-appropriate synthesized reply of its own (ACK
// and CANCEL never get a retried response the way INVITE/BYE/MESSAGE do).
func (e *Engine) logSendFailure(what string, err error, callID string) {
	if e.metrics != nil {
		e.metrics.NetworkErrors.WithLabelValues("send").Inc()
	}
	switch transport.ClassifySendError(err) {
	case transport.SendErrorHostUnreachable, transport.SendErrorNetworkUnreachable, transport.SendErrorNoRoute:
		e.logger.Warn("NETWORK unreachable forwarding "+what, "error", err, "call_id", callID)
	default:
		e.logger.Error("NETWORK failed to forward "+what, "error", err, "call_id", callID)
	}
}

// handleCancel implements spec.md §4.5's CANCEL handling: the CANCEL is
// answered 200 directly (it never waits on the callee), then forwarded
// downstream reusing the original INVITE's branch so the callee's
// transaction layer matches it to the pending INVITE. When the Dialog
// Context is already gone — a retransmission arriving after cleanup — the
// CANCEL is still forwarded using whatever Route/invite-branch state is
// left, it just produces no second CDR row.
func (e *Engine) handleCancel(req *sip.Request, cfg *config.Config) {
	e.reply(req, req.SourceWithViaFallback(), 200, "OK")

	callID := req.CallID()
	ctx := e.dialogs.Get(callID)
	branch, hasBranch := e.branches.Get(callID)
	if !hasBranch {
		branch = sip.GenerateBranch()
	}

	if r := req.Route(); r != nil && routePointsAtSelf(r, cfg) {
		req.PopTopRoute()
	}
	var dest sip.Addr
	if r := req.Route(); r != nil {
		dest = addrFromUri(r.Address)
	} else if ctx != nil {
		dest = ctx.CalleeEndpoint
	} else {
		dest = addrFromUri(req.Recipient)
	}

	if dest.IsZero() {
		e.logger.Warn("DROP cancel with no resolvable destination", "call_id", callID)
		e.dropMetric("cancel-no-route")
		return
	}

	selfHost, selfPort := cfg.ServerIP, cfg.ServerPort
	topVia := &sip.ViaHeader{
		ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: sip.DefaultProtocol,
		Host: selfHost, Port: selfPort,
		Params: sip.NewParams().Add("branch", branch),
	}
	req.PushTopVia(topVia)

	if mf, ok := req.MaxForwards(); ok {
		req.ReplaceHeader(mf.Dec())
	}

	if err := e.sendMessage(req, dest); err != nil {
		e.logSendFailure("cancel", err, callID)
		return
	}
	e.forwardedMetric(req.Method)

	if ctx == nil {
		e.logger.Debug("FWD forwarded cancel with no matching dialog context (retransmission)", "call_id", callID)
		return
	}

	key := cdr.DedupKey(cdr.Call, callID, 0)
	e.recorder.RecordOrUpdate(key, cdr.Call, callID, cdr.MilestoneEnded, func(row *cdr.Row) {
		row.State = cdr.StateCancelled
		row.FinalStatus = 487
		fillCallerCallee(row, req)
	})
	if err := e.recorder.Flush(key, false); err != nil {
		e.logger.Error("failed to flush cdr row", "error", err, "call_id", callID)
	} else if e.metrics != nil {
		e.metrics.CDRRowsWritten.Inc()
	}
}
