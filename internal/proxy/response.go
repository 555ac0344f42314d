package proxy

import (
	"strconv"

	"github.com/sipcore/proxy/internal/cdr"
	"github.com/sipcore/proxy/internal/dialog"
	"github.com/sipcore/proxy/sip"
)

// endOfPathStatuses are dropped rather than propagated further up a chain
// this proxy itself initiated, per spec.md §4.5 "Forwarding a response"
// step 4 — they describe a failure local to the hop that produced them, not
// something the next hop up should see repeated.
var endOfPathStatuses = map[int]bool{482: true, 483: true, 502: true, 503: true, 504: true}

// handleResponse implements spec.md §4.5 "Forwarding a response": pop our
// own Via (only if it is actually ours), resolve the next hop from whatever
// Via is left on top honoring received/rport (or the Dialog Context's
// caller side for a final INVITE response), and update the Dialog Context
// and CDR row for INVITE/BYE transactions along the way.
func (e *Engine) handleResponse(res *sip.Response) {
	cfg := e.cfg.Load()
	callID := res.CallID()

	top := res.Via()
	if top == nil || top.SentBy() != cfg.AdvertisedHost() {
		e.logger.Warn("DROP response whose top via is not ours", "call_id", callID)
		e.dropMetric("not-ours")
		return
	}
	res.PopTopVia()

	if endOfPathStatuses[int(res.StatusCode)] {
		e.logger.Debug("DROP end-of-path response", "call_id", callID, "status", res.StatusCode)
		e.dropMetric("end-of-path")
		e.pending.Remove(callID)
		return
	}

	cseq := res.CSeq()

	nextVia := res.Via()
	if nextVia == nil {
		e.logger.Debug("DROP response with no remaining via", "call_id", callID)
		e.dropMetric("no-via")
		e.pending.Remove(callID)
		return
	}

	var dest sip.Addr
	if cseq != nil && cseq.Method == sip.INVITE && res.IsFinal() {
		if ctx := e.dialogs.Get(callID); ctx != nil {
			dest = ctx.CallerEndpoint
		}
	}
	if dest.IsZero() {
		dest = destinationFromVia(nextVia)
	}

	if cseq != nil {
		switch cseq.Method {
		case sip.INVITE:
			e.trackInviteResponse(res, callID)
		case sip.BYE:
			e.trackByeResponse(res, callID)
		}
	}

	if dest.IsZero() {
		e.pending.Remove(callID)
		return
	}

	if err := e.sendMessage(res, dest); err != nil {
		e.logSendFailure("response", err, callID)
		return
	}
	e.pending.Remove(callID)
}

func destinationFromVia(v *sip.ViaHeader) sip.Addr {
	host := v.Host
	port := v.Port
	if received, ok := v.Params.Get("received"); ok && received != "" {
		host = received
	}
	if rport, ok := v.Params.Get("rport"); ok && rport != "" {
		if n, err := strconv.Atoi(rport); err == nil && n > 0 {
			port = n
		}
	}
	if port == 0 {
		port = sip.DefaultPort(v.Transport)
	}
	return sip.Addr{IP: parseIPOrResolve(host), Port: port}
}

func (e *Engine) trackInviteResponse(res *sip.Response, callID string) {
	ctx := e.dialogs.Get(callID)

	switch {
	case res.IsProvisional():
		if ctx != nil && res.StatusCode == 180 {
			e.recorder.RecordOrUpdate(callID, cdr.Call, callID, cdr.MilestoneRinging, func(row *cdr.Row) {})
		}
	case res.IsSuccess():
		if ctx != nil {
			confirmed := dialog.Confirmed
			e.dialogs.Touch(callID, &confirmed)
		}
		e.recorder.RecordOrUpdate(callID, cdr.Call, callID, cdr.MilestoneAnswered, func(row *cdr.Row) {
			row.State = cdr.StateSuccess
			row.FinalStatus = int(res.StatusCode)
		})
		e.branches.Consume(callID)
	default:
		// Final non-2xx: the INVITE transaction failed, the dialog
		// never formed.
		e.dialogs.Remove(callID)
		e.branches.Consume(callID)
		key := cdr.DedupKey(cdr.Call, callID, 0)
		e.recorder.RecordOrUpdate(key, cdr.Call, callID, cdr.MilestoneEnded, func(row *cdr.Row) {
			row.State = cdr.StateFailed
			row.FinalStatus = int(res.StatusCode)
			row.Reason = res.Reason
		})
		if err := e.recorder.Flush(key, false); err != nil {
			e.logger.Error("failed to flush cdr row", "error", err, "call_id", callID)
		} else if e.metrics != nil {
			e.metrics.CDRRowsWritten.Inc()
		}
	}
}

func (e *Engine) trackByeResponse(res *sip.Response, callID string) {
	if !res.IsFinal() {
		return
	}
	e.dialogs.Remove(callID)
	key := cdr.DedupKey(cdr.Call, callID, 0)
	e.recorder.RecordOrUpdate(key, cdr.Call, callID, cdr.MilestoneEnded, func(row *cdr.Row) {
		row.State = cdr.StateEnded
		row.FinalStatus = int(res.StatusCode)
	})
	if err := e.recorder.Flush(key, false); err != nil {
		e.logger.Error("failed to flush cdr row", "error", err, "call_id", callID)
	} else if e.metrics != nil {
		e.metrics.CDRRowsWritten.Inc()
	}
}
