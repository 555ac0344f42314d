package proxy

import (
	"github.com/sipcore/proxy/internal/cdr"
	"github.com/sipcore/proxy/internal/config"
	"github.com/sipcore/proxy/internal/dialog"
	"github.com/sipcore/proxy/internal/registrar"
	"github.com/sipcore/proxy/internal/transport"
	"github.com/sipcore/proxy/sip"
)

// forwardInitial implements spec.md §4.5 "Forwarding an initial INVITE /
// MESSAGE / OPTIONS (to a registered user)".
func (e *Engine) forwardInitial(req *sip.Request, cfg *config.Config) {
	aor := registrar.AOR(req.Recipient)
	binding, ok := e.registrar.FirstActive(aor)
	if !ok {
		e.logger.Info("DROP no binding for aor", "aor", aor, "call_id", req.CallID())
		status := 480
		reason := "Temporarily Unavailable"
		if req.Method == sip.OPTIONS {
			status, reason = 404, "Not Found"
		}
		e.reply(req, req.SourceWithViaFallback(), status, reason)
		e.recordFailedCDR(req, status, "NoRoute")
		e.dropMetric("no-route")
		return
	}

	source := req.SourceWithViaFallback()

	req.Recipient = binding.ContactURI.Clone()

	selfHost, selfPort := cfg.ServerIP, cfg.ServerPort
	topVia := &sip.ViaHeader{
		ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: sip.DefaultProtocol,
		Host: selfHost, Port: selfPort,
		Params: sip.NewParams().Add("branch", sip.GenerateBranch()).Add("rport", ""),
	}
	e.addNATParamsToRequestVia(req, source, cfg)
	req.PushTopVia(topVia)

	req.PrependHeader(&sip.RecordRouteHeader{
		Address: sip.Uri{Host: selfHost, Port: selfPort, UriParams: sip.NewParams().Add("lr", "")},
	})

	if mf, ok := req.MaxForwards(); ok {
		req.ReplaceHeader(mf.Dec())
	}

	e.pending.Set(req.CallID(), source)

	if req.Method == sip.INVITE {
		e.dialogs.Create(req.CallID(), source, binding.RealSourceEndpoint)
		if branch, ok := topBranch(req); ok {
			e.branches.Set(req.CallID(), branch)
		}
		rt := cdr.Call
		e.recorder.RecordOrUpdate(req.CallID(), rt, req.CallID(), cdr.MilestoneInvite, func(row *cdr.Row) {
			fillCallerCallee(row, req)
		})
	}

	if err := e.sendMessage(req, binding.RealSourceEndpoint); err != nil {
		e.handleSendError(req, err)
		return
	}
	e.forwardedMetric(req.Method)
	e.logger.Info("FWD forwarded initial request", "method", string(req.Method), "call_id", req.CallID(), "to", binding.RealSourceEndpoint.String())
}

// forwardInDialog implements spec.md §4.5 "Forwarding in-dialog requests".
func (e *Engine) forwardInDialog(req *sip.Request, cfg *config.Config) {
	var dest sip.Addr

	if r := req.Route(); r != nil && routePointsAtSelf(r, cfg) {
		req.PopTopRoute()
	}
	if r := req.Route(); r != nil {
		dest = addrFromUri(r.Address)
	} else {
		dest = addrFromUri(req.Recipient)
	}

	selfHost, selfPort := cfg.ServerIP, cfg.ServerPort
	topVia := &sip.ViaHeader{
		ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: sip.DefaultProtocol,
		Host: selfHost, Port: selfPort,
		Params: sip.NewParams().Add("branch", sip.GenerateBranch()).Add("rport", ""),
	}
	source := req.SourceWithViaFallback()
	e.addNATParamsToRequestVia(req, source, cfg)
	req.PushTopVia(topVia)

	if mf, ok := req.MaxForwards(); ok {
		req.ReplaceHeader(mf.Dec())
	}

	if req.Method == sip.CANCEL {
		if branch, ok := e.branches.Get(req.CallID()); ok {
			if v := req.Via(); v != nil && v.Next != nil {
				v.Next.Params = v.Next.Params.Add("branch", branch)
			}
		}
	}

	callID := req.CallID()
	_, hadDialog := dialogExists(e.dialogs, callID)

	if req.Method == sip.BYE || req.Method == sip.CANCEL {
		if !hadDialog {
			e.logger.Debug("FWD forwarding in-dialog request with no dialog context (retransmission)", "method", string(req.Method), "call_id", callID)
			if err := e.sendMessage(req, dest); err != nil {
				e.handleSendError(req, err)
			} else {
				e.forwardedMetric(req.Method)
			}
			return
		}
	}

	e.pending.Set(callID, source)

	if err := e.sendMessage(req, dest); err != nil {
		e.handleSendError(req, err)
		return
	}
	e.forwardedMetric(req.Method)
	e.logger.Info("FWD forwarded in-dialog request", "method", string(req.Method), "call_id", callID, "to", dest.String())
}

func dialogExists(t *dialog.Table, callID string) (*dialog.Context, bool) {
	ctx := t.Get(callID)
	return ctx, ctx != nil
}

func routePointsAtSelf(r *sip.RouteHeader, cfg *config.Config) bool {
	_, hasLr := r.Address.UriParams.Get("lr")
	return hasLr && r.Address.HostPort() == cfg.AdvertisedHost()
}

func addrFromUri(u sip.Uri) sip.Addr {
	port := u.Port
	if port == 0 {
		port = sip.DefaultPort(sip.DefaultProtocol)
	}
	ip := parseIPOrResolve(u.Host)
	return sip.Addr{IP: ip, Port: port}
}

// handleSendError implements spec.md §4.2's OS-error branching: unreachable
// kinds log at WARNING and synthesize the method-appropriate failure, any
// other OS error logs at ERROR and synthesizes 502.
func (e *Engine) handleSendError(req *sip.Request, err error) {
	if e.metrics != nil {
		e.metrics.NetworkErrors.WithLabelValues("send").Inc()
	}

	var status int
	var reason string
	switch transport.ClassifySendError(err) {
	case transport.SendErrorHostUnreachable, transport.SendErrorNetworkUnreachable, transport.SendErrorNoRoute:
		e.logger.Warn("NETWORK unreachable", "error", err, "call_id", req.CallID(), "method", string(req.Method))
		status, reason = sendFailureStatus(req.Method)
	default:
		e.logger.Error("NETWORK send failed", "error", err, "call_id", req.CallID(), "method", string(req.Method))
		status, reason = 502, "Bad Gateway"
	}
	e.reply(req, req.SourceWithViaFallback(), status, reason)

	e.dialogs.Remove(req.CallID())
	e.pending.Remove(req.CallID())
	e.recordFailedCDR(req, status, "Timeout")
}

func sendFailureStatus(method sip.RequestMethod) (int, string) {
	switch method {
	case sip.INVITE, sip.MESSAGE, sip.OPTIONS, sip.REGISTER:
		return 480, "Temporarily Unavailable"
	case sip.BYE:
		return 408, "Request Timeout"
	default:
		return 503, "Service Unavailable"
	}
}
