package proxy

import (
	"strconv"
	"time"

	"github.com/sipcore/proxy/internal/auth"
	"github.com/sipcore/proxy/internal/cdr"
	"github.com/sipcore/proxy/internal/config"
	"github.com/sipcore/proxy/internal/registrar"
	"github.com/sipcore/proxy/sip"
)

const defaultMaxExpiry = 3600

// handleRegister implements spec.md §4.4: authenticate, then per-Contact
// upsert/remove against the Registrar, then reply 200 with the remaining
// bindings.
func (e *Engine) handleRegister(req *sip.Request, cfg *config.Config) {
	to := req.To()
	if to == nil {
		e.reply(req, req.SourceWithViaFallback(), 400, "Bad Request")
		return
	}
	aor := registrar.AOR(to.Address)
	source := req.SourceWithViaFallback()
	realm := cfg.AdvertisedHost()

	authz := req.GetHeader("Authorization")
	if authz == nil {
		challenge := e.auth.Challenge(realm, "MD5")
		res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
		res.AppendHeader(sip.NewHeader("WWW-Authenticate", challenge))
		e.sendMessage(res, source)
		// Per spec.md §4.3: a 401 challenge is part of normal flow and
		// must not itself produce a CDR row.
		return
	}

	if result := e.auth.Verify(cfg, string(req.Method), authz.Value(), realm); result != auth.OK {
		challenge := e.auth.Challenge(realm, "MD5")
		res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
		res.AppendHeader(sip.NewHeader("WWW-Authenticate", challenge))
		e.sendMessage(res, source)
		return
	}

	contacts := req.GetHeaders("Contact")
	unregisterAll := false
	if len(contacts) == 1 {
		if c, ok := contacts[0].(*sip.ContactHeader); ok && c.Address.Wildcard {
			unregisterAll = true
		}
	}

	anyExpires := 0
	if unregisterAll {
		e.registrar.RemoveAll(aor)
	} else {
		for _, h := range contacts {
			c, ok := h.(*sip.ContactHeader)
			if !ok {
				continue
			}
			expires := requestedExpires(req, c, cfg)
			anyExpires = expires

			contactURI := c.Address.Clone()
			if e.shouldNATRewrite(source, cfg) {
				contactURI.Host = source.IP.String()
				contactURI.Port = source.Port
			}

			if expires == 0 {
				e.registrar.Remove(aor, contactURI, source)
				continue
			}

			binding := registrar.Binding{
				ContactURI:         contactURI,
				RealSourceEndpoint: source,
				ExpiryDeadline:     time.Now().Add(time.Duration(expires) * time.Second),
				CallID:             req.CallID(),
			}
			if cseq := req.CSeq(); cseq != nil {
				binding.CSeq = cseq.SeqNo
			}
			if ua := req.GetHeader("User-Agent"); ua != nil {
				binding.UserAgent = ua.Value()
			}
			e.registrar.Upsert(aor, binding)
		}
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	remaining := e.registrar.Bindings(aor)
	for _, b := range remaining {
		remainingSecs := int(time.Until(b.ExpiryDeadline).Seconds())
		if remainingSecs < 0 {
			remainingSecs = 0
		}
		contact := &sip.ContactHeader{Address: b.ContactURI}
		contact.Params = sip.NewParams().Add("expires", strconv.Itoa(remainingSecs))
		res.AppendHeader(contact)
	}
	e.sendMessage(res, source)

	state := cdr.StateSuccess
	if unregisterAll || (len(contacts) > 0 && anyExpires == 0) {
		state = cdr.StateUnregistered
	}
	key := cdr.DedupKey(cdr.Register, req.CallID(), 0)
	e.recorder.RecordOrUpdate(key, cdr.Register, req.CallID(), cdr.MilestoneEnded, func(row *cdr.Row) {
		row.State = state
		row.FinalStatus = 200
		fillCallerCallee(row, req)
	})
	if err := e.recorder.Flush(key, false); err != nil {
		e.logger.Error("failed to flush register cdr row", "error", err)
	} else if e.metrics != nil {
		e.metrics.CDRRowsWritten.Inc()
	}
}

func requestedExpires(req *sip.Request, c *sip.ContactHeader, cfg *config.Config) int {
	if v, ok := c.Expires(); ok {
		return clampExpiry(v, cfg)
	}
	if eh := req.GetHeader("Expires"); eh != nil {
		if n, err := strconv.Atoi(eh.Value()); err == nil {
			return clampExpiry(n, cfg)
		}
	}
	return clampExpiry(defaultMaxExpiry, cfg)
}

func clampExpiry(requested int, cfg *config.Config) int {
	if requested <= 0 {
		return 0
	}
	max := cfg.RegistrationExpires
	if max <= 0 {
		max = defaultMaxExpiry
	}
	if requested > max {
		return max
	}
	return requested
}

func (e *Engine) shouldNATRewrite(source sip.Addr, cfg *config.Config) bool {
	if cfg.ForceLocalAddr {
		return false
	}
	if source.IP == nil {
		return false
	}
	return !cfg.IsLocal(source.IP)
}

