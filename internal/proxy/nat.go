package proxy

import (
	"net"
	"strconv"

	"github.com/sipcore/proxy/internal/config"
	"github.com/sipcore/proxy/sip"
)

// addNATParamsToRequestVia stamps "received" (and, when the request asked
// for it, "rport") onto the topmost Via already on the request — the
// previous hop's own Via — before we push ours, per spec.md §4.5's NAT
// rewriting subsection. It never rewrites anything when the source is
// already trusted as local.
func (e *Engine) addNATParamsToRequestVia(req *sip.Request, source sip.Addr, cfg *config.Config) {
	v := req.Via()
	if v == nil || source.IP == nil {
		return
	}
	if cfg.IsLocal(source.IP) {
		return
	}
	if v.Host != source.IP.String() {
		v.Params = v.Params.Add("received", source.IP.String())
	}
	if _, ok := v.Params.Get("rport"); ok {
		v.Params = v.Params.Add("rport", strconv.Itoa(source.Port))
	}
}

// parseIPOrResolve resolves a Request-URI or Route host to an IP. SIP
// proxies in the field nearly always see literal IPs here because the
// upstream element already resolved DNS; when given a name we fall back to
// net.LookupIP and take the first result rather than carrying a resolver
// dependency for the uncommon case.
func parseIPOrResolve(host string) net.IP {
	if ip := net.ParseIP(host); ip != nil {
		return ip
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return nil
	}
	return ips[0]
}
