package proxy

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipcore/proxy/internal/auth"
	"github.com/sipcore/proxy/internal/cdr"
	"github.com/sipcore/proxy/internal/config"
	"github.com/sipcore/proxy/internal/dialog"
	"github.com/sipcore/proxy/internal/metrics"
	"github.com/sipcore/proxy/internal/registrar"
	"github.com/sipcore/proxy/internal/transport"
	"github.com/sipcore/proxy/sip"
)

// wireEngine binds a real UDP socket, wires it into a real Engine as the
// Engine's Sender, and starts Serve against it — the same loopback-socket
// harness shape as the corpus's own SIP proxy integration tests. Unlike
// newHarness's fakeSender (used everywhere else in this package to assert
// on forwarding decisions without syscall overhead), this exercises the
// real transport.UDP encode/decode/listen path end to end.
type wiredEngine struct {
	udp  *transport.UDP
	addr *net.UDPAddr
	reg  *registrar.Registrar
}

func wireEngine(t *testing.T, mutate func(*config.Config)) *wiredEngine {
	udp, err := transport.New("127.0.0.1:0", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { udp.Close() })
	addr := udp.LocalAddr().(*net.UDPAddr)

	cfg, err := config.Load([]string{
		"-server-ip=127.0.0.1",
		"-server-port=" + strconv.Itoa(addr.Port),
		"-force-local-addr",
	})
	require.NoError(t, err)
	if mutate != nil {
		mutate(cfg)
	}
	snap := config.NewSnapshot(cfg)

	reg := registrar.New(testLogger())
	dialogs := dialog.NewTable(testLogger())
	pending := dialog.NewPendingTable()
	branches := dialog.NewInviteBranchTable()
	recorder := cdr.New(t.TempDir(), testLogger(), func() bool { return snap.Load().CDRMergeMode })
	authenticator := auth.New(testLogger())
	m := metrics.New()

	engine := New(snap, reg, dialogs, pending, branches, recorder, authenticator, udp, m, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go udp.Serve(ctx, engine.HandleDatagram)

	return &wiredEngine{udp: udp, addr: addr, reg: reg}
}

func readWithDeadline(t *testing.T, conn *net.UDPConn) string {
	buf := make([]byte, 65536)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err, "no response arrived over the wire")
	return string(buf[:n])
}

// TestIntegrationInviteWithNoBindingRepliesOverRealSocket drives the proxy
// through a real UDP socket rather than Engine.HandleDatagram directly,
// sending a literal wire-format INVITE from a real client socket and
// reading the literal wire-format response back.
func TestIntegrationInviteWithNoBindingRepliesOverRealSocket(t *testing.T) {
	we := wireEngine(t, nil)

	client, err := net.DialUDP("udp", nil, we.addr)
	require.NoError(t, err)
	defer client.Close()

	req := newInviteRequest("call-wire-1")
	req.ReplaceHeader(&sip.ViaHeader{
		ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP",
		Host: "127.0.0.1", Port: client.LocalAddr().(*net.UDPAddr).Port,
		Params: sip.NewParams().Add("branch", sip.GenerateBranch()),
	})

	_, err = client.Write([]byte(req.String()))
	require.NoError(t, err)

	resp := readWithDeadline(t, client)
	assert.Contains(t, resp, "480 Temporarily Unavailable")
	assert.Contains(t, resp, "Call-ID: call-wire-1")
}

// TestIntegrationInviteToRegisteredUserForwardsOverRealSocket registers a
// binding directly against the wired engine's registrar, then confirms a
// real client's INVITE datagram is relayed out the same real socket to the
// callee's endpoint with its Request-URI rewritten to the binding's contact,
// Record-Route prepended and Max-Forwards decremented.
func TestIntegrationInviteToRegisteredUserForwardsOverRealSocket(t *testing.T) {
	we := wireEngine(t, nil)

	callee, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer callee.Close()
	calleeAddr := callee.LocalAddr().(*net.UDPAddr)

	aor := registrar.AOR(sip.Uri{User: "bob", Host: "biloxi.com"})
	we.reg.Upsert(aor, registrar.Binding{
		ContactURI:         sip.Uri{User: "bob", Host: calleeAddr.IP.String(), Port: calleeAddr.Port},
		RealSourceEndpoint: sip.Addr{IP: calleeAddr.IP, Port: calleeAddr.Port},
		ExpiryDeadline:     time.Now().Add(time.Hour),
	})

	client, err := net.DialUDP("udp", nil, we.addr)
	require.NoError(t, err)
	defer client.Close()

	req := newInviteRequest("call-wire-2")
	req.ReplaceHeader(&sip.ViaHeader{
		ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP",
		Host: "127.0.0.1", Port: client.LocalAddr().(*net.UDPAddr).Port,
		Params: sip.NewParams().Add("branch", sip.GenerateBranch()),
	})
	_, err = client.Write([]byte(req.String()))
	require.NoError(t, err)

	buf := make([]byte, 65536)
	require.NoError(t, callee.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := callee.ReadFromUDP(buf)
	require.NoError(t, err, "the callee socket never received the forwarded INVITE")
	forwarded := string(buf[:n])

	assert.Contains(t, forwarded, "INVITE sip:bob@"+calleeAddr.IP.String()+":"+strconv.Itoa(calleeAddr.Port)+" SIP/2.0")
	assert.Contains(t, forwarded, "Record-Route: <sip:127.0.0.1:"+strconv.Itoa(we.addr.Port)+";lr>")
	assert.Contains(t, forwarded, "Max-Forwards: 69")
}
