package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipcore/proxy/sip"
)

func testLogger() *slog.Logger { return slog.Default() }

func TestNewBindsAndLocalAddrReportsIt(t *testing.T) {
	u, err := New("127.0.0.1:0", testLogger())
	require.NoError(t, err)
	defer u.Close()

	addr := u.LocalAddr().(*net.UDPAddr)
	assert.Equal(t, "127.0.0.1", addr.IP.String())
	assert.NotZero(t, addr.Port)
}

func TestServeDispatchesReceivedDatagramsToHandler(t *testing.T) {
	u, err := New("127.0.0.1:0", testLogger())
	require.NoError(t, err)
	defer u.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var received []byte
	done := make(chan struct{})
	go func() {
		_ = u.Serve(ctx, func(payload []byte, source sip.Addr) {
			mu.Lock()
			received = append([]byte{}, payload...)
			mu.Unlock()
			close(done)
		})
	}()

	client, err := net.DialUDP("udp", nil, u.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "hello", string(received))
}

func TestServeReturnsNilWhenContextCancelled(t *testing.T) {
	u, err := New("127.0.0.1:0", testLogger())
	require.NoError(t, err)
	defer u.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- u.Serve(ctx, func([]byte, sip.Addr) {}) }()

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}

func TestSendWritesToDestination(t *testing.T) {
	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer server.Close()

	u, err := New("127.0.0.1:0", testLogger())
	require.NoError(t, err)
	defer u.Close()

	dest := sip.AddrFromUDP(server.LocalAddr().(*net.UDPAddr))
	require.NoError(t, u.Send([]byte("ping"), dest))

	buf := make([]byte, 64)
	require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := server.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}

func TestAllowRateLimitsPerSourceAfterBurst(t *testing.T) {
	u, err := New("127.0.0.1:0", testLogger())
	require.NoError(t, err)
	defer u.Close()

	source := sip.Addr{IP: net.ParseIP("192.0.2.50"), Port: 5060}
	allowed := 0
	for i := 0; i < 200; i++ {
		if u.allow(source) {
			allowed++
		}
	}
	// Burst is 100; a flood of 200 instantaneous packets must not all pass.
	assert.Less(t, allowed, 200)
	assert.GreaterOrEqual(t, allowed, 100)
}

func TestAllowTracksSourcesIndependently(t *testing.T) {
	u, err := New("127.0.0.1:0", testLogger())
	require.NoError(t, err)
	defer u.Close()

	a := sip.Addr{IP: net.ParseIP("192.0.2.1"), Port: 5060}
	b := sip.Addr{IP: net.ParseIP("192.0.2.2"), Port: 5060}
	for i := 0; i < 100; i++ {
		require.True(t, u.allow(a))
	}
	assert.True(t, u.allow(b), "a flood from one source must not exhaust another source's budget")
}

func TestClassifySendErrorUnwrapsErrno(t *testing.T) {
	assert.Equal(t, SendErrorHostUnreachable, ClassifySendError(syscall.EHOSTUNREACH))
	assert.Equal(t, SendErrorNetworkUnreachable, ClassifySendError(syscall.ENETUNREACH))
	assert.Equal(t, SendErrorNoRoute, ClassifySendError(syscall.ENETDOWN))
	assert.Equal(t, SendErrorOther, ClassifySendError(errors.New("boom")))
	assert.Equal(t, SendErrorOther, ClassifySendError(nil))
}

func TestClassifySendErrorUnwrapsOpError(t *testing.T) {
	wrapped := &net.OpError{Op: "write", Err: syscall.EHOSTUNREACH}
	assert.Equal(t, SendErrorHostUnreachable, ClassifySendError(wrapped))
}
