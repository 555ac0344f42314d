// Package transport binds the single UDP socket this proxy listens on and
// runs its receive loop, per spec.md §4.2. The transport layer never
// parses; it only frames datagrams and classifies send errors.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"syscall"

	"golang.org/x/time/rate"

	"github.com/sipcore/proxy/sip"
)

const maxDatagramSize = 65535

// Handler processes one received datagram. It must not block on further
// I/O in a way that starves the receive loop — per spec.md §5, suspension
// points are receive, send, and CSV append; everything else is synchronous.
type Handler func(payload []byte, source sip.Addr)

// UDP is the single-socket transport.
type UDP struct {
	conn   *net.UDPConn
	logger *slog.Logger

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// New binds the UDP socket at addr ("host:port").
func New(addr string, logger *slog.Logger) (*UDP, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &UDP{
		conn:     conn,
		logger:   logger.With("component", "transport"),
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// LocalAddr returns the bound address.
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// Close releases the socket.
func (u *UDP) Close() error {
	return u.conn.Close()
}

// Serve reads datagrams until ctx is cancelled or the socket errors,
// dispatching each to handler. Per-source flood control is applied before
// dispatch: sources exceeding the limiter's rate are dropped silently
// rather than handed to the handler.
func (u *UDP) Serve(ctx context.Context, handler Handler) error {
	go func() {
		<-ctx.Done()
		_ = u.conn.Close()
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, raddr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		source := sip.AddrFromUDP(raddr)
		if !u.allow(source) {
			u.logger.Debug("DROP flood limit exceeded", "source", source.String())
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		handler(payload, source)
	}
}

func (u *UDP) allow(source sip.Addr) bool {
	key := source.IP.String()
	u.limitersMu.Lock()
	lim, ok := u.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(50), 100)
		u.limiters[key] = lim
	}
	u.limitersMu.Unlock()
	return lim.Allow()
}

// Send writes payload to dest. Errors are classified by SendErrorKind so
// the routing engine can synthesize the correct SIP failure back to the
// original requester.
func (u *UDP) Send(payload []byte, dest sip.Addr) error {
	_, err := u.conn.WriteToUDP(payload, dest.UDPAddr())
	return err
}

// SendErrorKind classifies an outbound send failure per spec.md §4.2.
type SendErrorKind int

const (
	SendErrorOther SendErrorKind = iota
	SendErrorHostUnreachable
	SendErrorNetworkUnreachable
	SendErrorNoRoute
)

// ClassifySendError inspects err's underlying errno, when available, to
// distinguish host/network-unreachable and no-route conditions (which get
// a synthesized method-appropriate failure and no retry) from any other OS
// error (which gets a generic 502).
func ClassifySendError(err error) SendErrorKind {
	if err == nil {
		return SendErrorOther
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EHOSTUNREACH:
			return SendErrorHostUnreachable
		case syscall.ENETUNREACH:
			return SendErrorNetworkUnreachable
		case syscall.ENETDOWN, syscall.EHOSTDOWN:
			return SendErrorNoRoute
		}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Err != nil {
			return ClassifySendError(opErr.Err)
		}
	}
	return SendErrorOther
}
