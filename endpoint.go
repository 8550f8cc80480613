// Package qpeer implements a QUIC-based peer-to-peer messaging library: a
// framed wire protocol, a per-connection message demultiplexer, and a
// deduplicating connection pool with retry.
package qpeer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/quicmesh/qpeer/pool"
	"github.com/quicmesh/qpeer/status"
)

// Identity is the connection pool's key: an opaque, comparable value
// derived deterministically from a peer's socket address. Two dials to the
// same address always produce the same Identity, so they deduplicate
// through the pool.
type Identity string

// identityFor derives an Identity from a socket address.
func identityFor(addr *net.UDPAddr) Identity { return Identity(addr.String()) }

// ConnectionHandle wraps a live Connection with the pool eviction
// capability: any send failure evicts the handle so the next dial to the
// same identity redials.
//
// A ConnectionHandle is also an owner of its Connection's liveness token:
// newConnectionHandle retains on construction, and Close releases. Once
// every handle sharing a Connection (e.g. two concurrent dials to the same
// identity, deduplicated to one underlying connection) has been closed,
// the connection's background demultiplexer tasks are cancelled.
type ConnectionHandle struct {
	h  pool.Handle[Identity, *Connection]
	ep *Endpoint

	closeOnce sync.Once
}

// newConnectionHandle wraps h, retaining a liveness owner on its
// Connection. Every ConnectionHandle returned to application code must be
// constructed this way so Close has a matching Retain to release.
func newConnectionHandle(h pool.Handle[Identity, *Connection], ep *Endpoint) *ConnectionHandle {
	h.Conn.Retain()
	return &ConnectionHandle{h: h, ep: ep}
}

// Conn exposes the underlying Connection for callers that need raw stream
// access (OpenUni, OpenBi, OpenPseudoBi).
func (ch *ConnectionHandle) Conn() *Connection { return ch.h.Conn }

// ID returns the stable numeric connection id.
func (ch *ConnectionHandle) ID() uint64 { return ch.h.Conn.ID() }

// RemoteAddress returns the peer's observed network address.
func (ch *ConnectionHandle) RemoteAddress() net.Addr { return ch.h.Conn.RemoteAddress() }

// Remove evicts this handle's pool entry; idempotent, and a no-op if a
// newer connection has since replaced it.
func (ch *ConnectionHandle) Remove() {
	ch.h.Remove()
	ch.ep.monitor.ConnectionEvicted()
}

// Close releases this handle's ownership of its Connection's liveness
// token. It does not evict the pool entry: other handles sharing the same
// connection (see newConnectionHandle) may still be live. Idempotent.
func (ch *ConnectionHandle) Close() {
	ch.closeOnce.Do(func() { ch.h.Conn.Release() })
}

// Send opens a fresh unidirectional stream, writes one UserMsg, and
// finishes it. Any error evicts this handle from the pool so the next
// GetOrDial/Dial redials.
func (ch *ConnectionHandle) Send(ctx context.Context, payload []byte) *SendError {
	err := ch.h.Conn.Send(ctx, payload)
	if err != nil {
		ch.Remove()
	}
	return err
}

// IncomingMessage pairs a delivered UserMsg with the handle it arrived on.
// Send is non-nil when the message arrived on a bi-stream or a
// pseudo-bi-stream pair, letting the application reply without opening a
// fresh unidirectional stream.
type IncomingMessage struct {
	Handle  *ConnectionHandle
	Payload []byte
	Send    *SendStream
}

// Endpoint is the local peer's presence on the network: a bound UDP socket
// plus the pool of connections and their background tasks.
type Endpoint struct {
	cfg        *Config
	listener   *quic.Listener
	clientTLS  *tls.Config
	quicConfig *quic.Config

	pool    *pool.Pool[Identity, *Connection]
	monitor *status.Monitor

	incomingConns chan *ConnectionHandle
	incomingMsgs  chan IncomingMessage

	closeOnce sync.Once
	done      chan struct{}
}

// NewEndpoint binds a UDP socket at addr and starts accepting inbound QUIC
// connections. serverTLS must present the deployment's ALPN; the TLS configs
// are used as given and cfg.ALPN is not applied to them. clientTLS is used
// for outbound dials performed by Dial and by the verification protocol
// handler.
func NewEndpoint(addr string, serverTLS, clientTLS *tls.Config, cfg *Config) (*Endpoint, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	qcfg := &quic.Config{
		MaxIdleTimeout:  cfg.idleTimeout(),
		KeepAlivePeriod: cfg.keepAlive(),
	}

	listener, err := quic.ListenAddr(addr, serverTLS, qcfg)
	if err != nil {
		return nil, fmt.Errorf("qpeer: listen %s: %w", addr, err)
	}

	e := &Endpoint{
		cfg:           cfg,
		listener:      listener,
		clientTLS:     clientTLS,
		quicConfig:    qcfg,
		pool:          pool.New[Identity, *Connection](),
		monitor:       status.NewMonitor(),
		incomingConns: make(chan *ConnectionHandle, 256),
		incomingMsgs:  make(chan IncomingMessage, 10000),
		done:          make(chan struct{}),
	}
	go e.acceptLoop()
	return e, nil
}

// LocalAddr returns the bound UDP socket address.
func (e *Endpoint) LocalAddr() net.Addr { return e.listener.Addr() }

// Monitor returns the endpoint's activity monitor, for callers that want to
// start periodic diagnostic logging.
func (e *Endpoint) Monitor() *status.Monitor { return e.monitor }

// IncomingConnections yields a handle for every inbound connection as soon
// as it is accepted and installed in the pool.
func (e *Endpoint) IncomingConnections() <-chan *ConnectionHandle { return e.incomingConns }

// IncomingMessages yields every UserMsg delivered on a connection this
// endpoint accepted, paired with the handle it arrived on. Messages on a
// connection opened with Dial are not forwarded here; they stay on that
// connection's own Inbound queue.
func (e *Endpoint) IncomingMessages() <-chan IncomingMessage { return e.incomingMsgs }

// Dial establishes (or reuses) a connection to addr, deduplicating
// concurrent dials to the same identity.
func (e *Endpoint) Dial(ctx context.Context, addr *net.UDPAddr) (*ConnectionHandle, error) {
	h, err := e.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return newConnectionHandle(h, e), nil
}

func (e *Endpoint) dial(ctx context.Context, addr *net.UDPAddr) (pool.Handle[Identity, *Connection], error) {
	id := identityFor(addr)
	return e.pool.GetOrDial(ctx, id, func(ctx context.Context) (*Connection, error) {
		e.monitor.DialStarted()
		qconn, err := quic.DialAddr(ctx, addr.String(), e.clientTLS, e.quicConfig)
		if err != nil {
			return nil, fmt.Errorf("qpeer: dial %s: %w", addr, err)
		}
		conn := newConnection(qconn, e.cfg, e.verifyAddress)
		e.monitor.ConnectionEstablished(false)
		return conn, nil
	})
}

// Close shuts down the listener; already-established connections run until
// their own Close or idle timeout. Idempotent.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)
		err = e.listener.Close()
	})
	return err
}

func (e *Endpoint) acceptLoop() {
	for {
		qconn, err := e.listener.Accept(context.Background())
		if err != nil {
			return
		}
		conn := newConnection(qconn, e.cfg, e.verifyAddress)
		id := identityFor(udpAddr(qconn.RemoteAddr()))
		h := e.pool.Insert(id, conn)
		e.monitor.ConnectionEstablished(true)

		handle := newConnectionHandle(h, e)
		select {
		case e.incomingConns <- handle:
		case <-e.done:
			return
		}
		go e.forwardMessages(handle)
	}
}

// forwardMessages drains conn's inbound queue, forwarding UserMsg payloads
// to IncomingMessages, until the connection's demultiplexer terminates, at
// which point the handle is evicted from the pool.
func (e *Endpoint) forwardMessages(handle *ConnectionHandle) {
	conn := handle.h.Conn
	for {
		select {
		case item := <-conn.Inbound():
			if item == nil || item.Err != nil {
				continue
			}
			e.monitor.Touch(string(handle.h.ID()))
			select {
			case e.incomingMsgs <- IncomingMessage{Handle: handle, Payload: item.Payload, Send: item.Send}:
			case <-conn.Terminated():
			case <-e.done:
				return
			}
		case <-conn.Terminated():
			handle.h.Remove()
			e.monitor.ConnectionEvicted()
			return
		case <-e.done:
			return
		}
	}
}

// udpAddr asserts a that net.Addr returned by quic-go (always backed by a
// UDP socket) is a *net.UDPAddr.
func udpAddr(addr net.Addr) *net.UDPAddr {
	if u, ok := addr.(*net.UDPAddr); ok {
		return u
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return &net.UDPAddr{}
	}
	resolved, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, port))
	if err != nil {
		return &net.UDPAddr{}
	}
	return resolved
}
