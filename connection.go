package qpeer

import (
	"context"
	"crypto/rand"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"

	"github.com/quicmesh/qpeer/limiter"
	"github.com/quicmesh/qpeer/retry"
	"github.com/quicmesh/qpeer/wire"
)

// quicSendStream is the subset of *quic.SendStream / *quic.Stream this
// package relies on; kept as an interface so tests can substitute fakes.
type quicSendStream interface {
	io.Writer
	SetPriority(int)
	Close() error
	CancelWrite(quic.StreamErrorCode)
}

// quicRecvStream is the subset of *quic.ReceiveStream / *quic.Stream this
// package relies on.
type quicRecvStream interface {
	io.Reader
	CancelRead(quic.StreamErrorCode)
}

// SendStream is a typed wrapper exposing "send one framed message" over a
// raw QUIC send-capable stream.
type SendStream struct {
	qs  quicSendStream
	lim *limiter.SharedLimiter
}

func newSendStream(qs quicSendStream, lim *limiter.SharedLimiter) *SendStream {
	return &SendStream{qs: qs, lim: lim}
}

// SetPriority is best-effort; a panic from an already-finalized underlying
// stream is swallowed and silently ignored.
func (s *SendStream) SetPriority(p int) {
	defer func() { recover() }()
	s.qs.SetPriority(p)
}

func (s *SendStream) writer() io.Writer {
	if s.lim != nil {
		return s.lim.WrapWriter(s.qs)
	}
	return s.qs
}

// SendUserMsg writes one UserMsg frame.
func (s *SendStream) SendUserMsg(payload []byte) *SendError {
	return s.writeMsg(wire.UserMsg(payload))
}

func (s *SendStream) writeMsg(msg wire.Msg) *SendError {
	if err := wire.WriteToStream(s.writer(), msg); err != nil {
		if isStreamStopped(err) {
			return sendErrStream(classifyStreamErr(err))
		}
		return sendErrSerial(err)
	}
	return nil
}

// Finish flushes and awaits peer acknowledgment of all sent bytes. A stream
// already stopped/reset by the peer is treated as benign success: the
// message is presumed delivered.
func (s *SendStream) Finish() *SendError {
	err := s.qs.Close()
	if err == nil {
		return nil
	}
	if isStreamStopped(err) {
		return nil
	}
	return sendErrStream(classifyStreamErr(err))
}

// CancelWrite abandons the stream immediately with the given error code.
func (s *SendStream) CancelWrite(code quic.StreamErrorCode) {
	s.qs.CancelWrite(code)
}

// RecvStream is a typed wrapper exposing "await next framed message" over a
// raw QUIC receive-capable stream.
type RecvStream struct {
	qs  quicRecvStream
	lim *limiter.SharedLimiter
}

func newRecvStream(qs quicRecvStream, lim *limiter.SharedLimiter) *RecvStream {
	return &RecvStream{qs: qs, lim: lim}
}

func (r *RecvStream) reader() io.Reader {
	if r.lim != nil {
		return r.lim.WrapReader(r.qs)
	}
	return r.qs
}

// ReadMsg reads one framed record, or returns (nil, nil) on clean
// end-of-stream before any tag byte arrives.
func (r *RecvStream) ReadMsg() (*wire.Msg, *RecvError) {
	msg, err := wire.ReadFromStream(r.reader())
	if err != nil {
		return nil, recvErrSerial(err)
	}
	return msg, nil
}

// CancelRead abandons reading the stream immediately with the given error
// code.
func (r *RecvStream) CancelRead(code quic.StreamErrorCode) {
	r.qs.CancelRead(code)
}

// liveness is the cancellation signal shared by every application-visible
// handle of a Connection and its background demultiplexer tasks. Each
// handle acquires on construction and releases on Close; the last release
// closes done, which background tasks only ever watch.
type liveness struct {
	mu        sync.Mutex
	refs      int
	done      chan struct{}
	closeOnce sync.Once
}

func newLiveness() *liveness {
	return &liveness{done: make(chan struct{})}
}

func (l *liveness) acquire() {
	l.mu.Lock()
	l.refs++
	l.mu.Unlock()
}

func (l *liveness) release() {
	l.mu.Lock()
	l.refs--
	dead := l.refs <= 0
	l.mu.Unlock()
	if dead {
		l.closeOnce.Do(func() { close(l.done) })
	}
}

func (l *liveness) Done() <-chan struct{} { return l.done }

// pendingSlot is a one-shot delivery slot awaiting a RecvStream, keyed by a
// pseudo-bi-stream token.
type pendingSlot struct {
	ch chan *RecvStream
}

// pendingTable is the mutex-guarded map of pseudo-bi tokens awaiting their
// matching EndpointPseudoBiStreamResp.
type pendingTable struct {
	mu    sync.Mutex
	slots map[[wire.TokenLen]byte]*pendingSlot
}

func newPendingTable() *pendingTable {
	return &pendingTable{slots: make(map[[wire.TokenLen]byte]*pendingSlot)}
}

func (t *pendingTable) insert(token [wire.TokenLen]byte) *pendingSlot {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := &pendingSlot{ch: make(chan *RecvStream, 1)}
	t.slots[token] = slot
	return slot
}

// resolve hands recv to the waiter for token, if any, and removes the
// entry. Returns false if token is unknown (a late or duplicate response,
// silently ignored).
func (t *pendingTable) resolve(token [wire.TokenLen]byte, recv *RecvStream) bool {
	t.mu.Lock()
	slot, ok := t.slots[token]
	if ok {
		delete(t.slots, token)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	slot.ch <- recv
	return true
}

func (t *pendingTable) remove(token [wire.TokenLen]byte) {
	t.mu.Lock()
	delete(t.slots, token)
	t.mu.Unlock()
}

// drainAll closes every outstanding slot with a nil delivery, waking any
// waiter with an error; used when the connection terminates.
func (t *pendingTable) drainAll() {
	t.mu.Lock()
	slots := t.slots
	t.slots = make(map[[wire.TokenLen]byte]*pendingSlot)
	t.mu.Unlock()
	for _, slot := range slots {
		close(slot.ch)
	}
}

var connIDSeq atomic.Uint64

// Connection wraps one established *quic.Conn with qpeer's stream
// discipline: framed sends, the background demultiplexer, and the
// pseudo-bi-stream handshake.
type Connection struct {
	id    uint64
	qconn *quic.Conn

	retryPolicy *retry.Policy
	lim         *limiter.SharedLimiter

	live    *liveness
	liveCtx context.Context
	pending *pendingTable

	inbound chan *Inbound

	// verify answers an EndpointVerificationReq received on a bi-stream by
	// attempting the reverse probe. Supplied by the owning Endpoint so
	// Connection stays ignorant of dialing.
	verify func(ctx context.Context, addr *net.UDPAddr) bool

	terminated chan struct{}
	closeOnce  sync.Once
}

func newConnection(qconn *quic.Conn, cfg *Config, verify func(ctx context.Context, addr *net.UDPAddr) bool) *Connection {
	liveCtx, cancelLive := context.WithCancel(context.Background())
	c := &Connection{
		id:          connIDSeq.Add(1),
		qconn:       qconn,
		retryPolicy: cfg.retryPolicy(),
		lim:         limiter.New(cfg.sendRate()),
		live:        newLiveness(),
		liveCtx:     liveCtx,
		pending:     newPendingTable(),
		inbound:     make(chan *Inbound, inboundQueueCapacity),
		verify:      verify,
		terminated:  make(chan struct{}),
	}
	// Cancel liveCtx the moment the last handle releases, so the accept
	// loops blocked in AcceptUniStream/AcceptStream wake immediately
	// instead of waiting on the peer or the transport to error out.
	go func() {
		<-c.live.Done()
		cancelLive()
	}()
	c.startDemux()
	return c
}

// Terminated closes once both demultiplexer acceptor loops (uni-stream and
// bi-stream) have exited, signalling that no further Inbound items will
// arrive.
func (c *Connection) Terminated() <-chan struct{} { return c.terminated }

// ID returns a stable numeric identifier for this connection.
func (c *Connection) ID() uint64 { return c.id }

// RemoteAddress returns the peer's observed network address.
func (c *Connection) RemoteAddress() net.Addr { return c.qconn.RemoteAddr() }

// Retain adds an owner of this connection's liveness token (e.g. an
// additional application-visible handle).
func (c *Connection) Retain() { c.live.acquire() }

// Release drops one owner of this connection's liveness token; when the
// last owner releases, background demultiplexer tasks are cancelled.
func (c *Connection) Release() { c.live.release() }

// Inbound returns the channel of demultiplexed application messages.
func (c *Connection) Inbound() <-chan *Inbound { return c.inbound }

// Send opens a fresh unidirectional stream, writes one UserMsg, and
// finishes it, retried per the connection's policy.
func (c *Connection) Send(ctx context.Context, payload []byte) *SendError {
	return c.SendWith(ctx, payload, 0, c.retryPolicy)
}

// SendWith is Send with an explicit stream priority and an optional retry
// policy override (nil uses no retry: a single attempt).
func (c *Connection) SendWith(ctx context.Context, payload []byte, priority int, policy *retry.Policy) *SendError {
	var sendErr *SendError
	op := func() error {
		sendErr = c.sendOnce(payload, priority)
		if sendErr == nil {
			return nil
		}
		if sendErr.ConnLost != nil {
			return retry.Permanent(sendErr)
		}
		return sendErr
	}
	if err := retry.Do(ctx, policy, op); err != nil {
		if sendErr != nil {
			return sendErr
		}
		return sendErrSerial(err)
	}
	return nil
}

func (c *Connection) sendOnce(payload []byte, priority int) *SendError {
	qs, err := c.qconn.OpenUniStreamSync(context.Background())
	if err != nil {
		return sendErrConn(classifyConnErr(err))
	}
	ss := newSendStream(qs, c.lim)
	ss.SetPriority(priority)
	if sendErr := ss.SendUserMsg(payload); sendErr != nil {
		return sendErr
	}
	return ss.Finish()
}

// OpenUni opens a raw unidirectional stream for callers that need to send
// multiple frames.
func (c *Connection) OpenUni(ctx context.Context) (*SendStream, *SendError) {
	qs, err := c.qconn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, sendErrConn(classifyConnErr(err))
	}
	return newSendStream(qs, c.lim), nil
}

// OpenBi opens a raw bidirectional stream.
func (c *Connection) OpenBi(ctx context.Context) (*SendStream, *RecvStream, *SendError) {
	qs, err := c.qconn.OpenStreamSync(ctx)
	if err != nil {
		return nil, nil, sendErrConn(classifyConnErr(err))
	}
	return newSendStream(qs, c.lim), newRecvStream(qs, c.lim), nil
}

// OpenPseudoBi establishes a synthetic bidirectional channel from two
// uni-streams correlated by a random 256-bit token.
func (c *Connection) OpenPseudoBi(ctx context.Context) (*SendStream, *RecvStream, *SendError) {
	var token [wire.TokenLen]byte
	if _, err := rand.Read(token[:]); err != nil {
		return nil, nil, sendErrSerial(err)
	}

	slot := c.pending.insert(token)

	qs, err := c.qconn.OpenUniStreamSync(ctx)
	if err != nil {
		c.pending.remove(token)
		return nil, nil, sendErrConn(classifyConnErr(err))
	}
	send := newSendStream(qs, c.lim)
	if sendErr := send.writeMsg(wire.EndpointPseudoBiStreamReq(token)); sendErr != nil {
		c.pending.remove(token)
		return nil, nil, sendErrConn(&ConnectionError{Kind: ConnStopped})
	}

	select {
	case recv, ok := <-slot.ch:
		if !ok {
			return nil, nil, sendErrConn(&ConnectionError{Kind: ConnStopped})
		}
		return send, recv, nil
	case <-ctx.Done():
		c.pending.remove(token)
		return nil, nil, sendErrConn(classifyConnErr(ctx.Err()))
	case <-c.live.Done():
		c.pending.remove(token)
		return nil, nil, sendErrConn(&ConnectionError{Kind: ConnStopped})
	}
}

// Close performs an immediate, ungraceful close with the supplied reason;
// in-flight data may be lost. Idempotent.
func (c *Connection) Close(code quic.ApplicationErrorCode, reason string) {
	c.closeOnce.Do(func() {
		_ = c.qconn.CloseWithError(code, reason)
		c.pending.drainAll()
	})
}

const inboundQueueCapacity = 10000

// Inbound is one item delivered to the application via Connection.Inbound:
// either a successfully demultiplexed message, optionally paired with a
// send-side (for bi- and pseudo-bi-streams), or a decode / protocol error.
type Inbound struct {
	Payload []byte
	Recv    *RecvStream
	Send    *SendStream // non-nil for bi-streams and pseudo-bi-stream pairs
	Err     *RecvError
}

func (c *Connection) enqueue(item *Inbound) {
	select {
	case c.inbound <- item:
	case <-c.live.Done():
	}
}
