package qpeer

import (
	"context"
	"log"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/quicmesh/qpeer/wire"
)

// startDemux launches the two acceptor loops that together form a
// connection's demultiplexer: one for inbound uni-streams, one for inbound
// bi-streams. Both run until their underlying QUIC stream acceptor errors
// out or the connection's liveness token is dropped; once both exit,
// Terminated() closes.
func (c *Connection) startDemux() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.acceptUniLoop() }()
	go func() { defer wg.Done(); c.acceptBiLoop() }()
	go func() { wg.Wait(); close(c.terminated) }()
}

// acceptUniLoop blocks on c.liveCtx rather than context.Background(), so
// dropping the connection's last handle wakes it immediately instead of
// waiting for the transport to notice.
func (c *Connection) acceptUniLoop() {
	for {
		qs, err := c.qconn.AcceptUniStream(c.liveCtx)
		if err != nil {
			c.handleAcceptError(err)
			return
		}
		go c.handleUniStream(qs)
	}
}

func (c *Connection) acceptBiLoop() {
	for {
		stream, err := c.qconn.AcceptStream(c.liveCtx)
		if err != nil {
			c.handleAcceptError(err)
			return
		}
		go c.handleBiStream(stream)
	}
}

// handleAcceptError enqueues a RecvError unless the failure is a benign
// close, which is treated as clean end-of-stream.
func (c *Connection) handleAcceptError(err error) {
	select {
	case <-c.live.Done():
		return
	default:
	}
	connErr := classifyConnErr(err)
	if IsBenign(connErr) {
		return
	}
	if connErr.Kind == ConnTimedOut {
		// A listening acceptor with nothing in flight treats its own idle
		// timeout as a clean shutdown too; an active Send() on the same
		// connection still surfaces ConnectionLost(TimedOut) to its caller.
		return
	}
	c.enqueue(&Inbound{Err: &RecvError{ConnLost: connErr}})
}

// handleUniStream implements the per-inbound-uni-stream branch table.
func (c *Connection) handleUniStream(qs *quic.ReceiveStream) {
	recv := newRecvStream(qs, c.lim)
	msg, recvErr := recv.ReadMsg()
	if recvErr != nil {
		c.enqueue(&Inbound{Err: recvErr})
		return
	}
	if msg == nil {
		return // clean EOF before any frame
	}

	switch msg.Tag {
	case wire.TagUserMsg:
		c.enqueue(&Inbound{Payload: msg.Payload, Recv: recv})

	case wire.TagEndpointPseudoBiStreamReq:
		c.acceptPseudoBi(msg.Token, recv)

	case wire.TagEndpointPseudoBiStreamResp:
		// Late or out-of-band response on a plain uni-stream: resolve if
		// known, otherwise silently ignore.
		c.pending.resolve(msg.Token, recv)

	default:
		c.enqueue(&Inbound{Err: unexpectedMessage(msg)})
	}
}

// acceptPseudoBi answers a pseudo-bi-stream opener: open the reverse
// uni-stream, echo the token, then keep reading the original recv-stream
// until the application payload arrives.
func (c *Connection) acceptPseudoBi(token [wire.TokenLen]byte, recv *RecvStream) {
	qs, err := c.qconn.OpenUniStreamSync(context.Background())
	if err != nil {
		c.enqueue(&Inbound{Err: &RecvError{ConnLost: classifyConnErr(err)}})
		return
	}
	reverse := newSendStream(qs, c.lim)
	if sendErr := reverse.writeMsg(wire.EndpointPseudoBiStreamResp(token)); sendErr != nil {
		log.Printf("qpeer: pseudo-bi response failed: %v", sendErr)
		return
	}

	for {
		msg, recvErr := recv.ReadMsg()
		if recvErr != nil {
			c.enqueue(&Inbound{Err: recvErr})
			return
		}
		if msg == nil {
			return
		}
		if msg.Tag == wire.TagUserMsg {
			c.enqueue(&Inbound{Payload: msg.Payload, Recv: recv, Send: reverse})
			return
		}
		// Non-UserMsg frames while waiting for the pairing payload are
		// dropped.
	}
}

// handleBiStream implements the per-inbound-bi-stream branch table.
func (c *Connection) handleBiStream(stream *quic.Stream) {
	send := newSendStream(stream, c.lim)
	recv := newRecvStream(stream, c.lim)

	for {
		msg, recvErr := recv.ReadMsg()
		if recvErr != nil {
			c.enqueue(&Inbound{Err: recvErr})
			return
		}
		if msg == nil {
			return
		}

		switch msg.Tag {
		case wire.TagUserMsg:
			c.enqueue(&Inbound{Payload: msg.Payload, Recv: recv, Send: send})
			return

		case wire.TagEndpointEchoReq:
			resp := wire.EndpointEchoResp(udpAddr(c.RemoteAddress()))
			if sendErr := send.writeMsg(resp); sendErr != nil {
				log.Printf("qpeer: echo response failed: %v", sendErr)
				return
			}
			// loop: further control frames may follow on this bi-stream.

		case wire.TagEndpointVerificationReq:
			ok := false
			if c.verify != nil {
				ok = c.verify(context.Background(), msg.Addr)
			}
			resp := wire.EndpointVerificationResp(ok)
			if sendErr := send.writeMsg(resp); sendErr != nil {
				log.Printf("qpeer: verification response failed: %v", sendErr)
				return
			}

		default:
			log.Printf("qpeer: unexpected control message %s on bi-stream", msg.Tag)
		}
	}
}
