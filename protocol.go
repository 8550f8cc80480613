package qpeer

import (
	"context"
	"net"
	"time"

	"github.com/quicmesh/qpeer/wire"
)

// verificationTimeout bounds every verification probe.
const verificationTimeout = 30 * time.Second

// Echo opens a bi-stream on conn, sends EndpointEchoReq, and returns the
// address the peer observed us connecting from.
func (e *Endpoint) Echo(ctx context.Context, conn *Connection) (*net.UDPAddr, *RpcError) {
	send, recv, sendErr := conn.OpenBi(ctx)
	if sendErr != nil {
		return nil, &RpcError{Send: sendErr}
	}
	if sendErr := send.writeMsg(wire.EndpointEchoReq()); sendErr != nil {
		return nil, &RpcError{Send: sendErr}
	}

	msg, recvErr := readWithDeadline(ctx, recv)
	if recvErr != nil {
		return nil, &RpcError{Recv: recvErr}
	}
	if msg == nil || msg.Tag != wire.TagEndpointEchoResp {
		return nil, &RpcError{Recv: unexpectedMessage(msg)}
	}
	return msg.Addr, nil
}

// RequestVerification asks the peer on conn to verify that addr is
// reachable by probing it directly, and returns the peer's verdict.
func (e *Endpoint) RequestVerification(ctx context.Context, conn *Connection, addr *net.UDPAddr) (bool, *RpcError) {
	ctx, cancel := context.WithTimeout(ctx, verificationTimeout)
	defer cancel()

	send, recv, sendErr := conn.OpenBi(ctx)
	if sendErr != nil {
		return false, &RpcError{Send: sendErr}
	}
	if sendErr := send.writeMsg(wire.EndpointVerificationReq(addr)); sendErr != nil {
		return false, &RpcError{Send: sendErr}
	}

	msg, recvErr := readWithDeadline(ctx, recv)
	if recvErr != nil {
		return false, &RpcError{Recv: recvErr}
	}
	if msg == nil || msg.Tag != wire.TagEndpointVerificationResp {
		return false, &RpcError{Recv: unexpectedMessage(msg)}
	}
	return msg.Verified, nil
}

// verifyAddress implements the server side of verification: dial addr from
// this endpoint, open a bi-stream, send EndpointEchoReq and expect
// EndpointEchoResp, all bounded by verificationTimeout. The reply to the
// original requester is always attempted by the caller regardless of the
// outcome returned here.
func (e *Endpoint) verifyAddress(ctx context.Context, addr *net.UDPAddr) bool {
	ctx, cancel := context.WithTimeout(ctx, verificationTimeout)
	defer cancel()

	handle, err := e.dial(ctx, addr)
	if err != nil {
		return false
	}
	defer handle.Remove()

	_, rpcErr := e.Echo(ctx, handle.Conn)
	return rpcErr == nil
}

// readWithDeadline reads one message, honoring ctx's deadline by racing the
// blocking read against context cancellation. RecvStream reads are not
// natively cancelable, so on timeout the stream is cancelled to unblock it.
func readWithDeadline(ctx context.Context, recv *RecvStream) (*wire.Msg, *RecvError) {
	type result struct {
		msg *wire.Msg
		err *RecvError
	}
	done := make(chan result, 1)
	go func() {
		msg, err := recv.ReadMsg()
		done <- result{msg, err}
	}()

	select {
	case r := <-done:
		return r.msg, r.err
	case <-ctx.Done():
		recv.CancelRead(0)
		return nil, &RecvError{ConnLost: classifyConnErr(ctx.Err())}
	}
}
