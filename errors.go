package qpeer

import (
	"errors"
	"fmt"

	"github.com/quicmesh/qpeer/wire"
)

// CloseSide distinguishes who initiated a connection close.
type CloseSide int

const (
	ClosedByPeer CloseSide = iota
	ClosedLocally
)

func (s CloseSide) String() string {
	if s == ClosedLocally {
		return "local"
	}
	return "peer"
}

// ConnectionErrorKind enumerates the ways a QUIC connection can fail or end.
type ConnectionErrorKind int

const (
	ConnClosed ConnectionErrorKind = iota
	ConnTimedOut
	ConnLocallyClosed
	ConnStopped
	ConnTransportError
	ConnApplicationClosed
)

// ConnectionError reports why a connection ended.
type ConnectionError struct {
	Kind   ConnectionErrorKind
	Side   CloseSide
	Code   uint64
	Reason string
	Err    error // underlying transport error, if any
}

func (e *ConnectionError) Error() string {
	switch e.Kind {
	case ConnClosed:
		return fmt.Sprintf("connection closed by %s (code=%d reason=%q)", e.Side, e.Code, e.Reason)
	case ConnTimedOut:
		return "connection timed out"
	case ConnLocallyClosed:
		return "connection closed locally"
	case ConnStopped:
		return "connection stopped"
	case ConnTransportError:
		return fmt.Sprintf("transport error (code=%d): %v", e.Code, e.Err)
	case ConnApplicationClosed:
		return "connection closed by application"
	default:
		return "connection error"
	}
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsBenign reports whether err represents an expected, application-visible
// non-error: a local or peer-initiated application close.
func IsBenign(err *ConnectionError) bool {
	if err == nil {
		return false
	}
	switch err.Kind {
	case ConnApplicationClosed, ConnLocallyClosed:
		return true
	case ConnClosed:
		return true
	default:
		return false
	}
}

// StreamErrorKind enumerates stream-level failures.
type StreamErrorKind int

const (
	StreamStopped StreamErrorKind = iota
	StreamReset
	StreamUnknown
	StreamTransportError
)

// StreamError reports a failure on a single QUIC stream.
type StreamError struct {
	Kind StreamErrorKind
	Code uint64
	Err  error
}

func (e *StreamError) Error() string {
	switch e.Kind {
	case StreamStopped:
		return fmt.Sprintf("stream stopped by peer (code=%d)", e.Code)
	case StreamReset:
		return fmt.Sprintf("stream reset (code=%d)", e.Code)
	case StreamUnknown:
		return "unknown stream"
	case StreamTransportError:
		return fmt.Sprintf("stream transport error (code=%d): %v", e.Code, e.Err)
	default:
		return "stream error"
	}
}

func (e *StreamError) Unwrap() error { return e.Err }

// SendError is returned by every Connection / SendStream write operation.
type SendError struct {
	ConnLost      *ConnectionError
	StreamLost    *StreamError
	Serialization error
}

func (e *SendError) Error() string {
	switch {
	case e.ConnLost != nil:
		return fmt.Sprintf("send: connection lost: %v", e.ConnLost)
	case e.StreamLost != nil:
		return fmt.Sprintf("send: stream lost: %v", e.StreamLost)
	case e.Serialization != nil:
		return fmt.Sprintf("send: serialization error: %v", e.Serialization)
	default:
		return "send error"
	}
}

func (e *SendError) Unwrap() error {
	switch {
	case e.ConnLost != nil:
		return e.ConnLost
	case e.StreamLost != nil:
		return e.StreamLost
	default:
		return e.Serialization
	}
}

func sendErrConn(err *ConnectionError) *SendError { return &SendError{ConnLost: err} }
func sendErrStream(err *StreamError) *SendError   { return &SendError{StreamLost: err} }
func sendErrSerial(err error) *SendError          { return &SendError{Serialization: err} }

// RecvError is returned by every Connection / RecvStream read operation.
type RecvError struct {
	ConnLost      *ConnectionError
	StreamLost    *StreamError
	Serialization error
}

func (e *RecvError) Error() string {
	switch {
	case e.ConnLost != nil:
		return fmt.Sprintf("recv: connection lost: %v", e.ConnLost)
	case e.StreamLost != nil:
		return fmt.Sprintf("recv: stream lost: %v", e.StreamLost)
	case e.Serialization != nil:
		return fmt.Sprintf("recv: serialization error: %v", e.Serialization)
	default:
		return "recv error"
	}
}

func (e *RecvError) Unwrap() error {
	switch {
	case e.ConnLost != nil:
		return e.ConnLost
	case e.StreamLost != nil:
		return e.StreamLost
	default:
		return e.Serialization
	}
}

func recvErrSerial(err error) *RecvError { return &RecvError{Serialization: err} }

// ErrRPCTimeout is the timeout value an RpcError can carry in its Err field.
// Echo and RequestVerification do not produce it: an elapsed deadline there
// is reported as a RecvError whose ConnLost kind is ConnTimedOut, and
// OpenPseudoBi reports its own failures as a SendError.
var ErrRPCTimeout = errors.New("qpeer: rpc timed out")

// RpcError wraps whichever of SendError, RecvError, or a timeout caused an
// endpoint-to-endpoint request/response exchange to fail.
type RpcError struct {
	Send *SendError
	Recv *RecvError
	Err  error // ErrRPCTimeout, or another error
}

func (e *RpcError) Error() string {
	switch {
	case e.Send != nil:
		return fmt.Sprintf("rpc: %v", e.Send)
	case e.Recv != nil:
		return fmt.Sprintf("rpc: %v", e.Recv)
	default:
		return fmt.Sprintf("rpc: %v", e.Err)
	}
}

func (e *RpcError) Unwrap() error {
	switch {
	case e.Send != nil:
		return e.Send
	case e.Recv != nil:
		return e.Recv
	default:
		return e.Err
	}
}

// unexpectedMessage lifts a wire.UnexpectedMessageError into a RecvError,
// used by callers that demand a specific control-message variant.
func unexpectedMessage(msg *wire.Msg) *RecvError {
	return recvErrSerial(wire.Unexpected(msg))
}
