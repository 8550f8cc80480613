package qpeer

import (
	"context"
	"errors"

	"github.com/quic-go/quic-go"
)

// classifyConnErr maps a quic-go connection-level error into our
// ConnectionError taxonomy.
func classifyConnErr(err error) *ConnectionError {
	if err == nil {
		return nil
	}

	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		side := ClosedByPeer
		if !appErr.Remote {
			side = ClosedLocally
		}
		kind := ConnClosed
		if !appErr.Remote && appErr.ErrorCode == 0 {
			kind = ConnApplicationClosed
		}
		return &ConnectionError{
			Kind:   kind,
			Side:   side,
			Code:   uint64(appErr.ErrorCode),
			Reason: appErr.ErrorMessage,
			Err:    err,
		}
	}

	var transportErr *quic.TransportError
	if errors.As(err, &transportErr) {
		return &ConnectionError{Kind: ConnTransportError, Code: uint64(transportErr.ErrorCode), Err: err}
	}

	var idleErr *quic.IdleTimeoutError
	if errors.As(err, &idleErr) {
		return &ConnectionError{Kind: ConnTimedOut, Err: err}
	}

	var handshakeErr *quic.HandshakeTimeoutError
	if errors.As(err, &handshakeErr) {
		return &ConnectionError{Kind: ConnTimedOut, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &ConnectionError{Kind: ConnTimedOut, Err: err}
	}

	var statelessReset *quic.StatelessResetError
	if errors.As(err, &statelessReset) {
		return &ConnectionError{Kind: ConnStopped, Err: err}
	}

	return &ConnectionError{Kind: ConnTransportError, Err: err}
}

// classifyStreamErr maps a quic-go stream-level error into our StreamError
// taxonomy.
func classifyStreamErr(err error) *StreamError {
	if err == nil {
		return nil
	}

	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) {
		kind := StreamStopped
		if !streamErr.Remote {
			kind = StreamReset
		}
		return &StreamError{Kind: kind, Code: uint64(streamErr.ErrorCode), Err: err}
	}

	var transportErr *quic.TransportError
	if errors.As(err, &transportErr) {
		return &StreamError{Kind: StreamTransportError, Code: uint64(transportErr.ErrorCode), Err: err}
	}

	return &StreamError{Kind: StreamTransportError, Err: err}
}

// isStreamStopped reports whether err signals that the peer had already
// stopped reading, or reset, the stream. finish() treats either case as a
// benign delivered-then-abandoned outcome rather than a failure worth
// surfacing to the sender.
func isStreamStopped(err error) bool {
	var streamErr *quic.StreamError
	return errors.As(err, &streamErr)
}
