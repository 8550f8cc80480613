// Package wire implements the framed record protocol qpeer runs over every
// QUIC stream: a single tag byte followed by a tag-specific body.
package wire

import "net"

// Tag identifies the variant of a Msg on the wire.
type Tag byte

const (
	TagUserMsg                    Tag = 0x00
	TagEndpointEchoReq            Tag = 0x01
	TagEndpointEchoResp           Tag = 0x02
	TagEndpointVerificationReq    Tag = 0x03
	TagEndpointVerificationResp   Tag = 0x04
	TagEndpointPseudoBiStreamReq  Tag = 0x05
	TagEndpointPseudoBiStreamResp Tag = 0x06
)

// TokenLen is the size in bytes of a pseudo-bi-stream correlation token.
const TokenLen = 32

// Msg is a tagged variant carrying either a user payload or one of the
// endpoint control messages.
type Msg struct {
	Tag Tag

	// UserMsg
	Payload []byte

	// EndpointEchoResp / EndpointVerificationReq
	Addr *net.UDPAddr

	// EndpointVerificationResp
	Verified bool

	// EndpointPseudoBiStreamReq / EndpointPseudoBiStreamResp
	Token [TokenLen]byte
}

// UserMsg constructs a UserMsg variant.
func UserMsg(payload []byte) Msg {
	return Msg{Tag: TagUserMsg, Payload: payload}
}

// EndpointEchoReq constructs an EndpointEchoReq variant.
func EndpointEchoReq() Msg {
	return Msg{Tag: TagEndpointEchoReq}
}

// EndpointEchoResp constructs an EndpointEchoResp variant.
func EndpointEchoResp(addr *net.UDPAddr) Msg {
	return Msg{Tag: TagEndpointEchoResp, Addr: addr}
}

// EndpointVerificationReq constructs an EndpointVerificationReq variant.
func EndpointVerificationReq(addr *net.UDPAddr) Msg {
	return Msg{Tag: TagEndpointVerificationReq, Addr: addr}
}

// EndpointVerificationResp constructs an EndpointVerificationResp variant.
func EndpointVerificationResp(ok bool) Msg {
	return Msg{Tag: TagEndpointVerificationResp, Verified: ok}
}

// EndpointPseudoBiStreamReq constructs a pseudo-bi-stream opener frame.
func EndpointPseudoBiStreamReq(token [TokenLen]byte) Msg {
	return Msg{Tag: TagEndpointPseudoBiStreamReq, Token: token}
}

// EndpointPseudoBiStreamResp constructs a pseudo-bi-stream acceptor reply.
func EndpointPseudoBiStreamResp(token [TokenLen]byte) Msg {
	return Msg{Tag: TagEndpointPseudoBiStreamResp, Token: token}
}

func (t Tag) String() string {
	switch t {
	case TagUserMsg:
		return "UserMsg"
	case TagEndpointEchoReq:
		return "EndpointEchoReq"
	case TagEndpointEchoResp:
		return "EndpointEchoResp"
	case TagEndpointVerificationReq:
		return "EndpointVerificationReq"
	case TagEndpointVerificationResp:
		return "EndpointVerificationResp"
	case TagEndpointPseudoBiStreamReq:
		return "EndpointPseudoBiStreamReq"
	case TagEndpointPseudoBiStreamResp:
		return "EndpointPseudoBiStreamResp"
	default:
		return "Unknown"
	}
}
