package wire

import (
	"errors"
	"fmt"
)

// Serialization error sentinels, errors.Is-compatible so callers can
// classify without string matching.
var (
	ErrUnexpectedEOF    = errors.New("wire: unexpected end of stream mid-record")
	ErrUnknownTag       = errors.New("wire: unknown tag")
	ErrMalformedAddress = errors.New("wire: malformed socket address")
)

// UnexpectedMessageError is raised by callers that require a specific
// variant and receive another.
type UnexpectedMessageError struct {
	Got Tag
}

func (e *UnexpectedMessageError) Error() string {
	return fmt.Sprintf("wire: unexpected message variant %s", e.Got)
}

// Unexpected builds an UnexpectedMessageError for msg, or nil if msg is nil
// (clean end of stream isn't an "unexpected message").
func Unexpected(msg *Msg) error {
	if msg == nil {
		return nil
	}
	return &UnexpectedMessageError{Got: msg.Tag}
}
