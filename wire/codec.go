package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxUserMsgLen bounds the length prefix of a UserMsg body so a corrupt or
// hostile peer can't make us allocate unbounded memory from a single
// varint. Plenty of headroom for any sane application message.
const maxUserMsgLen = 64 << 20 // 64 MiB

// WriteToStream serializes msg as a single framed record and writes it to w.
func WriteToStream(w io.Writer, msg Msg) error {
	switch msg.Tag {
	case TagUserMsg:
		return writeFramed(w, byte(msg.Tag), func(w io.Writer) error {
			return writeVarBytes(w, msg.Payload)
		})
	case TagEndpointEchoReq:
		return writeFramed(w, byte(msg.Tag), func(io.Writer) error { return nil })
	case TagEndpointEchoResp, TagEndpointVerificationReq:
		return writeFramed(w, byte(msg.Tag), func(w io.Writer) error {
			return writeAddr(w, msg.Addr)
		})
	case TagEndpointVerificationResp:
		return writeFramed(w, byte(msg.Tag), func(w io.Writer) error {
			b := byte(0)
			if msg.Verified {
				b = 1
			}
			_, err := w.Write([]byte{b})
			return err
		})
	case TagEndpointPseudoBiStreamReq, TagEndpointPseudoBiStreamResp:
		return writeFramed(w, byte(msg.Tag), func(w io.Writer) error {
			_, err := w.Write(msg.Token[:])
			return err
		})
	default:
		return fmt.Errorf("%w: 0x%02x", ErrUnknownTag, msg.Tag)
	}
}

func writeFramed(w io.Writer, tag byte, body func(io.Writer) error) error {
	if _, err := w.Write([]byte{tag}); err != nil {
		return err
	}
	return body(w)
}

func writeVarBytes(w io.Writer, b []byte) error {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(b)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// ReadFromStream reads one framed record from r.
//
// It returns (nil, nil) cleanly if the stream ends before the tag byte is
// read. Any end-of-stream encountered mid-record, or an unrecognized tag,
// is returned as an error.
func ReadFromStream(r io.Reader) (*Msg, error) {
	var tagByte [1]byte
	n, err := io.ReadFull(r, tagByte[:])
	if err != nil {
		if n == 0 && (err == io.EOF || err == io.ErrUnexpectedEOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedEOF, err)
	}

	tag := Tag(tagByte[0])
	switch tag {
	case TagUserMsg:
		payload, err := readVarBytes(r)
		if err != nil {
			return nil, err
		}
		msg := UserMsg(payload)
		return &msg, nil
	case TagEndpointEchoReq:
		msg := EndpointEchoReq()
		return &msg, nil
	case TagEndpointEchoResp:
		addr, err := readAddr(r)
		if err != nil {
			return nil, err
		}
		msg := EndpointEchoResp(addr)
		return &msg, nil
	case TagEndpointVerificationReq:
		addr, err := readAddr(r)
		if err != nil {
			return nil, err
		}
		msg := EndpointVerificationReq(addr)
		return &msg, nil
	case TagEndpointVerificationResp:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedEOF, err)
		}
		msg := EndpointVerificationResp(b[0] != 0)
		return &msg, nil
	case TagEndpointPseudoBiStreamReq, TagEndpointPseudoBiStreamResp:
		var token [TokenLen]byte
		if _, err := io.ReadFull(r, token[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedEOF, err)
		}
		var msg Msg
		if tag == TagEndpointPseudoBiStreamReq {
			msg = EndpointPseudoBiStreamReq(token)
		} else {
			msg = EndpointPseudoBiStreamResp(token)
		}
		return &msg, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, tagByte[0])
	}
}

func readVarBytes(r io.Reader) ([]byte, error) {
	length, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	if length > maxUserMsgLen {
		return nil, fmt.Errorf("%w: declared length %d exceeds maximum %d", ErrMalformedAddress, length, maxUserMsgLen)
	}
	buf := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedEOF, err)
		}
	}
	return buf, nil
}

// readUvarint reads a binary.Uvarint-encoded length prefix one byte at a
// time, since io.Reader doesn't expose ByteReader in general.
func readUvarint(r io.Reader) (uint64, error) {
	var x uint64
	var s uint
	var b [1]byte
	for i := 0; i < binary.MaxVarintLen64; i++ {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnexpectedEOF, err)
		}
		if b[0] < 0x80 {
			if i == binary.MaxVarintLen64-1 && b[0] > 1 {
				return 0, fmt.Errorf("%w: varint overflow", ErrMalformedAddress)
			}
			return x | uint64(b[0])<<s, nil
		}
		x |= uint64(b[0]&0x7f) << s
		s += 7
	}
	return 0, fmt.Errorf("%w: varint too long", ErrMalformedAddress)
}
