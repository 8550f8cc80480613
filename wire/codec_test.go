package wire

import (
	"bytes"
	"errors"
	"net"
	"testing"
)

func mustToken(b byte) [TokenLen]byte {
	var t [TokenLen]byte
	for i := range t {
		t[i] = b
	}
	return t
}

func TestRoundtrip_AllVariants(t *testing.T) {
	cases := []Msg{
		UserMsg([]byte("hello")),
		UserMsg(nil),
		EndpointEchoReq(),
		EndpointEchoResp(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4242}),
		EndpointEchoResp(&net.UDPAddr{IP: net.ParseIP("::1"), Port: 1}),
		EndpointVerificationReq(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 65535}),
		EndpointVerificationResp(true),
		EndpointVerificationResp(false),
		EndpointPseudoBiStreamReq(mustToken(0xAB)),
		EndpointPseudoBiStreamResp(mustToken(0xCD)),
	}

	for _, in := range cases {
		var buf bytes.Buffer
		if err := WriteToStream(&buf, in); err != nil {
			t.Fatalf("write %s: %v", in.Tag, err)
		}
		out, err := ReadFromStream(&buf)
		if err != nil {
			t.Fatalf("read %s: %v", in.Tag, err)
		}
		if out == nil {
			t.Fatalf("read %s: got nil", in.Tag)
		}
		if out.Tag != in.Tag {
			t.Fatalf("tag mismatch: want %s got %s", in.Tag, out.Tag)
		}
		switch in.Tag {
		case TagUserMsg:
			if !bytes.Equal(out.Payload, in.Payload) {
				t.Errorf("payload mismatch: want %q got %q", in.Payload, out.Payload)
			}
		case TagEndpointEchoResp, TagEndpointVerificationReq:
			if out.Addr.Port != in.Addr.Port || !out.Addr.IP.Equal(in.Addr.IP) {
				t.Errorf("addr mismatch: want %v got %v", in.Addr, out.Addr)
			}
		case TagEndpointVerificationResp:
			if out.Verified != in.Verified {
				t.Errorf("verified mismatch: want %v got %v", in.Verified, out.Verified)
			}
		case TagEndpointPseudoBiStreamReq, TagEndpointPseudoBiStreamResp:
			if out.Token != in.Token {
				t.Errorf("token mismatch: want %v got %v", in.Token, out.Token)
			}
		}
	}
}

func TestReadFromStream_CleanEOFBeforeTag(t *testing.T) {
	out, err := ReadFromStream(bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("expected clean nil, got error: %v", err)
	}
	if out != nil {
		t.Fatalf("expected nil message, got %v", out)
	}
}

func TestReadFromStream_EOFMidRecord(t *testing.T) {
	// UserMsg tag + a varint length but no body bytes.
	buf := []byte{byte(TagUserMsg), 5}
	_, err := ReadFromStream(bytes.NewReader(buf))
	if !errors.Is(err, ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestReadFromStream_UnknownTag(t *testing.T) {
	_, err := ReadFromStream(bytes.NewReader([]byte{0x7F}))
	if !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}
}

func TestReadFromStream_MalformedAddressFamily(t *testing.T) {
	buf := []byte{byte(TagEndpointEchoResp), 9 /* invalid family */}
	_, err := ReadFromStream(bytes.NewReader(buf))
	if !errors.Is(err, ErrMalformedAddress) {
		t.Fatalf("expected ErrMalformedAddress, got %v", err)
	}
}

func TestUnexpected(t *testing.T) {
	if Unexpected(nil) != nil {
		t.Fatalf("expected nil for nil message")
	}
	msg := EndpointEchoReq()
	err := Unexpected(&msg)
	var target *UnexpectedMessageError
	if !errors.As(err, &target) {
		t.Fatalf("expected UnexpectedMessageError, got %v", err)
	}
	if target.Got != TagEndpointEchoReq {
		t.Errorf("expected tag EndpointEchoReq, got %s", target.Got)
	}
}

func TestWriteToStream_UnknownTag(t *testing.T) {
	var buf bytes.Buffer
	err := WriteToStream(&buf, Msg{Tag: Tag(0xEE)})
	if !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}
}
