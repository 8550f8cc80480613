package qpeer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/quicmesh/qpeer/tlsutil"
)

// newTestEndpoint starts a loopback-bound Endpoint using an ephemeral
// self-signed certificate.
func newTestEndpoint(t *testing.T, cfg *Config) *Endpoint {
	t.Helper()
	cert, err := tlsutil.SelfSigned()
	if err != nil {
		t.Fatalf("SelfSigned: %v", err)
	}
	serverTLS := tlsutil.ServerConfig(cert, "")
	clientTLS := tlsutil.ClientConfig("", true)

	ep, err := NewEndpoint("127.0.0.1:0", serverTLS, clientTLS, cfg)
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	t.Cleanup(func() { ep.Close() })
	return ep
}

func mustUDPAddr(t *testing.T, addr net.Addr) *net.UDPAddr {
	t.Helper()
	u, ok := addr.(*net.UDPAddr)
	if !ok {
		t.Fatalf("expected *net.UDPAddr, got %T", addr)
	}
	return u
}

func TestEndToEnd_BasicExchange(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	a := newTestEndpoint(t, nil)
	b := newTestEndpoint(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	handleAtoB, err := a.Dial(ctx, mustUDPAddr(t, b.LocalAddr()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if sendErr := handleAtoB.Send(ctx, []byte("hello")); sendErr != nil {
		t.Fatalf("A send: %v", sendErr)
	}

	select {
	case msg := <-b.IncomingMessages():
		if string(msg.Payload) != "hello" {
			t.Fatalf("B got %q, want %q", msg.Payload, "hello")
		}
		if sendErr := msg.Handle.Send(ctx, []byte("world")); sendErr != nil {
			t.Fatalf("B reply: %v", sendErr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for B to receive hello")
	}

	select {
	case item := <-handleAtoB.Conn().Inbound():
		if string(item.Payload) != "world" {
			t.Fatalf("A got %q, want %q", item.Payload, "world")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for A to receive world")
	}
}

func TestEndToEnd_Echo(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	a := newTestEndpoint(t, nil)
	b := newTestEndpoint(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	handle, err := a.Dial(ctx, mustUDPAddr(t, b.LocalAddr()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	observed, rpcErr := a.Echo(ctx, handle.Conn())
	if rpcErr != nil {
		t.Fatalf("Echo: %v", rpcErr)
	}
	if observed == nil {
		t.Fatal("expected a non-nil observed address")
	}
}

func TestEndToEnd_VerificationSuccessThenFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	a := newTestEndpoint(t, nil)
	b := newTestEndpoint(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()

	handle, err := a.Dial(ctx, mustUDPAddr(t, b.LocalAddr()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	// A asks B to verify A's own advertised address: reachable, expect true.
	ok, rpcErr := a.RequestVerification(ctx, handle.Conn(), mustUDPAddr(t, a.LocalAddr()))
	if rpcErr != nil {
		t.Fatalf("RequestVerification (reachable): %v", rpcErr)
	}
	if !ok {
		t.Fatal("expected verification of a reachable address to succeed")
	}

	// A asks B to verify an address nothing listens on: expect false
	// within 30s.
	unreachable := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}
	ok, rpcErr = a.RequestVerification(ctx, handle.Conn(), unreachable)
	if rpcErr != nil {
		t.Fatalf("RequestVerification (unreachable): %v", rpcErr)
	}
	if ok {
		t.Fatal("expected verification of an unreachable address to fail")
	}
}

func TestEndToEnd_PseudoBiHandshake(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	a := newTestEndpoint(t, nil)
	b := newTestEndpoint(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	handle, err := a.Dial(ctx, mustUDPAddr(t, b.LocalAddr()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	send, recv, sendErr := handle.Conn().OpenPseudoBi(ctx)
	if sendErr != nil {
		t.Fatalf("OpenPseudoBi: %v", sendErr)
	}

	if sendErr := send.SendUserMsg([]byte("ping")); sendErr != nil {
		t.Fatalf("send ping: %v", sendErr)
	}

	var bSendBack *SendStream
	select {
	case msg := <-b.IncomingMessages():
		if string(msg.Payload) != "ping" {
			t.Fatalf("B got %q, want %q", msg.Payload, "ping")
		}
		if msg.Send == nil {
			t.Fatal("expected a paired send-back stream on B's side")
		}
		bSendBack = msg.Send
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for B to receive ping")
	}

	if sendErr := bSendBack.SendUserMsg([]byte("pong")); sendErr != nil {
		t.Fatalf("send pong: %v", sendErr)
	}

	msg, recvErr := recv.ReadMsg()
	if recvErr != nil {
		t.Fatalf("A recv: %v", recvErr)
	}
	if msg == nil || string(msg.Payload) != "pong" {
		t.Fatalf("A got %+v, want pong", msg)
	}
}

func TestEndToEnd_PoolDeduplication(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	a := newTestEndpoint(t, nil)
	b := newTestEndpoint(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	addr := mustUDPAddr(t, b.LocalAddr())

	results := make(chan *ConnectionHandle, 2)
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			h, err := a.Dial(ctx, addr)
			if err != nil {
				errs <- err
				return
			}
			results <- h
		}()
	}

	var handles []*ConnectionHandle
	for i := 0; i < 2; i++ {
		select {
		case h := <-results:
			handles = append(handles, h)
		case err := <-errs:
			t.Fatalf("concurrent Dial failed: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for concurrent dials")
		}
	}

	if handles[0].ID() != handles[1].ID() {
		t.Fatalf("expected both concurrent dials to share one connection id, got %d and %d",
			handles[0].ID(), handles[1].ID())
	}
}

func TestEndToEnd_DroppingAllHandlesTerminatesDemux(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	a := newTestEndpoint(t, nil)
	b := newTestEndpoint(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	addr := mustUDPAddr(t, b.LocalAddr())

	// Two concurrent dials to the same identity dedup onto one Connection
	// but produce two independent ConnectionHandles, each an owner of its
	// liveness token.
	results := make(chan *ConnectionHandle, 2)
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			h, err := a.Dial(ctx, addr)
			if err != nil {
				errs <- err
				return
			}
			results <- h
		}()
	}

	var handles []*ConnectionHandle
	for i := 0; i < 2; i++ {
		select {
		case h := <-results:
			handles = append(handles, h)
		case err := <-errs:
			t.Fatalf("concurrent Dial failed: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for concurrent dials")
		}
	}
	if handles[0].ID() != handles[1].ID() {
		t.Fatalf("expected both dials to share one connection id, got %d and %d",
			handles[0].ID(), handles[1].ID())
	}
	conn := handles[0].Conn()

	handles[0].Close()
	select {
	case <-conn.Terminated():
		t.Fatal("expected demultiplexer to remain running with one handle still live")
	case <-time.After(200 * time.Millisecond):
	}

	handles[1].Close()
	select {
	case <-conn.Terminated():
	case <-time.After(5 * time.Second):
		t.Fatal("expected demultiplexer to terminate once the last handle closed")
	}
}

func TestEndToEnd_IdleTimeoutBenignLoss(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	idle := 1 * time.Second
	cfg := &Config{IdleTimeout: &idle}
	a := newTestEndpoint(t, cfg)
	b := newTestEndpoint(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	handle, err := a.Dial(ctx, mustUDPAddr(t, b.LocalAddr()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	time.Sleep(2 * time.Second)

	sendErr := handle.Send(ctx, []byte("hello"))
	if sendErr == nil {
		t.Fatal("expected send after idle timeout to fail")
	}
	if sendErr.ConnLost == nil || sendErr.ConnLost.Kind != ConnTimedOut {
		t.Fatalf("expected ConnectionLost(TimedOut), got %v", sendErr)
	}
}
