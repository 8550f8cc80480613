package qpeer

import (
	"testing"
	"time"
)

func TestPendingTable_InsertResolve(t *testing.T) {
	pt := newPendingTable()
	var token [32]byte
	token[0] = 1

	slot := pt.insert(token)
	recv := &RecvStream{}

	if !pt.resolve(token, recv) {
		t.Fatal("expected resolve to find the inserted token")
	}

	select {
	case got := <-slot.ch:
		if got != recv {
			t.Fatal("expected the resolved RecvStream to be delivered")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	// Resolving again for the same (now-removed) token is a silent no-op:
	// a response with an unknown token is silently ignored.
	if pt.resolve(token, recv) {
		t.Fatal("expected second resolve of a removed token to report not-found")
	}
}

func TestPendingTable_UnknownTokenIgnored(t *testing.T) {
	pt := newPendingTable()
	var token [32]byte
	if pt.resolve(token, &RecvStream{}) {
		t.Fatal("expected resolve of a never-inserted token to report not-found")
	}
}

func TestPendingTable_DrainAllClosesOutstandingSlots(t *testing.T) {
	pt := newPendingTable()
	var tokenA, tokenB [32]byte
	tokenA[0], tokenB[0] = 1, 2

	slotA := pt.insert(tokenA)
	slotB := pt.insert(tokenB)

	pt.drainAll()

	for _, slot := range []*pendingSlot{slotA, slotB} {
		select {
		case _, ok := <-slot.ch:
			if ok {
				t.Fatal("expected drained slot channel to be closed, not deliver a value")
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for drained slot to close")
		}
	}

	// A token inserted before drain is gone from the table afterward.
	if pt.resolve(tokenA, &RecvStream{}) {
		t.Fatal("expected drained token to be absent from the table")
	}
}

func TestLiveness_ReleaseAllOwnersClosesDone(t *testing.T) {
	l := newLiveness()
	l.acquire() // first owner
	l.acquire() // second owner

	select {
	case <-l.Done():
		t.Fatal("expected liveness to remain open with two owners")
	default:
	}

	l.release() // one owner left
	select {
	case <-l.Done():
		t.Fatal("expected liveness to remain open with one owner left")
	default:
	}

	l.release() // last owner
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("expected liveness to close once the last owner releases")
	}
}

func TestConnectionID_Unique(t *testing.T) {
	a := connIDSeq.Add(1)
	b := connIDSeq.Add(1)
	if a == b {
		t.Fatal("expected successive connection ids to differ")
	}
}
