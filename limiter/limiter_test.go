package limiter

import (
	"bytes"
	"io"
	"testing"
)

func TestNew_NonPositiveRateIsNil(t *testing.T) {
	if New(0) != nil {
		t.Fatal("expected nil limiter for zero rate")
	}
	if New(-1) != nil {
		t.Fatal("expected nil limiter for negative rate")
	}
}

func TestWrapWriter_NilPassthrough(t *testing.T) {
	var l *SharedLimiter
	var buf bytes.Buffer
	w := l.WrapWriter(&buf)
	if w != io.Writer(&buf) {
		t.Fatal("expected nil limiter to return the writer unchanged")
	}
}

func TestWrapReader_DeliversAllBytes(t *testing.T) {
	l := New(1 << 30) // generous rate so the test doesn't block
	src := bytes.NewBufferString("the quick brown fox")
	r := l.WrapReader(src)
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != "the quick brown fox" {
		t.Fatalf("expected full payload to pass through unchanged, got %q", got)
	}
}

func TestWrapWriter_DeliversAllBytes(t *testing.T) {
	l := New(1 << 30)
	var dst bytes.Buffer
	w := l.WrapWriter(&dst)
	payload := []byte("hello, throttled world")
	n, err := w.Write(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("expected %d bytes written, got %d", len(payload), n)
	}
	if dst.String() != string(payload) {
		t.Fatalf("expected payload unchanged, got %q", dst.String())
	}
}

func TestActiveRate_ZeroWhenUnused(t *testing.T) {
	l := New(1000)
	if rate := l.ActiveRate(); rate != 0 {
		t.Fatalf("expected 0 active rate before any traffic, got %d", rate)
	}
	if l.MaxRate() != 1000 {
		t.Fatalf("expected max rate 1000, got %d", l.MaxRate())
	}
}
