package proto

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

func TestHandshakeAccepted(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHandshake(&buf); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	buf.WriteString("first message")
	if err := ReadHandshake(&buf, time.Second); err != nil {
		t.Fatalf("expected handshake accepted: %v", err)
	}
	if buf.String() != "first message" {
		t.Fatalf("handshake consumed payload bytes: %q", buf.String())
	}
}

func TestHandshakeRejectsWrongContent(t *testing.T) {
	err := ReadHandshake(bytes.NewReader([]byte("howdy")), time.Second)
	if !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestHandshakeRejectsShortRead(t *testing.T) {
	err := ReadHandshake(bytes.NewReader([]byte("hel")), time.Second)
	if !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestHandshakeTimesOut(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	start := time.Now()
	err := ReadHandshake(r, 50*time.Millisecond)
	if !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("handshake wait was not bounded")
	}
	_ = r.Close()
}
