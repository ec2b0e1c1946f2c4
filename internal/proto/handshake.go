package proto

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"
)

// Handshake is the capability marker the initiator writes before any chat
// payload. Both sides must agree on it byte for byte.
var Handshake = []byte("hello")

const DefaultHandshakeTimeout = 5 * time.Second

var ErrHandshakeRejected = errors.New("handshake rejected")

type deadlineReader interface {
	io.Reader
	SetReadDeadline(time.Time) error
}

func WriteHandshake(w io.Writer) error {
	if _, err := w.Write(Handshake); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}
	return nil
}

// ReadHandshake reads exactly len(Handshake) bytes and compares them to the
// marker. Short reads, timeouts and mismatches all yield ErrHandshakeRejected.
func ReadHandshake(r io.Reader, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	if dr, ok := r.(deadlineReader); ok {
		if err := dr.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
		}
		defer func() { _ = dr.SetReadDeadline(time.Time{}) }()
		return readMarker(r)
	}
	done := make(chan error, 1)
	go func() { done <- readMarker(r) }()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		return fmt.Errorf("%w: timeout after %s", ErrHandshakeRejected, timeout)
	}
}

func readMarker(r io.Reader) error {
	buf := make([]byte, len(Handshake))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
	}
	if !bytes.Equal(buf, Handshake) {
		return fmt.Errorf("%w: marker mismatch", ErrHandshakeRejected)
	}
	return nil
}
