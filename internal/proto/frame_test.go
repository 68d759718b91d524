package proto

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`[2,"1","Heartbeat",{}]`)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("payload mismatch")
	}
}

func TestFrameRejectsEmptyAndOversized(t *testing.T) {
	if _, err := EncodeFrame(nil); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("expected empty frame error, got %v", err)
	}
	if _, err := EncodeFrame(make([]byte, MaxFrameSize+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected too large error, got %v", err)
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0})); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("expected empty frame error on read, got %v", err)
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected too large error on read, got %v", err)
	}
}

func TestWriteFrameMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	for _, p := range [][]byte{[]byte("a"), []byte("bc")} {
		if err := WriteFrame(&buf, p); err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}
	}
	first, err := ReadFrame(&buf)
	if err != nil || string(first) != "a" {
		t.Fatalf("first frame: %q %v", first, err)
	}
	second, err := ReadFrame(&buf)
	if err != nil || string(second) != "bc" {
		t.Fatalf("second frame: %q %v", second, err)
	}
}
