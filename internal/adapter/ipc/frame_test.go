package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"ax/internal/domain"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte(`{"action":"skill_list"}`)
	if err := WriteFrame(&buf, body); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("round trip = %q, want %q", got, body)
	}
}

func TestFrameEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("empty frame = %d bytes", len(got))
	}
}

func TestFrameOversizeRead(t *testing.T) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
	_, err := ReadFrame(bytes.NewReader(header[:]))
	if !errors.Is(err, domain.ErrFrameTooLarge) {
		t.Fatalf("ReadFrame oversize error = %v, want ErrFrameTooLarge", err)
	}
}

func TestFrameOversizeWrite(t *testing.T) {
	err := WriteFrame(io.Discard, make([]byte, MaxFrameSize+1))
	if !errors.Is(err, domain.ErrFrameTooLarge) {
		t.Fatalf("WriteFrame oversize error = %v, want ErrFrameTooLarge", err)
	}
}

func TestFrameTruncatedHeader(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0, 0}))
	if err == nil {
		t.Fatal("truncated header should fail")
	}
}

func TestFrameTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 100)
	buf.Write(header[:])
	buf.WriteString("short")
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("truncated body should fail")
	}
}
