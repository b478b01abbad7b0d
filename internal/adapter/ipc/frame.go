package ipc

import (
	"encoding/binary"
	"fmt"
	"io"

	"ax/internal/domain"
)

// MaxFrameSize caps a single IPC frame at 10 MiB. Oversize frames terminate
// the connection rather than being skipped: the stream position after a
// partial frame is undefined.
const MaxFrameSize = 10 << 20

// ReadFrame reads one length-prefixed frame: 4-byte big-endian unsigned
// length, then that many bytes of UTF-8 JSON.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, domain.NewDomainError("ipc.ReadFrame", domain.ErrFrameTooLarge,
			fmt.Sprintf("%d bytes", size))
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return domain.NewDomainError("ipc.WriteFrame", domain.ErrFrameTooLarge,
			fmt.Sprintf("%d bytes", len(body)))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}
