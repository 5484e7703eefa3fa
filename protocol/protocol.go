// Package protocol implements the frame format carried over the Unix socket.
//
// Each JSON envelope travels in one frame: a fixed 9-byte header followed by the body.
// The receiver reads the header first to learn the body length, then reads exactly
// that many bytes.
//
// Frame format:
//
//	0      3  4  5         9
//	┌──────┬──┬──┬─────────┬───────────────┐
//	│magic │v │mt│ bodyLen │    body ...    │
//	│ uds  │01│  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴─────────┴───────────────┘
//
// A reader configured with a maximum body size never allocates an oversized body: the
// bytes are drained from the stream and ErrFrameTooLarge is returned, so the next frame
// on the same stream still decodes correctly.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Magic number bytes: "uds".
const (
	MagicNumber byte = 0x75 // 'u'
	MagicByte2  byte = 0x64 // 'd'
	MagicByte3  byte = 0x73 // 's'
	Version     byte = 0x01
	HeaderSize  int  = 9 // 3 (magic) + 1 (version) + 1 (msgType) + 4 (bodyLen)
)

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Client → Server envelope
	MsgTypeResponse  MsgType = 1 // Server → Client envelope, including pushes
	MsgTypeHeartbeat MsgType = 2 // keepalive probe on subscriptions, no body
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	case MsgTypeHeartbeat:
		return "heartbeat"
	}
	return fmt.Sprintf("msgtype(%d)", byte(t))
}

// ErrFrameTooLarge is returned (wrapped in *SizeError) when a body exceeds the reader's limit.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

type SizeError struct {
	Size  uint32
	Limit int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("message of %d bytes exceeds maximum size of %d bytes", e.Size, e.Limit)
}

func (e *SizeError) Unwrap() error { return ErrFrameTooLarge }

// Header represents the fixed 9-byte frame header.
type Header struct {
	MsgType MsgType
	BodyLen uint32
}

// Encode writes a complete frame (header + body) to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames will interleave and corrupt the stream.
func Encode(w io.Writer, msgType MsgType, body []byte) error {
	if uint64(len(body)) > math.MaxUint32 {
		return fmt.Errorf("body of %d bytes cannot be framed", len(body))
	}
	// header and body go out in one write so a concurrent reader never sees a torn frame
	buf := make([]byte, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(msgType)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// Decode reads one frame from r. maxBody <= 0 means no limit.
// On an oversized body the header is returned together with a *SizeError; the body
// has already been consumed from r.
func Decode(r io.Reader, maxBody int) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	// reject non-protocol peers
	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	msgType := MsgType(headerBuf[4])
	if msgType != MsgTypeRequest && msgType != MsgTypeResponse && msgType != MsgTypeHeartbeat {
		return nil, nil, fmt.Errorf("unsupported message type: %d", headerBuf[4])
	}

	h := &Header{MsgType: msgType, BodyLen: binary.BigEndian.Uint32(headerBuf[5:9])}

	if maxBody > 0 && uint64(h.BodyLen) > uint64(maxBody) {
		if _, err := io.CopyN(io.Discard, r, int64(h.BodyLen)); err != nil {
			return nil, nil, err
		}
		return h, nil, &SizeError{Size: h.BodyLen, Limit: maxBody}
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}
