package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Length-prefixed framing is used when a single envelope may span several
// notifications, and on the wired UART gateway. A frame is:
//
//	[magic 0xC03E BE][length u16 BE][payload][fletcher16 BE]
const (
	// FrameMagic starts every length-prefixed frame.
	FrameMagic uint16 = 0xC03E
	// MaxFramePayload bounds the payload carried by one frame.
	MaxFramePayload = 4096
	// FrameHeaderSize is magic (2) + length (2).
	FrameHeaderSize = 4
	// FrameChecksumSize is the trailing Fletcher-16 checksum.
	FrameChecksumSize = 2
	// FrameOverhead is the number of bytes framing adds to a payload.
	FrameOverhead = FrameHeaderSize + FrameChecksumSize
)

var (
	ErrFrameTooShort    = errors.New("frame too short")
	ErrInvalidMagic     = errors.New("invalid frame magic")
	ErrPayloadTooLarge  = errors.New("payload exceeds maximum frame size")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrIncompleteFrame  = errors.New("incomplete frame")
)

// EncodeFrame wraps payload in a length-prefixed frame.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFramePayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	frame := make([]byte, FrameOverhead+len(payload))
	binary.BigEndian.PutUint16(frame[0:2], FrameMagic)
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[FrameHeaderSize:], payload)
	binary.BigEndian.PutUint16(frame[FrameHeaderSize+len(payload):], Fletcher16(payload))
	return frame, nil
}

// DecodeFrame reads one frame from the start of data. It returns a copy of
// the payload and the bytes following the frame. On error, rest is data
// unchanged so the caller can wait for more input or resynchronize.
func DecodeFrame(data []byte) (payload, rest []byte, err error) {
	if len(data) < FrameOverhead {
		return nil, data, ErrFrameTooShort
	}
	if binary.BigEndian.Uint16(data[0:2]) != FrameMagic {
		return nil, data, ErrInvalidMagic
	}

	n := int(binary.BigEndian.Uint16(data[2:4]))
	if n > MaxFramePayload {
		return nil, data, ErrPayloadTooLarge
	}
	total := FrameOverhead + n
	if len(data) < total {
		return nil, data, ErrIncompleteFrame
	}

	body := data[FrameHeaderSize : FrameHeaderSize+n]
	got := binary.BigEndian.Uint16(data[FrameHeaderSize+n : total])
	if want := Fletcher16(body); got != want {
		return nil, data, fmt.Errorf("%w: expected %04x, got %04x", ErrChecksumMismatch, want, got)
	}

	payload = make([]byte, n)
	copy(payload, body)
	return payload, data[total:], nil
}

// FindFrameStart returns the index of the first frame magic in data, or -1.
func FindFrameStart(data []byte) int {
	for i := 0; i+1 < len(data); i++ {
		if binary.BigEndian.Uint16(data[i:i+2]) == FrameMagic {
			return i
		}
	}
	return -1
}

// Fletcher16 computes the Fletcher-16 checksum of data, modulo 255.
func Fletcher16(data []byte) uint16 {
	var sum1, sum2 uint16
	for _, b := range data {
		sum1 = (sum1 + uint16(b)) % 255
		sum2 = (sum2 + sum1) % 255
	}
	return sum2<<8 | sum1
}
