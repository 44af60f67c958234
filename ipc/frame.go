// Package ipc implements length-prefixed framing and receive buffering for the
// local RPC transport.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Size constants for the wire format.
const (
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
	// InitialBufferSize is the starting capacity of a RecvBuffer (64 KiB).
	InitialBufferSize = 64 * 1024
	// MaxBufferSize is the default hard ceiling of a RecvBuffer (1 GiB).
	MaxBufferSize = 1024 * 1024 * 1024
)

// ErrBufferLimit is wrapped by overflow errors from RecvBuffer.
var ErrBufferLimit = errors.New("receive buffer limit exceeded")

// FrameErrorKind classifies frame errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated or incomplete frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a frame that can never fit the buffer.
	FrameErrorTooLarge
	// FrameErrorOverflow indicates buffered data exceeding the buffer ceiling.
	FrameErrorOverflow
	// FrameErrorDecode indicates a payload that could not be decoded.
	FrameErrorDecode
)

func (k FrameErrorKind) String() string {
	switch k {
	case FrameErrorPartial:
		return "partial"
	case FrameErrorTooLarge:
		return "too_large"
	case FrameErrorOverflow:
		return "overflow"
	case FrameErrorDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// FrameError represents a framing or payload decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the connection carrying the frame must be torn down.
// Every kind is fatal: after a framing or decode failure the stream position
// can no longer be trusted.
func (e *FrameError) IsFatal() bool {
	return true
}

// IsFatalFrameError returns true if the error is a fatal frame error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// AppendFrame appends the length prefix and payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// EncodeFrame returns payload with its length prefix.
func EncodeFrame(payload []byte) []byte {
	return AppendFrame(make([]byte, 0, LengthPrefixSize+len(payload)), payload)
}

// WriteFrame writes one frame with a single Write call so that concurrent
// writers serialized by the caller never interleave a prefix and a payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds length prefix range", len(payload)),
		}
	}
	_, err := w.Write(EncodeFrame(payload))
	return err
}

// FrameDecoder decodes length-prefixed frames from a blocking stream.
type FrameDecoder struct {
	reader     io.Reader
	maxPayload int
}

// NewFrameDecoder creates a new frame decoder. maxPayload <= 0 selects
// MaxBufferSize - LengthPrefixSize.
func NewFrameDecoder(r io.Reader, maxPayload int) *FrameDecoder {
	if maxPayload <= 0 {
		maxPayload = MaxBufferSize - LengthPrefixSize
	}
	return &FrameDecoder{reader: r, maxPayload: maxPayload}
}

// ReadFrame reads a single frame from the stream.
//
// Errors:
//   - io.EOF: stream ended cleanly (no more frames)
//   - *FrameError with Kind=FrameErrorPartial: incomplete frame
//   - *FrameError with Kind=FrameErrorTooLarge: frame exceeds limit
func (d *FrameDecoder) ReadFrame() ([]byte, error) {
	var lengthBuf [LengthPrefixSize]byte
	_, err := io.ReadFull(d.reader, lengthBuf[:])
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read length prefix",
			Err:  err,
		}
	}

	payloadSize := binary.BigEndian.Uint32(lengthBuf[:])
	if uint64(payloadSize) > uint64(d.maxPayload) {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", payloadSize, d.maxPayload),
		}
	}

	payload := make([]byte, payloadSize)
	_, err = io.ReadFull(d.reader, payload)
	if err != nil {
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read payload",
			Err:  err,
		}
	}

	return payload, nil
}
