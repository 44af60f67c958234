package ipc

import (
	"encoding/binary"
	"fmt"
)

// RecvBuffer accumulates inbound bytes for one connection and yields complete
// frames. It is owned by a single reader goroutine and is not safe for
// concurrent use.
//
// Invariant: 0 <= r <= w <= len(buf) <= max.
type RecvBuffer struct {
	buf     []byte
	r       int
	w       int
	initial int
	max     int

	growths     int
	compactions int
}

// NewRecvBuffer creates a buffer with the given initial capacity and hard
// ceiling. Non-positive values select InitialBufferSize and MaxBufferSize.
func NewRecvBuffer(initial, maxSize int) *RecvBuffer {
	if maxSize <= 0 {
		maxSize = MaxBufferSize
	}
	if initial <= 0 {
		initial = InitialBufferSize
	}
	if initial > maxSize {
		initial = maxSize
	}
	return &RecvBuffer{
		buf:     make([]byte, initial),
		initial: initial,
		max:     maxSize,
	}
}

// Append copies p into the buffer. When p does not fit in the tail, unread
// bytes are first moved to offset zero; if that is still not enough the
// storage doubles until it fits, capped at the ceiling. Exceeding the ceiling
// returns a *FrameError of kind FrameErrorOverflow and leaves the buffer
// unchanged.
func (b *RecvBuffer) Append(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if b.w+len(p) > len(b.buf) {
		b.Compact()
		need := b.w + len(p)
		if need > len(b.buf) {
			if need > b.max {
				return &FrameError{
					Kind: FrameErrorOverflow,
					Msg:  fmt.Sprintf("need %d bytes, limit is %d", need, b.max),
					Err:  ErrBufferLimit,
				}
			}
			b.grow(need)
		}
	}
	copy(b.buf[b.w:], p)
	b.w += len(p)
	return nil
}

func (b *RecvBuffer) grow(need int) {
	size := max(len(b.buf), 1)
	for size < need {
		size *= 2
	}
	size = min(size, b.max)
	next := make([]byte, size)
	copy(next, b.buf[b.r:b.w])
	b.w -= b.r
	b.r = 0
	b.buf = next
	b.growths++
}

// TryTakeFrame returns the payload of the next complete frame, or ok=false if
// the buffered bytes do not yet hold one. The returned slice aliases the
// buffer and is only valid until the next Append, Compact or Reset.
//
// A length prefix declaring a payload that could never fit under the ceiling
// yields a FrameErrorTooLarge error without waiting for the bytes.
func (b *RecvBuffer) TryTakeFrame() (payload []byte, ok bool, err error) {
	avail := b.w - b.r
	if avail < LengthPrefixSize {
		return nil, false, nil
	}
	size := binary.BigEndian.Uint32(b.buf[b.r : b.r+LengthPrefixSize])
	if uint64(size)+LengthPrefixSize > uint64(b.max) {
		return nil, false, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("frame of %d bytes exceeds limit %d", size, b.max),
			Err:  ErrBufferLimit,
		}
	}
	total := LengthPrefixSize + int(size)
	if avail < total {
		return nil, false, nil
	}
	start := b.r + LengthPrefixSize
	b.r += total
	return b.buf[start:b.r:b.r], true, nil
}

// Compact moves unread bytes to offset zero.
func (b *RecvBuffer) Compact() {
	if b.r == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.r:b.w])
	b.r = 0
	b.w = n
	b.compactions++
}

// Settle is called after every parse pass. A fully consumed buffer resets its
// offsets; otherwise it compacts once more than half of it has been consumed.
func (b *RecvBuffer) Settle() {
	switch {
	case b.r == b.w:
		b.r, b.w = 0, 0
	case b.r > len(b.buf)/2:
		b.Compact()
	}
}

// Reset discards all buffered data and returns storage to its initial size.
func (b *RecvBuffer) Reset() {
	b.r, b.w = 0, 0
	if len(b.buf) != b.initial {
		b.buf = make([]byte, b.initial)
	}
}

// Buffered returns the number of unread bytes.
func (b *RecvBuffer) Buffered() int { return b.w - b.r }

// Cap returns the current storage size.
func (b *RecvBuffer) Cap() int { return len(b.buf) }

// Growths returns how many times the storage was reallocated.
func (b *RecvBuffer) Growths() int { return b.growths }

// Compactions returns how many times unread bytes were shifted.
func (b *RecvBuffer) Compactions() int { return b.compactions }
