package ipc

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func takeAll(t *testing.T, b *RecvBuffer) []string {
	t.Helper()
	var out []string
	for {
		payload, ok, err := b.TryTakeFrame()
		if err != nil {
			t.Fatalf("TryTakeFrame() error = %v", err)
		}
		if !ok {
			break
		}
		out = append(out, string(payload))
	}
	b.Settle()
	return out
}

func TestRecvBuffer_OneByteChunks(t *testing.T) {
	var stream []byte
	var want []string
	for i := range 50 {
		p := fmt.Sprintf(`{"id":%d,"type":"module","payload":{"moduleId":"/m%d.ts"}}`, i, i)
		want = append(want, p)
		stream = AppendFrame(stream, []byte(p))
	}

	b := NewRecvBuffer(8, 0)
	var got []string
	for _, c := range stream {
		if err := b.Append([]byte{c}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		got = append(got, takeAll(t, b)...)
	}

	if len(got) != len(want) {
		t.Fatalf("got %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d = %q, want %q", i, got[i], want[i])
		}
	}
	if b.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", b.Buffered())
	}
}

func TestRecvBuffer_ArbitrarySplits(t *testing.T) {
	var stream []byte
	for i := range 20 {
		stream = AppendFrame(stream, bytes.Repeat([]byte{byte('a' + i)}, i*37))
	}

	for _, chunk := range []int{1, 3, 7, 64, 1000, len(stream)} {
		t.Run(fmt.Sprintf("chunk=%d", chunk), func(t *testing.T) {
			b := NewRecvBuffer(16, 0)
			var got []string
			for off := 0; off < len(stream); off += chunk {
				end := min(off+chunk, len(stream))
				if err := b.Append(stream[off:end]); err != nil {
					t.Fatalf("Append() error = %v", err)
				}
				got = append(got, takeAll(t, b)...)
			}
			if len(got) != 20 {
				t.Fatalf("got %d frames, want 20", len(got))
			}
			for i, p := range got {
				if len(p) != i*37 {
					t.Errorf("frame %d len = %d, want %d", i, len(p), i*37)
				}
			}
		})
	}
}

func TestRecvBuffer_GrowsByDoubling(t *testing.T) {
	b := NewRecvBuffer(16, 1024)
	if err := b.Append(make([]byte, 40)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if b.Cap() != 64 {
		t.Errorf("Cap() = %d, want 64", b.Cap())
	}
	if b.Growths() != 1 {
		t.Errorf("Growths() = %d, want 1", b.Growths())
	}
}

func TestRecvBuffer_GrowthCappedAtMax(t *testing.T) {
	b := NewRecvBuffer(16, 100)
	if err := b.Append(make([]byte, 90)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if b.Cap() != 100 {
		t.Errorf("Cap() = %d, want 100", b.Cap())
	}
}

func TestRecvBuffer_Overflow(t *testing.T) {
	b := NewRecvBuffer(16, 64)
	if err := b.Append(make([]byte, 60)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	err := b.Append(make([]byte, 10))
	if !errors.Is(err, ErrBufferLimit) {
		t.Fatalf("Append() error = %v, want ErrBufferLimit", err)
	}
	var frameErr *FrameError
	if !errors.As(err, &frameErr) || frameErr.Kind != FrameErrorOverflow {
		t.Errorf("error = %v, want overflow FrameError", err)
	}
	if b.Buffered() != 60 {
		t.Errorf("Buffered() = %d, want unchanged 60", b.Buffered())
	}
}

func TestRecvBuffer_DeclaredSizeTooLarge(t *testing.T) {
	b := NewRecvBuffer(16, 64)
	frame := EncodeFrame(make([]byte, 100))
	if err := b.Append(frame[:8]); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	_, _, err := b.TryTakeFrame()
	var frameErr *FrameError
	if !errors.As(err, &frameErr) || frameErr.Kind != FrameErrorTooLarge {
		t.Fatalf("TryTakeFrame() error = %v, want too-large FrameError", err)
	}
}

func TestRecvBuffer_CompactsBeforeGrowing(t *testing.T) {
	b := NewRecvBuffer(32, 32)
	first := EncodeFrame(make([]byte, 20))
	if err := b.Append(first); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := b.Append([]byte{0, 0}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, ok, _ := b.TryTakeFrame(); !ok {
		t.Fatal("expected a frame")
	}

	// 2 unread bytes at offset 24; 28 more only fit after compaction.
	if err := b.Append(make([]byte, 28)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if b.Cap() != 32 {
		t.Errorf("Cap() = %d, want 32 (no growth)", b.Cap())
	}
	if b.Compactions() == 0 {
		t.Error("expected a compaction")
	}
	if b.Buffered() != 30 {
		t.Errorf("Buffered() = %d, want 30", b.Buffered())
	}
}

func TestRecvBuffer_SettleCompactsPastHalf(t *testing.T) {
	b := NewRecvBuffer(64, 0)
	if err := b.Append(EncodeFrame(make([]byte, 36))); err != nil {
		t.Fatal(err)
	}
	if err := b.Append([]byte{0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := b.TryTakeFrame(); !ok {
		t.Fatal("expected a frame")
	}
	b.Settle()
	if b.Compactions() != 1 {
		t.Errorf("Compactions() = %d, want 1", b.Compactions())
	}
	if b.Buffered() != 3 {
		t.Errorf("Buffered() = %d, want 3", b.Buffered())
	}
}

func TestRecvBuffer_Reset(t *testing.T) {
	b := NewRecvBuffer(16, 0)
	if err := b.Append(make([]byte, 100)); err != nil {
		t.Fatal(err)
	}
	b.Reset()
	if b.Buffered() != 0 || b.Cap() != 16 {
		t.Errorf("after Reset: Buffered() = %d, Cap() = %d", b.Buffered(), b.Cap())
	}
}
