package term

import (
	"bytes"
	"testing"
)

func TestRingBufferBelowCapacity(t *testing.T) {
	r := newRingBuffer(10)
	r.Write([]byte("abc"))
	r.Write([]byte("de"))
	if got := r.Bytes(); !bytes.Equal(got, []byte("abcde")) {
		t.Errorf("bytes = %q", got)
	}
}

func TestRingBufferWrapKeepsTail(t *testing.T) {
	r := newRingBuffer(5)
	r.Write([]byte("abcdefg"))
	if got := r.Bytes(); !bytes.Equal(got, []byte("cdefg")) {
		t.Errorf("bytes = %q, want cdefg", got)
	}
}

func TestRingBufferIncrementalWrap(t *testing.T) {
	r := newRingBuffer(5)
	r.Write([]byte("abc"))
	r.Write([]byte("def")) // wraps: keep bcdef
	if got := r.Bytes(); !bytes.Equal(got, []byte("bcdef")) {
		t.Errorf("bytes = %q, want bcdef", got)
	}
}

func TestRingBufferExactFill(t *testing.T) {
	r := newRingBuffer(4)
	r.Write([]byte("abcd"))
	if got := r.Bytes(); !bytes.Equal(got, []byte("abcd")) {
		t.Errorf("bytes = %q", got)
	}
	r.Write([]byte("e"))
	if got := r.Bytes(); !bytes.Equal(got, []byte("bcde")) {
		t.Errorf("bytes = %q, want bcde", got)
	}
}

func TestRingBufferReset(t *testing.T) {
	r := newRingBuffer(4)
	r.Write([]byte("abcdef"))
	r.Reset()
	if got := r.Bytes(); len(got) != 0 {
		t.Errorf("bytes after reset = %q", got)
	}
}

func TestRingBufferEmpty(t *testing.T) {
	r := newRingBuffer(4)
	if got := r.Bytes(); len(got) != 0 {
		t.Errorf("bytes = %q", got)
	}
}
