package termws

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameBindRoundtrip(t *testing.T) {
	data, err := Encode(Frame{Type: FrameBind, SessionID: "abc123"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if data[0] != byte(FrameBind) {
		t.Errorf("type byte = 0x%02x", data[0])
	}
	f, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Type != FrameBind || f.SessionID != "abc123" {
		t.Errorf("frame = %+v", f)
	}
}

func TestFramePingPong(t *testing.T) {
	for _, typ := range []FrameType{FramePing, FramePong} {
		data, err := Encode(Frame{Type: typ})
		if err != nil {
			t.Fatalf("encode 0x%02x: %v", byte(typ), err)
		}
		if !bytes.Equal(data, []byte{byte(typ)}) {
			t.Errorf("encoded = %v", data)
		}
		f, err := Decode(data)
		if err != nil || f.Type != typ {
			t.Errorf("decode = %+v, %v", f, err)
		}
	}
}

func TestFrameErrorRoundtrip(t *testing.T) {
	data, err := Encode(Frame{Type: FrameError, Code: CodeNotBound, Fatal: true, Message: "bind first"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Code != CodeNotBound || !f.Fatal || f.Message != "bind first" {
		t.Errorf("frame = %+v", f)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"unknown type", []byte{0x7F, 'x'}},
		{"bind without id", []byte{byte(FrameBind)}},
		{"ping with payload", []byte{byte(FramePing), 'x'}},
		{"truncated error", []byte{byte(FrameError), byte(CodeNotBound)}},
	}
	for _, tt := range tests {
		if _, err := Decode(tt.data); err == nil {
			t.Errorf("%s: decode accepted", tt.name)
		}
	}
}

func TestDecodeRejectsOversized(t *testing.T) {
	big := make([]byte, MaxFrameSize+1)
	big[0] = byte(FramePing)
	if _, err := Decode(big); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("err = %v, want frame too large", err)
	}

	// Exactly at the limit is fine.
	exact := make([]byte, MaxFrameSize)
	exact[0] = byte(FrameBind)
	if _, err := Decode(exact); err != nil {
		t.Errorf("decode at limit: %v", err)
	}
}

func TestEncodeRejectsOversized(t *testing.T) {
	if _, err := Encode(Frame{Type: FrameBind, SessionID: string(make([]byte, MaxFrameSize))}); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("err = %v, want frame too large", err)
	}
}

func TestErrorFrameTruncatesMessage(t *testing.T) {
	msg := string(bytes.Repeat([]byte{'m'}, MaxFrameSize*2))
	data := ErrorFrame(CodeProtocolViolation, false, msg)
	if len(data) > MaxFrameSize {
		t.Fatalf("error frame %d bytes exceeds limit", len(data))
	}
	f, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Code != CodeProtocolViolation || f.Fatal {
		t.Errorf("frame = %+v", f)
	}
}
