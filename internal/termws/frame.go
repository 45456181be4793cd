package termws

import (
	"errors"
	"fmt"
)

// The terminal input socket carries two frame flavors: text frames are raw
// keystrokes for the bound session, binary frames are control messages in a
// tagged format — one type byte followed by a type-specific payload.
type FrameType byte

const (
	// client → server
	FrameBind FrameType = 0x01 // payload: session id (utf-8)
	FramePing FrameType = 0x02 // empty payload

	// server → client
	FrameBindOK FrameType = 0x81 // payload: session id
	FramePong   FrameType = 0x82 // empty payload
	FrameError  FrameType = 0xEE // payload: code byte, fatal byte, utf-8 message
)

// ErrorCode identifies a control protocol error.
type ErrorCode byte

const (
	CodeUnknownType       ErrorCode = 1
	CodeNotBound          ErrorCode = 2
	CodeSessionNotFound   ErrorCode = 3
	CodeRateLimited       ErrorCode = 4
	CodeFrameTooLarge     ErrorCode = 5
	CodeProtocolViolation ErrorCode = 6
)

// MaxFrameSize bounds any control frame, payload included.
const MaxFrameSize = 4096

var (
	ErrFrameEmpty    = errors.New("empty control frame")
	ErrFrameTooLarge = fmt.Errorf("control frame exceeds %d bytes", MaxFrameSize)
)

// Frame is one decoded control message.
type Frame struct {
	Type      FrameType
	SessionID string // bind / bind-ok
	Code      ErrorCode
	Fatal     bool
	Message   string // error
}

// Encode serializes a frame.
func Encode(f Frame) ([]byte, error) {
	var out []byte
	switch f.Type {
	case FrameBind, FrameBindOK:
		out = make([]byte, 0, 1+len(f.SessionID))
		out = append(out, byte(f.Type))
		out = append(out, f.SessionID...)
	case FramePing, FramePong:
		out = []byte{byte(f.Type)}
	case FrameError:
		fatal := byte(0)
		if f.Fatal {
			fatal = 1
		}
		out = make([]byte, 0, 3+len(f.Message))
		out = append(out, byte(f.Type), byte(f.Code), fatal)
		out = append(out, f.Message...)
	default:
		return nil, fmt.Errorf("encode: unknown frame type 0x%02x", byte(f.Type))
	}
	if len(out) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return out, nil
}

// Decode parses a binary frame. Oversized, truncated or unknown-typed input
// is a protocol error; the caller counts those toward the violation limit.
func Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, ErrFrameEmpty
	}
	if len(data) > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}
	t := FrameType(data[0])
	switch t {
	case FrameBind, FrameBindOK:
		if len(data) < 2 {
			return Frame{}, fmt.Errorf("bind frame missing session id")
		}
		return Frame{Type: t, SessionID: string(data[1:])}, nil
	case FramePing, FramePong:
		if len(data) != 1 {
			return Frame{}, fmt.Errorf("ping frame with unexpected payload")
		}
		return Frame{Type: t}, nil
	case FrameError:
		if len(data) < 3 {
			return Frame{}, fmt.Errorf("truncated error frame")
		}
		return Frame{
			Type:    t,
			Code:    ErrorCode(data[1]),
			Fatal:   data[2] != 0,
			Message: string(data[3:]),
		}, nil
	default:
		return Frame{}, fmt.Errorf("unknown frame type 0x%02x", data[0])
	}
}

// ErrorFrame builds an encoded error frame. Encoding an error frame cannot
// fail for in-range messages; oversized messages are truncated.
func ErrorFrame(code ErrorCode, fatal bool, msg string) []byte {
	if len(msg) > MaxFrameSize-3 {
		msg = msg[:MaxFrameSize-3]
	}
	out, _ := Encode(Frame{Type: FrameError, Code: code, Fatal: fatal, Message: msg})
	return out
}
