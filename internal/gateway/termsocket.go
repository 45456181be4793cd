package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/perch/internal/termws"
)

const (
	wsReadLimit = 512 * 1024

	// Keystroke input metering. Pasting a large buffer bursts well past the
	// steady rate; sustained flooding gets dropped with a rate-limited error.
	inputBytesPerSec = 256 * 1024
	inputBurstBytes  = 1024 * 1024

	wsWriteTimeout = 5 * time.Second
)

// handleTerminalWS runs the terminal input socket. Text frames carry raw
// keystrokes for the bound session; binary frames carry control messages.
// A connection starts unbound and must send a bind frame before any input.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("terminal ws accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "connection closed")
	conn.SetReadLimit(wsReadLimit)

	ctx := r.Context()
	binding := termws.NewBinding()
	limiter := rate.NewLimiter(inputBytesPerSec, inputBurstBytes)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageText:
			s.wsInput(ctx, conn, binding, limiter, data)
		case websocket.MessageBinary:
			if fatal := s.wsControl(ctx, conn, binding, data); fatal {
				conn.Close(websocket.StatusPolicyViolation, "protocol violation limit exceeded")
				return
			}
		}
	}
}

// wsInput forwards keystrokes to the bound session.
func (s *Server) wsInput(ctx context.Context, conn *websocket.Conn, binding *termws.Binding, limiter *rate.Limiter, data []byte) {
	sid, bound := binding.Bound()
	if !bound {
		s.wsError(ctx, conn, termws.CodeNotBound, false, "no session bound")
		return
	}
	if !limiter.AllowN(time.Now(), len(data)) {
		s.wsError(ctx, conn, termws.CodeRateLimited, false, "input rate limit exceeded")
		return
	}
	sess, err := s.Terminals.Get(sid)
	if err != nil {
		s.wsError(ctx, conn, termws.CodeSessionNotFound, false, "bound session is gone")
		return
	}
	if err := sess.Write(data); err != nil {
		s.wsError(ctx, conn, termws.CodeSessionNotFound, false, err.Error())
	}
}

// wsControl handles one binary control frame. Returns true when the
// connection crossed the violation threshold and must be closed.
func (s *Server) wsControl(ctx context.Context, conn *websocket.Conn, binding *termws.Binding, data []byte) (fatal bool) {
	f, err := termws.Decode(data)
	if err != nil {
		code := termws.CodeProtocolViolation
		if errors.Is(err, termws.ErrFrameTooLarge) {
			code = termws.CodeFrameTooLarge
		}
		fatal = binding.Violation()
		s.wsError(ctx, conn, code, fatal, err.Error())
		return fatal
	}

	switch f.Type {
	case termws.FrameBind:
		if _, err := s.Terminals.Get(f.SessionID); err != nil {
			s.wsError(ctx, conn, termws.CodeSessionNotFound, false, "unknown session id")
			return false
		}
		if err := binding.Bind(f.SessionID); err != nil {
			s.wsError(ctx, conn, termws.CodeRateLimited, false, "rebind rate limit exceeded")
			return false
		}
		ok, _ := termws.Encode(termws.Frame{Type: termws.FrameBindOK, SessionID: f.SessionID})
		s.wsWrite(ctx, conn, ok)
	case termws.FramePing:
		pong, _ := termws.Encode(termws.Frame{Type: termws.FramePong})
		s.wsWrite(ctx, conn, pong)
	default:
		// Server-direction frames arriving from a client are violations,
		// same as unknown types.
		fatal = binding.Violation()
		s.wsError(ctx, conn, termws.CodeUnknownType, fatal, "unexpected frame type")
		return fatal
	}
	return false
}

func (s *Server) wsError(ctx context.Context, conn *websocket.Conn, code termws.ErrorCode, fatal bool, msg string) {
	s.wsWrite(ctx, conn, termws.ErrorFrame(code, fatal, msg))
}

func (s *Server) wsWrite(ctx context.Context, conn *websocket.Conn, frame []byte) {
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageBinary, frame); err != nil {
		s.logger.Debug("terminal ws write failed", "error", err)
	}
}
