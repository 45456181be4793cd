package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ehrlich-b/perch/internal/termws"
)

func createTerminal(t *testing.T, env *testEnv) string {
	t.Helper()
	w := doJSON(t, env.srv, "POST", "/api/terminals", map[string]any{"cwd": t.TempDir(), "cols": 80, "rows": 24})
	if w.Code != http.StatusCreated {
		t.Fatalf("create terminal: status = %d, body %s", w.Code, w.Body)
	}
	var resp struct {
		SessionID string `json:"sessionId"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.SessionID == "" {
		t.Fatal("no session id")
	}
	return resp.SessionID
}

func TestTerminalCreateAndList(t *testing.T) {
	env := newTestEnv(t, nil)
	id := createTerminal(t, env)

	w := doJSON(t, env.srv, "GET", "/api/terminals", nil)
	var list struct {
		Terminals []struct {
			ID string `json:"id"`
		} `json:"terminals"`
	}
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Terminals) != 1 || list.Terminals[0].ID != id {
		t.Errorf("terminals = %+v", list.Terminals)
	}
}

func TestTerminalPoolCapReturns429(t *testing.T) {
	env := newTestEnv(t, nil) // cap 2
	createTerminal(t, env)
	createTerminal(t, env)
	w := doJSON(t, env.srv, "POST", "/api/terminals", map[string]any{"cwd": t.TempDir()})
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
}

func TestTerminalInputAndResize(t *testing.T) {
	env := newTestEnv(t, nil)
	id := createTerminal(t, env)

	if w := doJSON(t, env.srv, "POST", "/api/terminals/"+id+"/input", map[string]string{"data": "true\n"}); w.Code != http.StatusNoContent {
		t.Errorf("input: status = %d", w.Code)
	}
	if w := doJSON(t, env.srv, "POST", "/api/terminals/"+id+"/resize", map[string]int{"cols": 132, "rows": 50}); w.Code != http.StatusNoContent {
		t.Errorf("resize: status = %d", w.Code)
	}
	sess, err := env.terminals.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	cols, rows := sess.Size()
	if cols != 132 || rows != 50 {
		t.Errorf("size = %dx%d", cols, rows)
	}

	if w := doJSON(t, env.srv, "POST", "/api/terminals/"+id+"/resize", map[string]int{"cols": 0}); w.Code != http.StatusBadRequest {
		t.Errorf("zero resize: status = %d", w.Code)
	}
	if w := doJSON(t, env.srv, "POST", "/api/terminals/nope/input", map[string]string{"data": "x"}); w.Code != http.StatusNotFound {
		t.Errorf("missing session: status = %d", w.Code)
	}
}

func TestTerminalRestartAndDelete(t *testing.T) {
	env := newTestEnv(t, nil)
	id := createTerminal(t, env)

	w := doJSON(t, env.srv, "POST", "/api/terminals/"+id+"/restart", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("restart: status = %d", w.Code)
	}
	var resp struct {
		SessionID string `json:"sessionId"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.SessionID == id {
		t.Error("restart kept old id")
	}

	if w := doJSON(t, env.srv, "DELETE", "/api/terminals/"+resp.SessionID, nil); w.Code != http.StatusNoContent {
		t.Errorf("delete: status = %d", w.Code)
	}
	if w := doJSON(t, env.srv, "DELETE", "/api/terminals/"+resp.SessionID, nil); w.Code != http.StatusNotFound {
		t.Errorf("double delete: status = %d", w.Code)
	}
}

func TestTerminalKillAll(t *testing.T) {
	env := newTestEnv(t, nil)
	createTerminal(t, env)
	createTerminal(t, env)
	w := doJSON(t, env.srv, "POST", "/api/terminals/kill-all", nil)
	var resp struct {
		Killed int `json:"killed"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Killed != 2 {
		t.Errorf("killed = %d", resp.Killed)
	}
}

func dialTerminalWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(env.srv)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/terminal", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) termws.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageBinary {
		t.Fatalf("frame type = %v", typ)
	}
	f, err := termws.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return f
}

func writeBinary(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestTerminalWSPingPong(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialTerminalWS(t, env)

	ping, _ := termws.Encode(termws.Frame{Type: termws.FramePing})
	writeBinary(t, conn, ping)
	if f := readFrame(t, conn); f.Type != termws.FramePong {
		t.Errorf("reply = %+v, want pong", f)
	}
}

func TestTerminalWSInputRequiresBind(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialTerminalWS(t, env)

	ctx := context.Background()
	if err := conn.Write(ctx, websocket.MessageText, []byte("ls\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readFrame(t, conn)
	if f.Type != termws.FrameError || f.Code != termws.CodeNotBound || f.Fatal {
		t.Errorf("reply = %+v, want non-fatal not-bound error", f)
	}
}

func TestTerminalWSBindUnknownSession(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialTerminalWS(t, env)

	bind, _ := termws.Encode(termws.Frame{Type: termws.FrameBind, SessionID: "nope"})
	writeBinary(t, conn, bind)
	f := readFrame(t, conn)
	if f.Type != termws.FrameError || f.Code != termws.CodeSessionNotFound {
		t.Errorf("reply = %+v, want session-not-found", f)
	}
}

func TestTerminalWSBindAndType(t *testing.T) {
	env := newTestEnv(t, nil)
	id := createTerminal(t, env)
	conn := dialTerminalWS(t, env)

	bind, _ := termws.Encode(termws.Frame{Type: termws.FrameBind, SessionID: id})
	writeBinary(t, conn, bind)
	f := readFrame(t, conn)
	if f.Type != termws.FrameBindOK || f.SessionID != id {
		t.Fatalf("reply = %+v, want bind-ok", f)
	}

	// Watch the pty from the side and type through the socket.
	sess, err := env.terminals.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	ch, _, cancel := sess.Subscribe(uuid.New().String())
	defer cancel()

	ctx := context.Background()
	if err := conn.Write(ctx, websocket.MessageText, []byte("echo ws-marker\n")); err != nil {
		t.Fatalf("write input: %v", err)
	}

	var out []byte
	deadline := time.After(5 * time.Second)
	for !bytes.Contains(out, []byte("ws-marker")) {
		select {
		case data, ok := <-ch:
			if !ok {
				t.Fatalf("session closed, output %q", out)
			}
			out = append(out, data...)
		case <-deadline:
			t.Fatalf("input never reached the pty, output %q", out)
		}
	}
}

func TestTerminalWSViolationLimitCloses(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialTerminalWS(t, env)

	for i := 0; i < termws.DefaultViolationLimit; i++ {
		writeBinary(t, conn, []byte{0x7F, 'x'}) // unknown frame type
		f := readFrame(t, conn)
		if f.Type != termws.FrameError {
			t.Fatalf("reply %d = %+v", i, f)
		}
		wantFatal := i == termws.DefaultViolationLimit-1
		if f.Fatal != wantFatal {
			t.Errorf("violation %d fatal = %v, want %v", i+1, f.Fatal, wantFatal)
		}
	}

	// The server closes after the fatal frame.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("connection still open past the violation limit")
	}
}
