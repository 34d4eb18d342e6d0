package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bnema/symstream/internal/ports"
	"github.com/bnema/symstream/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitTimeout = 2 * time.Second

// echoHandler answers every frame with SYMBOL_ACCEPTED carrying the frame
// number so tests can observe ordering end to end.
type echoHandler struct {
	conn       ports.Connection
	mu         sync.Mutex
	frames     []string
	dispatched chan protocol.Inbound
	closed     chan struct{}
}

func (h *echoHandler) Handle(_ context.Context, frame []byte) {
	h.mu.Lock()
	h.frames = append(h.frames, string(frame))
	n := len(h.frames)
	h.mu.Unlock()

	_ = h.conn.Send(protocol.SymbolAccepted{Position: n, Accepted: 1, Count: n})
}

func (h *echoHandler) Dispatch(_ context.Context, msg protocol.Inbound) {
	h.dispatched <- msg
}

func (h *echoHandler) Close() {
	close(h.closed)
}

func (h *echoHandler) Frames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]string(nil), h.frames...)
}

type harness struct {
	server   *Server
	http     *httptest.Server
	handlers chan *echoHandler
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := &harness{handlers: make(chan *echoHandler, 8)}
	h.server = NewServer(func(conn ports.Connection) Handler {
		handler := &echoHandler{
			conn:       conn,
			dispatched: make(chan protocol.Inbound, 4),
			closed:     make(chan struct{}),
		}
		h.handlers <- handler
		return handler
	}, cfg, zaptest.NewLogger(t))
	h.http = httptest.NewServer(h.server.Routes())

	t.Cleanup(h.http.Close)
	t.Cleanup(h.server.Close)

	return h
}

func (h *harness) dial(t *testing.T, path string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + path
	socket, resp, err := websocket.DefaultDialer.Dial(url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if socket != nil {
		t.Cleanup(func() { _ = socket.Close() })
	}

	return socket, resp, err
}

func (h *harness) nextHandler(t *testing.T) *echoHandler {
	t.Helper()

	select {
	case handler := <-h.handlers:
		return handler
	case <-time.After(waitTimeout):
		t.Fatal("no handler created")
		return nil
	}
}

func readEnvelope(t *testing.T, socket *websocket.Conn) (protocol.MessageType, json.RawMessage) {
	t.Helper()

	require.NoError(t, socket.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, data, err := socket.ReadMessage()
	require.NoError(t, err)

	var env struct {
		Type    protocol.MessageType `json:"type"`
		Payload json.RawMessage      `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &env))
	return env.Type, env.Payload
}

func waitClosed(t *testing.T, handler *echoHandler) {
	t.Helper()

	select {
	case <-handler.closed:
	case <-time.After(waitTimeout):
		t.Fatal("handler was not closed")
	}
}

func TestServerDeliversFramesInOrder(t *testing.T) {
	h := newHarness(t, Config{})

	socket, _, err := h.dial(t, "/ws", nil)
	require.NoError(t, err)
	handler := h.nextHandler(t)

	for i := 1; i <= 3; i++ {
		frame := `{"type":"SUBMIT_SYMBOL","payload":{"symbol":` + strconv.Itoa(i) + `}}`
		require.NoError(t, socket.WriteMessage(websocket.TextMessage, []byte(frame)))
	}

	for i := 1; i <= 3; i++ {
		msgType, payload := readEnvelope(t, socket)
		assert.Equal(t, protocol.TypeSymbolAccepted, msgType)

		var accepted protocol.SymbolAccepted
		require.NoError(t, json.Unmarshal(payload, &accepted))
		assert.Equal(t, i, accepted.Position)
	}

	frames := handler.Frames()
	require.Len(t, frames, 3)
	assert.Contains(t, frames[2], `"symbol":3`)
}

func TestServerSessionPathResumes(t *testing.T) {
	h := newHarness(t, Config{})

	_, _, err := h.dial(t, "/ws/session/abc-123", nil)
	require.NoError(t, err)
	handler := h.nextHandler(t)

	select {
	case msg := <-handler.dispatched:
		assert.Equal(t, protocol.ResumeSession{SessionID: "abc-123"}, msg)
	case <-time.After(waitTimeout):
		t.Fatal("resume was not dispatched")
	}
}

func TestServerClosesHandlerOnDisconnect(t *testing.T) {
	h := newHarness(t, Config{})

	socket, _, err := h.dial(t, "/ws", nil)
	require.NoError(t, err)
	handler := h.nextHandler(t)

	require.NoError(t, socket.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	waitClosed(t, handler)
}

func TestServerEnforcesReadLimit(t *testing.T) {
	h := newHarness(t, Config{ReadLimit: 32})

	socket, _, err := h.dial(t, "/ws", nil)
	require.NoError(t, err)
	handler := h.nextHandler(t)

	require.NoError(t, socket.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 256))))

	waitClosed(t, handler)
	require.NoError(t, socket.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, _, err = socket.ReadMessage()
	require.Error(t, err)
	assert.Empty(t, handler.Frames())
}

func TestServerChecksOrigin(t *testing.T) {
	h := newHarness(t, Config{AllowedOrigins: []string{"https://app.example/"}})

	_, resp, err := h.dial(t, "/ws", http.Header{"Origin": []string{"https://evil.example"}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, _, err = h.dial(t, "/ws", http.Header{"Origin": []string{"https://APP.example"}})
	require.NoError(t, err)
	h.nextHandler(t)
}

func TestServerCloseDisconnectsClients(t *testing.T) {
	h := newHarness(t, Config{})

	socket, _, err := h.dial(t, "/ws", nil)
	require.NoError(t, err)
	handler := h.nextHandler(t)

	h.server.Close()

	waitClosed(t, handler)
	require.NoError(t, socket.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, _, err = socket.ReadMessage()
	require.Error(t, err)

	_, resp, err := h.dial(t, "/ws", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	server := NewServer(func(conn ports.Connection) Handler {
		return &echoHandler{conn: conn, dispatched: make(chan protocol.Inbound, 1), closed: make(chan struct{})}
	}, Config{}, zaptest.NewLogger(t))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, listener) }()

	socket, resp, err := websocket.DefaultDialer.Dial("ws://"+listener.Addr().String()+"/ws", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer socket.Close()

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("serve did not return")
	}

	require.NoError(t, socket.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, _, err = socket.ReadMessage()
	require.Error(t, err)
}

func TestConnSendQueueBounds(t *testing.T) {
	c := newConn("c-1", nil, Config{SendBuffer: 1}.withDefaults(), zap.NewNop())

	require.NoError(t, c.Send(protocol.UndoAck{RemovedPosition: 1}))
	require.ErrorIs(t, c.Send(protocol.UndoAck{RemovedPosition: 2}), ErrSendBufferFull)

	c.closeSend()
	c.closeSend()
	require.ErrorIs(t, c.Send(protocol.UndoAck{RemovedPosition: 3}), ErrConnectionClosed)
}

func TestOriginChecker(t *testing.T) {
	assert.Nil(t, originChecker(nil))

	open := originChecker([]string{"*"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://anything.example")
	assert.True(t, open(req))

	strict := originChecker([]string{"https://app.example"})
	assert.False(t, strict(req))

	req.Header.Del("Origin")
	assert.True(t, strict(req))
}
