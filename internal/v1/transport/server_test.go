package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RoseWrightdev/vrlink/internal/v1/dispatch"
	"github.com/RoseWrightdev/vrlink/internal/v1/stream"
	"github.com/RoseWrightdev/vrlink/internal/v1/types"
	"github.com/RoseWrightdev/vrlink/internal/v1/wsproto"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// --- helpers ---

type recordingObserver struct {
	connected    chan types.SessionInfo
	disconnected chan types.SessionInfo
	reasons      chan error
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		connected:    make(chan types.SessionInfo, 8),
		disconnected: make(chan types.SessionInfo, 8),
		reasons:      make(chan error, 8),
	}
}

func (o *recordingObserver) OnConnected(info types.SessionInfo) { o.connected <- info }

func (o *recordingObserver) OnDisconnected(info types.SessionInfo, err error) {
	o.disconnected <- info
	o.reasons <- err
}

type recordingInbound struct {
	msgs chan types.ControlMessage
}

func (r *recordingInbound) HandleMessage(_ context.Context, msg types.ControlMessage) {
	r.msgs <- msg
}

type statusRecorder struct {
	mu    sync.Mutex
	texts []string
}

func (s *statusRecorder) OnStatusChanged(text string) {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
}

func (s *statusRecorder) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type harness struct {
	srv      *Server
	queue    *stream.FrameQueue
	disp     *dispatch.Dispatcher
	observer *recordingObserver
	inbound  *recordingInbound
	addr     string
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.SendPacing = time.Millisecond
	cfg.ErrorBackoff = time.Millisecond
	cfg.HandshakeTimeout = time.Second
	cfg.WriteTimeout = time.Second
	return cfg
}

// startServer runs a server plus a goroutine that drains the dispatcher the
// way the update loop does. Everything stops on test cleanup.
func startServer(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		queue:    stream.NewFrameQueue(stream.DefaultQueueCapacity),
		disp:     dispatch.New(),
		observer: newRecordingObserver(),
		inbound:  &recordingInbound{msgs: make(chan types.ControlMessage, 16)},
	}
	h.srv = NewServer(cfg, h.queue, h.disp, h.inbound, opts...)
	h.srv.AddObserver(h.observer)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.srv.Start(ctx))
	h.addr = h.srv.Addr().String()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.disp.Drain(ctx)
			}
		}
	}()

	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		assert.NoError(t, h.srv.Shutdown(shutdownCtx))
		cancel()
		<-drained
	})
	return h
}

func dialClient(t *testing.T, addr string) *wsproto.Conn {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	br := bufio.NewReader(nc)
	require.NoError(t, wsproto.ClientHandshake(br, nc, addr, "/"))
	c := wsproto.NewConn(nc, br, wsproto.RoleClient, wsproto.DefaultMaxPayload)
	t.Cleanup(func() { c.Close() })
	return c
}

func waitConnected(t *testing.T, h *harness) types.SessionInfo {
	t.Helper()
	select {
	case info := <-h.observer.connected:
		return info
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
		return types.SessionInfo{}
	}
}

func waitDisconnected(t *testing.T, h *harness) (types.SessionInfo, error) {
	t.Helper()
	select {
	case info := <-h.observer.disconnected:
		return info, <-h.observer.reasons
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect")
		return types.SessionInfo{}, nil
	}
}

// failingConn fails every binary write and runs onFail after each failure.
type failingConn struct {
	frameConn
	failures atomic.Int32
	onFail   func(n int)
}

func (f *failingConn) WriteFrame(op wsproto.Opcode, payload []byte) error {
	if op == wsproto.OpBinary {
		n := int(f.failures.Add(1))
		if f.onFail != nil {
			f.onFail(n)
		}
		return &wsproto.TransportError{Op: "write", Err: errors.New("injected write failure")}
	}
	return f.frameConn.WriteFrame(op, payload)
}

// --- tests ---

func TestServer_StreamsQueuedFrames(t *testing.T) {
	h := startServer(t, testConfig())
	client := dialClient(t, h.addr)
	waitConnected(t, h)
	assert.Equal(t, StateConnected, h.srv.State())

	frame := []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}
	h.queue.Push(frame)

	op, payload, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, wsproto.OpBinary, op)
	assert.Equal(t, frame, payload)

	assert.Eventually(t, func() bool { return h.srv.Status().FramesSent == 1 }, time.Second, 5*time.Millisecond)
}

func TestServer_ControlMessagesReachTablet(t *testing.T) {
	h := startServer(t, testConfig())
	client := dialClient(t, h.addr)
	waitConnected(t, h)

	ctx := context.Background()
	require.NoError(t, h.srv.SendScore(ctx, types.NewScoreUpdate(types.ModeChef, 3, 1, 3)))
	require.NoError(t, h.srv.SendWinner(ctx, types.NewWinnerAnnouncement(7, 3)))

	op, payload, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, wsproto.OpText, op)
	assert.JSONEq(t, `{"type":"score","mode":"Chef","chefScore":3,"soldadoScore":1,"currentScore":3}`, string(payload))

	_, payload, err = client.ReadMessage()
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, "winner", got["type"])
	assert.Equal(t, "VR", got["winner"])
}

func TestServer_SendWithoutTablet(t *testing.T) {
	h := startServer(t, testConfig())
	err := h.srv.SendJSON(context.Background(), types.NewModeChange(types.ModeChef))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestServer_InboundMessagesDispatched(t *testing.T) {
	h := startServer(t, testConfig())
	client := dialClient(t, h.addr)
	waitConnected(t, h)

	require.NoError(t, client.WriteText([]byte(`{"screenX":0.25,"screenY":0.75,"action":"Began","touchId":2}`)))
	require.NoError(t, client.WriteText([]byte(`not json`)))
	require.NoError(t, client.WriteText([]byte(`{"type":"mode","mode":"Soldado"}`)))

	select {
	case msg := <-h.inbound.msgs:
		ev, ok := msg.(types.TouchEvent)
		require.True(t, ok)
		assert.Equal(t, 0.25, ev.ScreenX)
		assert.Equal(t, types.TouchBegan, ev.Action)
		assert.Equal(t, 2, ev.TouchID)
	case <-time.After(2 * time.Second):
		t.Fatal("touch not dispatched")
	}

	select {
	case msg := <-h.inbound.msgs:
		assert.Equal(t, types.NewModeChange(types.ModeSoldado), msg)
	case <-time.After(2 * time.Second):
		t.Fatal("mode change not dispatched")
	}
	assert.True(t, h.srv.Connected(), "malformed JSON does not end the session")
}

func TestServer_WriteFailuresDisconnectAndClearQueue(t *testing.T) {
	var wrapped atomic.Int32
	failFirst := func(s *Server) {
		realWrap := s.wrapConn
		s.wrapConn = func(nc net.Conn, br *bufio.Reader) frameConn {
			inner := realWrap(nc, br)
			if wrapped.Add(1) > 1 {
				return inner
			}
			return &failingConn{
				frameConn: inner,
				onFail: func(n int) {
					// Refill the queue so every failure has a frame behind it.
					s.queue.Push([]byte{0xFF, 0xD8, byte(n)})
				},
			}
		}
	}
	h := startServer(t, testConfig(), failFirst)

	dialClient(t, h.addr)
	first := waitConnected(t, h)
	h.queue.Push([]byte{0xFF, 0xD8, 0x00})

	info, reason := waitDisconnected(t, h)
	assert.Equal(t, first.ID, info.ID)
	assert.ErrorIs(t, reason, wsproto.ErrConnectionLost)
	assert.Equal(t, 0, h.queue.Len(), "queue cleared on disconnect")
	assert.False(t, h.srv.Connected())
	assert.Eventually(t, func() bool { return h.srv.State() == StateListening }, time.Second, 5*time.Millisecond)

	// A fresh tablet can connect and receive frames.
	client := dialClient(t, h.addr)
	second := waitConnected(t, h)
	assert.NotEqual(t, first.ID, second.ID)

	h.queue.Push([]byte{0xFF, 0xD8, 0xAA})
	op, payload, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, wsproto.OpBinary, op)
	assert.Equal(t, []byte{0xFF, 0xD8, 0xAA}, payload)
}

func TestServer_NewClientReplacesCurrent(t *testing.T) {
	h := startServer(t, testConfig())

	first := dialClient(t, h.addr)
	firstInfo := waitConnected(t, h)

	second := dialClient(t, h.addr)
	replaced, _ := waitDisconnected(t, h)
	assert.Equal(t, firstInfo.ID, replaced.ID)
	secondInfo := waitConnected(t, h)

	_, _, err := first.ReadMessage()
	assert.Error(t, err, "replaced tablet's socket is closed")

	assert.Equal(t, secondInfo.ID, h.srv.Status().SessionID)
	h.queue.Push([]byte{0xFF, 0xD8, 0x42})
	_, payload, err := second.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8, 0x42}, payload)
}

func TestServer_DisconnectIsIdempotent(t *testing.T) {
	h := startServer(t, testConfig())
	client := dialClient(t, h.addr)
	waitConnected(t, h)

	assert.NotPanics(t, func() {
		h.srv.Disconnect("test")
		h.srv.Disconnect("test")
	})
	waitDisconnected(t, h)
	assert.Equal(t, StateListening, h.srv.State())

	op, payload, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, wsproto.OpClose, op)
	code, _ := wsproto.ParseClosePayload(payload)
	assert.Equal(t, wsproto.CloseNormal, code)

	select {
	case <-h.observer.disconnected:
		t.Fatal("observers notified twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServer_EchoesCloseFrame(t *testing.T) {
	h := startServer(t, testConfig())
	client := dialClient(t, h.addr)
	waitConnected(t, h)

	require.NoError(t, client.WriteClose(wsproto.CloseGoingAway, "bye"))

	op, payload, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, wsproto.OpClose, op)
	code, _ := wsproto.ParseClosePayload(payload)
	assert.Equal(t, wsproto.CloseGoingAway, code)

	_, reason := waitDisconnected(t, h)
	assert.NoError(t, reason)
}

func TestServer_AnswersPing(t *testing.T) {
	h := startServer(t, testConfig())
	client := dialClient(t, h.addr)
	waitConnected(t, h)

	require.NoError(t, client.WriteFrame(wsproto.OpPing, []byte("hi")))
	op, payload, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, wsproto.OpPong, op)
	assert.Equal(t, []byte("hi"), payload)
}

func TestServer_HandshakeFailureKeepsAccepting(t *testing.T) {
	h := startServer(t, testConfig())

	nc, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	_, err = io.WriteString(nc, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	require.NoError(t, err)
	resp, _ := io.ReadAll(nc)
	nc.Close()
	assert.Contains(t, string(resp), "400")

	dialClient(t, h.addr)
	waitConnected(t, h)
}

func TestServer_GorillaClientInterop(t *testing.T) {
	h := startServer(t, testConfig())

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+h.addr+"/", nil)
	require.NoError(t, err)
	defer ws.Close()
	waitConnected(t, h)

	h.queue.Push([]byte{0xFF, 0xD8, 0x10})
	mt, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, []byte{0xFF, 0xD8, 0x10}, data)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"screenX":1,"screenY":0,"action":"Ended","touchId":0}`)))
	select {
	case msg := <-h.inbound.msgs:
		assert.Equal(t, types.MsgTypeTouch, msg.Kind())
	case <-time.After(2 * time.Second):
		t.Fatal("touch from gorilla client not dispatched")
	}
}

func TestServer_DecodeErrorBudgetDisconnects(t *testing.T) {
	cfg := testConfig()
	h := startServer(t, cfg)
	client := dialClient(t, h.addr)
	info := waitConnected(t, h)

	for i := 0; i < cfg.MaxConsecutiveErrors; i++ {
		raw := wsproto.EncodeMaskedFrame(wsproto.OpText, []byte(`{"type":"mode","mode":"Chef"}`), [4]byte{1, 2, 3, byte(i)})
		raw[0] |= 0x40 // RSV1 without a negotiated extension
		if _, err := client.NetConn().Write(raw); err != nil {
			break
		}
	}

	ended, reason := waitDisconnected(t, h)
	assert.Equal(t, info.ID, ended.ID)
	assert.ErrorIs(t, reason, wsproto.ErrConnectionLost)
	assert.False(t, h.srv.Connected())
	assert.Empty(t, h.inbound.msgs, "malformed frames are never dispatched")
}

func TestServer_SilentPeerHandshakeTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 300 * time.Millisecond
	h := startServer(t, cfg)

	silent, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	defer silent.Close()

	// A real tablet is not held up by the silent peer.
	start := time.Now()
	dialClient(t, h.addr)
	waitConnected(t, h)
	assert.Less(t, time.Since(start), cfg.HandshakeTimeout)

	require.NoError(t, silent.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadAll(silent)
	assert.NoError(t, err, "server closes the silent socket once the deadline passes")
	assert.True(t, h.srv.Connected())
}

func TestServer_StrayConnectionKeepsSession(t *testing.T) {
	h := startServer(t, testConfig())
	client := dialClient(t, h.addr)
	info := waitConnected(t, h)

	stray, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	_, err = io.WriteString(stray, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	require.NoError(t, err)
	resp, _ := io.ReadAll(stray)
	stray.Close()
	assert.Contains(t, string(resp), "400")

	assert.Equal(t, info.ID, h.srv.Status().SessionID)
	assert.Equal(t, StateConnected, h.srv.State())

	h.queue.Push([]byte{0xFF, 0xD8, 0x07})
	_, payload, err := client.ReadMessage()
	require.NoError(t, err, "a failed handshake does not disturb the live tablet")
	assert.Equal(t, []byte{0xFF, 0xD8, 0x07}, payload)

	select {
	case <-h.observer.disconnected:
		t.Fatal("live session was torn down")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServer_PendingHandshakesCapped(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 5 * time.Second
	cfg.MaxPendingHandshakes = 1
	h := startServer(t, cfg)

	first, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	defer first.Close()
	assert.Eventually(t, func() bool {
		h.srv.mu.Lock()
		defer h.srv.mu.Unlock()
		return len(h.srv.pending) == 1
	}, time.Second, 5*time.Millisecond)

	second, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	defer second.Close()

	start := time.Now()
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadAll(second)
	assert.NoError(t, err, "over the cap the socket is closed at once")
	assert.Less(t, time.Since(start), cfg.HandshakeTimeout)
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (bool, error) { return false, nil }

func TestServer_AcceptLimiterRejects(t *testing.T) {
	h := startServer(t, testConfig(), WithAcceptLimiter(denyAll{}))

	nc, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	defer nc.Close()
	br := bufio.NewReader(nc)
	err = wsproto.ClientHandshake(br, nc, h.addr, "/")
	assert.Error(t, err)
	assert.False(t, h.srv.Connected())
}

func TestServer_ShutdownSendsGoingAway(t *testing.T) {
	h := startServer(t, testConfig())
	status := &statusRecorder{}
	h.srv.AddStatusObserver(status)

	client := dialClient(t, h.addr)
	waitConnected(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.srv.Shutdown(ctx))
	assert.Equal(t, StateStopped, h.srv.State())
	assert.Error(t, h.srv.Ping(ctx))

	op, payload, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, wsproto.OpClose, op)
	code, _ := wsproto.ParseClosePayload(payload)
	assert.Equal(t, wsproto.CloseGoingAway, code)

	assert.Eventually(t, func() bool {
		for _, text := range status.all() {
			if text != "" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestServer_StartFailsWhenPortTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig()
	cfg.Addr = ln.Addr().String()
	srv := NewServer(cfg, stream.NewFrameQueue(2), dispatch.New(), nil)
	assert.Error(t, srv.Start(context.Background()))
}

func TestServer_ListensAfterStart(t *testing.T) {
	h := startServer(t, testConfig())
	assert.Equal(t, StateListening, h.srv.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "handshaking", StateHandshaking.String())
	assert.Equal(t, "unknown", State(99).String())
}
