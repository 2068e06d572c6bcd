package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/RoseWrightdev/vrlink/internal/v1/bus"
	"github.com/RoseWrightdev/vrlink/internal/v1/config"
	"github.com/RoseWrightdev/vrlink/internal/v1/store"
	"github.com/RoseWrightdev/vrlink/internal/v1/stream"
	"github.com/RoseWrightdev/vrlink/internal/v1/types"
	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		DevelopmentMode:      true,
		StreamEnabled:        true,
		StreamFPS:            30,
		StreamQuality:        50,
		StreamWidth:          64,
		StreamHeight:         48,
		StreamMaxQueued:      2,
		AdaptiveQuality:      true,
		SkipWhenBusy:         true,
		SendPacing:           time.Millisecond,
		MaxConsecutiveErrors: 5,
		HandshakeTimeout:     2 * time.Second,
		MaxMessageBytes:      1 << 20,
		UpdateHz:             200,
		LevelDuration:        90 * time.Second,
		DefaultMode:          types.ModeChef,
		RateLimitAcceptIP:    "100-M",
		RateLimitAPI:         "100-M",
	}
}

// runHost starts h and its update loop, stopping both at test cleanup.
func runHost(t *testing.T, h *Host) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.Start(ctx))

	done := make(chan error, 1)
	go func() { done <- h.Loop(ctx) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer scancel()
		assert.NoError(t, h.Shutdown(sctx))
	})
}

func localURL(t *testing.T, addr, scheme string) string {
	t.Helper()
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	return scheme + "://127.0.0.1:" + port
}

type wireMsg struct {
	op   int
	data []byte
}

// dialTablet connects a gorilla client and pumps every message into a channel.
func dialTablet(t *testing.T, h *Host) (*websocket.Conn, <-chan wireMsg) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(localURL(t, h.StreamAddr(), "ws")+"/", nil)
	require.NoError(t, err)

	msgs := make(chan wireMsg, 256)
	go func() {
		defer close(msgs)
		for {
			op, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case msgs <- wireMsg{op, data}:
			default:
			}
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return conn, msgs
}

func waitFor(t *testing.T, msgs <-chan wireMsg, match func(wireMsg) bool) wireMsg {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m, ok := <-msgs:
			require.True(t, ok, "connection closed")
			if match(m) {
				return m
			}
		case <-deadline:
			t.Fatal("timed out waiting for message")
		}
	}
}

func isText(kind string) func(wireMsg) bool {
	return func(m wireMsg) bool {
		if m.op != websocket.TextMessage {
			return false
		}
		var env struct {
			Type string `json:"type"`
		}
		return json.Unmarshal(m.data, &env) == nil && env.Type == kind
	}
}

func TestHost_StatusBeforeStart(t *testing.T) {
	h, err := New(testConfig())
	require.NoError(t, err)

	st := h.Status()
	assert.Equal(t, "Starting...", st.StatusText)
	assert.Equal(t, types.ModeChef, st.Mode)
	assert.Equal(t, "01:30", st.TimerRemaining)
	assert.Equal(t, 50, st.Quality)
	assert.Nil(t, st.PanTarget)
	assert.Empty(t, h.StreamAddr())
	assert.Empty(t, h.AdminAddr())
}

func TestHost_StreamsFramesAndRoutesInput(t *testing.T) {
	h, err := New(testConfig())
	require.NoError(t, err)
	runHost(t, h)

	conn, msgs := dialTablet(t, h)

	frame := waitFor(t, msgs, func(m wireMsg) bool { return m.op == websocket.BinaryMessage })
	assert.True(t, stream.IsJPEG(frame.data))

	require.Eventually(t, func() bool {
		st := h.Status()
		return st.TimerRunning && strings.Contains(st.StatusText, "connected")
	}, 2*time.Second, 10*time.Millisecond, "a connecting tablet starts the round")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"screenX":0.5,"screenY":0.5,"action":"Began","touchId":1}`)))
	require.Eventually(t, func() bool { return h.Status().PanTarget != nil }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mode","mode":"Soldado"}`)))
	echo := waitFor(t, msgs, isText(types.MsgTypeMode))
	var mode types.ModeChange
	require.NoError(t, json.Unmarshal(echo.data, &mode))
	assert.Equal(t, types.ModeSoldado, mode.Mode)

	waitFor(t, msgs, isText(types.MsgTypeScore))
	assert.Equal(t, types.ModeSoldado, h.Status().Mode)
	assert.Nil(t, h.Status().PanTarget, "switching modes recenters the pan")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"screenX":0.2,"screenY":0.8,"action":"Began","touchId":2}`)))
	require.Eventually(t, func() bool { return h.Status().Shots == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHost_OperatorDisconnect(t *testing.T) {
	h, err := New(testConfig())
	require.NoError(t, err)
	runHost(t, h)

	_, msgs := dialTablet(t, h)
	require.Eventually(t, func() bool { return h.Status().Link.State == "connected" }, 2*time.Second, 10*time.Millisecond)

	h.dispatcher.Enqueue(h.DisconnectTablet)

	for range msgs {
	}
	require.Eventually(t, func() bool { return h.Status().Link.SessionID == "" }, 2*time.Second, 10*time.Millisecond)
}

func TestHost_BusCommands(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	svc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	defer func() { _ = svc.Close() }()

	h, err := New(testConfig(), WithBus(svc))
	require.NoError(t, err)
	runHost(t, h)

	require.Eventually(t, func() bool { return len(mr.PubSubChannels(bus.ChannelCommands)) > 0 }, time.Second, 10*time.Millisecond)

	mr.Publish(bus.ChannelCommands, `{"action":"addScore","side":"vr","points":3}`)
	require.Eventually(t, func() bool { return h.Status().Scores.VR == 3 }, 2*time.Second, 10*time.Millisecond)

	mr.Publish(bus.ChannelCommands, `{"action":"endGame"}`)
	require.Eventually(t, func() bool { return h.Status().LastMatch != nil }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.WinnerVR, h.Status().LastMatch.Winner)
}

func TestHost_RecordsFinishedRounds(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "matches.db"))
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	h, err := New(testConfig(), WithStore(st))
	require.NoError(t, err)

	ctx := context.Background()
	h.AddScore(ctx, "chef", 2)
	h.AddScore(ctx, "vr", -1)
	h.applyCommand(ctx, bus.Command{Action: bus.ActionEndGame})

	matches, err := st.RecentMatches(ctx, 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, types.WinnerTablet, matches[0].Winner)
	assert.Equal(t, 2, matches[0].TabletScore)
	assert.Equal(t, -1, matches[0].VRScore)

	h.StartTimer(ctx)
	assert.Equal(t, 0, h.Status().Scores.Chef, "a new round clears scores")
	h.timer.Stop()
}

func TestHost_AdminSurface(t *testing.T) {
	cfg := testConfig()
	cfg.AdminPort = "0"
	h, err := New(cfg)
	require.NoError(t, err)
	runHost(t, h)

	base := localURL(t, h.AdminAddr(), "http")

	resp, err := http.Get(base + "/api/status")
	require.NoError(t, err)
	var rep struct {
		Mode types.GameMode `json:"mode"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	_ = resp.Body.Close()
	assert.Equal(t, types.ModeChef, rep.Mode)

	resp, err = http.Post(base+"/api/score", "application/json", strings.NewReader(`{"side":"soldado","points":4}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool { return h.Status().Scores.Soldado == 4 }, 2*time.Second, 10*time.Millisecond)

	resp, err = http.Get(base + "/health/ready")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHost_StartFailsWhenPortTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, port, _ := net.SplitHostPort(ln.Addr().String())
	cfg := testConfig()
	cfg.Port = port

	h, err := New(cfg)
	require.NoError(t, err)
	assert.Error(t, h.Start(context.Background()))
}
