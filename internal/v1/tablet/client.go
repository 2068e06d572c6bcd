package tablet

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoseWrightdev/vrlink/internal/v1/dispatch"
	"github.com/RoseWrightdev/vrlink/internal/v1/logging"
	"github.com/RoseWrightdev/vrlink/internal/v1/metrics"
	"github.com/RoseWrightdev/vrlink/internal/v1/stream"
	"github.com/RoseWrightdev/vrlink/internal/v1/types"
	"github.com/RoseWrightdev/vrlink/internal/v1/wsproto"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

var (
	// ErrNotConnected is returned by send operations while no link is up.
	ErrNotConnected = errors.New("tablet not connected")
	// ErrConnectTimeout is returned when dial and handshake lose the race against the timer.
	ErrConnectTimeout = errors.New("connect timed out")
)

// Config tunes the tablet side of the link.
type Config struct {
	Addr                 string
	ConnectTimeout       time.Duration
	Mode                 types.GameMode
	MaxConsecutiveErrors int
	ErrorBackoff         time.Duration
	ReconnectBackoff     time.Duration
	MaxMessageBytes      int
	WriteTimeout         time.Duration
	RecvBufferBytes      int
}

// DefaultConfig mirrors the host defaults with the tablet's larger error budget.
func DefaultConfig() Config {
	return Config{
		Addr:                 "127.0.0.1:8080",
		ConnectTimeout:       10 * time.Second,
		Mode:                 types.ModeChef,
		MaxConsecutiveErrors: 10,
		ErrorBackoff:         100 * time.Millisecond,
		ReconnectBackoff:     2 * time.Second,
		MaxMessageBytes:      2 << 20,
		WriteTimeout:         5 * time.Second,
		RecvBufferBytes:      2 << 20,
	}
}

// Stats reports receive counters for the status display.
type Stats struct {
	Connected      bool    `json:"connected"`
	FramesReceived uint64  `json:"framesReceived"`
	FramesSkipped  uint64  `json:"framesSkipped"`
	FPS            float64 `json:"fps"`
	LastFrameBytes int     `json:"lastFrameBytes"`
}

// Option configures a Client.
type Option func(*Client)

// WithFrameSink delivers received JPEG frames to s.
func WithFrameSink(s types.FrameSink) Option {
	return func(c *Client) { c.frames = s }
}

// WithScoreSink delivers score and mode updates to s.
func WithScoreSink(s types.ScoreSink) Option {
	return func(c *Client) { c.scores = s }
}

// WithWinnerSink delivers round results to s.
func WithWinnerSink(s types.WinnerSink) Option {
	return func(c *Client) { c.winners = s }
}

// WithClock replaces the clock used for the connect race, backoff and FPS window.
func WithClock(clk clock.WithTicker) Option {
	return func(c *Client) { c.clock = clk }
}

// Client is the tablet end of the link. Sinks run on the dispatcher, so the
// owner must drain it from its update loop.
type Client struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	frames     types.FrameSink
	scores     types.ScoreSink
	winners    types.WinnerSink
	clock      clock.WithTicker

	mu   sync.Mutex
	link *link
	mode types.GameMode

	wg sync.WaitGroup

	framesReceived atomic.Uint64
	framesSkipped  atomic.Uint64
	lastFrameBytes atomic.Int64
	fpsBits        atomic.Uint64
	windowStart    time.Time
	windowFrames   int
}

// link is one established connection.
type link struct {
	conn      *wsproto.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan error
	closeOnce sync.Once
}

// end closes the link once and publishes why it ended.
func (l *link) end(reason error) {
	l.closeOnce.Do(func() {
		l.cancel()
		_ = l.conn.Close()
		l.done <- reason
		close(l.done)
	})
}

// NewClient creates a disconnected client.
func NewClient(cfg Config, dispatcher *dispatch.Dispatcher, opts ...Option) *Client {
	c := &Client{
		cfg:        cfg,
		dispatcher: dispatcher,
		clock:      clock.RealClock{},
		mode:       cfg.Mode,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type dialResult struct {
	conn *wsproto.Conn
	err  error
}

// Connect dials the host and performs the handshake, racing both against
// ConnectTimeout. A connection that completes after the timer fired is closed.
// On success the selected mode is sent immediately.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.connect(ctx)
	return err
}

func (c *Client) connect(ctx context.Context) (*link, error) {
	if l := c.current(); l != nil {
		return l, nil
	}

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan dialResult, 1)
	go func() {
		conn, err := c.dial(dialCtx)
		results <- dialResult{conn: conn, err: err}
	}()

	timer := c.clock.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()

	var lost error
	select {
	case r := <-results:
		if r.err != nil {
			metrics.TabletConnectAttempts.WithLabelValues("failed").Inc()
			return nil, r.err
		}
		return c.attach(ctx, r.conn)
	case <-timer.C():
		lost = ErrConnectTimeout
	case <-ctx.Done():
		lost = ctx.Err()
	}

	cancel()
	if r := <-results; r.conn != nil {
		_ = r.conn.Close()
	}
	if errors.Is(lost, ErrConnectTimeout) {
		metrics.TabletConnectAttempts.WithLabelValues("timeout").Inc()
	} else {
		metrics.TabletConnectAttempts.WithLabelValues("canceled").Inc()
	}
	logging.Warn(ctx, "Connection attempt abandoned", zap.String("addr", c.cfg.Addr), zap.Error(lost))
	return nil, lost
}

func (c *Client) dial(ctx context.Context) (*wsproto.Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, &wsproto.TransportError{Op: "dial", Err: err}
	}
	if tcp, ok := nc.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		if c.cfg.RecvBufferBytes > 0 {
			_ = tcp.SetReadBuffer(c.cfg.RecvBufferBytes)
		}
	}

	// Unblock the handshake read when the race is lost.
	stop := context.AfterFunc(ctx, func() { _ = nc.SetDeadline(time.Unix(1, 0)) })
	br := bufio.NewReaderSize(nc, 64*1024)
	err = wsproto.ClientHandshake(br, nc, c.cfg.Addr, "/")
	if !stop() || err != nil {
		_ = nc.Close()
		if err == nil {
			err = ctx.Err()
		}
		return nil, err
	}
	_ = nc.SetDeadline(time.Time{})

	conn := wsproto.NewConn(nc, br, wsproto.RoleClient, c.cfg.MaxMessageBytes)
	conn.SetWriteTimeout(c.cfg.WriteTimeout)
	return conn, nil
}

func (c *Client) attach(ctx context.Context, conn *wsproto.Conn) (*link, error) {
	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l := &link{conn: conn, ctx: lctx, cancel: cancel, done: make(chan error, 1)}

	c.mu.Lock()
	mode := c.mode
	c.link = l
	c.windowStart = c.clock.Now()
	c.windowFrames = 0
	c.mu.Unlock()

	if mode.Playable() {
		if err := c.writeJSON(l, types.NewModeChange(mode)); err != nil {
			c.drop(l, err)
			metrics.TabletConnectAttempts.WithLabelValues("failed").Inc()
			return nil, fmt.Errorf("send initial mode: %w", err)
		}
	}

	metrics.TabletConnectAttempts.WithLabelValues("connected").Inc()
	logging.Info(ctx, "✅ Connected to VR host", zap.String("addr", c.cfg.Addr), zap.String("mode", string(mode)))

	c.wg.Add(1)
	go c.readPump(l)
	return l, nil
}

func (c *Client) current() *link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

// drop ends l and forgets it if it is still the active link.
func (c *Client) drop(l *link, reason error) {
	c.mu.Lock()
	if c.link == l {
		c.link = nil
	}
	c.mu.Unlock()
	l.end(reason)
}

// Connected reports whether a link is up.
func (c *Client) Connected() bool {
	return c.current() != nil
}

// Mode returns the mode the tablet announces on connect.
func (c *Client) Mode() types.GameMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode switches the selected mode and tells the host when connected.
func (c *Client) SetMode(ctx context.Context, mode types.GameMode) error {
	if !mode.Playable() {
		return fmt.Errorf("mode %q cannot be selected", mode)
	}
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()

	l := c.current()
	if l == nil {
		return nil
	}
	if err := c.writeJSON(l, types.NewModeChange(mode)); err != nil {
		c.drop(l, fmt.Errorf("%w: %v", wsproto.ErrConnectionLost, err))
		return err
	}
	logging.Debug(ctx, "Mode sent to host", zap.String("mode", string(mode)))
	return nil
}

// SendTouch forwards ev with coordinates clamped to [0,1]. A write failure
// ends the link.
func (c *Client) SendTouch(ctx context.Context, ev types.TouchEvent) error {
	l := c.current()
	if l == nil {
		return ErrNotConnected
	}
	if err := c.writeJSON(l, ev.Clamped()); err != nil {
		logging.Warn(ctx, "Touch send failed", zap.Error(err))
		c.drop(l, fmt.Errorf("%w: %v", wsproto.ErrConnectionLost, err))
		return err
	}
	return nil
}

func (c *Client) writeJSON(l *link, msg types.ControlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Kind(), err)
	}
	if err := l.conn.WriteText(data); err != nil {
		metrics.TransportErrors.WithLabelValues("send", "tablet").Inc()
		return err
	}
	metrics.MessagesSent.WithLabelValues(msg.Kind()).Inc()
	return nil
}

// Disconnect sends a normal close and ends the link. Safe to call repeatedly.
func (c *Client) Disconnect() {
	l := c.current()
	if l == nil {
		return
	}
	_ = l.conn.WriteClose(wsproto.CloseNormal, "tablet disconnect")
	c.drop(l, nil)
}

// Close disconnects and waits for the receive goroutine to exit.
func (c *Client) Close() {
	c.Disconnect()
	c.wg.Wait()
}

func (c *Client) readPump(l *link) {
	defer c.wg.Done()
	failures := 0

	for {
		op, payload, err := l.conn.ReadMessage()
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			var fde *wsproto.FrameDecodeError
			if errors.As(err, &fde) {
				failures++
				metrics.TransportErrors.WithLabelValues("receive", "decode").Inc()
				logging.Warn(l.ctx, "Dropped malformed frame from host",
					zap.Int("consecutive_errors", failures),
					zap.Error(err),
				)
				if failures >= c.cfg.MaxConsecutiveErrors {
					c.drop(l, wsproto.ErrConnectionLost)
					return
				}
				select {
				case <-c.clock.After(c.cfg.ErrorBackoff):
					continue
				case <-l.ctx.Done():
					return
				}
			}
			if wsproto.IsClosed(err) {
				err = fmt.Errorf("%w: %v", wsproto.ErrConnectionLost, err)
			}
			c.drop(l, err)
			return
		}
		failures = 0

		switch op {
		case wsproto.OpBinary:
			c.onFrame(l.ctx, payload)
		case wsproto.OpText:
			c.onText(l.ctx, payload)
		case wsproto.OpPing:
			_ = l.conn.WriteFrame(wsproto.OpPong, payload)
		case wsproto.OpClose:
			code, reason := wsproto.ParseClosePayload(payload)
			var echo []byte
			if code != wsproto.CloseNoStatusPresent {
				echo = wsproto.ClosePayload(code, "")
			}
			_ = l.conn.WriteFrame(wsproto.OpClose, echo)
			logging.Info(l.ctx, "Host closed the connection", zap.Uint16("code", code), zap.String("reason", reason))
			c.drop(l, fmt.Errorf("%w: closed by host (%d)", wsproto.ErrConnectionLost, code))
			return
		}
	}
}

func (c *Client) onFrame(ctx context.Context, payload []byte) {
	if !stream.IsJPEG(payload) {
		c.framesSkipped.Add(1)
		logging.Debug(ctx, "Skipping non-JPEG binary message", zap.Int("bytes", len(payload)))
		return
	}
	c.framesReceived.Add(1)
	c.lastFrameBytes.Store(int64(len(payload)))
	metrics.TabletFramesReceived.Inc()
	c.tickFPS()

	if c.frames == nil {
		return
	}
	c.dispatcher.Enqueue(func(context.Context) {
		c.frames.OnFrame(payload)
	})
}

// tickFPS counts a frame and publishes the rate once per second.
func (c *Client) tickFPS() {
	now := c.clock.Now()
	c.mu.Lock()
	c.windowFrames++
	elapsed := now.Sub(c.windowStart)
	if elapsed < time.Second {
		c.mu.Unlock()
		return
	}
	fps := float64(c.windowFrames) / elapsed.Seconds()
	c.windowFrames = 0
	c.windowStart = now
	c.mu.Unlock()

	c.fpsBits.Store(math.Float64bits(fps))
	metrics.TabletFPS.Set(fps)
}

func (c *Client) onText(ctx context.Context, payload []byte) {
	msg, err := types.ParseOutbound(payload)
	if err != nil {
		metrics.MessagesReceived.WithLabelValues("invalid").Inc()
		logging.Warn(ctx, "Discarding host message", zap.Error(err))
		return
	}
	metrics.MessagesReceived.WithLabelValues(msg.Kind()).Inc()

	switch m := msg.(type) {
	case types.ScoreUpdate:
		if c.scores != nil {
			c.dispatcher.Enqueue(func(context.Context) { c.scores.OnScore(m) })
		}
	case types.ModeChange:
		if c.scores != nil {
			c.dispatcher.Enqueue(func(context.Context) { c.scores.OnModeConfirmed(m.Mode) })
		}
	case types.WinnerAnnouncement:
		if c.winners != nil {
			c.dispatcher.Enqueue(func(context.Context) { c.winners.OnWinner(m) })
		}
	}
}

// Stats returns receive counters.
func (c *Client) Stats() Stats {
	return Stats{
		Connected:      c.Connected(),
		FramesReceived: c.framesReceived.Load(),
		FramesSkipped:  c.framesSkipped.Load(),
		FPS:            math.Float64frombits(c.fpsBits.Load()),
		LastFrameBytes: int(c.lastFrameBytes.Load()),
	}
}
