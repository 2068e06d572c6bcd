package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoseWrightdev/vrlink/internal/v1/dispatch"
	"github.com/RoseWrightdev/vrlink/internal/v1/logging"
	"github.com/RoseWrightdev/vrlink/internal/v1/metrics"
	"github.com/RoseWrightdev/vrlink/internal/v1/stream"
	"github.com/RoseWrightdev/vrlink/internal/v1/types"
	"github.com/RoseWrightdev/vrlink/internal/v1/wsproto"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

var (
	// ErrNotConnected is returned when a message is sent with no tablet attached.
	ErrNotConnected = errors.New("no tablet connected")
	// ErrSendQueueFull is returned when the control channel of the session is saturated.
	ErrSendQueueFull = errors.New("send queue full")
)

// InboundHandler consumes decoded tablet messages on the update loop.
type InboundHandler interface {
	HandleMessage(ctx context.Context, msg types.ControlMessage)
}

// AcceptLimiter throttles new connections per remote IP.
type AcceptLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// frameConn is the part of *wsproto.Conn a session uses.
type frameConn interface {
	WriteFrame(op wsproto.Opcode, payload []byte) error
	ReadMessage() (wsproto.Opcode, []byte, error)
	Close() error
}

// Config tunes the streaming socket.
type Config struct {
	Addr                 string
	SendPacing           time.Duration
	ErrorBackoff         time.Duration
	MaxConsecutiveErrors int
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
	MaxMessageBytes      int
	SendBufferBytes      int
	RecvBufferBytes      int
	NotSentLowat         int
	ControlBuffer        int
	MaxPendingHandshakes int
}

// DefaultConfig returns the tuned defaults for a 640x480 JPEG stream on a LAN.
func DefaultConfig() Config {
	return Config{
		Addr:                 ":8080",
		SendPacing:           10 * time.Millisecond,
		ErrorBackoff:         100 * time.Millisecond,
		MaxConsecutiveErrors: 5,
		HandshakeTimeout:     5 * time.Second,
		WriteTimeout:         5 * time.Second,
		MaxMessageBytes:      wsproto.DefaultMaxPayload,
		SendBufferBytes:      65536,
		RecvBufferBytes:      8192,
		NotSentLowat:         16384,
		ControlBuffer:        32,
		MaxPendingHandshakes: 4,
	}
}

// Status is a point-in-time view of the server for the admin API.
type Status struct {
	State       string    `json:"state"`
	SessionID   string    `json:"sessionId,omitempty"`
	RemoteAddr  string    `json:"remoteAddr,omitempty"`
	ConnectedAt time.Time `json:"connectedAt,omitempty"`
	FramesSent  uint64    `json:"framesSent"`
	Connections uint64    `json:"connections"`
	ListenAddr  string    `json:"listenAddr,omitempty"`
}

// Option configures a Server.
type Option func(*Server)

// WithAcceptLimiter rejects sockets from IPs over their accept budget.
func WithAcceptLimiter(l AcceptLimiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithClock replaces the clock used for pacing and backoff.
func WithClock(c clock.WithTicker) Option {
	return func(s *Server) { s.clock = c }
}

// Server accepts one tablet at a time and streams queued frames to it. A new
// connection replaces the current one once its handshake succeeds.
type Server struct {
	cfg        Config
	queue      *stream.FrameQueue
	dispatcher *dispatch.Dispatcher
	inbound    InboundHandler
	limiter    AcceptLimiter
	clock      clock.WithTicker
	tracer     trace.Tracer

	ln      net.Listener
	state   atomic.Int32
	running atomic.Bool
	wg      sync.WaitGroup

	// swapMu serializes installing a session against other installs and Shutdown.
	swapMu sync.Mutex

	mu              sync.Mutex
	current         *session
	pending         map[net.Conn]struct{}
	observers       []types.ConnectionObserver
	statusObservers []types.StatusObserver

	framesSent  atomic.Uint64
	connections atomic.Uint64

	// wrapConn builds the frame connection after a successful handshake.
	wrapConn func(nc net.Conn, br *bufio.Reader) frameConn
}

// NewServer creates a server that drains queue and hands inbound messages to
// inbound through dispatcher.
func NewServer(cfg Config, queue *stream.FrameQueue, dispatcher *dispatch.Dispatcher, inbound InboundHandler, opts ...Option) *Server {
	s := &Server{
		cfg:        cfg,
		queue:      queue,
		dispatcher: dispatcher,
		inbound:    inbound,
		clock:      clock.RealClock{},
		tracer:     otel.Tracer("vrlink/transport"),
		pending:    make(map[net.Conn]struct{}),
	}
	s.wrapConn = func(nc net.Conn, br *bufio.Reader) frameConn {
		c := wsproto.NewConn(nc, br, wsproto.RoleServer, s.cfg.MaxMessageBytes)
		c.SetWriteTimeout(s.cfg.WriteTimeout)
		return c
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state.Store(int32(StateStopped))
	return s
}

// AddObserver registers o for connect and disconnect notifications.
func (s *Server) AddObserver(o types.ConnectionObserver) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

// AddStatusObserver registers o for human-readable status text.
func (s *Server) AddStatusObserver(o types.StatusObserver) {
	s.mu.Lock()
	s.statusObservers = append(s.statusObservers, o)
	s.mu.Unlock()
}

// Start binds the listener and begins accepting. A bind failure is returned
// and is the only fatal error the server produces.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.running.Store(true)
	s.setState(StateListening)

	logging.Info(ctx, "Streaming server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("lan_ip", LocalIP()),
	)
	s.publishStatus(fmt.Sprintf("VR server\nIP: %s\nPort: %s\n\nWaiting for connection...", LocalIP(), s.port()))

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Addr returns the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) port() string {
	if s.ln == nil {
		return ""
	}
	_, port, _ := net.SplitHostPort(s.ln.Addr().String())
	return port
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for s.running.Load() {
		nc, err := s.ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			logging.Error(ctx, "Accept failed", zap.Error(err))
			select {
			case <-s.clock.After(s.cfg.ErrorBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		s.handleAccept(ctx, nc)
	}
}

func (s *Server) handleAccept(ctx context.Context, nc net.Conn) {
	remote := nc.RemoteAddr().String()
	s.tuneSocket(ctx, nc)

	if s.limiter != nil {
		host, _, _ := net.SplitHostPort(remote)
		allowed, err := s.limiter.Allow(ctx, host)
		if err != nil {
			logging.Warn(ctx, "Accept limiter failed, allowing connection", zap.Error(err))
		} else if !allowed {
			metrics.ConnectionAttempts.WithLabelValues("rate_limited").Inc()
			logging.Warn(ctx, "Connection rejected by rate limit", zap.String("remote_addr", remote))
			_ = nc.Close()
			return
		}
	}

	if !s.trackPending(nc) {
		metrics.ConnectionAttempts.WithLabelValues("too_many_pending").Inc()
		logging.Warn(ctx, "Too many pending handshakes, dropping connection", zap.String("remote_addr", remote))
		_ = nc.Close()
		return
	}
	s.setIdleState(StateAccepting)

	s.wg.Add(1)
	go s.negotiate(ctx, nc, remote)
}

// negotiate runs the upgrade off the accept goroutine. The current session,
// if any, keeps streaming until the new peer completes its handshake.
func (s *Server) negotiate(ctx context.Context, nc net.Conn, remote string) {
	defer s.wg.Done()
	defer s.untrackPending(nc)

	s.setIdleState(StateHandshaking)
	hsCtx, span := s.tracer.Start(ctx, "websocket.handshake", trace.WithAttributes(attribute.String("net.peer.addr", remote)))
	br := bufio.NewReaderSize(nc, wsproto.MaxHandshakeBytes)

	_ = nc.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	req, err := wsproto.ServerHandshake(br, nc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handshake failed")
		span.End()
		metrics.ConnectionAttempts.WithLabelValues("handshake_failed").Inc()
		logging.Warn(hsCtx, "Handshake failed", zap.String("remote_addr", remote), zap.Error(err))
		_ = nc.Close()
		s.setIdleState(StateListening)
		return
	}
	_ = nc.SetDeadline(time.Time{})
	span.End()

	info := types.SessionInfo{ID: uuid.NewString(), RemoteAddr: remote}
	sessCtx := logging.WithSession(ctx, info.ID, remote)
	logging.Info(sessCtx, "✅ WebSocket handshake complete", zap.String("key", logging.RedactKey(req.Key)))

	s.install(sessCtx, newSession(sessCtx, s, info, s.wrapConn(nc, br)))
}

// install makes sess the current session, replacing the previous one.
func (s *Server) install(ctx context.Context, sess *session) {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()

	if !s.running.Load() {
		sess.cancel()
		_ = sess.conn.Close()
		return
	}

	// Last writer wins
	if prev := s.currentSession(); prev != nil {
		logging.Info(ctx, "New client replaces current session",
			zap.String("previous_session", prev.info.ID),
			zap.String("remote_addr", sess.info.RemoteAddr),
		)
		prev.teardown("replaced", nil)
	}

	if dropped := s.queue.Clear(); dropped > 0 {
		metrics.FramesSkipped.WithLabelValues("cleared").Add(float64(dropped))
	}

	s.mu.Lock()
	s.current = sess
	s.setState(StateConnected)
	observers := append([]types.ConnectionObserver(nil), s.observers...)
	s.mu.Unlock()

	s.connections.Add(1)
	metrics.ConnectionAttempts.WithLabelValues("connected").Inc()

	info := sess.info
	s.dispatcher.Enqueue(func(ctx context.Context) {
		for _, o := range observers {
			o.OnConnected(info)
		}
	})
	s.publishStatus(fmt.Sprintf("Tablet connected!\nIP: %s\nPort: %s", LocalIP(), s.port()))

	sess.start()
}

// trackPending registers a socket that is still handshaking. It reports false
// when the server is stopping or too many handshakes are in flight.
func (s *Server) trackPending(nc net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Load() {
		return false
	}
	if limit := s.cfg.MaxPendingHandshakes; limit > 0 && len(s.pending) >= limit {
		return false
	}
	s.pending[nc] = struct{}{}
	return true
}

func (s *Server) untrackPending(nc net.Conn) {
	s.mu.Lock()
	delete(s.pending, nc)
	s.mu.Unlock()
}

func (s *Server) tuneSocket(ctx context.Context, nc net.Conn) {
	tcp, ok := nc.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcp.SetNoDelay(true)
	if s.cfg.SendBufferBytes > 0 {
		_ = tcp.SetWriteBuffer(s.cfg.SendBufferBytes)
	}
	if s.cfg.RecvBufferBytes > 0 {
		_ = tcp.SetReadBuffer(s.cfg.RecvBufferBytes)
	}
	if s.cfg.NotSentLowat > 0 {
		if err := setNotSentLowat(tcp, s.cfg.NotSentLowat); err != nil {
			logging.Debug(ctx, "TCP_NOTSENT_LOWAT not applied", zap.Error(err))
		}
	}
}

// sessionEnded is called exactly once per session from its teardown.
func (s *Server) sessionEnded(sess *session, cause string, reason error) {
	s.mu.Lock()
	wasCurrent := s.current == sess
	if wasCurrent {
		s.current = nil
		s.setState(StateDisconnected)
		if s.running.Load() {
			s.setState(StateListening)
		}
	}
	observers := append([]types.ConnectionObserver(nil), s.observers...)
	s.mu.Unlock()

	metrics.Disconnects.WithLabelValues(cause).Inc()

	if wasCurrent {
		if dropped := s.queue.Clear(); dropped > 0 {
			metrics.FramesSkipped.WithLabelValues("cleared").Add(float64(dropped))
		}
	}

	s.dispatcher.Enqueue(func(ctx context.Context) {
		for _, o := range observers {
			o.OnDisconnected(sess.info, reason)
		}
	})
	if wasCurrent && s.running.Load() {
		s.publishStatus(fmt.Sprintf("Tablet disconnected\nIP: %s\nPort: %s\n\nWaiting for reconnection...", LocalIP(), s.port()))
	}
}

func (s *Server) publishStatus(text string) {
	s.mu.Lock()
	observers := append([]types.StatusObserver(nil), s.statusObservers...)
	s.mu.Unlock()
	if len(observers) == 0 {
		return
	}
	s.dispatcher.Enqueue(func(context.Context) {
		for _, o := range observers {
			o.OnStatusChanged(text)
		}
	})
}

func (s *Server) currentSession() *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Connected reports whether a tablet session is active.
func (s *Server) Connected() bool {
	return s.currentSession() != nil
}

// SendJSON marshals v and queues it as a text frame to the current tablet.
func (s *Server) SendJSON(ctx context.Context, v any) error {
	sess := s.currentSession()
	if sess == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if !sess.sendControl(outbound{op: wsproto.OpText, payload: data}) {
		return ErrSendQueueFull
	}

	kind := "json"
	if m, ok := v.(types.ControlMessage); ok {
		kind = m.Kind()
	}
	metrics.MessagesSent.WithLabelValues(kind).Inc()
	logging.Debug(ctx, "Queued message for tablet", zap.String("kind", kind), zap.Int("bytes", len(data)))
	return nil
}

// SendScore sends a score update.
func (s *Server) SendScore(ctx context.Context, msg types.ScoreUpdate) error {
	return s.SendJSON(ctx, msg)
}

// SendWinner sends the end-of-round announcement.
func (s *Server) SendWinner(ctx context.Context, msg types.WinnerAnnouncement) error {
	return s.SendJSON(ctx, msg)
}

// SendMode confirms the active game mode to the tablet.
func (s *Server) SendMode(ctx context.Context, mode types.GameMode) error {
	return s.SendJSON(ctx, types.NewModeChange(mode))
}

// Disconnect ends the current session, if any. Safe to call repeatedly.
func (s *Server) Disconnect(reason string) {
	if sess := s.currentSession(); sess != nil {
		sess.closeWith(wsproto.CloseNormal, reason)
		sess.teardown("local", nil)
	}
}

// Status reports the current lifecycle state and counters.
func (s *Server) Status() Status {
	st := Status{
		State:       s.State().String(),
		FramesSent:  s.framesSent.Load(),
		Connections: s.connections.Load(),
	}
	if addr := s.Addr(); addr != nil {
		st.ListenAddr = addr.String()
	}
	if sess := s.currentSession(); sess != nil {
		st.SessionID = sess.info.ID
		st.RemoteAddr = sess.info.RemoteAddr
		st.ConnectedAt = sess.startedAt
	}
	return st
}

// Ping checks the listener is bound, for readiness probes.
func (s *Server) Ping(ctx context.Context) error {
	if !s.running.Load() || s.ln == nil {
		return errors.New("streaming listener not running")
	}
	return nil
}

// Shutdown stops accepting, closes the current session and waits for all
// server goroutines to exit or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}

	s.mu.Lock()
	for nc := range s.pending {
		_ = nc.Close()
	}
	s.mu.Unlock()

	s.swapMu.Lock()
	sess := s.currentSession()
	s.swapMu.Unlock()
	if sess != nil {
		sess.closeWith(wsproto.CloseGoingAway, "server shutting down")
		sess.teardown("shutdown", nil)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.setState(StateStopped)
		logging.Info(ctx, "Streaming server stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LocalIP returns the first non-loopback IPv4 address, preferring private LAN
// ranges, for display to the person setting up the tablet.
func LocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "unknown"
	}
	found := "not found"
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.To4() == nil || ipnet.IP.IsLoopback() {
			continue
		}
		ip := ipnet.IP.String()
		found = ip
		if strings.HasPrefix(ip, "192.168.") || strings.HasPrefix(ip, "10.") {
			break
		}
	}
	return found
}
