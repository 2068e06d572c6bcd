package transport

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/RoseWrightdev/vrlink/internal/v1/logging"
	"github.com/RoseWrightdev/vrlink/internal/v1/metrics"
	"github.com/RoseWrightdev/vrlink/internal/v1/types"
	"github.com/RoseWrightdev/vrlink/internal/v1/wsproto"
	"go.uber.org/zap"
)

// outbound is a queued control or text frame. closeAfter ends the session
// once the frame has been written.
type outbound struct {
	op         wsproto.Opcode
	payload    []byte
	closeAfter bool
}

// session is one connected tablet. It owns the transmit and receive pumps.
type session struct {
	srv       *Server
	info      types.SessionInfo
	conn      frameConn
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// control has priority over video frames.
	control   chan outbound
	closeOnce sync.Once
}

func newSession(ctx context.Context, srv *Server, info types.SessionInfo, conn frameConn) *session {
	ctx, cancel := context.WithCancel(ctx)
	buf := srv.cfg.ControlBuffer
	if buf <= 0 {
		buf = 32
	}
	return &session{
		srv:       srv,
		info:      info,
		conn:      conn,
		startedAt: srv.clock.Now(),
		ctx:       ctx,
		cancel:    cancel,
		control:   make(chan outbound, buf),
	}
}

func (s *session) start() {
	s.srv.wg.Add(2)
	go s.writePump()
	go s.readPump()
}

// sendControl queues o without blocking.
func (s *session) sendControl(o outbound) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.control <- o:
		return true
	default:
		return false
	}
}

// closeWith writes a close frame directly, best effort.
func (s *session) closeWith(code uint16, reason string) {
	if s.ctx.Err() != nil {
		return
	}
	if err := s.conn.WriteFrame(wsproto.OpClose, wsproto.ClosePayload(code, reason)); err != nil {
		logging.Debug(s.ctx, "Close frame not delivered", zap.Error(err))
	}
}

// teardown ends the session once. Later calls are no-ops.
func (s *session) teardown(cause string, reason error) {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close()
		if reason != nil {
			logging.Warn(s.ctx, "Tablet session ended", zap.String("cause", cause), zap.Error(reason))
		} else {
			logging.Info(s.ctx, "Tablet session ended", zap.String("cause", cause))
		}
		s.srv.sessionEnded(s, cause, reason)
	})
}

// wait blocks for d or until the session ends. It reports false on the latter.
func (s *session) wait(d time.Duration) bool {
	if d <= 0 {
		return s.ctx.Err() == nil
	}
	select {
	case <-s.srv.clock.After(d):
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) next() (outbound, bool) {
	select {
	case <-s.ctx.Done():
		return outbound{}, false
	case o := <-s.control:
		return o, true
	default:
	}

	select {
	case <-s.ctx.Done():
		return outbound{}, false
	case o := <-s.control:
		return o, true
	case frame := <-s.srv.queue.C():
		return outbound{op: wsproto.OpBinary, payload: frame}, true
	}
}

// writePump sends control frames first, then queued video frames with pacing
// between them. A failed write backs off and counts against the error budget.
func (s *session) writePump() {
	defer s.srv.wg.Done()
	failures := 0

	for {
		out, ok := s.next()
		if !ok || s.ctx.Err() != nil {
			return
		}

		if err := s.conn.WriteFrame(out.op, out.payload); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			failures++
			metrics.TransportErrors.WithLabelValues("send", errorKind(err)).Inc()
			logging.Warn(s.ctx, "Send failed",
				zap.String("opcode", out.op.String()),
				zap.Int("consecutive_errors", failures),
				zap.Error(err),
			)
			if failures >= s.srv.cfg.MaxConsecutiveErrors {
				s.teardown("connection_lost", wsproto.ErrConnectionLost)
				return
			}
			if !s.wait(s.srv.cfg.ErrorBackoff) {
				return
			}
			continue
		}
		failures = 0

		if out.closeAfter {
			s.teardown("peer_closed", nil)
			return
		}
		if out.op == wsproto.OpBinary {
			s.srv.framesSent.Add(1)
			metrics.FramesSent.Inc()
			if !s.wait(s.srv.cfg.SendPacing) {
				return
			}
		}
	}
}

// readPump decodes tablet messages and hands them to the update loop.
func (s *session) readPump() {
	defer s.srv.wg.Done()
	failures := 0

	for {
		op, payload, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			var fde *wsproto.FrameDecodeError
			if errors.As(err, &fde) {
				failures++
				metrics.TransportErrors.WithLabelValues("receive", "decode").Inc()
				logging.Warn(s.ctx, "Dropped malformed frame",
					zap.Int("consecutive_errors", failures),
					zap.Error(err),
				)
				if failures >= s.srv.cfg.MaxConsecutiveErrors {
					s.teardown("connection_lost", wsproto.ErrConnectionLost)
					return
				}
				if !s.wait(s.srv.cfg.ErrorBackoff) {
					return
				}
				continue
			}
			if wsproto.IsClosed(err) {
				s.teardown("peer_closed", nil)
			} else {
				metrics.TransportErrors.WithLabelValues("receive", errorKind(err)).Inc()
				s.teardown("read_error", err)
			}
			return
		}
		failures = 0

		switch op {
		case wsproto.OpClose:
			code, _ := wsproto.ParseClosePayload(payload)
			var echo []byte
			if code != wsproto.CloseNoStatusPresent {
				echo = wsproto.ClosePayload(code, "")
			}
			if !s.sendControl(outbound{op: wsproto.OpClose, payload: echo, closeAfter: true}) {
				s.teardown("peer_closed", nil)
			}
			return
		case wsproto.OpPing:
			s.sendControl(outbound{op: wsproto.OpPong, payload: payload})
		case wsproto.OpPong:
		case wsproto.OpBinary:
			logging.Debug(s.ctx, "Ignoring binary message from tablet", zap.Int("bytes", len(payload)))
		case wsproto.OpText:
			s.handleText(payload)
		}
	}
}

func (s *session) handleText(payload []byte) {
	msg, err := types.ParseInbound(payload)
	if err != nil {
		metrics.MessagesReceived.WithLabelValues("invalid").Inc()
		logging.Warn(s.ctx, "Discarding tablet message", zap.Error(err))
		return
	}
	metrics.MessagesReceived.WithLabelValues(msg.Kind()).Inc()

	if s.srv.inbound == nil {
		return
	}
	handlerCtx := context.WithoutCancel(s.ctx)
	s.srv.dispatcher.Enqueue(func(context.Context) {
		s.srv.inbound.HandleMessage(handlerCtx, msg)
	})
}

func errorKind(err error) string {
	switch {
	case wsproto.IsClosed(err):
		return "closed"
	case errors.Is(err, os.ErrDeadlineExceeded):
		return "timeout"
	default:
		var te *wsproto.TransportError
		if errors.As(err, &te) {
			return te.Op
		}
		return "other"
	}
}
