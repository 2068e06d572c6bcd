// Package app wires the VR host together and runs its update loop.
package app

import (
	"context"
	"fmt"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoseWrightdev/vrlink/internal/v1/admin"
	"github.com/RoseWrightdev/vrlink/internal/v1/bus"
	"github.com/RoseWrightdev/vrlink/internal/v1/config"
	"github.com/RoseWrightdev/vrlink/internal/v1/dispatch"
	"github.com/RoseWrightdev/vrlink/internal/v1/game"
	"github.com/RoseWrightdev/vrlink/internal/v1/health"
	"github.com/RoseWrightdev/vrlink/internal/v1/logging"
	"github.com/RoseWrightdev/vrlink/internal/v1/ratelimit"
	"github.com/RoseWrightdev/vrlink/internal/v1/store"
	"github.com/RoseWrightdev/vrlink/internal/v1/stream"
	"github.com/RoseWrightdev/vrlink/internal/v1/transport"
	"github.com/RoseWrightdev/vrlink/internal/v1/types"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

const statsInterval = time.Second

// Host is the VR side: it streams the active camera to one tablet, routes the
// tablet's input to the controller for the current mode and runs the round.
type Host struct {
	cfg   *config.Config
	clock clock.WithTickerAndDelayedExecution

	modes      *types.ModeState
	dispatcher *dispatch.Dispatcher
	router     *dispatch.Router
	queue      *stream.FrameQueue
	quality    *stream.Quality
	source     *stream.ModeSource
	producer   *stream.Producer
	server     *transport.Server

	board   *game.ScoreBoard
	timer   *game.LevelTimer
	round   *game.Round
	pan     *game.PanController
	shooter *game.ShooterController

	bus     *bus.Service
	store   *store.Store
	limiter *ratelimit.RateLimiter
	health  *health.Handler
	admin   *admin.Server

	statusText      atomic.Value // string
	statusObservers []types.StatusObserver
	touchOverrides  map[types.GameMode]types.TouchHandler
	sourceOverrides map[types.GameMode]stream.Source

	wg sync.WaitGroup
}

// Option configures a Host.
type Option func(*Host)

// WithBus mirrors events to Redis and accepts remote commands.
func WithBus(b *bus.Service) Option {
	return func(h *Host) { h.bus = b }
}

// WithStore records every finished round.
func WithStore(s *store.Store) Option {
	return func(h *Host) { h.store = s }
}

// WithSource streams src while mode is active instead of the test card.
func WithSource(mode types.GameMode, src stream.Source) Option {
	return func(h *Host) { h.sourceOverrides[mode] = src }
}

// WithTouchHandler replaces the built-in controller for mode.
func WithTouchHandler(mode types.GameMode, th types.TouchHandler) Option {
	return func(h *Host) { h.touchOverrides[mode] = th }
}

// WithStatusObserver receives the human-readable connection status.
func WithStatusObserver(o types.StatusObserver) Option {
	return func(h *Host) { h.statusObservers = append(h.statusObservers, o) }
}

// WithClock replaces the real clock.
func WithClock(c clock.WithTickerAndDelayedExecution) Option {
	return func(h *Host) { h.clock = c }
}

// New builds a host from validated configuration. Nothing listens until Run.
func New(cfg *config.Config, opts ...Option) (*Host, error) {
	h := &Host{
		cfg:             cfg,
		clock:           clock.RealClock{},
		touchOverrides:  make(map[types.GameMode]types.TouchHandler),
		sourceOverrides: make(map[types.GameMode]stream.Source),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.statusText.Store("Starting...")

	h.modes = types.NewModeState(cfg.DefaultMode)
	h.dispatcher = dispatch.New()
	h.router = dispatch.NewRouter(h.modes)

	// Stream pipeline
	h.queue = stream.NewFrameQueue(cfg.StreamMaxQueued)
	h.quality = stream.NewQuality(cfg.StreamQuality, cfg.AdaptiveQuality)
	h.source = stream.NewModeSource(h.modes, stream.NewPatternSource(cfg.StreamWidth, cfg.StreamHeight, color.RGBA{96, 96, 96, 255}))
	h.source.Register(types.ModeChef, stream.NewPatternSource(cfg.StreamWidth, cfg.StreamHeight, color.RGBA{230, 120, 20, 255}))
	h.source.Register(types.ModeSoldado, stream.NewPatternSource(cfg.StreamWidth, cfg.StreamHeight, color.RGBA{40, 140, 60, 255}))
	for mode, src := range h.sourceOverrides {
		h.source.Register(mode, src)
	}
	h.producer = stream.NewProducer(stream.ProducerConfig{
		TargetFPS:    cfg.StreamFPS,
		SkipWhenBusy: cfg.SkipWhenBusy,
	}, h.source, stream.NewEncoder(cfg.StreamWidth, cfg.StreamHeight), h.queue, h.quality)

	// Transport
	limiter, err := ratelimit.NewRateLimiter(cfg, h.bus.Client())
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}
	h.limiter = limiter

	tcfg := transport.DefaultConfig()
	tcfg.Addr = ":" + cfg.Port
	tcfg.SendPacing = cfg.SendPacing
	tcfg.MaxConsecutiveErrors = cfg.MaxConsecutiveErrors
	tcfg.HandshakeTimeout = cfg.HandshakeTimeout
	tcfg.MaxMessageBytes = cfg.MaxMessageBytes
	h.server = transport.NewServer(tcfg, h.queue, h.dispatcher, h.router,
		transport.WithAcceptLimiter(limiter),
		transport.WithClock(h.clock),
	)
	h.server.AddObserver(h)
	h.server.AddStatusObserver(h)

	// Game
	var publisher types.EventPublisher
	if h.bus != nil {
		publisher = h.bus
	}
	h.board = game.NewScoreBoard(h.modes, h.server, publisher)
	h.timer = game.NewLevelTimer(cfg.LevelDuration, h.dispatcher, h.clock)

	roundOpts := []game.RoundOption{game.WithRoundClock(h.clock)}
	if publisher != nil {
		roundOpts = append(roundOpts, game.WithPublisher(publisher))
	}
	if h.store != nil {
		roundOpts = append(roundOpts, game.WithRecorder(h.store))
	}
	h.round = game.NewRound(h.board, h.modes, h.server, roundOpts...)
	h.timer.OnComplete(func(ctx context.Context) { h.round.EndGame(ctx) })

	h.pan = game.NewPanController(game.DefaultPanArea)
	h.shooter = game.NewShooterController(game.DefaultShootCooldown, h.clock, nil)
	h.router.Handle(types.ModeChef, h.pan)
	h.router.Handle(types.ModeSoldado, h.shooter)
	for mode, th := range h.touchOverrides {
		h.router.Handle(mode, th)
	}
	h.router.OnModeChange(h.onModeApplied)
	h.router.ObserveTouches(func(ctx context.Context, mode types.GameMode, ev types.TouchEvent) {
		if err := h.bus.PublishTouch(ctx, mode, ev); err != nil {
			logging.Debug(ctx, "Touch not mirrored", zap.Error(err))
		}
	})

	// Admin
	h.health = health.NewHandler().Register("stream_listener", h.server, true)
	if h.bus != nil {
		h.health.Register("redis", h.bus, false)
	}
	if h.store != nil {
		h.health.Register("match_store", h.store, false)
	}
	if cfg.AdminPort != "" {
		deps := admin.Deps{
			Controller:     h,
			Dispatcher:     h.dispatcher,
			Health:         h.health,
			Limiter:        limiter.Middleware(),
			AllowedOrigins: cfg.AllowedOrigins,
			Development:    cfg.DevelopmentMode,
		}
		if h.store != nil {
			deps.Matches = h.store
		}
		h.admin = admin.NewServer(":"+cfg.AdminPort, admin.NewRouter(deps))
	}

	return h, nil
}

// Run starts listening and drives the update loop until ctx is cancelled.
func (h *Host) Run(ctx context.Context) error {
	if err := h.Start(ctx); err != nil {
		return err
	}
	return h.Loop(ctx)
}

// Start binds the streaming and admin ports and subscribes to bus commands.
// Failing to bind the streaming port is the only fatal error.
func (h *Host) Start(ctx context.Context) error {
	if err := h.server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start stream server: %w", err)
	}
	if h.admin != nil {
		if err := h.admin.Start(ctx); err != nil {
			_ = h.server.Shutdown(ctx)
			return fmt.Errorf("failed to start admin server: %w", err)
		}
	}
	h.bus.SubscribeCommands(ctx, &h.wg, func(cmd bus.Command) {
		h.dispatcher.Enqueue(func(ctx context.Context) { h.applyCommand(ctx, cmd) })
	})
	return nil
}

// Loop runs the update loop until ctx is cancelled.
func (h *Host) Loop(ctx context.Context) error {
	hz := h.cfg.UpdateHz
	if hz <= 0 {
		hz = 60
	}
	tick := h.clock.NewTicker(time.Second / time.Duration(hz))
	defer tick.Stop()
	stats := h.clock.NewTicker(statsInterval)
	defer stats.Stop()

	logging.Info(ctx, "VR host running",
		zap.Int("update_hz", hz),
		zap.String("mode", string(h.modes.CurrentMode())),
		zap.Bool("stream_enabled", h.cfg.StreamEnabled),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C():
			h.update(ctx)
		case <-stats.C():
			h.logStats(ctx)
		}
	}
}

// update is one tick of the loop: run queued work, then maybe capture.
func (h *Host) update(ctx context.Context) {
	h.dispatcher.Drain(ctx)
	if h.cfg.StreamEnabled && h.server.Connected() {
		h.producer.MaybeCapture(ctx, h.clock.Now())
	}
}

func (h *Host) logStats(ctx context.Context) {
	if !h.server.Connected() {
		return
	}
	ps := h.producer.Stats()
	st := h.server.Status()
	logging.Debug(ctx, "Stream stats",
		zap.Uint64("frames_sent", st.FramesSent),
		zap.Uint64("frames_captured", ps.Captured),
		zap.Uint64("busy_skips", ps.BusySkips),
		zap.Uint64("evicted", ps.Evicted),
		zap.Int("queue_depth", ps.QueueDepth),
		zap.Int("quality", ps.Quality),
		zap.Float64("avg_frame_kb", ps.AvgFrameBytes/1024),
	)
}

// Shutdown stops the listeners and waits for background work.
func (h *Host) Shutdown(ctx context.Context) error {
	h.timer.Stop()
	h.dispatcher.Close()

	var firstErr error
	if err := h.server.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if h.admin != nil {
		if err := h.admin.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if firstErr == nil {
			firstErr = ctx.Err()
		}
	}
	return firstErr
}

// StreamAddr is the bound streaming address, empty before Start.
func (h *Host) StreamAddr() string {
	if a := h.server.Addr(); a != nil {
		return a.String()
	}
	return ""
}

// AdminAddr is the bound admin address, empty when the admin surface is off.
func (h *Host) AdminAddr() string {
	if h.admin == nil || h.admin.Addr() == nil {
		return ""
	}
	return h.admin.Addr().String()
}

// --- connection and status observers (update loop) ---

func (h *Host) OnConnected(info types.SessionInfo) {
	ctx := logging.WithSession(context.Background(), info.ID, info.RemoteAddr)
	h.producer.Reset()
	logging.Info(ctx, "Tablet ready, streaming", zap.String("mode", string(h.modes.CurrentMode())))

	// The first tablet of a round starts the clock.
	if !h.timer.Running() && !h.round.Ended() {
		h.StartTimer(ctx)
	}
}

func (h *Host) OnDisconnected(info types.SessionInfo, reason error) {
	ctx := logging.WithSession(context.Background(), info.ID, info.RemoteAddr)
	if reason != nil {
		logging.Warn(ctx, "Tablet lost", zap.Error(reason))
		return
	}
	logging.Info(ctx, "Tablet left")
}

func (h *Host) OnStatusChanged(status string) {
	h.statusText.Store(status)
	logging.Info(context.Background(), "Status", zap.String("text", status))
	for _, o := range h.statusObservers {
		o.OnStatusChanged(status)
	}
}

func (h *Host) onModeApplied(ctx context.Context, mode types.GameMode, changed bool) {
	if changed {
		h.pan.Reset()
	}
	if h.server.Connected() {
		if err := h.server.SendMode(ctx, mode); err != nil {
			logging.Warn(ctx, "Failed to confirm mode", zap.Error(err))
		}
	}
	if h.bus != nil {
		if err := h.bus.PublishEvent(ctx, types.NewModeChange(mode)); err != nil {
			logging.Debug(ctx, "Mode not mirrored", zap.Error(err))
		}
	}
	h.board.Resend(ctx)
}

// --- admin.Controller ---

// Status is safe from any goroutine.
func (h *Host) Status() admin.StatusReport {
	ps := h.producer.Stats()
	rep := admin.StatusReport{
		Link:           h.server.Status(),
		StatusText:     h.statusText.Load().(string),
		Mode:           h.modes.CurrentMode(),
		Quality:        ps.Quality,
		QueueDepth:     ps.QueueDepth,
		QueueCapacity:  ps.QueueCapacity,
		FramesCaptured: ps.Captured,
		FramesSkipped:  ps.BusySkips,
		FramesEvicted:  ps.Evicted,
		AvgFrameBytes:  ps.AvgFrameBytes,
		Scores:         h.board.Snapshot(),
		TimerRunning:   h.timer.Running(),
		TimerRemaining: game.FormatRemaining(h.timer.Remaining()),
		Shots:          h.shooter.Shots(),
	}
	if pos, ok := h.pan.Target(); ok {
		rep.PanTarget = &pos
	}
	if last, ok := h.round.LastResult(); ok {
		rep.LastMatch = &last
	}
	return rep
}

// AddScore applies points to one side.
func (h *Host) AddScore(ctx context.Context, side string, points int) {
	switch side {
	case "chef":
		h.board.AddChef(ctx, points)
	case "soldado":
		h.board.AddSoldado(ctx, points)
	case "vr":
		h.board.AddVR(ctx, points)
	default:
		logging.Warn(ctx, "Unknown score side", zap.String("side", side))
	}
}

func (h *Host) ResetScores(ctx context.Context) {
	h.board.ResetAll(ctx)
}

// StartTimer begins a fresh round: scores cleared, clock restarted.
func (h *Host) StartTimer(ctx context.Context) {
	h.board.ResetAll(ctx)
	h.round.NewRound(ctx)
	h.timer.Start(ctx)
}

func (h *Host) ApplyMode(ctx context.Context, mode types.GameMode) {
	h.router.ApplyMode(ctx, mode)
}

func (h *Host) DisconnectTablet(ctx context.Context) {
	logging.Info(ctx, "Disconnecting tablet on request")
	h.server.Disconnect("disconnected by operator")
}

// applyCommand runs a bus command on the update loop.
func (h *Host) applyCommand(ctx context.Context, cmd bus.Command) {
	switch cmd.Action {
	case bus.ActionAddScore:
		h.AddScore(ctx, cmd.Side, cmd.Points)
	case bus.ActionResetScores:
		h.ResetScores(ctx)
	case bus.ActionStartTimer:
		h.StartTimer(ctx)
	case bus.ActionEndGame:
		h.timer.Stop()
		h.round.EndGame(ctx)
	}
}
