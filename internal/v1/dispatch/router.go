package dispatch

import (
	"context"

	"github.com/RoseWrightdev/vrlink/internal/v1/logging"
	"github.com/RoseWrightdev/vrlink/internal/v1/metrics"
	"github.com/RoseWrightdev/vrlink/internal/v1/types"
	"go.uber.org/zap"
)

// ModeListener is told about every applied mode, with changed=false when the
// mode was already active.
type ModeListener func(ctx context.Context, mode types.GameMode, changed bool)

// Router delivers inbound control messages to the controller for the current
// game mode. It must only be used from the update loop.
type Router struct {
	modes     *types.ModeState
	handlers  map[types.GameMode]types.TouchHandler
	listeners []ModeListener
	touches   TouchObserver
}

// TouchObserver sees every routed touch, regardless of mode. Used to mirror
// input to external consumers.
type TouchObserver func(ctx context.Context, mode types.GameMode, ev types.TouchEvent)

// NewRouter routes by the mode stored in modes.
func NewRouter(modes *types.ModeState) *Router {
	return &Router{
		modes:    modes,
		handlers: make(map[types.GameMode]types.TouchHandler),
	}
}

// Handle registers the touch controller for mode.
func (r *Router) Handle(mode types.GameMode, h types.TouchHandler) {
	r.handlers[mode] = h
}

// OnModeChange registers a listener for applied modes.
func (r *Router) OnModeChange(fn ModeListener) {
	r.listeners = append(r.listeners, fn)
}

// ObserveTouches registers fn to see every routed touch.
func (r *Router) ObserveTouches(fn TouchObserver) {
	r.touches = fn
}

// CurrentMode returns the active mode.
func (r *Router) CurrentMode() types.GameMode {
	return r.modes.CurrentMode()
}

// HandleMessage routes one decoded inbound message.
func (r *Router) HandleMessage(ctx context.Context, msg types.ControlMessage) {
	switch m := msg.(type) {
	case types.TouchEvent:
		r.routeTouch(ctx, m)
	case types.ModeChange:
		r.ApplyMode(ctx, m.Mode)
	default:
		logging.Warn(ctx, "No route for control message", zap.String("kind", msg.Kind()))
	}
}

func (r *Router) routeTouch(ctx context.Context, ev types.TouchEvent) {
	mode := r.modes.CurrentMode()
	if r.touches != nil {
		r.touches(ctx, mode, ev)
	}

	h, ok := r.handlers[mode]
	if !ok {
		metrics.MessagesReceived.WithLabelValues("touch_unrouted").Inc()
		logging.Debug(ctx, "Touch dropped, no controller for mode", zap.String("mode", string(mode)))
		return
	}
	h.HandleTouch(ctx, ev)
}

// ApplyMode makes mode current and notifies listeners. Non-playable modes are ignored.
func (r *Router) ApplyMode(ctx context.Context, mode types.GameMode) {
	if !mode.Playable() {
		logging.Warn(ctx, "Ignoring non-playable mode", zap.String("mode", string(mode)))
		return
	}
	changed := r.modes.Set(mode)
	if changed {
		logging.Info(ctx, "Game mode changed", zap.String("mode", string(mode)))
	}
	for _, fn := range r.listeners {
		fn(ctx, mode, changed)
	}
}
