package game

import (
	"context"
	"sync"
	"time"

	"github.com/RoseWrightdev/vrlink/internal/v1/logging"
	"github.com/RoseWrightdev/vrlink/internal/v1/types"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// Vec2 is a point on the play plane, in meters.
type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PanArea is the rectangle the Chef's pan moves in, seen side-on.
type PanArea struct {
	Center  Vec2
	Size    Vec2
	InvertX bool
	InvertY bool
}

// DefaultPanArea is a 3m square centered on the pan's start position,
// mirrored horizontally so the tablet view matches the VR player's.
var DefaultPanArea = PanArea{Size: Vec2{X: 3, Y: 3}, InvertX: true}

// PanController moves the Chef's pan to wherever the tablet player touches.
// HandleTouch runs on the update loop; the getters are safe from any goroutine.
type PanController struct {
	area PanArea

	mu        sync.RWMutex
	target    Vec2
	hasTarget bool
	indicator bool
}

// NewPanController creates a controller for area.
func NewPanController(area PanArea) *PanController {
	if area.Size.X <= 0 || area.Size.Y <= 0 {
		area.Size = DefaultPanArea.Size
	}
	return &PanController{area: area, target: area.Center}
}

// HandleTouch maps the normalized touch onto the pan area.
func (p *PanController) HandleTouch(ctx context.Context, ev types.TouchEvent) {
	ev = ev.Clamped()
	nx, ny := ev.ScreenX, ev.ScreenY
	if p.area.InvertX {
		nx = 1 - nx
	}
	if p.area.InvertY {
		ny = 1 - ny
	}

	pos := Vec2{
		X: lerp(p.area.Center.X-p.area.Size.X/2, p.area.Center.X+p.area.Size.X/2, nx),
		Y: lerp(p.area.Center.Y-p.area.Size.Y/2, p.area.Center.Y+p.area.Size.Y/2, ny),
	}

	p.mu.Lock()
	p.target = pos
	p.hasTarget = true
	switch ev.Action {
	case types.TouchBegan, types.TouchMoved:
		p.indicator = true
	case types.TouchEnded, types.TouchCanceled:
		p.indicator = false
	}
	p.mu.Unlock()

	logging.Debug(ctx, "Pan target", zap.Float64("x", pos.X), zap.Float64("y", pos.Y), zap.String("action", string(ev.Action)))
}

// Target is the last requested pan position and whether any touch arrived yet.
func (p *PanController) Target() (Vec2, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.target, p.hasTarget
}

// IndicatorVisible reports whether a finger is currently down.
func (p *PanController) IndicatorVisible() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.indicator
}

// Reset recenters the pan.
func (p *PanController) Reset() {
	p.mu.Lock()
	p.target = p.area.Center
	p.hasTarget = false
	p.indicator = false
	p.mu.Unlock()
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// DefaultShootCooldown is the minimum time between Soldado shots.
const DefaultShootCooldown = 500 * time.Millisecond

// Shot is one bullet fired by the Soldado, at a viewport position.
type Shot struct {
	At      Vec2      `json:"at"`
	FiredAt time.Time `json:"firedAt"`
}

// ShooterController fires a bullet where the tablet player taps. Only Began
// touches fire, and never faster than the cooldown.
type ShooterController struct {
	cooldown time.Duration
	clock    clock.PassiveClock
	onShot   func(ctx context.Context, s Shot)

	mu    sync.RWMutex
	last  *Shot
	shots uint64
}

// NewShooterController creates a shooter. onShot may be nil.
func NewShooterController(cooldown time.Duration, clk clock.PassiveClock, onShot func(ctx context.Context, s Shot)) *ShooterController {
	if cooldown < 0 {
		cooldown = DefaultShootCooldown
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &ShooterController{cooldown: cooldown, clock: clk, onShot: onShot}
}

// HandleTouch fires on Began when the cooldown has elapsed.
func (s *ShooterController) HandleTouch(ctx context.Context, ev types.TouchEvent) {
	if ev.Action != types.TouchBegan {
		return
	}
	ev = ev.Clamped()
	now := s.clock.Now()

	s.mu.Lock()
	if s.last != nil && now.Sub(s.last.FiredAt) < s.cooldown {
		left := s.cooldown - now.Sub(s.last.FiredAt)
		s.mu.Unlock()
		logging.Debug(ctx, "Shot on cooldown", zap.Duration("remaining", left))
		return
	}
	shot := Shot{At: Vec2{X: ev.ScreenX, Y: ev.ScreenY}, FiredAt: now}
	s.last = &shot
	s.shots++
	s.mu.Unlock()

	logging.Debug(ctx, "Shot fired", zap.Float64("x", shot.At.X), zap.Float64("y", shot.At.Y))
	if s.onShot != nil {
		s.onShot(ctx, shot)
	}
}

// Shots counts bullets fired.
func (s *ShooterController) Shots() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shots
}

// LastShot returns the most recent shot, if any.
func (s *ShooterController) LastShot() (Shot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return Shot{}, false
	}
	return *s.last, true
}
