package game

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RoseWrightdev/vrlink/internal/v1/dispatch"
	"github.com/RoseWrightdev/vrlink/internal/v1/logging"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// DefaultLevelDuration is the length of one round.
const DefaultLevelDuration = 90 * time.Second

// LevelTimer counts down one round and fires its completion callbacks once
// per run, on the dispatcher.
type LevelTimer struct {
	clock      clock.WithDelayedExecution
	dispatcher *dispatch.Dispatcher
	duration   time.Duration

	mu         sync.Mutex
	timer      clock.Timer
	deadline   time.Time
	running    bool
	expired    bool
	generation uint64
	onComplete []func(ctx context.Context)
}

// NewLevelTimer creates a stopped timer.
func NewLevelTimer(duration time.Duration, dispatcher *dispatch.Dispatcher, clk clock.WithDelayedExecution) *LevelTimer {
	if duration <= 0 {
		duration = DefaultLevelDuration
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &LevelTimer{clock: clk, dispatcher: dispatcher, duration: duration}
}

// OnComplete registers fn to run on the update loop when the timer expires.
func (t *LevelTimer) OnComplete(fn func(ctx context.Context)) {
	t.mu.Lock()
	t.onComplete = append(t.onComplete, fn)
	t.mu.Unlock()
}

// Start starts the countdown from the full duration, restarting a running timer.
func (t *LevelTimer) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.generation++
	gen := t.generation
	t.deadline = t.clock.Now().Add(t.duration)
	t.running = true
	t.expired = false
	t.timer = t.clock.AfterFunc(t.duration, func() {
		t.dispatcher.Enqueue(func(ctx context.Context) { t.complete(ctx, gen) })
	})

	logging.Info(ctx, "Level timer started", zap.Duration("duration", t.duration))
}

// Stop cancels a running countdown without firing callbacks.
func (t *LevelTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.generation++
	t.running = false
}

func (t *LevelTimer) complete(ctx context.Context, gen uint64) {
	t.mu.Lock()
	if gen != t.generation || !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.expired = true
	callbacks := append([]func(context.Context){}, t.onComplete...)
	t.mu.Unlock()

	logging.Info(ctx, "Time is up, level finished")
	for _, fn := range callbacks {
		fn(ctx)
	}
}

// Running reports whether a countdown is in progress.
func (t *LevelTimer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Remaining is the full duration before the first start, zero after expiry.
func (t *LevelTimer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.running:
		if left := t.deadline.Sub(t.clock.Now()); left > 0 {
			return left
		}
		return 0
	case t.expired:
		return 0
	default:
		return t.duration
	}
}

// Duration is the configured round length.
func (t *LevelTimer) Duration() time.Duration {
	return t.duration
}

// FormatRemaining renders d as MM:SS the way the in-game clock shows it.
func FormatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
