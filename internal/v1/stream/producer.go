package stream

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/RoseWrightdev/vrlink/internal/v1/logging"
	"github.com/RoseWrightdev/vrlink/internal/v1/metrics"
	"go.uber.org/zap"
)

// ProducerConfig controls capture cadence and the backpressure policy.
type ProducerConfig struct {
	TargetFPS int
	// SkipWhenBusy skips capture while the queue is full. When false the queue
	// evicts its oldest frame instead.
	SkipWhenBusy bool
}

// Stats is a snapshot of producer counters.
type Stats struct {
	Captured      uint64
	BusySkips     uint64
	Evicted       uint64
	Errors        uint64
	AvgFrameBytes float64
	Quality       int
	QueueDepth    int
	QueueCapacity int
}

// Producer captures frames on the update-loop cadence. MaybeCapture must only
// be called from the update loop; Stats is safe from any goroutine.
type Producer struct {
	cfg      ProducerConfig
	interval time.Duration
	source   Source
	encoder  *Encoder
	queue    *FrameQueue
	quality  *Quality

	lastCapture time.Time

	captured  atomic.Uint64
	busySkips atomic.Uint64
	failures  atomic.Uint64
	avgBytes  atomic.Uint64 // float64 bits
}

// NewProducer wires a source, encoder, queue and quality state together.
func NewProducer(cfg ProducerConfig, source Source, encoder *Encoder, queue *FrameQueue, quality *Quality) *Producer {
	if cfg.TargetFPS <= 0 {
		cfg.TargetFPS = 30
	}
	return &Producer{
		cfg:      cfg,
		interval: time.Second / time.Duration(cfg.TargetFPS),
		source:   source,
		encoder:  encoder,
		queue:    queue,
		quality:  quality,
	}
}

// MaybeCapture captures, encodes and enqueues one frame if the frame interval
// has elapsed since the last attempt. It reports whether a frame was enqueued.
func (p *Producer) MaybeCapture(ctx context.Context, now time.Time) bool {
	if !p.lastCapture.IsZero() && now.Sub(p.lastCapture) < p.interval {
		return false
	}
	p.lastCapture = now

	defer p.publishGauges()

	if p.cfg.SkipWhenBusy && p.queue.Len() >= p.queue.Cap() {
		p.busySkips.Add(1)
		metrics.FramesSkipped.WithLabelValues("busy").Inc()
		p.quality.Adjust(p.queue.Len())
		return false
	}

	img, err := p.source.Capture()
	if err != nil {
		p.fail(ctx, "capture", err)
		return false
	}

	data, err := p.encoder.Encode(img, p.quality.Current())
	if err != nil {
		stage := "encode"
		if errors.Is(err, ErrNotJPEG) {
			stage = "validate"
		}
		p.fail(ctx, stage, err)
		return false
	}

	if p.queue.Push(data) {
		metrics.FramesSkipped.WithLabelValues("evicted").Inc()
	}
	p.captured.Add(1)
	metrics.FramesCaptured.Inc()
	metrics.FrameBytes.Observe(float64(len(data)))
	p.updateAverage(len(data))

	p.quality.Adjust(p.queue.Len())
	return true
}

// Reset forgets the capture timestamp and restores full quality. Called when a
// new client connects.
func (p *Producer) Reset() {
	p.lastCapture = time.Time{}
	p.quality.Reset()
}

// Stats returns current counters.
func (p *Producer) Stats() Stats {
	return Stats{
		Captured:      p.captured.Load(),
		BusySkips:     p.busySkips.Load(),
		Evicted:       p.queue.Skipped(),
		Errors:        p.failures.Load(),
		AvgFrameBytes: math.Float64frombits(p.avgBytes.Load()),
		Quality:       p.quality.Current(),
		QueueDepth:    p.queue.Len(),
		QueueCapacity: p.queue.Cap(),
	}
}

func (p *Producer) fail(ctx context.Context, stage string, err error) {
	p.failures.Add(1)
	metrics.CaptureErrors.WithLabelValues(stage).Inc()
	logging.Debug(ctx, "Frame dropped", zap.String("stage", stage), zap.Error(err))
}

// updateAverage keeps an exponential moving average of encoded frame size.
func (p *Producer) updateAverage(n int) {
	prev := math.Float64frombits(p.avgBytes.Load())
	next := float64(n)
	if prev > 0 {
		next = prev*0.9 + float64(n)*0.1
	}
	p.avgBytes.Store(math.Float64bits(next))
}

func (p *Producer) publishGauges() {
	metrics.QueueDepth.Set(float64(p.queue.Len()))
	metrics.StreamQuality.Set(float64(p.quality.Current()))
}
