package stream

import "sync/atomic"

const (
	// QualityFloor is the lowest quality adaptive mode will step down to.
	QualityFloor = 30

	qualityStepDown = 5
	qualityStepUp   = 2
)

// Quality holds the JPEG quality used for the next encode. The configured
// value is the ceiling; under backpressure it steps toward QualityFloor.
type Quality struct {
	current  atomic.Int32
	ceiling  int32
	floor    int32
	adaptive bool
}

// NewQuality starts at configured, clamped to [1,100].
func NewQuality(configured int, adaptive bool) *Quality {
	configured = min(max(configured, 1), 100)
	q := &Quality{
		ceiling:  int32(configured),
		floor:    int32(min(QualityFloor, configured)),
		adaptive: adaptive,
	}
	q.current.Store(int32(configured))
	return q
}

// Current returns the quality for the next encode.
func (q *Quality) Current() int {
	return int(q.current.Load())
}

// Ceiling returns the configured quality.
func (q *Quality) Ceiling() int {
	return int(q.ceiling)
}

// Adjust applies one adaptation step for the observed queue depth and returns
// the new quality. More than one frame waiting steps down; an empty queue steps up.
func (q *Quality) Adjust(depth int) int {
	if !q.adaptive {
		return q.Current()
	}
	cur := q.current.Load()
	next := cur
	switch {
	case depth > 1 && cur > q.floor:
		next = max(q.floor, cur-qualityStepDown)
	case depth == 0 && cur < q.ceiling:
		next = min(q.ceiling, cur+qualityStepUp)
	}
	q.current.Store(next)
	return int(next)
}

// Reset restores the configured quality, used when a new client connects.
func (q *Quality) Reset() {
	q.current.Store(q.ceiling)
}
