package tablet

import (
	"context"
	"errors"
	"time"

	"github.com/RoseWrightdev/vrlink/internal/v1/logging"
	"github.com/RoseWrightdev/vrlink/internal/v1/metrics"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// NewConnectBreaker returns the breaker Run uses between reconnect attempts.
// Three straight failures open it for openFor.
func NewConnectBreaker(openFor time.Duration) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "tablet-connect",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(metrics.BreakerStateValue(to.String()))
		},
	})
}

// Run keeps the tablet connected until ctx ends. Each lost link is followed
// by ReconnectBackoff; connect attempts go through cb. With reconnect false
// Run returns after the first link ends.
func (c *Client) Run(ctx context.Context, cb *gobreaker.CircuitBreaker, reconnect bool) error {
	defer c.Close()

	for {
		res, err := cb.Execute(func() (interface{}, error) {
			return c.connect(ctx)
		})
		if ctx.Err() != nil {
			return nil
		}

		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				metrics.CircuitBreakerFailures.WithLabelValues(cb.Name()).Inc()
				logging.Warn(ctx, "Connect breaker open, waiting", zap.String("addr", c.cfg.Addr))
			} else {
				logging.Warn(ctx, "Connect to VR host failed", zap.String("addr", c.cfg.Addr), zap.Error(err))
			}
			if !reconnect {
				return err
			}
		} else {
			l := res.(*link)
			select {
			case reason := <-l.done:
				logging.Warn(ctx, "Link to VR host lost", zap.Error(reason))
				if !reconnect {
					return reason
				}
			case <-ctx.Done():
				return nil
			}
		}

		select {
		case <-c.clock.After(c.cfg.ReconnectBackoff):
		case <-ctx.Done():
			return nil
		}
	}
}
