package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RoseWrightdev/vrlink/internal/v1/metrics"
	"github.com/RoseWrightdev/vrlink/internal/v1/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// Channel names shared with external consumers.
const (
	ChannelEvents   = "vrlink:events"
	ChannelTouch    = "vrlink:touch"
	ChannelCommands = "vrlink:commands"
)

// Envelope is the container for everything published by the host.
type Envelope struct {
	Event    string          `json:"event"`    // Message kind, e.g. "score", "winner", "touch"
	Payload  json.RawMessage `json:"payload"`  // The wire message as sent to the tablet
	SenderID string          `json:"senderId"` // Host instance that published it
	SentAt   time.Time       `json:"sentAt"`
}

// TouchPayload is published on ChannelTouch for every routed touch.
type TouchPayload struct {
	Mode  types.GameMode   `json:"mode"`
	Touch types.TouchEvent `json:"touch"`
}

// Command actions accepted on ChannelCommands.
const (
	ActionAddScore    = "addScore"
	ActionResetScores = "resetScores"
	ActionStartTimer  = "startTimer"
	ActionEndGame     = "endGame"
)

// Command is an instruction from an external game engine.
type Command struct {
	Action string `json:"action"`
	Side   string `json:"side,omitempty"`   // "chef", "soldado" or "vr" for addScore
	Points int    `json:"points,omitempty"` // May be negative for the VR side
}

// Validate rejects commands the host cannot apply.
func (c Command) Validate() error {
	switch c.Action {
	case ActionAddScore:
		switch c.Side {
		case "chef", "soldado", "vr":
			return nil
		default:
			return fmt.Errorf("unknown score side %q", c.Side)
		}
	case ActionResetScores, ActionStartTimer, ActionEndGame:
		return nil
	default:
		return fmt.Errorf("unknown command action %q", c.Action)
	}
}

// Service handles all interaction with Redis.
type Service struct {
	client     *redis.Client
	cb         *gobreaker.CircuitBreaker
	instanceID string
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService connects to Redis and verifies the connection with a ping.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     4,
		MinIdleConns: 1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(metrics.BreakerStateValue(to.String()))
		},
	}

	slog.Info("Connected to Redis event bus", "addr", addr)
	return &Service{
		client:     rdb,
		cb:         gobreaker.NewCircuitBreaker(st),
		instanceID: uuid.NewString(),
	}, nil
}

// PublishEvent mirrors an outbound tablet message on ChannelEvents.
func (s *Service) PublishEvent(ctx context.Context, msg types.ControlMessage) error {
	if s == nil || s.client == nil {
		return nil // Bus disabled
	}
	return s.publish(ctx, ChannelEvents, msg.Kind(), msg)
}

// PublishTouch forwards a routed touch on ChannelTouch.
func (s *Service) PublishTouch(ctx context.Context, mode types.GameMode, ev types.TouchEvent) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.publish(ctx, ChannelTouch, types.MsgTypeTouch, TouchPayload{Mode: mode, Touch: ev})
}

func (s *Service) publish(ctx context.Context, channel, event string, payload any) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		inner, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
		}

		data, err := json.Marshal(Envelope{
			Event:    event,
			Payload:  inner,
			SenderID: s.instanceID,
			SentAt:   time.Now().UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal envelope: %w", err)
		}

		return nil, s.client.Publish(ctx, channel, data).Err()
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			metrics.RedisOperationsTotal.WithLabelValues("publish", "dropped").Inc()
			slog.Warn("Redis circuit breaker open: dropping publish", "channel", channel, "event", event)
			return nil // Degrade: the tablet link never depends on the bus
		}
		metrics.RedisOperationsTotal.WithLabelValues("publish", "error").Inc()
		slog.Error("Redis publish failed", "channel", channel, "event", event, "error", err)
		return err
	}

	metrics.RedisOperationsTotal.WithLabelValues("publish", "ok").Inc()
	return nil
}

// SubscribeCommands listens on ChannelCommands until ctx is cancelled.
// Invalid commands are logged and skipped. handler runs on the subscriber
// goroutine; callers marshal onto their own loop.
func (s *Service) SubscribeCommands(ctx context.Context, wg *sync.WaitGroup, handler func(Command)) {
	if s == nil || s.client == nil {
		return
	}

	pubsub := s.client.Subscribe(ctx, ChannelCommands)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		slog.Info("Subscribed to Redis channel", "channel", ChannelCommands)
		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("Redis subscription channel closed", "channel", ChannelCommands)
					return
				}

				var cmd Command
				if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
					metrics.RedisOperationsTotal.WithLabelValues("command", "invalid").Inc()
					slog.Error("Failed to unmarshal command", "error", err, "raw", msg.Payload)
					continue
				}
				if err := cmd.Validate(); err != nil {
					metrics.RedisOperationsTotal.WithLabelValues("command", "invalid").Inc()
					slog.Warn("Ignoring command", "error", err)
					continue
				}

				metrics.RedisOperationsTotal.WithLabelValues("command", "ok").Inc()
				handler(cmd)
			}
		}
	}()
}

// Ping checks Redis connectivity for readiness probes.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
