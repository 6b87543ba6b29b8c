// Package bus provides the Broadcaster's optional cross-instance fan-out:
// when two processes host the same room_id during a rolling deploy, each
// still owns its local Room exclusively, and publishes its broadcasts to a
// shared per-room Redis channel. Subscribe can replay that channel, but the
// service binary does not call it, so published events do not reach another
// process's members. This is advisory only — local fan-out never depends on it.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/syncroom/engine/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// PubSubPayload is the container published to a room's cross-instance
// channel. It mirrors the broadcast envelope (spec.md §6.1) closely enough
// that a receiving instance can replay it to its own local members.
type PubSubPayload struct {
	RoomID         string          `json:"roomId"`
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload"`
	ExcludeSenderID string         `json:"excludeSenderId,omitempty"`
}

// Service handles all interaction with the Redis cluster.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a robust Redis connection with automatic retries.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("connected to redis pub/sub", "addr", addr)
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// Publish fans a room broadcast out to any other instance subscribed to the
// same room_id channel. A nil Service (no bus configured) is a documented
// no-op, so callers never need to branch on whether cross-instance fan-out
// is enabled.
func (s *Service) Publish(ctx context.Context, roomID, event string, payload any, excludeSenderID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		innerBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal inner payload: %w", err)
		}

		msg := PubSubPayload{
			RoomID:          roomID,
			Event:           event,
			Payload:         innerBytes,
			ExcludeSenderID: excludeSenderID,
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pubsub envelope: %w", err)
		}

		return nil, s.client.Publish(ctx, roomChannel(roomID), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open: dropping publish", "roomID", roomID)
			return nil
		}
		slog.Error("redis publish failed", "roomID", roomID, "error", err)
		return err
	}

	return nil
}

// Subscribe starts a background goroutine that replays messages published by
// other instances for roomID. Cancel ctx to stop listening (e.g. when the
// local Room for roomID closes).
func (s *Service) Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(PubSubPayload)) {
	if s == nil || s.client == nil {
		return
	}

	channel := roomChannel(roomID)
	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		slog.Info("subscribed to redis channel", "channel", channel)

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("redis subscription channel closed", "channel", channel)
					return
				}

				var payload PubSubPayload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					slog.Error("failed to unmarshal redis message", "error", err, "raw", msg.Payload)
					continue
				}

				handler(payload)
			}
		}
	}()
}

func roomChannel(roomID string) string {
	return fmt.Sprintf("syncroom:room:%s", roomID)
}

// Ping checks Redis connectivity. Used by the readiness probe.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
